package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/suokelife/messagebus/internal/application/messaging"
	"github.com/suokelife/messagebus/internal/application/reliability"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	customMW "github.com/suokelife/messagebus/internal/middleware"
)

const defaultDeadLetterLimit = 100

// DeadLetterController exposes the dead letter store to operators.
type DeadLetterController struct {
	manager   *reliability.Manager
	publisher *messaging.Publisher
	logger    zerolog.Logger
}

func NewDeadLetterController(manager *reliability.Manager, publisher *messaging.Publisher, logger zerolog.Logger) *DeadLetterController {
	return &DeadLetterController{manager: manager, publisher: publisher, logger: logger}
}

// List handles GET /api/v1/dlq?limit=&offset=
func (h *DeadLetterController) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultDeadLetterLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	entries := h.manager.ListDeadLetters(limit, offset)
	resp := DeadLetterListResponse{
		Entries: make([]DeadLetterResponse, len(entries)),
		Total:   h.manager.Stats().DeadLetterStore.Total,
	}
	for i, e := range entries {
		resp.Entries[i] = FromDeadLetter(e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/dlq/{id}
func (h *DeadLetterController) Get(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.manager.GetDeadLetter(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, domainErrors.ErrDeadLetterNotFound)
		return
	}
	writeJSON(w, http.StatusOK, FromDeadLetter(entry))
}

// Delete handles DELETE /api/v1/dlq/{id}
func (h *DeadLetterController) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.manager.DeleteDeadLetter(id) {
		writeError(w, domainErrors.ErrDeadLetterNotFound)
		return
	}
	h.audit(r).Str("message_id", id).Msg("dead letter deleted")
	w.WriteHeader(http.StatusNoContent)
}

// Clear handles DELETE /api/v1/dlq
func (h *DeadLetterController) Clear(w http.ResponseWriter, r *http.Request) {
	n := h.manager.ClearDeadLetters()
	h.audit(r).Int("count", n).Msg("dead letters cleared")
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// Reprocess handles POST /api/v1/dlq/{id}/reprocess. The entry leaves the
// store only once the retry scheduler has accepted it.
func (h *DeadLetterController) Reprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.manager.GetDeadLetter(id); !ok {
		writeError(w, domainErrors.ErrDeadLetterNotFound)
		return
	}
	if !h.publisher.Reprocess(id) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "message " + id + " already has a pending retry",
			Code:  "retry_pending",
		})
		return
	}
	h.audit(r).Str("message_id", id).Msg("dead letter resubmitted")
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": id, "status": "retrying"})
}

func (h *DeadLetterController) audit(r *http.Request) *zerolog.Event {
	operator, _ := customMW.GetOperator(r.Context())
	return h.logger.Info().Str("operator", operator)
}
