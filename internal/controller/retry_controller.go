package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/suokelife/messagebus/internal/application/messaging"
	"github.com/suokelife/messagebus/internal/application/reliability"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
)

// RetryController exposes pending retries and delivery statistics.
type RetryController struct {
	manager  *reliability.Manager
	messages *messaging.MessageRepository
	topics   *messaging.TopicRepository
}

func NewRetryController(manager *reliability.Manager, messages *messaging.MessageRepository, topics *messaging.TopicRepository) *RetryController {
	return &RetryController{manager: manager, messages: messages, topics: topics}
}

// List handles GET /api/v1/retries
func (h *RetryController) List(w http.ResponseWriter, r *http.Request) {
	pending := h.manager.ListPending()
	resp := make([]RetryResponse, len(pending))
	for i, p := range pending {
		resp[i] = FromRetryable(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/retries/{id}
func (h *RetryController) Get(w http.ResponseWriter, r *http.Request) {
	pending, ok := h.manager.GetPending(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, domainErrors.ErrRetryNotFound)
		return
	}
	writeJSON(w, http.StatusOK, FromRetryable(pending))
}

// Cancel handles DELETE /api/v1/retries/{id}
func (h *RetryController) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.manager.CancelRetry(chi.URLParam(r, "id")) {
		writeError(w, domainErrors.ErrRetryNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /api/v1/stats
func (h *RetryController) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Reliability: h.manager.Stats(),
		Breaker:     h.messages.Breaker().Snapshot(),
		TopicStore:  h.topics.StoreBreakerState().String(),
	})
}
