package controller

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/suokelife/messagebus/internal/application/messaging"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
	customMW "github.com/suokelife/messagebus/internal/middleware"
)

const attributeQueryPrefix = "attr."

// MessageController publishes to and reads from topics.
type MessageController struct {
	publisher *messaging.Publisher
	messages  *messaging.MessageRepository
}

func NewMessageController(publisher *messaging.Publisher, messages *messaging.MessageRepository) *MessageController {
	return &MessageController{publisher: publisher, messages: messages}
}

// Publish handles POST /api/v1/topics/{name}/messages. A delivered message
// answers 201 with its ack; a retryable failure answers 202.
func (h *MessageController) Publish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	payload, err := req.payload()
	if err != nil {
		writeError(w, err)
		return
	}

	msg := message.New(chi.URLParam(r, "name"), payload, req.Attributes)
	msg.OrderingKey = req.OrderingKey
	if key, ok := customMW.GetIdempotencyKey(r.Context()); ok {
		msg.ID = key
	}

	delivery, err := h.publisher.Publish(r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}

	if delivery.Retrying {
		writeJSON(w, http.StatusAccepted, PublishResponse{
			MessageID: msg.ID,
			Status:    "retrying",
			Error:     delivery.Cause.Error(),
			ErrorKind: domainErrors.KindOf(delivery.Cause).String(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, PublishResponse{
		MessageID: delivery.Ack.MessageID,
		Status:    "published",
		Partition: &delivery.Ack.Partition,
		Offset:    &delivery.Ack.Offset,
	})
}

// Get handles GET /api/v1/topics/{name}/messages/{id}
func (h *MessageController) Get(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.GetMessage(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromMessage(msg))
}

// List handles GET /api/v1/topics/{name}/messages?max=&start=&end=&attr.<k>=<v>
func (h *MessageController) List(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}

	msgs, err := h.messages.ListMessages(r.Context(), chi.URLParam(r, "name"), opts)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := MessageListResponse{Messages: make([]MessageResponse, len(msgs)), Count: len(msgs)}
	for i, m := range msgs {
		resp.Messages[i] = FromMessage(m)
	}
	writeJSON(w, http.StatusOK, resp)
}

func listOptions(r *http.Request) (messaging.ListOptions, error) {
	q := r.URL.Query()

	maxCount, err := queryInt(r, "max", messaging.DefaultMaxCount)
	if err != nil {
		return messaging.ListOptions{}, err
	}
	opts := messaging.ListOptions{MaxCount: maxCount}

	if opts.Start, err = queryTime(q.Get("start"), "start"); err != nil {
		return messaging.ListOptions{}, err
	}
	if opts.End, err = queryTime(q.Get("end"), "end"); err != nil {
		return messaging.ListOptions{}, err
	}
	if !opts.Start.IsZero() && !opts.End.IsZero() && opts.End.Before(opts.Start) {
		return messaging.ListOptions{}, domainErrors.NewValidationError("end", "must not be before start")
	}

	for key, values := range q {
		name, ok := strings.CutPrefix(key, attributeQueryPrefix)
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		if opts.Attributes == nil {
			opts.Attributes = make(map[string]string)
		}
		opts.Attributes[name] = values[0]
	}
	return opts, nil
}

func queryTime(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, domainErrors.NewValidationError(field, "must be an RFC 3339 timestamp")
	}
	return t, nil
}
