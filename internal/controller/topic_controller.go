package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/suokelife/messagebus/internal/application/messaging"
	"github.com/suokelife/messagebus/internal/domain/topic"
)

// TopicController handles topic administration.
type TopicController struct {
	topics   *messaging.TopicRepository
	defaults messaging.TopicDefaults
}

func NewTopicController(topics *messaging.TopicRepository, defaults messaging.TopicDefaults) *TopicController {
	return &TopicController{topics: topics, defaults: defaults}
}

// Create handles POST /api/v1/topics. It answers 201 when the topic was
// created and 200 when it already existed.
func (h *TopicController) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTopicRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	partitions := req.PartitionCount
	if partitions == 0 {
		partitions = h.defaults.PartitionCount
	}
	replication := req.ReplicationFactor
	if replication == 0 {
		replication = h.defaults.ReplicationFactor
	}

	t := topic.New(req.Name, partitions, replication)
	t.RetentionPolicy = topic.RetentionPolicy{
		Duration: time.Duration(req.RetentionMs) * time.Millisecond,
		MaxBytes: req.RetentionMaxBytes,
	}
	t.Labels = req.Labels

	declared, created, err := h.topics.Declare(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, FromTopic(declared))
}

// Get handles GET /api/v1/topics/{name}
func (h *TopicController) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.topics.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromTopic(t))
}

// List handles GET /api/v1/topics?page_size=&page_token=
func (h *TopicController) List(w http.ResponseWriter, r *http.Request) {
	pageSize, err := queryInt(r, "page_size", topic.DefaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := h.topics.List(r.Context(), pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := TopicListResponse{
		Topics:        make([]TopicResponse, len(page.Topics)),
		NextPageToken: page.NextPageToken,
		TotalCount:    page.TotalCount,
	}
	for i, t := range page.Topics {
		resp.Topics[i] = FromTopic(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /api/v1/topics/{name}
func (h *TopicController) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	deleted, err := h.topics.Delete(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "topic " + name + " not found", Code: "topic_not_found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
