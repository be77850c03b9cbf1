package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/topic"
)

// TopicStore is an in-process topic.Store.
type TopicStore struct {
	mu     sync.RWMutex
	topics map[string]topic.Topic
}

var _ topic.Store = (*TopicStore)(nil)

func NewTopicStore() *TopicStore {
	return &TopicStore{topics: make(map[string]topic.Topic)}
}

func (s *TopicStore) Save(ctx context.Context, t topic.Topic) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.topics[t.Name]
	s.topics[t.Name] = t.Clone()
	return !exists, nil
}

func (s *TopicStore) Get(ctx context.Context, name string) (topic.Topic, error) {
	if err := ctx.Err(); err != nil {
		return topic.Topic{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.topics[name]
	if !ok {
		return topic.Topic{}, fmt.Errorf("%s: %w", name, domainErrors.ErrTopicNotFound)
	}
	return t.Clone(), nil
}

func (s *TopicStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.topics[name]
	return ok, nil
}

func (s *TopicStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.topics[name]
	delete(s.topics, name)
	return ok, nil
}

// List orders topics by name; the page token is the last name returned.
func (s *TopicStore) List(ctx context.Context, pageSize int, pageToken string) (topic.Page, error) {
	if err := ctx.Err(); err != nil {
		return topic.Page{}, err
	}
	if pageSize <= 0 {
		pageSize = topic.DefaultPageSize
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.topics))
	for name := range s.topics {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	start := sort.SearchStrings(names, pageToken)
	if pageToken != "" && start < len(names) && names[start] == pageToken {
		start++
	}

	page := topic.Page{TotalCount: len(names)}
	end := min(start+pageSize, len(names))
	for _, name := range names[start:end] {
		t, err := s.Get(ctx, name)
		if err != nil {
			continue
		}
		page.Topics = append(page.Topics, t)
	}
	if end < len(names) && len(page.Topics) > 0 {
		page.NextPageToken = page.Topics[len(page.Topics)-1].Name
	}
	return page, nil
}
