package reliability

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDeadLetterCapacity is used when the store is created without a size.
const DefaultDeadLetterCapacity = 10000

// DeadLetterStats summarises store activity since creation.
type DeadLetterStats struct {
	Total        int   `json:"total"`
	MaxSize      int   `json:"max_size"`
	AddedCount   int64 `json:"added_count"`
	EvictedCount int64 `json:"evicted_count"`
	RemovedCount int64 `json:"removed_count"`
	ClearedCount int64 `json:"cleared_count"`
}

// DeadLetterStore is a bounded in-memory store of exhausted messages.
// When full, the entry with the oldest CreatedAt is evicted.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string]DeadLetterEntry
	maxSize int

	added   int64
	evicted int64
	removed int64
	cleared int64

	logger  zerolog.Logger
	metrics Metrics
}

// DeadLetterOption configures the store.
type DeadLetterOption func(*DeadLetterStore)

// WithDeadLetterLogger sets the logger.
func WithDeadLetterLogger(logger zerolog.Logger) DeadLetterOption {
	return func(s *DeadLetterStore) {
		s.logger = logger
	}
}

// WithDeadLetterMetrics sets the metrics sink.
func WithDeadLetterMetrics(m Metrics) DeadLetterOption {
	return func(s *DeadLetterStore) {
		s.metrics = m
	}
}

// NewDeadLetterStore creates a store holding at most maxSize entries.
func NewDeadLetterStore(maxSize int, opts ...DeadLetterOption) *DeadLetterStore {
	if maxSize <= 0 {
		maxSize = DefaultDeadLetterCapacity
	}
	s := &DeadLetterStore{
		entries: make(map[string]DeadLetterEntry),
		maxSize: maxSize,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = guard(s.metrics, s.logger)
	return s
}

// Add stores an entry, replacing any entry with the same message id.
func (s *DeadLetterStore) Add(entry DeadLetterEntry) {
	entry = entry.clone()
	if entry.DeadLetteredAt.IsZero() {
		entry.DeadLetteredAt = time.Now().UTC()
	}
	id := entry.ID()

	s.mu.Lock()
	var victim *DeadLetterEntry
	if _, exists := s.entries[id]; !exists && len(s.entries) >= s.maxSize {
		if oldest, ok := s.oldestLocked(); ok {
			delete(s.entries, oldest.ID())
			s.evicted++
			victim = &oldest
		}
	}
	s.entries[id] = entry
	s.added++
	s.mu.Unlock()

	if victim != nil {
		s.logger.Warn().
			Str("message_id", victim.ID()).
			Str("topic", victim.Message.Topic).
			Msg("dead letter store full, evicted oldest entry")
		s.metrics.DeadLetterEvicted(victim.Message.Topic)
	}
	s.metrics.DeadLetterAdded(entry.Message.Topic)
}

// oldestLocked scans for the entry with the smallest CreatedAt. Ties are
// broken by id so eviction is deterministic.
func (s *DeadLetterStore) oldestLocked() (DeadLetterEntry, bool) {
	var (
		oldest DeadLetterEntry
		found  bool
	)
	for _, e := range s.entries {
		if !found ||
			e.CreatedAt.Before(oldest.CreatedAt) ||
			(e.CreatedAt.Equal(oldest.CreatedAt) && e.ID() < oldest.ID()) {
			oldest = e
			found = true
		}
	}
	return oldest, found
}

// Get returns a copy of the entry for a message id.
func (s *DeadLetterStore) Get(id string) (DeadLetterEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return DeadLetterEntry{}, false
	}
	return e.clone(), true
}

// Remove deletes an entry and reports whether it existed.
func (s *DeadLetterStore) Remove(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		s.removed++
	}
	s.mu.Unlock()

	if ok {
		s.metrics.DeadLetterRemoved(e.Message.Topic)
	}
	return ok
}

// List returns entries newest first by CreatedAt. A non-positive limit
// returns everything after offset.
func (s *DeadLetterStore) List(limit, offset int) []DeadLetterEntry {
	s.mu.RLock()
	all := make([]DeadLetterEntry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e.clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID() < all[j].ID()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []DeadLetterEntry{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// Clear removes every entry and returns how many were removed.
func (s *DeadLetterStore) Clear() int {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]DeadLetterEntry)
	s.cleared += int64(n)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info().Int("count", n).Msg("dead letter store cleared")
	}
	return n
}

// Len returns the number of stored entries.
func (s *DeadLetterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *DeadLetterStore) Stats() DeadLetterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return DeadLetterStats{
		Total:        len(s.entries),
		MaxSize:      s.maxSize,
		AddedCount:   s.added,
		EvictedCount: s.evicted,
		RemovedCount: s.removed,
		ClearedCount: s.cleared,
	}
}
