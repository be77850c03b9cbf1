package reliability

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/suokelife/messagebus/internal/domain/message"
)

// ManagerStats is the combined view exposed to operators.
type ManagerStats struct {
	RetryScheduler  SchedulerStats  `json:"retry_scheduler"`
	DeadLetterStore DeadLetterStats `json:"dead_letter_store"`
}

// Manager is the facade used by the messaging layer: it routes failures to
// the scheduler and exposes dead-letter operations.
type Manager struct {
	deadLetters *DeadLetterStore
	scheduler   *Scheduler
	defaults    RetryConfig
	logger      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithDefaultRetryConfig replaces DefaultRetryConfig for failures handled
// without an explicit config.
func WithDefaultRetryConfig(cfg RetryConfig) ManagerOption {
	return func(m *Manager) {
		m.defaults = cfg
	}
}

func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager over an existing store and scheduler.
func NewManager(store *DeadLetterStore, scheduler *Scheduler, opts ...ManagerOption) *Manager {
	m := &Manager{
		deadLetters: store,
		scheduler:   scheduler,
		defaults:    DefaultRetryConfig(),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleFailure schedules a retry for a failed delivery. A nil cfg uses the
// manager default. It returns whether a retry was scheduled.
func (m *Manager) HandleFailure(msg message.Message, cause error, retryable Retryable, cfg *RetryConfig) bool {
	effective := m.defaults
	if cfg != nil {
		effective = *cfg
	}
	if err := effective.Validate(); err != nil {
		m.logger.Error().Err(err).Str("message_id", msg.ID).Msg("invalid retry config, failure not retried")
		return false
	}
	return m.scheduler.ScheduleRetry(msg, cause, effective, retryable)
}

// ListDeadLetters returns dead-lettered messages, newest first.
func (m *Manager) ListDeadLetters(limit, offset int) []DeadLetterEntry {
	return m.deadLetters.List(limit, offset)
}

func (m *Manager) GetDeadLetter(id string) (DeadLetterEntry, bool) {
	return m.deadLetters.Get(id)
}

func (m *Manager) DeleteDeadLetter(id string) bool {
	return m.deadLetters.Remove(id)
}

func (m *Manager) ClearDeadLetters() int {
	return m.deadLetters.Clear()
}

// Reprocess moves a dead-lettered message back into the scheduler with a
// fresh retry budget. It returns false when the entry does not exist or the
// message is already pending.
func (m *Manager) Reprocess(id string, retryable Retryable) bool {
	if retryable == nil {
		return false
	}
	entry, ok := m.deadLetters.Get(id)
	if !ok {
		return false
	}
	if !m.scheduler.Resubmit(entry.Message, entry.Config, retryable) {
		return false
	}
	m.deadLetters.Remove(id)
	m.logger.Info().Str("message_id", id).Str("topic", entry.Message.Topic).Msg("dead letter reprocessed")
	return true
}

func (m *Manager) CancelRetry(id string) bool {
	return m.scheduler.CancelRetry(id)
}

func (m *Manager) GetPending(id string) (RetryableMessage, bool) {
	return m.scheduler.Get(id)
}

func (m *Manager) ListPending() []RetryableMessage {
	return m.scheduler.ListPending()
}

func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		RetryScheduler:  m.scheduler.Stats(),
		DeadLetterStore: m.deadLetters.Stats(),
	}
}

// Run blocks running the scheduler loop until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	return m.scheduler.Run(ctx)
}

// Start runs the scheduler loop in the background until Stop is called or
// ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go func() {
		defer close(done)
		if err := m.scheduler.Run(ctx); err != nil {
			m.logger.Error().Err(err).Msg("retry scheduler exited")
		}
	}()
}

// Stop halts the scheduler loop and waits for attempts in flight.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
