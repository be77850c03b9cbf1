package reliability

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/message"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultWorkers        = 16
	DefaultAttemptTimeout = 30 * time.Second
)

// SchedulerStats summarises scheduler activity since creation.
type SchedulerStats struct {
	Pending      int   `json:"pending"`
	QueueDepth   int   `json:"queue_depth"`
	Scheduled    int64 `json:"scheduled"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
	Canceled     int64 `json:"canceled"`
	Rejected     int64 `json:"rejected"`
	Running      bool  `json:"running"`
}

// pendingRetry is the live state of a scheduled message. seq identifies the
// queue key that currently owns it; keys with another seq are stale.
type pendingRetry struct {
	msg       RetryableMessage
	retryable Retryable
	seq       uint64
	firing    bool
}

// Scheduler holds messages awaiting a retry and fires each one when its
// next retry time arrives. Exhausted messages move to the dead-letter store.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*pendingRetry
	queue   dueQueue
	seq     uint64

	scheduled    int64
	succeeded    int64
	failed       int64
	deadLettered int64
	canceled     int64
	rejected     int64

	deadLetters    *DeadLetterStore
	now            func() time.Time
	pollInterval   time.Duration
	attemptTimeout time.Duration
	workerLimit    int
	workers        errgroup.Group
	wake           chan struct{}
	running        atomic.Bool

	logger  zerolog.Logger
	metrics Metrics
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

func WithLogger(logger zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithMetrics(m Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithWorkers bounds the number of retries running at once.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workerLimit = n
		}
	}
}

// WithAttemptTimeout bounds a single retry attempt. Zero disables the bound.
func WithAttemptTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.attemptTimeout = d
	}
}

// NewScheduler creates a scheduler that dead-letters into store.
func NewScheduler(store *DeadLetterStore, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		pending:        make(map[string]*pendingRetry),
		deadLetters:    store,
		now:            time.Now,
		pollInterval:   DefaultPollInterval,
		attemptTimeout: DefaultAttemptTimeout,
		workerLimit:    DefaultWorkers,
		wake:           make(chan struct{}, 1),
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = guard(s.metrics, s.logger)
	s.workers.SetLimit(s.workerLimit)
	return s
}

// ScheduleRetry records a failed delivery and schedules the next attempt.
// It returns false when the failure is not retryable or the retry budget
// is exhausted; in the latter case the message is dead-lettered.
func (s *Scheduler) ScheduleRetry(msg message.Message, cause error, cfg RetryConfig, retryable Retryable) bool {
	s.mu.Lock()
	res := s.scheduleLocked(msg, cause, cfg, retryable)
	s.mu.Unlock()

	s.publish(res)
	return res.scheduled
}

// scheduleResult carries the side effects of scheduleLocked so they can run
// without the lock held.
type scheduleResult struct {
	scheduled bool
	topic     string
	id        string
	delay     time.Duration
	attempt   int
	kind      domainErrors.Kind
	dead      *DeadLetterEntry
	pending   int
}

func (s *Scheduler) scheduleLocked(msg message.Message, cause error, cfg RetryConfig, retryable Retryable) scheduleResult {
	if cause == nil {
		cause = domainErrors.New(domainErrors.KindUnknown, "retry", "delivery failed")
	}
	kind := domainErrors.KindOf(cause)
	now := s.now()
	res := scheduleResult{topic: msg.Topic, id: msg.ID, kind: kind}

	entry, exists := s.pending[msg.ID]
	if exists {
		cfg = entry.msg.Config
	}

	if !cfg.IsRetryable(kind) {
		s.rejected++
		// A pending message that hits a terminal error has nowhere else to go.
		if exists {
			entry.msg.LastError = cause.Error()
			entry.msg.LastErrorKind = kind
			res.dead = s.deadLetterLocked(entry, now)
		}
		res.pending = len(s.pending)
		return res
	}

	if !exists {
		entry = &pendingRetry{
			msg: RetryableMessage{
				Message:   msg,
				Config:    cfg,
				CreatedAt: now,
			},
		}
		s.pending[msg.ID] = entry
	}
	if retryable != nil {
		entry.retryable = retryable
	}
	entry.msg.LastError = cause.Error()
	entry.msg.LastErrorKind = kind

	if entry.msg.IsExhausted() {
		res.dead = s.deadLetterLocked(entry, now)
		res.pending = len(s.pending)
		return res
	}

	attempt := entry.msg.AttemptCount() + 1
	delay := ComputeDelay(attempt, cfg)
	entry.msg.Attempts = append(entry.msg.Attempts, RetryAttempt{
		AttemptNumber:    attempt,
		Timestamp:        now,
		ErrorKind:        kind,
		ErrorMessage:     cause.Error(),
		DelayBeforeRetry: delay,
	})
	entry.msg.NextRetryTime = now.Add(delay)
	s.enqueueLocked(entry)
	s.scheduled++

	res.scheduled = true
	res.delay = delay
	res.attempt = attempt
	res.pending = len(s.pending)
	return res
}

func (s *Scheduler) enqueueLocked(entry *pendingRetry) {
	s.seq++
	entry.seq = s.seq
	entry.firing = false
	heap.Push(&s.queue, dueKey{due: entry.msg.NextRetryTime, id: entry.msg.Message.ID, seq: entry.seq})
}

func (s *Scheduler) deadLetterLocked(entry *pendingRetry, now time.Time) *DeadLetterEntry {
	delete(s.pending, entry.msg.Message.ID)
	s.deadLettered++
	return &DeadLetterEntry{
		RetryableMessage: entry.msg.clone(),
		DeadLetteredAt:   now,
	}
}

func (s *Scheduler) publish(res scheduleResult) {
	switch {
	case res.scheduled:
		s.logger.Debug().
			Str("message_id", res.id).
			Str("topic", res.topic).
			Int("attempt", res.attempt).
			Dur("delay", res.delay).
			Str("error_kind", res.kind.String()).
			Msg("retry scheduled")
		s.metrics.RetryScheduled(res.topic, res.delay)
		s.signal()
	case res.dead != nil:
		s.deadLetters.Add(*res.dead)
		s.logger.Warn().
			Str("message_id", res.id).
			Str("topic", res.topic).
			Int("attempts", res.dead.AttemptCount()).
			Str("last_error", res.dead.LastError).
			Msg("retries exhausted, message dead-lettered")
	default:
		s.logger.Debug().
			Str("message_id", res.id).
			Str("error_kind", res.kind.String()).
			Msg("failure not retryable")
	}
	s.metrics.PendingRetries(res.pending)
}

// Resubmit queues a message for immediate delivery with a fresh attempt
// history. It returns false when the message is already pending.
func (s *Scheduler) Resubmit(msg message.Message, cfg RetryConfig, retryable Retryable) bool {
	s.mu.Lock()
	if _, exists := s.pending[msg.ID]; exists {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	entry := &pendingRetry{
		msg: RetryableMessage{
			Message:       msg,
			Config:        cfg,
			CreatedAt:     now,
			NextRetryTime: now,
		},
		retryable: retryable,
	}
	s.pending[msg.ID] = entry
	s.enqueueLocked(entry)
	n := len(s.pending)
	s.mu.Unlock()

	s.logger.Info().Str("message_id", msg.ID).Str("topic", msg.Topic).Msg("message resubmitted")
	s.metrics.PendingRetries(n)
	s.signal()
	return true
}

// CancelRetry drops a pending message. The outcome of an attempt already
// in flight is discarded.
func (s *Scheduler) CancelRetry(id string) bool {
	s.mu.Lock()
	_, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		s.canceled++
	}
	n := len(s.pending)
	s.mu.Unlock()

	if ok {
		s.logger.Info().Str("message_id", id).Msg("retry canceled")
		s.metrics.PendingRetries(n)
	}
	return ok
}

// Get returns a snapshot of a pending message.
func (s *Scheduler) Get(id string) (RetryableMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[id]
	if !ok {
		return RetryableMessage{}, false
	}
	return entry.msg.clone(), true
}

// ListPending returns snapshots ordered by next retry time.
func (s *Scheduler) ListPending() []RetryableMessage {
	s.mu.Lock()
	out := make([]RetryableMessage, 0, len(s.pending))
	for _, entry := range s.pending {
		out = append(out, entry.msg.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRetryTime.Equal(out[j].NextRetryTime) {
			return out[i].Message.ID < out[j].Message.ID
		}
		return out[i].NextRetryTime.Before(out[j].NextRetryTime)
	})
	return out
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		Pending:      len(s.pending),
		QueueDepth:   s.queue.Len(),
		Scheduled:    s.scheduled,
		Succeeded:    s.succeeded,
		Failed:       s.failed,
		DeadLettered: s.deadLettered,
		Canceled:     s.canceled,
		Rejected:     s.rejected,
		Running:      s.running.Load(),
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run fires due retries until ctx is canceled, then waits for attempts in
// flight to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("retry scheduler already running")
	}
	defer s.running.Store(false)

	s.logger.Info().Dur("poll_interval", s.pollInterval).Int("workers", s.workerLimit).Msg("retry scheduler started")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.workers.Wait()
			s.logger.Info().Msg("retry scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
		s.safeProcessDue(ctx)
	}
}

func (s *Scheduler) safeProcessDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("retry scheduler loop recovered")
		}
	}()
	s.processDue(ctx, s.now())
}

// processDue dispatches every retry due at or before now.
func (s *Scheduler) processDue(ctx context.Context, now time.Time) {
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 || s.queue[0].due.After(now) {
			s.mu.Unlock()
			return
		}
		key := heap.Pop(&s.queue).(dueKey)
		entry, ok := s.pending[key.id]
		if !ok || entry.seq != key.seq || entry.firing {
			s.mu.Unlock()
			continue
		}
		entry.firing = true
		msg := entry.msg.Message
		cfg := entry.msg.Config
		retryable := entry.retryable
		s.mu.Unlock()

		s.workers.Go(func() error {
			s.fire(ctx, key, msg, cfg, retryable)
			return nil
		})
	}
}

func (s *Scheduler) fire(ctx context.Context, key dueKey, msg message.Message, cfg RetryConfig, retryable Retryable) {
	err := s.attempt(ctx, msg, retryable)

	s.mu.Lock()
	entry, ok := s.pending[key.id]
	if !ok || entry.seq != key.seq {
		// canceled or superseded while the attempt ran
		s.mu.Unlock()
		return
	}

	if err == nil {
		delete(s.pending, key.id)
		s.succeeded++
		n := len(s.pending)
		s.mu.Unlock()

		s.logger.Info().
			Str("message_id", msg.ID).
			Str("topic", msg.Topic).
			Int("attempts", entry.msg.AttemptCount()).
			Msg("retry succeeded")
		s.metrics.RetrySucceeded(msg.Topic)
		s.metrics.PendingRetries(n)
		return
	}

	s.failed++
	res := s.scheduleLocked(msg, err, cfg, retryable)
	s.mu.Unlock()

	s.logger.Warn().Err(err).Str("message_id", msg.ID).Str("topic", msg.Topic).Msg("retry attempt failed")
	s.metrics.RetryFailed(msg.Topic, domainErrors.KindOf(err))
	s.publish(res)
}

// attempt runs the retryable with a bounded context, converting panics
// into errors.
func (s *Scheduler) attempt(ctx context.Context, msg message.Message, retryable Retryable) (err error) {
	if retryable == nil {
		return domainErrors.New(domainErrors.KindUnknown, "retry", "no retry callback registered")
	}
	if s.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.attemptTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = domainErrors.New(domainErrors.KindUnknown, "retry", fmt.Sprintf("retry callback panicked: %v", r))
		}
	}()
	return retryable.Attempt(ctx, msg)
}

// dueKey orders the queue by due time, then id, then insertion.
type dueKey struct {
	due time.Time
	id  string
	seq uint64
}

type dueQueue []dueKey

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	if !q[i].due.Equal(q[j].due) {
		return q[i].due.Before(q[j].due)
	}
	if q[i].id != q[j].id {
		return q[i].id < q[j].id
	}
	return q[i].seq < q[j].seq
}

func (q dueQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *dueQueue) Push(x any) { *q = append(*q, x.(dueKey)) }

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
