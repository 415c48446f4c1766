// Package workqueue runs pipeline stages in the background. Tasks start in
// FIFO order as the concurrency strategy allows, transient failures are
// retried with exponential backoff, and finished tasks stay listed for
// status polling up to a bound.
package workqueue

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/retry"
)

// RetryConfig controls how often a task with a transient error runs again.
type RetryConfig struct {
	MaxRetries     int // 0 runs each task once
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig waits 2s, 4s and 8s between attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// backoff is the jittered wait before retry n (1-based).
func (c RetryConfig) backoff(n int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffFactor, float64(n-1))
	d = math.Min(d, float64(c.MaxBackoff))
	return time.Duration(d * (0.9 + 0.2*rand.Float64()))
}

const defaultRetained = 200

// entry is a task and its runtime state. Fields other than task are
// guarded by Queue.mu.
type entry struct {
	task        Task
	status      TaskStatus
	enqueuedAt  time.Time
	startedAt   *time.Time
	completedAt *time.Time
	retries     int
	err         error
}

func (e *entry) snapshot() TaskSnapshot {
	s := TaskSnapshot{
		ID:          e.task.ID(),
		Name:        e.task.Name(),
		Key:         e.task.Key(),
		Status:      e.status,
		EnqueuedAt:  e.enqueuedAt,
		StartedAt:   e.startedAt,
		CompletedAt: e.completedAt,
		RetryCount:  e.retries,
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

// Queue runs tasks under a ConcurrencyStrategy. The zero value is not usable;
// call New.
type Queue struct {
	mu      sync.Mutex
	entries []*entry
	closed  bool
	// idle is closed whenever no task is pending or running.
	idle chan struct{}

	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	strategy ConcurrencyStrategy
	retry    RetryConfig
	retained int
	logger   *zap.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithStrategy replaces the default strategy, one task per key and one at a
// time. A nil strategy is ignored.
func WithStrategy(strategy ConcurrencyStrategy) QueueOption {
	return func(q *Queue) {
		if strategy != nil {
			q.strategy = strategy
		}
	}
}

func WithRetryConfig(config RetryConfig) QueueOption {
	return func(q *Queue) { q.retry = config }
}

// WithMaxRetained bounds how many finished tasks GetTasks keeps reporting.
func WithMaxRetained(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.retained = n
		}
	}
}

func New(logger *zap.Logger, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		idle:     idle,
		ctx:      ctx,
		cancel:   cancel,
		strategy: NewKeyedStrategy(1),
		retry:    DefaultRetryConfig(),
		retained: defaultRetained,
		logger:   logger.Named("workqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds task to the queue. Tasks enqueued after Cancel are dropped.
func (q *Queue) Enqueue(task Task) {
	q.add(task, false)
}

// EnqueueUnique adds task unless a pending or running task has the same key.
// It reports whether the task was added.
func (q *Queue) EnqueueUnique(task Task) bool {
	return q.add(task, true)
}

func (q *Queue) add(task Task, unique bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn("Dropping task enqueued after cancel",
			zap.String("task", task.Name()), zap.String("key", task.Key()))
		return false
	}
	if unique && q.activeLocked(task.Key()) {
		return false
	}

	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
	q.entries = append(q.entries, &entry{task: task, status: TaskStatusPending, enqueuedAt: time.Now()})
	q.logger.Debug("Task enqueued",
		zap.String("task_id", task.ID()), zap.String("task", task.Name()), zap.String("key", task.Key()))

	q.scheduleLocked()
	return true
}

// HasActive reports whether a task with key is pending or running.
func (q *Queue) HasActive(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeLocked(key)
}

func (q *Queue) activeLocked(key string) bool {
	for _, e := range q.entries {
		if e.task.Key() == key && !e.status.IsTerminal() {
			return true
		}
	}
	return false
}

// scheduleLocked starts every pending task the strategy admits, oldest first.
func (q *Queue) scheduleLocked() {
	if q.closed {
		return
	}
	for _, e := range q.entries {
		key := e.task.Key()
		if e.status != TaskStatusPending || !q.strategy.CanStart(key) {
			continue
		}
		q.strategy.OnStart(key)
		now := time.Now()
		e.status, e.startedAt = TaskStatusRunning, &now

		q.logger.Info("Starting task",
			zap.String("task_id", e.task.ID()), zap.String("task", e.task.Name()), zap.String("key", key))
		q.workers.Add(1)
		go q.run(e)
	}
}

func (q *Queue) run(e *entry) {
	defer q.workers.Done()

	err := q.attempt(e)
	if err != nil && !errors.Is(err, context.Canceled) {
		if fh, ok := e.task.(FailureHandler); ok {
			fh.OnFailure(err)
		}
	}
	q.finish(e, err)
}

// attempt executes the task until it succeeds, fails permanently, runs out
// of retries or the queue is cancelled.
func (q *Queue) attempt(e *entry) error {
	log := q.logger.With(zap.String("task_id", e.task.ID()), zap.String("task", e.task.Name()))
	for n := 1; ; n++ {
		err := e.task.Execute(q.ctx, q)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.Canceled):
			return err
		case !retry.IsRetryable(err):
			log.Debug("Task failed with a permanent error", zap.Error(err))
			return err
		case n > q.retry.MaxRetries:
			log.Warn("Task out of retries", zap.Int("attempts", n), zap.Error(err))
			return err
		}

		q.mu.Lock()
		e.retries++
		q.mu.Unlock()

		wait := q.retry.backoff(n)
		log.Warn("Retrying task", zap.Int("attempt", n), zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-q.ctx.Done():
			return q.ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *Queue) finish(e *entry, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.strategy.OnComplete(e.task.Key())
	now := time.Now()
	e.completedAt = &now

	log := q.logger.With(zap.String("task_id", e.task.ID()), zap.String("task", e.task.Name()),
		zap.Int("retries", e.retries))
	switch {
	case err == nil:
		e.status = TaskStatusCompleted
		log.Info("Task completed", zap.Duration("elapsed", now.Sub(*e.startedAt)))
	case errors.Is(err, context.Canceled):
		e.status = TaskStatusCancelled
		log.Info("Task cancelled")
	default:
		e.status, e.err = TaskStatusFailed, err
		log.Error("Task failed", zap.Error(err))
	}

	q.pruneLocked()
	q.scheduleLocked()
	q.signalIdleLocked()
}

// pruneLocked forgets the oldest finished tasks beyond the retention bound.
func (q *Queue) pruneLocked() {
	finished := 0
	for _, e := range q.entries {
		if e.status.IsTerminal() {
			finished++
		}
	}
	drop := finished - q.retained
	if drop <= 0 {
		return
	}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if drop > 0 && e.status.IsTerminal() {
			drop--
			continue
		}
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
}

func (q *Queue) signalIdleLocked() {
	for _, e := range q.entries {
		if !e.status.IsTerminal() {
			return
		}
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

// GetTasks returns snapshots of the retained tasks in enqueue order.
func (q *Queue) GetTasks() []TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TaskSnapshot, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.snapshot()
	}
	return out
}

// Wait blocks until no task is pending or running. It returns the error of
// the first retained failed task, or ctx.Err() after cancelling the queue
// when ctx ends first.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		q.Cancel()
		return ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.status == TaskStatusFailed {
			return e.err
		}
	}
	return nil
}

// Cancel stops the queue: running tasks see their context cancelled, pending
// tasks are marked cancelled and later Enqueue calls are dropped.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cancel()

	now := time.Now()
	for _, e := range q.entries {
		if e.status == TaskStatusPending {
			e.status, e.completedAt = TaskStatusCancelled, &now
		}
	}
	q.logger.Info("Work queue cancelled")
	q.signalIdleLocked()
}

// Shutdown cancels the queue and waits, up to ctx, for running tasks to return.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Cancel()
	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress counts the retained tasks by status.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := Progress{Total: len(q.entries)}
	for _, e := range q.entries {
		switch e.status {
		case TaskStatusPending:
			p.Pending++
		case TaskStatusRunning:
			p.Running++
		case TaskStatusCompleted:
			p.Completed++
		case TaskStatusFailed:
			p.Failed++
		case TaskStatusCancelled:
			p.Cancelled++
		}
	}
	return p
}

// Progress holds task counts by status.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Percentage is the share of finished tasks, 100 for an empty queue.
func (p Progress) Percentage() int {
	if p.Total == 0 {
		return 100
	}
	return (p.Completed + p.Failed + p.Cancelled) * 100 / p.Total
}
