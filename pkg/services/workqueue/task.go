package workqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task will not run again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is a unit of background work.
type Task interface {
	ID() string
	// Name is shown in logs and status listings.
	Name() string
	// Key names the resource the task works on, e.g. "file:<id>" or
	// "closure:<id>". Strategies use it to keep tasks on one resource apart.
	Key() string
	// Execute runs one attempt. Returning a retryable error schedules
	// another attempt after a backoff.
	Execute(ctx context.Context, enqueuer TaskEnqueuer) error
}

// FailureHandler is implemented by tasks that record their final failure,
// such as moving a file or closure to error. OnFailure runs once after the
// last attempt and never for a cancelled task.
type FailureHandler interface {
	OnFailure(err error)
}

// TaskEnqueuer lets a running task queue follow-up work.
type TaskEnqueuer interface {
	Enqueue(task Task)
}

// TaskSnapshot is a copy of a task's state for status listings.
type TaskSnapshot struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Key         string     `json:"key"`
	Status      TaskStatus `json:"status"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
}

// BaseTask carries the identity of a task. Embed it in concrete tasks.
type BaseTask struct {
	id   string
	name string
	key  string
}

func NewBaseTask(name, key string) BaseTask {
	return BaseTask{id: uuid.NewString(), name: name, key: key}
}

func (t BaseTask) ID() string   { return t.id }
func (t BaseTask) Name() string { return t.name }
func (t BaseTask) Key() string  { return t.key }
