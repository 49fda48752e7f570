package taskqueue

import (
	"context"
	"maps"
	"time"
)

// Status 任务状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 是否为终止状态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ProgressFunc 进度回调，percent 取值 0-100
type ProgressFunc func(percent int, message string)

// Work 任务执行函数
type Work func(ctx context.Context, report ProgressFunc) (any, error)

// Task 队列中的任务
type Task struct {
	ID          string         `json:"id"`
	Priority    int            `json:"priority"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`

	seq  uint64
	work Work
}

// snapshot 返回不含执行函数的副本，调用方需持有队列锁
func (t *Task) snapshot() Task {
	c := *t
	c.work = nil
	c.Metadata = maps.Clone(t.Metadata)
	return c
}

// Stats 队列计数
type Stats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Concurrency int `json:"concurrency"`
}
