package models

import "time"

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

const (
	TaskTypeSummarize  = "summarize"
	TaskTypeTranscript = "transcript"
)

// Task is an in-process queue job. It lives only as long as the submitter
// cares about its result and is never persisted.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Status      TaskStatus     `json:"status"`
	Result      any            `json:"result,omitzero"`
	Error       string         `json:"error,omitzero"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Cancelled   bool           `json:"cancelled"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitzero"`
	CompletedAt *time.Time     `json:"completed_at,omitzero"`
}
