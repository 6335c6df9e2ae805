package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of an execution run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// TaskStatus represents the outcome of one task against one target.
type TaskStatus string

const (
	TaskStatusOK      TaskStatus = "ok"
	TaskStatusChanged TaskStatus = "changed"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusSkipped TaskStatus = "skipped"
)

// Run represents one playbook execution.
type Run struct {
	ID           string     `json:"id"`
	PlaybookPath string     `json:"playbook_path"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        *string    `json:"error,omitempty"`
	CheckMode    bool       `json:"check_mode"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TaskRecord represents the recorded outcome of one task on one target.
type TaskRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	TaskName    string     `json:"task_name"`
	Module      string     `json:"module"`
	Target      string     `json:"target"`
	Status      TaskStatus `json:"status"`
	Message     *string    `json:"message,omitempty"`
	Result      string     `json:"result"` // JSON blob of the flattened result
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Store defines the persistence contract for run history.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// Task record operations
	CreateTaskRecord(ctx context.Context, rec *TaskRecord) error
	ListTaskRecordsByRun(ctx context.Context, runID string) ([]*TaskRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
