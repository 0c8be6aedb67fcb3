// Package maintenance runs scheduled retention and housekeeping tasks.
package maintenance

import (
	"context"
	"time"
)

// Task is one unit of scheduled maintenance
type Task interface {
	Name() string
	Description() string
	Execute(ctx context.Context) TaskResult
}

// TaskResult is the outcome of one task execution
type TaskResult struct {
	Success          bool          `json:"success"`
	Duration         time.Duration `json:"duration"`
	Message          string        `json:"message"`
	RecordsProcessed int64         `json:"records_processed,omitempty"`
	Error            string        `json:"error,omitempty"`
}

func failed(msg string, err error) TaskResult {
	return TaskResult{Message: msg, Error: err.Error()}
}

// TaskStatus is the last known state of a registered task
type TaskStatus struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schedule    string     `json:"schedule"`
	LastRun     time.Time  `json:"last_run,omitempty"`
	NextRun     time.Time  `json:"next_run,omitempty"`
	Runs        int        `json:"runs"`
	LastResult  TaskResult `json:"last_result"`
}
