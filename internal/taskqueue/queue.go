// Package taskqueue is a SQLite-backed priority queue consumed by polling workers.
package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is one queued unit of work
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Priority  int             `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the payload into v
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("task %s (%s) has malformed payload: %w", t.ID, t.Type, err)
	}
	return nil
}

// Queue stores tasks in the tasks table
type Queue struct {
	db *sql.DB
}

// New wraps a configured database
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue stores a task and returns its id. Higher priorities are consumed first.
func (q *Queue) Enqueue(ctx context.Context, taskType string, priority int, payload any) (string, error) {
	if strings.TrimSpace(taskType) == "" {
		return "", fmt.Errorf("task type is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	id := uuid.NewString()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO tasks (id, type, priority, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, taskType, priority, string(data), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return id, nil
}

// Len returns the number of queued tasks
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// maxClaimAttempts bounds retries when other consumers win the same row
const maxClaimAttempts = 5

// Claim removes and returns the highest-priority, oldest task. It returns
// nil when the queue is empty. A task is owned by whichever consumer's
// delete affects the row.
func (q *Queue) Claim(ctx context.Context) (*Task, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		var (
			t       Task
			payload string
		)
		err := q.db.QueryRowContext(ctx, `
			SELECT id, type, priority, payload, created_at FROM tasks
			ORDER BY priority DESC, seq ASC LIMIT 1
		`).Scan(&t.ID, &t.Type, &t.Priority, &payload, &t.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select task: %w", err)
		}

		res, err := q.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, t.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim task %s: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			t.Payload = json.RawMessage(payload)
			return &t, nil
		}
	}
	return nil, nil
}
