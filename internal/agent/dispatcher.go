package agent

import (
	"context"
	"fmt"
	"strings"

	"ejunz/internal/store"
)

// Enqueuer stores tasks for the worker. *taskqueue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, priority int, payload any) (string, error)
}

// ChatRequest asks an agent to answer input on behalf of a client
type ChatRequest struct {
	// RecordID is optional; callers that must track the record before its
	// first event set it themselves
	RecordID string
	Domain   string
	ClientID string
	AgentID  string
	Input    string
}

// Dispatcher creates records and queues them for the worker
type Dispatcher struct {
	store    Store
	queue    Enqueuer
	priority int
}

// NewDispatcher creates a dispatcher enqueuing at the given priority
func NewDispatcher(st Store, queue Enqueuer, priority int) *Dispatcher {
	return &Dispatcher{store: st, queue: queue, priority: priority}
}

// Dispatch returns the id of the record the reply will stream into
func (d *Dispatcher) Dispatch(ctx context.Context, req ChatRequest) (string, error) {
	if strings.TrimSpace(req.Input) == "" {
		return "", fmt.Errorf("chat input is empty")
	}
	if req.Domain == "" {
		req.Domain = store.DefaultDomain
	}

	rec, err := d.store.CreateRecord(ctx, store.Record{
		ID:       req.RecordID,
		Domain:   req.Domain,
		ClientID: req.ClientID,
		AgentID:  req.AgentID,
		Input:    req.Input,
	})
	if err != nil {
		return "", err
	}

	_, err = d.queue.Enqueue(ctx, TaskChat, d.priority, ChatTask{
		RecordID: rec.ID,
		Domain:   rec.Domain,
		ClientID: rec.ClientID,
		AgentID:  rec.AgentID,
	})
	if err != nil {
		_ = d.store.CompleteRecord(context.WithoutCancel(ctx), rec.ID, "", "failed to queue reply")
		return "", fmt.Errorf("failed to enqueue chat task: %w", err)
	}
	return rec.ID, nil
}
