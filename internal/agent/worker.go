package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ejunz/internal/eventbus"
	"ejunz/internal/store"
	"ejunz/internal/taskqueue"
	"ejunz/pkg/protocol"
)

// TaskChat is the task type that runs one agent reply
const TaskChat = "agent.chat"

// ChatTask is the payload of an agent.chat task
type ChatTask struct {
	RecordID string `json:"recordId"`
	Domain   string `json:"domain"`
	ClientID string `json:"clientId,omitempty"`
	AgentID  string `json:"agentId,omitempty"`
}

// Store is the persistence the worker and dispatcher need. *store.Store satisfies it.
type Store interface {
	CreateRecord(ctx context.Context, r store.Record) (*store.Record, error)
	GetRecord(ctx context.Context, id string) (*store.Record, error)
	AppendRecordContent(ctx context.Context, id, delta string) error
	CompleteRecord(ctx context.Context, id, content, errText string) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetClient(ctx context.Context, domain, id string) (*store.Client, error)
}

// ToolLister lists the tools currently callable
type ToolLister interface {
	Tools() []protocol.Tool
}

// Publisher receives record progress
type Publisher interface {
	Publish(ev eventbus.Event)
}

// WorkerConfig holds fallbacks for records without an agent
type WorkerConfig struct {
	DefaultAgentID string
	SystemPrompt   string
}

// Worker turns agent.chat tasks into streamed record events
type Worker struct {
	store  Store
	runner Runner
	tools  ToolLister
	bus    Publisher
	cfg    WorkerConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewWorker creates a worker; tools may be nil
func NewWorker(st Store, runner Runner, tools ToolLister, bus Publisher, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:  st,
		runner: runner,
		tools:  tools,
		bus:    bus,
		cfg:    cfg,
		logger: logger.Named("agent_worker"),
		now:    time.Now,
	}
}

// Register installs the worker as the agent.chat handler
func (w *Worker) Register(c *taskqueue.Consumer) {
	c.Handle(TaskChat, w.Handle)
}

// Handle runs one agent.chat task. Every task that names a record ends
// with a done event for it, even when the record cannot be loaded.
func (w *Worker) Handle(ctx context.Context, task taskqueue.Task) error {
	var ct ChatTask
	if err := task.Decode(&ct); err != nil {
		return err
	}
	if ct.RecordID == "" {
		return fmt.Errorf("agent.chat task %s has no record id", task.ID)
	}

	rec, err := w.store.GetRecord(ctx, ct.RecordID)
	if err != nil {
		err = fmt.Errorf("failed to load record: %w", err)
		w.bus.Publish(eventbus.RecordEvent{
			Kind:     eventbus.RecordDone,
			RecordID: ct.RecordID,
			Domain:   ct.Domain,
			ClientID: ct.ClientID,
			Error:    err.Error(),
		})
		return err
	}

	logger := w.logger.With(
		zap.String("record_id", rec.ID),
		zap.String("domain", rec.Domain),
		zap.String("client_id", rec.ClientID),
	)

	in, err := w.prepare(ctx, rec)
	if err != nil {
		return w.finish(ctx, rec, "", err, logger)
	}

	content, err := w.runner.Run(ctx, in, func(delta string) {
		if err := w.store.AppendRecordContent(ctx, rec.ID, delta); err != nil {
			logger.Warn("failed to persist delta", zap.Error(err))
		}
		w.bus.Publish(eventbus.RecordEvent{
			Kind:     eventbus.RecordDelta,
			RecordID: rec.ID,
			Domain:   rec.Domain,
			ClientID: rec.ClientID,
			Delta:    delta,
		})
	})
	return w.finish(ctx, rec, content, err, logger)
}

func (w *Worker) prepare(ctx context.Context, rec *store.Record) (ChatInput, error) {
	params := PromptParams{
		SystemPrompt: w.cfg.SystemPrompt,
		Domain:       rec.Domain,
		ClientID:     rec.ClientID,
		Now:          w.now(),
	}

	var agent *store.Agent
	agentID := rec.AgentID
	if agentID == "" {
		agentID = w.cfg.DefaultAgentID
	}
	if agentID != "" {
		a, err := w.store.GetAgent(ctx, agentID)
		switch {
		case err == nil:
			agent = a
		case errors.Is(err, store.ErrNotFound) && rec.AgentID == "":
			// a missing default agent falls back to the configured prompt
		default:
			return ChatInput{}, fmt.Errorf("failed to load agent %s: %w", agentID, err)
		}
	}
	if agent != nil {
		params.AgentName = agent.Name
		params.Model = agent.Model
		if agent.SystemPrompt != "" {
			params.SystemPrompt = agent.SystemPrompt
		}
	}

	if rec.ClientID != "" {
		c, err := w.store.GetClient(ctx, rec.Domain, rec.ClientID)
		if err == nil {
			params.Spoken = c.TTSEnabled
		} else if !errors.Is(err, store.ErrNotFound) {
			return ChatInput{}, fmt.Errorf("failed to load client: %w", err)
		}
	}

	if w.tools != nil {
		for _, t := range w.tools.Tools() {
			if agent == nil || agent.AllowsTool(t.Name) {
				params.Tools = append(params.Tools, t)
			}
		}
	}

	return ChatInput{
		Model:        params.Model,
		SystemPrompt: BuildSystemPrompt(params),
		Input:        rec.Input,
		Tools:        params.Tools,
	}, nil
}

// finish persists the outcome and publishes content then done
func (w *Worker) finish(ctx context.Context, rec *store.Record, content string, runErr error, logger *zap.Logger) error {
	var errText string
	if runErr != nil {
		errText = runErr.Error()
		logger.Warn("agent reply failed", zap.Error(runErr))
	}

	// Persist even when the task context is gone
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.store.CompleteRecord(saveCtx, rec.ID, content, errText); err != nil {
		logger.Error("failed to complete record", zap.Error(err))
	}

	if content != "" {
		w.bus.Publish(eventbus.RecordEvent{
			Kind:     eventbus.RecordContent,
			RecordID: rec.ID,
			Domain:   rec.Domain,
			ClientID: rec.ClientID,
			Content:  content,
		})
	}
	w.bus.Publish(eventbus.RecordEvent{
		Kind:     eventbus.RecordDone,
		RecordID: rec.ID,
		Domain:   rec.Domain,
		ClientID: rec.ClientID,
		Error:    errText,
	})

	if runErr != nil {
		return fmt.Errorf("record %s: %w", rec.ID, runErr)
	}
	logger.Debug("agent reply complete", zap.Int("content_len", len(content)))
	return nil
}
