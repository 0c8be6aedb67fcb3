package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs maintenance daily at 03:00
const DefaultSchedule = "0 3 * * *"

// Scheduler runs registered tasks on a cron schedule
type Scheduler struct {
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.RWMutex
	order   []string
	tasks   map[string]Task
	status  map[string]TaskStatus
	entries map[string]cron.EntryID
	running bool
}

// NewScheduler validates schedule (standard five-field cron) and creates a
// stopped scheduler
func NewScheduler(schedule string, logger *zap.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.Named("maintenance"),
		tasks:    make(map[string]Task),
		status:   make(map[string]TaskStatus),
		entries:  make(map[string]cron.EntryID),
	}, nil
}

// RegisterTask adds a task. Registering after Start is not supported.
func (s *Scheduler) RegisterTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := task.Name()
	if s.running {
		return fmt.Errorf("cannot register %s: scheduler is running", name)
	}
	if _, dup := s.tasks[name]; dup {
		return fmt.Errorf("task %s already registered", name)
	}
	s.tasks[name] = task
	s.order = append(s.order, name)
	s.status[name] = TaskStatus{
		Name:        name,
		Description: task.Description(),
		Schedule:    s.schedule,
	}
	return nil
}

// Start schedules every registered task
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	for _, name := range s.order {
		task := s.tasks[name]
		id, err := s.cron.AddFunc(s.schedule, func() {
			s.execute(context.Background(), task)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
		s.entries[name] = id
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("scheduler started",
		zap.String("schedule", s.schedule),
		zap.Int("tasks", len(s.tasks)))
	return nil
}

// Stop halts scheduling and waits for running tasks until ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("maintenance tasks still running: %w", ctx.Err())
	}
}

// RunNow executes every task immediately, in registration order
func (s *Scheduler) RunNow(ctx context.Context) map[string]TaskResult {
	s.mu.RLock()
	tasks := make([]Task, 0, len(s.order))
	for _, name := range s.order {
		tasks = append(tasks, s.tasks[name])
	}
	s.mu.RUnlock()

	results := make(map[string]TaskResult, len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		results[task.Name()] = s.execute(ctx, task)
	}
	return results
}

// RunTask executes one task by name
func (s *Scheduler) RunTask(ctx context.Context, name string) (TaskResult, error) {
	s.mu.RLock()
	task, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return TaskResult{}, fmt.Errorf("task %s not found", name)
	}
	return s.execute(ctx, task), nil
}

// Status returns the status of every task sorted by name
func (s *Scheduler) Status() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskStatus, 0, len(s.status))
	for name, st := range s.status {
		if id, ok := s.entries[name]; ok && s.running {
			st.NextRun = s.cron.Entry(id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsRunning reports whether the cron loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) execute(ctx context.Context, task Task) TaskResult {
	start := time.Now()
	result := task.Execute(ctx)
	result.Duration = time.Since(start)

	s.mu.Lock()
	st := s.status[task.Name()]
	st.LastRun = start
	st.Runs++
	st.LastResult = result
	s.status[task.Name()] = st
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("task", task.Name()),
		zap.Duration("duration", result.Duration),
		zap.Int64("records", result.RecordsProcessed),
	}
	if result.Success {
		s.logger.Info(result.Message, fields...)
	} else {
		s.logger.Warn(result.Message, append(fields, zap.String("error", result.Error))...)
	}
	return result
}
