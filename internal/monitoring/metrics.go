// Package monitoring tracks gateway counters and exposes them as snapshots.
package monitoring

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Gateway statuses
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// GatewayMetrics tracks gateway health and per-connection failure counters.
// Counters are safe for concurrent use from every session.
type GatewayMetrics struct {
	clientConnections  atomic.Int64
	edgeConnections    atomic.Int64
	clientsTotal       atomic.Int64
	edgesTotal         atomic.Int64
	rejectedDuplicates atomic.Int64
	unmatchedResponses atomic.Int64
	correlationTimeout atomic.Int64
	initFallbacks      atomic.Int64
	toolCalls          atomic.Int64
	toolFailures       atomic.Int64
	droppedEvents      atomic.Int64
	tasksProcessed     atomic.Int64
	tasksFailed        atomic.Int64

	mu        sync.RWMutex
	status    string
	version   string
	startTime time.Time
}

// NewGatewayMetrics creates a new metrics instance
func NewGatewayMetrics() *GatewayMetrics {
	return &GatewayMetrics{
		status:    StatusHealthy,
		startTime: time.Now(),
	}
}

// ConnectionOpened counts an accepted client or edge connection
func (g *GatewayMetrics) ConnectionOpened(edge bool) {
	if edge {
		g.edgeConnections.Add(1)
		g.edgesTotal.Add(1)
		return
	}
	g.clientConnections.Add(1)
	g.clientsTotal.Add(1)
}

// ConnectionClosed decrements the matching live connection gauge
func (g *GatewayMetrics) ConnectionClosed(edge bool) {
	if edge {
		g.edgeConnections.Add(-1)
		return
	}
	g.clientConnections.Add(-1)
}

func (g *GatewayMetrics) DuplicateRejected() { g.rejectedDuplicates.Add(1) }
func (g *GatewayMetrics) UnmatchedResponse() { g.unmatchedResponses.Add(1) }
func (g *GatewayMetrics) CorrelationTimeout() { g.correlationTimeout.Add(1) }
func (g *GatewayMetrics) InitFallback()       { g.initFallbacks.Add(1) }
func (g *GatewayMetrics) EventDropped()       { g.droppedEvents.Add(1) }

// ToolCall counts a bridged tool call and whether it failed
func (g *GatewayMetrics) ToolCall(err error) {
	g.toolCalls.Add(1)
	if err != nil {
		g.toolFailures.Add(1)
	}
}

// TaskProcessed counts a consumed queue task
func (g *GatewayMetrics) TaskProcessed(err error) {
	g.tasksProcessed.Add(1)
	if err != nil {
		g.tasksFailed.Add(1)
	}
}

// SetStatus updates the gateway status
func (g *GatewayMetrics) SetStatus(status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
}

// SetVersion sets the gateway version
func (g *GatewayMetrics) SetVersion(version string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.version = version
}

// IsHealthy returns true if the gateway appears to be healthy
func (g *GatewayMetrics) IsHealthy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status == StatusHealthy
}

// Uptime returns time since the metrics were created
func (g *GatewayMetrics) Uptime() time.Duration {
	return time.Since(g.startTime)
}

// MetricsSnapshot is a data-only copy of GatewayMetrics
type MetricsSnapshot struct {
	ClientConnections   int64 `json:"client_connections"`
	EdgeConnections     int64 `json:"edge_connections"`
	ClientsTotal        int64 `json:"clients_total"`
	EdgesTotal          int64 `json:"edges_total"`
	RejectedDuplicates  int64 `json:"rejected_duplicates"`
	UnmatchedResponses  int64 `json:"unmatched_responses"`
	CorrelationTimeouts int64 `json:"correlation_timeouts"`
	InitFallbacks       int64 `json:"init_fallbacks"`
	ToolCalls           int64 `json:"tool_calls"`
	ToolFailures        int64 `json:"tool_failures"`
	DroppedEvents       int64 `json:"dropped_events"`
	TasksProcessed      int64 `json:"tasks_processed"`
	TasksFailed         int64 `json:"tasks_failed"`

	UptimeSeconds    int64     `json:"uptime_seconds"`
	MemoryUsageBytes uint64    `json:"memory_usage_bytes"`
	GoroutineCount   int       `json:"goroutine_count"`
	Timestamp        time.Time `json:"timestamp"`
	Status           string    `json:"status"`
	Version          string    `json:"version,omitempty"`
}

// Snapshot returns a copy of the current metrics with fresh system readings
func (g *GatewayMetrics) Snapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	g.mu.RLock()
	status, version := g.status, g.version
	g.mu.RUnlock()

	return MetricsSnapshot{
		ClientConnections:   g.clientConnections.Load(),
		EdgeConnections:     g.edgeConnections.Load(),
		ClientsTotal:        g.clientsTotal.Load(),
		EdgesTotal:          g.edgesTotal.Load(),
		RejectedDuplicates:  g.rejectedDuplicates.Load(),
		UnmatchedResponses:  g.unmatchedResponses.Load(),
		CorrelationTimeouts: g.correlationTimeout.Load(),
		InitFallbacks:       g.initFallbacks.Load(),
		ToolCalls:           g.toolCalls.Load(),
		ToolFailures:        g.toolFailures.Load(),
		DroppedEvents:       g.droppedEvents.Load(),
		TasksProcessed:      g.tasksProcessed.Load(),
		TasksFailed:         g.tasksFailed.Load(),
		UptimeSeconds:       int64(g.Uptime().Seconds()),
		MemoryUsageBytes:    mem.Alloc,
		GoroutineCount:      runtime.NumGoroutine(),
		Timestamp:           time.Now(),
		Status:              status,
		Version:             version,
	}
}
