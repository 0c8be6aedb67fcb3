// Package correlation matches JSON-RPC responses to the requests that
// produced them. Every registered request settles exactly once: by a
// matching response, by its timeout, or by connection teardown.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrTimeout is matched by every *TimeoutError
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionClosed rejects requests still pending at teardown
	ErrConnectionClosed = errors.New("connection closed")

	// ErrDuplicateID is returned when an id is already pending
	ErrDuplicateID = errors.New("duplicate request id")
)

// TimeoutError names the operation and id of an expired request
type TimeoutError struct {
	Op      string
	ID      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request %s timed out after %s", e.Op, e.ID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Result is what a pending request resolves to
type Result struct {
	Value json.RawMessage
	Err   error
}

// Hooks observe table events; nil hooks are skipped
type Hooks struct {
	OnUnmatched func(id string)
	OnTimeout   func(op string)
}

// Table holds the outstanding requests of one connection
type Table struct {
	mu      sync.Mutex
	entries map[string]*Pending
	closed  bool

	unmatched atomic.Int64
	timeouts  atomic.Int64

	hooks  Hooks
	logger *zap.Logger
}

// Pending is one outstanding request
type Pending struct {
	ID string
	Op string

	table *Table
	timer *time.Timer
	done  chan Result
}

// NewTable creates an empty table
func NewTable(logger *zap.Logger, hooks Hooks) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		entries: make(map[string]*Pending),
		hooks:   hooks,
		logger:  logger,
	}
}

// NewID returns a fresh request id
func NewID() string {
	return uuid.NewString()
}

// Key normalizes a request id to the string form used for matching.
// Strings, numbers and raw JSON ids all compare by their textual value,
// so "1", 1 and 1.0 key the same entry.
func Key(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.RawMessage:
		return rawKey(v)
	case []byte:
		return rawKey(v)
	case json.Number:
		return numberKey(string(v))
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func rawKey(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err == nil {
			return str
		}
		return strings.Trim(s, `"`)
	}
	return numberKey(s)
}

func numberKey(s string) string {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return s
}

// Register adds a request that expires after timeout. A zero timeout
// means the request only settles by response or teardown.
func (t *Table) Register(id any, op string, timeout time.Duration) (*Pending, error) {
	key := Key(id)
	if key == "" {
		return nil, fmt.Errorf("register %s: empty request id", op)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("register %s %s: %w", op, key, ErrConnectionClosed)
	}
	if _, exists := t.entries[key]; exists {
		return nil, fmt.Errorf("register %s %s: %w", op, key, ErrDuplicateID)
	}

	p := &Pending{
		ID:    key,
		Op:    op,
		table: t,
		done:  make(chan Result, 1),
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() { t.expire(key, p, timeout) })
	}
	t.entries[key] = p
	return p, nil
}

// take removes the entry if it is still p. Only the caller that removes
// the entry may deliver its result.
func (t *Table) take(key string, p *Pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.entries[key]
	if !ok || (p != nil && current != p) {
		return false
	}
	delete(t.entries, key)
	if current.timer != nil {
		current.timer.Stop()
	}
	return true
}

func (t *Table) expire(key string, p *Pending, timeout time.Duration) {
	if !t.take(key, p) {
		return
	}
	t.timeouts.Add(1)
	if t.hooks.OnTimeout != nil {
		t.hooks.OnTimeout(p.Op)
	}
	t.logger.Warn("request timed out",
		zap.String("op", p.Op),
		zap.String("id", key),
		zap.Duration("timeout", timeout))
	p.done <- Result{Err: &TimeoutError{Op: p.Op, ID: key, Timeout: timeout}}
}

// Settle delivers a response. It returns false when no request with this
// id is pending, which is counted and logged but never an error.
func (t *Table) Settle(id any, value json.RawMessage, err error) bool {
	key := Key(id)

	t.mu.Lock()
	p, ok := t.entries[key]
	t.mu.Unlock()

	if !ok || !t.take(key, p) {
		t.unmatched.Add(1)
		if t.hooks.OnUnmatched != nil {
			t.hooks.OnUnmatched(key)
		}
		t.logger.Debug("dropping unmatched response", zap.String("id", key))
		return false
	}

	p.done <- Result{Value: value, Err: err}
	return true
}

// RejectAll rejects every pending request and refuses new ones.
// Calling it again is a no-op.
func (t *Table) RejectAll(reason string) int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	entries := t.entries
	t.entries = make(map[string]*Pending)
	for _, p := range entries {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	t.mu.Unlock()

	for _, p := range entries {
		p.done <- Result{Err: fmt.Errorf("%s %s: %w: %s", p.Op, p.ID, ErrConnectionClosed, reason)}
	}
	return len(entries)
}

// Len returns the number of pending requests
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Closed reports whether RejectAll has run
func (t *Table) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Unmatched returns how many responses matched no pending request
func (t *Table) Unmatched() int64 {
	return t.unmatched.Load()
}

// Timeouts returns how many requests expired
func (t *Table) Timeouts() int64 {
	return t.timeouts.Load()
}

// Cancel removes the request without delivering a result
func (p *Pending) Cancel() {
	p.table.take(p.ID, p)
}

// Done returns the channel the result is delivered on, exactly once
func (p *Pending) Done() <-chan Result {
	return p.done
}

// Wait blocks until the request settles or ctx ends. When ctx ends first
// the request is removed from the table.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-p.done:
		return res.Value, res.Err
	case <-ctx.Done():
		p.Cancel()
		return nil, ctx.Err()
	}
}
