// Package toolcall routes named tool calls to the live connection that
// hosts the tool and unwraps MCP results for callers.
package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"ejunz/internal/eventbus"
	"ejunz/pkg/protocol"
)

var (
	// ErrToolNotFound means no provider or catalog entry knows the tool
	ErrToolNotFound = errors.New("tool not found")

	// ErrNotConnected means the tool is known but its host is offline
	ErrNotConnected = errors.New("tool host not connected")
)

// ToolError is a tool result flagged isError by its host
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// Provider is a live connection that hosts tools
type Provider interface {
	ID() string
	Tools() []protocol.Tool
	Connected() bool
	Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Catalog knows tools from providers that are not connected right now
type Catalog interface {
	FindTool(ctx context.Context, name string) (providerID string, found bool, err error)
}

// Publisher receives tool listing changes
type Publisher interface {
	Publish(ev eventbus.Event)
}

// Hooks observe calls; nil hooks are skipped
type Hooks struct {
	OnCall func(name string, err error)
}

// Bridge owns the mapping from tool name to hosting provider
type Bridge struct {
	mu        sync.RWMutex
	providers map[string]Provider
	tools     map[string][]protocol.Tool
	owners    map[string]string

	catalog   Catalog
	publisher Publisher
	hooks     Hooks
	logger    *zap.Logger
}

// NewBridge creates an empty bridge; catalog and publisher may be nil
func NewBridge(catalog Catalog, publisher Publisher, hooks Hooks, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		providers: make(map[string]Provider),
		tools:     make(map[string][]protocol.Tool),
		owners:    make(map[string]string),
		catalog:   catalog,
		publisher: publisher,
		hooks:     hooks,
		logger:    logger,
	}
}

// AddProvider registers p with the tools it currently reports
func (b *Bridge) AddProvider(p Provider) {
	b.mu.Lock()
	b.providers[p.ID()] = p
	b.mu.Unlock()
	b.SetTools(p.ID(), p.Tools())
}

// SetTools replaces the tool listing of a provider. Later providers win
// a name collision.
func (b *Bridge) SetTools(providerID string, tools []protocol.Tool) {
	b.mu.Lock()
	for name, owner := range b.owners {
		if owner == providerID {
			delete(b.owners, name)
		}
	}
	b.tools[providerID] = append([]protocol.Tool(nil), tools...)
	for _, t := range tools {
		if prev, ok := b.owners[t.Name]; ok && prev != providerID {
			b.logger.Warn("tool name collision",
				zap.String("tool", t.Name),
				zap.String("previous", prev),
				zap.String("provider", providerID))
		}
		b.owners[t.Name] = providerID
	}
	b.mu.Unlock()

	b.publish(providerID)
}

// RemoveProvider drops a provider and its tools
func (b *Bridge) RemoveProvider(providerID string) {
	b.mu.Lock()
	_, known := b.providers[providerID]
	delete(b.providers, providerID)
	delete(b.tools, providerID)
	for name, owner := range b.owners {
		if owner == providerID {
			delete(b.owners, name)
		}
	}
	b.mu.Unlock()

	if known {
		b.publish(providerID)
	}
}

func (b *Bridge) publish(providerID string) {
	if b.publisher == nil {
		return
	}
	b.publisher.Publish(eventbus.ToolsUpdate{ProviderID: providerID, Tools: b.Tools()})
}

// Tools lists every live tool, sorted by name
func (b *Bridge) Tools() []protocol.Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var all []protocol.Tool
	for name, owner := range b.owners {
		for _, t := range b.tools[owner] {
			if t.Name == name {
				all = append(all, t)
				break
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Owner returns the provider currently hosting name
func (b *Bridge) Owner(name string) (Provider, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.owners[name]
	if !ok {
		return nil, false
	}
	p, ok := b.providers[id]
	return p, ok
}

// CallTool invokes name on its host and returns the unwrapped result:
// parsed JSON, a plain string, or an error. Unknown or offline tools
// fail without sending anything.
func (b *Bridge) CallTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	result, err := b.call(ctx, name, args)
	if b.hooks.OnCall != nil {
		b.hooks.OnCall(name, err)
	}
	return result, err
}

func (b *Bridge) call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	provider, ok := b.Owner(name)
	if !ok {
		return nil, b.missing(ctx, name)
	}
	if !provider.Connected() {
		return nil, fmt.Errorf("%s on %s: %w", name, provider.ID(), ErrNotConnected)
	}

	raw, err := provider.Call(ctx, name, args)
	if err != nil {
		b.logger.Warn("tool call failed",
			zap.String("tool", name),
			zap.String("provider", provider.ID()),
			zap.Error(err))
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return Unwrap(name, raw)
}

func (b *Bridge) missing(ctx context.Context, name string) error {
	if b.catalog == nil {
		return fmt.Errorf("%s: %w", name, ErrToolNotFound)
	}
	providerID, found, err := b.catalog.FindTool(ctx, name)
	if err != nil {
		b.logger.Warn("tool catalog lookup failed", zap.String("tool", name), zap.Error(err))
		return fmt.Errorf("%s: %w", name, ErrToolNotFound)
	}
	if !found {
		return fmt.Errorf("%s: %w", name, ErrToolNotFound)
	}
	return fmt.Errorf("%s on %s: %w", name, providerID, ErrNotConnected)
}
