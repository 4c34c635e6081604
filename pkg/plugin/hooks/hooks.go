package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type HookType string

const (
	//Lifecycle hooks
	HookPluginLoad   HookType = "plugin.load"
	HookPluginUnload HookType = "plugin.unload"

	//Invocation hooks
	HookSlowCall   HookType = "plugin.slow_call"
	HookCallFailed HookType = "plugin.call_failed"
)

type HookContext struct {
	Ctx    context.Context
	Type   HookType
	Plugin string
	Data   map[string]interface{}
}

type HookHandler func(ctx *HookContext) error

type HookRegistration struct {
	Owner    string
	Handler  HookHandler
	Priority int
	seq      int
}

// Bus dispatches host events to registered handlers in ascending priority.
// Handlers with equal priority run in registration order.
type Bus struct {
	mu    sync.RWMutex
	hooks map[HookType][]*HookRegistration
	seq   int
}

// NewBus creates an empty hook bus
func NewBus() *Bus {
	return &Bus{hooks: make(map[HookType][]*HookRegistration)}
}

func (b *Bus) Add(owner string, hookType HookType, handler HookHandler, priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	hooks := append(b.hooks[hookType], &HookRegistration{
		Owner:    owner,
		Handler:  handler,
		Priority: priority,
		seq:      b.seq,
	})
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			return hooks[i].Priority < hooks[j].Priority
		}
		return hooks[i].seq < hooks[j].seq
	})
	b.hooks[hookType] = hooks
}

// RemoveOwner drops every handler registered by owner and returns how many
// were removed.
func (b *Bus) RemoveOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for hookType, hooks := range b.hooks {
		kept := hooks[:0]
		for _, reg := range hooks {
			if reg.Owner == owner {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		b.hooks[hookType] = kept
	}
	return removed
}

func (b *Bus) Count(hookType HookType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.hooks[hookType])
}

// Execute runs the handlers for hookType and stops at the first error.
func (b *Bus) Execute(ctx context.Context, hookType HookType, plugin string,
	data map[string]interface{},
) error {
	b.mu.RLock()
	hooks := make([]*HookRegistration, len(b.hooks[hookType]))
	copy(hooks, b.hooks[hookType])
	b.mu.RUnlock()

	for _, reg := range hooks {
		hookCtx := &HookContext{
			Ctx:    ctx,
			Type:   hookType,
			Plugin: plugin,
			Data:   data,
		}
		if err := reg.Handler(hookCtx); err != nil {
			return fmt.Errorf("hook %s from %s failed: %w", hookType, reg.Owner, err)
		}
	}
	return nil
}
