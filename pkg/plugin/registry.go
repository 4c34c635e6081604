package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"modhost/pkg/plugin/hooks"
)

// PluginInfo is a point-in-time view of a managed plugin.
type PluginInfo struct {
	ID         string         `json:"id"`
	Metadata   PluginMetadata `json:"metadata"`
	State      string         `json:"state"`
	Methods    []string       `json:"methods"`
	Dependents []string       `json:"dependents,omitempty"`
	LoadedAt   time.Time      `json:"loaded_at,omitempty"`
}

type managed struct {
	adapter  *Adapter
	loadedAt time.Time
}

// Manager owns every adapter of the host. It is the PluginManager service
// plugins use to reach each other.
type Manager struct {
	mu         sync.RWMutex
	plugins    map[string]*managed
	registered []string
	loadOrder  []string

	services Services
	options  []Option
	logger   Logger
	hooks    *hooks.Bus
}

// NewManager creates a plugin manager. The manager installs itself as the
// Plugins service of every adapter it creates.
func NewManager(services Services, opts ...Option) *Manager {
	m := &Manager{
		plugins: make(map[string]*managed),
		logger:  services.Logger,
		hooks:   hooks.NewBus(),
	}
	if m.logger == nil {
		m.logger = NopLogger()
		services.Logger = m.logger
	}
	services.Plugins = m
	m.services = services
	m.options = append([]Option{WithHooks(m.hooks)}, opts...)
	return m
}

func (m *Manager) Hooks() *hooks.Bus { return m.hooks }

// Add wraps p in an adapter keyed by its title. The plugin is not loaded.
func (m *Manager) Add(p Plugin) (*Adapter, error) {
	adapter := NewAdapter(p, m.services, m.options...)
	title := strings.TrimSpace(adapter.Metadata().Title)
	if title == "" {
		return nil, ErrTitleRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plugins[title]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginAlreadyRegistered, title)
	}

	m.plugins[title] = &managed{adapter: adapter}
	m.registered = append(m.registered, title)
	m.loadOrder = nil

	m.logger.Info("plugin registered", "plugin", title, "instance", adapter.ID())
	return adapter, nil
}

// Remove unloads the plugin and forgets it.
func (m *Manager) Remove(ctx context.Context, title string) error {
	if err := m.Unload(ctx, title); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.plugins, title)
	for i, t := range m.registered {
		if t == title {
			m.registered = append(m.registered[:i], m.registered[i+1:]...)
			break
		}
	}
	m.loadOrder = nil
	m.hooks.RemoveOwner(title)
	m.logger.Info("plugin removed", "plugin", title)
	return nil
}

func (m *Manager) Get(title string) (*Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.plugins[title]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, title)
	}
	return e.adapter, nil
}

// Lookup returns the named plugin as a Caller.
func (m *Manager) Lookup(title string) (Caller, bool) {
	a, err := m.Get(title)
	if err != nil {
		return nil, false
	}
	return a, true
}

// List returns every plugin in registration order.
func (m *Manager) List() []PluginInfo {
	m.mu.RLock()
	titles := append([]string(nil), m.registered...)
	entries := make([]managed, 0, len(titles))
	for _, title := range titles {
		entries = append(entries, *m.plugins[title])
	}
	m.mu.RUnlock()

	infos := make([]PluginInfo, 0, len(entries))
	for i, e := range entries {
		infos = append(infos, PluginInfo{
			ID:         e.adapter.ID(),
			Metadata:   e.adapter.Metadata(),
			State:      e.adapter.State().String(),
			Methods:    e.adapter.Methods(),
			Dependents: m.dependentsOf(titles[i]),
			LoadedAt:   e.loadedAt,
		})
	}
	return infos
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins)
}
