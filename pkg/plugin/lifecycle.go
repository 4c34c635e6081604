package plugin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"modhost/pkg/plugin/hooks"
)

type StartupConfig struct {
	Timeout     time.Duration
	HealthCheck bool
}

// Load loads one plugin. Every plugin it requires must already be loaded.
func (m *Manager) Load(ctx context.Context, title string) error {
	adapter, err := m.Get(title)
	if err != nil {
		return err
	}

	for _, dep := range adapter.Metadata().Requires {
		depAdapter, err := m.Get(dep)
		if err != nil || depAdapter.State() != StateLoaded {
			return fmt.Errorf("%w: %s requires %s", ErrDependencyMissing, title, dep)
		}
	}

	if err := adapter.Load(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if e, ok := m.plugins[title]; ok {
		e.loadedAt = time.Now()
	}
	m.mu.Unlock()

	if err := m.hooks.Execute(ctx, hooks.HookPluginLoad, title, map[string]interface{}{
		"instance": adapter.ID(),
		"version":  adapter.Metadata().Version,
	}); err != nil {
		m.logger.Warn("load hook failed", "plugin", title, "error", err)
	}
	return nil
}

// LoadAll loads every registered plugin in dependency order, then tells each
// loaded plugin that loading has finished.
func (m *Manager) LoadAll(ctx context.Context, config StartupConfig) error {
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	order, err := m.ResolveDependencies()
	if err != nil {
		return fmt.Errorf("failed to resolve load order: %w", err)
	}

	m.logger.Info("loading plugins", "count", len(order), "order", order)

	for _, title := range order {
		adapter, err := m.Get(title)
		if err != nil {
			return err
		}
		if adapter.State() == StateLoaded {
			continue
		}
		if err := m.Load(ctx, title); err != nil {
			return fmt.Errorf("failed to load plugin %s: %w", title, err)
		}
	}

	for _, title := range order {
		if adapter, err := m.Get(title); err == nil {
			adapter.NotifyPluginsLoaded(ctx)
		}
	}

	if config.HealthCheck {
		if err := m.HealthCheck(); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
	}

	m.logger.Info("all plugins loaded", "count", len(order))
	return nil
}

// Unload unloads one plugin. It refuses while a plugin that requires it is
// still loaded.
func (m *Manager) Unload(ctx context.Context, title string) error {
	adapter, err := m.Get(title)
	if err != nil {
		return err
	}

	var running []string
	for _, dependent := range m.dependentsOf(title) {
		if a, err := m.Get(dependent); err == nil && a.State() == StateLoaded {
			running = append(running, dependent)
		}
	}
	if len(running) > 0 {
		return fmt.Errorf("%w: cannot unload %s while %v are loaded",
			ErrDependentsRunning, title, running)
	}

	wasLoaded := adapter.State() == StateLoaded
	err = adapter.Unload(ctx)

	m.mu.Lock()
	if e, ok := m.plugins[title]; ok {
		e.loadedAt = time.Time{}
	}
	m.mu.Unlock()

	if wasLoaded {
		if hookErr := m.hooks.Execute(ctx, hooks.HookPluginUnload, title, nil); hookErr != nil {
			m.logger.Warn("unload hook failed", "plugin", title, "error", hookErr)
		}
	}
	return err
}

// UnloadAll unloads every plugin in reverse load order and reports every
// failure, not just the first.
func (m *Manager) UnloadAll(ctx context.Context) error {
	m.mu.RLock()
	order := append([]string(nil), m.loadOrder...)
	if len(order) == 0 {
		order = append(order, m.registered...)
	}
	m.mu.RUnlock()

	if len(order) == 0 {
		return nil
	}

	m.logger.Info("unloading plugins", "count", len(order))

	var result *multierror.Error
	for i := len(order) - 1; i >= 0; i-- {
		title := order[i]
		if err := m.Unload(ctx, title); err != nil {
			m.logger.Error("failed to unload plugin", "plugin", title, "error", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", title, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	m.logger.Info("all plugins unloaded")
	return nil
}

// Reload unloads and loads the plugin again.
func (m *Manager) Reload(ctx context.Context, title string) error {
	m.logger.Info("reloading plugin", "plugin", title)
	if err := m.Unload(ctx, title); err != nil {
		return fmt.Errorf("failed to unload plugin for reload: %w", err)
	}
	if err := m.Load(ctx, title); err != nil {
		return fmt.Errorf("failed to load plugin after unload: %w", err)
	}
	return nil
}

// HealthCheck reports every plugin that is not loaded.
func (m *Manager) HealthCheck() error {
	var result *multierror.Error
	for _, info := range m.List() {
		if info.State != StateLoaded.String() {
			result = multierror.Append(result,
				fmt.Errorf("%s (state: %s)", info.Metadata.Title, info.State))
		}
	}
	return result.ErrorOrNil()
}

// dependentsOf lists the registered plugins that require title. It reads
// the current registry, so plugins added after the last resolution count.
func (m *Manager) dependentsOf(title string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for other, e := range m.plugins {
		if contains(e.adapter.Metadata().Requires, title) {
			out = append(out, other)
		}
	}
	sort.Strings(out)
	return out
}
