package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"modhost/pkg/plugin/hooks"
	"modhost/pkg/plugin/sandbox"
	"modhost/pkg/profiling"
)

const (
	DefaultSlowThreshold = 500 * time.Millisecond
	DefaultWorkers       = 16

	tracerName = "modhost/plugin"
)

type Option func(*Adapter)

// WithSlowThreshold overrides the duration above which a call is logged as slow.
func WithSlowThreshold(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.slowThreshold = d
		}
	}
}

// WithWorkers bounds the number of CallAsync bodies running at once.
func WithWorkers(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.workers = int64(n)
		}
	}
}

func WithHooks(bus *hooks.Bus) Option {
	return func(a *Adapter) { a.hooks = bus }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(a *Adapter) {
		if tracer != nil {
			a.tracer = tracer
		}
	}
}

func WithProfiler(p profiling.Profiler) Option {
	return func(a *Adapter) {
		if p != nil {
			a.analytics = p
		}
	}
}

// Adapter hosts a single plugin: it drives the plugin's lifecycle, owns its
// method registry and invokes methods by name on behalf of other plugins.
type Adapter struct {
	id       string
	plugin   Plugin
	services Services
	logger   Logger

	// lifecycle serializes Load and Unload so plugin hooks run outside mu.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	state    PluginState
	metadata PluginMetadata
	methods  *MethodRegistry

	slowThreshold time.Duration
	workers       int64
	pool          *semaphore.Weighted
	tracer        trace.Tracer
	hooks         *hooks.Bus
	analytics     profiling.Profiler
}

// NewAdapter creates an adapter around p. The plugin is not loaded.
func NewAdapter(p Plugin, services Services, opts ...Option) *Adapter {
	a := &Adapter{
		id:            uuid.NewString(),
		plugin:        p,
		services:      services,
		logger:        services.Logger,
		state:         StateUnloaded,
		methods:       NewMethodRegistry(),
		metadata:      resolveMetadata(p),
		slowThreshold: DefaultSlowThreshold,
		workers:       DefaultWorkers,
		tracer:        otel.Tracer(tracerName),
		analytics:     profiling.NewRecorder(),
	}
	if a.logger == nil {
		a.logger = NopLogger()
	}
	for _, opt := range opts {
		opt(a)
	}
	a.pool = semaphore.NewWeighted(a.workers)
	return a
}

// resolveMetadata is called once per adapter. The manager keys plugins by
// this title, so later Metadata results are ignored.
func resolveMetadata(p Plugin) PluginMetadata {
	if mp, ok := p.(MetadataProvider); ok {
		return mp.Metadata()
	}
	return PluginMetadata{}
}

// Load brings the plugin up: version check, translations, methods, then
// OnEnable.
func (a *Adapter) Load(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.state == StateLoaded {
		title := a.metadata.Title
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, title)
	}
	a.methods = NewMethodRegistry()
	metadata := a.metadata
	a.mu.Unlock()

	if metadata.Version != "" {
		if _, err := semver.NewVersion(metadata.Version); err != nil {
			a.logger.Warn("plugin version is not semver",
				"plugin", metadata.Title, "version", metadata.Version, "error", err)
		}
	}

	if tl, ok := a.plugin.(TranslationLoader); ok {
		if err := tl.LoadTranslations(ctx); err != nil {
			return a.failLoad("translations", err)
		}
	}

	reg := NewMethodRegistry()
	if mc, ok := a.plugin.(MethodCollector); ok {
		if err := mc.CollectMethods(reg); err != nil {
			return a.failLoad("method collection", err)
		}
	}

	a.mu.Lock()
	a.methods = reg
	a.mu.Unlock()

	if err := a.plugin.OnEnable(ctx, a); err != nil {
		if a.services.Commands != nil {
			a.services.Commands.UnregisterOwner(metadata.Title)
		}
		return a.failLoad("enable", err)
	}

	a.mu.Lock()
	a.state = StateLoaded
	a.mu.Unlock()

	a.logger.Info("plugin loaded", "plugin", metadata.Title,
		"version", metadata.Version, "methods", reg.Len(), "instance", a.id)
	return nil
}

func (a *Adapter) failLoad(stage string, err error) error {
	a.mu.Lock()
	a.methods = NewMethodRegistry()
	a.state = StateFailed
	title := a.metadata.Title
	a.mu.Unlock()

	a.logger.Error("failed to load plugin", "plugin", title, "stage", stage, "error", err)
	return &PluginLoadError{Plugin: title, Stage: stage, Err: err}
}

// Unload disables the plugin and releases what it registered. Unloading an
// adapter that is not loaded is a no-op.
func (a *Adapter) Unload(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.RLock()
	state := a.state
	title := a.metadata.Title
	a.mu.RUnlock()

	switch state {
	case StateUnloaded:
		return nil
	case StateFailed:
		a.mu.Lock()
		a.state = StateUnloaded
		a.mu.Unlock()
		return nil
	}

	disableErr := a.plugin.OnDisable(ctx)

	if a.services.Commands != nil {
		if n := a.services.Commands.UnregisterOwner(title); n > 0 {
			a.logger.Debug("commands released", "plugin", title, "count", n)
		}
	}

	a.mu.Lock()
	a.methods = NewMethodRegistry()
	a.state = StateUnloaded
	a.mu.Unlock()

	if disableErr != nil {
		a.logger.Error("plugin disable failed", "plugin", title, "error", disableErr)
		return fmt.Errorf("failed to disable plugin %s: %w", title, disableErr)
	}
	a.logger.Info("plugin unloaded", "plugin", title)
	return nil
}

// NotifyPluginsLoaded tells the plugin that every plugin has finished loading.
func (a *Adapter) NotifyPluginsLoaded(ctx context.Context) {
	if l, ok := a.plugin.(PluginsLoadedListener); ok && a.State() == StateLoaded {
		l.OnPluginsLoaded(ctx)
	}
}

func (a *Adapter) lookup(name string) (Method, string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.methods.Get(name)
	return m, a.metadata.Title, ok
}

// Call invokes the named method synchronously.
func (a *Adapter) Call(ctx context.Context, name string, args ...interface{}) Result {
	method, title, ok := a.lookup(name)
	if !ok {
		a.logger.Debug("method not registered", "plugin", title, "method", name)
		return notFound()
	}
	return a.invoke(ctx, title, name, method, args)
}

// CallAsync invokes the named method on the adapter's worker pool. The channel
// receives exactly one Result and is then closed.
func (a *Adapter) CallAsync(ctx context.Context, name string, args ...interface{}) <-chan Result {
	out := make(chan Result, 1)

	method, title, ok := a.lookup(name)
	if !ok {
		a.logger.Debug("method not registered", "plugin", title, "method", name)
		out <- notFound()
		close(out)
		return out
	}

	go func() {
		defer close(out)

		start := time.Now()
		if err := a.pool.Acquire(ctx, 1); err != nil {
			err = fmt.Errorf("%w: waiting for a worker: %w", sandbox.ErrAbandoned, err)
			out <- a.abandon(title, name, err, time.Since(start))
			return
		}

		res, err := sandbox.Run(ctx, func() (Result, error) {
			defer a.pool.Release(1)
			return a.invoke(ctx, title, name, method, args), nil
		})
		if err != nil {
			res = a.abandon(title, name, err, time.Since(start))
		}
		out <- res
	}()

	return out
}

func (a *Adapter) abandon(title, name string, err error, elapsed time.Duration) Result {
	a.logger.Warn("plugin method abandoned", "plugin", title, "method", name, "error", err)
	return failed(&InvocationError{Plugin: title, Method: name, Err: err}, elapsed)
}

func (a *Adapter) invoke(ctx context.Context, title, name string, method Method,
	args []interface{},
) Result {
	ctx, span := a.tracer.Start(ctx, "plugin.call", trace.WithAttributes(
		attribute.String("plugin.title", title),
		attribute.String("plugin.method", name),
	))
	defer span.End()

	start := time.Now()
	value, err := sandbox.Guard(func() (interface{}, error) {
		return method(ctx, args...)
	})
	elapsed := time.Since(start)
	slow := elapsed > a.slowThreshold

	a.analytics.Record(profiling.Sample{
		Name:     name,
		Duration: elapsed,
		Failed:   err != nil,
		Slow:     slow,
		At:       start,
	})

	if slow {
		a.logger.Info("plugin method invocation is slow",
			"plugin", title, "method", name,
			"elapsed", elapsed, "threshold", a.slowThreshold)
		a.fire(ctx, hooks.HookSlowCall, title, map[string]interface{}{
			"method": name, "elapsed": elapsed,
		})
	}

	if err != nil {
		invErr := &InvocationError{Plugin: title, Method: name, Err: err}
		a.logger.Error("failed to invoke plugin method",
			"plugin", title, "method", name, "error", err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.fire(ctx, hooks.HookCallFailed, title, map[string]interface{}{
			"method": name, "error": err,
		})
		return failed(invErr, elapsed)
	}

	return Result{Status: StatusOK, Value: value, Duration: elapsed}
}

func (a *Adapter) fire(ctx context.Context, hookType hooks.HookType, title string,
	data map[string]interface{},
) {
	if a.hooks == nil {
		return
	}
	if err := a.hooks.Execute(ctx, hookType, title, data); err != nil {
		a.logger.Warn("hook failed", "hook", hookType, "plugin", title, "error", err)
	}
}

func (a *Adapter) State() PluginState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Methods returns the registered method names in sorted order.
func (a *Adapter) Methods() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.methods.Names()
}

func (a *Adapter) Analytics() map[string]profiling.MethodStats {
	return a.analytics.Snapshot()
}

func (a *Adapter) Plugin() Plugin { return a.plugin }

// Host implementation.

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Metadata() PluginMetadata {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metadata
}

func (a *Adapter) Title() string { return a.Metadata().Title }

func (a *Adapter) Logger() Logger { return a.logger }

func (a *Adapter) Commands() CommandProvider { return a.services.Commands }

func (a *Adapter) Roles() RolesProvider { return a.services.Roles }

func (a *Adapter) Plugins() PluginManager { return a.services.Plugins }

func (a *Adapter) Server() Server { return a.services.Server }

func (a *Adapter) ResolveConfig(ctx context.Context, key string) (interface{}, error) {
	if a.services.Config == nil {
		return nil, ErrNoConfigProvider
	}
	return a.services.Config.Resolve(ctx, Instance{ID: a.id, Title: a.Title()}, key)
}
