package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"modhost/pkg/plugin/hooks"
	"modhost/pkg/plugin/sandbox"
)

func echo() Method {
	return Func1(func(ctx context.Context, s string) (string, error) { return s, nil })
}

func loadedAdapter(t *testing.T, p *testPlugin, opts ...Option) (*Adapter, *recordingLogger) {
	t.Helper()
	logger := &recordingLogger{}
	a := NewAdapter(p, Services{Logger: logger}, opts...)
	require.NoError(t, a.Load(context.Background()))
	return a, logger
}

func TestAdapterLoad(t *testing.T) {
	p := newTestPlugin("greeter")
	p.meta.Contact = Contact{Name: "Ann", Email: "ann@example.com"}
	p.methods["greet"] = echo()
	p.methods["add"] = Func2(func(ctx context.Context, a, b int) (int, error) { return a + b, nil })

	a := NewAdapter(p, Services{})
	assert.Equal(t, StateUnloaded, a.State())
	assert.NotEmpty(t, a.ID())

	require.NoError(t, a.Load(context.Background()))

	assert.Equal(t, StateLoaded, a.State())
	assert.Equal(t, []string{"translations", "collect", "enable"}, p.Steps())
	assert.Equal(t, []string{"add", "greet"}, a.Methods())
	assert.Equal(t, "greeter", a.Metadata().Title)
	assert.Equal(t, "ann@example.com", a.Metadata().Contact.Email)
	assert.Same(t, a, p.host)
}

func TestAdapterLoadWithoutOptionalInterfaces(t *testing.T) {
	a := NewAdapter(bare{}, Services{})
	require.NoError(t, a.Load(context.Background()))

	assert.Equal(t, StateLoaded, a.State())
	assert.Equal(t, PluginMetadata{}, a.Metadata())
	assert.Empty(t, a.Methods())
	assert.Equal(t, StatusNotFound, a.Call(context.Background(), "anything").Status)
}

func TestAdapterLoadTwice(t *testing.T) {
	a, _ := loadedAdapter(t, newTestPlugin("twice"))
	err := a.Load(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
	assert.Equal(t, StateLoaded, a.State())
}

func TestAdapterLoadFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		setup func(p *testPlugin)
		stage string
		cause error
	}{
		{
			name:  "translations",
			setup: func(p *testPlugin) { p.translationErr = boom },
			stage: "translations",
			cause: boom,
		},
		{
			name:  "enable",
			setup: func(p *testPlugin) { p.enableErr = boom },
			stage: "enable",
			cause: boom,
		},
		{
			name:  "duplicate method",
			setup: func(p *testPlugin) { p.duplicate = true },
			stage: "method collection",
			cause: ErrDuplicateMethod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlugin("broken")
			p.methods["greet"] = echo()
			tt.setup(p)

			logger := &recordingLogger{}
			a := NewAdapter(p, Services{Logger: logger})

			err := a.Load(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPluginLoad)
			assert.ErrorIs(t, err, tt.cause)

			var loadErr *PluginLoadError
			require.ErrorAs(t, err, &loadErr)
			assert.Equal(t, "broken", loadErr.Plugin)
			assert.Equal(t, tt.stage, loadErr.Stage)

			assert.Equal(t, StateFailed, a.State())
			assert.Empty(t, a.Methods())
			assert.Len(t, logger.find("error", "failed to load plugin"), 1)
		})
	}
}

func TestAdapterReloadAfterFailure(t *testing.T) {
	p := newTestPlugin("flaky")
	p.methods["greet"] = echo()
	p.enableErr = errors.New("not yet")

	a := NewAdapter(p, Services{})
	require.Error(t, a.Load(context.Background()))
	assert.Equal(t, StateFailed, a.State())

	p.enableErr = nil
	require.NoError(t, a.Load(context.Background()))
	assert.Equal(t, StateLoaded, a.State())
	assert.Equal(t, []string{"greet"}, a.Methods())
}

func TestAdapterEnableFailureReleasesCommands(t *testing.T) {
	cmds := newFakeCommands()
	p := newTestPlugin("cmdfail")
	p.onEnable = func(ctx context.Context, host Host) error {
		require.NoError(t, host.Commands().Register("cmdfail", CommandSpec{Name: "x", Method: "x"}))
		return errors.New("no")
	}

	a := NewAdapter(p, Services{Commands: cmds})
	require.Error(t, a.Load(context.Background()))
	assert.Zero(t, cmds.count("cmdfail"))
}

func TestAdapterCall(t *testing.T) {
	p := newTestPlugin("calls")
	p.methods["greet"] = Func1(func(ctx context.Context, name string) (string, error) {
		return "hello " + name, nil
	})
	p.methods["fail"] = Func0(func(ctx context.Context) (int, error) {
		return 0, errors.New("insufficient funds")
	})
	p.methods["panic"] = Func0(func(ctx context.Context) (int, error) {
		panic("bad state")
	})

	t.Run("ok", func(t *testing.T) {
		a, logger := loadedAdapter(t, p)
		res := a.Call(context.Background(), "greet", "bob")
		require.Equal(t, StatusOK, res.Status)
		assert.True(t, res.OK())
		assert.Equal(t, "hello bob", res.Value)
		assert.NoError(t, res.Err)
		assert.Empty(t, logger.find("error", ""))
	})

	t.Run("not found", func(t *testing.T) {
		a, logger := loadedAdapter(t, p)
		res := a.Call(context.Background(), "missing")
		assert.Equal(t, StatusNotFound, res.Status)
		assert.Nil(t, res.Value)
		assert.NoError(t, res.Err)
		assert.Empty(t, logger.find("error", ""))
		assert.Len(t, logger.find("debug", "method not registered"), 1)
	})

	t.Run("method error", func(t *testing.T) {
		a, logger := loadedAdapter(t, p)
		res := a.Call(context.Background(), "fail")
		require.Equal(t, StatusFailed, res.Status)
		assert.Nil(t, res.Value)

		var invErr *InvocationError
		require.ErrorAs(t, res.Err, &invErr)
		assert.Equal(t, "calls", invErr.Plugin)
		assert.Equal(t, "fail", invErr.Method)

		errs := logger.find("error", "")
		require.Len(t, errs, 1)
		assert.Equal(t, "calls", errs[0].value("plugin"))
		assert.Equal(t, "fail", errs[0].value("method"))
		assert.Equal(t, "insufficient funds", errs[0].value("error"))
	})

	t.Run("panic", func(t *testing.T) {
		a, logger := loadedAdapter(t, p)
		res := a.Call(context.Background(), "panic")
		require.Equal(t, StatusFailed, res.Status)

		var pe *sandbox.PanicError
		assert.ErrorAs(t, res.Err, &pe)
		assert.Len(t, logger.find("error", ""), 1)
	})

	t.Run("argument mismatch", func(t *testing.T) {
		a, _ := loadedAdapter(t, p)
		res := a.Call(context.Background(), "greet", 42)
		require.Equal(t, StatusFailed, res.Status)

		var argErr *ArgumentError
		require.ErrorAs(t, res.Err, &argErr)
		assert.Equal(t, 0, argErr.Index)
		assert.Equal(t, "int", argErr.Got)
	})

	t.Run("unloaded adapter", func(t *testing.T) {
		a := NewAdapter(p, Services{})
		assert.Equal(t, StatusNotFound, a.Call(context.Background(), "greet", "x").Status)
	})
}

func TestAdapterSlowCalls(t *testing.T) {
	p := newTestPlugin("slow")
	p.methods["sleep"] = Action1(func(ctx context.Context, d time.Duration) error {
		time.Sleep(d)
		return nil
	})

	t.Run("configured threshold", func(t *testing.T) {
		a, logger := loadedAdapter(t, p, WithSlowThreshold(20*time.Millisecond))

		a.Call(context.Background(), "sleep", 60*time.Millisecond)
		slow := logger.find("info", "plugin method invocation is slow")
		require.Len(t, slow, 1)
		assert.Equal(t, "slow", slow[0].value("plugin"))
		assert.Equal(t, "sleep", slow[0].value("method"))

		a.Call(context.Background(), "sleep", time.Duration(0))
		assert.Len(t, logger.find("info", "plugin method invocation is slow"), 1)

		stats := a.Analytics()["sleep"]
		assert.EqualValues(t, 2, stats.Calls)
		assert.EqualValues(t, 1, stats.Slow)
	})

	t.Run("default threshold", func(t *testing.T) {
		a, logger := loadedAdapter(t, p)

		a.Call(context.Background(), "sleep", 100*time.Millisecond)
		assert.Empty(t, logger.find("info", "plugin method invocation is slow"))

		a.Call(context.Background(), "sleep", 520*time.Millisecond)
		assert.Len(t, logger.find("info", "plugin method invocation is slow"), 1)
	})
}

func TestAdapterCallAsync(t *testing.T) {
	p := newTestPlugin("async")
	p.methods["greet"] = echo()
	p.methods["block"] = Func1(func(ctx context.Context, release chan struct{}) (string, error) {
		<-release
		return "done", nil
	})

	t.Run("single result then closed", func(t *testing.T) {
		a, _ := loadedAdapter(t, p)
		ch := a.CallAsync(context.Background(), "greet", "hi")

		res, ok := <-ch
		require.True(t, ok)
		assert.Equal(t, StatusOK, res.Status)
		assert.Equal(t, "hi", res.Value)

		_, ok = <-ch
		assert.False(t, ok)
	})

	t.Run("not found", func(t *testing.T) {
		a, _ := loadedAdapter(t, p)
		res := <-a.CallAsync(context.Background(), "nope")
		assert.Equal(t, StatusNotFound, res.Status)
	})

	t.Run("deadline", func(t *testing.T) {
		a, _ := loadedAdapter(t, p)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		release := make(chan struct{})
		defer close(release)

		res := <-a.CallAsync(ctx, "block", release)
		require.Equal(t, StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
		assert.ErrorIs(t, res.Err, sandbox.ErrAbandoned)

		var invErr *InvocationError
		assert.ErrorAs(t, res.Err, &invErr)
	})

	t.Run("deadline while waiting for a worker", func(t *testing.T) {
		started := make(chan struct{})
		q := newTestPlugin("queued")
		q.methods["greet"] = echo()
		q.methods["hold"] = Func1(func(ctx context.Context, release chan struct{}) (bool, error) {
			close(started)
			<-release
			return true, nil
		})
		a, _ := loadedAdapter(t, q, WithWorkers(1))

		release := make(chan struct{})
		busy := a.CallAsync(context.Background(), "hold", release)
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		res := <-a.CallAsync(ctx, "greet", "queued")
		require.Equal(t, StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, sandbox.ErrAbandoned)
		assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

		close(release)
		assert.Equal(t, StatusOK, (<-busy).Status)
	})
}

func TestAdapterCallAsyncWorkerBound(t *testing.T) {
	var running, peak int32
	p := newTestPlugin("bounded")
	p.methods["work"] = Func0(func(ctx context.Context) (bool, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return true, nil
	})

	a, _ := loadedAdapter(t, p, WithWorkers(2))

	var chans []<-chan Result
	for i := 0; i < 6; i++ {
		chans = append(chans, a.CallAsync(context.Background(), "work"))
	}
	for _, ch := range chans {
		res := <-ch
		assert.Equal(t, StatusOK, res.Status)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.EqualValues(t, 6, a.Analytics()["work"].Calls)
}

func TestAdapterUnload(t *testing.T) {
	cmds := newFakeCommands()
	p := newTestPlugin("unload")
	p.methods["greet"] = echo()
	p.onEnable = func(ctx context.Context, host Host) error {
		return host.Commands().Register("unload", CommandSpec{Name: "hi", Method: "greet"})
	}

	a := NewAdapter(p, Services{Commands: cmds})
	require.NoError(t, a.Load(context.Background()))
	assert.Equal(t, 1, cmds.count("unload"))

	require.NoError(t, a.Unload(context.Background()))
	assert.Equal(t, StateUnloaded, a.State())
	assert.Empty(t, a.Methods())
	assert.Zero(t, cmds.count("unload"))
	assert.Equal(t, StatusNotFound, a.Call(context.Background(), "greet", "x").Status)

	require.NoError(t, a.Unload(context.Background()))
	assert.Equal(t, 1, p.disabled)

	require.NoError(t, a.Load(context.Background()))
	assert.Equal(t, StateLoaded, a.State())
}

func TestAdapterUnloadDisableError(t *testing.T) {
	boom := errors.New("disk full")
	p := newTestPlugin("stubborn")
	p.disableErr = boom

	a, _ := loadedAdapter(t, p)
	err := a.Unload(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateUnloaded, a.State())
}

func TestAdapterUnloadFailedAdapter(t *testing.T) {
	p := newTestPlugin("failed")
	p.enableErr = errors.New("x")
	a := NewAdapter(p, Services{})
	require.Error(t, a.Load(context.Background()))

	require.NoError(t, a.Unload(context.Background()))
	assert.Equal(t, StateUnloaded, a.State())
	assert.Zero(t, p.disabled)
}

func TestAdapterConcurrentCallsDuringUnload(t *testing.T) {
	p := newTestPlugin("busy")
	p.methods["greet"] = echo()
	a, _ := loadedAdapter(t, p)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				res := a.Call(context.Background(), "greet", "x")
				assert.Contains(t, []Status{StatusOK, StatusNotFound}, res.Status)
			}
		}()
	}
	require.NoError(t, a.Unload(context.Background()))
	wg.Wait()
}

func TestAdapterNotifyPluginsLoaded(t *testing.T) {
	p := newTestPlugin("listener")
	a := NewAdapter(p, Services{})

	a.NotifyPluginsLoaded(context.Background())
	assert.Zero(t, p.notified)

	require.NoError(t, a.Load(context.Background()))
	a.NotifyPluginsLoaded(context.Background())
	assert.Equal(t, 1, p.notified)
}

func TestAdapterTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	p := newTestPlugin("traced")
	p.methods["greet"] = echo()
	p.methods["fail"] = Func0(func(ctx context.Context) (int, error) { return 0, errors.New("nope") })

	a, _ := loadedAdapter(t, p, WithTracer(provider.Tracer("test")))
	a.Call(context.Background(), "greet", "x")
	a.Call(context.Background(), "fail")
	a.Call(context.Background(), "missing")

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "plugin.call", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("plugin.title", "traced"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("plugin.method", "greet"))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "nope", spans[1].Status().Description)
}

func TestAdapterHooks(t *testing.T) {
	bus := hooks.NewBus()
	var failedMethods []string
	var slowMethods []string
	bus.Add("test", hooks.HookCallFailed, func(hc *hooks.HookContext) error {
		failedMethods = append(failedMethods, hc.Data["method"].(string))
		return nil
	}, 0)
	bus.Add("test", hooks.HookSlowCall, func(hc *hooks.HookContext) error {
		slowMethods = append(slowMethods, hc.Data["method"].(string))
		return errors.New("hook errors are only logged")
	}, 0)

	p := newTestPlugin("hooked")
	p.methods["fail"] = Func0(func(ctx context.Context) (int, error) { return 0, errors.New("x") })
	p.methods["slow"] = Func0(func(ctx context.Context) (int, error) {
		time.Sleep(30 * time.Millisecond)
		return 1, nil
	})

	a, logger := loadedAdapter(t, p, WithHooks(bus), WithSlowThreshold(5*time.Millisecond))
	a.Call(context.Background(), "fail")
	res := a.Call(context.Background(), "slow")

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, []string{"fail"}, failedMethods)
	assert.Equal(t, []string{"slow"}, slowMethods)
	assert.Len(t, logger.find("warn", "hook failed"), 1)
}

func TestAdapterHostServices(t *testing.T) {
	cfg := &mapConfig{values: map[string]interface{}{"greeting": "hey"}}
	p := newTestPlugin("svc")
	a := NewAdapter(p, Services{Config: cfg})
	require.NoError(t, a.Load(context.Background()))

	v, err := p.host.ResolveConfig(context.Background(), "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hey", v)
	require.Len(t, cfg.seen, 1)
	assert.Equal(t, Instance{ID: a.ID(), Title: "svc"}, cfg.seen[0])

	assert.Nil(t, p.host.Roles())
	assert.Nil(t, p.host.Server())
	assert.NotNil(t, p.host.Logger())

	noCfg := NewAdapter(newTestPlugin("nocfg"), Services{})
	_, err = noCfg.ResolveConfig(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoConfigProvider)
}

func TestAdapterNonSemverVersionWarns(t *testing.T) {
	p := newTestPlugin("odd")
	p.meta.Version = "version one"
	a, logger := loadedAdapter(t, p)

	assert.Equal(t, "version one", a.Metadata().Version)
	assert.Len(t, logger.find("warn", "plugin version is not semver"), 1)
}

func TestPluginStateString(t *testing.T) {
	assert.Equal(t, "Unloaded", StateUnloaded.String())
	assert.Equal(t, "Loaded", StateLoaded.String())
	assert.Equal(t, "Failed", StateFailed.String())
	assert.Equal(t, "Unknown", PluginState(42).String())
}
