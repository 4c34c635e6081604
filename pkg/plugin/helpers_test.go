package plugin

import (
	"context"
	"errors"
	"sync"
)

var errMissingKey = errors.New("missing key")

type logEntry struct {
	level string
	msg   string
	args  []interface{}
}

func (e logEntry) value(key string) interface{} {
	for i := 0; i+1 < len(e.args); i += 2 {
		if k, ok := e.args[i].(string); ok && k == key {
			return e.args[i+1]
		}
	}
	return nil
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *recordingLogger) Debug(msg string, args ...interface{}) { l.add("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...interface{})  { l.add("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...interface{})  { l.add("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...interface{}) { l.add("error", msg, args) }

func (l *recordingLogger) find(level, msg string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []logEntry
	for _, e := range l.entries {
		if e.level == level && (msg == "" || e.msg == msg) {
			out = append(out, e)
		}
	}
	return out
}

type testPlugin struct {
	mu sync.Mutex

	meta           PluginMetadata
	methods        map[string]Method
	translationErr error
	enableErr      error
	disableErr     error
	onEnable       func(ctx context.Context, host Host) error
	duplicate      bool

	steps    []string
	host     Host
	disabled int
	notified int
}

func newTestPlugin(title string) *testPlugin {
	return &testPlugin{
		meta:    PluginMetadata{Title: title, Version: "1.0.0", Author: "tests"},
		methods: make(map[string]Method),
	}
}

func (p *testPlugin) record(step string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, step)
}

func (p *testPlugin) Steps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.steps...)
}

func (p *testPlugin) Metadata() PluginMetadata { return p.meta }

func (p *testPlugin) LoadTranslations(ctx context.Context) error {
	p.record("translations")
	return p.translationErr
}

func (p *testPlugin) CollectMethods(reg *MethodRegistry) error {
	p.record("collect")
	for name, m := range p.methods {
		if err := reg.Register(name, m); err != nil {
			return err
		}
		if p.duplicate {
			if err := reg.Register(name, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *testPlugin) OnEnable(ctx context.Context, host Host) error {
	p.record("enable")
	p.mu.Lock()
	p.host = host
	p.mu.Unlock()
	if p.onEnable != nil {
		if err := p.onEnable(ctx, host); err != nil {
			return err
		}
	}
	return p.enableErr
}

func (p *testPlugin) OnDisable(ctx context.Context) error {
	p.record("disable")
	p.mu.Lock()
	p.disabled++
	p.mu.Unlock()
	return p.disableErr
}

func (p *testPlugin) OnPluginsLoaded(ctx context.Context) {
	p.record("plugins_loaded")
	p.mu.Lock()
	p.notified++
	p.mu.Unlock()
}

// bare implements only the required Plugin methods.
type bare struct{}

func (bare) OnEnable(context.Context, Host) error { return nil }
func (bare) OnDisable(context.Context) error      { return nil }

type fakeCommands struct {
	mu       sync.Mutex
	byOwner  map[string][]CommandSpec
	released []string
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{byOwner: make(map[string][]CommandSpec)}
}

func (c *fakeCommands) Register(owner string, spec CommandSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byOwner[owner] = append(c.byOwner[owner], spec)
	return nil
}

func (c *fakeCommands) UnregisterOwner(owner string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.byOwner[owner])
	delete(c.byOwner, owner)
	c.released = append(c.released, owner)
	return n
}

func (c *fakeCommands) count(owner string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byOwner[owner])
}

type mapConfig struct {
	values map[string]interface{}
	seen   []Instance
}

func (c *mapConfig) Resolve(ctx context.Context, owner Instance, key string) (interface{}, error) {
	c.seen = append(c.seen, owner)
	v, ok := c.values[key]
	if !ok {
		return nil, errMissingKey
	}
	return v, nil
}
