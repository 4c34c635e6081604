package config

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
)

const (
	secretScheme = "secret://"
	maskedValue  = "******"
)

type ConfigManager struct {
	sources     []Source
	values      map[string]*ConfigValue
	defaults    map[string]interface{}
	overrides   map[string]interface{}
	validators  map[string][]ConfigValidator
	watchers    map[string][]ConfigWatcher
	schema      *ConfigSchema
	mu          sync.RWMutex
	onChange    chan ConfigChange
	logger      Logger
	secretStore SecretStore
	fileWatcher *FileWatcher
}

type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type SecretStore interface {
	GetSecret(key string) (string, error)
	SetSecret(key string, value string) error
	DeleteSecret(key string) error
	ListSecrets() ([]string, error)
}

// NewConfigManager creates an empty manager. secretStore may be nil.
func NewConfigManager(logger Logger, secretStore SecretStore) *ConfigManager {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ConfigManager{
		values:      make(map[string]*ConfigValue),
		defaults:    make(map[string]interface{}),
		overrides:   make(map[string]interface{}),
		validators:  make(map[string][]ConfigValidator),
		watchers:    make(map[string][]ConfigWatcher),
		onChange:    make(chan ConfigChange, 100),
		logger:      logger,
		secretStore: secretStore,
	}
}

func (m *ConfigManager) AddSource(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sources = append(m.sources, source)
	sort.SliceStable(m.sources, func(i, j int) bool {
		return m.sources[i].Priority() < m.sources[j].Priority()
	})
}

func (m *ConfigManager) AddValidator(key string, validator ConfigValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[key] = append(m.validators[key], validator)
}

// AddWatcher registers w for changes to key. The key "*" matches every key.
func (m *ConfigManager) AddWatcher(key string, watcher ConfigWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[key] = append(m.watchers[key], watcher)
}

func (m *ConfigManager) SetSecretStore(store SecretStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secretStore = store
}

// SetSchema installs schema and registers its defaults.
func (m *ConfigManager) SetSchema(schema *ConfigSchema) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.schema = schema
	walkSchema("", schema.Properties, func(key string, node *SchemaNode) {
		if node.Default != nil {
			m.setDefaultLocked(key, node.Default)
		}
	})
}

// SetDefault registers the lowest-priority value for key.
func (m *ConfigManager) SetDefault(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setDefaultLocked(key, value)
}

func (m *ConfigManager) setDefaultLocked(key string, value interface{}) {
	m.defaults[key] = value
	if existing, ok := m.values[key]; !ok || existing.IsDefault {
		m.values[key] = &ConfigValue{
			Value:     value,
			Source:    SourceDefault,
			IsDefault: true,
			IsSecret:  m.isSecretKey(key) || isSecretRef(value),
			Timestamp: time.Now(),
		}
	}
}

// Load rebuilds every value from defaults, sources and runtime overrides,
// validates the result and notifies watchers of keys that changed.
func (m *ConfigManager) Load(ctx context.Context) error {
	m.mu.Lock()

	previous := m.values
	values := make(map[string]*ConfigValue, len(previous))
	now := time.Now()

	for key, value := range m.defaults {
		values[key] = &ConfigValue{
			Value:     value,
			Source:    SourceDefault,
			IsDefault: true,
			Timestamp: now,
		}
	}

	var loadErr *multierror.Error
	for _, source := range m.sources {
		config, err := source.Load(ctx)
		if err != nil {
			m.logger.Warn("failed to load from source", "source", source.Name(), "error", err)
			loadErr = multierror.Append(loadErr, fmt.Errorf("%s: %w", source.Name(), err))
			continue
		}
		m.apply(values, config, source.Kind(), now)
	}
	for key, value := range m.overrides {
		values[key] = &ConfigValue{Value: value, Source: SourceRuntime, Timestamp: now}
	}
	for key, value := range values {
		value.IsSecret = m.isSecretKey(key) || isSecretRef(value.Value)
	}

	m.values = values
	changes := diffValues(previous, values, now)
	validationErr := m.validateAllLocked()
	m.mu.Unlock()

	for _, change := range changes {
		m.notifyWatchers(change)
	}

	if err := loadErr.ErrorOrNil(); err != nil {
		return fmt.Errorf("configuration sources failed: %w", err)
	}
	if validationErr != nil {
		return fmt.Errorf("configuration validation failed: %w", validationErr)
	}
	return nil
}

// Reload is Load under a name that reads better at call sites reacting to
// file changes.
func (m *ConfigManager) Reload(ctx context.Context) error {
	m.logger.Info("reloading configuration")
	return m.Load(ctx)
}

func (m *ConfigManager) apply(values map[string]*ConfigValue, config map[string]interface{},
	source ConfigSource, now time.Time,
) {
	flat := make(map[string]interface{})
	flatten("", config, flat)
	for key, value := range flat {
		values[key] = &ConfigValue{Value: value, Source: source, Timestamp: now}
	}
}

func diffValues(old, current map[string]*ConfigValue, now time.Time) []ConfigChange {
	var changes []ConfigChange
	if len(old) == 0 {
		return nil
	}
	for key, value := range current {
		prev, ok := old[key]
		if ok && reflect.DeepEqual(prev.Value, value.Value) {
			continue
		}
		change := ConfigChange{Key: key, NewValue: value.Value, Source: value.Source, Timestamp: now}
		if ok {
			change.OldValue = prev.Value
		}
		changes = append(changes, change)
	}
	for key, prev := range old {
		if _, ok := current[key]; !ok {
			changes = append(changes, ConfigChange{Key: key, OldValue: prev.Value, Timestamp: now})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

// Set stores a runtime override after running the key's validators.
func (m *ConfigManager) Set(key string, value interface{}) error {
	m.mu.Lock()
	for _, validator := range m.validators[key] {
		if err := validator.Validate(key, value); err != nil {
			m.mu.Unlock()
			return &ConfigError{Key: key, Message: "validation failed", Err: err}
		}
	}
	if m.schema != nil {
		if err := validateAgainstSchema(m.schema, key, value); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	var old interface{}
	if existing, ok := m.values[key]; ok {
		old = existing.Value
	}
	now := time.Now()
	m.overrides[key] = value
	m.values[key] = &ConfigValue{
		Value:     value,
		Source:    SourceRuntime,
		IsSecret:  m.isSecretKey(key) || isSecretRef(value),
		Timestamp: now,
	}
	m.mu.Unlock()

	m.notifyWatchers(ConfigChange{
		Key:       key,
		OldValue:  old,
		NewValue:  value,
		Source:    SourceRuntime,
		Timestamp: now,
	})
	return nil
}

// Get returns the value stored at key. A key that only exists as a prefix
// returns the nested map below it. secret:// references and keys marked secret
// in the schema are resolved through the secret store.
func (m *ConfigManager) Get(key string) (interface{}, error) {
	m.mu.RLock()
	value, ok := m.values[key]
	secretKey := m.isSecretKey(key) && m.secretStore != nil
	m.mu.RUnlock()

	if ok {
		return m.resolve(key, value.Value)
	}
	if sub := m.GetSub(key); len(sub) > 0 {
		return sub, nil
	}
	if secretKey {
		return m.lookupSecret(key)
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

func (m *ConfigManager) resolve(key string, value interface{}) (interface{}, error) {
	ref, ok := value.(string)
	if !ok || !strings.HasPrefix(ref, secretScheme) {
		return value, nil
	}
	return m.lookupSecret(strings.TrimPrefix(ref, secretScheme))
}

func (m *ConfigManager) lookupSecret(name string) (interface{}, error) {
	m.mu.RLock()
	store := m.secretStore
	m.mu.RUnlock()

	if store == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSecretStore, name)
	}
	secret, err := store.GetSecret(name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secret %s: %w", name, err)
	}
	return secret, nil
}

func (m *ConfigManager) Has(key string) bool {
	_, err := m.Get(key)
	return err == nil
}

func (m *ConfigManager) GetString(key string) (string, error) {
	var out string
	return out, m.decode(key, &out)
}

func (m *ConfigManager) GetInt(key string) (int, error) {
	var out int
	return out, m.decode(key, &out)
}

func (m *ConfigManager) GetFloat(key string) (float64, error) {
	var out float64
	return out, m.decode(key, &out)
}

func (m *ConfigManager) GetBool(key string) (bool, error) {
	var out bool
	return out, m.decode(key, &out)
}

func (m *ConfigManager) GetDuration(key string) (time.Duration, error) {
	var out time.Duration
	return out, m.decode(key, &out)
}

func (m *ConfigManager) GetStringSlice(key string) ([]string, error) {
	var out []string
	return out, m.decode(key, &out)
}

// Unmarshal decodes the subtree at prefix into target using mapstructure
// tags. An empty prefix decodes the whole configuration.
func (m *ConfigManager) Unmarshal(prefix string, target interface{}) error {
	var raw interface{} = m.GetSub(prefix)
	if prefix != "" {
		if v, err := m.Get(prefix); err == nil {
			raw = v
		}
	}
	return decodeInto(raw, target)
}

func (m *ConfigManager) decode(key string, target interface{}) error {
	raw, err := m.Get(key)
	if err != nil {
		return err
	}
	if err := decodeInto(raw, target); err != nil {
		return &ConfigError{Key: key, Message: "cannot convert value", Err: err}
	}
	return nil
}

func decodeInto(raw interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// GetSub returns every value below prefix as a nested map, with secrets
// resolved. An empty prefix returns everything.
func (m *ConfigManager) GetSub(prefix string) map[string]interface{} {
	m.mu.RLock()
	flat := make(map[string]interface{})
	for key, value := range m.values {
		rel, ok := relativeKey(prefix, key)
		if ok {
			flat[rel] = value.Value
		}
	}
	m.mu.RUnlock()

	result := make(map[string]interface{})
	for rel, value := range flat {
		full := rel
		if prefix != "" {
			full = prefix + "." + rel
		}
		resolved, err := m.resolve(full, value)
		if err != nil {
			m.logger.Warn("failed to resolve secret", "key", full, "error", err)
			continue
		}
		setNestedValue(result, rel, resolved)
	}
	return result
}

func relativeKey(prefix, key string) (string, bool) {
	if prefix == "" {
		return key, true
	}
	if strings.HasPrefix(key, prefix+".") {
		return strings.TrimPrefix(key, prefix+"."), true
	}
	return "", false
}

// Keys returns every known key in sorted order.
func (m *ConfigManager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Describe returns the value record for key with secrets masked.
func (m *ConfigManager) Describe(key string) (ConfigValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return ConfigValue{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	out := *value
	if out.IsSecret {
		out.Value = maskedValue
	}
	return out, nil
}

// ValidateAll runs every validator and the schema against the current values
// and reports all failures together.
func (m *ConfigManager) ValidateAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateAllLocked()
}

func (m *ConfigManager) validateAllLocked() error {
	var result *multierror.Error

	keys := make([]string, 0, len(m.validators))
	for key := range m.validators {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value, ok := m.values[key]
		var raw interface{}
		if ok {
			raw = value.Value
		}
		for _, validator := range m.validators[key] {
			if err := validator.Validate(key, raw); err != nil {
				result = multierror.Append(result, &ConfigError{
					Key:     key,
					Message: "validation failed",
					Err:     err,
				})
			}
		}
	}

	if m.schema != nil {
		walkSchema("", m.schema.Properties, func(key string, node *SchemaNode) {
			value, ok := m.values[key]
			if !ok {
				if node.Required && !node.Secret {
					result = multierror.Append(result, &ConfigError{Key: key, Message: "required"})
				}
				return
			}
			if isSecretRef(value.Value) {
				return
			}
			if err := validateNode(key, node, value.Value); err != nil {
				result = multierror.Append(result, err)
			}
		})
	}
	return result.ErrorOrNil()
}

func (m *ConfigManager) notifyWatchers(change ConfigChange) {
	m.mu.RLock()
	watchers := append([]ConfigWatcher(nil), m.watchers[change.Key]...)
	watchers = append(watchers, m.watchers["*"]...)
	m.mu.RUnlock()

	for _, watcher := range watchers {
		watcher.OnConfigChange(change)
	}

	select {
	case m.onChange <- change:
	default:
		m.logger.Warn("config change channel full, dropping change", "key", change.Key)
	}
}

// Watch returns the channel every change is published on.
func (m *ConfigManager) Watch() <-chan ConfigChange {
	return m.onChange
}

// WatchFiles reloads the configuration whenever one of the file sources
// changes on disk. It stops when ctx is done or Close is called.
func (m *ConfigManager) WatchFiles(ctx context.Context) error {
	m.mu.Lock()
	if m.fileWatcher != nil {
		m.mu.Unlock()
		return nil
	}
	var paths []string
	for _, source := range m.sources {
		if fs, ok := source.(*FileSource); ok {
			paths = append(paths, fs.Paths()...)
		}
		if ds, ok := source.(*DotenvSource); ok {
			paths = append(paths, ds.paths...)
		}
	}
	watcher := NewFileWatcher(m.logger)
	m.fileWatcher = watcher
	m.mu.Unlock()

	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	for _, path := range paths {
		if err := watcher.Watch(path, func() {
			if err := m.Reload(ctx); err != nil {
				m.logger.Error("failed to reload configuration", "path", path, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go func() {
		<-ctx.Done()
		m.Close()
	}()
	return nil
}

// Close stops file watching.
func (m *ConfigManager) Close() {
	m.mu.Lock()
	watcher := m.fileWatcher
	m.fileWatcher = nil
	m.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
}

func (m *ConfigManager) isSecretKey(key string) bool {
	if m.schema == nil {
		return false
	}
	node := lookupSchema(m.schema, key)
	return node != nil && node.Secret
}

func isSecretRef(value interface{}) bool {
	s, ok := value.(string)
	return ok && strings.HasPrefix(s, secretScheme)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
