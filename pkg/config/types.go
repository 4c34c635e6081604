package config

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrKeyNotFound    = errors.New("config key not found")
	ErrSecretNotFound = errors.New("secret not found")
	ErrNoSecretStore  = errors.New("no secret store configured")
)

// ConfigSource identifies the layer a value came from. Higher layers win.
type ConfigSource int

const (
	SourceDefault ConfigSource = iota
	SourceFile
	SourceDotenv
	SourceEnvironment
	SourceFlag
	SourceRuntime
)

func (s ConfigSource) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return "unknown"
	}
	return sourceNames[s]
}

var sourceNames = [...]string{
	"default",
	"file",
	"dotenv",
	"environment",
	"flag",
	"runtime",
}

type ConfigValue struct {
	Value     interface{}
	Source    ConfigSource
	IsDefault bool
	IsSecret  bool
	Timestamp time.Time
}

type ConfigChange struct {
	Key       string
	OldValue  interface{}
	NewValue  interface{}
	Source    ConfigSource
	Timestamp time.Time
}

type ConfigWatcher interface {
	OnConfigChange(change ConfigChange)
}

// WatcherFunc adapts a function to ConfigWatcher.
type WatcherFunc func(change ConfigChange)

func (f WatcherFunc) OnConfigChange(change ConfigChange) { f(change) }

type ConfigValidator interface {
	Validate(key string, value interface{}) error
}

type ConfigError struct {
	Key     string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error for key %s: %s: %v", e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("config error for key %s: %s", e.Key, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type ConfigSchema struct {
	Properties map[string]*SchemaNode
}

type SchemaNode struct {
	Type        string
	Description string
	Default     interface{}
	Required    bool
	Secret      bool
	Min         *float64
	Max         *float64
	Pattern     string
	Enum        []interface{}
	Properties  map[string]*SchemaNode
	Items       *SchemaNode
}

// Bound is a helper for SchemaNode Min and Max.
func Bound(v float64) *float64 { return &v }
