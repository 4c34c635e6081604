package plugin

import (
	"errors"
	"fmt"
)

var (
	ErrPluginNotFound          = errors.New("plugin not found")
	ErrPluginAlreadyRegistered = errors.New("plugin already registered")
	ErrTitleRequired           = errors.New("plugin title is required")
	ErrAlreadyLoaded           = errors.New("plugin already loaded")
	ErrPluginLoad              = errors.New("plugin load failed")
	ErrDependencyMissing       = errors.New("missing dependency")
	ErrCircularDependency      = errors.New("circular dependency detected")
	ErrDependentsRunning       = errors.New("dependents still loaded")

	ErrMethodNotFound     = errors.New("method not found")
	ErrDuplicateMethod    = errors.New("duplicate method name")
	ErrMethodNameRequired = errors.New("method name is required")
	ErrNilMethod          = errors.New("method is nil")
	ErrArgumentCount      = errors.New("wrong number of arguments")

	ErrNoConfigProvider = errors.New("no config provider")
)

// PluginLoadError is returned by Load when translations, method collection
// or the enable hook fail.
type PluginLoadError struct {
	Plugin string
	Stage  string
	Err    error
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("failed to load plugin %s during %s: %v", e.Plugin, e.Stage, e.Err)
}

func (e *PluginLoadError) Unwrap() error { return e.Err }

func (e *PluginLoadError) Is(target error) bool { return target == ErrPluginLoad }

// InvocationError wraps a failure raised by a plugin method body.
type InvocationError struct {
	Plugin string
	Method string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("failed to invoke method %s in %s: %v", e.Method, e.Plugin, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

type TypeMismatchError struct {
	Name string
	Want string
	Got  string
	Err  error
}

func (e *TypeMismatchError) Error() string {
	msg := fmt.Sprintf("type mismatch for %s: want %s, got %s", e.Name, e.Want, e.Got)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TypeMismatchError) Unwrap() error { return e.Err }

// ArgumentError reports a positional argument that could not be converted
// to the parameter type of a typed method.
type ArgumentError struct {
	Index int
	Want  string
	Got   string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %d: want %s, got %s", e.Index, e.Want, e.Got)
}
