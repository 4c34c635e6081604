package plugin

import "context"

type PluginState int

const (
	StateUnloaded PluginState = iota
	StateLoaded
	StateFailed
)

func (s PluginState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

var stateNames = [...]string{
	"Unloaded",
	"Loaded",
	"Failed",
}

type Contact struct {
	Name    string `json:"name" yaml:"name"`
	Email   string `json:"email" yaml:"email"`
	Website string `json:"website" yaml:"website"`
}

// PluginMetadata describes a plugin. Zero values mean "not provided".
type PluginMetadata struct {
	Title       string   `json:"title" yaml:"title"`
	Version     string   `json:"version" yaml:"version"`
	Author      string   `json:"author" yaml:"author"`
	Description string   `json:"description" yaml:"description"`
	Contact     Contact  `json:"contact" yaml:"contact"`
	Requires    []string `json:"requires,omitempty" yaml:"requires"`
}

// Plugin is the contract every plugin implements. Optional behaviour is
// discovered through the smaller interfaces below.
type Plugin interface {
	OnEnable(ctx context.Context, host Host) error

	OnDisable(ctx context.Context) error
}

type MetadataProvider interface {
	Metadata() PluginMetadata
}

type TranslationLoader interface {
	LoadTranslations(ctx context.Context) error
}

// MethodCollector is how a plugin opts methods into remote invocation.
type MethodCollector interface {
	CollectMethods(reg *MethodRegistry) error
}

type PluginsLoadedListener interface {
	OnPluginsLoaded(ctx context.Context)
}

// Host is the adapter as seen from inside the plugin it wraps.
type Host interface {
	ID() string
	Metadata() PluginMetadata
	Logger() Logger
	Commands() CommandProvider
	Roles() RolesProvider
	Plugins() PluginManager
	Server() Server
	ResolveConfig(ctx context.Context, key string) (interface{}, error)
}

type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Instance identifies the adapter asking a ConfigProvider for a value.
type Instance struct {
	ID    string
	Title string
}

type ConfigProvider interface {
	Resolve(ctx context.Context, owner Instance, key string) (interface{}, error)
}

// CommandSpec binds a console/chat command to a method of the registering plugin.
type CommandSpec struct {
	Name        string
	Aliases     []string
	Permission  string
	Method      string
	Usage       string
	Description string
}

type CommandProvider interface {
	Register(owner string, spec CommandSpec) error
	UnregisterOwner(owner string) int
}

type RolesProvider interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
	Authorize(ctx context.Context, userID, resource, action string) (bool, error)
}

type Caller interface {
	Call(ctx context.Context, name string, args ...interface{}) Result
}

type PluginManager interface {
	Lookup(title string) (Caller, bool)
}

type Server interface {
	Name() string
	Version() string
}

// Services is the set of host collaborators handed to every adapter.
// Nil members are allowed; the matching Host accessor then returns nil.
type Services struct {
	Logger   Logger
	Config   ConfigProvider
	Commands CommandProvider
	Roles    RolesProvider
	Plugins  PluginManager
	Server   Server
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }
