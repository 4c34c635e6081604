package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownFactory  = errors.New("unknown plugin factory")
	ErrFactoryExists   = errors.New("plugin factory already registered")
	ErrManifestInvalid = errors.New("invalid plugin manifest")
	ErrPluginDisabled  = errors.New("plugin disabled by manifest")
)

const pluginConfigPrefix = "plugins"

var manifestSuffixes = []string{".plugin.yaml", ".plugin.yml", ".plugin.json"}

// Factory creates a fresh plugin instance.
type Factory func() Plugin

// Catalog is the set of plugins compiled into the host, by factory name.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

func (c *Catalog) Register(name string, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return fmt.Errorf("%w: name and factory are required", ErrManifestInvalid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryExists, name)
	}
	c.factories[name] = factory
	return nil
}

func (c *Catalog) New(name string) (Plugin, error) {
	c.mu.RLock()
	factory, ok := c.factories[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, name)
	}
	return factory(), nil
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PluginManifest enables a catalog plugin and carries its configuration.
type PluginManifest struct {
	Factory string                 `yaml:"factory" json:"factory"`
	Enabled *bool                  `yaml:"enabled" json:"enabled"`
	Config  map[string]interface{} `yaml:"config" json:"config"`
}

func (pm PluginManifest) IsEnabled() bool {
	return pm.Enabled == nil || *pm.Enabled
}

// ConfigSeeder receives the defaults declared in manifests.
type ConfigSeeder interface {
	SetDefault(key string, value interface{})
}

type Loader struct {
	manager *Manager
	catalog *Catalog
	seeder  ConfigSeeder
	logger  Logger

	mu     sync.RWMutex
	loaded map[string]string
}

// NewLoader creates a new plugin loader. seeder may be nil.
func NewLoader(manager *Manager, catalog *Catalog, seeder ConfigSeeder) *Loader {
	return &Loader{
		manager: manager,
		catalog: catalog,
		seeder:  seeder,
		logger:  manager.logger,
		loaded:  make(map[string]string),
	}
}

// LoadManifest instantiates the plugin a manifest names and adds it to the
// manager. The plugin itself is not loaded.
func (l *Loader) LoadManifest(ctx context.Context, path string) (*Adapter, error) {
	manifest, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}
	if !manifest.IsEnabled() {
		return nil, fmt.Errorf("%w: %s", ErrPluginDisabled, path)
	}

	p, err := l.catalog.New(manifest.Factory)
	if err != nil {
		return nil, err
	}

	adapter, err := l.manager.Add(p)
	if err != nil {
		return nil, fmt.Errorf("failed to register plugin from %s: %w", path, err)
	}
	title := adapter.Title()

	if l.seeder != nil && len(manifest.Config) > 0 {
		seedConfig(l.seeder, pluginConfigPrefix+"."+title, manifest.Config)
	}

	l.mu.Lock()
	l.loaded[title] = path
	l.mu.Unlock()

	l.logger.Info("plugin manifest loaded", "plugin", title,
		"factory", manifest.Factory, "manifest", path)
	return adapter, nil
}

// LoadDir reads every manifest in dir. Disabled manifests are skipped; other
// failures are collected and returned together.
func (l *Loader) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var result *multierror.Error
	for _, entry := range entries {
		if entry.IsDir() || !isManifest(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, err := l.LoadManifest(ctx, path); err != nil {
			if errors.Is(err, ErrPluginDisabled) {
				l.logger.Debug("plugin disabled", "manifest", entry.Name())
				continue
			}
			l.logger.Error("failed to load plugin", "manifest", entry.Name(), "error", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", entry.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

// Source returns the manifest a plugin came from.
func (l *Loader) Source(title string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	path, ok := l.loaded[title]
	return path, ok
}

// ReadManifest parses a YAML or JSON manifest.
func ReadManifest(path string) (*PluginManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest PluginManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrManifestInvalid, path, err)
	}
	manifest.Factory = strings.TrimSpace(manifest.Factory)
	if manifest.Factory == "" {
		return nil, fmt.Errorf("%w: %s: missing factory", ErrManifestInvalid, path)
	}
	return &manifest, nil
}

func isManifest(name string) bool {
	for _, suffix := range manifestSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func seedConfig(seeder ConfigSeeder, prefix string, values map[string]interface{}) {
	for key, value := range values {
		full := prefix + "." + key
		if nested, ok := value.(map[string]interface{}); ok {
			seedConfig(seeder, full, nested)
			continue
		}
		seeder.SetDefault(full, value)
	}
}
