package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// EnvPrefix is the prefix of environment variables read by Bootstrap.
const EnvPrefix = "MODHOST_"

type ServerConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type PluginsConfig struct {
	Directory      string        `mapstructure:"directory"`
	Workers        int           `mapstructure:"workers"`
	SlowThreshold  time.Duration `mapstructure:"slow_threshold"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	HealthCheck    bool          `mapstructure:"health_check"`
}

type AuthConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	Issuer      string        `mapstructure:"issuer"`
	TTL         time.Duration `mapstructure:"ttl"`
	Algorithm   string        `mapstructure:"algorithm"`
	RolesFile   string        `mapstructure:"roles_file"`
}

type VaultConfig struct {
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	Mount     string `mapstructure:"mount"`
	KVVersion int    `mapstructure:"kv_version"`
}

type SecretsConfig struct {
	Backend       string      `mapstructure:"backend"`
	Dir           string      `mapstructure:"dir"`
	EncryptionKey string      `mapstructure:"encryption_key"`
	Vault         VaultConfig `mapstructure:"vault"`
}

// AppConfig is the host's typed view of the configuration.
type AppConfig struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Plugins PluginsConfig `mapstructure:"plugins"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Secrets SecretsConfig `mapstructure:"secrets"`
}

// BootstrapOptions lists where Bootstrap looks for configuration.
type BootstrapOptions struct {
	ConfigPaths []string
	DotenvPaths []string
	Flags       map[string]interface{}
}

// Bootstrap builds a ConfigManager with the host's defaults, validators and
// sources, loads it and installs the configured secret store.
func Bootstrap(ctx context.Context, opts BootstrapOptions, logger Logger) (*ConfigManager, *AppConfig, error) {
	manager := NewConfigManager(logger, nil)
	manager.SetSchema(appSchema())
	setDefaults(manager)
	if err := addValidators(manager); err != nil {
		return nil, nil, err
	}

	if len(opts.ConfigPaths) > 0 {
		manager.AddSource(NewFileSource(opts.ConfigPaths, PriorityFile))
	}
	dotenv := opts.DotenvPaths
	if dotenv == nil {
		dotenv = []string{".env"}
	}
	manager.AddSource(NewDotenvSource(dotenv, EnvPrefix, PriorityDotenv))
	manager.AddSource(NewEnvironmentSource(EnvPrefix, PriorityEnvironment))
	if len(opts.Flags) > 0 {
		manager.AddSource(NewFlagSource(opts.Flags, PriorityFlag))
	}

	if err := manager.Load(ctx); err != nil {
		return nil, nil, err
	}

	var app AppConfig
	if err := manager.Unmarshal("", &app); err != nil {
		return nil, nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	store, err := NewSecretStore(app.Secrets, logger)
	if err != nil {
		return nil, nil, err
	}
	if store != nil {
		manager.SetSecretStore(store)
		// secret:// references can only be resolved now.
		if err := manager.Unmarshal("", &app); err != nil {
			return nil, nil, fmt.Errorf("failed to decode configuration: %w", err)
		}
	}
	return manager, &app, nil
}

// NewSecretStore creates the store named by cfg.Backend. The "none" backend
// returns a nil store.
func NewSecretStore(cfg SecretsConfig, logger Logger) (SecretStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "file":
		encryption, err := NewAESEncryption([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("file secret store: %w", err)
		}
		return NewFileSecretStore(filepath.Clean(cfg.Dir), encryption, logger)
	case "vault":
		return NewVaultSecretStore(VaultOptions{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Mount:     cfg.Vault.Mount,
			KVVersion: cfg.Vault.KVVersion,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown secret backend %q", cfg.Backend)
	}
}

func appSchema() *ConfigSchema {
	return &ConfigSchema{Properties: map[string]*SchemaNode{
		"auth": {Type: "object", Properties: map[string]*SchemaNode{
			"token_secret": {Secret: true, Description: "HMAC key for session tokens"},
			"ttl":          {Type: "duration"},
		}},
		"secrets": {Type: "object", Properties: map[string]*SchemaNode{
			"encryption_key": {Secret: true},
			"vault": {Type: "object", Properties: map[string]*SchemaNode{
				"token":      {Secret: true},
				"kv_version": {Type: "integer", Min: Bound(1), Max: Bound(2)},
			}},
		}},
	}}
}

func setDefaults(manager *ConfigManager) {
	manager.SetDefault("server.name", "modhost")
	manager.SetDefault("server.version", "0.1.0")

	manager.SetDefault("logging.level", "info")
	manager.SetDefault("logging.format", "text")
	manager.SetDefault("logging.output", "stderr")

	manager.SetDefault("plugins.directory", "./plugins")
	manager.SetDefault("plugins.workers", 16)
	manager.SetDefault("plugins.slow_threshold", "500ms")
	manager.SetDefault("plugins.startup_timeout", "30s")
	manager.SetDefault("plugins.health_check", true)

	manager.SetDefault("auth.issuer", "modhost")
	manager.SetDefault("auth.ttl", "24h")
	manager.SetDefault("auth.algorithm", "HS256")

	manager.SetDefault("secrets.backend", "none")
	manager.SetDefault("secrets.dir", "./secrets")
	manager.SetDefault("secrets.vault.mount", "secret")
	manager.SetDefault("secrets.vault.kv_version", 2)
}

func addValidators(manager *ConfigManager) error {
	manager.AddValidator("logging.level", &EnumValidator{
		Allowed: []interface{}{"trace", "debug", "info", "warn", "error", "off"},
	})
	manager.AddValidator("logging.format", &EnumValidator{Allowed: []interface{}{"text", "json"}})
	manager.AddValidator("logging.output", &EnumValidator{Allowed: []interface{}{"stdout", "stderr"}})

	manager.AddValidator("plugins.directory", &RequiredValidator{})
	manager.AddValidator("plugins.workers", &RangeValidator{Min: 1, Max: 1024})
	manager.AddValidator("plugins.slow_threshold", &DurationValidator{Min: time.Millisecond})
	manager.AddValidator("plugins.startup_timeout", &DurationValidator{})

	manager.AddValidator("auth.algorithm", &EnumValidator{
		Allowed: []interface{}{"HS256", "HS384", "HS512"},
	})
	manager.AddValidator("auth.ttl", &DurationValidator{Min: time.Second})
	manager.AddValidator("auth.roles_file", Optional{PathValidator{Kind: "file"}})
	manager.AddValidator("secrets.vault.address", Optional{URLValidator{Schemes: []string{"http", "https"}}})
	manager.AddValidator("secrets.backend", &EnumValidator{
		Allowed: []interface{}{"none", "file", "vault"},
	})

	issuer, err := NewPatternValidator(`^[A-Za-z0-9._:/-]+$`)
	if err != nil {
		return err
	}
	manager.AddValidator("auth.issuer", issuer)
	return nil
}
