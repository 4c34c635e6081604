package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/hashicorp/go-hclog"

	"modhost/pkg/auth"
	"modhost/pkg/auth/jwt"
	"modhost/pkg/auth/rbac"
	"modhost/pkg/command"
	"modhost/pkg/config"
	"modhost/pkg/logging"
	"modhost/pkg/plugin"
	"modhost/pkg/plugin/examples"
)

var errNoTokenSecret = errors.New("auth.token_secret is not configured")

type serverInfo struct {
	name    string
	version string
}

func (s serverInfo) Name() string    { return s.name }
func (s serverInfo) Version() string { return s.version }

type hostOptions struct {
	ConfigPaths []string
	DotenvPaths []string
	Flags       map[string]interface{}
	// LogOutput overrides logging.output when set.
	LogOutput io.Writer
}

// host is the wired process: configuration, identity, commands and plugins.
type host struct {
	config     *config.ConfigManager
	app        *config.AppConfig
	logger     hclog.Logger
	roles      *rbac.Authorizer
	tokens     *jwt.Provider
	commands   *command.Registry
	catalog    *plugin.Catalog
	manager    *plugin.Manager
	loader     *plugin.Loader
	dispatcher *command.Dispatcher
}

func newHost(ctx context.Context, opts hostOptions) (*host, error) {
	bootLogger, err := logging.New(logging.Options{Level: "warn", Output: opts.LogOutput})
	if err != nil {
		return nil, err
	}

	cfg, app, err := config.Bootstrap(ctx, config.BootstrapOptions{
		ConfigPaths: opts.ConfigPaths,
		DotenvPaths: opts.DotenvPaths,
		Flags:       opts.Flags,
	}, bootLogger)
	if err != nil {
		return nil, err
	}

	output := opts.LogOutput
	if output == nil {
		if output, err = logging.OutputFor(app.Logging.Output); err != nil {
			return nil, err
		}
	}
	logger, err := logging.New(logging.Options{
		Name:   app.Server.Name,
		Level:  app.Logging.Level,
		Format: app.Logging.Format,
		Output: output,
	})
	if err != nil {
		return nil, err
	}

	h := &host{
		config:   cfg,
		app:      app,
		logger:   logger,
		roles:    rbac.NewAuthorizer(),
		commands: command.NewRegistry(),
		catalog:  plugin.NewCatalog(),
	}

	if app.Auth.RolesFile != "" {
		if err := h.roles.LoadFile(app.Auth.RolesFile); err != nil {
			return nil, err
		}
	}

	var verifier auth.TokenVerifier
	if app.Auth.TokenSecret != "" {
		h.tokens, err = jwt.NewProvider(jwt.Config{
			SecretKey:  app.Auth.TokenSecret,
			Algorithm:  app.Auth.Algorithm,
			Issuer:     app.Auth.Issuer,
			Expiration: app.Auth.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create token provider: %w", err)
		}
		verifier = h.tokens
	} else {
		logger.Warn("auth.token_secret is empty, command dispatch is disabled")
	}

	if err := examples.Register(h.catalog); err != nil {
		return nil, err
	}

	h.manager = plugin.NewManager(plugin.Services{
		Logger:   logging.Named(logger, "plugins"),
		Config:   config.NewPluginConfigProvider(cfg),
		Commands: h.commands,
		Roles:    h.roles,
		Server:   serverInfo{name: app.Server.Name, version: app.Server.Version},
	},
		plugin.WithWorkers(app.Plugins.Workers),
		plugin.WithSlowThreshold(app.Plugins.SlowThreshold),
	)
	h.loader = plugin.NewLoader(h.manager, h.catalog, cfg)
	h.dispatcher = command.NewDispatcher(h.commands, verifier, h.roles, h.manager,
		logging.Named(logger, "commands"))
	return h, nil
}

// loadPlugins reads the manifests of the plugin directory and loads them. A
// missing directory enables every built-in plugin instead.
func (h *host) loadPlugins(ctx context.Context) error {
	err := h.loader.LoadDir(ctx, h.app.Plugins.Directory)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		h.logger.Warn("plugin directory not found, enabling built-in plugins",
			"directory", h.app.Plugins.Directory)
		for _, name := range h.catalog.Names() {
			p, err := h.catalog.New(name)
			if err != nil {
				return err
			}
			if _, err := h.manager.Add(p); err != nil {
				return err
			}
		}
	case err != nil:
		return err
	}

	return h.manager.LoadAll(ctx, plugin.StartupConfig{
		Timeout:     h.app.Plugins.StartupTimeout,
		HealthCheck: h.app.Plugins.HealthCheck,
	})
}

func (h *host) issueToken(id auth.Identity) (string, error) {
	if h.tokens == nil {
		return "", errNoTokenSecret
	}
	return h.tokens.Issue(id)
}

func (h *host) Close(ctx context.Context) error {
	err := h.manager.UnloadAll(ctx)
	h.config.Close()
	return err
}
