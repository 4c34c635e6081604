package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"modhost/pkg/auth"
	"modhost/pkg/plugin"
)

var (
	// ErrUnauthenticated indicates a missing or rejected session token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates the caller lacks the command's permission.
	ErrForbidden = errors.New("forbidden")
	// ErrOwnerUnavailable indicates the owning plugin is not registered.
	ErrOwnerUnavailable = errors.New("command owner unavailable")
)

// Invocation is what a command handler receives as its only argument.
type Invocation struct {
	Command  string
	Args     []string
	Identity *auth.Identity
}

// Dispatcher turns command lines into plugin method calls.
type Dispatcher struct {
	commands *Registry
	verifier auth.TokenVerifier
	roles    plugin.RolesProvider
	plugins  plugin.PluginManager
	logger   plugin.Logger
}

func NewDispatcher(commands *Registry, verifier auth.TokenVerifier, roles plugin.RolesProvider,
	plugins plugin.PluginManager, logger plugin.Logger,
) *Dispatcher {
	if logger == nil {
		logger = plugin.NopLogger()
	}
	return &Dispatcher{
		commands: commands,
		verifier: verifier,
		roles:    roles,
		plugins:  plugins,
		logger:   logger,
	}
}

// Parse splits a command line into the command name and its arguments. A
// leading slash is ignored.
func Parse(line string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// Dispatch verifies token, checks the command's permission and calls the
// owning plugin's method with an *Invocation.
func (d *Dispatcher) Dispatch(ctx context.Context, token, line string) (plugin.Result, error) {
	name, args := Parse(line)
	if name == "" {
		return plugin.Result{}, fmt.Errorf("%w: empty command line", ErrUnknownCommand)
	}
	cmd, ok := d.commands.Lookup(name)
	if !ok {
		return plugin.Result{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	if d.verifier == nil {
		return plugin.Result{}, ErrUnauthenticated
	}
	identity, err := d.verifier.Verify(ctx, token)
	if err != nil {
		return plugin.Result{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	ctx = auth.WithIdentity(ctx, identity)

	if err := d.authorize(ctx, identity, cmd); err != nil {
		d.logger.Warn("command denied", "command", cmd.Name, "user", identity.UserID, "error", err)
		return plugin.Result{}, err
	}

	caller, ok := d.plugins.Lookup(cmd.Owner)
	if !ok {
		return plugin.Result{}, fmt.Errorf("%w: %s", ErrOwnerUnavailable, cmd.Owner)
	}

	res := caller.Call(ctx, cmd.Method, &Invocation{Command: cmd.Name, Args: args, Identity: identity})
	d.logger.Debug("command dispatched", "command", cmd.Name, "plugin", cmd.Owner,
		"user", identity.UserID, "status", res.Status.String())

	switch res.Status {
	case plugin.StatusNotFound:
		return res, fmt.Errorf("%w: %s in %s", plugin.ErrMethodNotFound, cmd.Method, cmd.Owner)
	case plugin.StatusFailed:
		return res, res.Err
	}
	return res, nil
}

func (d *Dispatcher) authorize(ctx context.Context, identity *auth.Identity, cmd Command) error {
	if cmd.Permission == "" {
		return nil
	}
	perm, err := auth.ParsePermission(cmd.Permission)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if d.roles == nil {
		return fmt.Errorf("%w: no roles provider", ErrForbidden)
	}
	allowed, err := d.roles.Authorize(ctx, identity.UserID, perm.Resource, perm.Action)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, cmd.Name, perm)
	}
	return nil
}
