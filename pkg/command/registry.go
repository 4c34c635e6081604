// Package command maps chat and console commands onto plugin methods.
package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"modhost/pkg/plugin"
)

var (
	// ErrNameRequired indicates a command registered without a name.
	ErrNameRequired = errors.New("command name is required")
	// ErrOwnerRequired indicates a command registered without an owning plugin.
	ErrOwnerRequired = errors.New("command owner is required")
	// ErrCommandExists indicates a name or alias that is already taken.
	ErrCommandExists = errors.New("command already registered")
	// ErrUnknownCommand indicates a line naming no registered command.
	ErrUnknownCommand = errors.New("unknown command")
)

// Command is a registered command together with the plugin that owns it.
type Command struct {
	Owner string
	plugin.CommandSpec
}

// Registry stores commands by name and alias. It implements
// plugin.CommandProvider.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Command
	byOwner map[string][]*Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Command),
		byOwner: make(map[string][]*Command),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a command for owner. Names and aliases are case-insensitive
// and share one namespace. Method defaults to the command name.
func (r *Registry) Register(owner string, spec plugin.CommandSpec) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return ErrOwnerRequired
	}
	spec.Name = normalize(spec.Name)
	if spec.Name == "" {
		return ErrNameRequired
	}
	if strings.TrimSpace(spec.Method) == "" {
		spec.Method = spec.Name
	}

	names := []string{spec.Name}
	aliases := make([]string, 0, len(spec.Aliases))
	for _, alias := range spec.Aliases {
		alias = normalize(alias)
		if alias == "" || alias == spec.Name || contains(aliases, alias) {
			continue
		}
		aliases = append(aliases, alias)
	}
	spec.Aliases = aliases
	names = append(names, aliases...)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if existing, ok := r.byName[name]; ok {
			return fmt.Errorf("%w: %s (owned by %s)", ErrCommandExists, name, existing.Owner)
		}
	}

	cmd := &Command{Owner: owner, CommandSpec: spec}
	for _, name := range names {
		r.byName[name] = cmd
	}
	r.byOwner[owner] = append(r.byOwner[owner], cmd)
	return nil
}

// UnregisterOwner removes every command owned by owner and returns how many
// were removed.
func (r *Registry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmds := r.byOwner[owner]
	for _, cmd := range cmds {
		delete(r.byName, cmd.Name)
		for _, alias := range cmd.Aliases {
			delete(r.byName, alias)
		}
	}
	delete(r.byOwner, owner)
	return len(cmds)
}

// Lookup finds a command by name or alias.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmd, ok := r.byName[normalize(name)]
	if !ok {
		return Command{}, false
	}
	return *cmd, true
}

// List returns a snapshot of every command, sorted by name.
func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Command
	for _, cmds := range r.byOwner {
		for _, cmd := range cmds {
			out = append(out, *cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
