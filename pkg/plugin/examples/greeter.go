// Package examples holds plugins compiled into the modhost binary.
package examples

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"modhost/pkg/command"
	"modhost/pkg/plugin"
)

const (
	GreeterFactory = "greeter"
	EconomyFactory = "economy"
)

// Register adds every example plugin to catalog.
func Register(catalog *plugin.Catalog) error {
	if err := catalog.Register(GreeterFactory, func() plugin.Plugin { return NewGreeter() }); err != nil {
		return err
	}
	return catalog.Register(EconomyFactory, func() plugin.Plugin { return NewEconomy() })
}

var greetings = map[string]string{
	"en": "Hello, %s!",
	"es": "¡Hola, %s!",
	"de": "Hallo, %s!",
}

// Greeter greets players in their configured language.
type Greeter struct {
	mu           sync.Mutex
	host         plugin.Host
	translations map[string]string
	format       string
	greeted      int
}

func NewGreeter() *Greeter {
	return &Greeter{}
}

func (g *Greeter) Metadata() plugin.PluginMetadata {
	return plugin.PluginMetadata{
		Title:       "greeter",
		Version:     "1.2.0",
		Author:      "modhost",
		Description: "Greets players by name",
	}
}

func (g *Greeter) LoadTranslations(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.translations = make(map[string]string, len(greetings))
	for locale, format := range greetings {
		g.translations[locale] = format
	}
	return nil
}

func (g *Greeter) CollectMethods(reg *plugin.MethodRegistry) error {
	if err := reg.Register("Greet", plugin.Func1(g.Greet)); err != nil {
		return err
	}
	if err := reg.Register("Greeted", plugin.Func0(g.Greeted)); err != nil {
		return err
	}
	return reg.Register("HelloCommand", plugin.Func1(g.helloCommand))
}

func (g *Greeter) OnEnable(ctx context.Context, host plugin.Host) error {
	locale := configOr(ctx, host, "locale", "en")

	g.mu.Lock()
	format, ok := g.translations[locale]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unsupported locale %q", locale)
	}
	if custom := configOr(ctx, host, "greeting", ""); custom != "" {
		format = custom
	}
	if !strings.Contains(format, "%s") {
		format += " %s"
	}
	g.format = format
	g.host = host
	g.greeted = 0
	g.mu.Unlock()

	commands := host.Commands()
	if commands == nil {
		return nil
	}
	return commands.Register(host.Metadata().Title, plugin.CommandSpec{
		Name:        "hello",
		Aliases:     []string{"hi"},
		Method:      "HelloCommand",
		Usage:       "/hello [name]",
		Description: "Say hello",
	})
}

func (g *Greeter) OnDisable(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.host = nil
	return nil
}

// Greet returns the greeting for name.
func (g *Greeter) Greet(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("name is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.greeted++
	return fmt.Sprintf(g.format, name), nil
}

func (g *Greeter) Greeted(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.greeted, nil
}

func (g *Greeter) helloCommand(ctx context.Context, inv *command.Invocation) (string, error) {
	name := inv.Identity.Username
	if len(inv.Args) > 0 {
		name = strings.Join(inv.Args, " ")
	}
	return g.Greet(ctx, name)
}

// configOr reads a string setting, falling back when it is unset.
func configOr(ctx context.Context, host plugin.Host, key, fallback string) string {
	v, err := plugin.GetConfig[string](ctx, host, key)
	if err != nil || v == "" {
		return fallback
	}
	return v
}
