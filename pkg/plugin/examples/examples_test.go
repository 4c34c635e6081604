package examples

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modhost/pkg/auth"
	"modhost/pkg/auth/rbac"
	"modhost/pkg/command"
	"modhost/pkg/config"
	"modhost/pkg/plugin"
)

type tokens map[string]*auth.Identity

func (t tokens) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	if id, ok := t[token]; ok {
		return id, nil
	}
	return nil, auth.ErrInvalidToken
}

type host struct {
	manager    *plugin.Manager
	commands   *command.Registry
	dispatcher *command.Dispatcher
	greeter    *Greeter
}

func newHost(t *testing.T, settings map[string]interface{}) *host {
	t.Helper()

	cfg := config.NewConfigManager(nil, nil)
	for k, v := range settings {
		cfg.SetDefault(k, v)
	}

	roles := rbac.NewAuthorizer()
	require.NoError(t, roles.AddRole(&auth.Role{Name: "admin", Permissions: []string{"*:*"}}))
	require.NoError(t, roles.AddRole(&auth.Role{Name: "player", Permissions: []string{"economy:pay"}}))
	require.NoError(t, roles.AssignRole("u-alice", "admin"))
	require.NoError(t, roles.AssignRole("u-bob", "player"))

	commands := command.NewRegistry()
	manager := plugin.NewManager(plugin.Services{
		Config:   config.NewPluginConfigProvider(cfg),
		Commands: commands,
		Roles:    roles,
	})

	catalog := plugin.NewCatalog()
	require.NoError(t, Register(catalog))
	assert.ErrorIs(t, Register(catalog), plugin.ErrFactoryExists)

	h := &host{manager: manager, commands: commands}
	for _, name := range []string{EconomyFactory, GreeterFactory} {
		p, err := catalog.New(name)
		require.NoError(t, err)
		_, err = manager.Add(p)
		require.NoError(t, err)
		if g, ok := p.(*Greeter); ok {
			h.greeter = g
		}
	}

	h.dispatcher = command.NewDispatcher(commands, tokens{
		"alice": {UserID: "u-alice", Username: "alice"},
		"bob":   {UserID: "u-bob", Username: "bob"},
		"carol": {UserID: "u-carol", Username: "carol"},
	}, roles, manager, nil)
	return h
}

func TestExamplesLoadInDependencyOrder(t *testing.T) {
	h := newHost(t, nil)
	ctx := context.Background()

	require.NoError(t, h.manager.LoadAll(ctx, plugin.StartupConfig{HealthCheck: true}))
	defer func() { assert.NoError(t, h.manager.UnloadAll(ctx)) }()

	infos := h.manager.List()
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, plugin.StateLoaded.String(), info.State)
	}

	names := make([]string, 0)
	for _, c := range h.commands.List() {
		names = append(names, c.Owner+"/"+c.Name)
	}
	assert.Equal(t, []string{"economy/balance", "greeter/hello", "economy/pay"}, names)

	// economy needs greeter, so greeter cannot go first.
	assert.ErrorIs(t, h.manager.Unload(ctx, "greeter"), plugin.ErrDependentsRunning)
}

func TestGreeterConfig(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]interface{}
		want     string
	}{
		{"default", nil, "Hello, steve!"},
		{"locale", map[string]interface{}{"plugins.greeter.locale": "es"}, "¡Hola, steve!"},
		{"shared default locale", map[string]interface{}{"plugins.defaults.locale": "de"}, "Hallo, steve!"},
		{"custom greeting", map[string]interface{}{"plugins.greeter.greeting": "Welcome back"}, "Welcome back steve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHost(t, tt.settings)
			ctx := context.Background()
			require.NoError(t, h.manager.LoadAll(ctx, plugin.StartupConfig{}))

			greeter, ok := h.manager.Lookup("greeter")
			require.True(t, ok)
			got, err := plugin.CallAs[string](ctx, greeter, "Greet", "steve")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			n, err := plugin.CallAs[int](ctx, greeter, "Greeted")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, h.manager.UnloadAll(ctx))
			_, err = h.greeter.Greeted(ctx)
			assert.NoError(t, err)
		})
	}

	t.Run("unknown locale fails the load", func(t *testing.T) {
		h := newHost(t, map[string]interface{}{"plugins.greeter.locale": "xx"})
		err := h.manager.LoadAll(context.Background(), plugin.StartupConfig{})
		assert.ErrorIs(t, err, plugin.ErrPluginLoad)
	})
}

func TestEconomyStartBalance(t *testing.T) {
	balanceAfterLoad := func(t *testing.T, settings map[string]interface{}) int {
		t.Helper()
		h := newHost(t, settings)
		ctx := context.Background()
		require.NoError(t, h.manager.LoadAll(ctx, plugin.StartupConfig{}))
		economy, ok := h.manager.Lookup("economy")
		require.True(t, ok)
		n, err := plugin.CallAs[int](ctx, economy, "Balance", "steve")
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, 100, balanceAfterLoad(t, nil))
	assert.Equal(t, 0, balanceAfterLoad(t, map[string]interface{}{"plugins.economy.start_balance": 0}))
	assert.Equal(t, 25, balanceAfterLoad(t, map[string]interface{}{"plugins.defaults.start_balance": "25"}))

	t.Run("undecodable value fails the load", func(t *testing.T) {
		h := newHost(t, map[string]interface{}{"plugins.economy.start_balance": "lots"})
		err := h.manager.LoadAll(context.Background(), plugin.StartupConfig{})
		assert.ErrorIs(t, err, plugin.ErrPluginLoad)
		var mismatch *plugin.TypeMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, "start_balance", mismatch.Name)
	})
}

func TestEconomyCommands(t *testing.T) {
	h := newHost(t, map[string]interface{}{
		"plugins.economy.currency":      "gems",
		"plugins.economy.start_balance": "50",
	})
	ctx := context.Background()
	require.NoError(t, h.manager.LoadAll(ctx, plugin.StartupConfig{}))

	res, err := h.dispatcher.Dispatch(ctx, "bob", "/pay carol 20")
	require.NoError(t, err)
	assert.Equal(t, "paid 20 gems to carol (Hello, carol!)", res.Value)

	res, err = h.dispatcher.Dispatch(ctx, "bob", "/bal")
	require.NoError(t, err)
	assert.Equal(t, "bob has 30 gems", res.Value)

	res, err = h.dispatcher.Dispatch(ctx, "alice", "/balance carol")
	require.NoError(t, err)
	assert.Equal(t, "carol has 70 gems", res.Value)

	_, err = h.dispatcher.Dispatch(ctx, "bob", "/balance carol")
	assert.ErrorIs(t, err, command.ErrForbidden)

	_, err = h.dispatcher.Dispatch(ctx, "carol", "/pay bob 1")
	assert.ErrorIs(t, err, command.ErrForbidden, "carol has no pay permission")

	_, err = h.dispatcher.Dispatch(ctx, "bob", "/give carol 1000")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = h.dispatcher.Dispatch(ctx, "bob", "/give carol -5")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	res, err = h.dispatcher.Dispatch(ctx, "carol", "/hi there")
	require.NoError(t, err)
	assert.Equal(t, "Hello, there!", res.Value)
}

func TestEconomyMethods(t *testing.T) {
	h := newHost(t, nil)
	ctx := context.Background()
	require.NoError(t, h.manager.LoadAll(ctx, plugin.StartupConfig{}))

	economy, ok := h.manager.Lookup("economy")
	require.True(t, ok)

	balance, err := plugin.CallAs[int](ctx, economy, "Deposit", "dave", 25)
	require.NoError(t, err)
	assert.Equal(t, defaultStartBalance+25, balance)

	balance, err = plugin.CallAs[int](ctx, economy, "Balance", "dave")
	require.NoError(t, err)
	assert.Equal(t, defaultStartBalance+25, balance)

	currency, err := plugin.CallAs[string](ctx, economy, "Currency")
	require.NoError(t, err)
	assert.Equal(t, "coins", currency)

	_, err = plugin.CallAs[int](ctx, economy, "Deposit", "dave", "lots")
	var argErr *plugin.ArgumentError
	assert.ErrorAs(t, err, &argErr)

	adapter, err := h.manager.Get("economy")
	require.NoError(t, err)
	res := <-adapter.CallAsync(ctx, "Deposit", "erin", 0)
	assert.Equal(t, plugin.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrInvalidAmount)
}
