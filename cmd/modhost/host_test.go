package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modhost/pkg/auth"
	"modhost/pkg/command"
	"modhost/pkg/plugin"
)

const rolesYAML = `
roles:
  - name: player
    permissions: ["economy:pay"]
  - name: admin
    permissions: ["*"]
assignments:
  u-steve: [player]
`

// writeSetup lays out a config file, a roles file and a plugin directory
// with manifests for both built-in plugins.
func writeSetup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "plugins")
	require.NoError(t, os.MkdirAll(pluginDir, 0755))

	write := func(path, content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	write(filepath.Join(pluginDir, "greeter.plugin.yaml"), "factory: greeter\nconfig:\n  locale: de\n")
	write(filepath.Join(pluginDir, "economy.plugin.yaml"), "factory: economy\nconfig:\n  currency: coins\n")
	write(filepath.Join(pluginDir, "notes.txt"), "not a manifest")
	write(filepath.Join(dir, "roles.yaml"), rolesYAML)

	configPath := filepath.Join(dir, "modhost.yaml")
	write(configPath, `
server:
  name: test-host
logging:
  level: error
plugins:
  directory: `+pluginDir+`
  economy:
    currency: gems
auth:
  token_secret: cmd-test-secret
  roles_file: `+filepath.Join(dir, "roles.yaml")+`
`)
	return configPath
}

func newTestHost(t *testing.T, configPath string) *host {
	t.Helper()
	h, err := newHost(context.Background(), hostOptions{
		ConfigPaths: []string{configPath},
		DotenvPaths: []string{},
		LogOutput:   &bytes.Buffer{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, h.Close(context.Background())) })
	return h
}

func TestHostLoadsManifests(t *testing.T) {
	h := newTestHost(t, writeSetup(t))
	ctx := context.Background()
	require.NoError(t, h.loadPlugins(ctx))

	assert.Equal(t, 2, h.manager.Len())
	path, ok := h.loader.Source("greeter")
	require.True(t, ok)
	assert.Equal(t, "greeter.plugin.yaml", filepath.Base(path))

	greeter, ok := h.manager.Lookup("greeter")
	require.True(t, ok)
	got, err := plugin.CallAs[string](ctx, greeter, "Greet", "steve")
	require.NoError(t, err)
	assert.Equal(t, "Hallo, steve!", got, "manifest config seeds the locale")

	economy, ok := h.manager.Lookup("economy")
	require.True(t, ok)
	currency, err := plugin.CallAs[string](ctx, economy, "Currency")
	require.NoError(t, err)
	assert.Equal(t, "gems", currency, "config file wins over manifest defaults")
}

func TestHostDispatchesWithIssuedToken(t *testing.T) {
	h := newTestHost(t, writeSetup(t))
	ctx := context.Background()
	require.NoError(t, h.loadPlugins(ctx))

	steve, err := h.issueToken(auth.Identity{UserID: "u-steve", Username: "steve"})
	require.NoError(t, err)
	res, err := h.dispatcher.Dispatch(ctx, steve, "/pay alex 10")
	require.NoError(t, err)
	assert.Equal(t, "paid 10 gems to alex (Hallo, alex!)", res.Value)

	guest, err := h.issueToken(auth.Identity{UserID: "u-guest", Username: "guest"})
	require.NoError(t, err)
	_, err = h.dispatcher.Dispatch(ctx, guest, "/pay alex 10")
	assert.ErrorIs(t, err, command.ErrForbidden)

	// Roles carried by the token count too.
	boss, err := h.issueToken(auth.Identity{UserID: "u-boss", Username: "boss", Roles: []string{"admin"}})
	require.NoError(t, err)
	res, err = h.dispatcher.Dispatch(ctx, boss, "/balance steve")
	require.NoError(t, err)
	assert.Equal(t, "steve has 90 gems", res.Value)

	_, err = h.dispatcher.Dispatch(ctx, "garbage", "/balance")
	assert.ErrorIs(t, err, command.ErrUnauthenticated)
}

func TestHostFallsBackToBuiltins(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "modhost.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(
		"logging:\n  level: error\nplugins:\n  directory: "+filepath.Join(dir, "missing")+"\n"), 0644))

	h := newTestHost(t, configPath)
	require.NoError(t, h.loadPlugins(context.Background()))
	assert.Equal(t, 2, h.manager.Len())

	_, err := h.issueToken(auth.Identity{UserID: "u-1"})
	assert.ErrorIs(t, err, errNoTokenSecret)

	_, err = h.dispatcher.Dispatch(context.Background(), "any", "/hello")
	assert.ErrorIs(t, err, command.ErrUnauthenticated)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLICall(t *testing.T) {
	configPath := writeSetup(t)

	out, err := runCLI(t, "--config", configPath, "call", "economy", "Deposit", "steve", "5")
	require.NoError(t, err)

	var res map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "ok", res["status"])
	assert.EqualValues(t, 105, res["value"])

	_, err = runCLI(t, "--config", configPath, "call", "economy", "Missing")
	assert.Error(t, err)

	_, err = runCLI(t, "--config", configPath, "call", "nobody", "Greet", "x")
	assert.ErrorIs(t, err, plugin.ErrPluginNotFound)
}

func TestCLITokenAndExec(t *testing.T) {
	configPath := writeSetup(t)

	token, err := runCLI(t, "--config", configPath, "token", "issue", "--user", "u-steve", "--name", "steve")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	out, err := runCLI(t, "--config", configPath, "exec", "--token", token[:len(token)-1], "/bal")
	require.NoError(t, err)
	assert.Contains(t, out, "steve has 100 gems")
}

func TestCLIConfigGetMasksSecrets(t *testing.T) {
	configPath := writeSetup(t)

	out, err := runCLI(t, "--config", configPath, "config", "get", "auth.token_secret")
	require.NoError(t, err)
	assert.NotContains(t, out, "cmd-test-secret")
	assert.Contains(t, out, `"secret": true`)

	out, err = runCLI(t, "--config", configPath, "--log-level", "warn", "config", "get", "logging.level")
	require.NoError(t, err)
	assert.Contains(t, out, `"value": "warn"`)
	assert.Contains(t, out, `"source": "flag"`)

	out, err = runCLI(t, "--config", configPath, "config", "get", "auth")
	require.NoError(t, err)
	assert.NotContains(t, out, "cmd-test-secret")
}

func TestParseArg(t *testing.T) {
	assert.Equal(t, 42, parseArg("42"))
	assert.Equal(t, 1.5, parseArg("1.5"))
	assert.Equal(t, true, parseArg("TRUE"))
	assert.Equal(t, "1e3", parseArg("1e3"))
	assert.Equal(t, "steve", parseArg("steve"))
}
