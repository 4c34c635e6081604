// Command modhost runs the plugin host and offers a few maintenance commands
// against the same configuration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"modhost/pkg/auth"
	"modhost/pkg/config"
	"modhost/pkg/plugin"
)

type globalFlags struct {
	configPaths []string
	envFiles    []string
	pluginDir   string
	logLevel    string
	logFormat   string
}

// overrides returns the flags the user actually set, keyed by config key.
func (g *globalFlags) overrides(cmd *cobra.Command) map[string]interface{} {
	out := make(map[string]interface{})
	flags := cmd.Flags()
	if flags.Changed("plugins") {
		out["plugins.directory"] = g.pluginDir
	}
	if flags.Changed("log-level") {
		out["logging.level"] = g.logLevel
	}
	if flags.Changed("log-format") {
		out["logging.format"] = g.logFormat
	}
	return out
}

func (g *globalFlags) options(cmd *cobra.Command) hostOptions {
	return hostOptions{
		ConfigPaths: g.configPaths,
		DotenvPaths: g.envFiles,
		Flags:       g.overrides(cmd),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "modhost",
		Short:         "Plugin host",
		Long:          "modhost loads plugins, routes commands to them and lets them call each other.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringSliceVar(&flags.configPaths, "config", []string{"modhost.yaml"}, "Configuration files, later files win")
	pf.StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "Dotenv files")
	pf.StringVar(&flags.pluginDir, "plugins", "", "Plugin manifest directory")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(flags),
		newCallCmd(flags),
		newExecCmd(flags),
		newPluginsCmd(flags),
		newTokenCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

// withPlugins builds the host, loads its plugins, runs fn and unloads them
// again.
func withPlugins(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, h *host) error) error {
	ctx := cmd.Context()
	h, err := newHost(ctx, flags.options(cmd))
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			h.logger.Error("shutdown failed", "error", err)
		}
	}()

	if err := h.loadPlugins(ctx); err != nil {
		return err
	}
	return fn(ctx, h)
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load every plugin and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugins(cmd, flags, func(ctx context.Context, h *host) error {
				h.config.AddWatcher("*", config.WatcherFunc(func(change config.ConfigChange) {
					h.logger.Info("configuration changed", "key", change.Key, "source", change.Source.String())
				}))
				if watch {
					if err := h.config.WatchFiles(ctx); err != nil {
						return err
					}
				}

				h.logger.Info("host started", "server", h.app.Server.Name,
					"version", h.app.Server.Version, "plugins", h.manager.Len())
				<-ctx.Done()
				h.logger.Info("shutting down")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload configuration when its files change")
	return cmd
}

func newCallCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call <plugin> <method> [args...]",
		Short: "Invoke a plugin method and print the result",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugins(cmd, flags, func(ctx context.Context, h *host) error {
				caller, ok := h.manager.Lookup(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, args[0])
				}
				callArgs := make([]interface{}, 0, len(args)-2)
				for _, raw := range args[2:] {
					callArgs = append(callArgs, parseArg(raw))
				}
				return printResult(cmd.OutOrStdout(), caller.Call(ctx, args[1], callArgs...))
			})
		},
	}
}

func newExecCmd(flags *globalFlags) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "exec <command line>",
		Short: "Dispatch a command as the holder of a session token",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv(config.EnvPrefix + "TOKEN")
			}
			return withPlugins(cmd, flags, func(ctx context.Context, h *host) error {
				res, err := h.dispatcher.Dispatch(ctx, token, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Session token (defaults to $MODHOST_TOKEN)")
	return cmd
}

func newPluginsCmd(flags *globalFlags) *cobra.Command {
	plugins := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect plugins",
	}

	plugins.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Load every plugin and print its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugins(cmd, flags, func(ctx context.Context, h *host) error {
				return writeJSON(cmd.OutOrStdout(), h.manager.List())
			})
		},
	})

	plugins.AddCommand(&cobra.Command{
		Use:   "commands",
		Short: "Print the commands registered by plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlugins(cmd, flags, func(ctx context.Context, h *host) error {
				out := cmd.OutOrStdout()
				for _, c := range h.commands.List() {
					fmt.Fprintf(out, "%-10s %-10s %s\n", c.Name, c.Owner, c.Usage)
				}
				return nil
			})
		},
	})

	plugins.AddCommand(&cobra.Command{
		Use:   "catalog",
		Short: "Print the plugins compiled into this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(cmd.Context(), flags.options(cmd))
			if err != nil {
				return err
			}
			defer h.config.Close()
			for _, name := range h.catalog.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})
	return plugins
}

func newTokenCmd(flags *globalFlags) *cobra.Command {
	var (
		userID   string
		username string
		roles    []string
	)

	token := &cobra.Command{
		Use:   "token",
		Short: "Manage session tokens",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(cmd.Context(), flags.options(cmd))
			if err != nil {
				return err
			}
			defer h.config.Close()

			if username == "" {
				username = userID
			}
			signed, err := h.issueToken(auth.Identity{UserID: userID, Username: username, Roles: roles})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	issue.Flags().StringVar(&userID, "user", "", "User ID (subject)")
	issue.Flags().StringVar(&username, "name", "", "Display name, defaults to the user ID")
	issue.Flags().StringSliceVar(&roles, "role", nil, "Roles carried by the token")
	_ = issue.MarkFlagRequired("user")

	token.AddCommand(issue)
	return token
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cfg.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one value, secrets masked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(cmd.Context(), flags.options(cmd))
			if err != nil {
				return err
			}
			defer h.config.Close()

			value, err := h.config.Describe(args[0])
			if err != nil {
				sub := h.config.GetSub(args[0])
				if len(sub) == 0 {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), maskSub(h.config, args[0], sub))
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"key":    args[0],
				"value":  value.Value,
				"source": value.Source.String(),
				"secret": value.IsSecret,
			})
		},
	})

	cfg.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every key with its source",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(cmd.Context(), flags.options(cmd))
			if err != nil {
				return err
			}
			defer h.config.Close()

			out := cmd.OutOrStdout()
			for _, key := range h.config.Keys() {
				value, err := h.config.Describe(key)
				if err != nil {
					continue
				}
				fmt.Fprintf(out, "%s = %v (%s)\n", key, value.Value, value.Source)
			}
			return nil
		},
	})

	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(cmd.Context(), flags.options(cmd))
			if err != nil {
				return err
			}
			defer h.config.Close()

			if err := h.config.ValidateAll(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	})
	return cfg
}

// maskSub replaces the values of secret keys below prefix.
func maskSub(cfg *config.ConfigManager, prefix string, sub map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(sub))
	keys := make([]string, 0, len(sub))
	for k := range sub {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, err := cfg.Describe(prefix + "." + k); err == nil {
			out[k] = v.Value
			continue
		}
		out[k] = sub[k]
	}
	return out
}

// parseArg turns a command line argument into the Go value a typed method
// most likely expects.
func parseArg(raw string) interface{} {
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && strings.Contains(raw, ".") {
		return f
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

func printResult(w io.Writer, res plugin.Result) error {
	out := map[string]interface{}{
		"status":   res.Status.String(),
		"duration": res.Duration.String(),
	}
	switch res.Status {
	case plugin.StatusOK:
		out["value"] = res.Value
	case plugin.StatusFailed:
		out["error"] = res.Err.Error()
	}
	if err := writeJSON(w, out); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("call %s", res.Status)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
