// Package logging builds the host's structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Logger is the key/value logger every package accepts. hclog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type Options struct {
	Name   string
	Level  string
	Format string
	Output io.Writer
}

// New creates an hclog logger. Format is "text" or "json"; Output defaults
// to stderr.
func New(opts Options) (hclog.Logger, error) {
	level := hclog.Info
	if opts.Level != "" {
		level = hclog.LevelFromString(opts.Level)
		if level == hclog.NoLevel {
			return nil, fmt.Errorf("unknown log level %q", opts.Level)
		}
	}

	var jsonFormat bool
	switch strings.ToLower(opts.Format) {
	case "", "text":
	case "json":
		jsonFormat = true
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	name := opts.Name
	if name == "" {
		name = "modhost"
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     output,
		JSONFormat: jsonFormat,
	}), nil
}

// OutputFor maps the configured output name to a writer.
func OutputFor(name string) (io.Writer, error) {
	switch strings.ToLower(name) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		return nil, fmt.Errorf("unknown log output %q", name)
	}
}

// Named returns a sub-logger for a component when l supports it.
func Named(l Logger, name string) Logger {
	if hl, ok := l.(hclog.Logger); ok {
		return hl.Named(name)
	}
	return l
}
