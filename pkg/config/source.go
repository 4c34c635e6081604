package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Source is one configuration layer. Sources are applied in ascending
// priority, so later layers override earlier ones key by key.
type Source interface {
	Name() string
	Kind() ConfigSource
	Priority() int
	Load(ctx context.Context) (map[string]interface{}, error)
}

// Default priorities, one per layer.
const (
	PriorityFile        = 10
	PriorityDotenv      = 20
	PriorityEnvironment = 30
	PriorityFlag        = 40
)

type FileSource struct {
	paths    []string
	priority int
}

// NewFileSource reads JSON or YAML files. Missing files are skipped.
func NewFileSource(paths []string, priority int) *FileSource {
	return &FileSource{
		paths:    paths,
		priority: priority,
	}
}

func (f *FileSource) Name() string { return "file" }

func (f *FileSource) Kind() ConfigSource { return SourceFile }

func (f *FileSource) Priority() int { return f.priority }

func (f *FileSource) Paths() []string { return f.paths }

func (f *FileSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})

	for _, path := range f.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
		config, err := decodeFile(path, data)
		if err != nil {
			return nil, err
		}
		result = mergeMaps(result, config)
	}
	return result, nil
}

// EnvironmentSource maps PREFIX_A__B=v to the key "a.b". A double underscore
// separates levels so single underscores survive in key names.
type EnvironmentSource struct {
	prefix   string
	priority int
	environ  func() []string
}

func NewEnvironmentSource(prefix string, priority int) *EnvironmentSource {
	return &EnvironmentSource{
		prefix:   prefix,
		priority: priority,
		environ:  os.Environ,
	}
}

func (e *EnvironmentSource) Name() string { return "environment" }

func (e *EnvironmentSource) Kind() ConfigSource { return SourceEnvironment }

func (e *EnvironmentSource) Priority() int { return e.priority }

func (e *EnvironmentSource) Load(ctx context.Context) (map[string]interface{}, error) {
	vars := make(map[string]string)
	for _, env := range e.environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		vars[parts[0]] = parts[1]
	}
	return envToConfig(e.prefix, vars), nil
}

// DotenvSource reads .env files with the same key mapping as EnvironmentSource.
type DotenvSource struct {
	paths    []string
	prefix   string
	priority int
}

func NewDotenvSource(paths []string, prefix string, priority int) *DotenvSource {
	return &DotenvSource{
		paths:    paths,
		prefix:   prefix,
		priority: priority,
	}
}

func (d *DotenvSource) Name() string { return "dotenv" }

func (d *DotenvSource) Kind() ConfigSource { return SourceDotenv }

func (d *DotenvSource) Priority() int { return d.priority }

func (d *DotenvSource) Load(ctx context.Context) (map[string]interface{}, error) {
	var existing []string
	for _, path := range d.paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return map[string]interface{}{}, nil
	}

	vars, err := godotenv.Read(existing...)
	if err != nil {
		return nil, fmt.Errorf("failed to read dotenv files: %w", err)
	}
	return envToConfig(d.prefix, vars), nil
}

// FlagSource holds values set on the command line, keyed by dotted name.
type FlagSource struct {
	args     map[string]interface{}
	priority int
}

func NewFlagSource(args map[string]interface{}, priority int) *FlagSource {
	return &FlagSource{
		args:     args,
		priority: priority,
	}
}

func (f *FlagSource) Name() string { return "flag" }

func (f *FlagSource) Kind() ConfigSource { return SourceFlag }

func (f *FlagSource) Priority() int { return f.priority }

func (f *FlagSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	for key, value := range f.args {
		setNestedValue(result, key, value)
	}
	return result, nil
}

func envToConfig(prefix string, vars map[string]string) map[string]interface{} {
	result := make(map[string]interface{})
	for key, value := range vars {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		configKey := strings.ToLower(strings.TrimPrefix(key, prefix))
		configKey = strings.ReplaceAll(configKey, "__", ".")
		if configKey == "" {
			continue
		}
		setNestedValue(result, configKey, parseEnvValue(value))
	}
	return result
}

// parseEnvValue types integers, decimals and true/false. Everything else
// stays a string.
func parseEnvValue(value string) interface{} {
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if decimalPattern.MatchString(value) {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	return value
}

var decimalPattern = regexp.MustCompile(`^[-+]?[0-9]*\.[0-9]+$`)

func setNestedValue(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	for key, value := range src {
		if srcMap, ok := value.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				dst[key] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

func flatten(prefix string, value interface{}, out map[string]interface{}) {
	m, ok := value.(map[string]interface{})
	if !ok || len(m) == 0 {
		if prefix != "" {
			out[prefix] = value
		}
		return
	}
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		flatten(key, v, out)
	}
}
