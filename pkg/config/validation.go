package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
)

// Optional skips the wrapped validator when the key is unset or blank.
type Optional struct {
	ConfigValidator
}

func (v Optional) Validate(key string, value interface{}) error {
	if value == nil {
		return nil
	}
	if str, ok := value.(string); ok && strings.TrimSpace(str) == "" {
		return nil
	}
	return v.ConfigValidator.Validate(key, value)
}

type RequiredValidator struct{}

func (RequiredValidator) Validate(key string, value interface{}) error {
	switch v := value.(type) {
	case nil:
		return fmt.Errorf("%s is required", key)
	case string:
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s must not be blank", key)
		}
	}
	return nil
}

// RangeValidator bounds numeric values, both ends inclusive.
type RangeValidator struct {
	Min, Max float64
}

func (v RangeValidator) Validate(key string, value interface{}) error {
	num, err := toFloat(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if num < v.Min || num > v.Max {
		return fmt.Errorf("%s: %v is outside [%g, %g]", key, value, v.Min, v.Max)
	}
	return nil
}

type PatternValidator struct {
	re *regexp.Regexp
}

func NewPatternValidator(pattern string) (*PatternValidator, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return &PatternValidator{re: re}, nil
}

func (v *PatternValidator) Validate(key string, value interface{}) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: pattern needs a string, got %T", key, value)
	}
	if !v.re.MatchString(str) {
		return fmt.Errorf("%s: %q does not match %s", key, str, v.re)
	}
	return nil
}

type EnumValidator struct {
	Allowed []interface{}
}

func (v EnumValidator) Validate(key string, value interface{}) error {
	for _, allowed := range v.Allowed {
		if reflect.DeepEqual(allowed, value) {
			return nil
		}
	}
	return fmt.Errorf("%s: %v is not one of %v", key, value, v.Allowed)
}

// DurationValidator accepts duration strings and integer nanoseconds.
// A zero Max means no upper bound.
type DurationValidator struct {
	Min, Max time.Duration
}

func (v DurationValidator) Validate(key string, value interface{}) error {
	d, err := toDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d < v.Min {
		return fmt.Errorf("%s: %v is shorter than %v", key, d, v.Min)
	}
	if v.Max > 0 && d > v.Max {
		return fmt.Errorf("%s: %v is longer than %v", key, d, v.Max)
	}
	return nil
}

// PathValidator checks a filesystem path. With Kind set the path must exist
// and be of that kind ("file" or "dir").
type PathValidator struct {
	Kind string
	Perm os.FileMode
}

func (v PathValidator) Validate(key string, value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: path must be a string, got %T", key, value)
	}
	if v.Kind == "" && v.Perm == 0 {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	switch {
	case v.Kind == "file" && info.IsDir():
		return fmt.Errorf("%s: %s is a directory", key, path)
	case v.Kind == "dir" && !info.IsDir():
		return fmt.Errorf("%s: %s is not a directory", key, path)
	case v.Perm != 0 && info.Mode().Perm() != v.Perm:
		return fmt.Errorf("%s: %s has mode %o, want %o", key, path, info.Mode().Perm(), v.Perm)
	}
	return nil
}

// URLValidator requires an absolute URL, optionally with one of Schemes.
type URLValidator struct {
	Schemes []string
}

func (v URLValidator) Validate(key string, value interface{}) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: URL must be a string, got %T", key, value)
	}
	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: %q is not an absolute URL", key, str)
	}
	if len(v.Schemes) > 0 && !slices.Contains(v.Schemes, u.Scheme) {
		return fmt.Errorf("%s: scheme %q not in %v", key, u.Scheme, v.Schemes)
	}
	return nil
}

func toFloat(value interface{}) (float64, error) {
	switch val := value.(type) {
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case float32:
		return float64(val), nil
	case float64:
		return val, nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("cannot convert to number: %w", err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}

func toDuration(value interface{}) (time.Duration, error) {
	switch val := value.(type) {
	case time.Duration:
		return val, nil
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("invalid duration string %q: %w", val, err)
		}
		return d, nil
	case int:
		return time.Duration(val), nil
	case int64:
		return time.Duration(val), nil
	case float64:
		return time.Duration(val), nil
	default:
		return 0, fmt.Errorf("expected duration, got %T", value)
	}
}

// walkSchema visits every leaf node with its dotted key.
func walkSchema(prefix string, props map[string]*SchemaNode, fn func(key string, node *SchemaNode)) {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		node := props[name]
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if node.Type == "object" && len(node.Properties) > 0 {
			walkSchema(key, node.Properties, fn)
			continue
		}
		fn(key, node)
	}
}

func lookupSchema(schema *ConfigSchema, key string) *SchemaNode {
	props := schema.Properties
	var node *SchemaNode
	for _, part := range strings.Split(key, ".") {
		if props == nil {
			return nil
		}
		next, ok := props[part]
		if !ok {
			return nil
		}
		node = next
		props = next.Properties
	}
	return node
}

func validateAgainstSchema(schema *ConfigSchema, key string, value interface{}) error {
	node := lookupSchema(schema, key)
	if node == nil || isSecretRef(value) {
		return nil
	}
	return validateNode(key, node, value)
}

func validateNode(key string, node *SchemaNode, value interface{}) error {
	fail := func(format string, args ...interface{}) error {
		return &ConfigError{Key: key, Message: fmt.Sprintf(format, args...)}
	}

	switch node.Type {
	case "", "any":
	case "string":
		if _, ok := value.(string); !ok {
			return fail("expected string, got %T", value)
		}
	case "integer":
		f, err := toFloat(value)
		if err != nil || f != float64(int64(f)) {
			return fail("expected integer, got %v", value)
		}
	case "number":
		if _, err := toFloat(value); err != nil {
			return fail("expected number, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fail("expected boolean, got %T", value)
		}
	case "duration":
		if _, err := toDuration(value); err != nil {
			return fail("%v", err)
		}
	case "array":
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice {
			return fail("expected array, got %T", value)
		}
		if node.Items != nil {
			for i := 0; i < rv.Len(); i++ {
				if err := validateNode(fmt.Sprintf("%s[%d]", key, i), node.Items, rv.Index(i).Interface()); err != nil {
					return err
				}
			}
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return fail("expected object, got %T", value)
		}
	default:
		return fail("unknown schema type %q", node.Type)
	}

	if len(node.Enum) > 0 {
		if err := (EnumValidator{Allowed: node.Enum}).Validate(key, value); err != nil {
			return &ConfigError{Key: key, Message: "not an allowed value", Err: err}
		}
	}
	if node.Pattern != "" {
		pv, err := NewPatternValidator(node.Pattern)
		if err != nil {
			return &ConfigError{Key: key, Message: "bad schema pattern", Err: err}
		}
		if err := pv.Validate(key, value); err != nil {
			return &ConfigError{Key: key, Message: "pattern mismatch", Err: err}
		}
	}
	if node.Min != nil || node.Max != nil {
		if f, err := toFloat(value); err == nil {
			if node.Min != nil && f < *node.Min {
				return fail("value %v below minimum %v", value, *node.Min)
			}
			if node.Max != nil && f > *node.Max {
				return fail("value %v above maximum %v", value, *node.Max)
			}
		}
	}
	return nil
}
