package plugin

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// CallAs calls name on c and converts the returned value to T.
func CallAs[T any](ctx context.Context, c Caller, name string, args ...interface{}) (T, error) {
	var zero T

	res := c.Call(ctx, name, args...)
	switch res.Status {
	case StatusNotFound:
		return zero, fmt.Errorf("%w: %s", ErrMethodNotFound, name)
	case StatusFailed:
		return zero, res.Err
	}

	if res.Value == nil {
		if nilable[T]() {
			return zero, nil
		}
		return zero, &TypeMismatchError{Name: name, Want: typeName[T](), Got: "nil"}
	}
	v, ok := res.Value.(T)
	if !ok {
		return zero, &TypeMismatchError{Name: name, Want: typeName[T](), Got: fmt.Sprintf("%T", res.Value)}
	}
	return v, nil
}

// GetConfig resolves key for the plugin behind host and decodes it into T.
// Decoding is weakly typed, so "8080" satisfies an int and "5s" a time.Duration.
// A nil value only decodes into types that can hold nil.
func GetConfig[T any](ctx context.Context, host Host, key string) (T, error) {
	var out T

	raw, err := host.ResolveConfig(ctx, key)
	if err != nil {
		return out, err
	}
	if raw == nil {
		if nilable[T]() {
			return out, nil
		}
		return out, &TypeMismatchError{Name: key, Want: typeName[T](), Got: "nil"}
	}
	if v, ok := raw.(T); ok {
		return v, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		TagName:          "config",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return out, fmt.Errorf("failed to create decoder for %s: %w", key, err)
	}
	if err := decoder.Decode(raw); err != nil {
		var zero T
		return zero, &TypeMismatchError{
			Name: key,
			Want: typeName[T](),
			Got:  fmt.Sprintf("%T", raw),
			Err:  err,
		}
	}
	return out, nil
}
