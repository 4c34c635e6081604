package plugin

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Method is the uniform signature every invocable plugin method is adapted to.
type Method func(ctx context.Context, args ...interface{}) (interface{}, error)

// MethodRegistry maps method names to methods. It is filled once during Load
// and only read afterwards.
type MethodRegistry struct {
	methods map[string]Method
}

// NewMethodRegistry creates an empty method registry
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]Method)}
}

func (r *MethodRegistry) Register(name string, method Method) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrMethodNameRequired
	}
	if method == nil {
		return fmt.Errorf("%w: %s", ErrNilMethod, name)
	}
	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
	}
	r.methods[name] = method
	return nil
}

func (r *MethodRegistry) Get(name string) (Method, bool) {
	m, ok := r.methods[name]
	return m, ok
}

func (r *MethodRegistry) Len() int { return len(r.methods) }

// Names returns the registered method names in sorted order.
func (r *MethodRegistry) Names() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func0 adapts a method without arguments.
func Func0[R any](fn func(ctx context.Context) (R, error)) Method {
	return func(ctx context.Context, args ...interface{}) (interface{}, error) {
		if err := checkArity(args, 0); err != nil {
			return nil, err
		}
		return fn(ctx)
	}
}

// Func1 adapts a single-argument method.
func Func1[A, R any](fn func(ctx context.Context, a A) (R, error)) Method {
	return func(ctx context.Context, args ...interface{}) (interface{}, error) {
		if err := checkArity(args, 1); err != nil {
			return nil, err
		}
		a, err := argAt[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

// Func2 adapts a two-argument method.
func Func2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) Method {
	return func(ctx context.Context, args ...interface{}) (interface{}, error) {
		if err := checkArity(args, 2); err != nil {
			return nil, err
		}
		a, err := argAt[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := argAt[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}

// Action1 adapts a single-argument method that returns nothing but an error.
func Action1[A any](fn func(ctx context.Context, a A) error) Method {
	return func(ctx context.Context, args ...interface{}) (interface{}, error) {
		if err := checkArity(args, 1); err != nil {
			return nil, err
		}
		a, err := argAt[A](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, a)
	}
}

func checkArity(args []interface{}, want int) error {
	if len(args) != want {
		return fmt.Errorf("%w: want %d, got %d", ErrArgumentCount, want, len(args))
	}
	return nil
}

func argAt[T any](args []interface{}, i int) (T, error) {
	var zero T
	raw := args[i]
	if raw == nil {
		if nilable[T]() {
			return zero, nil
		}
		return zero, &ArgumentError{Index: i, Want: typeName[T](), Got: "nil"}
	}
	v, ok := raw.(T)
	if !ok {
		return zero, &ArgumentError{Index: i, Want: typeName[T](), Got: fmt.Sprintf("%T", raw)}
	}
	return v, nil
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func typeName[T any]() string {
	return typeOf[T]().String()
}

func nilable[T any]() bool {
	switch typeOf[T]().Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice,
		reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return true
	}
	return false
}
