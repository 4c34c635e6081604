package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMethodRegistryRegister(t *testing.T) {
	reg := NewMethodRegistry()
	m := Func0(func(ctx context.Context) (int, error) { return 1, nil })

	require.NoError(t, reg.Register("balance", m))
	assert.ErrorIs(t, reg.Register("balance", m), ErrDuplicateMethod)
	assert.ErrorIs(t, reg.Register("  ", m), ErrMethodNameRequired)
	assert.ErrorIs(t, reg.Register("nil", nil), ErrNilMethod)

	got, ok := reg.Get("balance")
	require.True(t, ok)
	v, err := got(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestMethodRegistryProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOf(rapid.StringMatching(`[a-z]{1,6}`)).Draw(t, "names")
		reg := NewMethodRegistry()
		noop := Func0(func(ctx context.Context) (bool, error) { return true, nil })

		unique := make(map[string]bool)
		for _, name := range names {
			err := reg.Register(name, noop)
			if unique[name] {
				if !errors.Is(err, ErrDuplicateMethod) {
					t.Fatalf("expected duplicate error for %q, got %v", name, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("register %q: %v", name, err)
			}
			unique[name] = true
		}

		if reg.Len() != len(unique) {
			t.Fatalf("len %d, want %d", reg.Len(), len(unique))
		}
		got := reg.Names()
		if !sort.StringsAreSorted(got) {
			t.Fatalf("names not sorted: %v", got)
		}
		for _, name := range got {
			if !unique[name] {
				t.Fatalf("unexpected name %q", name)
			}
		}
	})
}

func TestTypedMethods(t *testing.T) {
	ctx := context.Background()

	t.Run("Func0", func(t *testing.T) {
		m := Func0(func(ctx context.Context) (string, error) { return "pong", nil })
		v, err := m(ctx)
		require.NoError(t, err)
		assert.Equal(t, "pong", v)

		_, err = m(ctx, "extra")
		assert.ErrorIs(t, err, ErrArgumentCount)
	})

	t.Run("Func1", func(t *testing.T) {
		m := Func1(func(ctx context.Context, n int) (int, error) { return n * 2, nil })
		v, err := m(ctx, 21)
		require.NoError(t, err)
		assert.Equal(t, 42, v)

		_, err = m(ctx, "21")
		var argErr *ArgumentError
		require.ErrorAs(t, err, &argErr)
		assert.Equal(t, "int", argErr.Want)
		assert.Equal(t, "string", argErr.Got)

		_, err = m(ctx)
		assert.ErrorIs(t, err, ErrArgumentCount)

		_, err = m(ctx, nil)
		require.ErrorAs(t, err, &argErr)
		assert.Equal(t, "nil", argErr.Got)
	})

	t.Run("Func1 nilable argument", func(t *testing.T) {
		m := Func1(func(ctx context.Context, tags []string) (int, error) { return len(tags), nil })
		v, err := m(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, v)
	})

	t.Run("Func2", func(t *testing.T) {
		m := Func2(func(ctx context.Context, who string, n int) (string, error) {
			return fmt.Sprintf("%s:%d", who, n), nil
		})
		v, err := m(ctx, "ann", 3)
		require.NoError(t, err)
		assert.Equal(t, "ann:3", v)

		_, err = m(ctx, "ann", "3")
		var argErr *ArgumentError
		require.ErrorAs(t, err, &argErr)
		assert.Equal(t, 1, argErr.Index)
	})

	t.Run("Action1", func(t *testing.T) {
		var got string
		m := Action1(func(ctx context.Context, s string) error {
			got = s
			return nil
		})
		v, err := m(ctx, "done")
		require.NoError(t, err)
		assert.Nil(t, v)
		assert.Equal(t, "done", got)
	})

	t.Run("interface argument", func(t *testing.T) {
		m := Func1(func(ctx context.Context, v interface{}) (string, error) {
			return fmt.Sprint(v), nil
		})
		v, err := m(ctx, 12)
		require.NoError(t, err)
		assert.Equal(t, "12", v)
	})
}
