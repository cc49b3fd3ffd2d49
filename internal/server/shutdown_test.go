package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownHooks_Add(t *testing.T) {
	t.Run("registers hooks", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		hooks.AddContext("telemetry", func(context.Context) error { return nil })
		hooks.Add("redirects", func() {})

		require.Equal(t, 2, hooks.Len())
		assert.Equal(t, "telemetry", hooks.hooks[0].name)
		assert.Equal(t, "redirects", hooks.hooks[1].name)
	})

	t.Run("ignores nil hooks", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		hooks.AddContext("nil-context", nil)
		hooks.Add("nil", nil)

		assert.Equal(t, 0, hooks.Len())
	})
}

func TestShutdownHooks_Execute(t *testing.T) {
	t.Run("runs in reverse order of registration", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		var order []string

		hooks.Add("telemetry", func() { order = append(order, "telemetry") })
		hooks.Add("receiver", func() { order = append(order, "receiver") })
		hooks.Add("redirects", func() { order = append(order, "redirects") })

		err := hooks.Execute(context.Background())
		require.NoError(t, err)

		assert.Equal(t, []string{"redirects", "receiver", "telemetry"}, order)
	})

	t.Run("continues after failure and joins errors", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		var executed []string
		first := errors.New("first failure")
		second := errors.New("second failure")

		hooks.AddContext("a", func(context.Context) error {
			executed = append(executed, "a")
			return first
		})
		hooks.Add("b", func() { executed = append(executed, "b") })
		hooks.AddContext("c", func(context.Context) error {
			executed = append(executed, "c")
			return second
		})

		err := hooks.Execute(context.Background())

		assert.Equal(t, []string{"c", "b", "a"}, executed)
		assert.ErrorIs(t, err, first)
		assert.ErrorIs(t, err, second)
		assert.ErrorContains(t, err, "c: second failure")
	})

	t.Run("recovers panicking hooks", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		ran := false

		hooks.Add("survivor", func() { ran = true })
		hooks.Add("panics", func() { panic("boom") })

		err := hooks.Execute(context.Background())

		assert.ErrorContains(t, err, "hook panicked: boom")
		assert.True(t, ran)
	})

	t.Run("passes context to hooks", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		type ctxKey struct{}

		var received any
		hooks.AddContext("ctx", func(ctx context.Context) error {
			received = ctx.Value(ctxKey{})
			return nil
		})

		err := hooks.Execute(context.WithValue(context.Background(), ctxKey{}, "value"))
		require.NoError(t, err)
		assert.Equal(t, "value", received)
	})

	t.Run("empty and nil hook sets", func(t *testing.T) {
		assert.NoError(t, (&ShutdownHooks{}).Execute(context.Background()))

		var hooks *ShutdownHooks
		assert.NoError(t, hooks.Execute(context.Background()))
	})
}
