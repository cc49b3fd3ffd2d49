// Package singleflight ensures that at most one execution of a named action
// is in flight at a time. Callers arriving while an execution is running
// wait for it and receive the same outcome; once it completes, the next call
// starts a fresh execution. Outcomes are never cached beyond the in-flight
// window.
package singleflight

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type Coordinator struct {
	group singleflight.Group
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Execute runs action unless an execution for key is already in progress, in
// which case it waits for that execution's result. Every caller receives the
// same error value.
//
// The action runs with a context detached from the caller's cancellation:
// a caller abandoning the wait does not cancel the shared execution.
func (c *Coordinator) Execute(ctx context.Context, key string, action func(ctx context.Context) error) error {
	_, err := Do(ctx, c, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})
	return err
}

// Do is the value-returning form of Execute.
func Do[T any](ctx context.Context, c *Coordinator, key string, action func(ctx context.Context) (T, error)) (T, error) {
	detached := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (any, error) {
		log.Debug().Str("key", key).Msg("singleflight: execution started")
		return action(detached)
	})

	var zero T
	select {
	case res := <-ch:
		if res.Shared {
			log.Debug().Str("key", key).Msg("singleflight: shared execution result")
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
