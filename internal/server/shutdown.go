// Package server runs the local deep-link receiver and the hooks that release
// process resources when the client exits.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks runs release hooks in reverse order of registration, so that
// resources registered early (telemetry) outlive the ones that use them.
// Every hook runs even when an earlier one fails.
type ShutdownHooks struct {
	hooks []hook
}

// AddContext registers a hook that honours the shutdown deadline.
func (s *ShutdownHooks) AddContext(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("shutdown: nil hook ignored")
		return
	}

	log.Debug().Str("hook", name).Msg("shutdown: hook registered")
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// Add registers a hook that cannot fail, such as cancelling pending
// redirects.
func (s *ShutdownHooks) Add(name string, fn func()) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("shutdown: nil hook ignored")
		return
	}

	s.AddContext(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Len reports the number of registered hooks.
func (s *ShutdownHooks) Len() int {
	return len(s.hooks)
}

// Execute runs the hooks and returns their failures joined. A hook that
// panics is reported as failed and does not stop the remaining hooks.
func (s *ShutdownHooks) Execute(ctx context.Context) error {
	if s == nil {
		return nil
	}

	var errs []error

	for i := len(s.hooks) - 1; i >= 0; i-- {
		h := s.hooks[i]
		l := log.With().Str("hook", h.name).Logger()

		if err := run(ctx, h); err != nil {
			l.Warn().Err(err).Msg("shutdown: hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}

		l.Debug().Msg("shutdown: hook complete")
	}

	return errors.Join(errs...)
}

func run(ctx context.Context, h hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()

	return h.fn(ctx)
}
