// Package fetch runs API requests through the response cache, so that each
// cache key has at most one request sequence in flight, and retries once
// with a refreshed token when the API rejects the access token.
package fetch

import (
	"context"
	"fmt"

	"github.com/chinmina/chinmina-client/internal/api"
	"github.com/chinmina/chinmina-client/internal/cache"
	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/rs/zerolog/log"
)

// TokenSource supplies access tokens. An empty token with a nil error means
// there is no usable credential.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
	RefreshAccessToken(ctx context.Context) (string, error)
}

// Caller sends a single API request.
type Caller interface {
	Do(ctx context.Context, req api.Request, token string, simulateError bool) ([]byte, error)
}

type Options struct {
	// ForceReload discards completed data for the key before fetching. A
	// request sequence still in flight is joined instead.
	ForceReload bool

	// SimulateError asks the API to fail the request.
	SimulateError bool
}

type Orchestrator struct {
	cache  *cache.ResponseCache
	tokens TokenSource
	caller Caller
}

func New(responses *cache.ResponseCache, tokens TokenSource, caller Caller) *Orchestrator {
	return &Orchestrator{
		cache:  responses,
		tokens: tokens,
		caller: caller,
	}
}

// Fetch returns the response for key, starting a request sequence only when
// no entry is cached or the cached entry failed. Callers for the same key
// share one sequence and its outcome. The sequence is not cancelled when ctx
// ends: ctx only bounds how long this caller waits.
func (o *Orchestrator) Fetch(ctx context.Context, key string, req api.Request, opts Options) ([]byte, error) {
	var (
		entry   *cache.Entry
		created bool
	)
	if opts.ForceReload {
		entry, created = o.cache.Renew(key)
	} else {
		entry, created = o.cache.GetOrCreate(key)
		if !created && entry.Failed() {
			entry, created = o.cache.Replace(key, entry)
		}
	}

	if created {
		log.Debug().Str("key", key).Bool("force_reload", opts.ForceReload).Msg("fetch: request sequence started")
		go o.run(context.WithoutCancel(ctx), entry, req, opts)
	}

	return entry.Wait(ctx)
}

// Entry returns the cached entry for key without waiting on it.
func (o *Orchestrator) Entry(key string) (*cache.Entry, bool) {
	return o.cache.Get(key)
}

func (o *Orchestrator) run(ctx context.Context, entry *cache.Entry, req api.Request, opts Options) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("recover", r).Str("key", entry.Key).Msg("fetch: request sequence panicked")
			entry.Complete(nil, clienterror.GeneralError{
				Area:    req.Area,
				Code:    "unexpected_failure",
				Message: fmt.Sprintf("request sequence failed: %v", r),
			})
		}
	}()

	data, err := o.execute(ctx, req, opts)
	if err != nil {
		log.Info().Err(err).Str("key", entry.Key).Msg("fetch: request sequence failed")
	}

	entry.Complete(data, err)
}

func (o *Orchestrator) execute(ctx context.Context, req api.Request, opts Options) ([]byte, error) {
	token, err := o.tokens.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, clienterror.LoginRequiredError{}
	}

	data, err := o.caller.Do(ctx, req, token, opts.SimulateError)
	if !clienterror.IsUnauthorized(err) {
		return data, err
	}

	log.Debug().Str("path", req.Path).Msg("fetch: access token rejected, refreshing")

	token, err = o.tokens.RefreshAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, clienterror.LoginRequiredError{}
	}

	// a second rejection is final
	return o.caller.Do(ctx, req, token, opts.SimulateError)
}
