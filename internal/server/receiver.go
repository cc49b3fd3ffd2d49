package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Receiver is the local HTTP server that browser redirects return to.
type Receiver struct {
	server   *http.Server
	listener net.Listener
	done     chan error
}

// Listen binds the receiver to addr. A port of 0 selects a free port; use
// Addr to find it.
func Listen(addr string, handler http.Handler) (*Receiver, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("receiver listen failed: %w", err)
	}

	return &Receiver{
		server: &http.Server{
			Handler:           handler,
			MaxHeaderBytes:    20 << 10,         // 20 KB
			ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
		},
		listener: listener,
		done:     make(chan error, 1),
	}, nil
}

// Addr is the address the receiver is bound to.
func (r *Receiver) Addr() string {
	return r.listener.Addr().String()
}

// Start serves requests in the background.
func (r *Receiver) Start() {
	log.Info().Str("addr", r.Addr()).Msg("receiver: listening")

	go func() {
		err := r.server.Serve(r.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		r.done <- err
	}()
}

// Shutdown stops accepting requests and waits for active ones to finish.
func (r *Receiver) Shutdown(ctx context.Context) error {
	if err := r.server.Shutdown(ctx); err != nil {
		return err
	}

	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run serves until ctx ends, then shuts the receiver down within timeout
// and executes hooks.
func (r *Receiver) Run(ctx context.Context, timeout time.Duration, hooks *ShutdownHooks) error {
	r.Start()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("receiver: shutdown requested")
	case serveErr = <-r.done:
		// the server ended on its own: nothing to wait for during shutdown
		r.done <- nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := r.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("receiver: shutdown incomplete")
	}

	hookErr := hooks.Execute(shutdownCtx)

	return errors.Join(serveErr, hookErr)
}
