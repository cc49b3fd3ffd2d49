// Package browser presents authorization and end-session URLs in the user's
// system browser.
package browser

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"
	"github.com/skratchdot/open-golang/open"
)

// Opener opens a URL with the operating system's handler.
type Opener func(input string) error

// Launcher presents URLs in the system browser.
type Launcher struct {
	open Opener
}

type Option func(*Launcher)

// WithOpener replaces the system browser, typically in tests or when the
// URL should only be printed for the user to follow.
func WithOpener(opener Opener) Option {
	return func(l *Launcher) {
		l.open = opener
	}
}

func New(opts ...Option) *Launcher {
	l := &Launcher{open: open.Run}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Present opens target in the browser. Only http and https URLs are opened.
func (l *Launcher) Present(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("browser URL is invalid: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("browser URL scheme %q is not supported", u.Scheme)
	}

	log.Debug().Str("host", u.Host).Str("path", u.Path).Msg("browser: opening")

	if err := l.open(target); err != nil {
		return fmt.Errorf("browser could not be opened: %w", err)
	}

	return nil
}

// PrintOpener writes the URL for the user to open manually.
func PrintOpener(print func(format string, args ...any)) Opener {
	return func(input string) error {
		print("Open this URL in a browser to continue:\n\n  %s\n\n", input)
		return nil
	}
}
