// Package redirect connects inbound deep links to the login or logout
// operation waiting on them.
package redirect

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/rs/zerolog/log"
)

// Kind identifies the operation a redirect belongs to.
type Kind int

const (
	Login Kind = iota
	Logout
)

func (k Kind) String() string {
	if k == Logout {
		return "logout"
	}
	return "login"
}

const (
	loginCallbackPath  = "/callback"
	logoutCallbackPath = "/logoutcallback"
)

// Resumer tracks the pending redirect of each kind and resumes it when the
// matching deep link arrives.
type Resumer struct {
	basePath string
	targets  map[Kind]*url.URL

	mu      sync.Mutex
	pending map[Kind]*Session
}

// NewResumer creates a resumer for deep links under deepLinkBase. Responses
// are delivered rewritten to redirectURI (login) or postLogoutRedirectURI
// (logout).
func NewResumer(deepLinkBase, redirectURI, postLogoutRedirectURI string) (*Resumer, error) {
	base, err := url.Parse(deepLinkBase)
	if err != nil {
		return nil, fmt.Errorf("invalid deep link base URL: %w", err)
	}

	login, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}

	logout, err := url.Parse(postLogoutRedirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid post logout redirect URI: %w", err)
	}

	return &Resumer{
		basePath: strings.TrimSuffix(base.Path, "/"),
		targets: map[Kind]*url.URL{
			Login:  login,
			Logout: logout,
		},
		pending: map[Kind]*Session{},
	}, nil
}

// CallbackPath returns the deep link path that carries responses of kind.
func (r *Resumer) CallbackPath(kind Kind) string {
	if kind == Logout {
		return r.basePath + logoutCallbackPath
	}
	return r.basePath + loginCallbackPath
}

// Begin registers a pending redirect. Only one redirect of each kind may be
// pending at a time.
func (r *Resumer) Begin(kind Kind) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[kind]; ok {
		return nil, clienterror.GeneralError{
			Area:    kind.String(),
			Code:    "redirect_already_pending",
			Message: fmt.Sprintf("a %s redirect is already in progress", kind),
		}
	}

	s := &Session{
		kind:    kind,
		resumer: r,
		done:    make(chan struct{}),
	}
	r.pending[kind] = s

	return s, nil
}

// IsOAuthResponse reports whether u has the shape of a login or logout
// callback deep link.
func (r *Resumer) IsOAuthResponse(u *url.URL) bool {
	_, ok := r.kindOf(u)
	return ok
}

// Resume delivers a callback deep link to the pending redirect of its kind.
// The link's scheme, host and path are replaced by those of the configured
// redirect URI, and its query is kept verbatim. It reports whether a pending
// redirect received the response.
func (r *Resumer) Resume(u *url.URL) bool {
	kind, ok := r.kindOf(u)
	if !ok {
		log.Debug().Str("path", u.Path).Msg("redirect: not an oauth response")
		return false
	}

	r.mu.Lock()
	s, pending := r.pending[kind]
	if pending {
		delete(r.pending, kind)
	}
	r.mu.Unlock()

	if !pending {
		log.Debug().Stringer("kind", kind).Msg("redirect: no pending redirect to resume")
		return false
	}

	target := r.targets[kind]
	rewritten := &url.URL{
		Scheme:   target.Scheme,
		Host:     target.Host,
		Path:     target.Path,
		RawQuery: u.RawQuery,
	}

	log.Info().
		Stringer("kind", kind).
		Str("received_host", u.Host).
		Str("delivered_host", rewritten.Host).
		Msg("redirect: resuming pending redirect")

	s.finish(rewritten, false)
	return true
}

func (r *Resumer) kindOf(u *url.URL) (Kind, bool) {
	if u == nil {
		return 0, false
	}

	path := strings.TrimSuffix(u.Path, "/")
	switch path {
	case r.basePath + loginCallbackPath:
		return Login, true
	case r.basePath + logoutCallbackPath:
		return Logout, true
	}

	return 0, false
}

func (r *Resumer) release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending[s.kind] == s {
		delete(r.pending, s.kind)
	}
}

// Session is a pending redirect, alive until its response arrives or it is
// cancelled.
type Session struct {
	kind    Kind
	resumer *Resumer

	once      sync.Once
	done      chan struct{}
	response  *url.URL
	cancelled bool
}

func (s *Session) Kind() Kind {
	return s.kind
}

// Wait blocks until the redirect response is delivered. A cancelled session
// returns RedirectCancelledError. If ctx ends first the session is abandoned
// and a new redirect of the same kind may begin.
func (s *Session) Wait(ctx context.Context) (*url.URL, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.resumer.release(s)
		return nil, ctx.Err()
	}

	if s.cancelled {
		return nil, clienterror.RedirectCancelledError{Operation: s.kind.String()}
	}
	return s.response, nil
}

// Cancel ends the session without a response, as when the user dismisses the
// browser.
func (s *Session) Cancel() {
	s.resumer.release(s)
	s.finish(nil, true)
}

func (s *Session) finish(response *url.URL, cancelled bool) {
	s.once.Do(func() {
		s.response = response
		s.cancelled = cancelled
		close(s.done)
	})
}
