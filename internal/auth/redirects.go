package auth

import (
	"context"
	"fmt"
	"net/url"

	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/chinmina/chinmina-client/internal/oidc"
	"github.com/chinmina/chinmina-client/internal/redirect"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// AuthResponse is the authorization response delivered to the login
// callback.
type AuthResponse struct {
	Code  string
	State string

	codeVerifier string
}

type loginRequest struct {
	state        string
	codeVerifier string
	session      *redirect.Session
}

type logoutRequest struct {
	state   string
	session *redirect.Session
}

// StartLoginRedirect presents the authorization request for a PKCE protected
// authorization code grant. The response is collected by HandleLoginResponse.
func (a *Authenticator) StartLoginRedirect(ctx context.Context, presenter Presenter) error {
	m, err := a.metadata.Get(ctx)
	if err != nil {
		return err
	}

	session, err := a.resumer.Begin(redirect.Login)
	if err != nil {
		return err
	}

	req := &loginRequest{
		state:        oauth2.GenerateVerifier(),
		codeVerifier: oauth2.GenerateVerifier(),
		session:      session,
	}

	a.mu.Lock()
	a.pendingLogin = req
	a.mu.Unlock()

	authURL := a.oauth2Config(m).AuthCodeURL(req.state, oauth2.S256ChallengeOption(req.codeVerifier))

	if err := presenter.Present(ctx, authURL); err != nil {
		a.clearLogin(req)
		session.Cancel()
		return clienterror.GeneralError{
			Area:    "login",
			Code:    "login_request_failed",
			Message: "the login page could not be shown",
			Cause:   err,
		}
	}

	log.Info().Str("authorization_endpoint", m.AuthorizationEndpoint).Msg("auth: login redirect started")
	return nil
}

// HandleLoginResponse waits for the login callback and validates it. A
// dismissed browser yields RedirectCancelledError.
func (a *Authenticator) HandleLoginResponse(ctx context.Context) (AuthResponse, error) {
	a.mu.Lock()
	req := a.pendingLogin
	a.mu.Unlock()

	if req == nil {
		return AuthResponse{}, clienterror.GeneralError{
			Area:    "login",
			Code:    "login_not_started",
			Message: "no login redirect is in progress",
		}
	}

	response, err := req.session.Wait(ctx)
	a.clearLogin(req)
	if err != nil {
		if clienterror.IsCancelled(err) {
			log.Info().Msg("auth: login redirect cancelled")
		}
		return AuthResponse{}, err
	}

	q := response.Query()

	if code := q.Get("error"); code != "" {
		return AuthResponse{}, clienterror.GeneralError{
			Area:    "login",
			Code:    "login_response_failed",
			Message: providerErrorMessage(code, q),
		}
	}

	if received := q.Get("state"); received != req.state {
		return AuthResponse{}, clienterror.GeneralError{
			Area:    "login",
			Code:    "invalid_state",
			Message: "the login response could not be matched to the login request",
			Cause:   oidc.StateMismatchError{Expected: req.state, Received: received},
		}
	}

	code := q.Get("code")
	if code == "" {
		return AuthResponse{}, clienterror.GeneralError{
			Area:    "login",
			Code:    "login_response_failed",
			Message: "the login response did not include an authorization code",
		}
	}

	return AuthResponse{Code: code, State: req.state, codeVerifier: req.codeVerifier}, nil
}

// FinishLogin exchanges the authorization code for tokens and stores them.
func (a *Authenticator) FinishLogin(ctx context.Context, response AuthResponse) error {
	m, err := a.metadata.Get(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout())
	defer cancel()

	token, err := a.oauth2Config(m).Exchange(a.clientContext(ctx), response.Code, oauth2.VerifierOption(response.codeVerifier))
	if err != nil {
		return grantError(grantAuthorizationCode, m.TokenEndpoint, err)
	}

	updated, err := a.saveTokens(ctx, token)
	if err != nil {
		return err
	}

	a.sessionReset()

	event := log.Info()
	if claims, err := DecodeIDTokenClaims(updated.IDToken); err == nil {
		event = event.Str("subject", claims.Subject).Str("issuer", claims.Issuer)
	}
	event.Msg("auth: login completed")

	return nil
}

// StartLogoutRedirect signs the user out locally, then presents the provider's
// end session request. The local sign out holds even if the redirect fails.
func (a *Authenticator) StartLogoutRedirect(ctx context.Context, presenter Presenter) error {
	prior, _, err := a.store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("auth: credential unavailable for logout")
	}

	if err := a.store.Clear(ctx); err != nil {
		return storageError(err)
	}
	a.sessionReset()
	log.Info().Msg("auth: signed out locally")

	m, err := a.metadata.Get(ctx)
	if err != nil {
		return err
	}

	if m.EndSessionEndpoint == "" {
		log.Info().Msg("auth: provider has no end session endpoint, skipping logout redirect")
		return nil
	}

	session, err := a.resumer.Begin(redirect.Logout)
	if err != nil {
		return err
	}

	req := &logoutRequest{
		state:   oauth2.GenerateVerifier(),
		session: session,
	}

	endSessionURL, err := a.quirks.BuildEndSessionURL(m, oidc.EndSessionRequest{
		ClientID:              a.cfg.ClientID,
		IDTokenHint:           prior.IDToken,
		PostLogoutRedirectURI: a.cfg.PostLogoutRedirectURI,
		State:                 req.state,
	})
	if err != nil {
		session.Cancel()
		return clienterror.GeneralError{Area: "logout", Code: "logout_request_failed", Cause: err}
	}

	a.mu.Lock()
	a.pendingLogout = req
	a.mu.Unlock()

	if err := presenter.Present(ctx, endSessionURL); err != nil {
		a.clearLogout(req)
		session.Cancel()
		return clienterror.GeneralError{
			Area:    "logout",
			Code:    "logout_request_failed",
			Message: "the logout page could not be shown",
			Cause:   err,
		}
	}

	log.Info().Str("quirks", a.quirks.Name()).Msg("auth: logout redirect started")
	return nil
}

// HandleLogoutResponse waits for the logout callback. Cancellation, and the
// provider specific errors its quirks mark as benign, count as success.
func (a *Authenticator) HandleLogoutResponse(ctx context.Context) error {
	req := a.currentLogout()
	if req == nil {
		return nil
	}

	response, err := req.session.Wait(ctx)
	a.clearLogout(req)
	if err != nil {
		if clienterror.IsCancelled(err) {
			log.Info().Msg("auth: logout redirect cancelled")
			return nil
		}
		return err
	}

	err = validateLogoutResponse(req, response)
	if err != nil && a.quirks.IsBenignLogoutError(err) {
		log.Debug().Err(err).Str("quirks", a.quirks.Name()).Msg("auth: ignoring benign logout response error")
		return nil
	}
	if err != nil {
		return err
	}

	log.Info().Msg("auth: logout completed")
	return nil
}

// CancelRedirects ends any pending login or logout redirect, as when the user
// dismisses the browser before it completes.
func (a *Authenticator) CancelRedirects() {
	a.mu.Lock()
	login, logout := a.pendingLogin, a.pendingLogout
	a.mu.Unlock()

	if login != nil {
		login.session.Cancel()
	}
	if logout != nil {
		logout.session.Cancel()
	}
}

func validateLogoutResponse(req *logoutRequest, response *url.URL) error {
	q := response.Query()

	if code := q.Get("error"); code != "" {
		return clienterror.GeneralError{
			Area:    "logout",
			Code:    "logout_response_failed",
			Message: providerErrorMessage(code, q),
		}
	}

	if received := q.Get("state"); received != req.state {
		return clienterror.GeneralError{
			Area:    "logout",
			Code:    "invalid_state",
			Message: "the logout response could not be matched to the logout request",
			Cause:   oidc.StateMismatchError{Expected: req.state, Received: received},
		}
	}

	return nil
}

func (a *Authenticator) clearLogin(req *loginRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingLogin == req {
		a.pendingLogin = nil
	}
}

func (a *Authenticator) clearLogout(req *logoutRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingLogout == req {
		a.pendingLogout = nil
	}
}

func (a *Authenticator) currentLogout() *logoutRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingLogout
}

func providerErrorMessage(code string, q url.Values) string {
	if description := q.Get("error_description"); description != "" {
		return fmt.Sprintf("%s: %s", code, description)
	}
	return code
}
