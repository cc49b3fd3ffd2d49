// Package auth manages the signed-in user's tokens: it runs the login and
// logout redirects, and hands out access tokens, refreshing them at most once
// at a time.
package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/chinmina/chinmina-client/internal/config"
	"github.com/chinmina/chinmina-client/internal/credential"
	"github.com/chinmina/chinmina-client/internal/oidc"
	"github.com/chinmina/chinmina-client/internal/redirect"
	"github.com/chinmina/chinmina-client/internal/singleflight"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	refreshKey = "refresh"

	grantRefreshToken      = "refresh_token"
	grantAuthorizationCode = "authorization_code"
)

// Presenter shows a URL to the user in an external browser agent. It returns
// once the browser has been asked to show the page.
type Presenter interface {
	Present(ctx context.Context, url string) error
}

// PresenterFunc adapts a function to the Presenter interface.
type PresenterFunc func(ctx context.Context, url string) error

func (f PresenterFunc) Present(ctx context.Context, url string) error {
	return f(ctx, url)
}

type Authenticator struct {
	cfg      config.AuthConfig
	store    *credential.Store
	metadata *oidc.MetadataProvider
	quirks   oidc.Quirks
	flight   *singleflight.Coordinator
	resumer  *redirect.Resumer
	client   *http.Client

	sessionReset func()

	mu            sync.Mutex
	pendingLogin  *loginRequest
	pendingLogout *logoutRequest
}

type Option func(*Authenticator)

// WithSessionReset registers a function called whenever the signed-in user
// changes: after a completed login, and when logout starts.
func WithSessionReset(fn func()) Option {
	return func(a *Authenticator) {
		a.sessionReset = fn
	}
}

// WithHTTPClient sets the client used for token endpoint requests.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Authenticator) {
		a.client = client
	}
}

func New(
	cfg config.AuthConfig,
	store *credential.Store,
	metadata *oidc.MetadataProvider,
	quirks oidc.Quirks,
	flight *singleflight.Coordinator,
	resumer *redirect.Resumer,
	opts ...Option,
) *Authenticator {
	a := &Authenticator{
		cfg:          cfg,
		store:        store,
		metadata:     metadata,
		quirks:       quirks,
		flight:       flight,
		resumer:      resumer,
		client:       &http.Client{Timeout: cfg.Timeout()},
		sessionReset: func() {},
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// IsLoggedIn reports whether a credential is held.
func (a *Authenticator) IsLoggedIn(ctx context.Context) bool {
	_, ok, err := a.store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("auth: credential unavailable")
		return false
	}
	return ok
}

// GetAccessToken returns the stored access token, refreshing it if there is
// none. An empty token with a nil error means the session has ended and the
// user must log in again.
func (a *Authenticator) GetAccessToken(ctx context.Context) (string, error) {
	c, _, err := a.store.Load(ctx)
	if err != nil {
		return "", storageError(err)
	}

	if c.AccessToken != "" {
		return c.AccessToken, nil
	}

	return a.RefreshAccessToken(ctx)
}

// RefreshAccessToken runs the refresh token grant. Concurrent callers share a
// single grant and its outcome. When the provider rejects the refresh token
// with invalid_grant, the credential is cleared and an empty token is
// returned with no error. A response arriving after the credential changed
// underneath the grant is discarded and the current access token returned.
func (a *Authenticator) RefreshAccessToken(ctx context.Context) (string, error) {
	return singleflight.Do(ctx, a.flight, refreshKey, a.refresh)
}

func (a *Authenticator) refresh(ctx context.Context) (string, error) {
	c, _, err := a.store.Load(ctx)
	if err != nil {
		return "", storageError(err)
	}

	if c.RefreshToken == "" {
		return "", clienterror.LoginRequiredError{}
	}

	m, err := a.metadata.Get(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout())
	defer cancel()

	source := a.oauth2Config(m).TokenSource(a.clientContext(ctx), &oauth2.Token{RefreshToken: c.RefreshToken})
	token, err := source.Token()
	if err != nil {
		if isInvalidGrant(err) {
			log.Info().Msg("auth: refresh token rejected, session ended")
			if clearErr := a.store.Clear(ctx); clearErr != nil {
				return "", storageError(clearErr)
			}
			return "", nil
		}

		return "", grantError(grantRefreshToken, m.TokenEndpoint, err)
	}

	// a logout or a new login while the grant was in flight supersedes it
	updated, applied, err := a.saveTokensIf(ctx, token, func(current credential.Credential) bool {
		return current.RefreshToken == c.RefreshToken
	})
	if err != nil {
		return "", err
	}
	if !applied {
		log.Info().Bool("signed_in", !updated.Empty()).Msg("auth: refresh superseded, response discarded")
		return updated.AccessToken, nil
	}

	log.Info().
		Bool("refresh_token_rolled", token.RefreshToken != c.RefreshToken).
		Msg("auth: access token refreshed")

	return updated.AccessToken, nil
}

// saveTokens merges a token endpoint response into the stored credential.
func (a *Authenticator) saveTokens(ctx context.Context, token *oauth2.Token) (credential.Credential, error) {
	updated, _, err := a.saveTokensIf(ctx, token, func(credential.Credential) bool { return true })
	return updated, err
}

// saveTokensIf merges the response only while cond holds for the stored
// credential.
func (a *Authenticator) saveTokensIf(ctx context.Context, token *oauth2.Token, cond func(credential.Credential) bool) (credential.Credential, bool, error) {
	response := credential.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		response.IDToken = idToken
	}

	updated, applied, err := a.store.UpdateIf(ctx, cond, func(prior credential.Credential) credential.Credential {
		return credential.Merge(prior, response)
	})
	if err != nil {
		return credential.Credential{}, false, storageError(err)
	}

	return updated, applied, nil
}

// ExpireAccessTokenForTesting corrupts the stored access token.
func (a *Authenticator) ExpireAccessTokenForTesting(ctx context.Context) error {
	return a.store.ExpireForTesting(ctx, credential.AccessTokenExpiry)
}

// ExpireRefreshTokenForTesting removes the access token and corrupts the
// stored refresh token.
func (a *Authenticator) ExpireRefreshTokenForTesting(ctx context.Context) error {
	return a.store.ExpireForTesting(ctx, credential.RefreshTokenExpiry)
}

// oauth2Config describes this public client to the oauth2 package. There is
// no client secret, so the client ID is sent in the request body.
func (a *Authenticator) oauth2Config(m oidc.ProviderMetadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    a.cfg.ClientID,
		RedirectURL: a.cfg.RedirectURI,
		Scopes:      a.cfg.Scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.AuthorizationEndpoint,
			TokenURL:  m.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (a *Authenticator) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant"
}

// grantError classifies a failed grant. Provider error responses keep their
// OAuth error code and transport failures are wrapped as network errors.
func grantError(grant, tokenEndpoint string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return clienterror.TokenError{
			Grant:       grant,
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
			StatusCode:  status,
			Cause:       err,
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return clienterror.TokenError{
			Grant: grant,
			Cause: clienterror.NetworkError{URL: tokenEndpoint, Cause: err},
		}
	}

	return clienterror.TokenError{Grant: grant, Cause: err}
}

func storageError(err error) error {
	return clienterror.GeneralError{
		Area:    "token_storage",
		Code:    "credential_storage_failed",
		Message: "the stored credential could not be accessed",
		Cause:   err,
	}
}
