package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chinmina/chinmina-client/internal/config"
	"github.com/chinmina/chinmina-client/internal/testhelpers"
	"github.com/stretchr/testify/require"
)

const (
	testClientID      = "test-client"
	testSubject       = "guestuser"
	testRedirectURI   = "https://app.example.com/callback"
	testPostLogoutURI = "https://app.example.com/logoutcallback"
)

// AppTestHarness runs the whole client against a mock provider and a mock
// API, with a scripted browser that follows redirects back to the receiver.
type AppTestHarness struct {
	t        *testing.T
	OIDC     *testhelpers.MockOIDCServer
	API      *testhelpers.MockAPIServer
	Receiver *httptest.Server
	Browser  *testBrowser
	App      *app
	key      *rsa.PrivateKey
}

// NewAppTestHarness creates the mock servers and the client. The provider
// issues access-token-1 and refresh-token-1, and the API accepts
// access-token-1. Cleanup is handled via t.Cleanup().
func NewAppTestHarness(t *testing.T) *AppTestHarness {
	t.Helper()

	h := &AppTestHarness{
		t:    t,
		OIDC: testhelpers.SetupMockOIDCServer(t),
		API:  testhelpers.SetupMockAPIServer(t, "access-token-1"),
		key:  testhelpers.GenerateRSAKey(t),
	}
	t.Cleanup(h.OIDC.Close)
	t.Cleanup(h.API.Close)

	h.OIDC.SetTokenResponse(h.Tokens("access-token-1", "refresh-token-1"))

	h.API.SetBody("/investments/companies", `[{"id":1,"name":"Company 1","region":"USA"},{"id":2,"name":"Company 2","region":"Europe"}]`)
	h.API.SetBody("/investments/companies/1/transactions", `{"company":{"id":1,"name":"Company 1"},"transactions":[{"id":100,"investorId":"guestuser","companyId":1,"amountUsd":1000}]}`)
	h.API.SetBody("/investments/userinfo", `{"title":"Investor","regions":["USA"]}`)

	// the receiver address is needed for the deep link configuration before
	// its routes can be built
	h.Receiver = httptest.NewUnstartedServer(nil)
	receiverURL := "http://" + h.Receiver.Listener.Addr().String()

	cfg := config.Config{
		Auth: config.AuthConfig{
			Authority:             h.OIDC.Authority(),
			ClientID:              testClientID,
			RedirectURI:           testRedirectURI,
			PostLogoutRedirectURI: testPostLogoutURI,
			Scope:                 "openid profile",
			DeepLinkBaseURL:       receiverURL + "/app",
			TimeoutSeconds:        5,
		},
		API: config.APIConfig{
			BaseURL:             h.API.URL() + "/investments",
			TimeoutSeconds:      5,
			TestExceptionTarget: "SampleApi",
		},
		Storage: config.StorageConfig{
			Directory: t.TempDir(),
		},
	}

	h.Browser = &testBrowser{
		receiverURL: receiverURL,
		code:        "auth-code",
		client:      &http.Client{Timeout: 5 * time.Second},
	}

	a, err := newApp(t.Context(), cfg, http.DefaultTransport, h.Browser)
	require.NoError(t, err)
	h.App = a

	h.Receiver.Config.Handler = configureServerRoutes(a, options{})
	h.Receiver.Start()
	t.Cleanup(h.Receiver.Close)
	t.Cleanup(a.auth.CancelRedirects)

	return h
}

// Tokens builds a token response carrying a freshly signed id token.
func (h *AppTestHarness) Tokens(access, refresh string) testhelpers.TokenResponse {
	return testhelpers.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		IDToken:      testhelpers.CreateIDToken(h.t, h.key, h.OIDC.Authority(), testSubject, time.Now().Add(time.Hour)),
	}
}

// Login signs in through the scripted browser.
func (h *AppTestHarness) Login() {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(h.t, h.App.login(ctx))
}

// Get performs a GET against the local receiver.
func (h *AppTestHarness) Get(path string) *http.Response {
	h.t.Helper()

	resp, err := http.Get(h.Receiver.URL + path)
	require.NoError(h.t, err)
	h.t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

// testBrowser stands in for the system browser. It completes the provider
// interaction immediately and follows the redirect to the receiver.
type testBrowser struct {
	receiverURL string
	code        string
	client      *http.Client

	mu        sync.Mutex
	presented []*url.URL
	dismiss   bool
}

func (b *testBrowser) Present(ctx context.Context, target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.presented = append(b.presented, u)
	dismiss, code := b.dismiss, b.code
	b.mu.Unlock()

	if dismiss {
		return nil
	}

	state := u.Query().Get("state")

	var callback string
	switch {
	case strings.HasSuffix(u.Path, "/authorize"):
		callback = b.receiverURL + "/app/callback?" + url.Values{"code": {code}, "state": {state}}.Encode()
	case strings.HasSuffix(u.Path, "/logout"):
		callback = b.receiverURL + "/app/logoutcallback?" + url.Values{"state": {state}}.Encode()
	default:
		return fmt.Errorf("unexpected browser URL %s", target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callback, nil)
	if err != nil {
		return err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}

	return nil
}

// Dismiss makes the browser show pages without ever returning.
func (b *testBrowser) Dismiss() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dismiss = true
}

func (b *testBrowser) Presented() []*url.URL {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*url.URL(nil), b.presented...)
}
