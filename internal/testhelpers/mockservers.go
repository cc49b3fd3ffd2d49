package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TokenResponse configures what the mock token endpoint issues. Empty fields
// are omitted from the response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// MockOIDCServer provides a configurable mock OpenID Connect provider
// supporting discovery, the token endpoint and the userinfo endpoint.
type MockOIDCServer struct {
	Server *httptest.Server

	DiscoveryCount  atomic.Int32
	DiscoveryStatus atomic.Int32 // HTTP status for discovery (200 if not set)
	OmitEndSession  bool         // omit end_session_endpoint from discovery

	RefreshCount  atomic.Int32 // refresh_token grants received
	ExchangeCount atomic.Int32 // authorization_code grants received
	UserInfoCount atomic.Int32

	mu             sync.Mutex
	tokenResponse  TokenResponse
	tokenStatus    int
	tokenErrorCode string
	lastTokenForm  url.Values
	expectedCode   string
	discoveryHold  chan struct{}
	tokenHold      chan struct{}
	discoveryEnter chan struct{}
	tokenEnter     chan struct{}
}

// SetupMockOIDCServer creates a mock provider whose token endpoint issues
// access token "access-token-1" by default.
func SetupMockOIDCServer(t *testing.T) *MockOIDCServer {
	t.Helper()

	mock := &MockOIDCServer{
		tokenResponse:  TokenResponse{AccessToken: "access-token-1"},
		tokenStatus:    http.StatusOK,
		expectedCode:   "auth-code",
		discoveryEnter: make(chan struct{}, 100),
		tokenEnter:     make(chan struct{}, 100),
	}
	mock.DiscoveryStatus.Store(http.StatusOK)

	router := http.NewServeMux()

	router.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		mock.DiscoveryCount.Add(1)
		mock.discoveryEnter <- struct{}{}

		mock.mu.Lock()
		hold := mock.discoveryHold
		mock.mu.Unlock()
		if hold != nil {
			<-hold
		}

		status := int(mock.DiscoveryStatus.Load())
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}

		authority := mock.Authority()
		doc := map[string]string{
			"issuer":                 authority,
			"authorization_endpoint": authority + "/authorize",
			"token_endpoint":         authority + "/token",
			"userinfo_endpoint":      authority + "/userinfo",
		}
		if !mock.OmitEndSession {
			doc["end_session_endpoint"] = authority + "/logout"
		}

		WriteJSON(w, doc)
	})

	router.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch r.PostForm.Get("grant_type") {
		case "refresh_token":
			mock.RefreshCount.Add(1)
		case "authorization_code":
			mock.ExchangeCount.Add(1)
		}
		mock.tokenEnter <- struct{}{}

		mock.mu.Lock()
		mock.lastTokenForm = r.PostForm
		hold := mock.tokenHold
		response := mock.tokenResponse
		status := mock.tokenStatus
		errorCode := mock.tokenErrorCode
		expectedCode := mock.expectedCode
		mock.mu.Unlock()

		if hold != nil {
			<-hold
		}

		if r.PostForm.Get("grant_type") == "authorization_code" && r.PostForm.Get("code") != expectedCode {
			status = http.StatusBadRequest
			errorCode = "invalid_grant"
		}

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			if errorCode != "" {
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":             errorCode,
					"error_description": "mock token endpoint failure",
				})
			}
			return
		}

		body := map[string]any{
			"token_type": "Bearer",
			"expires_in": 300,
		}
		if response.AccessToken != "" {
			body["access_token"] = response.AccessToken
		}
		if response.RefreshToken != "" {
			body["refresh_token"] = response.RefreshToken
		}
		if response.IDToken != "" {
			body["id_token"] = response.IDToken
		}

		WriteJSON(w, body)
	})

	router.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		mock.UserInfoCount.Add(1)

		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_token","error_description":"missing bearer token"}`))
			return
		}

		WriteJSON(w, map[string]string{
			"given_name":  "Guest",
			"family_name": "User",
			"email":       "guestuser@example.com",
		})
	})

	mock.Server = httptest.NewServer(router)
	return mock
}

// Authority is the issuer base URL of the mock provider.
func (m *MockOIDCServer) Authority() string {
	return m.Server.URL
}

// SetTokenResponse configures the tokens issued by successful grants.
func (m *MockOIDCServer) SetTokenResponse(response TokenResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenResponse = response
	m.tokenStatus = http.StatusOK
	m.tokenErrorCode = ""
}

// SetTokenError makes the token endpoint fail with the given status and
// OAuth error code. An empty code sends no body.
func (m *MockOIDCServer) SetTokenError(status int, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenStatus = status
	m.tokenErrorCode = code
}

// LastTokenForm returns the form values of the most recent token request.
func (m *MockOIDCServer) LastTokenForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTokenForm
}

// HoldDiscovery blocks discovery responses until the returned channel is
// closed.
func (m *MockOIDCServer) HoldDiscovery() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoveryHold = make(chan struct{})
	return m.discoveryHold
}

// HoldToken blocks token responses until the returned channel is closed.
func (m *MockOIDCServer) HoldToken() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenHold = make(chan struct{})
	return m.tokenHold
}

// WaitForDiscovery waits until a discovery request has reached the server.
func (m *MockOIDCServer) WaitForDiscovery(t *testing.T) {
	t.Helper()
	waitFor(t, m.discoveryEnter, "discovery request")
}

// WaitForToken waits until a token request has reached the server.
func (m *MockOIDCServer) WaitForToken(t *testing.T) {
	t.Helper()
	waitFor(t, m.tokenEnter, "token request")
}

// Close shuts down the mock server.
func (m *MockOIDCServer) Close() {
	m.Server.Close()
}

// MockAPIServer provides a configurable mock backend API. Requests carrying
// the valid token receive the configured body for their path; any other
// token receives a 401.
type MockAPIServer struct {
	Server *httptest.Server

	RequestCount atomic.Int32

	mu          sync.Mutex
	validToken  string
	bodies      map[string]string
	failures    map[string]apiFailure
	pathCounts  map[string]int
	lastHeaders http.Header
	hold        chan struct{}
	enter       chan struct{}
}

type apiFailure struct {
	status int
	body   string
}

// SetupMockAPIServer creates a mock API server accepting validToken.
func SetupMockAPIServer(t *testing.T, validToken string) *MockAPIServer {
	t.Helper()

	mock := &MockAPIServer{
		validToken: validToken,
		bodies:     map[string]string{},
		failures:   map[string]apiFailure{},
		pathCounts: map[string]int{},
		enter:      make(chan struct{}, 100),
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.RequestCount.Add(1)
		mock.enter <- struct{}{}

		mock.mu.Lock()
		mock.pathCounts[r.URL.Path]++
		mock.lastHeaders = r.Header.Clone()
		hold := mock.hold
		validToken := mock.validToken
		body, hasBody := mock.bodies[r.URL.Path]
		failure, failing := mock.failures[r.URL.Path]
		mock.mu.Unlock()

		if hold != nil {
			<-hold
		}

		w.Header().Set("Content-Type", "application/json")

		if r.Header.Get("Authorization") != "Bearer "+validToken {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthorized","message":"Missing, invalid or expired access token"}`))
			return
		}

		if r.Header.Get("X-Test-Exception") != "" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":"exception_simulation","message":"An unexpected exception occurred in the API","area":"SampleApi","id":"77229","utcTime":"2026-10-16T09:12:41.000Z"}`))
			return
		}

		if failing {
			w.WriteHeader(failure.status)
			_, _ = w.Write([]byte(failure.body))
			return
		}

		if !hasBody {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not_found","message":"resource not found"}`))
			return
		}

		_, _ = w.Write([]byte(body))
	}))

	return mock
}

// URL is the API base URL.
func (m *MockAPIServer) URL() string {
	return m.Server.URL
}

// SetValidToken changes the access token accepted by the API.
func (m *MockAPIServer) SetValidToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validToken = token
}

// SetBody configures the JSON body returned for path.
func (m *MockAPIServer) SetBody(path, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies[path] = body
}

// SetFailure makes requests to path fail with the status and body.
func (m *MockAPIServer) SetFailure(path string, status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = apiFailure{status: status, body: body}
}

// PathCount returns the number of requests received for path.
func (m *MockAPIServer) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pathCounts[path]
}

// LastHeaders returns the headers of the most recent request.
func (m *MockAPIServer) LastHeaders() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeaders
}

// Hold blocks responses until the returned channel is closed.
func (m *MockAPIServer) Hold() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = make(chan struct{})
	return m.hold
}

// WaitForRequest waits until a request has reached the server.
func (m *MockAPIServer) WaitForRequest(t *testing.T) {
	t.Helper()
	waitFor(t, m.enter, "API request")
}

// Close shuts down the mock server.
func (m *MockAPIServer) Close() {
	m.Server.Close()
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		require.FailNow(t, fmt.Sprintf("timed out waiting for %s", what))
	}
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
