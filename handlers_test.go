package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/chinmina/chinmina-client/internal/fetch"
	"github.com/chinmina/chinmina-client/internal/redirect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResumer(t *testing.T) *redirect.Resumer {
	t.Helper()

	resumer, err := redirect.NewResumer(
		"http://127.0.0.1:8090/app",
		"https://app.example.com/callback",
		"https://app.example.com/logoutcallback",
	)
	require.NoError(t, err)
	return resumer
}

func TestHandleCallback_ResumesPendingLogin(t *testing.T) {
	resumer := newTestResumer(t)

	session, err := resumer.Begin(redirect.Login)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/app/callback?code=abc&state=xyz", nil)
	rr := httptest.NewRecorder()

	handleCallback(resumer).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "You can close this window")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delivered, err := session.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/callback?code=abc&state=xyz", delivered.String())
}

func TestHandleCallback_NothingPending(t *testing.T) {
	resumer := newTestResumer(t)

	req := httptest.NewRequest(http.MethodGet, "/app/logoutcallback?state=xyz", nil)
	rr := httptest.NewRecorder()

	handleCallback(resumer).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "No sign in or sign out is in progress")
}

func TestHandleView_Success(t *testing.T) {
	handler := handleView(fetch.Options{}, func(ctx context.Context, r *http.Request, opts fetch.Options) (any, error) {
		return []string{"one", "two"}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/views/companies", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `["one","two"]`, rr.Body.String())
}

func TestHandleView_QueryOverridesOptions(t *testing.T) {
	cases := []struct {
		query    string
		defaults fetch.Options
		expected fetch.Options
	}{
		{query: "", defaults: fetch.Options{}, expected: fetch.Options{}},
		{query: "?reload=true", defaults: fetch.Options{}, expected: fetch.Options{ForceReload: true}},
		{query: "?simulateError=1", defaults: fetch.Options{}, expected: fetch.Options{SimulateError: true}},
		{query: "?reload=false", defaults: fetch.Options{ForceReload: true}, expected: fetch.Options{}},
		{query: "?reload=maybe", defaults: fetch.Options{ForceReload: true}, expected: fetch.Options{ForceReload: true}},
	}

	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			var received fetch.Options
			handler := handleView(tc.defaults, func(ctx context.Context, r *http.Request, opts fetch.Options) (any, error) {
				received = opts
				return struct{}{}, nil
			})

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/views/companies"+tc.query, nil))

			assert.Equal(t, tc.expected, received)
		})
	}
}

func TestHandleView_ErrorDetails(t *testing.T) {
	handler := handleView(fetch.Options{}, func(ctx context.Context, r *http.Request, opts fetch.Options) (any, error) {
		return nil, clienterror.ResponseError{
			StatusCode: http.StatusInternalServerError,
			Area:       "SampleApi",
			Code:       "exception_simulation",
			Message:    "An unexpected exception occurred in the API",
			InstanceID: "77229",
			UTCTime:    "2026-10-16T09:12:41.000Z",
		}
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/views/companies", nil))

	assert.Equal(t, http.StatusBadGateway, rr.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, clienterror.Details{
		Kind:       "response",
		Area:       "SampleApi",
		Code:       "exception_simulation",
		Message:    "An unexpected exception occurred in the API",
		StatusCode: http.StatusInternalServerError,
		InstanceID: "77229",
		UTCTime:    "2026-10-16T09:12:41.000Z",
	}, body.Error)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected int
	}{
		{"login required", clienterror.LoginRequiredError{}, http.StatusUnauthorized},
		{"wrapped login required", fmt.Errorf("view: %w", clienterror.LoginRequiredError{}), http.StatusUnauthorized},
		{"cancelled", clienterror.RedirectCancelledError{Operation: "login"}, http.StatusConflict},
		{"api response", clienterror.ResponseError{StatusCode: http.StatusNotFound}, http.StatusBadGateway},
		{"network", clienterror.NetworkError{Cause: errors.New("refused")}, http.StatusBadGateway},
		{"token", clienterror.TokenError{Grant: "refresh_token"}, http.StatusBadGateway},
		{"metadata", clienterror.MetadataLookupError{Cause: errors.New("refused")}, http.StatusBadGateway},
		{"invalid arguments", clienterror.GeneralError{Code: "invalid_arguments"}, http.StatusBadRequest},
		{"redirect pending", clienterror.GeneralError{Code: "redirect_already_pending"}, http.StatusConflict},
		{"other general", clienterror.GeneralError{Code: "invalid_response"}, http.StatusInternalServerError},
		{"foreign", errors.New("unknown"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, errorStatus(tc.err))
		})
	}
}

func TestHandleHealthCheck(t *testing.T) {
	rr := httptest.NewRecorder()
	handleHealthCheck().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestMaxRequestSize(t *testing.T) {
	var readErr error
	handler := maxRequestSize(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		_, readErr = r.Body.Read(buf)
		for readErr == nil {
			_, readErr = r.Body.Read(buf)
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("a body that is too long"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var maxBytesErr *http.MaxBytesError
	assert.ErrorAs(t, readErr, &maxBytesErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, errorStatus(readErr))
}
