package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/chinmina/chinmina-client/internal/fetch"
	"github.com/chinmina/chinmina-client/internal/observe"
	"github.com/chinmina/chinmina-client/internal/redirect"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

func configureServerRoutes(a *app, opts options) http.Handler {
	mux := observe.NewMux(http.NewServeMux())

	// Requests to the receiver carry no meaningful body: the limit guards
	// against a misbehaving local client.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	standardRouteMiddleware := alice.New(
		requestLimiter,
		hlog.NewHandler(log.Logger),
		hlog.AccessHandler(logAccess),
	)

	// callbacks from the browser
	callbackHandler := standardRouteMiddleware.Then(handleCallback(a.resumer))
	mux.Handle("GET "+a.resumer.CallbackPath(redirect.Login), callbackHandler)
	mux.Handle("GET "+a.resumer.CallbackPath(redirect.Logout), callbackHandler)

	// local views, loaded through the shared response cache
	mux.Handle("GET /views/companies", standardRouteMiddleware.Then(handleView(opts.fetch, func(ctx context.Context, r *http.Request, fo fetch.Options) (any, error) {
		return a.views.Companies(ctx, fo)
	})))
	mux.Handle("GET /views/companies/{id}/transactions", standardRouteMiddleware.Then(handleView(opts.fetch, func(ctx context.Context, r *http.Request, fo fetch.Options) (any, error) {
		companyID, err := strconv.Atoi(r.PathValue("id"))
		if err != nil {
			return nil, clienterror.GeneralError{Area: "transactions", Code: "invalid_arguments", Message: "the company id must be a number", Cause: err}
		}
		return a.views.Transactions(ctx, companyID, fo)
	})))
	mux.Handle("GET /views/userinfo", standardRouteMiddleware.Then(handleView(opts.fetch, func(ctx context.Context, r *http.Request, fo fetch.Options) (any, error) {
		return a.loadUserInfo(ctx, fo)
	})))

	mux.Handle("POST /login", standardRouteMiddleware.Then(handleLogin(a)))
	mux.Handle("POST /logout", standardRouteMiddleware.Then(handleLogout(a)))

	mux.HandleUntraced("GET /healthcheck", alice.New(requestLimiter).Then(handleHealthCheck()))

	return mux
}

func handleCallback(resumer *redirect.Resumer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")

		if !resumer.Resume(r.URL) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("No sign in or sign out is in progress.\n"))
			return
		}

		_, _ = w.Write([]byte("Done. You can close this window and return to the app.\n"))
	})
}

type viewLoader func(ctx context.Context, r *http.Request, opts fetch.Options) (any, error)

// handleView writes the view as JSON. The query parameters reload and
// simulateError override the defaults for one request.
func handleView(defaults fetch.Options, load viewLoader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		opts := defaults
		q := r.URL.Query()
		if v, err := strconv.ParseBool(q.Get("reload")); err == nil {
			opts.ForceReload = v
		}
		if v, err := strconv.ParseBool(q.Get("simulateError")); err == nil {
			opts.SimulateError = v
		}

		result, err := load(r.Context(), r, opts)
		if err != nil {
			hlog.FromRequest(r).Info().Err(err).Msg("view load failed")
			writeJSONError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, result)
	})
}

// handleLogin presents the login page, then completes the login in the
// background once the browser returns to the callback.
func handleLogin(a *app) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if err := a.auth.StartLoginRedirect(r.Context(), a.presenter); err != nil {
			writeJSONError(w, err)
			return
		}

		go func() {
			err := a.completeLogin(context.Background())
			switch {
			case clienterror.IsCancelled(err):
				log.Info().Msg("login: cancelled")
			case err != nil:
				log.Warn().Err(err).Msg("login: failed")
			default:
				log.Info().Msg("login: complete")
			}
		}()

		writeJSON(w, http.StatusAccepted, statusResponse{Status: "login started"})
	})
}

// handleLogout signs out locally before responding. The provider sign out
// completes in the background.
func handleLogout(a *app) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if err := a.auth.StartLogoutRedirect(r.Context(), a.presenter); err != nil {
			// local sign out has completed even though the provider could not
			// be reached
			log.Warn().Err(err).Msg("logout: provider sign out could not start")
			writeJSON(w, http.StatusOK, statusResponse{Status: "signed out locally"})
			return
		}

		go a.completeLogout(context.Background())

		writeJSON(w, http.StatusAccepted, statusResponse{Status: "logout started"})
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

func logAccess(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request handled")
}

type statusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error clienterror.Details `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Err(err).Msg("failed to write JSON response")
	}
}

func writeJSONError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), ErrorResponse{Error: clienterror.DetailsOf(err)})
}

// errorStatus maps an error to the status of the local response. Failures
// of the provider or the API are reported as a bad gateway; their own status
// is part of the error details.
func errorStatus(err error) int {
	var (
		general     clienterror.GeneralError
		response    clienterror.ResponseError
		network     clienterror.NetworkError
		token       clienterror.TokenError
		lookup      clienterror.MetadataLookupError
		maxBytesErr *http.MaxBytesError
	)

	switch {
	case clienterror.IsLoginRequired(err):
		return http.StatusUnauthorized
	case clienterror.IsCancelled(err):
		return http.StatusConflict
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &response), errors.As(err, &network), errors.As(err, &token), errors.As(err, &lookup):
		return http.StatusBadGateway
	case errors.As(err, &general):
		switch general.Code {
		case "invalid_arguments":
			return http.StatusBadRequest
		case "redirect_already_pending":
			return http.StatusConflict
		}
	}

	return http.StatusInternalServerError
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024)
	}
}
