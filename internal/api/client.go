// Package api calls the backend API with the signed-in user's access token.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/chinmina/chinmina-client/internal/config"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	ClientName = "chinmina-client"

	HeaderClientName    = "X-Client-Name"
	HeaderSessionID     = "X-Session-ID"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderTestException = "X-Test-Exception"

	maxResponseBytes = 10 << 20 // 10 MiB
)

// Request describes an API call. Path is resolved against the API base URL;
// an absolute URL is used as is.
type Request struct {
	Method string
	Path   string
	Body   []byte

	// Area names the API area for error details.
	Area string
}

// Get describes a GET request for path.
func Get(path string) Request {
	return Request{Method: http.MethodGet, Path: path}
}

type Client struct {
	baseURL       *url.URL
	client        *http.Client
	sessionID     string
	testException string
}

type Option func(*Client)

// WithHTTPClient replaces the default client, whose timeout comes from the
// API configuration.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// New creates a client with a new session ID. The session ID is sent with
// every call made through this client, so it identifies one run of the app.
func New(cfg config.APIConfig, transport http.RoundTripper, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}

	c := &Client{
		baseURL: base,
		client: &http.Client{
			Timeout:   cfg.Timeout(),
			Transport: transport,
		},
		sessionID:     uuid.NewString(),
		testException: cfg.TestExceptionTarget,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Client) SessionID() string {
	return c.sessionID
}

// Do sends req with token as its bearer credential and returns the response
// body. Transport failures return NetworkError and non-2xx responses return
// ResponseError. When simulateError is set the API is asked to fail the call.
func (c *Client) Do(ctx context.Context, req Request, token string, simulateError bool) ([]byte, error) {
	target, err := c.resolve(req.Path)
	if err != nil {
		return nil, clienterror.GeneralError{Area: req.Area, Code: "invalid_request", Message: "the request URL is invalid", Cause: err}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, clienterror.GeneralError{Area: req.Area, Code: "invalid_request", Message: "the request could not be created", Cause: err}
	}

	correlationID := uuid.NewString()

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set(HeaderClientName, ClientName)
	httpReq.Header.Set(HeaderSessionID, c.sessionID)
	httpReq.Header.Set(HeaderCorrelationID, correlationID)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if simulateError {
		httpReq.Header.Set(HeaderTestException, c.testException)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, clienterror.NetworkError{URL: target, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, clienterror.NetworkError{URL: target, Cause: err}
	}

	log.Debug().
		Str("method", method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Str("correlation_id", correlationID).
		Msg("api: response received")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseErrorResponse(target, req.Area, resp.StatusCode, data)
	}

	return data, nil
}

func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

// errorBody holds the fields of the error formats returned by the API and
// by OAuth protected endpoints.
type errorBody struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Area             string `json:"area"`
	ID               any    `json:"id"`
	UTCTime          string `json:"utcTime"`
}

func parseErrorResponse(target, area string, status int, data []byte) error {
	respErr := clienterror.ResponseError{
		URL:        target,
		StatusCode: status,
		Area:       area,
	}

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		// not every error response has a JSON body
		return respErr
	}

	respErr.Code = firstNonEmpty(body.Code, body.Error)
	respErr.Message = firstNonEmpty(body.Message, body.ErrorDescription)
	respErr.Area = firstNonEmpty(body.Area, area)
	respErr.UTCTime = body.UTCTime
	if body.ID != nil {
		respErr.InstanceID = fmt.Sprint(body.ID)
	}

	return respErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
