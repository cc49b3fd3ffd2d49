package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	API     APIConfig
	Auth    AuthConfig
	Observe ObserveConfig
	Server  ServerConfig
	Storage StorageConfig
}

// ServerConfig configures the local receiver for deep link callbacks.
type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8090"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=5"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=20"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=10"`
}

// AuthConfig holds the OAuth/OIDC relying party settings.
type AuthConfig struct {
	Authority             string `env:"OAUTH_AUTHORITY, required"`
	ClientID              string `env:"OAUTH_CLIENT_ID, required"`
	RedirectURI           string `env:"OAUTH_REDIRECT_URI, required"`
	PostLogoutRedirectURI string `env:"OAUTH_POST_LOGOUT_REDIRECT_URI, required"`

	// LogoutEndpoint overrides the end session endpoint when the provider's
	// metadata does not supply one.
	LogoutEndpoint string `env:"OAUTH_LOGOUT_ENDPOINT"`

	// Scope is space delimited.
	Scope string `env:"OAUTH_SCOPE, default=openid profile"`

	// DeepLinkBaseURL is the base of the callback deep links the app
	// receives: {base}/callback and {base}/logoutcallback.
	DeepLinkBaseURL string `env:"OAUTH_DEEP_LINK_BASE_URL, required"`

	TimeoutSeconds int `env:"OAUTH_TIMEOUT_SECS, default=10"`
}

// Scopes splits the configured scope on whitespace.
func (c AuthConfig) Scopes() []string {
	return strings.Fields(c.Scope)
}

func (c AuthConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks that the URLs are absolute.
func (c *AuthConfig) Validate() error {
	urls := []struct {
		name  string
		value string
	}{
		{"OAUTH_AUTHORITY", c.Authority},
		{"OAUTH_REDIRECT_URI", c.RedirectURI},
		{"OAUTH_POST_LOGOUT_REDIRECT_URI", c.PostLogoutRedirectURI},
		{"OAUTH_DEEP_LINK_BASE_URL", c.DeepLinkBaseURL},
	}

	for _, u := range urls {
		if err := requireAbsoluteURL(u.name, u.value); err != nil {
			return err
		}
	}

	if c.LogoutEndpoint != "" {
		if err := requireAbsoluteURL("OAUTH_LOGOUT_ENDPOINT", c.LogoutEndpoint); err != nil {
			return err
		}
	}

	if len(c.Scopes()) == 0 {
		return errors.New("OAUTH_SCOPE must contain at least one scope")
	}

	return nil
}

// APIConfig configures calls to the backend API.
type APIConfig struct {
	BaseURL        string `env:"API_BASE_URL, required"`
	TimeoutSeconds int    `env:"API_TIMEOUT_SECS, default=10"`

	// TestExceptionTarget is the value of the test exception header sent
	// when a caller asks the API to simulate a failure.
	TestExceptionTarget string `env:"API_TEST_EXCEPTION_TARGET, default=SampleApi"`
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *APIConfig) Validate() error {
	return requireAbsoluteURL("API_BASE_URL", c.BaseURL)
}

// StorageConfig specifies where the credential record is persisted.
type StorageConfig struct {
	Directory string `env:"SECURE_STORAGE_DIR, default=.credentials"`

	// KMSKeyARN enables encryption of stored records with the given AWS KMS
	// symmetric key.
	KMSKeyARN string `env:"SECURE_STORAGE_KMS_KEY_ARN"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=chinmina-client"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func (c *ObserveConfig) Validate() error {
	if c.Type != "grpc" && c.Type != "stdout" {
		return fmt.Errorf("OBSERVE_TYPE must be one of grpc, stdout: got %q", c.Type)
	}
	return nil
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Auth.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid auth configuration: %w", err)
	}

	if err := cfg.API.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid API configuration: %w", err)
	}

	if err := cfg.Observe.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid observe configuration: %w", err)
	}

	return cfg, nil
}

func requireAbsoluteURL(name, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL: %q", name, value)
	}
	return nil
}
