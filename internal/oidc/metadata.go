package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/chinmina/chinmina-client/internal/clienterror"
	"github.com/chinmina/chinmina-client/internal/singleflight"
	"github.com/rs/zerolog/log"
)

const (
	discoveryPath = "/.well-known/openid-configuration"
	metadataKey   = "metadata"

	maxDiscoveryBodyBytes = 1 << 20 // 1 MiB
)

// ProviderMetadata holds the provider endpoints used by the client. It is
// immutable once loaded.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
}

// StateMismatchError is returned when a redirect response carries a state
// value other than the one sent with the request.
type StateMismatchError struct {
	Expected string
	Received string
}

func (e StateMismatchError) Error() string {
	if e.Received == "" {
		return "redirect response did not include a state parameter"
	}
	return "redirect response state did not match the request state"
}

// MetadataProvider loads provider metadata by discovery, at most once per
// process. Only a successful load is remembered: after a failure the next
// caller retries the discovery call. Concurrent callers share a single
// in-flight discovery request.
type MetadataProvider struct {
	authority string
	client    *http.Client
	quirks    Quirks
	flight    *singleflight.Coordinator

	mu       sync.RWMutex
	metadata *ProviderMetadata
}

func NewMetadataProvider(authority string, client *http.Client, quirks Quirks, flight *singleflight.Coordinator) *MetadataProvider {
	return &MetadataProvider{
		authority: strings.TrimSuffix(authority, "/"),
		client:    client,
		quirks:    quirks,
		flight:    flight,
	}
}

// Get returns the provider metadata, running discovery if it has not yet
// succeeded.
func (p *MetadataProvider) Get(ctx context.Context) (ProviderMetadata, error) {
	if m, ok := p.cached(); ok {
		return m, nil
	}

	return singleflight.Do(ctx, p.flight, metadataKey, func(ctx context.Context) (ProviderMetadata, error) {
		// a concurrent execution may have completed between the check above
		// and this execution starting
		if m, ok := p.cached(); ok {
			return m, nil
		}

		m, err := p.discover(ctx)
		if err != nil {
			log.Warn().Err(err).Str("authority", p.authority).Msg("metadata: discovery failed")
			return ProviderMetadata{}, err
		}

		p.mu.Lock()
		p.metadata = &m
		p.mu.Unlock()

		log.Info().
			Str("issuer", m.Issuer).
			Str("quirks", p.quirks.Name()).
			Msg("metadata: provider metadata loaded")

		return m, nil
	})
}

func (p *MetadataProvider) cached() (ProviderMetadata, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.metadata == nil {
		return ProviderMetadata{}, false
	}
	return *p.metadata, true
}

func (p *MetadataProvider) discover(ctx context.Context) (ProviderMetadata, error) {
	discoveryURL := p.authority + discoveryPath
	fail := func(err error) (ProviderMetadata, error) {
		return ProviderMetadata{}, clienterror.MetadataLookupError{URL: discoveryURL, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fail(clienterror.NetworkError{URL: discoveryURL, Cause: err})
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBodyBytes))
	if err != nil {
		return fail(clienterror.NetworkError{URL: discoveryURL, Cause: err})
	}

	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var m ProviderMetadata
	if err := json.Unmarshal(body, &m); err != nil {
		return fail(fmt.Errorf("invalid metadata document: %w", err))
	}

	if m.AuthorizationEndpoint == "" || m.TokenEndpoint == "" {
		return fail(errors.New("metadata document is missing the authorization or token endpoint"))
	}

	p.quirks.AdjustMetadata(&m)

	return m, nil
}
