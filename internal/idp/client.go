// Package idp talks to the OpenID provider: discovery, the authorization and
// token endpoints, ID token verification, end-session and the current user.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	gocache "github.com/patrickmn/go-cache"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-worker/pkg/serviceerr"
)

const (
	discoveryCacheTTL = time.Hour
	cacheKeyConfig    = "wkoc"
	cacheKeyVerifier  = "verifier"
)

type Option func(*Client)

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      *gocache.Cache
	now        func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if !slices.Contains(cfg.Scopes, oidc.ScopeOpenID) {
		cfg.Scopes = append([]string{oidc.ScopeOpenID}, cfg.Scopes...)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		cache:      gocache.New(discoveryCacheTTL, 2*discoveryCacheTTL),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

// Discover returns the provider configuration with the endpoint overrides
// applied. Results are cached.
func (c *Client) Discover(ctx context.Context) (Configuration, error) {
	if cached, ok := c.cache.Get(cacheKeyConfig); ok {
		//nolint:forcetypeassert
		return cached.(Configuration), nil
	}

	var conf Configuration
	if c.cfg.Endpoints.complete() {
		conf.Issuer = c.cfg.BaseURL
	} else {
		fetched, err := c.fetchConfiguration(ctx)
		if err != nil {
			return Configuration{}, err
		}
		conf = fetched
	}

	conf = c.cfg.Endpoints.apply(conf)
	if conf.AuthorizationEndpoint == "" || conf.TokenEndpoint == "" || conf.JwksURI == "" {
		return Configuration{}, serviceerr.New(serviceerr.CodeNetwork, "provider configuration lacks required endpoints")
	}

	c.cache.SetDefault(cacheKeyConfig, conf)
	slogctx.Debug(ctx, "Provider configuration loaded", "issuer", conf.Issuer)

	return conf, nil
}

func (c *Client) fetchConfiguration(ctx context.Context) (Configuration, error) {
	uri := c.cfg.Endpoints.Discovery
	if uri == "" {
		uri = c.cfg.BaseURL + discoveryPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Configuration{}, fmt.Errorf("creating a new HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Configuration{}, serviceerr.Wrap(serviceerr.CodeNetwork, err, "fetching provider configuration")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Configuration{}, serviceerr.New(serviceerr.CodeNetwork, "fetching provider configuration: status %d", resp.StatusCode)
	}

	var conf Configuration
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		return Configuration{}, serviceerr.Wrap(serviceerr.CodeNetwork, err, "decoding provider configuration")
	}

	return conf, nil
}

func (c *Client) verifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	if cached, ok := c.cache.Get(cacheKeyVerifier); ok {
		//nolint:forcetypeassert
		return cached.(*oidc.IDTokenVerifier), nil
	}

	conf, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	algs := c.cfg.SigningAlgs
	if len(algs) == 0 {
		algs = conf.IDTokenSigningAlgValuesSupported
	}

	// The key set outlives the request, so it must not inherit its context.
	keySet := oidc.NewRemoteKeySet(oidc.ClientContext(context.WithoutCancel(ctx), c.httpClient), conf.JwksURI)
	v := oidc.NewVerifier(conf.Issuer, keySet, &oidc.Config{
		ClientID:             c.cfg.ClientID,
		SupportedSigningAlgs: algs,
		Now:                  func() time.Time { return c.now().Add(-c.cfg.ClockSkew) },
	})

	c.cache.SetDefault(cacheKeyVerifier, v)

	return v, nil
}

func isTransportError(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
}
