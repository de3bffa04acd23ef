package idp

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/openkcm/session-worker/pkg/serviceerr"
)

// Tokens is the outcome of a token endpoint call.
type Tokens struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
	Scopes       []string
}

// IDToken holds the verified claims of an ID token.
type IDToken struct {
	Raw      string
	Subject  string
	Issuer   string
	Audience []string
	Expiry   time.Time
	IssuedAt time.Time
	Nonce    string
	Claims   map[string]any
}

func (c *Client) oauth2Config(conf Configuration) *oauth2.Config {
	authStyle := oauth2.AuthStyleInParams
	if c.cfg.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}

	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   conf.AuthorizationEndpoint,
			TokenURL:  conf.TokenEndpoint,
			AuthStyle: authStyle,
		},
	}
}

func (c *Client) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// Exchange redeems an authorization code together with its PKCE verifier.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (Tokens, error) {
	conf, err := c.Discover(ctx)
	if err != nil {
		return Tokens{}, err
	}

	token, err := c.oauth2Config(conf).Exchange(c.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Tokens{}, tokenError(err, "exchanging authorization code")
	}

	return c.tokens(token), nil
}

// Refresh redeems a refresh token. A provider that does not rotate refresh
// tokens gets the old one back.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	conf, err := c.Discover(ctx)
	if err != nil {
		return Tokens{}, err
	}

	src := c.oauth2Config(conf).TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return Tokens{}, tokenError(err, "refreshing tokens")
	}

	return c.tokens(token), nil
}

func (c *Client) tokens(token *oauth2.Token) Tokens {
	t := Tokens{
		AccessToken:  token.AccessToken,
		TokenType:    token.Type(),
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}

	if raw, ok := token.Extra("id_token").(string); ok {
		t.IDToken = raw
	}

	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		t.Scopes = strings.Fields(scope)
	} else {
		t.Scopes = c.cfg.Scopes
	}

	return t
}

// VerifyIDToken checks signature, issuer, audience and expiry of raw, that
// its nonce equals nonce when nonce is set, and its at_hash against
// accessToken when the claim is present.
func (c *Client) VerifyIDToken(ctx context.Context, raw, nonce, accessToken string) (IDToken, error) {
	if raw == "" {
		return IDToken{}, serviceerr.New(serviceerr.CodeTokenValidation, "token response has no id_token")
	}

	v, err := c.verifier(ctx)
	if err != nil {
		return IDToken{}, err
	}

	token, err := v.Verify(oidc.ClientContext(ctx, c.httpClient), raw)
	if err != nil {
		return IDToken{}, serviceerr.Wrap(serviceerr.CodeTokenValidation, err, "verifying id token")
	}

	if nonce != "" && subtle.ConstantTimeCompare([]byte(token.Nonce), []byte(nonce)) != 1 {
		return IDToken{}, serviceerr.New(serviceerr.CodeTokenValidation, "id token nonce mismatch")
	}

	if token.AccessTokenHash != "" {
		if err := token.VerifyAccessToken(accessToken); err != nil {
			return IDToken{}, serviceerr.Wrap(serviceerr.CodeTokenValidation, err, "verifying at_hash")
		}
	}

	claims := make(map[string]any)
	if err := token.Claims(&claims); err != nil {
		return IDToken{}, serviceerr.Wrap(serviceerr.CodeTokenValidation, err, "decoding id token claims")
	}

	return IDToken{
		Raw:      raw,
		Subject:  token.Subject,
		Issuer:   token.Issuer,
		Audience: token.Audience,
		Expiry:   token.Expiry,
		IssuedAt: token.IssuedAt,
		Nonce:    token.Nonce,
		Claims:   claims,
	}, nil
}

// tokenError classifies token endpoint failures. invalid_grant is the only
// rejection the caller recovers from by restarting the flow.
func tokenError(err error, op string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch {
		case re.ErrorCode == "invalid_grant":
			return serviceerr.Wrap(serviceerr.CodeInvalidGrant, err, op)
		case re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError:
			return serviceerr.Wrap(serviceerr.CodeNetwork, err, op)
		default:
			return serviceerr.Wrap(serviceerr.CodeAuthorizationFailed, err, op)
		}
	}

	if isTransportError(err) {
		return serviceerr.Wrap(serviceerr.CodeNetwork, err, op)
	}

	return serviceerr.Wrap(serviceerr.CodeUnknown, err, op)
}
