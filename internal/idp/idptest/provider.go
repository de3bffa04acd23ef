// Package idptest runs an in-process OpenID provider for tests. It serves
// discovery, JWKS, authorization (embedded mode), token, end-session and
// SCIM /Me endpoints and signs RS256 ID tokens.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	ClientID = "worker-client"
	keyID    = "test-key"
)

type grant struct {
	challenge string
	nonce     string
	subject   string
}

// Provider is a fake identity provider. Fields may be set before the flow
// they affect starts.
type Provider struct {
	Server *httptest.Server

	key *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]grant
	flows         map[string]grant
	refreshTokens map[string]string
	accessTokens  map[string]string
	tokenForms    []url.Values

	Subject string
	// Claims are added to every issued ID token.
	Claims map[string]any
	// RefreshError makes the refresh grant fail with this OAuth error code.
	RefreshError string
	// NonceOverride replaces the nonce of issued ID tokens.
	NonceOverride string
	// TokenTTL is the lifetime of issued access and ID tokens.
	TokenTTL time.Duration
	// OmitEndSession hides the end-session endpoint from discovery.
	OmitEndSession bool
	// TokenDelay slows down the token endpoint.
	TokenDelay time.Duration
	// ProfileDelay slows down the profile endpoint.
	ProfileDelay time.Duration
}

func New(t testing.TB) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	p := &Provider{
		key:           key,
		codes:         make(map[string]grant),
		flows:         make(map[string]grant),
		refreshTokens: make(map[string]string),
		accessTokens:  make(map[string]string),
		Subject:       "user-1",
		TokenTTL:      time.Hour,
		Claims: map[string]any{
			"username":    "jdoe",
			"email":       "jdoe@example.com",
			"given_name":  "John",
			"family_name": "Doe",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("GET /oauth2/jwks", p.jwks)
	mux.HandleFunc("POST /oauth2/authorize", p.authorizeDirect)
	mux.HandleFunc("POST /oauth2/token", p.token)
	mux.HandleFunc("GET /scim2/Me", p.me)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	return p
}

func (p *Provider) URL() string {
	return p.Server.URL
}

// Approve plays the user agent: it accepts the authorization URL and
// returns the code the provider redirects back with.
func (p *Provider) Approve(authURL string) (string, error) {
	return p.ApproveWithCode(authURL, uuid.NewString())
}

func (p *Provider) ApproveWithCode(authURL, code string) (string, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	if q.Get("code_challenge_method") != "S256" {
		return "", fmt.Errorf("unexpected code_challenge_method %q", q.Get("code_challenge_method"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.codes[code] = grant{
		challenge: q.Get("code_challenge"),
		nonce:     q.Get("nonce"),
		subject:   p.Subject,
	}

	return code, nil
}

// CompleteFlow finishes an embedded flow and returns its code.
func (p *Provider) CompleteFlow(flowID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.flows[flowID]
	if !ok {
		return "", fmt.Errorf("unknown flow %q", flowID)
	}
	delete(p.flows, flowID)

	code := uuid.NewString()
	p.codes[code] = g

	return code, nil
}

// TokenForms returns the bodies of all token requests received.
func (p *Provider) TokenForms() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]url.Values(nil), p.tokenForms...)
}

// SignIDToken signs claims with the provider key.
func (p *Provider) SignIDToken(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID

	return token.SignedString(p.key)
}

func (p *Provider) discovery(w http.ResponseWriter, _ *http.Request) {
	conf := map[string]any{
		"issuer":                                p.URL(),
		"authorization_endpoint":                p.URL() + "/oauth2/authorize",
		"token_endpoint":                        p.URL() + "/oauth2/token",
		"jwks_uri":                              p.URL() + "/oauth2/jwks",
		"response_types_supported":              []string{"code"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	if !p.OmitEndSession {
		conf["end_session_endpoint"] = p.URL() + "/oidc/logout"
	}

	writeJSON(w, http.StatusOK, conf)
}

func (p *Provider) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (p *Provider) authorizeDirect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("response_mode") != "direct" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	flowID := uuid.NewString()

	p.mu.Lock()
	p.flows[flowID] = grant{
		challenge: r.PostForm.Get("code_challenge"),
		nonce:     r.PostForm.Get("nonce"),
		subject:   p.Subject,
	}
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"flowId":     flowID,
		"flowStatus": "INCOMPLETE",
		"flowType":   "AUTHENTICATION",
		"nextStep": map[string]any{
			"stepType": "AUTHENTICATOR_PROMPT",
		},
	})
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	if p.TokenDelay > 0 {
		time.Sleep(p.TokenDelay)
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.tokenForms = append(p.tokenForms, r.PostForm)

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		g, ok := p.codes[r.PostForm.Get("code")]
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		delete(p.codes, r.PostForm.Get("code"))

		if s256(r.PostForm.Get("code_verifier")) != g.challenge {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}

		p.issue(w, g.subject, g.nonce)
	case "refresh_token":
		if p.RefreshError != "" {
			writeError(w, http.StatusBadRequest, p.RefreshError)
			return
		}

		subject, ok := p.refreshTokens[r.PostForm.Get("refresh_token")]
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		delete(p.refreshTokens, r.PostForm.Get("refresh_token"))

		p.issue(w, subject, "")
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

// issue writes a token response; p.mu must be held.
func (p *Provider) issue(w http.ResponseWriter, subject, nonce string) {
	now := time.Now()
	accessToken := uuid.NewString()
	refreshToken := uuid.NewString()

	claims := jwt.MapClaims{
		"iss":     p.URL(),
		"sub":     subject,
		"aud":     ClientID,
		"iat":     now.Unix(),
		"exp":     now.Add(p.TokenTTL).Unix(),
		"at_hash": atHash(accessToken),
	}
	for k, v := range p.Claims {
		claims[k] = v
	}
	if p.NonceOverride != "" {
		nonce = p.NonceOverride
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}

	idToken, err := p.SignIDToken(claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	p.refreshTokens[refreshToken] = subject
	p.accessTokens[accessToken] = subject

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(p.TokenTTL.Seconds()),
		"refresh_token": refreshToken,
		"id_token":      idToken,
		"scope":         "openid profile email",
	})
}

func (p *Provider) me(w http.ResponseWriter, r *http.Request) {
	if p.ProfileDelay > 0 {
		time.Sleep(p.ProfileDelay)
	}

	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")

	p.mu.Lock()
	subject, ok := "", false
	if len(auth) > len(prefix) {
		subject, ok = p.accessTokens[auth[len(prefix):]]
	}
	p.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         subject,
		"userName":   "jdoe",
		"profileUrl": "https://example.com/jdoe",
		"name":       map[string]any{"givenName": "John", "familyName": "Doe"},
		"emails":     []any{"jdoe@example.com", map[string]any{"value": "john@example.org"}},
		"photos": []any{
			map[string]any{"type": "photo", "value": "https://example.com/jdoe.png"},
			map[string]any{"type": "thumbnail", "value": "https://example.com/jdoe-small.png"},
		},
	})
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func atHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": code})
}
