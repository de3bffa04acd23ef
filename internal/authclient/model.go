package authclient

import (
	"encoding/json"
	"time"

	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/internal/idp"
)

// Phase is the position of the client in the sign-in flow.
type Phase string

const (
	PhaseIdle                   Phase = "idle"
	PhaseAuthorizationRequested Phase = "authorization_requested"
	PhaseCodeReceived           Phase = "code_received"
	PhaseTokenExchanged         Phase = "token_exchanged"
	PhaseSessionActive          Phase = "session_active"
	PhaseFailed                 Phase = "failed"
	PhaseSignedOut              Phase = "signed_out"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSignedOut Status = "signed_out"
)

type Claims struct {
	Subject  string    `json:"sub"`
	Issuer   string    `json:"iss"`
	Audience []string  `json:"aud"`
	Expiry   time.Time `json:"exp"`
	IssuedAt time.Time `json:"iat"`
	Nonce    string    `json:"nonce,omitempty"`
}

// Session is the stored authentication state. It is written as one JSON
// document so that replacing it is a single store write.
type Session struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"accessToken,omitempty"`
	TokenType    string    `json:"tokenType,omitempty"`
	IDToken      string    `json:"idToken,omitempty"`
	Claims       Claims    `json:"claims"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scopes       []string  `json:"scopes,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	RefreshedAt  time.Time `json:"refreshedAt,omitzero"`
}

// SessionInfo describes a session without its secrets.
type SessionInfo struct {
	ID              string    `json:"id"`
	Subject         string    `json:"sub"`
	Status          Status    `json:"status"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Scopes          []string  `json:"scopes,omitempty"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
	CreatedAt       time.Time `json:"createdAt"`
	RefreshedAt     time.Time `json:"refreshedAt,omitzero"`
}

func (s Session) Info() SessionInfo {
	return SessionInfo{
		ID:              s.ID,
		Subject:         s.Claims.Subject,
		Status:          s.Status,
		ExpiresAt:       s.ExpiresAt,
		Scopes:          s.Scopes,
		HasRefreshToken: s.RefreshToken != "",
		CreatedAt:       s.CreatedAt,
		RefreshedAt:     s.RefreshedAt,
	}
}

type SignInOptions struct {
	// Params are extra authorization request parameters for this attempt.
	Params map[string]string `json:"params,omitempty"`
}

type SignInResult struct {
	Mode        config.Mode   `json:"mode"`
	State       string        `json:"state"`
	RedirectURL string        `json:"redirectUrl,omitempty"`
	Flow        *idp.FlowStep `json:"flow,omitempty"`
}

// Callback carries the parameters the provider sent back.
type Callback struct {
	Code             string `json:"code"`
	State            string `json:"state"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

type SignOutOptions struct {
	LocalOnly bool `json:"localOnly,omitempty"`
}

type SignOutResult struct {
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// UserProfile is the view of the ID token claims handed to the host.
type UserProfile struct {
	Subject    string         `json:"sub"`
	Username   string         `json:"username,omitempty"`
	Email      string         `json:"email,omitempty"`
	GivenName  string         `json:"givenName,omitempty"`
	FamilyName string         `json:"familyName,omitempty"`
	Name       string         `json:"name,omitempty"`
	Claims     map[string]any `json:"claims"`
}

func (s Session) marshal() (string, error) {
	b, err := json.Marshal(s)
	return string(b), err
}
