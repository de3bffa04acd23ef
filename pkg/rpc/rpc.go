// Package rpc is the message protocol between a host and the worker that
// owns the authentication state. Requests and responses are plain JSON
// envelopes correlated by request id; nothing else crosses the boundary.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openkcm/session-worker/pkg/serviceerr"
)

// Methods understood by the worker.
const (
	MethodStartSignIn       = "startSignIn"
	MethodCompleteSignIn    = "completeSignIn"
	MethodRefresh           = "refresh"
	MethodRefreshIfExpiring = "refreshIfExpiring"
	MethodSignOut           = "signOut"
	MethodCancelSignIn      = "cancelSignIn"
	MethodSweep             = "sweep"
	MethodGetUser           = "getUser"
	MethodGetProfile        = "getProfile"
	MethodGetAccessToken    = "getAccessToken"
	MethodIsAuthenticated   = "isAuthenticated"
	MethodGetSession        = "getSession"
)

type Request struct {
	RequestID string         `json:"requestId"`
	Method    string         `json:"method"`
	Args      map[string]any `json:"args,omitempty"`
}

// NewRequest builds a request with a fresh id. args must encode as a JSON
// object; they are copied so the caller keeps no reference into the request.
func NewRequest(method string, args any) (Request, error) {
	req := Request{
		RequestID: uuid.NewString(),
		Method:    method,
	}
	if args == nil {
		return req, nil
	}

	b, err := json.Marshal(args)
	if err != nil {
		return Request{}, serviceerr.Wrap(serviceerr.CodeInvalidRequest, err, "encoding args for "+method)
	}

	if err := json.Unmarshal(b, &req.Args); err != nil {
		return Request{}, serviceerr.Wrap(serviceerr.CodeInvalidRequest, err, "args for "+method+" must be an object")
	}

	return req, nil
}

// Response carries either Result or ErrorKind, never both.
type Response struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Err rehydrates the error carried by the response, if any.
func (r Response) Err() error {
	if r.ErrorKind == "" {
		return nil
	}

	return serviceerr.FromWire(r.ErrorKind, r.Message)
}

// Decode returns the carried error, or decodes the result into v. v may be
// nil when the result is not needed.
func (r Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if v == nil || len(r.Result) == 0 {
		return nil
	}

	if err := json.Unmarshal(r.Result, v); err != nil {
		return serviceerr.Wrap(serviceerr.CodeUnknown, err, fmt.Sprintf("decoding result of %s", r.RequestID))
	}

	return nil
}

func ResultResponse(requestID string, result any) (Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}

	return Response{RequestID: requestID, Result: b}, nil
}

func ErrorResponse(requestID string, err error) Response {
	return Response{
		RequestID: requestID,
		ErrorKind: string(serviceerr.CodeOf(err)),
		Message:   serviceerr.Description(err),
	}
}

type SignInArgs struct {
	Params map[string]string `json:"params,omitempty"`
}

// FlowStep is the first step of an embedded (app-native) flow. NextStep and
// Links are passed through from the provider untouched.
type FlowStep struct {
	FlowID     string          `json:"flowId"`
	FlowStatus string          `json:"flowStatus"`
	FlowType   string          `json:"flowType,omitempty"`
	NextStep   json.RawMessage `json:"nextStep,omitempty"`
	Links      json.RawMessage `json:"links,omitempty"`
}

type SignInResult struct {
	Mode        string    `json:"mode"`
	State       string    `json:"state"`
	RedirectURL string    `json:"redirectUrl,omitempty"`
	Flow        *FlowStep `json:"flow,omitempty"`
}

type CallbackArgs struct {
	Code             string `json:"code"`
	State            string `json:"state"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

type SignOutArgs struct {
	LocalOnly bool `json:"localOnly,omitempty"`
}

type SignOutResult struct {
	RedirectURL string `json:"redirectUrl,omitempty"`
}

type CancelArgs struct {
	State string `json:"state"`
}

type RefreshIfExpiringArgs struct {
	Window time.Duration `json:"window"`
}

type RefreshIfExpiringResult struct {
	Refreshed bool `json:"refreshed"`
}

type SweepResult struct {
	Removed     int `json:"removed"`
	Outstanding int `json:"outstanding"`
}

type AccessTokenResult struct {
	AccessToken string `json:"accessToken"`
}

type AuthenticatedResult struct {
	Authenticated bool `json:"authenticated"`
}

// SessionInfo describes the session without any token material.
type SessionInfo struct {
	ID              string    `json:"id"`
	Subject         string    `json:"sub"`
	Status          string    `json:"status"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Scopes          []string  `json:"scopes,omitempty"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
	CreatedAt       time.Time `json:"createdAt"`
	RefreshedAt     time.Time `json:"refreshedAt,omitzero"`
}

type UserProfile struct {
	Subject    string         `json:"sub"`
	Username   string         `json:"username,omitempty"`
	Email      string         `json:"email,omitempty"`
	GivenName  string         `json:"givenName,omitempty"`
	FamilyName string         `json:"familyName,omitempty"`
	Name       string         `json:"name,omitempty"`
	Claims     map[string]any `json:"claims"`
}

type Profile struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName,omitempty"`
	GivenName   string   `json:"givenName,omitempty"`
	FamilyName  string   `json:"familyName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Emails      []string `json:"emails,omitempty"`
	ProfileURL  string   `json:"profileUrl,omitempty"`
	UserImage   string   `json:"userImage,omitempty"`
}
