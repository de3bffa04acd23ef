package session

import (
	"errors"

	"github.com/openkcm/session-worker/pkg/serviceerr"
)

const (
	OpSignIn      = "sign-in"
	OpCallback    = "callback"
	OpCancel      = "cancel sign-in"
	OpSignOut     = "sign-out"
	OpAuthCheck   = "authentication check"
	OpAccessToken = "access token lookup"
	OpUser        = "user lookup"
	OpProfile     = "profile lookup"
	OpSession     = "session lookup"
	OpRefresh     = "refresh"
	OpSweep       = "sweep"
)

// Error is returned by every Helper operation. Err keeps its serviceerr
// kind, so errors.Is(err, serviceerr.ErrInvalidGrant) works on it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return e.Op + " failed: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code is the kind of the underlying failure.
func (e *Error) Code() serviceerr.Code {
	return serviceerr.CodeOf(e.Err)
}

// Recoverable reports whether restarting the flow cures the failure.
func (e *Error) Recoverable() bool {
	return e.Code().Recoverable()
}

func unwrap(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Err
	}

	return err
}
