package serviceerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openkcm/session-worker/pkg/serviceerr"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name        string
		err         *serviceerr.Error
		expectedMsg string
	}{
		{
			name:        "Error with description",
			err:         &serviceerr.Error{Err: serviceerr.CodeInvalidGrant, Description: "code reused"},
			expectedMsg: "invalid_grant: code reused",
		},
		{
			name:        "Error without description",
			err:         &serviceerr.Error{Err: serviceerr.CodeInvalidRequest},
			expectedMsg: "invalid_request",
		},
		{
			name:        "Predefined error - ErrUnknown",
			err:         serviceerr.ErrUnknown,
			expectedMsg: "unknown: unknown error",
		},
		{
			name:        "Predefined error - ErrMalformedState",
			err:         serviceerr.ErrMalformedState,
			expectedMsg: "malformed_state: malformed state parameter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedMsg, tt.err.Error())
		})
	}
}

func TestError_Is(t *testing.T) {
	t.Run("matches by code", func(t *testing.T) {
		err := serviceerr.New(serviceerr.CodeInvalidGrant, "refresh token %s", "revoked")
		assert.ErrorIs(t, err, serviceerr.ErrInvalidGrant)
		assert.NotErrorIs(t, err, serviceerr.ErrTokenValidation)
	})

	t.Run("matches through fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("completing sign-in: %w", serviceerr.ErrUnknownOrExpiredRequest)
		assert.ErrorIs(t, err, serviceerr.ErrUnknownOrExpiredRequest)
		assert.Equal(t, serviceerr.CodeUnknownOrExpiredRequest, serviceerr.CodeOf(err))
	})

	t.Run("wrap keeps the cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := serviceerr.Wrap(serviceerr.CodeNetwork, cause, "exchanging code")
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, serviceerr.ErrNetwork)
		assert.Equal(t, "network_error: exchanging code: connection refused", err.Error())
	})
}

func TestFromWire(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		message  string
		wantCode serviceerr.Code
		target   error
	}{
		{name: "invalid grant", kind: "invalid_grant", message: "code reused", wantCode: serviceerr.CodeInvalidGrant, target: serviceerr.ErrInvalidGrant},
		{name: "unsupported", kind: "unsupported_operation", message: "frobnicate", wantCode: serviceerr.CodeUnsupportedOperation, target: serviceerr.ErrUnsupportedOperation},
		{name: "empty kind", kind: "", message: "boom", wantCode: serviceerr.CodeUnknown, target: serviceerr.ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := serviceerr.FromWire(tt.kind, tt.message)
			assert.Equal(t, tt.wantCode, serviceerr.CodeOf(err))
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.message, serviceerr.Description(err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, serviceerr.Code(""), serviceerr.CodeOf(nil))
	assert.Equal(t, serviceerr.CodeUnknown, serviceerr.CodeOf(errors.New("plain")))
}

func TestCode_Recoverable(t *testing.T) {
	recoverable := []serviceerr.Code{
		serviceerr.CodeUnknownOrExpiredRequest,
		serviceerr.CodeInvalidGrant,
		serviceerr.CodeAbandoned,
		serviceerr.CodeNotAuthenticated,
	}
	for _, c := range recoverable {
		assert.True(t, c.Recoverable(), c)
	}

	fatal := []serviceerr.Code{
		serviceerr.CodeTokenValidation,
		serviceerr.CodeStorageUnavailable,
		serviceerr.CodeMalformedState,
		serviceerr.CodeUnknown,
	}
	for _, c := range fatal {
		assert.False(t, c.Recoverable(), c)
	}
}
