package pkce

import (
	"strconv"
	"strings"

	"github.com/openkcm/session-worker/pkg/serviceerr"
)

const (
	StatePrefix       = "request_"
	VerifierKeyPrefix = "pkce_code_verifier"
	KeySeparator      = "#"

	bindingSeparator = "."
)

// FormatState renders the state of the request with the given index. An
// empty binding yields the plain "request_<index>" form.
func FormatState(index uint64, binding string) string {
	state := StatePrefix + strconv.FormatUint(index, 10)
	if binding != "" {
		state += bindingSeparator + binding
	}

	return state
}

// ParseState splits a state into its request index and optional binding.
func ParseState(state string) (uint64, string, error) {
	rest, ok := strings.CutPrefix(state, StatePrefix)
	if !ok {
		return 0, "", serviceerr.New(serviceerr.CodeMalformedState, "state %q has no %q prefix", state, StatePrefix)
	}

	digits, binding, hasBinding := strings.Cut(rest, bindingSeparator)
	if hasBinding && binding == "" {
		return 0, "", serviceerr.New(serviceerr.CodeMalformedState, "state %q has an empty binding", state)
	}

	// "request_07" would otherwise share a key with "request_7".
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return 0, "", serviceerr.New(serviceerr.CodeMalformedState, "state %q has no valid index", state)
	}

	index, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, "", serviceerr.New(serviceerr.CodeMalformedState, "state %q has no valid index", state)
	}

	return index, binding, nil
}

// DeriveKey maps a state to the store key of its pending request. The
// binding, if any, does not take part in the key.
func DeriveKey(state string) (string, error) {
	index, _, err := ParseState(state)
	if err != nil {
		return "", err
	}

	return KeyForIndex(index), nil
}

func KeyForIndex(index uint64) string {
	return VerifierKeyPrefix + KeySeparator + strconv.FormatUint(index, 10)
}
