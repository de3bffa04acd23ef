package pkce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

func TestSource_PKCE(t *testing.T) {
	p := Source{}
	pkce := p.PKCE()
	assert.Len(t, pkce.Verifier, 43, "Unexpected pkce verifier length")
	assert.NotEmpty(t, pkce.Challenge, "Empty pkce challenge")
	assert.Equal(t, MethodS256, pkce.Method, "Unexpected PKCE method")
	assert.Equal(t, oidc.NewSHACodeChallenge(pkce.Verifier), pkce.Challenge, "Challenge is not S256 of the verifier")
}

func TestSource_PKCEIsFresh(t *testing.T) {
	p := Source{}
	assert.NotEqual(t, p.PKCE().Verifier, p.PKCE().Verifier)
}

func TestChallenge(t *testing.T) {
	// RFC 7636 appendix B
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", Challenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestSource_Nonce(t *testing.T) {
	p := Source{}
	nonce := p.Nonce()
	assert.Len(t, nonce, 32)
	assert.NotContains(t, p.Binding(), bindingSeparator)
}
