package idp

import "time"

// Configuration is the subset of the provider metadata the worker needs.
// See https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type Configuration struct {
	Issuer                           string   `json:"issuer,omitempty"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                    string   `json:"token_endpoint,omitempty"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint,omitempty"`
	JwksURI                          string   `json:"jwks_uri,omitempty"`
	EndSessionEndpoint               string   `json:"end_session_endpoint,omitempty"`
	ResponseTypesSupported           []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported              []string `json:"grant_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ScopesSupported                  []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported,omitempty"`
}

// Endpoints override discovered values. Empty fields keep the discovered
// ones.
type Endpoints struct {
	Discovery     string
	Issuer        string
	Authorization string
	Token         string
	JWKS          string
	EndSession    string
	Profile       string
}

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	SigningAlgs  []string
	ClockSkew    time.Duration
	Endpoints    Endpoints
	AuthParams   map[string]string
}

const (
	discoveryPath = "/.well-known/openid-configuration"
	profilePath   = "/scim2/Me"
)

// complete reports whether the overrides make discovery unnecessary.
func (e Endpoints) complete() bool {
	return e.Authorization != "" && e.Token != "" && e.JWKS != ""
}

func (e Endpoints) apply(conf Configuration) Configuration {
	if e.Issuer != "" {
		conf.Issuer = e.Issuer
	}
	if e.Authorization != "" {
		conf.AuthorizationEndpoint = e.Authorization
	}
	if e.Token != "" {
		conf.TokenEndpoint = e.Token
	}
	if e.JWKS != "" {
		conf.JwksURI = e.JWKS
	}
	if e.EndSession != "" {
		conf.EndSessionEndpoint = e.EndSession
	}

	return conf
}
