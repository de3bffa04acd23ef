package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/oauth2"

	"github.com/openkcm/session-worker/pkg/serviceerr"
)

const (
	responseModeDirect = "direct"
	SignOutState       = "sign_out_success"
)

// AuthRequest carries the per-request values of an authorization request.
type AuthRequest struct {
	State           string
	Nonce           string
	CodeChallenge   string
	ChallengeMethod string
	Params          map[string]string
}

// FlowStep is the first step of an app-native (embedded) flow.
type FlowStep struct {
	FlowID     string          `json:"flowId"`
	FlowStatus string          `json:"flowStatus"`
	FlowType   string          `json:"flowType,omitempty"`
	NextStep   json.RawMessage `json:"nextStep,omitempty"`
	Links      json.RawMessage `json:"links,omitempty"`
}

// AuthorizationURL builds the front-channel authorization URL.
func (c *Client) AuthorizationURL(ctx context.Context, req AuthRequest) (string, error) {
	conf, err := c.Discover(ctx)
	if err != nil {
		return "", err
	}

	return c.oauth2Config(conf).AuthCodeURL(req.State, c.authOptions(req)...), nil
}

// Authorize posts the authorization request with response_mode=direct and
// returns the first step of the flow instead of a redirect.
func (c *Client) Authorize(ctx context.Context, req AuthRequest) (FlowStep, error) {
	conf, err := c.Discover(ctx)
	if err != nil {
		return FlowStep{}, err
	}

	authURL, err := url.Parse(c.oauth2Config(conf).AuthCodeURL(req.State, c.authOptions(req)...))
	if err != nil {
		return FlowStep{}, fmt.Errorf("parsing authorization url: %w", err)
	}

	form := authURL.Query()
	form.Set("response_mode", responseModeDirect)
	authURL.RawQuery = ""

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return FlowStep{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return FlowStep{}, serviceerr.Wrap(serviceerr.CodeNetwork, err, "posting authorization request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return FlowStep{}, serviceerr.New(serviceerr.CodeNetwork, "authorization request failed with status: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return FlowStep{}, serviceerr.New(serviceerr.CodeAuthorizationFailed, "authorization request failed with status: %d", resp.StatusCode)
	}

	var step FlowStep
	if err := json.NewDecoder(resp.Body).Decode(&step); err != nil {
		return FlowStep{}, serviceerr.Wrap(serviceerr.CodeAuthorizationFailed, err, "decoding authorization response")
	}

	return step, nil
}

func (c *Client) authOptions(req AuthRequest) []oauth2.AuthCodeOption {
	params := make(map[string]string, len(c.cfg.AuthParams)+len(req.Params))
	maps.Copy(params, c.cfg.AuthParams)
	maps.Copy(params, req.Params)

	opts := make([]oauth2.AuthCodeOption, 0, len(params)+3)
	for _, k := range slices.Sorted(maps.Keys(params)) {
		opts = append(opts, oauth2.SetAuthURLParam(k, params[k]))
	}

	// Protocol parameters win over configured extras.
	return append(opts,
		oauth2.SetAuthURLParam("nonce", req.Nonce),
		oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", req.ChallengeMethod),
	)
}

// EndSessionURL builds the RP-initiated logout URL. It reports false when the
// provider has no end-session endpoint.
func (c *Client) EndSessionURL(ctx context.Context, idTokenHint, postLogoutRedirect string) (string, bool, error) {
	conf, err := c.Discover(ctx)
	if err != nil {
		return "", false, err
	}

	if conf.EndSessionEndpoint == "" {
		return "", false, nil
	}

	u, err := url.Parse(conf.EndSessionEndpoint)
	if err != nil {
		return "", false, fmt.Errorf("parsing end session endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("state", SignOutState)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	u.RawQuery = q.Encode()

	return u.String(), true, nil
}
