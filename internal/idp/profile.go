package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openkcm/session-worker/pkg/serviceerr"
)

// Profile is the current user as reported by the provider's SCIM endpoint.
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

type scimUser struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	ProfileURL  string `json:"profileUrl"`
	Name        struct {
		GivenName  string `json:"givenName"`
		FamilyName string `json:"familyName"`
	} `json:"name"`
	Emails []scimEmail `json:"emails"`
	Photos []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"photos"`
}

// scimEmail accepts both "a@b" and {"value": "a@b"}.
type scimEmail string

func (e *scimEmail) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = scimEmail(s)
		return nil
	}

	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decoding email: %w", err)
	}
	*e = scimEmail(obj.Value)

	return nil
}

// Profile fetches the current user with accessToken.
func (c *Client) Profile(ctx context.Context, accessToken string) (Profile, error) {
	uri := c.cfg.Endpoints.Profile
	if uri == "" {
		uri = c.cfg.BaseURL + profilePath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("creating a new HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/scim+json, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, serviceerr.Wrap(serviceerr.CodeNetwork, err, "fetching profile")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Profile{}, serviceerr.New(serviceerr.CodeNotAuthenticated, "profile request rejected the access token")
	case resp.StatusCode >= http.StatusInternalServerError:
		return Profile{}, serviceerr.New(serviceerr.CodeNetwork, "profile request failed with status: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Profile{}, serviceerr.New(serviceerr.CodeUnknown, "profile request failed with status: %d", resp.StatusCode)
	}

	var user scimUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Profile{}, serviceerr.Wrap(serviceerr.CodeUnknown, err, "decoding profile")
	}

	p := Profile{
		ID:          user.ID,
		Username:    user.UserName,
		DisplayName: user.DisplayName,
		GivenName:   user.Name.GivenName,
		FamilyName:  user.Name.FamilyName,
		ProfileURL:  user.ProfileURL,
	}
	for _, e := range user.Emails {
		if e != "" {
			p.Emails = append(p.Emails, string(e))
		}
	}
	if len(p.Emails) > 0 {
		p.Email = p.Emails[0]
	}
	for _, photo := range user.Photos {
		if photo.Type == "thumbnail" || p.UserImage == "" {
			p.UserImage = photo.Value
		}
	}

	return p, nil
}
