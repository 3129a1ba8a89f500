package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Token is an OAuth grant issued by the upstream platform. A token either
// belongs to a company (agency grant, LocationID empty) or to a single
// location derived from a company grant.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	UserType     string `json:"userType"`
	CompanyID    string `json:"companyId"`
	LocationID   string `json:"locationId"`
}

// ExchangeCode trades an authorization code for a company or location token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	return c.tokenRequest(ctx, form)
}

// Refresh obtains a fresh token from a refresh token. userType must match
// the class of the original grant ("Company" or "Location").
func (c *Client) Refresh(ctx context.Context, refreshToken, userType string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("user_type", userType)
	return c.tokenRequest(ctx, form)
}

// DeriveLocationToken mints a location-scoped token from a company token.
func (c *Client) DeriveLocationToken(ctx context.Context, companyToken, companyID, locationID string) (Token, error) {
	form := url.Values{}
	form.Set("companyId", companyID)
	form.Set("locationId", locationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/oauth/locationToken", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Authorization", "Bearer "+companyToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	tok, err := c.decodeTokenResponse(req)
	if err != nil {
		return Token{}, err
	}
	if tok.LocationID == "" {
		tok.LocationID = locationID
	}
	if tok.CompanyID == "" {
		tok.CompanyID = companyID
	}
	return tok, nil
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (Token, error) {
	if !trimmed(c.cfg.ClientID, c.cfg.ClientSecret) {
		return Token{}, fmt.Errorf("%w: missing oauth client credentials", ErrUpstream)
	}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return c.decodeTokenResponse(req)
}

func (c *Client) decodeTokenResponse(req *http.Request) (Token, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Token{}, ErrUnauthorized
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return Token{}, fmt.Errorf("%w: token endpoint status %d", ErrUpstream, resp.StatusCode)
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return Token{}, fmt.Errorf("%w: decode token response: %v", ErrUpstream, err)
	}
	if tok.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: empty access token", ErrUpstream)
	}
	return tok, nil
}
