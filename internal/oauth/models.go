// Copyright 2026 The AuthRelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oauth

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"
)

// Domain errors (Internal)
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrPendingNotFound = errors.New("pending authorization not found")
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrTokenNotFound   = errors.New("token not found")
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	ResponseTypeCode       = "code"
	TokenTypeBearer        = "Bearer"
)

// UnixTime is a timestamp in POSIX seconds. Stored records may carry either
// integer or floating-point seconds; it always marshals back as an integer.
type UnixTime int64

// MarshalJSON emits integer seconds
func (t UnixTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(t), 10)), nil
}

// UnmarshalJSON accepts both integer and floating-point seconds
func (t *UnixTime) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	*t = UnixTime(int64(seconds))
	return nil
}

// Time converts the timestamp to a time.Time
func (t UnixTime) Time() time.Time {
	return time.Unix(int64(t), 0)
}

// ExpiresIn returns a timestamp ttl from now
func ExpiresIn(ttl time.Duration) UnixTime {
	return UnixTime(time.Now().Add(ttl).Unix())
}

// Client represents a dynamically registered OAuth client (RFC 7591)
type Client struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	Scope                   string   `json:"scope"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// NormalizeRedirectURI canonicalizes a redirect URI for comparison.
// The only normalization applied is treating an empty path as "/".
func NormalizeRedirectURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// ValidateRedirectURI checks if the redirect URI is registered for this client.
// Matching is exact on scheme, host, port, path and query.
func (c *Client) ValidateRedirectURI(redirectURI string) bool {
	normalized := NormalizeRedirectURI(redirectURI)
	for _, uri := range c.RedirectURIs {
		if NormalizeRedirectURI(uri) == normalized {
			return true
		}
	}
	return false
}

// AllowsGrant checks if the client registered for the given grant type
func (c *Client) AllowsGrant(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// IsConfidential reports whether the client holds a registered secret
func (c *Client) IsConfidential() bool {
	return c.ClientSecretHash != ""
}

// PendingAuthorization is in-flight authorization state created at /authorize
// and consumed when the user approves or denies consent. For federated flows
// the temp key doubles as the state parameter sent to the upstream provider.
// Persisted rows share the authorization code record shape, with the temp
// key in the code position.
type PendingAuthorization struct {
	TempKey                       string         `json:"code"`
	ClientID                      string         `json:"client_id"`
	Scopes                        []string       `json:"scopes"`
	CodeChallenge                 string         `json:"code_challenge"`
	CodeChallengeMethod           string         `json:"code_challenge_method,omitempty"`
	RedirectURI                   string         `json:"redirect_uri"`
	RedirectURIProvidedExplicitly bool           `json:"redirect_uri_provided_explicitly"`
	Resource                      string         `json:"resource,omitempty"`
	State                         string         `json:"state,omitempty"`
	UserInfo                      map[string]any `json:"user_info,omitempty"`
	ExpiresAt                     UnixTime       `json:"expires_at"`
}

// IsExpired checks if the pending authorization has expired
func (p *PendingAuthorization) IsExpired() bool {
	return p.ExpiresAt.Time().Before(time.Now())
}

// AuthorizationCode represents a short-lived one-time authorization code
type AuthorizationCode struct {
	Code                          string         `json:"code"`
	ClientID                      string         `json:"client_id"`
	Scopes                        []string       `json:"scopes"`
	CodeChallenge                 string         `json:"code_challenge"`
	CodeChallengeMethod           string         `json:"code_challenge_method,omitempty"`
	RedirectURI                   string         `json:"redirect_uri"`
	RedirectURIProvidedExplicitly bool           `json:"redirect_uri_provided_explicitly"`
	Resource                      string         `json:"resource,omitempty"`
	UserInfo                      map[string]any `json:"user_info,omitempty"`
	ExpiresAt                     UnixTime       `json:"expires_at"`
}

// IsExpired checks if the authorization code has expired
func (a *AuthorizationCode) IsExpired() bool {
	return a.ExpiresAt.Time().Before(time.Now())
}

// AccessToken represents an opaque bearer access token
type AccessToken struct {
	Token     string   `json:"token"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	Resource  string   `json:"resource,omitempty"`
	ExpiresAt UnixTime `json:"expires_at"`
}

// IsExpired checks if the access token has expired
func (a *AccessToken) IsExpired() bool {
	return a.ExpiresAt.Time().Before(time.Now())
}

// RefreshToken represents an opaque refresh token, rotated on each use
type RefreshToken struct {
	Token     string   `json:"token"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt UnixTime `json:"expires_at"`
}

// IsExpired checks if the refresh token has expired
func (r *RefreshToken) IsExpired() bool {
	return r.ExpiresAt.Time().Before(time.Now())
}

// Store defines the interface for OAuth entity persistence. Implementations
// own entity lifetimes; callers hold only transient references.
type Store interface {
	// PutClient persists a client registration
	PutClient(c *Client) error

	// GetClient retrieves a client by client_id
	GetClient(clientID string) (*Client, error)

	// SavePending stores in-flight authorization state under its temp key
	SavePending(p *PendingAuthorization) error

	// GetPending retrieves in-flight authorization state
	GetPending(tempKey string) (*PendingAuthorization, error)

	// DeletePending removes in-flight authorization state
	DeletePending(tempKey string) error

	// SaveCode persists an authorization code
	SaveCode(ac *AuthorizationCode) error

	// GetCode retrieves an authorization code without consuming it
	GetCode(code string) (*AuthorizationCode, error)

	// ConsumeCode retrieves and deletes an authorization code in one step
	ConsumeCode(code string) (*AuthorizationCode, error)

	// AddAccessToken persists an access token
	AddAccessToken(t *AccessToken) error

	// GetAccessToken retrieves an access token
	GetAccessToken(token string) (*AccessToken, error)

	// RemoveAccessToken removes an access token
	RemoveAccessToken(token string) error

	// RemoveAccessTokensByClient removes every access token issued to a client
	RemoveAccessTokensByClient(clientID string) error

	// AddRefreshToken persists a refresh token
	AddRefreshToken(t *RefreshToken) error

	// GetRefreshToken retrieves a refresh token
	GetRefreshToken(token string) (*RefreshToken, error)

	// RemoveRefreshToken removes a refresh token
	RemoveRefreshToken(token string) error

	// RotateRefreshToken persists a new token pair and deletes the old
	// refresh token as a single atomic mutation
	RotateRefreshToken(oldToken string, access *AccessToken, refresh *RefreshToken) error

	// Sweep removes expired records and reports how many were dropped
	Sweep() int
}
