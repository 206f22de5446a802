package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	upstreamTimeout  = 10 * time.Second
	discoveryTimeout = 5 * time.Second

	// Upstream responses are small JSON documents
	maxUpstreamBody = 1 << 20
)

// upstream holds the pieces shared by federated adapters: the oauth2 client
// configuration, a bounded HTTP client and the userinfo endpoint.
type upstream struct {
	oauth2Config *oauth2.Config
	httpClient   *http.Client
	userInfoURL  string
	name         string

	// normalize maps a provider-specific profile document onto the common
	// user info shape. Nil passes the document through.
	normalize func(map[string]any) map[string]any
}

// Name returns the provider identifier
func (u *upstream) Name() string { return u.name }

// clientContext routes oauth2 library calls through the bounded HTTP client
func (u *upstream) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
}

// exchangeCallback consumes an upstream redirect: validates the query,
// exchanges the upstream code and resolves the user profile. Failures after
// the state parameter is known come back as *CallbackError so the original
// client can be told.
func (u *upstream) exchangeCallback(ctx context.Context, query url.Values) (*CallbackResult, error) {
	state := query.Get("state")
	if state == "" {
		return nil, fmt.Errorf("%s callback missing state parameter", u.name)
	}

	if errCode := query.Get("error"); errCode != "" {
		return nil, &CallbackError{
			TempKey:     state,
			Code:        errCode,
			Description: query.Get("error_description"),
		}
	}

	code := query.Get("code")
	if code == "" {
		return nil, &CallbackError{
			TempKey:     state,
			Code:        "server_error",
			Description: "callback missing authorization code",
		}
	}

	tok, err := u.oauth2Config.Exchange(u.clientContext(ctx), code)
	if err != nil {
		return nil, &CallbackError{
			TempKey:     state,
			Code:        "server_error",
			Description: "upstream token exchange failed",
		}
	}

	userInfo, err := u.fetchUserInfo(ctx, tok)
	if err != nil {
		return nil, &CallbackError{
			TempKey:     state,
			Code:        "server_error",
			Description: "failed to resolve user profile",
		}
	}

	if u.normalize != nil {
		userInfo = u.normalize(userInfo)
	}
	userInfo["provider"] = u.name

	return &CallbackResult{TempKey: state, UserInfo: userInfo}, nil
}

// fetchUserInfo resolves the authenticated user's profile, preferring the
// userinfo endpoint and falling back to id_token claims
func (u *upstream) fetchUserInfo(ctx context.Context, tok *oauth2.Token) (map[string]any, error) {
	profile, err := u.queryUserInfoEndpoint(ctx, tok.AccessToken)
	if err == nil {
		return profile, nil
	}

	if claims, ok := idTokenClaims(tok); ok {
		return claims, nil
	}
	return nil, err
}

func (u *upstream) queryUserInfoEndpoint(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}

	profile := make(map[string]any)
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	return profile, nil
}

// idTokenClaims extracts claims from the id_token without signature
// verification. The token arrived directly from the provider's token
// endpoint over TLS, which is the trust anchor for these claims.
func idTokenClaims(tok *oauth2.Token) (map[string]any, bool) {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, false
	}
	return map[string]any(claims), true
}

// discoveryDocument is the subset of OIDC discovery metadata the adapters
// consume (OpenID Connect Discovery 1.0 Section 3)
type discoveryDocument struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
}

func fetchDiscovery(ctx context.Context, client *http.Client, rawURL string) (*discoveryDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery response: %w", err)
	}

	var doc discoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	return &doc, nil
}
