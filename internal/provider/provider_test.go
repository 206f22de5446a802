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

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/authrelay/authrelay/internal/oauth"
)

func testPending(tempKey string) *oauth.PendingAuthorization {
	return &oauth.PendingAuthorization{
		TempKey:       tempKey,
		ClientID:      "client-1",
		Scopes:        []string{"read"},
		CodeChallenge: "challenge",
		RedirectURI:   "https://app.example.com/callback",
		State:         "caller-state",
		ExpiresAt:     oauth.ExpiresIn(10 * time.Minute),
	}
}

func TestNew_ProviderRegistry(t *testing.T) {
	adapter, err := New(Config{Name: "", Issuer: "http://localhost:8000"})
	if err != nil {
		t.Fatalf("empty name should select the local provider: %v", err)
	}
	if adapter.Info().Name != "custom" {
		t.Errorf("expected custom, got %s", adapter.Info().Name)
	}

	if _, err := New(Config{Name: "google", Issuer: "http://localhost:8000"}); err == nil {
		t.Error("google without credentials accepted")
	}
	if _, err := New(Config{Name: "azure", Issuer: "http://localhost:8000"}); err == nil {
		t.Error("azure without credentials accepted")
	}

	if _, err := New(Config{Name: "okta"}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}

	adapter, err = New(Config{Name: "google", Issuer: "http://localhost:8000", ClientID: "id", ClientSecret: "secret"})
	if err != nil {
		t.Fatalf("google with credentials rejected: %v", err)
	}
	if !adapter.Info().Federated {
		t.Error("google not marked federated")
	}
}

func TestLocal_InitiateAuthn(t *testing.T) {
	l := NewLocal("http://localhost:8000/")

	raw, err := l.InitiateAuthn(context.Background(), testPending("temp-1"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("bad URL %q: %v", raw, err)
	}
	if u.Path != "/oauth/consent/page" {
		t.Errorf("wrong path: %s", u.Path)
	}
	if got := u.Query().Get("temp_key"); got != "temp-1" {
		t.Errorf("temp_key missing, got %q", got)
	}
	if got := u.Query().Get("state"); got != "caller-state" {
		t.Errorf("state not self-described, got %q", got)
	}
	if l.Info().Federated {
		t.Error("local provider marked federated")
	}
}

// TestPurpose: Validates the Google initiation URL.
// Scope: Unit Test
// Security: The temp key travels upstream as state; the caller's state must not
// Expected: URL targets Google with offline access and the temp key as state.
func TestGoogle_InitiateAuthn(t *testing.T) {
	g := NewGoogle(Config{Issuer: "http://localhost:8000", ClientID: "gid", ClientSecret: "gsecret"})

	raw, err := g.InitiateAuthn(context.Background(), testPending("temp-1"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("bad URL %q: %v", raw, err)
	}
	if u.Host != "accounts.google.com" {
		t.Errorf("wrong host: %s", u.Host)
	}
	q := u.Query()
	if q.Get("state") != "temp-1" {
		t.Errorf("upstream state is not the temp key: %q", q.Get("state"))
	}
	if q.Get("access_type") != "offline" {
		t.Errorf("access_type missing, got %q", q.Get("access_type"))
	}
	if q.Get("prompt") != "consent" {
		t.Errorf("prompt missing, got %q", q.Get("prompt"))
	}
	if q.Get("redirect_uri") != "http://localhost:8000/oauth/google/callback" {
		t.Errorf("wrong redirect_uri: %q", q.Get("redirect_uri"))
	}
	if !strings.Contains(q.Get("scope"), "openid") {
		t.Errorf("openid scope missing: %q", q.Get("scope"))
	}
	// The caller's own state must never appear upstream
	for key, vals := range q {
		for _, v := range vals {
			if v == "caller-state" {
				t.Errorf("caller state leaked upstream in %q", key)
			}
		}
	}
}

func TestAzure_InitiateAuthn(t *testing.T) {
	a := NewAzure(Config{Issuer: "http://localhost:8000", ClientID: "aid", ClientSecret: "asecret"})

	raw, err := a.InitiateAuthn(context.Background(), testPending("temp-1"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Host != "login.microsoftonline.com" {
		t.Errorf("wrong host: %s", u.Host)
	}
	if !strings.HasPrefix(u.Path, "/common/") {
		t.Errorf("default tenant not common: %s", u.Path)
	}
	if got := u.Query().Get("response_mode"); got != "query" {
		t.Errorf("response_mode missing, got %q", got)
	}
	if !strings.Contains(u.Query().Get("scope"), "User.Read") {
		t.Errorf("User.Read scope missing: %q", u.Query().Get("scope"))
	}

	// A directory tenant selects its own authority
	a = NewAzure(Config{Issuer: "http://localhost:8000", ClientID: "aid", ClientSecret: "asecret", TenantID: "contoso"})
	raw, _ = a.InitiateAuthn(context.Background(), testPending("temp-1"))
	u, _ = url.Parse(raw)
	if !strings.HasPrefix(u.Path, "/contoso/") {
		t.Errorf("tenant authority not honored: %s", u.Path)
	}
}

// TestPurpose: Validates upstream callback error classification.
// Scope: Unit Test
// Security: Errors after the state is known must route back to the waiting client
// Expected: Upstream errors and missing codes become CallbackError; a missing state cannot.
func TestUpstream_CallbackErrors(t *testing.T) {
	g := NewGoogle(Config{Issuer: "http://localhost:8000", ClientID: "gid", ClientSecret: "gsecret"})
	ctx := context.Background()

	// Provider-reported error
	_, err := g.HandleCallback(ctx, url.Values{
		"state":             {"temp-1"},
		"error":             {"access_denied"},
		"error_description": {"user cancelled"},
	})
	var cbErr *CallbackError
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected CallbackError, got %v", err)
	}
	if cbErr.TempKey != "temp-1" || cbErr.Code != "access_denied" {
		t.Errorf("wrong error routing: %+v", cbErr)
	}

	// Missing code
	_, err = g.HandleCallback(ctx, url.Values{"state": {"temp-1"}})
	if !errors.As(err, &cbErr) || cbErr.Code != "server_error" {
		t.Errorf("expected server_error CallbackError, got %v", err)
	}

	// Missing state: no temp key to route to, so a plain error
	_, err = g.HandleCallback(ctx, url.Values{"code": {"abc"}})
	if errors.As(err, &cbErr) {
		t.Error("stateless callback produced a routable error")
	}
	if err == nil {
		t.Error("stateless callback accepted")
	}
}

// TestPurpose: Validates the full upstream callback dialogue against a stub provider.
// Scope: Integration Test (local HTTP)
// Security: Upstream code exchange and profile resolution
// Expected: The profile comes back keyed by the temp key with the provider name attached.
func TestUpstream_CallbackSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-at",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upstream-at" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sub":   "g-123",
			"email": "alice@example.com",
			"name":  "Alice",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGoogle(Config{Issuer: "http://localhost:8000", ClientID: "gid", ClientSecret: "gsecret"})
	g.oauth2Config.Endpoint = oauth2.Endpoint{
		AuthURL:   srv.URL + "/auth",
		TokenURL:  srv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	g.userInfoURL = srv.URL + "/userinfo"

	result, err := g.HandleCallback(context.Background(), url.Values{
		"state": {"temp-1"},
		"code":  {"upstream-code"},
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if result.TempKey != "temp-1" {
		t.Errorf("wrong temp key: %s", result.TempKey)
	}
	if result.UserInfo["email"] != "alice@example.com" {
		t.Errorf("profile not resolved: %v", result.UserInfo)
	}
	if result.UserInfo["provider"] != "google" {
		t.Errorf("provider name not attached: %v", result.UserInfo["provider"])
	}
}

// TestPurpose: Validates the id_token fallback when the userinfo endpoint fails.
// Scope: Integration Test (local HTTP)
// Security: Profile resolution must survive a userinfo outage
// Expected: Claims come from the id_token delivered by the token endpoint.
func TestUpstream_UserInfoFallbackToIDToken(t *testing.T) {
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "g-123",
		"email": "alice@example.com",
	}).SignedString([]byte("upstream-signing-key"))
	if err != nil {
		t.Fatalf("mint id_token: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-at",
			"token_type":   "Bearer",
			"id_token":     idToken,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGoogle(Config{Issuer: "http://localhost:8000", ClientID: "gid", ClientSecret: "gsecret"})
	g.oauth2Config.Endpoint = oauth2.Endpoint{
		AuthURL:   srv.URL + "/auth",
		TokenURL:  srv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	g.userInfoURL = srv.URL + "/userinfo"

	result, err := g.HandleCallback(context.Background(), url.Values{
		"state": {"temp-1"},
		"code":  {"upstream-code"},
	})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if result.UserInfo["email"] != "alice@example.com" {
		t.Errorf("id_token claims not used: %v", result.UserInfo)
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// TestPurpose: Validates that unreachable discovery does not block startup.
// Scope: Unit Test
// Security: Availability; published endpoint defaults remain usable
// Expected: Initialize returns nil and the default endpoints stay in place.
func TestGoogle_InitializeDiscoveryFallback(t *testing.T) {
	g := NewGoogle(Config{Issuer: "http://localhost:8000", ClientID: "gid", ClientSecret: "gsecret"})
	g.httpClient = &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("network unreachable")
	})}

	if err := g.Initialize(context.Background()); err != nil {
		t.Fatalf("unreachable discovery failed startup: %v", err)
	}
	if g.oauth2Config.Endpoint.AuthURL != googleAuthURL {
		t.Errorf("default auth endpoint replaced: %s", g.oauth2Config.Endpoint.AuthURL)
	}
}

func TestFetchDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"authorization_endpoint": "https://idp.example.com/auth",
			"token_endpoint":         "https://idp.example.com/token",
			"userinfo_endpoint":      "https://idp.example.com/userinfo",
		})
	}))
	defer srv.Close()

	doc, err := fetchDiscovery(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("discovery failed: %v", err)
	}
	if doc.AuthorizationEndpoint != "https://idp.example.com/auth" {
		t.Errorf("wrong authorization endpoint: %s", doc.AuthorizationEndpoint)
	}
	if doc.TokenEndpoint != "https://idp.example.com/token" {
		t.Errorf("wrong token endpoint: %s", doc.TokenEndpoint)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer broken.Close()

	if _, err := fetchDiscovery(context.Background(), broken.Client(), broken.URL); err == nil {
		t.Error("404 discovery accepted")
	}
}

func TestNormalizeGraphProfile(t *testing.T) {
	info := normalizeGraphProfile(map[string]any{
		"mail":              "alice@contoso.com",
		"userPrincipalName": "alice_contoso#EXT@contoso.onmicrosoft.com",
		"displayName":       "Alice Example",
		"id":                "azure-123",
	})
	if info["email"] != "alice@contoso.com" {
		t.Errorf("mail not preferred: %v", info["email"])
	}
	if info["name"] != "Alice Example" {
		t.Errorf("displayName not mapped: %v", info["name"])
	}
	if info["sub"] != "azure-123" {
		t.Errorf("id not mapped to sub: %v", info["sub"])
	}

	// Guests often have no mail attribute
	info = normalizeGraphProfile(map[string]any{
		"userPrincipalName": "guest@contoso.onmicrosoft.com",
	})
	if info["email"] != "guest@contoso.onmicrosoft.com" {
		t.Errorf("userPrincipalName fallback failed: %v", info["email"])
	}
}
