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

// Package system holds cross-component tests that run the real service
// against the real file store, covering the behaviors unit suites cannot:
// durability across process restarts and single-winner semantics under
// concurrent access.
//
// Test Execution:
//
//	go test -v ./tests/system/...
//
// The suites are hermetic; each test works in its own temp directory.
//
// Test Categories:
//   - PER-*: Restart durability tests
//   - CON-*: Concurrency tests
package system

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrelay/authrelay/internal/audit"
	"github.com/authrelay/authrelay/internal/oauth"
	"github.com/authrelay/authrelay/internal/provider"
	"github.com/authrelay/authrelay/internal/store/jsonfile"
)

const (
	issuer      = "http://localhost:8000"
	redirectURI = "https://app.example.com/callback"
	verifier    = "system-test-verifier-0123456789abcdefghijklmn"
)

// openService builds the service on a data directory. Calling it twice on
// the same directory simulates a process restart.
func openService(t *testing.T, dir string, cfg oauth.ServiceConfig) (*oauth.Service, *jsonfile.Store) {
	t.Helper()

	store, err := jsonfile.Open(dir, "read")
	require.NoError(t, err, "open store")

	if cfg.Issuer == "" {
		cfg.Issuer = issuer
	}
	svc := oauth.NewService(
		store,
		provider.NewLocal(issuer),
		oauth.ScopePolicy{Valid: []string{"read", "write", "payment", "account"}, Defaults: []string{"read"}},
		oauth.NewSecretHasher(8*1024, 1, 1, 16, 32),
		audit.NewSlogLogger(),
		cfg,
	)
	return svc, store
}

func s256(v string) string {
	sum := sha256.Sum256([]byte(v))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// registerClient registers a confidential client and returns its ID and secret.
func registerClient(t *testing.T, svc *oauth.Service) (string, string) {
	t.Helper()
	client, secret, err := svc.RegisterClient(context.Background(), &oauth.ClientRegistration{
		ClientName:              "System Test App",
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		Scope:                   "read write",
		TokenEndpointAuthMethod: "client_secret_basic",
	})
	require.NoError(t, err, "register client")
	return client.ClientID, secret
}

// issueCode walks authorize -> attach identity -> approve and returns the code.
func issueCode(t *testing.T, svc *oauth.Service, clientID, state string) string {
	t.Helper()
	ctx := context.Background()

	authnURL, err := svc.Authorize(ctx, &oauth.AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ResponseType:        "code",
		Scope:               "read write",
		State:               state,
		CodeChallenge:       s256(verifier),
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err, "authorize")

	u, err := url.Parse(authnURL)
	require.NoError(t, err)
	tempKey := u.Query().Get("temp_key")
	require.NotEmpty(t, tempKey)

	require.NoError(t, svc.AttachUserInfo(ctx, tempKey, map[string]any{
		"username": "casey@example.com",
		"provider": "custom",
	}))

	redirect, err := svc.CompleteAuthorization(ctx, tempKey, true)
	require.NoError(t, err, "approve")

	ru, err := url.Parse(redirect)
	require.NoError(t, err)
	code := ru.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func exchange(svc *oauth.Service, clientID, secret, code string) (*oauth.TokenResponse, error) {
	return svc.ExchangeCode(context.Background(), &oauth.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  redirectURI,
		ClientID:     clientID,
		ClientSecret: secret,
		CodeVerifier: verifier,
	})
}

// =============================================================================
// RESTART DURABILITY TESTS
// =============================================================================

// TestPurpose: Validates that every grant artifact survives a process restart.
// Scope: System Test
// Security: Restarting the server must not orphan live credentials or resurrect spent ones
// Expected: Clients, codes and tokens issued before a restart remain usable after it.
// Test Case ID: PER-01
func TestPersistence_GrantSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// First process: register and authorize
	svc1, _ := openService(t, dir, oauth.ServiceConfig{})
	clientID, secret := registerClient(t, svc1)
	code := issueCode(t, svc1, clientID, "restart-state")

	// Second process: exchange a code minted before the restart
	svc2, _ := openService(t, dir, oauth.ServiceConfig{})
	tokens, err := exchange(svc2, clientID, secret, code)
	require.NoError(t, err, "PER-01: code minted before restart must exchange after it")
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)

	// Third process: both tokens are live
	svc3, _ := openService(t, dir, oauth.ServiceConfig{})
	at, err := svc3.VerifyAccessToken(ctx, tokens.AccessToken)
	require.NoError(t, err, "PER-01: access token must survive restart")
	assert.Equal(t, clientID, at.ClientID)

	rotated, err := svc3.RefreshAccessToken(ctx, &oauth.TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: tokens.RefreshToken,
		ClientID:     clientID,
		ClientSecret: secret,
	})
	require.NoError(t, err, "PER-01: refresh token must survive restart")
	assert.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	// Fourth process: the rotation is durable; the old token stays dead
	svc4, _ := openService(t, dir, oauth.ServiceConfig{})
	_, err = svc4.RefreshAccessToken(ctx, &oauth.TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: tokens.RefreshToken,
		ClientID:     clientID,
		ClientSecret: secret,
	})
	assert.Error(t, err, "PER-01 SECURITY: a rotated-out refresh token must stay dead across restarts")

	_, err = svc4.RefreshAccessToken(ctx, &oauth.TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: rotated.RefreshToken,
		ClientID:     clientID,
		ClientSecret: secret,
	})
	assert.NoError(t, err, "PER-01: the rotated-in refresh token keeps working")
}

// TestPurpose: Validates that revocation is durable.
// Scope: System Test
// Security: A revoked credential must not come back after a restart (RFC 7009)
// Expected: Tokens revoked before a restart stay revoked after it.
// Test Case ID: PER-02
func TestPersistence_RevocationSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc1, _ := openService(t, dir, oauth.ServiceConfig{})
	clientID, secret := registerClient(t, svc1)
	tokens, err := exchange(svc1, clientID, secret, issueCode(t, svc1, clientID, "revoke-state"))
	require.NoError(t, err)

	// Revoking the refresh token cascades to its access token
	require.NoError(t, svc1.Revoke(ctx, &oauth.RevokeRequest{
		Token:         tokens.RefreshToken,
		TokenTypeHint: "refresh_token",
		ClientID:      clientID,
		ClientSecret:  secret,
	}))

	svc2, _ := openService(t, dir, oauth.ServiceConfig{})
	_, err = svc2.RefreshAccessToken(ctx, &oauth.TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: tokens.RefreshToken,
		ClientID:     clientID,
		ClientSecret: secret,
	})
	assert.Error(t, err, "PER-02 SECURITY: revoked refresh token must stay dead")

	_, err = svc2.VerifyAccessToken(ctx, tokens.AccessToken)
	assert.Error(t, err, "PER-02 SECURITY: cascaded access revocation must stay durable")
}

// TestPurpose: Validates that swept records do not reappear after a restart.
// Scope: System Test
// Security: Expired grants must not be resurrectable
// Expected: Sweep removes the expired code on disk; a reopened store cannot see it.
// Test Case ID: PER-03
func TestPersistence_SweepIsDurable(t *testing.T) {
	dir := t.TempDir()

	svc1, store1 := openService(t, dir, oauth.ServiceConfig{})
	clientID, secret := registerClient(t, svc1)

	// Seed a code that expired a minute ago
	staleCode := "stale-code-per03"
	require.NoError(t, store1.SaveCode(&oauth.AuthorizationCode{
		Code:          staleCode,
		ClientID:      clientID,
		Scopes:        []string{"read"},
		CodeChallenge: s256(verifier),
		RedirectURI:   redirectURI,
		ExpiresAt:     oauth.UnixTime(time.Now().Add(-time.Minute).Unix()),
	}))

	swept := store1.Sweep()
	assert.GreaterOrEqual(t, swept, 1, "PER-03: the expired code should be swept")

	svc2, store2 := openService(t, dir, oauth.ServiceConfig{})
	_, err := store2.GetCode(staleCode)
	assert.Error(t, err, "PER-03: swept code must not reload")

	_, err = exchange(svc2, clientID, secret, staleCode)
	assert.Error(t, err, "PER-03 SECURITY: an expired, swept code must not exchange")
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

// TestPurpose: Validates one-time code semantics under concurrent exchange.
// Scope: System Test
// Security: Code replay through racing requests (RFC 6749 Section 4.1.2)
// Expected: Exactly one of N simultaneous exchanges wins.
// Test Case ID: CON-01
func TestConcurrency_CodeExchangeSingleWinner(t *testing.T) {
	svc, _ := openService(t, t.TempDir(), oauth.ServiceConfig{})
	clientID, secret := registerClient(t, svc)
	code := issueCode(t, svc, clientID, "race-state")

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exchange(svc, clientID, secret, code)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins,
		"CON-01 SECURITY: exactly one concurrent exchange may succeed")
}

// TestPurpose: Validates rotation atomicity under concurrent refresh.
// Scope: System Test
// Security: Refresh token replay through racing requests
// Expected: Exactly one of N simultaneous refreshes wins; the winner's token works.
// Test Case ID: CON-02
func TestConcurrency_RefreshRotationSingleWinner(t *testing.T) {
	svc, _ := openService(t, t.TempDir(), oauth.ServiceConfig{})
	clientID, secret := registerClient(t, svc)
	tokens, err := exchange(svc, clientID, secret, issueCode(t, svc, clientID, "rotate-state"))
	require.NoError(t, err)

	const attempts = 8
	results := make(chan *oauth.TokenResponse, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.RefreshAccessToken(context.Background(), &oauth.TokenRequest{
				GrantType:    "refresh_token",
				RefreshToken: tokens.RefreshToken,
				ClientID:     clientID,
				ClientSecret: secret,
			})
			if err == nil {
				results <- resp
			} else {
				results <- nil
			}
		}()
	}
	wg.Wait()
	close(results)

	var winner *oauth.TokenResponse
	wins := 0
	for resp := range results {
		if resp != nil {
			wins++
			winner = resp
		}
	}
	require.Equal(t, 1, wins,
		"CON-02 SECURITY: exactly one concurrent refresh may succeed")

	// The winner's rotated-in token is live
	_, err = svc.RefreshAccessToken(context.Background(), &oauth.TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: winner.RefreshToken,
		ClientID:     clientID,
		ClientSecret: secret,
	})
	assert.NoError(t, err, "CON-02: the winning rotation must produce a usable token")
}

// TestPurpose: Validates registration under concurrent load with durable results.
// Scope: System Test
// Security: Credential uniqueness
// Expected: All registrations succeed with distinct IDs, and all reload after restart.
// Test Case ID: CON-03
func TestConcurrency_RegistrationIsDurable(t *testing.T) {
	dir := t.TempDir()
	svc, _ := openService(t, dir, oauth.ServiceConfig{})

	const clients = 10
	ids := make(chan string, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			client, _, err := svc.RegisterClient(context.Background(), &oauth.ClientRegistration{
				ClientName:   fmt.Sprintf("Concurrent App %d", n),
				RedirectURIs: []string{redirectURI},
				Scope:        "read",
			})
			if err != nil {
				ids <- ""
				return
			}
			ids <- client.ClientID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		require.NotEmpty(t, id, "CON-03: every registration must succeed")
		require.False(t, seen[id], "CON-03 SECURITY: client IDs must be unique")
		seen[id] = true
	}

	// Restart: every client reloads
	svc2, _ := openService(t, dir, oauth.ServiceConfig{})
	for id := range seen {
		client, err := svc2.GetClient(context.Background(), id)
		require.NoError(t, err, "CON-03: client %s must survive restart", id)
		assert.Equal(t, id, client.ClientID)
	}
}
