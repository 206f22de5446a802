//go:build e2e

// End-to-end exercise of the authorization server over real HTTP: dynamic
// registration, the full consent dialogue, code exchange, refresh rotation
// and revocation, all discovered through the metadata document the way an
// external client would.
package e2e

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrelay/authrelay/internal/audit"
	"github.com/authrelay/authrelay/internal/oauth"
	"github.com/authrelay/authrelay/internal/provider"
	"github.com/authrelay/authrelay/internal/store/jsonfile"
	transporthttp "github.com/authrelay/authrelay/internal/transport/http"
)

// startServer boots the full stack on a real listener and returns the issuer
// URL. The listener is bound first so the issuer is known before the service
// exists; the local provider's consent redirect must point back at this same
// server.
func startServer(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	issuer := "http://" + l.Addr().String()

	store, err := jsonfile.Open(t.TempDir(), "read")
	require.NoError(t, err, "open store")

	local := provider.NewLocal(issuer)
	svc := oauth.NewService(
		store,
		local,
		oauth.ScopePolicy{Valid: []string{"read", "write", "payment", "account"}, Defaults: []string{"read"}},
		oauth.NewSecretHasher(8*1024, 1, 1, 16, 32),
		audit.NewSlogLogger(),
		oauth.ServiceConfig{
			Issuer:         issuer,
			AccessTokenTTL: time.Hour,
			AuthCodeTTL:    10 * time.Minute,
		},
	)

	h := transporthttp.NewHandler(svc, local, audit.NewSlogLogger())
	router := transporthttp.NewRouter(h, transporthttp.NewRateLimiter(1000, 1000))

	srv := httptest.NewUnstartedServer(router)
	srv.Listener.Close()
	srv.Listener = l
	srv.Start()
	t.Cleanup(srv.Close)

	return issuer
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// noRedirect returns a client that surfaces redirects instead of following
// them, for the legs that point at the relying party's callback.
func noRedirect() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func postForm(t *testing.T, client *http.Client, target string, form url.Values) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func TestE2E_AuthorizationServer(t *testing.T) {
	issuer := startServer(t)

	browser := &http.Client{Timeout: 10 * time.Second}
	api := noRedirect()

	var meta oauth.ServerMetadata
	var clientID, clientSecret string
	var code, refreshToken string

	verifier := "e2e-code-verifier-0123456789abcdefghijklmnopqrstuv"
	state := "e2e-state-7f3a"

	t.Run("Discovery", func(t *testing.T) {
		resp, err := browser.Get(issuer + "/.well-known/oauth-authorization-server")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
		assert.Equal(t, issuer, meta.Issuer)
		assert.NotEmpty(t, meta.AuthorizationEndpoint)
		assert.NotEmpty(t, meta.TokenEndpoint)
		assert.NotEmpty(t, meta.RegistrationEndpoint)
		assert.NotEmpty(t, meta.RevocationEndpoint)
		assert.Contains(t, meta.CodeChallengeMethodsSupported, "S256")
	})

	t.Run("Dynamic Registration", func(t *testing.T) {
		body := map[string]any{
			"client_name":                "E2E Payments Dashboard",
			"redirect_uris":              []string{"https://dashboard.example.com/oauth/callback"},
			"grant_types":                []string{"authorization_code", "refresh_token"},
			"scope":                      "read write payment",
			"token_endpoint_auth_method": "client_secret_basic",
		}
		raw, _ := json.Marshal(body)
		resp, err := browser.Post(meta.RegistrationEndpoint, "application/json", strings.NewReader(string(raw)))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var reg struct {
			ClientID     string `json:"client_id"`
			ClientSecret string `json:"client_secret"`
			Scope        string `json:"scope"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
		require.NotEmpty(t, reg.ClientID)
		require.NotEmpty(t, reg.ClientSecret)
		assert.Equal(t, "read write payment", reg.Scope)

		clientID = reg.ClientID
		clientSecret = reg.ClientSecret
	})

	t.Run("Consent Dialogue", func(t *testing.T) {
		require.NotEmpty(t, clientID)

		q := url.Values{
			"client_id":             {clientID},
			"redirect_uri":          {"https://dashboard.example.com/oauth/callback"},
			"response_type":         {"code"},
			"scope":                 {"read payment"},
			"state":                 {state},
			"code_challenge":        {s256(verifier)},
			"code_challenge_method": {"S256"},
		}

		// The browser follows the redirect onto the consent page
		resp, err := browser.Get(meta.AuthorizationEndpoint + "?" + q.Encode())
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		tempKey := resp.Request.URL.Query().Get("temp_key")
		require.NotEmpty(t, tempKey, "consent page URL carries the temp key")

		// Local login leg
		resp = postForm(t, browser, issuer+"/oauth/login", url.Values{
			"temp_key": {tempKey},
			"username": {"casey@example.com"},
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		// Approval redirects to the relying party; stop there
		resp = postForm(t, api, issuer+"/oauth/consent/approve", url.Values{
			"temp_key": {tempKey},
			"action":   {"approve"},
			"username": {"casey@example.com"},
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)

		loc, err := resp.Location()
		require.NoError(t, err)
		assert.Equal(t, "dashboard.example.com", loc.Host)
		assert.Equal(t, state, loc.Query().Get("state"), "state must round-trip verbatim")

		code = loc.Query().Get("code")
		require.NotEmpty(t, code)
	})

	t.Run("Code Exchange", func(t *testing.T) {
		require.NotEmpty(t, code)

		resp := postForm(t, browser, meta.TokenEndpoint, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {"https://dashboard.example.com/oauth/callback"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"code_verifier": {verifier},
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

		var tokens oauth.TokenResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokens))
		assert.Equal(t, "Bearer", tokens.TokenType)
		assert.Equal(t, "read payment", tokens.Scope)
		require.NotEmpty(t, tokens.AccessToken)
		require.NotEmpty(t, tokens.RefreshToken)

		refreshToken = tokens.RefreshToken
	})

	t.Run("Code Replay Rejected", func(t *testing.T) {
		resp := postForm(t, browser, meta.TokenEndpoint, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {"https://dashboard.example.com/oauth/callback"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"code_verifier": {verifier},
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "invalid_grant", body["error"])
	})

	t.Run("Refresh Rotation", func(t *testing.T) {
		require.NotEmpty(t, refreshToken)

		// Basic auth on the refresh leg
		req, err := http.NewRequest(http.MethodPost, meta.TokenEndpoint,
			strings.NewReader(url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {refreshToken},
			}.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(clientID, clientSecret)

		resp, err := browser.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var rotated oauth.TokenResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rotated))
		require.NotEmpty(t, rotated.RefreshToken)
		assert.NotEqual(t, refreshToken, rotated.RefreshToken, "refresh token must rotate")

		// The spent refresh token is dead
		resp2 := postForm(t, browser, meta.TokenEndpoint, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
		})
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

		refreshToken = rotated.RefreshToken
	})

	t.Run("Revocation", func(t *testing.T) {
		require.NotEmpty(t, refreshToken)

		resp := postForm(t, browser, meta.RevocationEndpoint, url.Values{
			"token":           {refreshToken},
			"token_type_hint": {"refresh_token"},
			"client_id":       {clientID},
			"client_secret":   {clientSecret},
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		// The revoked refresh token no longer refreshes
		resp2 := postForm(t, browser, meta.TokenEndpoint, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
		})
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

		// Revoking an already-dead token still returns 200 (RFC 7009)
		resp3 := postForm(t, browser, meta.RevocationEndpoint, url.Values{
			"token":         {refreshToken},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
		})
		defer resp3.Body.Close()
		assert.Equal(t, http.StatusOK, resp3.StatusCode)
	})

	t.Run("Denied Consent", func(t *testing.T) {
		q := url.Values{
			"client_id":             {clientID},
			"redirect_uri":          {"https://dashboard.example.com/oauth/callback"},
			"response_type":         {"code"},
			"scope":                 {"read"},
			"state":                 {"deny-state"},
			"code_challenge":        {s256("deny-verifier-0123456789abcdefghij")},
			"code_challenge_method": {"S256"},
		}
		resp, err := browser.Get(meta.AuthorizationEndpoint + "?" + q.Encode())
		require.NoError(t, err)
		defer resp.Body.Close()
		tempKey := resp.Request.URL.Query().Get("temp_key")
		require.NotEmpty(t, tempKey)

		resp = postForm(t, api, issuer+"/oauth/consent/approve", url.Values{
			"temp_key": {tempKey},
			"action":   {"deny"},
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)

		loc, err := resp.Location()
		require.NoError(t, err)
		assert.Equal(t, "access_denied", loc.Query().Get("error"))
		assert.Equal(t, "deny-state", loc.Query().Get("state"))
		assert.Empty(t, loc.Query().Get("code"))
	})
}
