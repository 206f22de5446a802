package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/authrelay/authrelay/internal/audit"
)

// AuthnProvider is the identity-source hook the orchestrator hands the user
// agent to after /authorize validation. The full adapter contract lives in
// the provider package; the orchestrator only needs the initiation leg.
type AuthnProvider interface {
	// InitiateAuthn returns the URL the user agent is redirected to for
	// authentication: the internal consent page for the local provider,
	// the upstream authorization endpoint for federated ones.
	InitiateAuthn(ctx context.Context, pending *PendingAuthorization) (string, error)

	// Name returns the provider identifier (custom, google, azure)
	Name() string
}

// Metrics holds optional instrument handles for the orchestrator.
// Nil instruments are skipped.
type Metrics struct {
	ClientsRegistered metric.Int64Counter
	CodesIssued       metric.Int64Counter
	TokensIssued      metric.Int64Counter
	TokensRevoked     metric.Int64Counter
	ExchangeDuration  metric.Float64Histogram
}

// ServiceConfig holds orchestrator configuration
type ServiceConfig struct {
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
}

// issuedPair remembers which tokens a consumed code produced, so a replayed
// code can revoke them (RFC 6749 Section 4.1.2 replay defense).
type issuedPair struct {
	accessToken  string
	refreshToken string
	clientID     string
	expiresAt    time.Time
}

// Service implements the authorization-code state machine:
// /authorize -> consent -> code issuance -> /token exchange -> refresh.
type Service struct {
	store       Store
	provider    AuthnProvider
	policy      ScopePolicy
	hasher      *SecretHasher
	auditLogger audit.Logger

	issuer          string
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	authCodeTTL     time.Duration

	usedMu    sync.Mutex
	usedCodes map[string]issuedPair

	metrics Metrics
}

// NewService creates a new authorization service
func NewService(
	store Store,
	provider AuthnProvider,
	policy ScopePolicy,
	hasher *SecretHasher,
	auditLogger audit.Logger,
	cfg ServiceConfig,
) *Service {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 24 * time.Hour
	}
	if cfg.AuthCodeTTL <= 0 {
		cfg.AuthCodeTTL = 10 * time.Minute
	}

	return &Service{
		store:           store,
		provider:        provider,
		policy:          policy,
		hasher:          hasher,
		auditLogger:     auditLogger,
		issuer:          strings.TrimRight(cfg.Issuer, "/"),
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
		authCodeTTL:     cfg.AuthCodeTTL,
		usedCodes:       make(map[string]issuedPair),
	}
}

// SetMetrics attaches instrumentation counters
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

// AuthorizeRequest represents an authorization request (RFC 6749 Section 4.1.1)
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Resource            string
	CodeChallenge       string
	CodeChallengeMethod string
}

// TokenRequest represents a token request (RFC 6749 Section 4.1.3 / Section 6)
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenResponse represents a token response (RFC 6749 Section 5.1)
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// RevokeRequest represents a revocation request (RFC 7009 Section 2.1)
type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

// ClientRegistration represents a dynamic registration request (RFC 7591)
type ClientRegistration struct {
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	Scope                   string
	TokenEndpointAuthMethod string
}

// AuthorizeError is a protocol error raised after the redirect URI has been
// validated. The HTTP layer redirects to RedirectURI with the error
// parameters instead of rendering an error page.
type AuthorizeError struct {
	RedirectURI string
	Err         *Error
}

func (e *AuthorizeError) Error() string {
	return e.Err.Error()
}

func (e *AuthorizeError) Unwrap() error {
	return e.Err
}

// AddRedirectParams appends query parameters to a redirect URI, preserving
// any query component the client registered
func AddRedirectParams(baseURL string, params url.Values) string {
	if len(params) == 0 {
		return baseURL
	}
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + params.Encode()
}

// RegisterClient registers a new OAuth client (RFC 7591 Section 3).
// Confidential clients receive a generated secret, returned exactly once;
// only its Argon2id hash is persisted.
func (s *Service) RegisterClient(ctx context.Context, reg *ClientRegistration) (*Client, string, error) {
	// 1. Validate Redirect URIs (RFC 7591 Section 2)
	if len(reg.RedirectURIs) == 0 {
		return nil, "", NewError(ErrInvalidRedirectURI, "at least one redirect URI is required")
	}
	for _, uri := range reg.RedirectURIs {
		u, err := url.Parse(uri)
		if err != nil || u.Scheme == "" {
			return nil, "", NewError(ErrInvalidRedirectURI, fmt.Sprintf("invalid redirect URI: %s", uri))
		}
	}

	// 2. Validate Grant Types
	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != GrantAuthorizationCode && gt != GrantRefreshToken {
			return nil, "", NewError(ErrInvalidClientMetadata, fmt.Sprintf("unsupported grant type: %s", gt))
		}
	}

	// 3. Validate Scope against the whitelist; empty falls back to defaults
	scope := reg.Scope
	if scope == "" {
		scope = JoinScopes(s.policy.Defaults)
	} else {
		for _, sc := range SplitScopes(scope) {
			if !ContainsScope(s.policy.Valid, sc) {
				return nil, "", NewError(ErrInvalidClientMetadata, fmt.Sprintf("unknown scope: %s", sc))
			}
		}
	}

	authMethod := reg.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}

	client := &Client{
		ClientID:                uuid.NewString(),
		ClientName:              reg.ClientName,
		RedirectURIs:            reg.RedirectURIs,
		GrantTypes:              grantTypes,
		Scope:                   scope,
		TokenEndpointAuthMethod: authMethod,
	}

	// 4. Issue a secret unless the client declared itself public
	var secret string
	if authMethod != "none" {
		secret = GenerateClientSecret()
		hash, err := s.hasher.Hash(secret)
		if err != nil {
			return nil, "", NewError(ErrServerError, "failed to hash client secret")
		}
		client.ClientSecretHash = hash
	}

	if err := s.store.PutClient(client); err != nil {
		return nil, "", NewError(ErrServerError, "failed to persist client")
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeClientRegistered,
		ClientID: client.ClientID,
		Provider: s.provider.Name(),
		Resource: "client",
		Metadata: map[string]any{
			"client_name":  client.ClientName,
			"confidential": client.IsConfidential(),
		},
	})
	if s.metrics.ClientsRegistered != nil {
		s.metrics.ClientsRegistered.Add(ctx, 1)
	}

	return client, secret, nil
}

// Authorize validates an authorization request, persists the in-flight state
// and returns the URL the user agent is sent to next (RFC 6749 Section 4.1.1).
//
// Plain *Error returns mean the redirect URI could not be trusted and the
// caller must render the error itself; *AuthorizeError returns carry a
// validated redirect target.
func (s *Service) Authorize(ctx context.Context, req *AuthorizeRequest) (string, error) {
	// 1. Validate Client (RFC 6749 Section 4.1.1)
	client, err := s.store.GetClient(req.ClientID)
	if err != nil {
		return "", NewError(ErrInvalidRequest, "invalid client_id")
	}

	// 2. Validate Redirect URI (RFC 6749 Section 3.1.2)
	// Must exactly match a registered URI; when omitted, a sole registered
	// URI is substituted.
	redirectURI := req.RedirectURI
	explicit := redirectURI != ""
	if explicit {
		if !client.ValidateRedirectURI(redirectURI) {
			return "", NewError(ErrInvalidRequest, "invalid redirect_uri")
		}
	} else {
		if len(client.RedirectURIs) != 1 {
			return "", NewError(ErrInvalidRequest, "redirect_uri is required")
		}
		redirectURI = client.RedirectURIs[0]
	}

	// The redirect URI is trusted from here on; later failures redirect.
	fail := func(oauthErr *Error) (string, error) {
		return "", &AuthorizeError{RedirectURI: redirectURI, Err: oauthErr.WithState(req.State)}
	}

	// 3. Validate Response Type (RFC 6749 Section 3.1.1)
	if req.ResponseType != ResponseTypeCode {
		return fail(NewError(ErrInvalidRequest, "response_type must be 'code'"))
	}

	// 4. Require PKCE (RFC 7636 Section 4.3)
	if req.CodeChallenge == "" {
		return fail(NewError(ErrInvalidRequest, "code_challenge is required"))
	}
	if m := req.CodeChallengeMethod; m != "" && m != "plain" && m != "S256" {
		return fail(NewError(ErrInvalidRequest, "transform algorithm not supported"))
	}

	// 5. Validate Scope (RFC 6749 Section 3.3)
	scopes, err := s.scopesForClient(client, req.Scope)
	if err != nil {
		var oauthErr *Error
		if errors.As(err, &oauthErr) {
			return fail(oauthErr)
		}
		return fail(NewError(ErrInvalidScope, err.Error()))
	}

	// 6. Persist in-flight authorization state under a fresh temp key.
	// The caller's state stays here and is re-emitted on the final
	// redirect; it is never forwarded upstream.
	tempKey, err := s.mintTempKey()
	if err != nil {
		return fail(NewError(ErrServerError, "failed to mint temporary key"))
	}

	pending := &PendingAuthorization{
		TempKey:                       tempKey,
		ClientID:                      client.ClientID,
		Scopes:                        scopes,
		CodeChallenge:                 req.CodeChallenge,
		CodeChallengeMethod:           req.CodeChallengeMethod,
		RedirectURI:                   redirectURI,
		RedirectURIProvidedExplicitly: explicit,
		Resource:                      req.Resource,
		State:                         req.State,
		ExpiresAt:                     ExpiresIn(s.authCodeTTL),
	}
	if err := s.store.SavePending(pending); err != nil {
		return fail(NewError(ErrServerError, "failed to persist authorization state"))
	}

	// 7. Hand the user agent to the identity provider
	authnURL, err := s.provider.InitiateAuthn(ctx, pending)
	if err != nil {
		_ = s.store.DeletePending(tempKey)
		return fail(NewError(ErrServerError, err.Error()))
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAuthorizationRequested,
		ClientID: client.ClientID,
		Provider: s.provider.Name(),
		Resource: "authorization",
		Metadata: map[string]any{
			"scope": JoinScopes(scopes),
		},
	})

	return authnURL, nil
}

// scopesForClient resolves the requested scope string for a client. An empty
// request falls back to the client's registered grant; otherwise every scope
// must pass the whitelist and be covered by the client's grant.
func (s *Service) scopesForClient(client *Client, requested string) ([]string, error) {
	if requested == "" {
		return SplitScopes(client.Scope), nil
	}

	scopes, err := s.policy.Validate(requested)
	if err != nil {
		return nil, err
	}

	clientScopes := SplitScopes(client.Scope)
	for _, sc := range scopes {
		if !ContainsScope(clientScopes, sc) {
			return nil, NewError(ErrInvalidScope, fmt.Sprintf("scope not granted to client: %s", sc))
		}
	}
	return scopes, nil
}

// AttachUserInfo binds authenticated user details to in-flight authorization
// state. Called after the local login form or an upstream callback.
func (s *Service) AttachUserInfo(ctx context.Context, tempKey string, userInfo map[string]any) error {
	pending, err := s.store.GetPending(tempKey)
	if err != nil {
		return err
	}
	pending.UserInfo = userInfo
	return s.store.SavePending(pending)
}

// GetPendingAuthorization retrieves in-flight authorization state, for
// consent page rendering
func (s *Service) GetPendingAuthorization(ctx context.Context, tempKey string) (*PendingAuthorization, error) {
	return s.store.GetPending(tempKey)
}

// GetClient retrieves a registered client
func (s *Service) GetClient(ctx context.Context, clientID string) (*Client, error) {
	return s.store.GetClient(clientID)
}

// CompleteAuthorization consumes pending state after the user's consent
// decision and returns the front-channel redirect URL. A denial redirects
// with access_denied; approval mints a one-time code. ErrPendingNotFound
// signals the decision was already processed.
func (s *Service) CompleteAuthorization(ctx context.Context, tempKey string, approved bool) (string, error) {
	pending, err := s.store.GetPending(tempKey)
	if err != nil {
		return "", err
	}

	// Consume the pending state first so a duplicate submission cannot
	// mint a second code.
	if err := s.store.DeletePending(tempKey); err != nil {
		return "", &AuthorizeError{
			RedirectURI: pending.RedirectURI,
			Err:         NewError(ErrServerError, "failed to consume authorization state").WithState(pending.State),
		}
	}

	if !approved {
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeAuthorizationDenied,
			ClientID: pending.ClientID,
			Provider: s.provider.Name(),
			Resource: "authorization",
		})

		params := url.Values{
			"error":             {ErrAccessDenied},
			"error_description": {"User denied authorization"},
		}
		if pending.State != "" {
			params.Set("state", pending.State)
		}
		return AddRedirectParams(pending.RedirectURI, params), nil
	}

	code, err := s.mintCode()
	if err != nil {
		return "", &AuthorizeError{
			RedirectURI: pending.RedirectURI,
			Err:         NewError(ErrServerError, "failed to mint authorization code").WithState(pending.State),
		}
	}

	authCode := &AuthorizationCode{
		Code:                          code,
		ClientID:                      pending.ClientID,
		Scopes:                        pending.Scopes,
		CodeChallenge:                 pending.CodeChallenge,
		CodeChallengeMethod:           pending.CodeChallengeMethod,
		RedirectURI:                   pending.RedirectURI,
		RedirectURIProvidedExplicitly: pending.RedirectURIProvidedExplicitly,
		Resource:                      pending.Resource,
		UserInfo:                      pending.UserInfo,
		ExpiresAt:                     ExpiresIn(s.authCodeTTL),
	}
	if err := s.store.SaveCode(authCode); err != nil {
		return "", &AuthorizeError{
			RedirectURI: pending.RedirectURI,
			Err:         NewError(ErrServerError, "failed to persist authorization code").WithState(pending.State),
		}
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAuthorizationApproved,
		ClientID: pending.ClientID,
		Provider: s.provider.Name(),
		Resource: "authorization",
		Metadata: map[string]any{
			"scope": JoinScopes(pending.Scopes),
		},
	})
	if s.metrics.CodesIssued != nil {
		s.metrics.CodesIssued.Add(ctx, 1)
	}

	params := url.Values{"code": {code}}
	if pending.State != "" {
		params.Set("state", pending.State)
	}
	return AddRedirectParams(pending.RedirectURI, params), nil
}

// FailAuthorization consumes pending state after an upstream authentication
// failure and returns the front-channel redirect URL carrying the error. The
// caller's state round-trips on the redirect like it would on success.
func (s *Service) FailAuthorization(ctx context.Context, tempKey, code, description string) (string, error) {
	pending, err := s.store.GetPending(tempKey)
	if err != nil {
		return "", err
	}
	if err := s.store.DeletePending(tempKey); err != nil {
		return "", err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAuthorizationDenied,
		ClientID: pending.ClientID,
		Provider: s.provider.Name(),
		Resource: "authorization",
		Metadata: map[string]any{
			"upstream_error": code,
		},
	})

	params := url.Values{
		"error":             {ErrServerError},
		"error_description": {description},
	}
	if pending.State != "" {
		params.Set("state", pending.State)
	}
	return AddRedirectParams(pending.RedirectURI, params), nil
}

// ExchangeCode exchanges an authorization code for tokens (RFC 6749 Section 4.1.3)
func (s *Service) ExchangeCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	start := time.Now()

	// 1. Authenticate Client (RFC 6749 Section 3.2.1)
	client, err := s.validateClientCredentials(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrant(GrantAuthorizationCode) {
		return nil, NewError(ErrUnauthorizedClient, "client not authorized for authorization_code grant")
	}

	// 2. Consume the code. Deletion and retrieval are one store operation,
	// so two racing exchanges cannot both succeed.
	code, err := s.store.ConsumeCode(req.Code)
	if err != nil {
		// A code that produced tokens before is a replay: revoke what it
		// issued (RFC 6749 Section 4.1.2).
		if pair, ok := s.replayedPair(req.Code); ok {
			_ = s.store.RemoveAccessToken(pair.accessToken)
			if pair.refreshToken != "" {
				_ = s.store.RemoveRefreshToken(pair.refreshToken)
			}

			s.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeCodeReplayed,
				ClientID: req.ClientID,
				Provider: s.provider.Name(),
				Resource: "token",
			})
			return nil, NewError(ErrInvalidGrant, "authorization code already used")
		}
		return nil, NewError(ErrInvalidGrant, "authorization code not found")
	}

	// 3. Validate code ownership
	if code.ClientID != client.ClientID {
		return nil, NewError(ErrInvalidGrant, "client_id mismatch")
	}

	// 4. Validate Redirect URI (RFC 6749 Section 4.1.3): must repeat the
	// /authorize value when it was provided explicitly there
	if code.RedirectURIProvidedExplicitly {
		if NormalizeRedirectURI(req.RedirectURI) != NormalizeRedirectURI(code.RedirectURI) {
			return nil, NewError(ErrInvalidGrant, "redirect_uri mismatch")
		}
	}

	// 5. PKCE Verification (RFC 7636 Section 4.6)
	if !VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier) {
		return nil, NewError(ErrInvalidGrant, "invalid code_verifier")
	}

	// 6. Mint and persist the token pair
	accessToken, err := s.mintAccessToken()
	if err != nil {
		return nil, NewError(ErrServerError, "failed to mint access token")
	}
	access := &AccessToken{
		Token:     accessToken,
		ClientID:  client.ClientID,
		Scopes:    code.Scopes,
		Resource:  code.Resource,
		ExpiresAt: ExpiresIn(s.accessTokenTTL),
	}
	if err := s.store.AddAccessToken(access); err != nil {
		return nil, NewError(ErrServerError, "failed to issue access token")
	}

	var refreshToken string
	if client.AllowsGrant(GrantRefreshToken) {
		refreshToken, err = s.mintRefreshToken()
		if err != nil {
			return nil, NewError(ErrServerError, "failed to mint refresh token")
		}
		refresh := &RefreshToken{
			Token:     refreshToken,
			ClientID:  client.ClientID,
			Scopes:    code.Scopes,
			ExpiresAt: ExpiresIn(s.refreshTokenTTL),
		}
		if err := s.store.AddRefreshToken(refresh); err != nil {
			return nil, NewError(ErrServerError, "failed to issue refresh token")
		}
	}

	// 7. Remember what this code issued for the replay defense
	s.rememberIssuedPair(code.Code, issuedPair{
		accessToken:  accessToken,
		refreshToken: refreshToken,
		clientID:     client.ClientID,
		expiresAt:    time.Now().Add(s.authCodeTTL),
	})

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeCodeExchanged,
		ClientID: client.ClientID,
		Provider: s.provider.Name(),
		Resource: "token",
		Metadata: map[string]any{
			"scope":  JoinScopes(code.Scopes),
			"has_rt": refreshToken != "",
		},
	})
	if s.metrics.TokensIssued != nil {
		s.metrics.TokensIssued.Add(ctx, 1)
	}
	if s.metrics.ExchangeDuration != nil {
		s.metrics.ExchangeDuration.Record(ctx, time.Since(start).Seconds())
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int(s.accessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        JoinScopes(code.Scopes),
	}, nil
}

// RefreshAccessToken handles the refresh_token grant type (RFC 6749 Section 6).
// The old refresh token is rotated out atomically with the new pair.
func (s *Service) RefreshAccessToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	// 1. Authenticate Client (RFC 6749 Section 3.2.1)
	client, err := s.validateClientCredentials(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrant(GrantRefreshToken) {
		return nil, NewError(ErrUnauthorizedClient, "client not authorized for refresh_token grant")
	}

	// 2. Validate Refresh Token
	rt, err := s.store.GetRefreshToken(req.RefreshToken)
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "refresh token not found")
	}

	if rt.ClientID != client.ClientID {
		return nil, NewError(ErrInvalidGrant, "client_id mismatch")
	}

	// 3. Resolve scopes: a request may narrow the grant, never widen it
	// (RFC 6749 Section 6)
	granted := rt.Scopes
	if requested := SplitScopes(req.Scope); len(requested) > 0 {
		granted = IntersectScopes(requested, rt.Scopes)
		if len(granted) == 0 {
			return nil, NewError(ErrInvalidScope, "requested scopes exceed original grant")
		}
	}

	// 4. Mint the new pair and rotate in one atomic mutation
	accessToken, err := s.mintAccessToken()
	if err != nil {
		return nil, NewError(ErrServerError, "failed to mint access token")
	}
	refreshToken, err := s.mintRefreshToken()
	if err != nil {
		return nil, NewError(ErrServerError, "failed to mint refresh token")
	}

	access := &AccessToken{
		Token:     accessToken,
		ClientID:  client.ClientID,
		Scopes:    granted,
		ExpiresAt: ExpiresIn(s.accessTokenTTL),
	}
	refresh := &RefreshToken{
		Token:     refreshToken,
		ClientID:  client.ClientID,
		Scopes:    granted,
		ExpiresAt: ExpiresIn(s.refreshTokenTTL),
	}
	if err := s.store.RotateRefreshToken(rt.Token, access, refresh); err != nil {
		// The old token vanishing between lookup and rotation means a
		// concurrent refresh won; exactly one caller gets the new pair.
		if errors.Is(err, ErrTokenNotFound) {
			return nil, NewError(ErrInvalidGrant, "refresh token not found")
		}
		return nil, NewError(ErrServerError, "failed to rotate refresh token")
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenRefreshed,
		ClientID: client.ClientID,
		Provider: s.provider.Name(),
		Resource: "token",
		Metadata: map[string]any{
			"scope": JoinScopes(granted),
		},
	})
	if s.metrics.TokensIssued != nil {
		s.metrics.TokensIssued.Add(ctx, 1)
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int(s.accessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        JoinScopes(granted),
	}, nil
}

// Revoke invalidates a token of either kind (RFC 7009 Section 2.1).
// Revoking a refresh token also revokes the client's access tokens. Unknown
// tokens are not an error per RFC 7009 Section 2.2.
func (s *Service) Revoke(ctx context.Context, req *RevokeRequest) error {
	client, err := s.validateClientCredentials(req.ClientID, req.ClientSecret)
	if err != nil {
		return err
	}

	tryAccess := func() bool {
		at, err := s.store.GetAccessToken(req.Token)
		if err != nil || at.ClientID != client.ClientID {
			return false
		}
		_ = s.store.RemoveAccessToken(req.Token)
		s.logRevocation(ctx, client.ClientID, "access_token")
		return true
	}
	tryRefresh := func() bool {
		rt, err := s.store.GetRefreshToken(req.Token)
		if err != nil || rt.ClientID != client.ClientID {
			return false
		}
		_ = s.store.RemoveAccessTokensByClient(client.ClientID)
		_ = s.store.RemoveRefreshToken(req.Token)
		s.logRevocation(ctx, client.ClientID, "refresh_token")
		return true
	}

	if req.TokenTypeHint == GrantRefreshToken {
		_ = tryRefresh() || tryAccess()
	} else {
		_ = tryAccess() || tryRefresh()
	}
	return nil
}

func (s *Service) logRevocation(ctx context.Context, clientID, kind string) {
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenRevoked,
		ClientID: clientID,
		Provider: s.provider.Name(),
		Resource: kind,
	})
	if s.metrics.TokensRevoked != nil {
		s.metrics.TokensRevoked.Add(ctx, 1)
	}
}

// VerifyAccessToken validates a bearer token for the resource server.
// Expired and unknown tokens both come back as ErrTokenNotFound.
func (s *Service) VerifyAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	at, err := s.store.GetAccessToken(token)
	if err != nil {
		return nil, ErrTokenNotFound
	}
	return at, nil
}

// ServerMetadata is the RFC 8414 authorization server metadata document
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// Metadata returns the discovery document served at
// /.well-known/oauth-authorization-server (RFC 8414 Section 3)
func (s *Service) Metadata() *ServerMetadata {
	return &ServerMetadata{
		Issuer:                            s.issuer,
		AuthorizationEndpoint:             s.issuer + "/authorize",
		TokenEndpoint:                     s.issuer + "/token",
		RegistrationEndpoint:              s.issuer + "/register",
		RevocationEndpoint:                s.issuer + "/revoke",
		ScopesSupported:                   s.policy.Valid,
		ResponseTypesSupported:            []string{ResponseTypeCode},
		GrantTypesSupported:               []string{GrantAuthorizationCode, GrantRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
	}
}

// validateClientCredentials validates client credentials (RFC 6749 Section 3.2.1)
func (s *Service) validateClientCredentials(clientID, clientSecret string) (*Client, error) {
	client, err := s.store.GetClient(clientID)
	if err != nil {
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}

	// Public clients carry no secret; PKCE protects the exchange
	if !client.IsConfidential() {
		return client, nil
	}

	ok, err := s.hasher.Verify(clientSecret, client.ClientSecretHash)
	if err != nil || !ok {
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}
	return client, nil
}

// rememberIssuedPair records the tokens a consumed code produced, pruning
// entries past the code lifetime
func (s *Service) rememberIssuedPair(code string, pair issuedPair) {
	s.usedMu.Lock()
	defer s.usedMu.Unlock()

	now := time.Now()
	for c, p := range s.usedCodes {
		if p.expiresAt.Before(now) {
			delete(s.usedCodes, c)
		}
	}
	s.usedCodes[code] = pair
}

// replayedPair reports whether the code already went through an exchange
func (s *Service) replayedPair(code string) (issuedPair, bool) {
	s.usedMu.Lock()
	defer s.usedMu.Unlock()

	pair, ok := s.usedCodes[code]
	if ok && pair.expiresAt.Before(time.Now()) {
		delete(s.usedCodes, code)
		return issuedPair{}, false
	}
	return pair, ok
}

// Token minting with collision regeneration. Random collisions are
// vanishingly rare; the store check keeps uniqueness unconditional.

func (s *Service) mintTempKey() (string, error) {
	for i := 0; i < 5; i++ {
		key := GenerateTempKey()
		if _, err := s.store.GetPending(key); errors.Is(err, ErrPendingNotFound) {
			return key, nil
		}
	}
	return "", errors.New("temp key space exhausted")
}

func (s *Service) mintCode() (string, error) {
	for i := 0; i < 5; i++ {
		code := GenerateAuthorizationCode()
		if _, err := s.store.GetCode(code); errors.Is(err, ErrCodeNotFound) {
			return code, nil
		}
	}
	return "", errors.New("code space exhausted")
}

func (s *Service) mintAccessToken() (string, error) {
	for i := 0; i < 5; i++ {
		token := GenerateAccessToken()
		if _, err := s.store.GetAccessToken(token); errors.Is(err, ErrTokenNotFound) {
			return token, nil
		}
	}
	return "", errors.New("access token space exhausted")
}

func (s *Service) mintRefreshToken() (string, error) {
	for i := 0; i < 5; i++ {
		token := GenerateRefreshToken()
		if _, err := s.store.GetRefreshToken(token); errors.Is(err, ErrTokenNotFound) {
			return token, nil
		}
	}
	return "", errors.New("refresh token space exhausted")
}
