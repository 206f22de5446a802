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

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/authrelay/authrelay/internal/oauth"
	"github.com/authrelay/authrelay/internal/observability/logger"
)

// Metadata serves the authorization server metadata document
// (RFC 8414 Section 3)
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.oauthService.Metadata())
}

// RegisterRequest represents a dynamic registration request (RFC 7591 Section 2)
type RegisterRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// Register handles dynamic client registration (RFC 7591 Section 3)
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondOAuthError(w, oauth.NewError(oauth.ErrInvalidClientMetadata, "invalid request body"))
		return
	}

	client, secret, err := h.oauthService.RegisterClient(r.Context(), &oauth.ClientRegistration{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "client registration rejected",
			logger.Error(err),
			logger.String("client_name", req.ClientName),
		)
		h.respondOAuthError(w, err)
		return
	}

	// RFC 7591 Section 3.2.1 response; the secret appears here exactly once
	resp := map[string]any{
		"client_id":                  client.ClientID,
		"client_name":                client.ClientName,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"scope":                      client.Scope,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
	}
	if secret != "" {
		resp["client_secret"] = secret
	}

	respondJSON(w, http.StatusCreated, resp)
}

// Authorize is the authorization endpoint (RFC 6749 Section 4.1.1). A valid
// request redirects the user agent to the identity provider; failures either
// render an error page or redirect back, depending on whether the redirect
// URI passed validation.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := &oauth.AuthorizeRequest{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		Resource:            query.Get("resource"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
	}

	authnURL, err := h.oauthService.Authorize(r.Context(), req)
	if err != nil {
		slog.ErrorContext(r.Context(), "authorization request rejected",
			logger.Error(err),
			logger.ClientID(req.ClientID),
			logger.RedirectURI(req.RedirectURI),
		)
		h.redirectOrRenderError(w, r, err)
		return
	}

	http.Redirect(w, r, authnURL, http.StatusFound)
}

// Token is the token endpoint (RFC 6749 Section 3.2)
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "invalid request"))
		return
	}

	clientID := r.Form.Get("client_id")
	clientSecret := r.Form.Get("client_secret")

	// Support Basic Auth (RFC 6749 Section 2.3.1)
	if clientID == "" {
		username, password, ok := r.BasicAuth()
		if ok {
			clientID = username
			clientSecret = password
		}
	}

	req := &oauth.TokenRequest{
		GrantType:    r.Form.Get("grant_type"),
		Code:         r.Form.Get("code"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.Form.Get("code_verifier"), // RFC 7636 Section 4.5
		RefreshToken: r.Form.Get("refresh_token"), // RFC 6749 Section 6
		Scope:        r.Form.Get("scope"),
	}

	var resp *oauth.TokenResponse
	var err error

	switch req.GrantType {
	case oauth.GrantAuthorizationCode:
		// RFC 6749 Section 4.1.3
		resp, err = h.oauthService.ExchangeCode(r.Context(), req)
	case oauth.GrantRefreshToken:
		// RFC 6749 Section 6
		resp, err = h.oauthService.RefreshAccessToken(r.Context(), req)
	default:
		h.respondOAuthError(w, oauth.NewError(oauth.ErrUnsupportedGrantType, "unsupported grant_type"))
		return
	}

	if err != nil {
		slog.ErrorContext(r.Context(), "token request failed",
			logger.Error(err),
			logger.GrantType(req.GrantType),
			logger.ClientID(clientID),
		)
		h.respondOAuthError(w, err)
		return
	}

	// Prevent caching (RFC 6749 Section 5.1)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	respondJSON(w, http.StatusOK, resp)
}

// Revoke handles token revocation (RFC 7009). Per Section 2.2 the response
// is 200 whether or not the token existed.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "invalid request"))
		return
	}

	clientID := r.Form.Get("client_id")
	clientSecret := r.Form.Get("client_secret")

	// Support Basic Auth
	if clientID == "" {
		username, password, ok := r.BasicAuth()
		if ok {
			clientID = username
			clientSecret = password
		}
	}

	token := r.Form.Get("token")
	if token == "" {
		h.respondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "missing token"))
		return
	}

	err := h.oauthService.Revoke(r.Context(), &oauth.RevokeRequest{
		Token:         token,
		TokenTypeHint: r.Form.Get("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  clientSecret,
	})
	if err != nil {
		h.respondOAuthError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// redirectOrRenderError propagates an authorization failure to the user
// agent. Errors raised after redirect-URI validation travel back on the
// front channel; anything earlier renders an error page, never a redirect
// to an unvalidated URI.
func (h *Handler) redirectOrRenderError(w http.ResponseWriter, r *http.Request, err error) {
	var authzErr *oauth.AuthorizeError
	if errors.As(err, &authzErr) {
		params := url.Values{
			"error":             {authzErr.Err.Code},
			"error_description": {authzErr.Err.Description},
		}
		if authzErr.Err.State != "" {
			params.Set("state", authzErr.Err.State)
		}
		http.Redirect(w, r, oauth.AddRedirectParams(authzErr.RedirectURI, params), http.StatusFound)
		return
	}

	var oauthErr *oauth.Error
	if errors.As(err, &oauthErr) {
		h.renderErrorPage(w, oauthStatus(oauthErr.Code), oauthErr.Code, oauthErr.Description)
		return
	}
	h.renderErrorPage(w, http.StatusInternalServerError, oauth.ErrServerError, "internal server error")
}

// respondOAuthError serializes a protocol error as JSON with the status
// mapping of RFC 6749 Section 5.2
func (h *Handler) respondOAuthError(w http.ResponseWriter, err error) {
	var oauthErr *oauth.Error
	if errors.As(err, &oauthErr) {
		respondJSON(w, oauthStatus(oauthErr.Code), oauthErr)
		return
	}

	// Fallback for internal errors (opaque)
	respondJSON(w, http.StatusInternalServerError, oauth.NewError(oauth.ErrServerError, "internal server error"))
}

func oauthStatus(code string) int {
	switch code {
	case oauth.ErrInvalidClient:
		return http.StatusUnauthorized
	case oauth.ErrServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
