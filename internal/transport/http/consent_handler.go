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
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/authrelay/authrelay/internal/audit"
	"github.com/authrelay/authrelay/internal/oauth"
	"github.com/authrelay/authrelay/internal/observability/logger"
	"github.com/authrelay/authrelay/internal/provider"
)

//go:embed templates/*.html
var templatesFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

type loginPageData struct {
	ClientName string
	TempKey    string
	Error      string
}

type consentPageData struct {
	ClientName   string
	ProviderName string
	Username     string
	TempKey      string
	Scopes       []string
	// HiddenUsername carries the local login identity through the consent
	// form so a resubmitted form can rebind it.
	HiddenUsername string
}

// ConsentPage renders the user-facing leg of the authorization flow. Until an
// identity is attached to the pending authorization the local provider shows
// a login form; once one is attached (by Login or by an upstream callback)
// the consent form is shown.
func (h *Handler) ConsentPage(w http.ResponseWriter, r *http.Request) {
	tempKey := r.URL.Query().Get("temp_key")
	if tempKey == "" {
		h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "missing temp_key parameter")
		return
	}

	pending, err := h.oauthService.GetPendingAuthorization(r.Context(), tempKey)
	if err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "authorization request not found or expired")
		return
	}

	if pending.UserInfo == nil {
		if h.adapter.Info().Federated {
			// Federated identities arrive via the provider callback,
			// never through this page.
			h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "authentication has not completed")
			return
		}
		h.renderPage(w, http.StatusOK, "login.html", loginPageData{
			ClientName: h.clientDisplayName(r, pending.ClientID),
			TempKey:    tempKey,
		})
		return
	}

	h.renderConsentPage(w, r, pending)
}

// Login handles the local provider's login form. Any non-empty identifier is
// accepted as the authenticated user; this provider exists for development
// and demos, not production authentication.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "malformed form body")
		return
	}

	tempKey := r.PostForm.Get("temp_key")
	if tempKey == "" {
		h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "missing temp_key parameter")
		return
	}

	pending, err := h.oauthService.GetPendingAuthorization(r.Context(), tempKey)
	if err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "authorization request not found or expired")
		return
	}

	username := strings.TrimSpace(r.PostForm.Get("username"))
	if username == "" {
		h.renderPage(w, http.StatusOK, "login.html", loginPageData{
			ClientName: h.clientDisplayName(r, pending.ClientID),
			TempKey:    tempKey,
			Error:      "Please enter a username or email.",
		})
		return
	}

	if err := h.oauthService.AttachUserInfo(r.Context(), tempKey, localUserInfo(username)); err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "authorization request not found or expired")
		return
	}
	pending.UserInfo = localUserInfo(username)

	h.renderConsentPage(w, r, pending)
}

// ConsentDecision handles the consent form submission and redirects the user
// agent back to the client. A duplicate submission renders a terminal page
// instead of minting a second code.
func (h *Handler) ConsentDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "malformed form body")
		return
	}

	tempKey := r.PostForm.Get("temp_key")
	if tempKey == "" {
		h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "missing temp_key parameter")
		return
	}

	action := r.PostForm.Get("action")
	if action != "approve" && action != "deny" {
		h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "unrecognized consent action")
		return
	}

	// A resubmitted local consent form carries the username; rebind it when
	// the pending state lost its identity between renders.
	if username := strings.TrimSpace(r.PostForm.Get("username")); username != "" {
		if pending, err := h.oauthService.GetPendingAuthorization(r.Context(), tempKey); err == nil && pending.UserInfo == nil {
			if err := h.oauthService.AttachUserInfo(r.Context(), tempKey, localUserInfo(username)); err != nil {
				slog.WarnContext(r.Context(), "failed to rebind login identity", logger.Error(err))
			}
		}
	}

	redirect, err := h.oauthService.CompleteAuthorization(r.Context(), tempKey, action == "approve")
	if err != nil {
		if errors.Is(err, oauth.ErrPendingNotFound) {
			h.renderPage(w, http.StatusOK, "message.html", map[string]string{
				"Title":   "Request already processed",
				"Message": "This authorization request was already completed or has expired. Return to the application and start again if needed.",
			})
			return
		}
		h.redirectOrRenderError(w, r, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// UpstreamCallback is the return leg of a federated authorization: the
// upstream provider redirects here with its code and our temp key as state.
// The adapter finishes the upstream dialogue; the user lands on the consent
// page with their upstream identity attached.
func (h *Handler) UpstreamCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := h.adapter.Info()

	result, err := h.adapter.HandleCallback(ctx, r.URL.Query())
	if err != nil {
		slog.WarnContext(ctx, "upstream callback failed",
			logger.Provider(info.Name),
			logger.Error(err),
		)

		var cbErr *provider.CallbackError
		if !errors.As(err, &cbErr) {
			h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "invalid callback request")
			return
		}

		h.auditLogger.Log(ctx, audit.Event{
			Type:      audit.TypeUpstreamCallback,
			Provider:  info.Name,
			Resource:  "callback",
			IPAddress: getIPAddress(r),
			Metadata: map[string]any{
				"outcome":        "error",
				"upstream_error": cbErr.Code,
			},
		})

		description := cbErr.Description
		if cbErr.Code != "" && cbErr.Code != oauth.ErrServerError {
			description = cbErr.Code + ": " + description
		}
		redirect, ferr := h.oauthService.FailAuthorization(ctx, cbErr.TempKey, cbErr.Code, description)
		if ferr != nil {
			h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "authorization request not found or expired")
			return
		}
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	if err := h.oauthService.AttachUserInfo(ctx, result.TempKey, result.UserInfo); err != nil {
		h.renderErrorPage(w, http.StatusBadRequest, oauth.ErrInvalidRequest, "authorization request not found or expired")
		return
	}

	h.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeUpstreamCallback,
		Provider:  info.Name,
		Resource:  "callback",
		IPAddress: getIPAddress(r),
		Metadata: map[string]any{
			"outcome": "success",
		},
	})

	http.Redirect(w, r, "/oauth/consent/page?"+url.Values{"temp_key": {result.TempKey}}.Encode(), http.StatusFound)
}

func (h *Handler) renderConsentPage(w http.ResponseWriter, r *http.Request, pending *oauth.PendingAuthorization) {
	info := h.adapter.Info()

	data := consentPageData{
		ClientName:   h.clientDisplayName(r, pending.ClientID),
		ProviderName: info.DisplayName,
		Username:     usernameFromUserInfo(pending.UserInfo),
		TempKey:      pending.TempKey,
		Scopes:       pending.Scopes,
	}
	if !info.Federated {
		data.HiddenUsername = data.Username
	}

	h.renderPage(w, http.StatusOK, "consent.html", data)
}

// clientDisplayName resolves the registered client name, falling back to the
// raw client_id for clients registered without one.
func (h *Handler) clientDisplayName(r *http.Request, clientID string) string {
	client, err := h.oauthService.GetClient(r.Context(), clientID)
	if err != nil || client.ClientName == "" {
		return clientID
	}
	return client.ClientName
}

func (h *Handler) renderErrorPage(w http.ResponseWriter, status int, code, description string) {
	h.renderPage(w, status, "error.html", map[string]string{
		"Code":        code,
		"Description": description,
	})
}

func (h *Handler) renderPage(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("failed to render page", logger.Entity(name), logger.Error(err))
	}
}

func localUserInfo(username string) map[string]any {
	return map[string]any{
		"username": username,
		"provider": "custom",
	}
}

// usernameFromUserInfo picks the best display identity from a provider
// profile. Providers disagree on field names, so probe the common ones.
func usernameFromUserInfo(userInfo map[string]any) string {
	for _, key := range []string{"username", "email", "name", "sub", "id"} {
		if v, ok := userInfo[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
