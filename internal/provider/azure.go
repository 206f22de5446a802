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
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/authrelay/authrelay/internal/oauth"
)

const azureGraphMeURL = "https://graph.microsoft.com/v1.0/me"

// Azure federates authentication to Microsoft Entra ID. The tenant selects
// the authority: a directory ID restricts sign-in to one organization,
// "common" accepts any Microsoft account.
type Azure struct {
	upstream
}

// NewAzure creates the Azure adapter
func NewAzure(cfg Config) *Azure {
	issuer := strings.TrimRight(cfg.Issuer, "/")

	tenant := cfg.TenantID
	if tenant == "" {
		tenant = "common"
	}
	authority := "https://login.microsoftonline.com/" + tenant

	return &Azure{upstream: upstream{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  issuer + "/oauth/azure/callback",
			Scopes:       []string{"openid", "email", "profile", "User.Read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   authority + "/oauth2/v2.0/authorize",
				TokenURL:  authority + "/oauth2/v2.0/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient:  &http.Client{Timeout: upstreamTimeout},
		userInfoURL: azureGraphMeURL,
		name:        "azure",
		normalize:   normalizeGraphProfile,
	}}
}

// Initialize is a no-op; the v2.0 endpoints are fixed by the authority
func (a *Azure) Initialize(ctx context.Context) error {
	return nil
}

// InitiateAuthn builds the Microsoft authorization URL with the temp key as
// upstream state
func (a *Azure) InitiateAuthn(ctx context.Context, pending *oauth.PendingAuthorization) (string, error) {
	return a.oauth2Config.AuthCodeURL(pending.TempKey,
		oauth2.SetAuthURLParam("response_mode", "query"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// HandleCallback consumes the redirect from Microsoft
func (a *Azure) HandleCallback(ctx context.Context, query url.Values) (*CallbackResult, error) {
	return a.exchangeCallback(ctx, query)
}

// Info describes the provider
func (a *Azure) Info() Info {
	return Info{Name: "azure", DisplayName: "Azure Entra ID", Federated: true}
}

// normalizeGraphProfile maps a Graph /me document (or id_token claims, when
// Graph was unreachable) onto the common user info shape
func normalizeGraphProfile(raw map[string]any) map[string]any {
	info := make(map[string]any)

	for _, key := range []string{"mail", "userPrincipalName", "preferred_username", "email"} {
		if v, ok := raw[key].(string); ok && v != "" {
			info["email"] = v
			break
		}
	}
	for _, key := range []string{"displayName", "name"} {
		if v, ok := raw[key].(string); ok && v != "" {
			info["name"] = v
			break
		}
	}
	for _, key := range []string{"id", "oid", "sub"} {
		if v, ok := raw[key].(string); ok && v != "" {
			info["sub"] = v
			break
		}
	}
	return info
}

var _ Adapter = (*Azure)(nil)
