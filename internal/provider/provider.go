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

// Package provider binds identity sources into the authorization flow.
// The local adapter authenticates on the server's own consent page; the
// federated adapters (Google, Azure) relay authentication through a second
// OAuth dialogue with the upstream provider.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/authrelay/authrelay/internal/oauth"
)

// ErrUnknownProvider is returned for an unrecognized provider name
var ErrUnknownProvider = errors.New("unknown provider")

// Info describes an identity provider
type Info struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Federated   bool   `json:"federated"`
}

// CallbackResult is the outcome of a successful upstream callback
type CallbackResult struct {
	TempKey  string
	UserInfo map[string]any
}

// CallbackError carries an upstream failure together with the temp key
// needed to route the error back to the waiting client. Code holds the
// upstream error verbatim when the provider sent one, server_error
// otherwise.
type CallbackError struct {
	TempKey     string
	Code        string
	Description string
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("upstream callback failed: %s (%s)", e.Code, e.Description)
}

// Adapter is the contract every identity provider implements
type Adapter interface {
	// Initialize prepares the adapter, fetching endpoint discovery
	// documents where the provider publishes them
	Initialize(ctx context.Context) error

	// InitiateAuthn returns the URL the user agent is redirected to for
	// authentication. Federated adapters send the temp key upstream as
	// the state parameter.
	InitiateAuthn(ctx context.Context, pending *oauth.PendingAuthorization) (string, error)

	// HandleCallback consumes the upstream redirect query, exchanges the
	// upstream code and resolves the authenticated user's profile
	HandleCallback(ctx context.Context, query url.Values) (*CallbackResult, error)

	// Name returns the provider identifier (custom, google, azure)
	Name() string

	// Info describes the provider
	Info() Info
}

// Config holds identity provider configuration
type Config struct {
	Name         string
	Issuer       string
	ClientID     string
	ClientSecret string
	TenantID     string
}

// New constructs the adapter for the configured provider name. Federated
// providers require upstream client credentials.
func New(cfg Config) (Adapter, error) {
	switch cfg.Name {
	case "", "custom":
		return NewLocal(cfg.Issuer), nil
	case "google":
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("google provider requires OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET")
		}
		return NewGoogle(cfg), nil
	case "azure":
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("azure provider requires OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET")
		}
		return NewAzure(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s (valid options: custom, google, azure)", ErrUnknownProvider, cfg.Name)
	}
}
