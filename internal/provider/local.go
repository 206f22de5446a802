package provider

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/authrelay/authrelay/internal/oauth"
)

// Local is the built-in identity provider. Users authenticate on the
// server's own consent page, so initiation points inward and there is no
// upstream callback.
type Local struct {
	issuer string
}

// NewLocal creates the built-in provider
func NewLocal(issuer string) *Local {
	return &Local{issuer: strings.TrimRight(issuer, "/")}
}

// Initialize is a no-op for the local provider
func (l *Local) Initialize(ctx context.Context) error {
	return nil
}

// InitiateAuthn sends the user agent to the consent page. The temp key is
// what the page resolves state by; the rest of the parameters keep the URL
// self-describing for anyone inspecting the redirect.
func (l *Local) InitiateAuthn(ctx context.Context, pending *oauth.PendingAuthorization) (string, error) {
	params := url.Values{
		"temp_key":       {pending.TempKey},
		"client_id":      {pending.ClientID},
		"redirect_uri":   {pending.RedirectURI},
		"scope":          {strings.Join(pending.Scopes, " ")},
		"code_challenge": {pending.CodeChallenge},
	}
	if pending.State != "" {
		params.Set("state", pending.State)
	}
	return l.issuer + "/oauth/consent/page?" + params.Encode(), nil
}

// HandleCallback always fails; the local provider has no upstream dialogue
func (l *Local) HandleCallback(ctx context.Context, query url.Values) (*CallbackResult, error) {
	return nil, errors.New("local provider has no upstream callback")
}

// Info describes the provider
func (l *Local) Info() Info {
	return Info{Name: "custom", DisplayName: "Custom OAuth", Federated: false}
}

// Name returns the provider identifier
func (l *Local) Name() string { return "custom" }

var _ Adapter = (*Local)(nil)
