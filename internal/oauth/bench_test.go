package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/authrelay/authrelay/internal/audit"
)

// benchStore hands out a fresh copy of the same code on every consume so the
// exchange loop never runs dry.
type benchStore struct {
	*mockStore
	code AuthorizationCode
}

func (b *benchStore) ConsumeCode(code string) (*AuthorizationCode, error) {
	c := b.code
	return &c, nil
}

func BenchmarkService_ExchangeCode(b *testing.B) {
	hash, err := testHasher().Hash("bench-secret")
	if err != nil {
		b.Fatal(err)
	}

	store := &benchStore{
		mockStore: newMockStore(),
		code: AuthorizationCode{
			Code:                "bench-code",
			ClientID:            "bench-client",
			Scopes:              []string{"read"},
			CodeChallenge:       s256Challenge("bench-verifier"),
			CodeChallengeMethod: "S256",
			RedirectURI:         "https://app.example.com/callback",
			ExpiresAt:           ExpiresIn(10 * time.Minute),
		},
	}
	store.clients["bench-client"] = &Client{
		ClientID:                "bench-client",
		RedirectURIs:            []string{"https://app.example.com/callback"},
		GrantTypes:              []string{GrantAuthorizationCode},
		Scope:                   "read",
		ClientSecretHash:        hash,
		TokenEndpointAuthMethod: "client_secret_basic",
	}

	// A nanosecond code TTL keeps the replay ledger from growing across
	// iterations.
	svc := NewService(store, &stubProvider{}, ScopePolicy{
		Valid:    []string{"read"},
		Defaults: []string{"read"},
	}, testHasher(), audit.NewSlogLogger(), ServiceConfig{
		Issuer:      "http://localhost:8000",
		AuthCodeTTL: time.Nanosecond,
	})

	req := &TokenRequest{
		GrantType:    GrantAuthorizationCode,
		ClientID:     "bench-client",
		ClientSecret: "bench-secret",
		RedirectURI:  "https://app.example.com/callback",
		Code:         "bench-code",
		CodeVerifier: "bench-verifier",
	}

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := svc.ExchangeCode(ctx, req)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkVerifyPKCE_S256(b *testing.B) {
	challenge := s256Challenge("bench-verifier")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !VerifyPKCE(challenge, "S256", "bench-verifier") {
			b.Fatal("verification failed")
		}
	}
}

func BenchmarkSecretHasher_Verify(b *testing.B) {
	hasher := testHasher()
	hash, err := hasher.Hash("bench-secret")
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ok, err := hasher.Verify("bench-secret", hash)
		if err != nil || !ok {
			b.Fatal("verification failed")
		}
	}
}
