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

package oauth

import (
	"errors"
	"reflect"
	"testing"
)

func TestSplitScopes(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"read", []string{"read"}},
		{"read write", []string{"read", "write"}},
		{"  read   write  ", []string{"read", "write"}},
		{"read write read", []string{"read", "write"}},
	}
	for _, tc := range cases {
		if got := SplitScopes(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitScopes(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestIntersectScopes(t *testing.T) {
	got := IntersectScopes([]string{"write", "read", "payment"}, []string{"read", "write"})
	if !reflect.DeepEqual(got, []string{"write", "read"}) {
		t.Errorf("intersection = %v, want request order preserved", got)
	}

	if got := IntersectScopes([]string{"payment"}, []string{"read"}); len(got) != 0 {
		t.Errorf("disjoint intersection = %v, want empty", got)
	}
}

// TestPurpose: Validates scope whitelist enforcement with default fallback.
// Scope: Unit Test
// Security: Scope validation (RFC 6749 Section 3.3)
// Expected: Empty requests get the defaults; unknown scopes fail with invalid_scope.
func TestScopePolicy_Validate(t *testing.T) {
	policy := ScopePolicy{
		Valid:    []string{"read", "write"},
		Defaults: []string{"read"},
	}

	scopes, err := policy.Validate("")
	if err != nil {
		t.Fatalf("empty request errored: %v", err)
	}
	if !reflect.DeepEqual(scopes, []string{"read"}) {
		t.Errorf("defaults not substituted: %v", scopes)
	}

	scopes, err = policy.Validate("write read")
	if err != nil {
		t.Fatalf("valid request errored: %v", err)
	}
	if !reflect.DeepEqual(scopes, []string{"write", "read"}) {
		t.Errorf("unexpected scopes: %v", scopes)
	}

	_, err = policy.Validate("read admin")
	var oauthErr *Error
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrInvalidScope {
		t.Errorf("expected invalid_scope, got %v", err)
	}
}
