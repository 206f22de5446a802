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
	"fmt"
	"strings"
)

// SplitScopes splits a whitespace-delimited scope string into a list,
// deduplicating while preserving order
func SplitScopes(s string) []string {
	fields := strings.Fields(s)
	seen := make(map[string]bool, len(fields))
	scopes := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		scopes = append(scopes, f)
	}
	return scopes
}

// JoinScopes joins a scope list into a space-delimited string
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ContainsScope reports whether scope appears in the list
func ContainsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IntersectScopes filters requested scopes to those present in granted,
// preserving request order
func IntersectScopes(requested, granted []string) []string {
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if ContainsScope(granted, s) {
			out = append(out, s)
		}
	}
	return out
}

// ScopePolicy validates requested scopes against a configured whitelist
// with default-scope fallback
type ScopePolicy struct {
	Valid    []string
	Defaults []string
}

// Validate normalizes and checks a requested scope string. An empty request
// substitutes the configured defaults; any scope outside the whitelist is
// rejected with invalid_scope.
func (p ScopePolicy) Validate(requested string) ([]string, error) {
	scopes := SplitScopes(requested)
	if len(scopes) == 0 {
		return append([]string(nil), p.Defaults...), nil
	}

	for _, s := range scopes {
		if !ContainsScope(p.Valid, s) {
			return nil, NewError(ErrInvalidScope, fmt.Sprintf("unknown scope: %s", s))
		}
	}
	return scopes, nil
}
