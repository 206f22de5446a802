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
	"context"

	"github.com/authrelay/authrelay/internal/oauth"
)

type contextKey string

const accessTokenKey contextKey = "access_token"

// GetAccessToken retrieves the validated bearer token from context. Nil when
// the request carried no valid token (anonymous or auth disabled).
func GetAccessToken(ctx context.Context) *oauth.AccessToken {
	if t, ok := ctx.Value(accessTokenKey).(*oauth.AccessToken); ok {
		return t
	}
	return nil
}
