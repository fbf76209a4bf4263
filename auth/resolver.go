// Copyright 2022 The lmsnotify Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/storage"
	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
)

// TokenQueryParam the connection URI query parameter carrying the bearer token
const TokenQueryParam = "token"

// TokenFromRequest read the bearer token from the request URI
func TokenFromRequest(r *http.Request) string {
	return r.URL.Query().Get(TokenQueryParam)
}

// IdentityResolver maps a bearer credential to an identity
type IdentityResolver interface {
	/*
		Resolve map a bearer token to the identity it authenticates.

		A missing, invalid or expired token, or one for an unknown or inactive user,
		resolves to common.Anonymous without an error. An error is only returned
		when the user lookup itself failed.

		 @param ctx context.Context - execution context
		 @param rawToken string - the token, optionally prefixed with "Bearer "
	*/
	Resolve(ctx context.Context, rawToken string) (common.Identity, error)
}

// jwtIdentityResolver implements IdentityResolver for HS256 access tokens
type jwtIdentityResolver struct {
	common.Component
	signingKey []byte
	issuer     string
	users      storage.UserStore
}

// GetIdentityResolver define a new JWT identity resolver
func GetIdentityResolver(cfg common.AuthConfig, users storage.UserStore) (IdentityResolver, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("no token signing key configured")
	}
	logTags := log.Fields{"module": "auth", "component": "identity-resolver"}
	return &jwtIdentityResolver{
		Component:  common.Component{LogTags: logTags},
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		users:      users,
	}, nil
}

// stripBearer drop a case-insensitive "Bearer " prefix
func stripBearer(rawToken string) string {
	token := strings.TrimSpace(rawToken)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// parseClaims verify the token signature and claims
func (r *jwtIdentityResolver) parseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if r.issuer != "" && !claims.VerifyIssuer(r.issuer, true) {
		return nil, fmt.Errorf("token issuer '%s' not accepted", claims.Issuer)
	}
	return claims, nil
}

// Resolve map a bearer token to the identity it authenticates
func (r *jwtIdentityResolver) Resolve(ctx context.Context, rawToken string) (common.Identity, error) {
	logTags := common.UpdateLogTags(ctx, r.LogTags)
	token := stripBearer(rawToken)
	if token == "" {
		return common.Anonymous, nil
	}
	claims, err := r.parseClaims(token)
	if err != nil {
		log.WithError(err).WithFields(logTags).Debug("Rejecting bearer token")
		return common.Anonymous, nil
	}
	user, err := r.users.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			log.WithFields(logTags).Debugf("Token for unknown user %d", claims.UserID)
			return common.Anonymous, nil
		}
		if common.IsTransient(err) {
			log.WithError(err).WithFields(logTags).Warnf("User %d lookup timed out", claims.UserID)
		} else {
			log.WithError(err).WithFields(logTags).Errorf("User %d lookup failed", claims.UserID)
		}
		return common.Anonymous, err
	}
	if !user.IsActive {
		log.WithFields(logTags).Infof("Token for inactive user %d", claims.UserID)
		return common.Anonymous, nil
	}
	return user.Identity(), nil
}
