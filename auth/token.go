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
	"fmt"
	"strconv"
	"time"

	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/storage"
	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
)

// TokenTypeAccess the only token type accepted by the gateway
const TokenTypeAccess = "access"

// Claims the authorization claims carried by an access token
type Claims struct {
	jwt.StandardClaims
	TokenType string `json:"token_type"`
	UserID    int64  `json:"user_id"`
	Email     string `json:"email,omitempty"`
	IsStaff   bool   `json:"is_staff,omitempty"`
}

// Valid validate time based claims, then token type and subject
func (c Claims) Valid() error {
	if err := c.StandardClaims.Valid(); err != nil {
		return err
	}
	if c.TokenType != TokenTypeAccess {
		return fmt.Errorf("token type '%s' is not an access token", c.TokenType)
	}
	if c.UserID <= 0 {
		return fmt.Errorf("token has no user")
	}
	return nil
}

// TokenMinter issues access tokens
type TokenMinter interface {
	// GenerateAccessToken sign a new access token for the user
	GenerateAccessToken(user storage.User) (string, error)
}

// hmacTokenMinter implements TokenMinter with HS256
type hmacTokenMinter struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

// GetTokenMinter define a new HS256 token minter
func GetTokenMinter(cfg common.AuthConfig) (TokenMinter, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("no token signing key configured")
	}
	return &hmacTokenMinter{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		ttl:        time.Second * time.Duration(cfg.AccessTokenTTL),
		now:        time.Now,
	}, nil
}

// GenerateAccessToken sign a new access token for the user
func (m *hmacTokenMinter) GenerateAccessToken(user storage.User) (string, error) {
	now := m.now()
	claims := &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			ExpiresAt: now.Add(m.ttl).Unix(),
			IssuedAt:  now.Unix(),
		},
		TokenType: TokenTypeAccess,
		UserID:    user.ID,
		Email:     user.Email,
		IsStaff:   user.IsStaff,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return signed, nil
}
