// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenIssuer is the iss claim of tokens minted by Sign.
const DefaultTokenIssuer = "aleutian-tutor"

// MinSecretBytes is the shortest accepted HMAC secret.
const MinSecretBytes = 16

// TutorClaims is the JWT payload of a tutor session.
type TutorClaims struct {
	Email     string `json:"email,omitempty"`
	UserType  string `json:"type"`
	FirstName string `json:"first_name,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthProvider validates HS256 bearer tokens.
//
// Thread-safe: the secret and issuer are immutable after construction.
type JWTAuthProvider struct {
	secret []byte
	issuer string
}

// NewJWTAuthProvider creates a provider for secret. Tokens must carry
// iss == issuer; an empty issuer selects DefaultTokenIssuer.
func NewJWTAuthProvider(secret, issuer string) (*JWTAuthProvider, error) {
	if len(secret) < MinSecretBytes {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", MinSecretBytes)
	}
	if issuer == "" {
		issuer = DefaultTokenIssuer
	}
	return &JWTAuthProvider{secret: []byte(secret), issuer: issuer}, nil
}

// Validate parses token and maps its claims to AuthInfo.
func (p *JWTAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("token missing: %w", ErrUnauthorized)
	}
	claims := &TutorClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %v: %w", err, ErrUnauthorized)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token claims: %w", ErrUnauthorized)
	}
	userType := claims.UserType
	if userType == "" {
		userType = UserTypeGuest
	}
	return &AuthInfo{
		UserID:    claims.Subject,
		Email:     claims.Email,
		UserType:  userType,
		FirstName: claims.FirstName,
	}, nil
}

// Sign mints a token for info that expires after ttl.
func (p *JWTAuthProvider) Sign(info AuthInfo, ttl time.Duration) (string, error) {
	if info.UserID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := time.Now()
	claims := TutorClaims{
		Email:     info.Email,
		UserType:  info.UserType,
		FirstName: info.FirstName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   info.UserID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

var _ AuthProvider = (*JWTAuthProvider)(nil)
