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
)

// ErrUnauthorized is returned when a token cannot be validated.
// Implementations should wrap it with context:
//
//	return nil, fmt.Errorf("token expired: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// User types understood by the entitlement table.
const (
	UserTypeGuest   = "guest"
	UserTypeRegular = "regular"
)

// AuthInfo is the identity of an authenticated student.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//   - UserType: Account tier, "guest" or "regular"
//
// Optional fields (may be empty):
//   - Email: User's email address
//   - FirstName: Used to address the student in tutor replies
//   - Roles: Role memberships, e.g. "admin"
type AuthInfo struct {
	UserID    string
	Email     string
	UserType  string
	FirstName string
	Roles     []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsGuest reports whether the session belongs to a guest account.
func (a *AuthInfo) IsGuest() bool {
	return a.UserType == UserTypeGuest
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Implementations
//
//   - NopAuthProvider: single-user local mode, every token is accepted.
//   - JWTAuthProvider: HS256 bearer tokens signed with a shared secret.
type AuthProvider interface {
	// Validate checks the token and returns the user's identity.
	//
	// Returns ErrUnauthorized (or a wrapped form) when the token is
	// missing, malformed, expired, or signed with another key.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts any token and returns the local student.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns the local regular user. The token is ignored,
// including the empty string.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID:   "local-user",
		UserType: UserTypeRegular,
		Roles:    []string{"admin"},
	}, nil
}

var _ AuthProvider = (*NopAuthProvider)(nil)
