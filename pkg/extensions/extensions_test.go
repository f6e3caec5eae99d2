// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, opts.AuditLogger)
}

func TestServiceOptions_FluentChaining(t *testing.T) {
	provider, err := NewJWTAuthProvider(testSecret, "")
	require.NoError(t, err)
	audit := NewSlogAuditLogger(nil)

	opts := DefaultOptions().WithAuth(provider).WithAudit(audit)
	assert.Same(t, provider, opts.AuthProvider)
	assert.Same(t, audit, opts.AuditLogger)
}

func TestServiceOptions_Normalize(t *testing.T) {
	opts := ServiceOptions{}.Normalize()
	assert.NotNil(t, opts.AuthProvider)
	assert.NotNil(t, opts.AuditLogger)
}

// ============================================================================
// AuthInfo / NopAuthProvider Tests
// ============================================================================

func TestAuthInfo_HasRole(t *testing.T) {
	info := &AuthInfo{UserID: "u1", Roles: []string{"admin", "viewer"}}
	assert.True(t, info.HasRole("admin"))
	assert.False(t, info.HasRole("auditor"))
	assert.False(t, (&AuthInfo{}).HasRole("admin"))
}

func TestAuthInfo_IsGuest(t *testing.T) {
	assert.True(t, (&AuthInfo{UserType: UserTypeGuest}).IsGuest())
	assert.False(t, (&AuthInfo{UserType: UserTypeRegular}).IsGuest())
}

func TestNopAuthProvider_Validate(t *testing.T) {
	provider := &NopAuthProvider{}
	for _, token := range []string{"", "anything", "Bearer xyz"} {
		info, err := provider.Validate(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "local-user", info.UserID)
		assert.Equal(t, UserTypeRegular, info.UserType)
	}
}

// ============================================================================
// JWTAuthProvider Tests
// ============================================================================

func TestNewJWTAuthProvider_ShortSecret(t *testing.T) {
	_, err := NewJWTAuthProvider("short", "")
	assert.Error(t, err)
}

func TestJWTAuthProvider_SignAndValidate(t *testing.T) {
	provider, err := NewJWTAuthProvider(testSecret, "")
	require.NoError(t, err)

	token, err := provider.Sign(AuthInfo{
		UserID:    "student-1",
		Email:     "anna@example.com",
		UserType:  UserTypeRegular,
		FirstName: "Anna",
	}, time.Hour)
	require.NoError(t, err)

	info, err := provider.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "student-1", info.UserID)
	assert.Equal(t, "anna@example.com", info.Email)
	assert.Equal(t, UserTypeRegular, info.UserType)
	assert.Equal(t, "Anna", info.FirstName)
}

func TestJWTAuthProvider_MissingTypeIsGuest(t *testing.T) {
	provider, err := NewJWTAuthProvider(testSecret, "")
	require.NoError(t, err)
	token, err := provider.Sign(AuthInfo{UserID: "g-1"}, time.Hour)
	require.NoError(t, err)

	info, err := provider.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, UserTypeGuest, info.UserType)
}

func TestJWTAuthProvider_Rejects(t *testing.T) {
	provider, err := NewJWTAuthProvider(testSecret, "")
	require.NoError(t, err)
	other, err := NewJWTAuthProvider("ffffffffffffffffffffffffffffffff", "")
	require.NoError(t, err)
	otherIssuer, err := NewJWTAuthProvider(testSecret, "someone-else")
	require.NoError(t, err)

	wrongKey, err := other.Sign(AuthInfo{UserID: "u"}, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := otherIssuer.Sign(AuthInfo{UserID: "u"}, time.Hour)
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, TutorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			Issuer:    DefaultTokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, TutorClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: DefaultTokenIssuer},
	})
	noExpiryToken, err := noExpiry.SignedString([]byte(testSecret))
	require.NoError(t, err)

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, TutorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultTokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	noSubjectToken, err := noSubject.SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong key", wrongKey},
		{"wrong issuer", wrongIssuer},
		{"expired", expiredToken},
		{"no expiry", noExpiryToken},
		{"no subject", noSubjectToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := provider.Validate(context.Background(), tt.token)
			assert.Nil(t, info)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestJWTAuthProvider_SignValidation(t *testing.T) {
	provider, err := NewJWTAuthProvider(testSecret, "")
	require.NoError(t, err)

	_, err = provider.Sign(AuthInfo{}, time.Hour)
	assert.Error(t, err)
	_, err = provider.Sign(AuthInfo{UserID: "u"}, 0)
	assert.Error(t, err)
}

// ============================================================================
// Audit Tests
// ============================================================================

func TestNopAuditLogger(t *testing.T) {
	logger := &NopAuditLogger{}
	assert.NoError(t, logger.Log(context.Background(), AuditEvent{EventType: "chat.delete"}))
	assert.NoError(t, logger.Flush(context.Background()))
}

func TestSlogAuditLogger_WritesEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := logger.Log(context.Background(), AuditEvent{
		EventType:    "chat.delete",
		UserID:       "u1",
		ResourceType: "chat",
		ResourceID:   "c1",
		Outcome:      "success",
		Metadata:     map[string]any{"messages": 4},
	})
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "audit", record["msg"])
	assert.Equal(t, "audit", record["component"])
	assert.Equal(t, "chat.delete", record["event_type"])
	assert.Equal(t, "c1", record["resource_id"])
	assert.Equal(t, float64(4), record["messages"])
	assert.NotEmpty(t, record["timestamp"])
}

func TestProviders_ConcurrentSafety(t *testing.T) {
	provider, err := NewJWTAuthProvider(testSecret, "")
	require.NoError(t, err)
	token, err := provider.Sign(AuthInfo{UserID: "u", UserType: UserTypeGuest}, time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := provider.Validate(context.Background(), token)
			assert.NoError(t, err)
			assert.Equal(t, "u", info.UserID)
		}()
	}
	wg.Wait()
}
