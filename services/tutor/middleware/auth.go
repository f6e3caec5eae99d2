// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the tutor service.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware / OptionalAuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// AuthMiddleware rejects unauthenticated requests itself. The chat stream
// endpoints use OptionalAuthMiddleware instead, because a malformed body
// must be reported as bad_request before a missing session is reported as
// unauthorized.
package middleware

import (
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTutor/pkg/extensions"
	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the gin context key for the authenticated user.
const authInfoKey = "aleutian_auth_info"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Outputs
//
//   - *extensions.AuthInfo: User info, or nil if the request carries no
//     valid session.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware authenticates requests and aborts with 401 when the
// bearer token is missing or invalid.
//
// # Description
//
// The 401 body uses the chat error shape, {"code":"unauthorized:auth",
// "message":...}, so clients parse every failure the same way.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := provider.Validate(c.Request.Context(), extractBearerToken(c))
		if err != nil || info == nil {
			slog.Debug("Request rejected by auth", "path", c.FullPath(), "error", err)
			ce := datatypes.NewChatError(datatypes.KindUnauthorized, datatypes.SurfaceAuth)
			c.AbortWithStatusJSON(ce.Status(), ce.Body())
			return
		}
		SetAuthInfo(c, info)
		c.Next()
	}
}

// OptionalAuthMiddleware validates the bearer token when one is valid and
// never aborts. Handlers check GetAuthInfo for nil.
func OptionalAuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := provider.Validate(c.Request.Context(), extractBearerToken(c))
		if err == nil && info != nil {
			SetAuthInfo(c, info)
		}
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken returns the token of "Authorization: Bearer <token>",
// or "" when the header is missing or uses another scheme. The scheme name
// is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
