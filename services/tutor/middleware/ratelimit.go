// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// ThrottleConfig bounds the request rate of one caller. The daily message
// entitlement is enforced separately; this only smooths bursts.
type ThrottleConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the bucket size. Defaults to 10.
	Burst int `yaml:"burst"`

	// IdleTTL drops limiters of callers idle this long. Defaults to 10m.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// Throttle holds one token bucket per caller.
//
// Callers are keyed by user id when authenticated, else by client IP.
type Throttle struct {
	cfg ThrottleConfig

	mu       sync.Mutex
	limiters map[string]*callerLimiter
	lastGC   time.Time
	now      func() time.Time
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a Throttle. It returns nil when cfg disables
// throttling; a nil Throttle's Middleware passes every request.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Throttle{
		cfg:      cfg,
		limiters: make(map[string]*callerLimiter),
		now:      time.Now,
	}
}

// Allow reports whether caller may make a request now.
func (t *Throttle) Allow(caller string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	now := t.now()
	if now.Sub(t.lastGC) > t.cfg.IdleTTL {
		for k, l := range t.limiters {
			if now.Sub(l.lastSeen) > t.cfg.IdleTTL {
				delete(t.limiters, k)
			}
		}
		t.lastGC = now
	}
	l, ok := t.limiters[caller]
	if !ok {
		l = &callerLimiter{limiter: rate.NewLimiter(rate.Limit(t.cfg.RequestsPerSecond), t.cfg.Burst)}
		t.limiters[caller] = l
	}
	l.lastSeen = now
	t.mu.Unlock()

	return l.limiter.AllowN(now, 1)
}

// AllowRequest checks the caller of c, keyed by user when authenticated
// and by client IP otherwise. Over the rate it aborts c with 429
// rate_limit:api and returns false.
func (t *Throttle) AllowRequest(c *gin.Context) bool {
	caller := "ip:" + c.ClientIP()
	if info := GetAuthInfo(c); info != nil {
		caller = "user:" + info.UserID
	}
	if t.Allow(caller) {
		return true
	}
	ce := datatypes.NewChatError(datatypes.KindRateLimit, datatypes.SurfaceAPI)
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, ce.Body())
	return false
}

// Middleware applies AllowRequest. It must run after the auth middleware
// to key by user.
func (t *Throttle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !t.AllowRequest(c) {
			return
		}
		c.Next()
	}
}
