// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service:
// a per-client rate limit for the API group and a CORS allow-list.
package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/babynest/services/orchestrator/datatypes"
	"github.com/AleutianAI/babynest/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// DefaultRequestsPerMinute is the per-client budget for /api routes.
const DefaultRequestsPerMinute = 5

const (
	// limitWindow is the span the budget applies to.
	limitWindow = time.Minute

	// idleVisitorTTL is how long an unseen client keeps its history.
	idleVisitorTTL = 10 * time.Minute

	// rejectLogInterval bounds how often rejections are logged.
	rejectLogInterval = 10 * time.Second
)

type visitor struct {
	// hits are the admission times inside the current window, oldest first.
	hits     []time.Time
	lastSeen time.Time
}

// RateLimiter admits at most perMinute requests per client in any 60
// second window.
//
// # Description
//
// Each client keeps the times of its admitted requests. A request is
// admitted when fewer than perMinute of them fall within the last minute;
// a hit leaves the window exactly one minute after it was admitted.
// Rejected requests are not recorded, so hammering does not extend the
// wait. Idle clients are swept on access.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	perMinute int
	now       func() time.Time
	lastSweep time.Time

	rejectLog rate.Sometimes
}

// NewRateLimiter builds a limiter allowing perMinute requests per client
// per minute. Values below 1 use DefaultRequestsPerMinute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute < 1 {
		perMinute = DefaultRequestsPerMinute
	}
	return &RateLimiter{
		visitors:  make(map[string]*visitor),
		perMinute: perMinute,
		now:       time.Now,
		rejectLog: rate.Sometimes{Interval: rejectLogInterval},
	}
}

// Allow records a request for key and reports whether it was admitted.
func (l *RateLimiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take admits a request for key. When it refuses, it also returns how long
// until the oldest hit leaves the window.
func (l *RateLimiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{hits: make([]time.Time, 0, l.perMinute)}
		l.visitors[key] = v
	}
	v.lastSeen = now

	cutoff := now.Add(-limitWindow)
	expired := 0
	for expired < len(v.hits) && !v.hits[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		v.hits = append(v.hits[:0], v.hits[expired:]...)
	}

	if len(v.hits) >= l.perMinute {
		return false, v.hits[0].Add(limitWindow).Sub(now)
	}
	v.hits = append(v.hits, now)
	return true, 0
}

// Detail is the 429 body text.
func (l *RateLimiter) Detail() string {
	return fmt.Sprintf("Sorry, you have exceeded the rate limit (%d/minute)", l.perMinute)
}

func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > idleVisitorTTL {
			delete(l.visitors, key)
		}
	}
}

// retryAfterSeconds rounds wait up to whole seconds, at least one.
func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

// RateLimit rejects requests over the client's budget with 429.
//
// # Inputs
//
//   - limiter: Shared per-client limiter.
//   - metrics: Optional; counts rejections.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware keyed on gin's ClientIP. Rejections
//     carry a Retry-After header.
func RateLimit(limiter *RateLimiter, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		client := c.ClientIP()
		ok, wait := limiter.take(client)
		if !ok {
			metrics.RecordRateLimited()
			limiter.rejectLog.Do(func() {
				slog.Warn("Rate limit exceeded", "client", client, "path", c.FullPath())
			})
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{Detail: limiter.Detail()})
			return
		}
		c.Next()
	}
}
