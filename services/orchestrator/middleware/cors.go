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
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultAllowedOrigins are the web front ends allowed to call the API.
var DefaultAllowedOrigins = []string{
	"https://baby-nest-five.vercel.app",
	"http://localhost",
	"http://localhost:3000",
	"http://localhost:3001",
	"http://127.0.0.1:3000",
	"http://localhost:8000",
	"http://127.0.0.1:8000",
}

// CORSConfig configures the CORS middleware.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// DefaultCORSConfig allows GET and POST with credentials from
// DefaultAllowedOrigins.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins:   DefaultAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowCredentials: true,
		MaxAgeSeconds:    600,
	}
}

// CORS answers preflight requests and decorates responses for allowed
// origins.
//
// # Description
//
// Requests without an Origin header pass through untouched. For an allowed
// origin the origin is echoed (never "*", since credentials are allowed).
// A preflight (OPTIONS with Access-Control-Request-Method) from an allowed
// origin for an allowed method is answered with 204 and the requested
// headers are echoed back; any other preflight gets 403. Simple requests
// from other origins are served without CORS headers, so browsers block
// the response.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	methods := strings.Join(cfg.AllowedMethods, ", ")
	maxAge := ""
	if cfg.MaxAgeSeconds > 0 {
		maxAge = strconv.Itoa(cfg.MaxAgeSeconds)
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		allowed := slices.Contains(cfg.AllowedOrigins, origin)
		preflight := c.Request.Method == http.MethodOptions &&
			c.GetHeader("Access-Control-Request-Method") != ""

		c.Writer.Header().Add("Vary", "Origin")

		if preflight {
			reqMethod := strings.ToUpper(c.GetHeader("Access-Control-Request-Method"))
			if !allowed || !slices.Contains(cfg.AllowedMethods, reqMethod) {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			setAllowOrigin(c, origin, cfg.AllowCredentials)
			c.Header("Access-Control-Allow-Methods", methods)
			if h := c.GetHeader("Access-Control-Request-Headers"); h != "" {
				c.Header("Access-Control-Allow-Headers", h)
			}
			if maxAge != "" {
				c.Header("Access-Control-Max-Age", maxAge)
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		if allowed {
			setAllowOrigin(c, origin, cfg.AllowCredentials)
		}
		c.Next()
	}
}

func setAllowOrigin(c *gin.Context, origin string, credentials bool) {
	c.Header("Access-Control-Allow-Origin", origin)
	if credentials {
		c.Header("Access-Control-Allow-Credentials", "true")
	}
}
