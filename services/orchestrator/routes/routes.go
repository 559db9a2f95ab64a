// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/babynest/services/orchestrator/handlers"
	"github.com/AleutianAI/babynest/services/orchestrator/middleware"
	"github.com/AleutianAI/babynest/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are what the routes need. Metrics may be nil.
type Dependencies struct {
	Chat        handlers.Chatter
	Sessions    handlers.SessionEnder
	Webhook     handlers.Forwarder
	RateLimiter *middleware.RateLimiter
	CORS        middleware.CORSConfig
	Metrics     *observability.Metrics
}

// SetupRoutes registers every route on router. CORS applies to all routes;
// the rate limit applies to the /api group only.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.Use(middleware.CORS(deps.CORS))

	router.GET("/", handlers.HandleRoot)
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(middleware.DefaultRequestsPerMinute)
	}

	api := router.Group("/api", middleware.RateLimit(limiter, deps.Metrics))
	{
		api.POST("/chat", handlers.HandleChat(deps.Chat))
		api.POST("/end_session", handlers.HandleEndSession(deps.Sessions))
		api.POST("/n8n_webhook", handlers.HandleWebhook(deps.Webhook))
		api.POST("/user_onboard", handlers.HandleUserOnboard(deps.Webhook))
	}
}
