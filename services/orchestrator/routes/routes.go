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
	"log/slog"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
)

// Dependencies are the collaborators the routes are bound to.
type Dependencies struct {
	Completion *handlers.CompletionHandler
	Sessions   *ttl.SessionStore
	Resolver   *middleware.IdentityResolver
	Metrics    *observability.Metrics
	// Gatherer backs /metrics. Nil omits the route.
	Gatherer prometheus.Gatherer
	// AllowedOrigins enables CORS for browser clients. "*" allows any
	// origin without credentials.
	AllowedOrigins []string
}

// SetupRoutes registers the service's routes on router.
//
// # Description
//
//   - GET  /health
//   - GET  /metrics
//   - POST /v1/chat   streaming completion, identity required
//   - GET  /v1/chat   session history by ?sessionId=
//
// # Limitations
//
//   - Panics when Completion, Sessions or Resolver is nil.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	if deps.Completion == nil {
		panic("SetupRoutes: Completion must not be nil")
	}
	if deps.Sessions == nil {
		panic("SetupRoutes: Sessions must not be nil")
	}
	if deps.Resolver == nil {
		panic("SetupRoutes: Resolver must not be nil")
	}

	if cfg, ok := corsConfig(deps.AllowedOrigins); ok {
		router.Use(cors.New(cfg))
	}

	router.GET("/health", handlers.HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		chat := v1.Group("/chat")
		chat.POST("", middleware.IdentityMiddleware(deps.Resolver), deps.Completion.HandleCompletionStream)
		chat.GET("", handlers.GetSessionHistory(deps.Sessions, deps.Metrics))
	}
}

// corsConfig reports false when origins names no usable origin.
func corsConfig(origins []string) (cors.Config, bool) {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Request-Id"},
		ExposeHeaders: []string{handlers.HeaderConversationID, handlers.HeaderSessionID, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			cfg.AllowAllOrigins = true
			return cfg, true
		}
	}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			slog.Warn("Ignoring CORS origin without http(s) scheme", "origin", o)
			continue
		}
		cfg.AllowOrigins = append(cfg.AllowOrigins, o)
	}
	cfg.AllowCredentials = true
	return cfg, len(cfg.AllowOrigins) > 0
}
