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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianTutor/pkg/extensions"
	"github.com/AleutianAI/AleutianTutor/services/tutor/handlers"
	"github.com/AleutianAI/AleutianTutor/services/tutor/middleware"
)

// Deps are the collaborators the route table binds.
type Deps struct {
	Chat     *handlers.ChatHandler
	Auth     extensions.AuthProvider
	Throttle *middleware.Throttle

	// Gatherer backs /metrics. Nil selects the default registry.
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers every tutor endpoint on router.
//
// POST and DELETE /api/chat authenticate optionally so that body
// validation is reported before a missing session. Everything else under
// /api requires a session.
func SetupRoutes(router *gin.Engine, deps Deps) {
	started := time.Now()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"uptime_seconds": int(time.Since(started).Seconds()),
		})
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	throttle := deps.Throttle.Middleware()

	// PostChat throttles itself once the body is valid.
	stream := router.Group("/api", middleware.OptionalAuthMiddleware(deps.Auth))
	{
		stream.POST("/chat", deps.Chat.PostChat)
		stream.DELETE("/chat", throttle, deps.Chat.DeleteChat)
	}

	api := router.Group("/api", middleware.AuthMiddleware(deps.Auth), throttle)
	{
		chats := api.Group("/chat/:id")
		{
			chats.GET("/stream", deps.Chat.ResumeStream)
			chats.GET("/messages", deps.Chat.GetMessages)
			chats.PATCH("/visibility", deps.Chat.UpdateVisibility)
		}
		api.DELETE("/messages/:id/trailing", deps.Chat.DeleteTrailingMessages)
		api.GET("/history", deps.Chat.ListHistory)
	}
}
