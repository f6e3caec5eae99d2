// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the tutor service.
//
// # Endpoints
//
//	POST   /api/chat                     start a turn, stream the reply (SSE)
//	DELETE /api/chat?id=                 delete a chat and everything in it
//	GET    /api/chat/:id/stream          resume the chat's latest stream (SSE)
//	GET    /api/chat/:id/messages        list a chat's messages
//	PATCH  /api/chat/:id/visibility      change visibility
//	DELETE /api/messages/:id/trailing    drop a message and everything after it
//	GET    /api/history?limit=           list the caller's chats
//
// Failures before a stream starts are JSON {"code","message"} bodies with
// the status of their kind. Once the SSE response has started, failures
// are reported in-band as a single error frame.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
	"github.com/AleutianAI/AleutianTutor/services/tutor/middleware"
	"github.com/AleutianAI/AleutianTutor/services/tutor/observability"
	"github.com/AleutianAI/AleutianTutor/services/tutor/relay"
)

// DefaultHeartbeatInterval is how often ": ping" is written while a stream
// is open. Load balancers commonly close idle connections after 60s.
const DefaultHeartbeatInterval = 15 * time.Second

var tracer = otel.Tracer("aleutian.tutor.handlers")

// Options configures a ChatHandler.
type Options struct {
	Metrics           *observability.StreamingMetrics
	HeartbeatInterval time.Duration

	// Throttle limits POST /api/chat after the body is validated. Nil
	// disables it.
	Throttle *middleware.Throttle
}

// ChatHandler serves the chat endpoints on top of a relay.Relay.
//
// Thread-safe: handlers share no per-request state.
type ChatHandler struct {
	relay     *relay.Relay
	metrics   *observability.StreamingMetrics
	heartbeat time.Duration
	throttle  *middleware.Throttle
}

// NewChatHandler creates a ChatHandler. A zero HeartbeatInterval selects
// DefaultHeartbeatInterval.
func NewChatHandler(r *relay.Relay, opts Options) *ChatHandler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &ChatHandler{
		relay:     r,
		metrics:   opts.Metrics,
		heartbeat: opts.HeartbeatInterval,
		throttle:  opts.Throttle,
	}
}

// =============================================================================
// Streaming Endpoints
// =============================================================================

// PostChat handles POST /api/chat.
//
// # Description
//
// Runs the turn preconditions and pre-model writes through relay.Begin.
// Any failure there is a JSON error response and nothing is streamed. On
// success the response switches to SSE and the reply is streamed until the
// model finishes, fails, or the client goes away.
//
// # Limitations
//
//   - The caller must be attached with OptionalAuthMiddleware so a
//     malformed body is reported before a missing session.
//   - The throttle runs here, after validation, not as route middleware.
func (h *ChatHandler) PostChat(c *gin.Context) {
	var body datatypes.PostChatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		slog.Debug("Rejecting unparseable chat body", "error", err)
		h.metrics.RecordRejection(observability.EndpointChat, "bad_request:api")
		writeError(c, datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceAPI).Wrap(err))
		return
	}
	if err := h.relay.ValidateBody(body); err != nil {
		slog.Debug("Rejecting invalid chat body", "error", err)
		h.metrics.RecordRejection(observability.EndpointChat, "bad_request:api")
		writeError(c, err)
		return
	}
	if !h.throttle.AllowRequest(c) {
		h.metrics.RecordRejection(observability.EndpointChat, "rate_limit:api")
		return
	}

	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		writeError(c, datatypes.NewChatError(datatypes.KindInternal, datatypes.SurfaceAPI).Wrap(err))
		return
	}

	ctx := c.Request.Context()
	turn, err := h.relay.Begin(ctx, relay.TurnRequest{
		Body:  body,
		User:  middleware.GetAuthInfo(c),
		Hints: hintsFromHeaders(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	startStream(c)
	stop := h.startHeartbeat(ctx, writer, observability.EndpointChat)
	turn.Stream(ctx, eventSink{w: writer})
	stop()
}

// ResumeStream handles GET /api/chat/:id/stream.
//
// Replays the chat's latest stream and follows it to the end. Responds 204
// when there is nothing to resume.
func (h *ChatHandler) ResumeStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointResume
	chatID := c.Param("id")

	ctx, span := tracer.Start(c.Request.Context(), "HandleResumeStream")
	defer span.End()
	span.SetAttributes(attribute.String("chat.id", chatID))

	stream, err := h.relay.Resume(ctx, middleware.GetAuthInfo(c), chatID)
	if errors.Is(err, relay.ErrNothingToResume) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "resume rejected")
		writeError(c, err)
		return
	}
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		writeError(c, datatypes.NewChatError(datatypes.KindInternal, datatypes.SurfaceAPI).Wrap(err))
		return
	}

	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)
	outcome := relay.OutcomeCompleted
	defer func() {
		h.metrics.RecordRequest(endpoint, outcome.String())
		h.metrics.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), outcome.String())
	}()

	startStream(c)
	stop := h.startHeartbeat(ctx, writer, endpoint)
	defer stop()

	fragments := 0
	for fragment, err := range stream {
		if err != nil {
			if ctx.Err() != nil {
				outcome = relay.OutcomeCancelled
				h.metrics.RecordClientDisconnect(endpoint)
				return
			}
			outcome = relay.OutcomeFailed
			span.RecordError(err)
			h.metrics.RecordError(endpoint, observability.ErrorCodeLLMError)
			_ = writer.WriteError(datatypes.StreamFailedMessage)
			return
		}
		if err := writer.WriteDelta(fragment); err != nil {
			outcome = relay.OutcomeCancelled
			h.metrics.RecordClientDisconnect(endpoint)
			return
		}
		fragments++
	}
	_ = writer.WriteDone()
	slog.Debug("Resumed stream delivered", "chat_id", chatID, "fragments", fragments)
}

// startStream commits the SSE headers so the client sees the response
// before the first fragment arrives.
func startStream(c *gin.Context) {
	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
}

// startHeartbeat runs runHeartbeat in the background. The returned func
// stops it and waits for it to exit, so no keepalive is written after the
// handler returns.
func (h *ChatHandler) startHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runHeartbeat(ctx, writer, endpoint, done)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// runHeartbeat writes keepalives until done is closed or ctx ends.
// A failed write stops the heartbeat; the streaming loop sees the broken
// connection on its next write.
func (h *ChatHandler) runHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(endpoint)
		}
	}
}

// =============================================================================
// Chat Management Endpoints
// =============================================================================

// DeleteChat handles DELETE /api/chat?id=. It responds with the deleted
// chat.
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	deleted, err := h.relay.DeleteChat(c.Request.Context(), middleware.GetAuthInfo(c), c.Query("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, deleted)
}

// UpdateVisibility handles PATCH /api/chat/:id/visibility.
func (h *ChatHandler) UpdateVisibility(c *gin.Context) {
	var req datatypes.UpdateVisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceAPI).Wrap(err))
		return
	}
	chatID := c.Param("id")
	if err := h.relay.UpdateVisibility(c.Request.Context(), middleware.GetAuthInfo(c), chatID, req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": chatID, "visibility": req.Visibility})
}

// DeleteTrailingMessages handles DELETE /api/messages/:id/trailing.
func (h *ChatHandler) DeleteTrailingMessages(c *gin.Context) {
	removed, err := h.relay.DeleteTrailingMessages(c.Request.Context(), middleware.GetAuthInfo(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}

// GetMessages handles GET /api/chat/:id/messages.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	msgs, err := h.relay.GetMessages(c.Request.Context(), middleware.GetAuthInfo(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []datatypes.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListHistory handles GET /api/history?limit=.
func (h *ChatHandler) ListHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(c, datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceHistory))
			return
		}
		limit = n
	}
	chats, err := h.relay.ListHistory(c.Request.Context(), middleware.GetAuthInfo(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if chats == nil {
		chats = []datatypes.Chat{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// =============================================================================
// Helpers
// =============================================================================

// writeError writes err as a {"code","message"} body with its status.
// Unclassified errors become offline:chat and their detail stays in the
// log.
func writeError(c *gin.Context, err error) {
	ce := datatypes.AsChatError(err)
	if ce.Status() >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "code", ce.Code(), "error", err)
	}
	c.AbortWithStatusJSON(ce.Status(), ce.Body())
}

// hintsFromHeaders reads the optional location hints set by the edge
// proxy.
func hintsFromHeaders(c *gin.Context) relay.RequestHints {
	return relay.RequestHints{
		City:      c.GetHeader("X-Geo-City"),
		Country:   c.GetHeader("X-Geo-Country"),
		Latitude:  c.GetHeader("X-Geo-Latitude"),
		Longitude: c.GetHeader("X-Geo-Longitude"),
	}
}
