// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// =============================================================================
// Wire Format
// =============================================================================

// DoneSentinel is the payload of the frame that ends a successful stream.
const DoneSentinel = "[DONE]"

// deltaFrame is the payload of one text fragment.
type deltaFrame struct {
	Delta string `json:"delta"`
}

// errorFrame is the payload of the terminal error frame.
type errorFrame struct {
	Error string `json:"error"`
}

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported: ResponseWriter does not implement http.Flusher")

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes the chat stream as Server-Sent Events.
//
// # Description
//
// Every frame is a single "data:" line followed by a blank line:
//
//	data: {"delta":"Hal"}
//	data: [DONE]
//	data: {"error":"Stream failed"}
//
// A stream ends with exactly one [DONE] or error frame. Keep-alives are SSE
// comments and carry no data.
//
// # Thread Safety
//
// Safe for concurrent use. The heartbeat goroutine and the streaming loop
// share one writer.
type SSEWriter interface {
	// WriteDelta writes one text fragment.
	WriteDelta(fragment string) error

	// WriteDone writes the success terminator.
	WriteDone() error

	// WriteError writes the failure terminator. message must already be
	// safe to show to the user.
	WriteError(message string) error

	// WriteKeepAlive writes ": ping" to hold idle proxies open.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w for SSE output. w must implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (s *sseWriter) WriteDelta(fragment string) error {
	return s.writeJSON(deltaFrame{Delta: fragment})
}

func (s *sseWriter) WriteDone() error {
	return s.writeData(DoneSentinel)
}

func (s *sseWriter) WriteError(message string) error {
	return s.writeJSON(errorFrame{Error: message})
}

func (s *sseWriter) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("failed to write keepalive: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return s.writeData(string(data))
}

func (s *sseWriter) writeData(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the response headers for an event stream.
//
// X-Accel-Buffering disables nginx buffering; no-transform stops proxies
// from compressing the stream.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Relay Adapter
// =============================================================================

// eventSink adapts an SSEWriter to relay.EventSink.
type eventSink struct {
	w SSEWriter
}

func (e eventSink) Delta(fragment string) error { return e.w.WriteDelta(fragment) }
func (e eventSink) Done() error                 { return e.w.WriteDone() }
func (e eventSink) Fail(message string) error   { return e.w.WriteError(message) }
