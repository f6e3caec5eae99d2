// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides the client side of the tutor chat: the SSE decoder,
// the HTTP client, the session controller, and the terminal renderer.
//
// The layers mirror the server's encoder:
//
//	HTTP Response Body → Decoder → Client.SendMessage → Session → Renderer
//
// Single Responsibility:
//
//	The decoder ONLY turns bytes into events. It performs no HTTP, holds
//	no conversation state, and renders nothing.
package ux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// =============================================================================
// Events
// =============================================================================

// EventType distinguishes decoded stream events.
type EventType string

const (
	// EventDelta carries one reply fragment.
	EventDelta EventType = "delta"

	// EventDone is the literal "data: [DONE]" terminator.
	EventDone EventType = "done"

	// EventError is an in-band failure frame, e.g. {"error":"Stream failed"}.
	EventError EventType = "error"
)

// Event is one decoded SSE data frame.
type Event struct {
	Type  EventType
	Delta string
	Error string
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// EventCallback receives decoded events in wire order. Returning an error
// stops the read.
type EventCallback func(Event) error

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	readChunkSize = 4096
)

// ErrUnexpectedEnd is returned when the body closes before a terminal frame.
var ErrUnexpectedEnd = errors.New("stream ended before [DONE]")

// =============================================================================
// Decoder
// =============================================================================

// Decoder reassembles SSE frames from arbitrarily split byte chunks.
//
// # Description
//
// Feed appends a chunk to a rolling buffer, splits on '\n', and keeps the
// trailing partial line for the next chunk. Only lines starting with
// "data:" produce events; comments (": ping"), blank lines, and other
// fields are ignored. A data line whose JSON cannot be parsed is logged
// and skipped.
//
// # Limitations
//
// Multi-line data fields are not joined; the server never emits them.
//
// # Assumptions
//
// Not safe for concurrent use. One Decoder per response body.
type Decoder struct {
	buf    strings.Builder
	logger *slog.Logger
}

// NewDecoder returns an empty Decoder. A nil logger uses slog.Default.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Feed decodes every complete line in buffer+chunk and returns the events
// in order. The incomplete tail stays buffered.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf.Write(chunk)
	pending := d.buf.String()

	lines := strings.Split(pending, "\n")
	d.buf.Reset()
	d.buf.WriteString(lines[len(lines)-1])

	var events []Event
	for _, line := range lines[:len(lines)-1] {
		if event, ok := d.parseLine(line); ok {
			events = append(events, event)
		}
	}
	return events
}

// Pending returns the buffered partial line.
func (d *Decoder) Pending() string {
	return d.buf.String()
}

func (d *Decoder) parseLine(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}
	payload := strings.TrimPrefix(line, dataPrefix)
	payload = strings.TrimPrefix(payload, " ")

	if payload == doneSentinel {
		return Event{Type: EventDone}, true
	}

	var frame struct {
		Delta *string `json:"delta"`
		Error *string `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		d.logger.Warn("Skipping malformed stream line", "length", len(payload), "error", err)
		return Event{}, false
	}
	switch {
	case frame.Error != nil:
		return Event{Type: EventError, Error: *frame.Error}, true
	case frame.Delta != nil:
		return Event{Type: EventDelta, Delta: *frame.Delta}, true
	default:
		d.logger.Warn("Skipping stream frame without delta or error", "length", len(payload))
		return Event{}, false
	}
}

// =============================================================================
// Reading
// =============================================================================

// ReadStream pulls chunks from r and invokes callback for each event until
// a terminal event, a callback error, or the end of r.
//
// # Outputs
//
//   - nil after [DONE] or after an error frame was delivered to callback.
//   - ctx.Err() when the context ends between chunks.
//   - ErrUnexpectedEnd when r is exhausted without a terminal frame.
//   - The callback's error, or the read error, otherwise.
func ReadStream(ctx context.Context, r io.Reader, logger *slog.Logger, callback EventCallback) error {
	decoder := NewDecoder(logger)
	chunk := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			for _, event := range decoder.Feed(chunk[:n]) {
				if err := callback(event); err != nil {
					return err
				}
				if event.IsTerminal() {
					return nil
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				// A final line without its newline is still a frame.
				if tail := decoder.Pending(); tail != "" {
					if event, ok := decoder.parseLine(tail); ok {
						if err := callback(event); err != nil {
							return err
						}
						if event.IsTerminal() {
							return nil
						}
					}
				}
				return ErrUnexpectedEnd
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return readErr
		}
	}
}
