// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianTutor/services/tutor/handlers"
)

// =============================================================================
// Helpers
// =============================================================================

// chunkReader returns at most size bytes per Read.
type chunkReader struct {
	data []byte
	size int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.size, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// encode frames fragments the way the server writes them.
func encode(t *testing.T, fragments []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, f := range fragments {
		payload, err := json.Marshal(map[string]string{"delta": f})
		if err != nil {
			t.Fatal(err)
		}
		buf.WriteString("data: ")
		buf.Write(payload)
		buf.WriteString("\n\n")
	}
	buf.WriteString("data: [DONE]\n\n")
	return buf.Bytes()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, r io.Reader) ([]Event, error) {
	t.Helper()
	var events []Event
	err := ReadStream(context.Background(), r, discardLogger(), func(e Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

func deltas(events []Event) []string {
	var out []string
	for _, e := range events {
		if e.Type == EventDelta {
			out = append(out, e.Delta)
		}
	}
	return out
}

// =============================================================================
// Round Trip
// =============================================================================

func TestReadStream_RoundTripAcrossChunkSizes(t *testing.T) {
	fragments := []string{
		"Was", " glaubst", " du", ",", " was ", "Varianz",
		" misst?\n", "Größe \"x\"", " 📊", "", "tab\there",
	}
	wire := encode(t, fragments)

	for size := 1; size <= len(wire); size++ {
		events, err := collect(t, &chunkReader{data: wire, size: size})
		if err != nil {
			t.Fatalf("chunk size %d: unexpected error: %v", size, err)
		}
		got := deltas(events)
		if strings.Join(got, "|") != strings.Join(fragments, "|") || len(got) != len(fragments) {
			t.Fatalf("chunk size %d: got %q, want %q", size, got, fragments)
		}
		if last := events[len(events)-1]; last.Type != EventDone {
			t.Fatalf("chunk size %d: last event = %v, want done", size, last.Type)
		}
	}
}

func TestDecoder_RandomSplits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	fragments := make([]string, 200)
	for i := range fragments {
		fragments[i] = strings.Repeat("ä", rng.Intn(5)) + string(rune('a'+rng.Intn(26)))
	}
	wire := encode(t, fragments)

	for round := 0; round < 50; round++ {
		d := NewDecoder(discardLogger())
		var got []string
		for rest := wire; len(rest) > 0; {
			n := 1 + rng.Intn(min(len(rest), 64))
			for _, e := range d.Feed(rest[:n]) {
				if e.Type == EventDelta {
					got = append(got, e.Delta)
				}
			}
			rest = rest[n:]
		}
		if strings.Join(got, "") != strings.Join(fragments, "") || len(got) != len(fragments) {
			t.Fatalf("round %d: reconstructed %d fragments, want %d", round, len(got), len(fragments))
		}
		if d.Pending() != "" {
			t.Fatalf("round %d: leftover buffer %q", round, d.Pending())
		}
	}
}

func TestReadStream_ServerWriterRandomSplits(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	fragments := []string{"Was", " misst", "", " die \"Varianz\"?\n", "Größe 📊", "data: [DONE]", "\r\n"}

	for _, terminal := range []EventType{EventDone, EventError} {
		rec := httptest.NewRecorder()
		w, err := handlers.NewSSEWriter(rec)
		if err != nil {
			t.Fatal(err)
		}
		for i, f := range fragments {
			if err := w.WriteDelta(f); err != nil {
				t.Fatal(err)
			}
			if i%3 == 0 {
				if err := w.WriteKeepAlive(); err != nil {
					t.Fatal(err)
				}
			}
		}
		if terminal == EventDone {
			err = w.WriteDone()
		} else {
			err = w.WriteError("Stream failed")
		}
		if err != nil {
			t.Fatal(err)
		}
		wire := rec.Body.Bytes()

		for round := 0; round < 50; round++ {
			size := 1 + rng.Intn(32)
			events, err := collect(t, &chunkReader{data: append([]byte(nil), wire...), size: size})
			if err != nil {
				t.Fatalf("%s, chunk size %d: unexpected error: %v", terminal, size, err)
			}
			got := deltas(events)
			if len(got) != len(fragments) || strings.Join(got, "|") != strings.Join(fragments, "|") {
				t.Fatalf("%s, chunk size %d: got %q, want %q", terminal, size, got, fragments)
			}
			last := events[len(events)-1]
			if last.Type != terminal {
				t.Fatalf("%s, chunk size %d: last event = %v", terminal, size, last.Type)
			}
			if terminal == EventError && last.Error != "Stream failed" {
				t.Fatalf("error frame = %q", last.Error)
			}
		}
	}
}

// =============================================================================
// Line Handling
// =============================================================================

func TestDecoder_KeepsPartialLine(t *testing.T) {
	d := NewDecoder(discardLogger())
	if events := d.Feed([]byte(`data: {"delta":"Hal`)); len(events) != 0 {
		t.Fatalf("partial line produced events: %v", events)
	}
	if d.Pending() != `data: {"delta":"Hal` {
		t.Fatalf("pending = %q", d.Pending())
	}
	events := d.Feed([]byte("lo\"}\n"))
	if len(events) != 1 || events[0].Delta != "Hallo" {
		t.Fatalf("events = %v", events)
	}
}

func TestReadStream_SkipsMalformedLines(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	stream := strings.NewReader(strings.Join([]string{
		`data: {"delta":"eins"}`,
		`data: {"delta":`,
		`data: not json`,
		`data: {"other":1}`,
		`data: {"delta":"zwei"}`,
		`data: [DONE]`,
		``,
	}, "\n"))

	var got []string
	err := ReadStream(context.Background(), stream, logger, func(e Event) error {
		if e.Type == EventDelta {
			got = append(got, e.Delta)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(got, ",") != "eins,zwei" {
		t.Errorf("deltas = %v", got)
	}
	if strings.Count(logs.String(), "Skipping") != 3 {
		t.Errorf("expected 3 skip warnings, got log %q", logs.String())
	}
	if strings.Contains(logs.String(), "not json") {
		t.Error("payload text leaked into the log")
	}
}

func TestDecoder_IgnoresNonDataLines(t *testing.T) {
	d := NewDecoder(discardLogger())
	events := d.Feed([]byte(": ping\n\nevent: message\nid: 4\nretry: 100\ndata:{\"delta\":\"x\"}\r\n"))
	if len(events) != 1 || events[0].Type != EventDelta || events[0].Delta != "x" {
		t.Fatalf("events = %v", events)
	}
}

func TestReadStream_ErrorFrameIsTerminal(t *testing.T) {
	stream := strings.NewReader("data: {\"delta\":\"teil\"}\n\ndata: {\"error\":\"Stream failed\"}\n\ndata: {\"delta\":\"after\"}\n\n")
	events, err := collect(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if events[1].Type != EventError || events[1].Error != "Stream failed" {
		t.Errorf("terminal event = %+v", events[1])
	}
}

func TestReadStream_StopsAtDone(t *testing.T) {
	stream := strings.NewReader("data: [DONE]\n\ndata: {\"delta\":\"late\"}\n\n")
	events, err := collect(t, stream)
	if err != nil || len(events) != 1 || events[0].Type != EventDone {
		t.Fatalf("events = %v, err = %v", events, err)
	}
}

func TestReadStream_FinalLineWithoutNewline(t *testing.T) {
	events, err := collect(t, strings.NewReader("data: {\"delta\":\"a\"}\n\ndata: [DONE]"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[1].Type != EventDone {
		t.Fatalf("events = %v", events)
	}
}

func TestReadStream_UnexpectedEnd(t *testing.T) {
	_, err := collect(t, strings.NewReader("data: {\"delta\":\"a\"}\n\n"))
	if !errors.Is(err, ErrUnexpectedEnd) {
		t.Fatalf("err = %v, want ErrUnexpectedEnd", err)
	}
}

func TestReadStream_CallbackErrorStops(t *testing.T) {
	sentinel := errors.New("stop")
	calls := 0
	err := ReadStream(context.Background(), bytes.NewReader(encode(t, []string{"a", "b"})), discardLogger(), func(Event) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestReadStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ReadStream(ctx, bytes.NewReader(encode(t, []string{"a"})), discardLogger(), func(Event) error {
		t.Fatal("callback after cancel")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
