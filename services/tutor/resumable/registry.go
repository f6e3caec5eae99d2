// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resumable keeps a replay buffer for in-flight generations so a
// client that lost its connection can reattach to the same stream.
//
// # Lifecycle
//
// The process-wide registry is created lazily by Default on first use.
// When creation fails the error is cached and callers run without resume
// support. Reset drops the registry so tests can start clean.
//
// # Thread Safety
//
// Registry and its streams are safe for concurrent use. The stream returned
// by Register has a single owner: the request that produced it.
package resumable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTutor/services/llm"
)

var (
	// ErrDisabled is returned when resumable streams are switched off.
	ErrDisabled = errors.New("resumable streams disabled")

	// ErrStreamExists is returned when a stream id is registered twice.
	ErrStreamExists = errors.New("stream already registered")

	// ErrNotFound is returned when no live or retained stream has the id.
	ErrNotFound = errors.New("stream not found")

	// ErrCapacity is returned when the registry holds MaxStreams streams.
	ErrCapacity = errors.New("resumable registry full")

	// ErrTruncated is returned by Attach when the replay buffer overflowed.
	ErrTruncated = errors.New("replay buffer truncated")
)

// Config controls the registry.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	MaxStreams     int           `yaml:"max_streams"`
	Retention      time.Duration `yaml:"retention"`
	MaxBufferBytes int           `yaml:"max_buffer_bytes"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		MaxStreams:     1024,
		Retention:      2 * time.Minute,
		MaxBufferBytes: 256 * 1024,
	}
}

func (c Config) validate() error {
	if !c.Enabled {
		return ErrDisabled
	}
	if c.MaxStreams <= 0 {
		return fmt.Errorf("max_streams must be positive, got %d", c.MaxStreams)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative, got %s", c.Retention)
	}
	if c.MaxBufferBytes <= 0 {
		return fmt.Errorf("max_buffer_bytes must be positive, got %d", c.MaxBufferBytes)
	}
	return nil
}

// Registry maps stream ids to replay buffers.
type Registry struct {
	cfg     Config
	mu      sync.Mutex
	streams map[string]*entry
	now     func() time.Time
}

// New creates a registry. It returns ErrDisabled when cfg.Enabled is false.
func New(cfg Config) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:     cfg,
		streams: make(map[string]*entry),
		now:     time.Now,
	}, nil
}

// entry is the shared replay state of one generation.
type entry struct {
	chatID    string
	mu        sync.Mutex
	fragments []string
	size      int
	truncated bool
	done      bool
	err       error
	doneAt    time.Time
	changed   chan struct{}
}

// publish appends a fragment and wakes every attached reader.
func (e *entry) publish(fragment string, limit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.truncated {
		return
	}
	if e.size+len(fragment) > limit {
		e.truncated = true
		e.fragments = nil
	} else {
		e.fragments = append(e.fragments, fragment)
		e.size += len(fragment)
	}
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *entry) finish(err error, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.err = err
	e.doneAt = at
	close(e.changed)
}

// Register tees produce into a replay buffer keyed by streamID. The returned
// stream yields the same fragments as produce and must be consumed by the
// caller; readers attached with Attach observe what it pulls.
func (r *Registry) Register(streamID, chatID string, produce llm.FragmentStream) (llm.FragmentStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if _, ok := r.streams[streamID]; ok {
		return nil, fmt.Errorf("stream %s: %w", streamID, ErrStreamExists)
	}
	if len(r.streams) >= r.cfg.MaxStreams {
		return nil, ErrCapacity
	}
	e := &entry{chatID: chatID, changed: make(chan struct{})}
	r.streams[streamID] = e

	return func(yield func(string, error) bool) {
		var final error
		stopped := false
		defer func() {
			if stopped && final == nil {
				final = context.Canceled
			}
			e.finish(final, r.now())
		}()
		for fragment, err := range produce {
			if err != nil {
				final = err
				yield("", err)
				return
			}
			e.publish(fragment, r.cfg.MaxBufferBytes)
			if !yield(fragment, nil) {
				stopped = true
				return
			}
		}
	}, nil
}

// Attach returns a stream that replays everything buffered for streamID and
// then follows live fragments until the producer finishes or ctx is done.
// A producer that was cancelled ends the stream without an error.
func (r *Registry) Attach(ctx context.Context, streamID string) (llm.FragmentStream, error) {
	r.mu.Lock()
	r.pruneLocked()
	e, ok := r.streams[streamID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}
	e.mu.Lock()
	truncated := e.truncated
	e.mu.Unlock()
	if truncated {
		return nil, fmt.Errorf("stream %s: %w", streamID, ErrTruncated)
	}

	return func(yield func(string, error) bool) {
		next := 0
		for {
			e.mu.Lock()
			if e.truncated {
				e.mu.Unlock()
				yield("", ErrTruncated)
				return
			}
			if next < len(e.fragments) {
				fragment := e.fragments[next]
				next++
				e.mu.Unlock()
				if !yield(fragment, nil) {
					return
				}
				continue
			}
			if e.done {
				err := e.err
				e.mu.Unlock()
				if err != nil && !errors.Is(err, context.Canceled) {
					yield("", err)
				}
				return
			}
			changed := e.changed
			e.mu.Unlock()

			select {
			case <-changed:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
	}, nil
}

// Active reports whether streamID is registered and still producing.
func (r *Registry) Active(streamID string) bool {
	r.mu.Lock()
	e, ok := r.streams[streamID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.done
}

// ChatID returns the chat a registered stream belongs to.
func (r *Registry) ChatID(streamID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.streams[streamID]
	if !ok {
		return "", false
	}
	return e.chatID, true
}

// Len returns the number of registered streams, finished ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.streams)
}

// pruneLocked drops finished streams older than the retention window.
func (r *Registry) pruneLocked() {
	cutoff := r.now().Add(-r.cfg.Retention)
	for id, e := range r.streams {
		e.mu.Lock()
		expired := e.done && !e.doneAt.After(cutoff)
		e.mu.Unlock()
		if expired {
			delete(r.streams, id)
		}
	}
}

// =============================================================================
// Process-wide registry
// =============================================================================

var (
	globalMu     sync.Mutex
	globalCfg    = DefaultConfig()
	globalReg    *Registry
	globalErr    error
	globalLoaded bool
)

// Configure sets the configuration used by the next lazy initialization and
// discards any registry created with the previous one.
func Configure(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCfg = cfg
	globalReg, globalErr, globalLoaded = nil, nil, false
}

// Default returns the process-wide registry, creating it on first use. An
// initialization failure is logged once and returned on every later call.
func Default() (*Registry, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLoaded {
		return globalReg, globalErr
	}
	globalLoaded = true
	globalReg, globalErr = New(globalCfg)
	if globalErr != nil {
		if errors.Is(globalErr, ErrDisabled) {
			slog.Info("Resumable streams disabled")
		} else {
			slog.Warn("Resumable streams unavailable, continuing without resume support",
				"error", globalErr)
		}
	}
	return globalReg, globalErr
}

// Reset drops the process-wide registry and restores the default
// configuration.
func Reset() {
	Configure(DefaultConfig())
}
