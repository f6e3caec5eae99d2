// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultReplyBufferSize bounds a single tutor reply.
	DefaultReplyBufferSize = 512 * 1024

	// MinMlockLimitKB is the RLIMIT_MEMLOCK needed for one locked buffer.
	MinMlockLimitKB = 512

	// InsecureMemoryEnv allows heap buffers when mlock is unavailable.
	InsecureMemoryEnv = "ALEUTIAN_INSECURE_MEMORY"
)

var (
	// ErrAccumulatorClosed is returned after Finalize or Destroy.
	ErrAccumulatorClosed = errors.New("accumulator already closed")

	// ErrReplyTooLarge is returned when a reply exceeds the buffer.
	ErrReplyTooLarge = errors.New("reply exceeds buffer size")
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// Reply is the finalized text of one assistant turn.
type Reply struct {
	Text      string
	Hash      string // SHA-256 of Text, hex encoded
	Fragments int
}

// Runes returns the character count used for usage accounting.
func (r Reply) Runes() int {
	return utf8.RuneCountInString(r.Text)
}

// Accumulator collects the fragments of one reply. It is owned by a single
// request and never shared between turns.
type Accumulator interface {
	// Write appends a fragment. It fails once the buffer is full.
	Write(fragment string) error

	// Finalize returns the reply and wipes the buffer.
	Finalize() (Reply, error)

	// Destroy wipes the buffer. Safe to call more than once.
	Destroy()

	// ID identifies the accumulator in logs.
	ID() string
}

// AccumulatorConfig selects the backing memory.
type AccumulatorConfig struct {
	// BufferSize is the maximum reply size in bytes.
	BufferSize int `yaml:"buffer_size"`

	// Secure requests mlocked memory via memguard.
	Secure bool `yaml:"secure"`

	// AllowInsecure falls back to heap memory when mlock is unavailable.
	// The InsecureMemoryEnv variable set to "true" has the same effect.
	AllowInsecure bool `yaml:"allow_insecure"`
}

// DefaultAccumulatorConfig returns the production settings.
func DefaultAccumulatorConfig() AccumulatorConfig {
	return AccumulatorConfig{
		BufferSize:    DefaultReplyBufferSize,
		Secure:        true,
		AllowInsecure: false,
	}
}

// AccumulatorFactory creates a fresh accumulator per request.
type AccumulatorFactory func() (Accumulator, error)

// NewAccumulatorFactory returns a factory for cfg.
//
// # Description
//
// With Secure set, each accumulator holds its reply in a memguard buffer
// that is locked into RAM and wiped on Finalize or Destroy. When the
// process mlock limit is below MinMlockLimitKB the factory either falls
// back to wiped heap memory (AllowInsecure or InsecureMemoryEnv) or every
// call fails.
//
// # Inputs
//
//   - cfg: buffer size and memory mode. Zero BufferSize uses the default.
//
// # Outputs
//
//   - AccumulatorFactory: called once per chat turn.
func NewAccumulatorFactory(cfg AccumulatorConfig) AccumulatorFactory {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultReplyBufferSize
	}
	return func() (Accumulator, error) {
		if !cfg.Secure {
			return newAccumulator(newHeapBacking(cfg.BufferSize)), nil
		}
		initMemguard()
		if mlockSufficient {
			backing, err := newLockedBacking(cfg.BufferSize)
			if err != nil {
				return nil, err
			}
			return newAccumulator(backing), nil
		}
		if cfg.AllowInsecure || os.Getenv(InsecureMemoryEnv) == "true" {
			slog.Warn("Using heap reply buffer, mlock limit insufficient",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
			return newAccumulator(newHeapBacking(cfg.BufferSize)), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB; raise the limit or set %s=true",
			currentMlockLimitKB, MinMlockLimitKB, InsecureMemoryEnv)
	}
}

// =============================================================================
// Backing memory
// =============================================================================

// backing is the byte store behind an accumulator.
type backing interface {
	bytes() []byte
	capacity() int
	wipe()
	kind() string
}

type lockedBacking struct {
	buf *memguard.LockedBuffer
}

func newLockedBacking(size int) (*lockedBacking, error) {
	buf := memguard.NewBuffer(size)
	if buf == nil || !buf.IsAlive() {
		return nil, fmt.Errorf("failed to allocate locked buffer of %d bytes", size)
	}
	buf.Melt()
	return &lockedBacking{buf: buf}, nil
}

func (b *lockedBacking) bytes() []byte { return b.buf.Bytes() }
func (b *lockedBacking) capacity() int { return b.buf.Size() }
func (b *lockedBacking) wipe()         { b.buf.Destroy() }
func (b *lockedBacking) kind() string  { return "locked" }

type heapBacking struct {
	data []byte
}

func newHeapBacking(size int) *heapBacking {
	return &heapBacking{data: make([]byte, size)}
}

func (b *heapBacking) bytes() []byte { return b.data }
func (b *heapBacking) capacity() int { return len(b.data) }
func (b *heapBacking) wipe() {
	clear(b.data)
	b.data = nil
}
func (b *heapBacking) kind() string { return "heap" }

// =============================================================================
// Accumulator
// =============================================================================

type replyAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	mem       backing
	offset    int
	fragments int
	hasher    hash.Hash
	overflow  bool
	closed    bool
}

func newAccumulator(mem backing) *replyAccumulator {
	acc := &replyAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		mem:       mem,
		hasher:    sha256.New(),
	}
	slog.Debug("Created reply accumulator",
		"accumulator_id", acc.id,
		"memory", mem.kind(),
		"buffer_size", mem.capacity(),
	)
	return acc
}

func (a *replyAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAccumulatorClosed
	}
	if a.overflow {
		return ErrReplyTooLarge
	}
	if a.offset+len(fragment) > a.mem.capacity() {
		a.overflow = true
		return fmt.Errorf("%w: need %d bytes, have %d remaining",
			ErrReplyTooLarge, len(fragment), a.mem.capacity()-a.offset)
	}
	copy(a.mem.bytes()[a.offset:], fragment)
	a.offset += len(fragment)
	a.fragments++
	a.hasher.Write([]byte(fragment))
	return nil
}

func (a *replyAccumulator) Finalize() (Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return Reply{}, ErrAccumulatorClosed
	}
	if a.overflow {
		a.closeLocked()
		return Reply{}, ErrReplyTooLarge
	}
	reply := Reply{
		Text:      string(a.mem.bytes()[:a.offset]),
		Hash:      hex.EncodeToString(a.hasher.Sum(nil)),
		Fragments: a.fragments,
	}
	a.closeLocked()

	slog.Debug("Finalized reply accumulator",
		"accumulator_id", a.id,
		"reply_bytes", len(reply.Text),
		"fragments", reply.Fragments,
		"age_ms", time.Since(a.createdAt).Milliseconds(),
	)
	return reply, nil
}

func (a *replyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closeLocked()
	slog.Debug("Destroyed reply accumulator", "accumulator_id", a.id)
}

func (a *replyAccumulator) ID() string {
	return a.id
}

func (a *replyAccumulator) closeLocked() {
	a.mem.wipe()
	a.offset = 0
	a.closed = true
}

// =============================================================================
// Process memory setup
// =============================================================================

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// IsMlockAvailable reports whether locked reply buffers can be allocated and
// the current limit in KB (-1 when unlimited).
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeSecureMemory wipes every memguard buffer. Called on shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
