// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the chat service.
//
// This file implements answer accumulation for streamed completions. The
// assembled answer is kept in mlocked memory when the host allows it and
// is hashed incrementally as deltas arrive.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultMaxAnswerBytes is the largest assistant answer one stream may
	// assemble unless configured otherwise. Larger answers fail the stream.
	DefaultMaxAnswerBytes = 512 * 1024

	// reservedMlockKB is left under RLIMIT_MEMLOCK for memguard's own
	// key material.
	reservedMlockKB = 64

	// guardPages surround every memguard allocation.
	guardPages = 2
)

// ErrAnswerTooLarge is returned by Write once the answer limit is exceeded.
var ErrAnswerTooLarge = errors.New("answer exceeds maximum size")

// ErrNoLockedMemory is returned in AccumulatorLocked mode when every
// locked buffer the mlock limit allows is in use.
var ErrNoLockedMemory = errors.New("no locked memory available")

// errAccumulatorClosed is returned when the accumulator was already
// finalized or destroyed.
var errAccumulatorClosed = errors.New("accumulator already closed")

// errBufferDestroyed is returned when the locked buffer was wiped under
// a live stream, for example by PurgeLockedMemory.
var errBufferDestroyed = errors.New("locked buffer destroyed")

// AccumulatorMode selects where answers are assembled.
type AccumulatorMode string

const (
	// AccumulatorAuto uses locked memory while the mlock limit has room,
	// plain memory otherwise.
	AccumulatorAuto AccumulatorMode = "auto"
	// AccumulatorLocked requires locked memory and fails otherwise.
	AccumulatorLocked AccumulatorMode = "locked"
	// AccumulatorPlain always uses ordinary heap memory.
	AccumulatorPlain AccumulatorMode = "plain"
)

// ParseAccumulatorMode maps a config value onto a mode. Empty means auto.
func ParseAccumulatorMode(s string) (AccumulatorMode, error) {
	switch m := AccumulatorMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return AccumulatorAuto, nil
	case AccumulatorAuto, AccumulatorLocked, AccumulatorPlain:
		return m, nil
	default:
		return "", fmt.Errorf("unknown accumulator mode %q", s)
	}
}

var (
	memguardInitOnce sync.Once
	mlockLimitKB     int64
)

// =============================================================================
// Interfaces
// =============================================================================

// TokenAccumulator assembles the deltas of one stream into the final
// answer.
//
// # Description
//
// Deltas are appended in the order written and hashed as they arrive.
// Finalize returns the concatenation and its SHA-256 and releases the
// buffer; Destroy releases it without returning anything.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Limitations
//
//   - Capacity is fixed when the accumulator is created.
//   - Not reusable after Finalize or Destroy.
type TokenAccumulator interface {
	Write(delta string) error
	Len() int
	Finalize() (answer string, hash string, err error)
	Destroy()
	ID() string
}

// AccumulatorFactory creates one accumulator per stream.
type AccumulatorFactory func() (TokenAccumulator, error)

// NewAccumulatorFactory returns a factory honoring mode whose accumulators
// hold at most maxBytes. maxBytes <= 0 selects DefaultMaxAnswerBytes.
//
// # Description
//
// The mlock limit is probed once and divided into locked buffer slots.
// Every live locked accumulator holds one slot until it is finalized or
// destroyed. When no slot is free, AccumulatorAuto hands out a plain
// accumulator and AccumulatorLocked fails the stream with
// ErrNoLockedMemory. A limit too small for even one buffer is reported
// here for AccumulatorLocked, at startup rather than on the first request.
func NewAccumulatorFactory(mode AccumulatorMode, maxBytes int) (AccumulatorFactory, error) {
	initMemguard()
	return newAccumulatorFactory(mode, maxBytes, mlockLimitKB)
}

// newAccumulatorFactory builds a factory for an mlock limit of limitKB.
// A negative limit means unlimited.
func newAccumulatorFactory(mode AccumulatorMode, maxBytes int, limitKB int64) (AccumulatorFactory, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAnswerBytes
	}
	plain := func() (TokenAccumulator, error) { return newPlainAccumulator(maxBytes), nil }

	switch mode {
	case AccumulatorPlain:
		return plain, nil
	case AccumulatorLocked, AccumulatorAuto, "":
	default:
		return nil, fmt.Errorf("unknown accumulator mode %q", mode)
	}

	slots := lockedSlots(limitKB, maxBytes)
	if slots == 0 {
		if mode == AccumulatorLocked {
			return nil, fmt.Errorf("mlock limit insufficient: have %d KB, need %d KB",
				limitKB, reservedMlockKB+lockedBufferKB(maxBytes))
		}
		slog.Warn("mlock limit insufficient, assembling answers in plain memory",
			"current_limit_kb", limitKB,
			"required_kb", reservedMlockKB+lockedBufferKB(maxBytes),
		)
		return plain, nil
	}

	var sem *semaphore.Weighted
	if slots > 0 {
		sem = semaphore.NewWeighted(slots)
		slog.Info("Locked answer buffers available", "slots", slots, "buffer_kb", lockedBufferKB(maxBytes))
	}

	return func() (TokenAccumulator, error) {
		if sem != nil && !sem.TryAcquire(1) {
			if mode == AccumulatorLocked {
				return nil, ErrNoLockedMemory
			}
			slog.Debug("Locked buffers exhausted, using plain memory")
			return newPlainAccumulator(maxBytes), nil
		}
		acc, err := newLockedAccumulator(maxBytes, sem)
		if err != nil {
			if sem != nil {
				sem.Release(1)
			}
			if mode == AccumulatorLocked {
				return nil, err
			}
			slog.Warn("Locked buffer allocation failed, using plain memory", "error", err)
			return newPlainAccumulator(maxBytes), nil
		}
		return acc, nil
	}, nil
}

// lockedBufferKB is the locked memory one buffer of maxBytes costs,
// rounded up to whole pages plus guard pages.
func lockedBufferKB(maxBytes int) int64 {
	page := unix.Getpagesize()
	pages := (maxBytes+page-1)/page + guardPages
	return int64((pages*page + 1023) / 1024)
}

// lockedSlots is how many buffers fit under limitKB. -1 means unbounded.
func lockedSlots(limitKB int64, maxBytes int) int64 {
	if limitKB < 0 {
		return -1
	}
	avail := limitKB - reservedMlockKB
	if avail <= 0 {
		return 0
	}
	return avail / lockedBufferKB(maxBytes)
}

// =============================================================================
// Shared State
// =============================================================================

// accumulatorState is the bookkeeping common to both buffers.
type accumulatorState struct {
	id       string
	mu       sync.Mutex
	hasher   hash.Hash
	max      int
	size     int
	overflow bool
	closed   bool
}

func newAccumulatorState(maxBytes int) accumulatorState {
	return accumulatorState{id: uuid.NewString(), hasher: sha256.New(), max: maxBytes}
}

// admit checks that n more bytes fit. Callers hold mu.
func (s *accumulatorState) admit(n int) error {
	if s.closed {
		return errAccumulatorClosed
	}
	if s.overflow {
		return ErrAnswerTooLarge
	}
	if s.size+n > s.max {
		s.overflow = true
		return fmt.Errorf("%w: need %d bytes, have %d remaining", ErrAnswerTooLarge, n, s.max-s.size)
	}
	return nil
}

func (s *accumulatorState) sum() string {
	return hex.EncodeToString(s.hasher.Sum(nil))
}

// =============================================================================
// Locked Implementation
// =============================================================================

// lockedAccumulator keeps the answer in a memguard LockedBuffer: mlocked,
// guard paged, and wiped on release. It holds one slot of sem while open.
type lockedAccumulator struct {
	accumulatorState
	buffer *memguard.LockedBuffer
	sem    *semaphore.Weighted
}

func newLockedAccumulator(maxBytes int, sem *semaphore.Weighted) (TokenAccumulator, error) {
	buf := memguard.NewBuffer(maxBytes)
	if buf == nil || !buf.IsAlive() {
		return nil, fmt.Errorf("failed to allocate locked buffer of %d bytes", maxBytes)
	}
	buf.Melt()
	return &lockedAccumulator{accumulatorState: newAccumulatorState(maxBytes), buffer: buf, sem: sem}, nil
}

func (a *lockedAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.admit(len(delta)); err != nil {
		return err
	}
	if !a.buffer.IsAlive() {
		a.release()
		return errBufferDestroyed
	}
	copy(a.buffer.Bytes()[a.size:], delta)
	a.size += len(delta)
	a.hasher.Write([]byte(delta))
	return nil
}

func (a *lockedAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

func (a *lockedAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", "", errAccumulatorClosed
	}
	defer a.release()
	if a.overflow {
		return "", "", ErrAnswerTooLarge
	}
	if !a.buffer.IsAlive() {
		return "", "", errBufferDestroyed
	}
	return string(a.buffer.Bytes()[:a.size]), a.sum(), nil
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.release()
	}
}

func (a *lockedAccumulator) ID() string { return a.id }

// release wipes the buffer and returns the slot. Callers hold mu and
// check closed first.
func (a *lockedAccumulator) release() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	if a.sem != nil {
		a.sem.Release(1)
		a.sem = nil
	}
	a.closed = true
}

// =============================================================================
// Plain Implementation
// =============================================================================

// plainAccumulator is used where mlock is unavailable. Contents may be
// swapped to disk; zeroing on release is best effort.
type plainAccumulator struct {
	accumulatorState
	data []byte
}

func newPlainAccumulator(maxBytes int) TokenAccumulator {
	return &plainAccumulator{accumulatorState: newAccumulatorState(maxBytes)}
}

func (a *plainAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.admit(len(delta)); err != nil {
		return err
	}
	a.data = append(a.data, delta...)
	a.size += len(delta)
	a.hasher.Write([]byte(delta))
	return nil
}

func (a *plainAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", "", errAccumulatorClosed
	}
	if a.overflow {
		a.release()
		return "", "", ErrAnswerTooLarge
	}
	answer := string(a.data)
	sum := a.sum()
	a.release()
	return answer, sum, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.release()
	}
}

func (a *plainAccumulator) ID() string { return a.id }

func (a *plainAccumulator) release() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.closed = true
}

// =============================================================================
// mlock Probe
// =============================================================================

func initMemguard() {
	memguardInitOnce.Do(func() {
		mlockLimitKB = probeMlockLimitKB()
		slog.Info("Answer buffer memory", "mlock_limit_kb", mlockLimitKB)
	})
}

// probeMlockLimitKB reads RLIMIT_MEMLOCK. -1 means unlimited or unknown.
func probeMlockLimitKB() int64 {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return -1
	}
	return int64(rlimit.Cur / 1024)
}

// PurgeLockedMemory destroys every live locked buffer. Called once on
// shutdown after in-flight streams have drained. A stream still writing
// afterwards fails with errBufferDestroyed.
func PurgeLockedMemory() {
	memguard.Purge()
}

var (
	_ TokenAccumulator = (*lockedAccumulator)(nil)
	_ TokenAccumulator = (*plainAccumulator)(nil)
)
