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
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrClientGone means a write to the client failed; the client is
	// assumed to have disconnected.
	ErrClientGone = errors.New("client disconnected")

	// ErrUpstreamRead means the upstream stream broke before its end.
	ErrUpstreamRead = errors.New("upstream stream interrupted")
)

// DeltaSource is a finite sequence of text deltas. Next returns io.EOF
// at a clean end.
type DeltaSource interface {
	Next(ctx context.Context) (string, error)
}

// RelayResult describes a relay that ran to its end.
type RelayResult struct {
	// Text is the concatenation of every forwarded delta, in order.
	Text string
	// Hash is the SHA-256 of Text, hex encoded.
	Hash string
	// Deltas counts forwarded deltas.
	Deltas int
	// FirstDelta is the delay between Relay starting and the first
	// forwarded delta. Zero when none was forwarded.
	FirstDelta time.Duration
	// Completed is true only when the upstream ended cleanly.
	Completed bool
}

// StreamRelay bridges upstream deltas to the client.
//
// # Description
//
// Each delta is appended to a fresh TokenAccumulator and then written to
// the client and flushed, strictly in arrival order. On a clean upstream
// end the accumulated answer is returned. On any failure the accumulator
// is destroyed and nothing is returned, so a partial answer can never be
// persisted.
//
// # Thread Safety
//
// A StreamRelay may be shared. Each Relay call owns its accumulator.
type StreamRelay struct {
	newAccumulator AccumulatorFactory
}

// NewStreamRelay builds a relay. A nil factory uses plain memory capped
// at DefaultMaxAnswerBytes.
func NewStreamRelay(factory AccumulatorFactory) *StreamRelay {
	if factory == nil {
		factory = func() (TokenAccumulator, error) { return newPlainAccumulator(DefaultMaxAnswerBytes), nil }
	}
	return &StreamRelay{newAccumulator: factory}
}

// Relay forwards src to w until src ends, ctx is canceled, or a write
// fails.
//
// # Outputs
//
//   - RelayResult: Completed is true on success.
//   - error: context.Canceled when ctx ended, ErrClientGone when a
//     write failed, ErrUpstreamRead when src failed, ErrAnswerTooLarge
//     when the answer outgrew the accumulator. No further reads or
//     writes happen after an error.
func (r *StreamRelay) Relay(ctx context.Context, src DeltaSource, w DeltaWriter) (RelayResult, error) {
	acc, err := r.newAccumulator()
	if err != nil {
		return RelayResult{}, fmt.Errorf("create accumulator: %w", err)
	}
	defer acc.Destroy()

	start := time.Now()
	var result RelayResult
	for {
		delta, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return RelayResult{}, ctxErr
			}
			return RelayResult{}, fmt.Errorf("%w: %v", ErrUpstreamRead, err)
		}

		if err := acc.Write(delta); err != nil {
			return RelayResult{}, err
		}
		if err := w.WriteDelta(delta); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return RelayResult{}, ctxErr
			}
			return RelayResult{}, fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		if result.Deltas == 0 {
			result.FirstDelta = time.Since(start)
		}
		result.Deltas++
	}

	text, hash, err := acc.Finalize()
	if err != nil {
		return RelayResult{}, err
	}
	result.Text = text
	result.Hash = hash
	result.Completed = true
	return result, nil
}
