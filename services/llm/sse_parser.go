// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"

	// maxPendingLineBytes bounds the partial line carried between chunks.
	// A line that grows past it is dropped.
	maxPendingLineBytes = 1 << 20

	readBufferSize = 4096
)

// streamChunk is the subset of a streamed completion event we read.
type streamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// SSEParser turns raw event-stream bytes into text deltas.
//
// # Description
//
// Feed accepts chunks of any size. Complete lines are decoded as they
// arrive; a trailing partial line is kept until the next Feed or Flush,
// so a payload split across network reads is reassembled rather than
// lost. Only "data:" lines carry deltas; event, id and comment lines are
// ignored, as is the [DONE] sentinel.
//
// A data line whose JSON does not parse is dropped. If that line holds a
// later "data:" marker (a truncated event glued to the next one), the
// parser resumes from the marker so only the truncated event is lost.
//
// # Thread Safety
//
// Not safe for concurrent use. One parser per stream.
type SSEParser struct {
	pending []byte
}

// NewSSEParser returns an empty parser.
func NewSSEParser() *SSEParser {
	return &SSEParser{}
}

// Feed consumes chunk and returns the non-empty deltas completed by it.
func (p *SSEParser) Feed(chunk []byte) []string {
	p.pending = append(p.pending, chunk...)

	var deltas []string
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(p.pending[:i]), "\r")
		p.pending = p.pending[i+1:]
		deltas = append(deltas, parseLine(line)...)
	}

	if len(p.pending) > maxPendingLineBytes {
		slog.Debug("Dropping oversized partial SSE line", "bytes", len(p.pending))
		p.pending = nil
	}
	if len(p.pending) == 0 {
		p.pending = nil
	} else {
		p.pending = append([]byte(nil), p.pending...)
	}
	return deltas
}

// Flush processes whatever partial line remains at end of stream.
func (p *SSEParser) Flush() []string {
	if len(p.pending) == 0 {
		return nil
	}
	line := strings.TrimSuffix(string(p.pending), "\r")
	p.pending = nil
	return parseLine(line)
}

func parseLine(line string) []string {
	if !strings.HasPrefix(line, dataPrefix) {
		return nil
	}

	var deltas []string
	payload := line[len(dataPrefix):]
	for {
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == doneMarker {
			return deltas
		}

		var chunk streamChunk
		err := json.Unmarshal([]byte(payload), &chunk)
		if err == nil {
			if text := chunk.text(); text != "" {
				deltas = append(deltas, text)
			}
			return deltas
		}

		next := strings.Index(payload, dataPrefix)
		if next < 0 {
			slog.Debug("Discarding malformed SSE payload", "error", err, "bytes", len(payload))
			return deltas
		}
		slog.Debug("Resyncing SSE payload at next data marker", "error", err, "offset", next)
		payload = payload[next+len(dataPrefix):]
	}
}

func (c *streamChunk) text() string {
	if len(c.Candidates) == 0 || len(c.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return c.Candidates[0].Content.Parts[0].Text
}

// DeltaReader is a lazy, finite, non-restartable sequence of deltas read
// from an event stream.
type DeltaReader struct {
	r      io.Reader
	parser *SSEParser
	buf    []byte
	queue  []string
	done   bool
}

// NewDeltaReader reads events from r. The caller keeps ownership of r.
func NewDeltaReader(r io.Reader) *DeltaReader {
	return &DeltaReader{
		r:      r,
		parser: NewSSEParser(),
		buf:    make([]byte, readBufferSize),
	}
}

// Next returns the next delta, io.EOF once the stream ended cleanly, or
// the read error. A canceled ctx stops further reads.
func (d *DeltaReader) Next(ctx context.Context) (string, error) {
	for {
		if len(d.queue) > 0 {
			delta := d.queue[0]
			d.queue = d.queue[1:]
			return delta, nil
		}
		if d.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := d.r.Read(d.buf)
		if n > 0 {
			d.queue = append(d.queue, d.parser.Feed(d.buf[:n])...)
		}
		switch {
		case err == io.EOF:
			d.queue = append(d.queue, d.parser.Flush()...)
			d.done = true
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", err
		}
	}
}
