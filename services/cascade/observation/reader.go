// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

const maxLineBytes = 1 << 20

// Source is a restartable sequence of cascades.
//
// The position of a cascade in the sequence is its action id. ForEach may be
// called any number of times and yields the same cascades in the same order.
type Source interface {
	// Size returns the number of cascades.
	Size() int

	// ForEach calls fn for every cascade in order. It stops at the first
	// error returned by fn, or when ctx is done.
	ForEach(ctx context.Context, fn func(action int, h *History) error) error
}

// =============================================================================
// File reader
// =============================================================================

// Reader streams cascades from an observation log file.
//
// Description:
//
//	The log holds one event per line (`leader\tfollower\ttimestamp`).
//	Lines starting with '#' are comments. A line `@text` starts a new
//	cascade labeled text. A line starting with a tab (a root event) starts
//	a new cascade unless the current one is still empty. Blank lines are
//	ignored and empty cascades are never yielded.
//
// Thread Safety: Safe for concurrent use; every ForEach opens its own handle.
type Reader struct {
	path  string
	table *network.NodeTable
	size  int
}

// NewReader opens path once to count its cascades.
//
// Outputs:
//
//	*Reader - Ready to iterate.
//	error - ErrNotFound when path does not exist.
func NewReader(path string, table *network.NodeTable) (*Reader, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	size := 0
	sc := newScanner(f)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "\t") {
			size++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return &Reader{path: path, table: table, size: size}, nil
}

// Path returns the file the reader iterates.
func (r *Reader) Path() string {
	return r.path
}

// Size returns the number of lines that start with a tab, which is the
// number of cascades in a well-formed log.
func (r *Reader) Size() int {
	return r.size
}

// ForEach implements Source.
func (r *Reader) ForEach(ctx context.Context, fn func(action int, h *History) error) error {
	f, err := open(r.path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := Scan(ctx, f, r.table, fn); err != nil {
		return fmt.Errorf("%s: %w", r.path, err)
	}
	return nil
}

// Scan parses an observation log from rd and calls fn for each cascade.
func Scan(ctx context.Context, rd io.Reader, table *network.NodeTable, fn func(action int, h *History) error) error {
	sc := newScanner(rd)

	action := 0
	lineNo := 0
	var desc string
	var events []Event

	emit := func() error {
		if len(events) == 0 {
			return nil
		}
		h, err := NewHistory(desc, events)
		if err != nil {
			return fmt.Errorf("cascade ending before line %d: %w", lineNo, err)
		}
		if err := fn(action, h); err != nil {
			return err
		}
		action++
		desc = ""
		events = nil
		return nil
	}

	for sc.Scan() {
		lineNo++
		line := sc.Text()
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "@"):
			if err := emit(); err != nil {
				return err
			}
			desc = strings.TrimSpace(line[1:])
			continue
		case strings.HasPrefix(line, "\t") && len(events) > 0:
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(); err != nil {
				return err
			}
		}
		e, err := ParseEvent(table, line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading observations: %w", err)
	}
	return emit()
}

func open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening observations: %w", err)
	}
	return f, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return sc
}

// =============================================================================
// In-memory source
// =============================================================================

// SliceSource is a Source over cascades already in memory.
type SliceSource []*History

// Size implements Source.
func (s SliceSource) Size() int {
	return len(s)
}

// ForEach implements Source.
func (s SliceSource) ForEach(ctx context.Context, fn func(action int, h *History) error) error {
	for i, h := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(i, h); err != nil {
			return err
		}
	}
	return nil
}

// Collect reads every cascade of src into memory.
func Collect(ctx context.Context, src Source) (SliceSource, error) {
	out := make(SliceSource, 0, src.Size())
	err := src.ForEach(ctx, func(_ int, h *History) error {
		out = append(out, h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
