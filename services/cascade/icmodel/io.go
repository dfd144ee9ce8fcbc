// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package icmodel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

const (
	probabilitiesHeader = "#Propagation probabilities"
	defaultProbability  = "defaultProbability"
)

// Read parses a model file.
//
// Description:
//
//	Lines starting with '#' are comments. A `defaultProbability\t<p>` line
//	is accepted only with p = 0. Every other line is
//	`parent\tchild\tprobability`; names are interned into the network's
//	table.
//
// Outputs:
//
//	*Model - The parsed model.
//	error - ErrValidation for malformed lines or probabilities outside [0,1].
func Read(r io.Reader, net *network.Network) (*Model, error) {
	m := New(net)
	t := net.Table()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.Split(line, "\t")
		if strings.EqualFold(tokens[0], defaultProbability) {
			if len(tokens) < 2 {
				return nil, fmt.Errorf("line %d: %w: %s without a value", lineNo, ErrValidation, defaultProbability)
			}
			p, err := strconv.ParseFloat(strings.TrimSpace(tokens[1]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w: %v", lineNo, ErrValidation, err)
			}
			if p > 0 {
				return nil, fmt.Errorf("line %d: %w: default probability must be zero", lineNo, ErrValidation)
			}
			continue
		}
		if len(tokens) < 3 {
			return nil, fmt.Errorf("line %d: %w: expected parent, child and probability", lineNo, ErrValidation)
		}
		u, err := t.Intern(tokens[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		v, err := t.Intern(tokens[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(tokens[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", lineNo, ErrValidation, err)
		}
		if err := m.Set(network.Arc{Leader: u, Follower: v}, p); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading model: %w", err)
	}
	return m, nil
}

// Load opens path and parses it with Read.
func Load(path string, net *network.Network) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening model: %w", err)
	}
	defer f.Close()
	m, err := Read(f, net)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// WriteTo writes the `#Propagation probabilities` header and one
// `parent\tchild\tp` line per non-zero arc, sorted by names.
func (m *Model) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	t := m.net.Table()
	var total int64
	n, err := fmt.Fprintln(bw, probabilitiesHeader)
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, a := range m.NonZeroArcs() {
		n, err := fmt.Fprintf(bw, "%s\t%s\t%s\n", t.MustName(a.Leader), t.MustName(a.Follower), formatProbability(m.probs[a]))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// Save writes the model to path.
func (m *Model) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func formatProbability(p float64) string {
	return strconv.FormatFloat(p, 'g', -1, 64)
}
