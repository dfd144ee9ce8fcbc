// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
)

// maxLineBytes bounds a single network or log line.
const maxLineBytes = 1 << 20

// Network is a static directed social network.
//
// Description:
//
//	Holds forward (leader → followers) and backward (follower → leaders)
//	adjacency over ids of a shared NodeTable. Arcs are unique; adding an
//	existing arc is a no-op.
//
// Thread Safety: Not safe for concurrent mutation. Read-only use after
// construction is safe from multiple goroutines.
type Network struct {
	table     *NodeTable
	followers map[NodeID][]NodeID
	leaders   map[NodeID][]NodeID
	arcs      map[Arc]struct{}
}

// New creates an empty network bound to table.
func New(table *NodeTable) *Network {
	return &Network{
		table:     table,
		followers: make(map[NodeID][]NodeID),
		leaders:   make(map[NodeID][]NodeID),
		arcs:      make(map[Arc]struct{}),
	}
}

// Table returns the node table the network is bound to.
func (n *Network) Table() *NodeTable {
	return n.table
}

// AddArc inserts leader → follower. It reports whether the arc was new.
func (n *Network) AddArc(leader, follower NodeID) (bool, error) {
	arc, err := NewArc(leader, follower)
	if err != nil {
		return false, err
	}
	if leader == NullID || follower == NullID {
		return false, fmt.Errorf("%w: null endpoint in network arc", ErrInvalidArc)
	}
	if _, ok := n.arcs[arc]; ok {
		return false, nil
	}
	n.arcs[arc] = struct{}{}
	n.followers[leader] = append(n.followers[leader], follower)
	n.leaders[follower] = append(n.leaders[follower], leader)
	return true, nil
}

// AddArcByName interns both names and inserts the arc.
func (n *Network) AddArcByName(leader, follower string) (bool, error) {
	l, err := n.table.Intern(leader)
	if err != nil {
		return false, err
	}
	f, err := n.table.Intern(follower)
	if err != nil {
		return false, err
	}
	return n.AddArc(l, f)
}

// HasArc reports whether the arc is present.
func (n *Network) HasArc(a Arc) bool {
	_, ok := n.arcs[a]
	return ok
}

// HasNode reports whether id appears as an endpoint of some arc.
func (n *Network) HasNode(id NodeID) bool {
	if _, ok := n.followers[id]; ok {
		return true
	}
	_, ok := n.leaders[id]
	return ok
}

// Followers returns the children of id. The slice must not be modified.
func (n *Network) Followers(id NodeID) []NodeID {
	return n.followers[id]
}

// Leaders returns the parents of id. The slice must not be modified.
func (n *Network) Leaders(id NodeID) []NodeID {
	return n.leaders[id]
}

// Nodes returns every node that is an endpoint of some arc, sorted by id.
func (n *Network) Nodes() []NodeID {
	seen := make(map[NodeID]struct{}, len(n.followers)+len(n.leaders))
	for id := range n.followers {
		seen[id] = struct{}{}
	}
	for id := range n.leaders {
		seen[id] = struct{}{}
	}
	out := make([]NodeID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Arcs returns all arcs sorted by leader name, then follower name.
func (n *Network) Arcs() []Arc {
	out := make([]Arc, 0, len(n.arcs))
	for a := range n.arcs {
		out = append(out, a)
	}
	SortArcs(n.table, out)
	return out
}

// NumNodes returns the number of distinct arc endpoints.
func (n *Network) NumNodes() int {
	return len(n.Nodes())
}

// NumArcs returns the number of arcs.
func (n *Network) NumArcs() int {
	return len(n.arcs)
}

// WriteTo writes the network in the tab-separated file format.
func (n *Network) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	for _, a := range n.Arcs() {
		c, err := fmt.Fprintf(bw, "%s\t%s\n", n.table.MustName(a.Leader), n.table.MustName(a.Follower))
		total += int64(c)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// Parse reads `leader\tfollower` lines from r into a new network.
//
// Description:
//
//	Lines starting with '#' and blank lines are skipped. Self-loops and
//	duplicate arcs are skipped with a warning, matching how real crawls
//	contain a few such lines. A line without two fields, or with an invalid
//	node name, is an error.
//
// Inputs:
//
//	r - Source of network lines.
//	table - Node table to intern names into.
//	logger - Logger for skipped lines. Nil uses slog.Default().
//
// Outputs:
//
//	*Network - The parsed network.
//	error - ErrMalformedLine or ErrInvalidNode, wrapped with the line number.
func Parse(r io.Reader, table *NodeTable, logger *slog.Logger) (*Network, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := New(table)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNo := 0
	skipped := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: %w: %q", lineNo, ErrMalformedLine, line)
		}
		leader, follower := fields[0], fields[1]
		if leader == follower {
			skipped++
			logger.Warn("skipping self-loop in network",
				slog.Int("line", lineNo),
				slog.String("node", leader),
			)
			continue
		}
		added, err := n.AddArcByName(leader, follower)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !added {
			skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading network: %w", err)
	}
	logger.Debug("network parsed",
		slog.Int("lines", lineNo),
		slog.Int("arcs", n.NumArcs()),
		slog.Int("skipped", skipped),
	)
	return n, nil
}

// Load opens path and parses it with Parse.
func Load(path string, table *NodeTable, logger *slog.Logger) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening network: %w", err)
	}
	defer f.Close()
	n, err := Parse(f, table, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}
