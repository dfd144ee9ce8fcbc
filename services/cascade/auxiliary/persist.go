// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auxiliary

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

// File suffixes of a stored index. The files share a base name.
const (
	SuffixNodeActions     = ".nodeActions"
	SuffixActivationTimes = ".activationTimePerAction"
	SuffixAPlus           = ".Aplus"
	SuffixAMinus          = ".Aminus"
	SuffixBPlus           = ".Bplus"
	SuffixProperties      = ".properties"

	keyNumActions = "nActions"
	keyPolicy     = "candidateSelectionPolicy"
)

// Suffixes lists every file suffix of a stored index.
var Suffixes = []string{SuffixNodeActions, SuffixActivationTimes, SuffixAPlus, SuffixAMinus, SuffixBPlus, SuffixProperties}

// Write stores the index as six files named base + suffix.
//
// Description:
//
//	Computes any missing field first. Rows are written in a deterministic
//	order: nodes and arcs by name, actions ascending. Rows of the A+ and A-
//	files are grouped by arc.
//
// Inputs:
//
//	ctx - Context for cancellation of the lazy computations.
//	base - Path prefix of the six files.
//
// Outputs:
//
//	error - Non-nil if computing or writing failed.
func (x *Index) Write(ctx context.Context, base string) error {
	ctx, span := tracer.Start(ctx, "auxiliary.Index.Write")
	defer span.End()

	if err := x.Build(ctx); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	t := x.net.Table()
	writers := []struct {
		suffix string
		fn     func(w *bufio.Writer) error
	}{
		{SuffixNodeActions, func(w *bufio.Writer) error { return writeNodeActions(w, t, x.nodeActions) }},
		{SuffixActivationTimes, func(w *bufio.Writer) error { return writeActivationTimes(w, t, x.activationTime) }},
		{SuffixAPlus, func(w *bufio.Writer) error { return writeA(w, t, x.aPlus) }},
		{SuffixAMinus, func(w *bufio.Writer) error { return writeA(w, t, x.aMinus) }},
		{SuffixBPlus, func(w *bufio.Writer) error { return writeBPlus(w, t, x.bPlus) }},
		{SuffixProperties, func(w *bufio.Writer) error {
			return writeProperties(w, properties{
				keyNumActions: strconv.Itoa(x.nActions),
				keyPolicy:     x.pol.Spec(),
			}, "Created by cascadefit auxiliary", time.Now())
		}},
	}
	for _, wr := range writers {
		if err := writeFile(base+wr.suffix, wr.fn); err != nil {
			return err
		}
	}
	x.logger.Info("auxiliary index written", slog.String("base", base), slog.Int("actions", x.nActions))
	return nil
}

func writeFile(path string, fn func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func sortedActions(set map[int32]struct{}) []int32 {
	out := make([]int32, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

func writeNodeActions(w io.Writer, t *network.NodeTable, na map[network.NodeID]map[int32]struct{}) error {
	nodes := make([]network.NodeID, 0, len(na))
	for v := range na {
		nodes = append(nodes, v)
	}
	network.SortNodes(t, nodes)
	for _, v := range nodes {
		for _, a := range sortedActions(na[v]) {
			if _, err := fmt.Fprintf(w, "%s\t%d\n", t.MustName(v), a); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeActivationTimes(w io.Writer, t *network.NodeTable, times []observation.ActivationTimes) error {
	for action, at := range times {
		nodes := make([]network.NodeID, 0, len(at))
		for v := range at {
			nodes = append(nodes, v)
		}
		network.SortNodes(t, nodes)
		for _, v := range nodes {
			if _, err := fmt.Fprintf(w, "%d\t%s\t%d\n", action, t.MustName(v), at[v]); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeA(w io.Writer, t *network.NodeTable, a map[network.Arc][]int32) error {
	arcs := make([]network.Arc, 0, len(a))
	for arc := range a {
		arcs = append(arcs, arc)
	}
	network.SortArcs(t, arcs)
	for _, arc := range arcs {
		leader, follower := t.MustName(arc.Leader), t.MustName(arc.Follower)
		for _, action := range a[arc] {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%d\n", leader, follower, action); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeBPlus(w io.Writer, t *network.NodeTable, b []map[network.NodeID][]network.NodeID) error {
	for action, byChild := range b {
		children := make([]network.NodeID, 0, len(byChild))
		for v := range byChild {
			children = append(children, v)
		}
		network.SortNodes(t, children)
		for _, v := range children {
			parents := slices.Clone(byChild[v])
			network.SortNodes(t, parents)
			for _, u := range parents {
				if _, err := fmt.Fprintf(w, "%d\t%s\t%s\n", action, t.MustName(v), t.MustName(u)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// =============================================================================
// Read
// =============================================================================

// Read loads an index stored by Write.
//
// Description:
//
//	Names are interned into the network's table. When requested is non-nil
//	its spec must equal the stored policy spec. src is kept for operations
//	that rescan the cascades; it may be nil.
//
// Outputs:
//
//	*Index - Fully populated index.
//	error - ErrNotFound for a missing file, ErrPolicyMismatch, or ErrCorrupt.
func Read(ctx context.Context, base string, net *network.Network, src observation.Source, requested policy.Policy, logger *slog.Logger) (*Index, error) {
	_, span := tracer.Start(ctx, "auxiliary.Read")
	defer span.End()

	props, err := readWith(base+SuffixProperties, readProperties)
	if err != nil {
		return nil, err
	}
	nActions, err := strconv.Atoi(props[keyNumActions])
	if err != nil {
		return nil, fmt.Errorf("%w: %s%s: bad %s %q", ErrCorrupt, base, SuffixProperties, keyNumActions, props[keyNumActions])
	}
	stored, err := policy.FromSpec(props[keyPolicy])
	if err != nil {
		return nil, fmt.Errorf("%s%s: %w", base, SuffixProperties, err)
	}
	if requested != nil && requested.Spec() != stored.Spec() {
		return nil, fmt.Errorf("%w: stored %q, requested %q", ErrPolicyMismatch, stored.Spec(), requested.Spec())
	}

	x := New(net, src, stored, logger)
	x.nActions = nActions
	t := net.Table()

	if x.nodeActions, err = readWith(base+SuffixNodeActions, func(r io.Reader) (map[network.NodeID]map[int32]struct{}, error) {
		return readNodeActions(r, t)
	}); err != nil {
		return nil, err
	}
	if x.activationTime, err = readWith(base+SuffixActivationTimes, func(r io.Reader) ([]observation.ActivationTimes, error) {
		return readActivationTimes(r, t, nActions)
	}); err != nil {
		return nil, err
	}
	if x.aPlus, err = readWith(base+SuffixAPlus, func(r io.Reader) (map[network.Arc][]int32, error) {
		return readA(r, t)
	}); err != nil {
		return nil, err
	}
	if x.aMinus, err = readWith(base+SuffixAMinus, func(r io.Reader) (map[network.Arc][]int32, error) {
		return readA(r, t)
	}); err != nil {
		return nil, err
	}
	if x.bPlus, err = readWith(base+SuffixBPlus, func(r io.Reader) ([]map[network.NodeID][]network.NodeID, error) {
		return readBPlus(r, t, len(x.activationTime))
	}); err != nil {
		return nil, err
	}
	x.logger.Info("auxiliary index loaded",
		slog.String("base", base),
		slog.Int("actions", nActions),
		slog.String("policy", stored.Spec()),
	)
	return x, nil
}

func readWith[T any](path string, fn func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return zero, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return zero, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	v, err := fn(f)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// scanRows calls fn with the tab-separated fields of every non-empty line.
func scanRows(r io.Reader, fields int, fn func(tokens []string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		tokens := strings.SplitN(line, "\t", fields)
		if len(tokens) != fields {
			return fmt.Errorf("%w: line %d: expected %d fields", ErrCorrupt, lineNo, fields)
		}
		if err := fn(tokens); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

func parseAction(s string) (int32, error) {
	a, err := strconv.ParseInt(s, 10, 32)
	if err != nil || a < 0 {
		return 0, fmt.Errorf("%w: bad action %q", ErrCorrupt, s)
	}
	return int32(a), nil
}

func readNodeActions(r io.Reader, t *network.NodeTable) (map[network.NodeID]map[int32]struct{}, error) {
	out := make(map[network.NodeID]map[int32]struct{})
	err := scanRows(r, 2, func(tok []string) error {
		v, err := t.Intern(tok[0])
		if err != nil {
			return err
		}
		a, err := parseAction(tok[1])
		if err != nil {
			return err
		}
		set, ok := out[v]
		if !ok {
			set = make(map[int32]struct{})
			out[v] = set
		}
		set[a] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	delete(out, t.DefaultStart())
	return out, nil
}

func readActivationTimes(r io.Reader, t *network.NodeTable, nActions int) ([]observation.ActivationTimes, error) {
	out := make([]observation.ActivationTimes, 0, nActions)
	err := scanRows(r, 3, func(tok []string) error {
		a, err := parseAction(tok[0])
		if err != nil {
			return err
		}
		v, err := t.Intern(tok[1])
		if err != nil {
			return err
		}
		ts, err := strconv.ParseInt(tok[2], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad time %q", ErrCorrupt, tok[2])
		}
		for len(out) <= int(a) {
			out = append(out, observation.ActivationTimes{})
		}
		out[a][v] = ts
		return nil
	})
	if err != nil {
		return nil, err
	}
	for len(out) < nActions {
		out = append(out, observation.ActivationTimes{})
	}
	return out, nil
}

func readA(r io.Reader, t *network.NodeTable) (map[network.Arc][]int32, error) {
	out := make(map[network.Arc][]int32)
	err := scanRows(r, 3, func(tok []string) error {
		u, err := t.Intern(tok[0])
		if err != nil {
			return err
		}
		v, err := t.Intern(tok[1])
		if err != nil {
			return err
		}
		a, err := parseAction(tok[2])
		if err != nil {
			return err
		}
		arc := network.Arc{Leader: u, Follower: v}
		out[arc] = append(out[arc], a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for arc, actions := range out {
		slices.Sort(actions)
		out[arc] = slices.Clip(slices.Compact(actions))
	}
	return out, nil
}

func readBPlus(r io.Reader, t *network.NodeTable, nActions int) ([]map[network.NodeID][]network.NodeID, error) {
	out := make([]map[network.NodeID][]network.NodeID, nActions)
	err := scanRows(r, 3, func(tok []string) error {
		a, err := parseAction(tok[0])
		if err != nil {
			return err
		}
		v, err := t.Intern(tok[1])
		if err != nil {
			return err
		}
		u, err := t.Intern(tok[2])
		if err != nil {
			return err
		}
		for len(out) <= int(a) {
			out = append(out, nil)
		}
		if out[a] == nil {
			out[a] = make(map[network.NodeID][]network.NodeID)
		}
		out[a][v] = append(out[a][v], u)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, byChild := range out {
		for v, ps := range byChild {
			slices.Sort(ps)
			byChild[v] = slices.Compact(ps)
		}
	}
	return out, nil
}
