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
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

// Event is one observed activation: the follower became active at Timestamp,
// influenced by the leader. A null leader marks the root of a cascade.
type Event struct {
	network.Arc
	Timestamp int64
}

// ActivationTimes maps each node active in a cascade to its activation time.
// A node absent from the map was never active in that cascade.
type ActivationTimes map[network.NodeID]int64

// Get returns the activation time of id and whether it was active.
func (a ActivationTimes) Get(id network.NodeID) (int64, bool) {
	t, ok := a[id]
	return t, ok
}

// ParseEvent parses `leader\tfollower\ttimestamp`.
//
// Empty fields are preserved, so a line starting with a tab has a null
// leader. Names are interned into table.
func ParseEvent(table *network.NodeTable, line string) (Event, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 3 {
		return Event{}, fmt.Errorf("%w: expected 3 fields, got %d in %q", ErrMalformedEvent, len(fields), line)
	}

	leader, err := internOrNull(table, fields[0])
	if err != nil {
		return Event{}, err
	}
	follower, err := internOrNull(table, fields[1])
	if err != nil {
		return Event{}, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: bad timestamp in %q: %v", ErrMalformedEvent, line, err)
	}
	arc, err := network.NewArc(leader, follower)
	if err != nil {
		return Event{}, err
	}
	return Event{Arc: arc, Timestamp: ts}, nil
}

func internOrNull(table *network.NodeTable, name string) (network.NodeID, error) {
	if name == "" {
		return network.NullID, nil
	}
	return table.Intern(name)
}

// Format renders the event as an observation log line.
func (e Event) Format(table *network.NodeTable) string {
	return table.MustName(e.Leader) + "\t" + table.MustName(e.Follower) + "\t" + strconv.FormatInt(e.Timestamp, 10)
}
