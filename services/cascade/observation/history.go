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
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

// History is a validated cascade: the propagation of one action.
//
// Description:
//
//	Events are sorted by non-decreasing timestamp. Every non-null leader was
//	activated by an earlier event, and no follower is activated twice.
//	When the input is already sorted its order is kept as is, so ties in
//	time preserve the order they were logged in.
//
// Thread Safety: Immutable after NewHistory; safe for concurrent reads.
type History struct {
	description string
	events      []Event
}

// NewHistory validates events and builds a History.
//
// Inputs:
//
//	description - Optional label for the action (the `@` line of the log).
//	events - Events in any order. The slice is copied.
//
// Outputs:
//
//	*History - The validated cascade.
//	error - Wraps ErrInvalidHistory when the events could not have happened.
func NewHistory(description string, events []Event) (*History, error) {
	seen := make(map[network.Arc]struct{}, len(events))
	evs := make([]Event, 0, len(events))
	for _, e := range events {
		if _, dup := seen[e.Arc]; dup {
			return nil, fmt.Errorf("%w: arc %s seen twice", ErrInvalidHistory, e.Arc)
		}
		seen[e.Arc] = struct{}{}
		evs = append(evs, e)
	}

	if !isSortedByTime(evs) {
		slices.SortStableFunc(evs, func(a, b Event) int {
			return cmp.Compare(a.Timestamp, b.Timestamp)
		})
	}

	active := make(map[network.NodeID]struct{}, len(evs))
	for _, e := range evs {
		if e.Leader != network.NullID {
			if _, ok := active[e.Leader]; !ok {
				return nil, fmt.Errorf("%w: parent of %s at %d was not active", ErrInvalidHistory, e.Arc, e.Timestamp)
			}
		}
		if _, ok := active[e.Follower]; ok {
			return nil, fmt.Errorf("%w: %s activates a node that was already active", ErrInvalidHistory, e.Arc)
		}
		active[e.Follower] = struct{}{}
	}

	return &History{description: description, events: evs}, nil
}

func isSortedByTime(evs []Event) bool {
	for i := 1; i < len(evs); i++ {
		if evs[i-1].Timestamp > evs[i].Timestamp {
			return false
		}
	}
	return true
}

// Description returns the action label, possibly empty.
func (h *History) Description() string {
	return h.description
}

// Events returns the sorted events. The slice must not be modified.
func (h *History) Events() []Event {
	return h.events
}

// Len returns the number of events.
func (h *History) Len() int {
	return len(h.events)
}

// ActivationTimes returns follower → timestamp for every event.
func (h *History) ActivationTimes() ActivationTimes {
	out := make(ActivationTimes, len(h.events))
	for _, e := range h.events {
		out[e.Follower] = e.Timestamp
	}
	return out
}

// String renders the cascade as `a-(t)->b-(t)->c` using ids.
func (h *History) String() string {
	return h.render(func(id network.NodeID) string { return strconv.Itoa(int(id)) })
}

// Format renders the cascade like String, using node names.
func (h *History) Format(table *network.NodeTable) string {
	return h.render(table.MustName)
}

func (h *History) render(name func(network.NodeID) string) string {
	var sb strings.Builder
	for i, e := range h.events {
		if i > 0 {
			sb.WriteString("-(")
			sb.WriteString(strconv.FormatInt(e.Timestamp, 10))
			sb.WriteString(")->")
		}
		sb.WriteString(name(e.Follower))
	}
	return sb.String()
}

// WriteHistory writes h in the observation log format, preceded by its
// `@description` line when it has one.
func WriteHistory(w io.Writer, table *network.NodeTable, h *History) error {
	bw := bufio.NewWriter(w)
	if h.description != "" {
		if _, err := fmt.Fprintf(bw, "@%s\n", h.description); err != nil {
			return err
		}
	}
	for _, e := range h.events {
		if _, err := fmt.Fprintln(bw, e.Format(table)); err != nil {
			return err
		}
	}
	return bw.Flush()
}
