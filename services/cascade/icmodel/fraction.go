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
	"context"
	"fmt"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
)

// TotalFraction returns the share of observed events explained by the model.
//
// For every cascade, the events after the root whose arc has non-zero
// probability are counted; the total is divided by the number of events of
// all cascades, roots included.
func (m *Model) TotalFraction(ctx context.Context, src observation.Source) (float64, error) {
	explained, total := 0, 0
	err := src.ForEach(ctx, func(action int, h *observation.History) error {
		n, err := m.explainedEvents(h)
		if err != nil {
			return fmt.Errorf("action %d: %w", action, err)
		}
		explained += n
		total += h.Len()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ratio(explained, total), nil
}

// FractionBFS returns the share of events reachable from each cascade's
// root through non-zero arcs whose leader was already reached.
func (m *Model) FractionBFS(ctx context.Context, src observation.Source) (float64, error) {
	reached, total := 0, 0
	err := src.ForEach(ctx, func(action int, h *observation.History) error {
		n, err := m.reachedFromRoot(h)
		if err != nil {
			return fmt.Errorf("action %d: %w", action, err)
		}
		reached += n
		total += h.Len()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ratio(reached, total), nil
}

// FractionUninterrupted returns the mean, over cascades, of the share of
// each cascade that precedes its first zero-probability event.
func (m *Model) FractionUninterrupted(ctx context.Context, src observation.Source) (float64, error) {
	sum := 0.0
	n := 0
	err := src.ForEach(ctx, func(action int, h *observation.History) error {
		f, err := m.uninterrupted(h)
		if err != nil {
			return fmt.Errorf("action %d: %w", action, err)
		}
		sum += f
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func checkRoot(h *observation.History) error {
	evs := h.Events()
	if len(evs) == 0 || evs[0].Leader != network.NullID {
		return ErrInvalidHistory
	}
	return nil
}

func (m *Model) explainedEvents(h *observation.History) (int, error) {
	if err := checkRoot(h); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range h.Events()[1:] {
		if m.ProbabilityOf(e.Arc) > 0 {
			n++
		}
	}
	return n, nil
}

func (m *Model) reachedFromRoot(h *observation.History) (int, error) {
	if err := checkRoot(h); err != nil {
		return 0, err
	}
	evs := h.Events()
	reached := map[network.NodeID]struct{}{evs[0].Follower: {}}
	for _, e := range evs[1:] {
		if _, ok := reached[e.Leader]; ok && m.ProbabilityOf(e.Arc) > 0 {
			reached[e.Follower] = struct{}{}
		}
	}
	return len(reached), nil
}

func (m *Model) uninterrupted(h *observation.History) (float64, error) {
	if err := checkRoot(h); err != nil {
		return 0, err
	}
	evs := h.Events()
	for i := 1; i < len(evs); i++ {
		if m.ProbabilityOf(evs[i].Arc) == 0 {
			return float64(i-1) / float64(len(evs)-1), nil
		}
	}
	return 1, nil
}
