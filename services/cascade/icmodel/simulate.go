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
	"cmp"
	"container/heap"
	"context"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
)

const (
	// ConstantWaitingTimeValue is the delay of every attempt under
	// ConstantWaitingTime.
	ConstantWaitingTimeValue = 1

	// MeanPostWaitingTime is the mean delay of attempts from a cascade root.
	MeanPostWaitingTime = 60.0

	// MeanRepostWaitingTime is the mean delay of attempts from other nodes.
	MeanRepostWaitingTime = 60.0
)

// WaitingTime samples the delay between a node's activation and one of its
// activation attempts.
type WaitingTime interface {
	Sample(r *rand.Rand) int64
}

// ConstantWaitingTime always waits the same time.
type ConstantWaitingTime int64

// Sample implements WaitingTime.
func (c ConstantWaitingTime) Sample(*rand.Rand) int64 {
	return int64(c)
}

// ExponentialWaitingTime waits an exponentially distributed time with the
// given mean, truncated to an integer.
type ExponentialWaitingTime struct {
	Mean float64
}

// Sample implements WaitingTime.
func (e ExponentialWaitingTime) Sample(r *rand.Rand) int64 {
	d := distuv.Exponential{Rate: 1 / e.Mean, Src: r}
	return int64(d.Rand())
}

// Simulator runs the Independent Cascade process forward in time.
//
// Description:
//
//	Every newly active node u gets one attempt per inactive follower v,
//	which succeeds with probability p(u,v). A successful attempt is queued
//	at the current time plus a waiting time: Post for the start nodes,
//	Repost for everyone else. Attempts are dequeued in time order; the
//	first attempt reaching an inactive node activates it.
//
// Thread Safety: Not safe for concurrent use (Rand is shared state).
type Simulator struct {
	Model  *Model
	Post   WaitingTime
	Repost WaitingTime
	Rand   *rand.Rand
}

// NewConstantSimulator creates a simulator where every attempt takes one
// time unit, which reproduces breadth-first rounds.
func NewConstantSimulator(m *Model, seed uint64) *Simulator {
	return &Simulator{
		Model:  m,
		Post:   ConstantWaitingTime(ConstantWaitingTimeValue),
		Repost: ConstantWaitingTime(ConstantWaitingTimeValue),
		Rand:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// NewExponentialSimulator creates a simulator with exponential waiting times
// of means MeanPostWaitingTime and MeanRepostWaitingTime.
func NewExponentialSimulator(m *Model, seed uint64) *Simulator {
	return &Simulator{
		Model:  m,
		Post:   ExponentialWaitingTime{Mean: MeanPostWaitingTime},
		Repost: ExponentialWaitingTime{Mean: MeanRepostWaitingTime},
		Rand:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Run simulates one cascade from the given start nodes, all active at time 0.
//
// Outputs:
//
//	*observation.History - A valid cascade whose root events have a null leader.
//	error - ErrUnknownStartNode, or ctx's error.
func (s *Simulator) Run(ctx context.Context, starts ...network.NodeID) (*observation.History, error) {
	net := s.Model.Network()
	for _, st := range starts {
		if !net.HasNode(st) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStartNode, net.Table().MustName(st))
		}
	}

	active := make(map[network.NodeID]struct{}, len(starts))
	events := make([]observation.Event, 0, len(starts))
	queue := &attemptQueue{}
	for _, st := range starts {
		if _, ok := active[st]; ok {
			continue
		}
		active[st] = struct{}{}
		events = append(events, observation.Event{Arc: network.Arc{Leader: network.NullID, Follower: st}})
	}
	for _, st := range starts {
		s.attempt(queue, active, st, 0, s.Post)
	}

	for queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a := heap.Pop(queue).(observation.Event)
		if _, ok := active[a.Follower]; ok {
			continue
		}
		active[a.Follower] = struct{}{}
		events = append(events, a)
		s.attempt(queue, active, a.Follower, a.Timestamp, s.Repost)
	}
	return observation.NewHistory("", events)
}

func (s *Simulator) attempt(q *attemptQueue, active map[network.NodeID]struct{}, u network.NodeID, now int64, wait WaitingTime) {
	for _, v := range s.Model.Network().Followers(u) {
		if _, ok := active[v]; ok {
			continue
		}
		p := s.Model.Probability(u, v)
		if p <= 0 || s.Rand.Float64() >= p {
			continue
		}
		heap.Push(q, observation.Event{
			Arc:       network.Arc{Leader: u, Follower: v},
			Timestamp: now + wait.Sample(s.Rand),
		})
	}
}

// attemptQueue orders pending attempts by time, then leader, then follower.
type attemptQueue []observation.Event

func (q attemptQueue) Len() int { return len(q) }

func (q attemptQueue) Less(i, j int) bool {
	if c := cmp.Compare(q[i].Timestamp, q[j].Timestamp); c != 0 {
		return c < 0
	}
	if q[i].Leader != q[j].Leader {
		return q[i].Leader < q[j].Leader
	}
	return q[i].Follower < q[j].Follower
}

func (q attemptQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *attemptQueue) Push(x any) { *q = append(*q, x.(observation.Event)) }

func (q *attemptQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}
