// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
)

// Float is a float64 whose JSON form spells out infinities and NaN as
// strings ("-Inf", "+Inf", "NaN"), which plain JSON numbers cannot hold.
// Block log-likelihoods are -Inf whenever a cascade is unexplained.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ModelResponse summarizes the served model.
type ModelResponse struct {
	Policy        string        `json:"policy"`
	Nodes         int           `json:"nodes"`
	NetworkArcs   int           `json:"network_arcs"`
	NonZeroArcs   int           `json:"non_zero_arcs"`
	Actions       int           `json:"actions"`
	Stats         icmodel.Stats `json:"stats"`
	LogLikelihood Float         `json:"log_likelihood"`
}

// EdgeResponse describes one arc of the network.
type EdgeResponse struct {
	Leader      string  `json:"leader"`
	Follower    string  `json:"follower"`
	Probability float64 `json:"probability"`

	// Successes is |A+| of the arc: actions where it may have propagated.
	Successes int `json:"successes"`

	// Failures is |A-| of the arc: actions where it did not propagate.
	Failures int `json:"failures"`
}

// ParentEntry is one candidate parent in a BlockResponse.
type ParentEntry struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
}

// BlockResponse describes the block of one child node.
type BlockResponse struct {
	Node          string        `json:"node"`
	LogLikelihood Float         `json:"log_likelihood"`
	ActivatedIn   int           `json:"activated_in"`
	NotActivated  int           `json:"not_activated_in"`
	PlusParents   []ParentEntry `json:"plus_parents"`
	MinusParents  []ParentEntry `json:"minus_parents"`
}

// SparsifyRequest is the body of POST /sparsify.
type SparsifyRequest struct {
	// K is the arc budget. Nil means the number of non-zero arcs.
	K *int `json:"k" validate:"omitempty,gte=0"`

	// Sparsifier defaults to the greedy sparsifier.
	Sparsifier string `json:"sparsifier" validate:"omitempty,max=64"`

	Incremental bool `json:"incremental"`
}

// SparsifyResponse summarizes one sparsification run.
type SparsifyResponse struct {
	RunID          string    `json:"run_id"`
	Sparsifier     string    `json:"sparsifier"`
	K              int       `json:"k"`
	Arcs           int       `json:"arcs"`
	BaseArcs       int       `json:"base_arcs"`
	LogLikelihood  Float     `json:"log_likelihood"`
	OriginalLogL   Float     `json:"original_log_likelihood"`
	StartedAt      time.Time `json:"started_at"`
	DurationMillis int64     `json:"duration_ms"`
}
