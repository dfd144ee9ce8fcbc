// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves a fitted model and its auxiliary index over HTTP.
//
// All endpoints live under /v1/cascade. Reads are lock-free over the
// immutable model; sparsification runs one at a time.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/sparsify"
	"github.com/AleutianAI/cascadefit/services/cascade/telemetry"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "1.0.0"

// maxRuns bounds how many sparsification summaries are kept for lookup.
const maxRuns = 64

// Handlers holds the state behind every endpoint.
//
// Thread Safety: Safe for concurrent use. The model and index must not be
// mutated while the handlers serve them.
type Handlers struct {
	model    *icmodel.Model
	idx      *auxiliary.Index
	opts     sparsify.Options
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	validate *validator.Validate

	// sparsifying is held for the duration of a run.
	sparsifying sync.Mutex

	llOnce sync.Once
	ll     float64
	llErr  error

	runsMu sync.Mutex
	runs   map[string]SparsifyResponse
	order  []string
}

// NewHandlers creates handlers over model and idx. opts configures the
// sparsifiers started through POST /sparsify; its Incremental field is
// taken from each request. metrics and logger may be nil.
func NewHandlers(model *icmodel.Model, idx *auxiliary.Index, opts sparsify.Options, metrics *telemetry.Metrics, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		model:    model,
		idx:      idx,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		runs:     make(map[string]SparsifyResponse),
	}
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := assignRequestID(c)
	return telemetry.LoggerWithTrace(c.Request.Context(), h.logger).With(
		slog.String("request_id", requestID),
		slog.String("handler", handler))
}

func abort(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func (h *Handlers) logLikelihood(ctx context.Context) (float64, error) {
	h.llOnce.Do(func() {
		h.ll, h.llErr = h.model.LogLikelihood(context.WithoutCancel(ctx), h.idx)
	})
	return h.ll, h.llErr
}

func (h *Handlers) node(c *gin.Context, param string) (network.NodeID, bool) {
	name := c.Param(param)
	id, ok := h.model.Network().Table().Lookup(name)
	if !ok || !h.model.Network().HasNode(id) {
		abort(c, http.StatusNotFound, "UNKNOWN_NODE", errors.New("unknown node "+name))
		return 0, false
	}
	return id, true
}

// HandleHealth handles GET /v1/cascade/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	h.requestLogger(c, "HandleHealth").Debug("Health check")
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: ServiceVersion})
}

// HandleModel handles GET /v1/cascade/model.
//
// Description:
//
//	Summarizes the served model. The log-likelihood is computed on the
//	first request and reused.
//
// Response:
//
//	200 OK: ModelResponse
//	500 Internal Server Error: index build failure
func (h *Handlers) HandleModel(c *gin.Context) {
	logger := h.requestLogger(c, "HandleModel")
	ctx := c.Request.Context()

	actions, err := h.idx.NumActions(ctx)
	if err != nil {
		logger.Error("Counting actions failed", slog.String("error", err.Error()))
		abort(c, http.StatusInternalServerError, "INDEX_FAILED", err)
		return
	}
	ll, err := h.logLikelihood(ctx)
	if err != nil {
		logger.Error("Log-likelihood failed", slog.String("error", err.Error()))
		abort(c, http.StatusInternalServerError, "LIKELIHOOD_FAILED", err)
		return
	}

	net := h.model.Network()
	c.JSON(http.StatusOK, ModelResponse{
		Policy:        h.idx.Policy().Spec(),
		Nodes:         net.NumNodes(),
		NetworkArcs:   net.NumArcs(),
		NonZeroArcs:   h.model.Len(),
		Actions:       actions,
		Stats:         h.model.Stats(),
		LogLikelihood: Float(ll),
	})
}

// HandleEdge handles GET /v1/cascade/edges/:leader/:follower.
//
// Response:
//
//	200 OK: EdgeResponse
//	404 Not Found: unknown node or the arc is not in the network
func (h *Handlers) HandleEdge(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEdge")
	u, ok := h.node(c, "leader")
	if !ok {
		return
	}
	v, ok := h.node(c, "follower")
	if !ok {
		return
	}
	arc := network.Arc{Leader: u, Follower: v}
	if !h.model.Network().HasArc(arc) {
		abort(c, http.StatusNotFound, "UNKNOWN_EDGE", errors.New("no arc "+c.Param("leader")+" -> "+c.Param("follower")))
		return
	}

	ctx := c.Request.Context()
	aPlus, err := h.idx.APlus(ctx)
	if err == nil {
		var aMinus map[network.Arc][]int32
		aMinus, err = h.idx.AMinus(ctx)
		if err == nil {
			c.JSON(http.StatusOK, EdgeResponse{
				Leader:      c.Param("leader"),
				Follower:    c.Param("follower"),
				Probability: h.model.ProbabilityOf(arc),
				Successes:   len(aPlus[arc]),
				Failures:    len(aMinus[arc]),
			})
			return
		}
	}
	logger.Error("Index lookup failed", slog.String("error", err.Error()))
	abort(c, http.StatusInternalServerError, "INDEX_FAILED", err)
}

// HandleBlock handles GET /v1/cascade/blocks/:node.
//
// Description:
//
//	Returns the block log-likelihood of the node with every non-zero
//	parent selected, and the candidate parents from both reverse maps.
//
// Response:
//
//	200 OK: BlockResponse
//	404 Not Found: unknown node
//	500 Internal Server Error: index failure
func (h *Handlers) HandleBlock(c *gin.Context) {
	logger := h.requestLogger(c, "HandleBlock")
	v, ok := h.node(c, "node")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	resp, err := h.block(ctx, v)
	if err != nil {
		logger.Error("Block lookup failed", slog.String("error", err.Error()))
		abort(c, http.StatusInternalServerError, "INDEX_FAILED", err)
		return
	}
	resp.Node = c.Param("node")
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) block(ctx context.Context, v network.NodeID) (BlockResponse, error) {
	cPlus, err := h.idx.CPlusOnline(ctx, v)
	if err != nil {
		return BlockResponse{}, err
	}
	cMinus, err := h.idx.CMinusOnline(ctx, v)
	if err != nil {
		return BlockResponse{}, err
	}
	plus, err := h.idx.APlusParentsOf(ctx, v)
	if err != nil {
		return BlockResponse{}, err
	}
	minus, err := h.idx.AMinusParentsOf(ctx, v)
	if err != nil {
		return BlockResponse{}, err
	}
	ll := h.model.BlockLogLikelihood(v, cPlus, cMinus, h.model.NonZeroParents(v, cPlus, cMinus))
	return BlockResponse{
		LogLikelihood: Float(ll),
		ActivatedIn:   len(cPlus),
		NotActivated:  len(cMinus),
		PlusParents:   h.parents(plus, v),
		MinusParents:  h.parents(minus, v),
	}, nil
}

func (h *Handlers) parents(ids []network.NodeID, v network.NodeID) []ParentEntry {
	t := h.model.Network().Table()
	out := make([]ParentEntry, len(ids))
	for i, u := range ids {
		out[i] = ParentEntry{Name: t.MustName(u), Probability: h.model.Probability(u, v)}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HandleSparsify handles POST /v1/cascade/sparsify.
//
// Description:
//
//	Runs a sparsifier over the served model and returns the summary under
//	a new run ID. The sparse model itself is not kept. Only one run may be
//	in progress.
//
// Request Body:
//
//	SparsifyRequest
//
// Response:
//
//	200 OK: SparsifyResponse
//	400 Bad Request: invalid body, unknown sparsifier or budget
//	409 Conflict: another run is in progress
//	500 Internal Server Error: sparsification failure
func (h *Handlers) HandleSparsify(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSparsify")

	var req SparsifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", slog.String("error", err.Error()))
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	name := req.Sparsifier
	if name == "" {
		name = sparsify.GreedyName
	}
	k := h.model.Len()
	if req.K != nil {
		k = *req.K
	}

	opts := h.opts
	opts.Incremental = req.Incremental
	opts.Logger = logger
	s, err := sparsify.New(name, h.model, h.idx, opts)
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_SPARSIFIER", err)
		return
	}

	if !h.sparsifying.TryLock() {
		abort(c, http.StatusConflict, "SPARSIFY_IN_PROGRESS", errors.New("a sparsification run is in progress"))
		return
	}
	defer h.sparsifying.Unlock()

	ctx := c.Request.Context()
	runID := uuid.NewString()
	started := time.Now()
	logger = logger.With(slog.String("run_id", runID))
	if h.metrics != nil {
		h.metrics.SparsifyRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("sparsifier", name)))
	}

	res, err := sparsify.Run(ctx, s, h.model, h.idx, k, logger)
	h.metrics.ObserveStage(ctx, telemetry.StageSparsify, started, err)
	if err != nil {
		status, code := http.StatusInternalServerError, "SPARSIFY_FAILED"
		if errors.Is(err, sparsify.ErrConfig) {
			status, code = http.StatusBadRequest, "INVALID_BUDGET"
		}
		logger.Error("Sparsification failed", slog.String("error", err.Error()))
		abort(c, status, code, err)
		return
	}

	resp := SparsifyResponse{
		RunID:          runID,
		Sparsifier:     name,
		K:              k,
		Arcs:           res.Model.Len(),
		BaseArcs:       res.BaseArcs,
		LogLikelihood:  Float(res.SparsifiedLogL),
		OriginalLogL:   Float(res.OriginalLogL),
		StartedAt:      started.UTC(),
		DurationMillis: time.Since(started).Milliseconds(),
	}
	h.storeRun(resp)
	logger.Info("Sparsification finished",
		slog.Int("arcs", resp.Arcs),
		slog.Float64("log_likelihood", res.SparsifiedLogL))
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) storeRun(r SparsifyResponse) {
	h.runsMu.Lock()
	defer h.runsMu.Unlock()
	if len(h.order) == maxRuns {
		delete(h.runs, h.order[0])
		h.order = h.order[1:]
	}
	h.runs[r.RunID] = r
	h.order = append(h.order, r.RunID)
}

// HandleGetRun handles GET /v1/cascade/sparsify/:run_id.
func (h *Handlers) HandleGetRun(c *gin.Context) {
	id := c.Param("run_id")
	if _, err := uuid.Parse(id); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_RUN_ID", err)
		return
	}
	h.runsMu.Lock()
	r, ok := h.runs[id]
	h.runsMu.Unlock()
	if !ok {
		abort(c, http.StatusNotFound, "UNKNOWN_RUN", errors.New("unknown run "+id))
		return
	}
	c.JSON(http.StatusOK, r)
}
