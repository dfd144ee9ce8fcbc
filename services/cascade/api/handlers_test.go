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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/estimate"
	"github.com/AleutianAI/cascadefit/services/cascade/icmodel"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
	"github.com/AleutianAI/cascadefit/services/cascade/sparsify"
	"github.com/AleutianAI/cascadefit/services/cascade/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	fixtureNetwork = "a\tb\na\tc\nb\tc\nc\td\nb\td\na\td\n"
	fixtureLog     = "\ta\t1\na\tb\t2\nb\tc\t3\nc\td\t4\n" +
		"\ta\t1\na\tc\t2\nc\td\t5\n" +
		"\tb\t1\nb\td\t3\n" +
		"\ta\t1\na\tb\t2\n" +
		"\tb\t1\nb\tc\t2\n" +
		"\ta\t1\n"
)

type fixture struct {
	model   *icmodel.Model
	idx     *auxiliary.Index
	router  *gin.Engine
	reader  *sdkmetric.ManualReader
	handler *Handlers
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	tbl := network.NewNodeTable()
	net, err := network.Parse(strings.NewReader(fixtureNetwork), tbl, quiet)
	require.NoError(t, err)
	var src observation.SliceSource
	err = observation.Scan(ctx, strings.NewReader(fixtureLog), tbl, func(_ int, h *observation.History) error {
		src = append(src, h)
		return nil
	})
	require.NoError(t, err)

	idx := auxiliary.New(net, src, policy.Default(), quiet)
	opts := estimate.DefaultOptions()
	opts.Logger = quiet
	em, err := estimate.NewEM(net, opts)
	require.NoError(t, err)
	res, err := em.Estimate(ctx, idx)
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	metrics, err := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	spOpts := sparsify.DefaultOptions()
	spOpts.Logger = quiet
	h := NewHandlers(res.Model, idx, spOpts, metrics, quiet)
	return fixture{
		model:   res.Model,
		idx:     idx,
		router:  NewRouter(h, "cascadefit-test"),
		reader:  reader,
		handler: h,
	}
}

func (f fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (f fixture) id(t *testing.T, name string) network.NodeID {
	t.Helper()
	id, ok := f.model.Network().Table().Lookup(name)
	require.True(t, ok)
	return id
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/cascade/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRequestID_EveryRoute(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/v1/cascade/health", "/v1/cascade/model", "/metrics", "/v1/nope"} {
		w := f.do(t, http.MethodGet, path, nil)
		id := w.Header().Get(RequestIDHeader)
		_, err := uuid.Parse(id)
		assert.NoError(t, err, "path %s: %q", path, id)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/cascade/health", nil)
	req.Header.Set(RequestIDHeader, "caller-42")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, "caller-42", w.Header().Get(RequestIDHeader))
}

func TestHandleModel(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/cascade/model", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ModelResponse](t, w)
	want, err := f.model.LogLikelihood(context.Background(), f.idx)
	require.NoError(t, err)

	assert.Equal(t, "SelectByTimePrecedence", resp.Policy)
	assert.Equal(t, 6, resp.NetworkArcs)
	assert.Equal(t, f.model.Len(), resp.NonZeroArcs)
	assert.Equal(t, 6, resp.Actions)
	assert.InDelta(t, want, float64(resp.LogLikelihood), 1e-12)
	assert.Equal(t, f.model.Len(), resp.Stats.Count)
}

func TestHandleEdge(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/cascade/edges/a/b", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[EdgeResponse](t, w)
	assert.Equal(t, "a", resp.Leader)
	assert.Equal(t, "b", resp.Follower)
	assert.Equal(t, f.model.Probability(f.id(t, "a"), f.id(t, "b")), resp.Probability)
	assert.Equal(t, 2, resp.Successes)
	assert.Positive(t, resp.Failures)
}

func TestHandleEdge_NotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/cascade/edges/a/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_NODE", decode[ErrorResponse](t, w).Code)

	w = f.do(t, http.MethodGet, "/v1/cascade/edges/d/a", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_EDGE", decode[ErrorResponse](t, w).Code)
}

func TestHandleBlock(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/cascade/blocks/d", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[BlockResponse](t, w)
	want, err := f.model.ComputeBlockLogLikelihood(context.Background(), f.id(t, "d"), f.idx)
	require.NoError(t, err)

	assert.Equal(t, "d", resp.Node)
	assert.InDelta(t, want, float64(resp.LogLikelihood), 1e-12)
	assert.Equal(t, 3, resp.ActivatedIn)
	require.NotEmpty(t, resp.PlusParents)
	for i := 1; i < len(resp.PlusParents); i++ {
		assert.Less(t, resp.PlusParents[i-1].Name, resp.PlusParents[i].Name)
	}

	w = f.do(t, http.MethodGet, "/v1/cascade/blocks/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSparsify(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/cascade/sparsify", map[string]any{"incremental": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[SparsifyResponse](t, w)
	assert.Equal(t, sparsify.GreedyName, resp.Sparsifier)
	assert.Equal(t, f.model.Len(), resp.K)
	assert.Equal(t, f.model.Len(), resp.Arcs)
	assert.InDelta(t, float64(resp.OriginalLogL), float64(resp.LogLikelihood), 1e-9)

	w = f.do(t, http.MethodGet, "/v1/cascade/sparsify/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, resp.RunID, decode[SparsifyResponse](t, w).RunID)
}

func TestHandleSparsify_Naive(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/cascade/sparsify", map[string]any{
		"k":          f.model.Len(),
		"sparsifier": sparsify.NaiveByProbabilityName,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, f.model.Len(), decode[SparsifyResponse](t, w).Arcs)
}

func TestHandleSparsify_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body any
		code string
	}{
		{"malformed", "{", "INVALID_REQUEST"},
		{"negative budget", map[string]any{"k": -1}, "INVALID_REQUEST"},
		{"unknown sparsifier", map[string]any{"sparsifier": "Random"}, "INVALID_SPARSIFIER"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/cascade/sparsify", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tc.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandleSparsify_Busy(t *testing.T) {
	f := newFixture(t)
	f.handler.sparsifying.Lock()
	defer f.handler.sparsifying.Unlock()

	w := f.do(t, http.MethodPost, "/v1/cascade/sparsify", map[string]any{})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SPARSIFY_IN_PROGRESS", decode[ErrorResponse](t, w).Code)
}

func TestHandleGetRun_Errors(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/cascade/sparsify/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/cascade/sparsify/6f1c1a52-0d7e-4a55-9d4e-3f6a2b1c0d9e", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_RUN", decode[ErrorResponse](t, w).Code)
}

func TestStoreRun_Bounded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < maxRuns+5; i++ {
		f.handler.storeRun(SparsifyResponse{RunID: string(rune('A' + i))})
	}
	assert.Len(t, f.handler.runs, maxRuns)
	assert.Len(t, f.handler.order, maxRuns)
	_, ok := f.handler.runs["A"]
	assert.False(t, ok)
}

func TestMetricsMiddleware(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/v1/cascade/health", nil)
	f.do(t, http.MethodGet, "/v1/cascade/edges/a/b", nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))

	routes := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "cascadefit_http_requests_total" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				route, _ := dp.Attributes.Value("route")
				routes[route.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), routes["/v1/cascade/health"])
	assert.Equal(t, int64(1), routes["/v1/cascade/edges/:leader/:follower"])
}

func TestFloat_JSON(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{1.5, "1.5"},
		{math.Inf(-1), `"-Inf"`},
		{math.Inf(1), `"+Inf"`},
		{math.NaN(), `"NaN"`},
	}
	for _, tc := range tests {
		raw, err := json.Marshal(Float(tc.in))
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(raw))

		var back Float
		require.NoError(t, json.Unmarshal(raw, &back))
		if math.IsNaN(tc.in) {
			assert.True(t, math.IsNaN(float64(back)))
		} else {
			assert.Equal(t, tc.in, float64(back))
		}
	}
}
