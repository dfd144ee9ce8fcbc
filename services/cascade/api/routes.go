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
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/cascadefit/services/cascade/telemetry"
)

// RegisterRoutes registers the /cascade endpoints on rg.
//
// Endpoints:
//
//	GET  /v1/cascade/health - Health check
//	GET  /v1/cascade/model - Model summary
//	GET  /v1/cascade/edges/:leader/:follower - One arc
//	GET  /v1/cascade/blocks/:node - One child block
//	POST /v1/cascade/sparsify - Run a sparsifier
//	GET  /v1/cascade/sparsify/:run_id - Summary of a finished run
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	cascade := rg.Group("/cascade")
	{
		cascade.GET("/health", h.HandleHealth)
		cascade.GET("/model", h.HandleModel)
		cascade.GET("/edges/:leader/:follower", h.HandleEdge)
		cascade.GET("/blocks/:node", h.HandleBlock)
		cascade.POST("/sparsify", h.HandleSparsify)
		cascade.GET("/sparsify/:run_id", h.HandleGetRun)
	}
}

// NewRouter builds the engine served by `cascadefit serve`: recovery,
// OTel tracing, request metrics, /metrics and the /v1 routes.
func NewRouter(h *Handlers, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(requestIDMiddleware())
	router.Use(metricsMiddleware(h.metrics))

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	RegisterRoutes(router.Group("/v1"), h)
	return router
}

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// requestIDMiddleware echoes the caller's X-Request-ID, or a fresh UUID,
// on every response.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		assignRequestID(c)
		c.Next()
	}
}

// assignRequestID returns the request ID of c, setting it on the first call.
func assignRequestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	c.Header(RequestIDHeader, id)
	return id
}

// metricsMiddleware records request counts and latency by route template,
// so path parameters do not blow up cardinality.
func metricsMiddleware(m *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("route", route),
			attribute.String("status", strconv.Itoa(c.Writer.Status())),
		)
		ctx := c.Request.Context()
		m.HTTPRequestsTotal.Add(ctx, 1, attrs)
		m.HTTPRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// NewServer wraps router in an http.Server with the given timeouts.
func NewServer(addr string, router http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
}
