// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress reports the advance of long passes through slog without
// flooding the log.
//
// A Logger prints a line when the pass starts, at most one line per
// interval while it runs, and a summary line when it stops:
//
//	pl := progress.New(logger, "actions", n)
//	pl.Start("computing activation times")
//	for ... {
//	    pl.Update()
//	}
//	pl.Stop("done computing activation times")
package progress

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum time between two progress lines.
const DefaultInterval = 10 * time.Second

// Logger counts updates of one pass and logs them at a bounded rate.
//
// Thread Safety: Update is safe for concurrent use. Start and Stop must not
// race with each other.
type Logger struct {
	logger   *slog.Logger
	unit     string
	expected int64
	interval time.Duration

	count     atomic.Int64
	started   time.Time
	sometimes *rate.Sometimes
}

// New creates a progress logger counting items of unit. expected may be 0
// when the total is unknown. A nil logger uses slog.Default().
func New(logger *slog.Logger, unit string, expected int) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		logger:   logger,
		unit:     unit,
		expected: int64(expected),
		interval: DefaultInterval,
	}
}

// WithInterval overrides the minimum time between progress lines.
func (l *Logger) WithInterval(d time.Duration) *Logger {
	l.interval = d
	return l
}

// Start resets the counter and logs msg.
func (l *Logger) Start(msg string) {
	l.count.Store(0)
	l.started = time.Now()
	l.sometimes = &rate.Sometimes{Interval: l.interval}
	// The first Do call always runs; consume it so the first Update does not log.
	l.sometimes.Do(func() {})
	l.logger.Info(msg, slog.String("unit", l.unit), slog.Int64("expected", l.expected))
}

// Update counts one item and logs progress if the interval has passed.
func (l *Logger) Update() {
	l.Add(1)
}

// Add counts n items.
func (l *Logger) Add(n int) {
	c := l.count.Add(int64(n))
	if l.sometimes == nil {
		return
	}
	l.sometimes.Do(func() {
		attrs := []any{
			slog.String("unit", l.unit),
			slog.Int64("done", c),
			slog.Duration("elapsed", time.Since(l.started).Round(time.Millisecond)),
		}
		if l.expected > 0 {
			attrs = append(attrs,
				slog.Int64("expected", l.expected),
				slog.Float64("percent", 100*float64(c)/float64(l.expected)),
			)
		}
		l.logger.Info("progress", attrs...)
	})
}

// Count returns the number of items counted since Start.
func (l *Logger) Count() int64 {
	return l.count.Load()
}

// Stop logs msg with the final count and elapsed time.
func (l *Logger) Stop(msg string) {
	l.logger.Info(msg,
		slog.String("unit", l.unit),
		slog.Int64("done", l.count.Load()),
		slog.Duration("elapsed", time.Since(l.started).Round(time.Millisecond)),
	)
}
