// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

const indexPrefix = "auxiliary/"

var tracer = otel.Tracer("cascadefit.storage")

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cascadefit",
	Subsystem: "index_cache",
	Name:      "lookups_total",
	Help:      "Auxiliary index cache lookups by outcome.",
}, []string{"outcome"})

// Key identifies one auxiliary index: the inputs it was built from and the
// policy spec.
type Key uint64

func (k Key) String() string {
	return fmt.Sprintf("%016x", uint64(k))
}

func (k Key) bytes() []byte {
	return []byte(indexPrefix + k.String())
}

// Fingerprint hashes the policy spec and the content of every input
// stream, in order. Each stream is length-delimited so that moving bytes
// from one input to the next changes the key.
func Fingerprint(policySpec string, inputs ...io.Reader) (Key, error) {
	h := xxhash.New()
	_, _ = h.WriteString(policySpec)
	var lenBuf [8]byte
	for i, r := range inputs {
		n, err := io.Copy(h, r)
		if err != nil {
			return 0, fmt.Errorf("fingerprint input %d: %w", i, err)
		}
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(n))
		_, _ = h.Write(lenBuf[:])
	}
	return Key(h.Sum64()), nil
}

// FingerprintFiles is Fingerprint over the named files.
func FingerprintFiles(policySpec string, paths ...string) (Key, error) {
	readers := make([]io.Reader, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return 0, fmt.Errorf("fingerprint: %w", err)
		}
		defer f.Close()
		readers = append(readers, f)
	}
	return Fingerprint(policySpec, readers...)
}

// IndexCache stores auxiliary index snapshots as JSON in BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type IndexCache struct {
	db     *DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewIndexCache creates a cache on db. Entries expire after ttl; 0 keeps
// them until the database is removed. A nil logger uses slog.Default().
func NewIndexCache(db *DB, ttl time.Duration, logger *slog.Logger) *IndexCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexCache{db: db, ttl: ttl, logger: logger}
}

// Get rebuilds the index stored under key against net and src.
//
// Outputs:
//
//	*auxiliary.Index - The index, or nil on a miss.
//	bool - Whether key was present.
//	error - Decode failures and auxiliary.ErrPolicyMismatch.
func (c *IndexCache) Get(ctx context.Context, key Key, net *network.Network, src observation.Source, pol policy.Policy) (*auxiliary.Index, bool, error) {
	var raw []byte
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key.bytes())
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("index cache get %s: %w", key, err)
	}

	var snap auxiliary.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, fmt.Errorf("index cache decode %s: %w", key, err)
	}
	idx, err := auxiliary.FromSnapshot(&snap, net, src, pol, c.logger)
	if err != nil {
		return nil, false, fmt.Errorf("index cache restore %s: %w", key, err)
	}
	return idx, true, nil
}

// Put stores idx under key, building it first if needed.
func (c *IndexCache) Put(ctx context.Context, key Key, idx *auxiliary.Index) error {
	snap, err := idx.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("index cache snapshot: %w", err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("index cache encode: %w", err)
	}
	return c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry(key.bytes(), raw)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (c *IndexCache) Delete(ctx context.Context, key Key) error {
	return c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(key.bytes())
	})
}

// Load returns the cached index for key, or builds one with pol and
// caches it.
//
// Description:
//
//	A hit skips the three passes over the observation log. A miss builds
//	the index in full and stores its snapshot. A failed store is logged
//	and does not fail the load, since the index itself is valid.
//
// Outputs:
//
//	*auxiliary.Index - A built index.
//	bool - True on a cache hit.
//	error - Build or decode failures.
//
// Thread Safety: Safe for concurrent use. Two concurrent misses on the
// same key both build; the later store wins.
func (c *IndexCache) Load(ctx context.Context, key Key, net *network.Network, src observation.Source, pol policy.Policy) (*auxiliary.Index, bool, error) {
	ctx, span := tracer.Start(ctx, "badger.IndexCache.Load")
	defer span.End()
	span.SetAttributes(attribute.String("key", key.String()), attribute.String("policy", pol.Spec()))

	idx, hit, err := c.Get(ctx, key, net, src, pol)
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(attribute.Bool("hit", hit))
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		c.logger.Info("auxiliary index loaded from cache", slog.String("key", key.String()))
		return idx, true, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	idx = auxiliary.New(net, src, pol, c.logger)
	if err := idx.Build(ctx); err != nil {
		return nil, false, err
	}
	if err := c.Put(ctx, key, idx); err != nil {
		c.logger.Warn("auxiliary index not cached",
			slog.String("key", key.String()),
			slog.String("error", err.Error()))
	}
	return idx, false, nil
}
