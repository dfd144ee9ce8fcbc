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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
)

const (
	fixtureNetwork = "a\tb\na\tc\nb\tc\nc\td\n"
	fixtureLog     = "\ta\t1\na\tb\t2\nb\tc\t3\n\ta\t1\n\tc\t5\nc\td\t6\n"
)

func newInputs(t *testing.T) (*network.Network, observation.SliceSource) {
	t.Helper()
	tbl := network.NewNodeTable()
	net, err := network.Parse(strings.NewReader(fixtureNetwork), tbl, nil)
	require.NoError(t, err)

	var src observation.SliceSource
	err = observation.Scan(context.Background(), strings.NewReader(fixtureLog), tbl, func(_ int, h *observation.History) error {
		src = append(src, h)
		return nil
	})
	require.NoError(t, err)
	return net, src
}

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_BadDiscardRatio(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCDiscardRatio = 1.5
	_, err := Open(cfg)
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	k1, err := Fingerprint("SelectByTimePrecedence", strings.NewReader("ab"), strings.NewReader("c"))
	require.NoError(t, err)
	k2, err := Fingerprint("SelectByTimePrecedence", strings.NewReader("ab"), strings.NewReader("c"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := Fingerprint("SelectByTimePrecedence", strings.NewReader("a"), strings.NewReader("bc"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := Fingerprint("SelectByTimePrecedenceWithDelayThreshold,10", strings.NewReader("ab"), strings.NewReader("c"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
	assert.Len(t, k1.String(), 16)
}

func TestFingerprintFiles(t *testing.T) {
	dir := t.TempDir()
	netPath := filepath.Join(dir, "net.txt")
	logPath := filepath.Join(dir, "log.txt")
	require.NoError(t, os.WriteFile(netPath, []byte(fixtureNetwork), 0o644))
	require.NoError(t, os.WriteFile(logPath, []byte(fixtureLog), 0o644))

	fromFiles, err := FingerprintFiles("p", netPath, logPath)
	require.NoError(t, err)
	fromReaders, err := Fingerprint("p", strings.NewReader(fixtureNetwork), strings.NewReader(fixtureLog))
	require.NoError(t, err)
	assert.Equal(t, fromReaders, fromFiles)

	_, err = FingerprintFiles("p", filepath.Join(dir, "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestIndexCache_PutGet(t *testing.T) {
	ctx := context.Background()
	net, src := newInputs(t)
	cache := NewIndexCache(openMemory(t), 0, nil)

	_, hit, err := cache.Get(ctx, Key(42), net, src, policy.Default())
	require.NoError(t, err)
	assert.False(t, hit)

	built := auxiliary.New(net, src, policy.Default(), nil)
	require.NoError(t, cache.Put(ctx, Key(42), built))

	restored, hit, err := cache.Get(ctx, Key(42), net, src, policy.Default())
	require.NoError(t, err)
	require.True(t, hit)

	want, err := built.Snapshot(ctx)
	require.NoError(t, err)
	got, err := restored.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, cache.Delete(ctx, Key(42)))
	_, hit, err = cache.Get(ctx, Key(42), net, src, policy.Default())
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestIndexCache_PolicyMismatch(t *testing.T) {
	ctx := context.Background()
	net, src := newInputs(t)
	cache := NewIndexCache(openMemory(t), 0, nil)
	require.NoError(t, cache.Put(ctx, Key(7), auxiliary.New(net, src, policy.Default(), nil)))

	_, _, err := cache.Get(ctx, Key(7), net, src, policy.TimePrecedenceWithDelay{Delay: 5})
	assert.ErrorIs(t, err, auxiliary.ErrPolicyMismatch)
}

func TestIndexCache_Load(t *testing.T) {
	ctx := context.Background()
	net, src := newInputs(t)
	cache := NewIndexCache(openMemory(t), time.Hour, nil)

	hits := testutil.ToFloat64(cacheLookups.WithLabelValues("hit"))
	misses := testutil.ToFloat64(cacheLookups.WithLabelValues("miss"))

	first, hit, err := cache.Load(ctx, Key(1), net, src, policy.Default())
	require.NoError(t, err)
	assert.False(t, hit)

	second, hit, err := cache.Load(ctx, Key(1), net, src, policy.Default())
	require.NoError(t, err)
	assert.True(t, hit)

	assert.Equal(t, misses+1, testutil.ToFloat64(cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, hits+1, testutil.ToFloat64(cacheLookups.WithLabelValues("hit")))

	n1, err := first.NumActions(ctx)
	require.NoError(t, err)
	n2, err := second.NumActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, n1, n2)

	c1, err := first.ChildNodes(ctx)
	require.NoError(t, err)
	c2, err := second.ChildNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func TestIndexCache_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	net, src := newInputs(t)

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	_, _, err = NewIndexCache(db, 0, nil).Load(ctx, Key(9), net, src, policy.Default())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, dir, db.Path())

	_, hit, err := NewIndexCache(db, 0, nil).Get(ctx, Key(9), net, src, policy.Default())
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestDB_CancelledContext(t *testing.T) {
	db := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cache := NewIndexCache(db, 0, nil)
	_, _, err := cache.Get(ctx, Key(1), nil, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
