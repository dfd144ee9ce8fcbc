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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
)

func ids(t *testing.T, tbl *network.NodeTable, names ...string) []network.NodeID {
	t.Helper()
	out := make([]network.NodeID, len(names))
	for i, n := range names {
		id, err := tbl.Intern(n)
		require.NoError(t, err)
		out[i] = id
	}
	return out
}

func ev(l, f network.NodeID, ts int64) Event {
	return Event{Arc: network.Arc{Leader: l, Follower: f}, Timestamp: ts}
}

func TestNewHistory_SortsWhenUnsorted(t *testing.T) {
	tbl := network.NewNodeTable()
	n := ids(t, tbl, "a", "b", "c")

	h, err := NewHistory("", []Event{
		ev(n[0], n[2], 9),
		ev(network.NullID, n[0], 1),
		ev(n[0], n[1], 5),
	})
	require.NoError(t, err)
	assert.Equal(t, "a-(5)->b-(9)->c", h.Format(tbl))
}

func TestNewHistory_KeepsTiesWhenSorted(t *testing.T) {
	tbl := network.NewNodeTable()
	n := ids(t, tbl, "a", "b", "c")

	h, err := NewHistory("", []Event{
		ev(network.NullID, n[0], 1),
		ev(n[0], n[2], 3),
		ev(n[0], n[1], 3),
	})
	require.NoError(t, err)
	assert.Equal(t, "a-(3)->c-(3)->b", h.Format(tbl))
}

func TestNewHistory_Invalid(t *testing.T) {
	tbl := network.NewNodeTable()
	n := ids(t, tbl, "a", "b", "c")

	tests := []struct {
		name   string
		events []Event
	}{
		{"duplicate arc", []Event{ev(network.NullID, n[0], 1), ev(n[0], n[1], 2), ev(n[0], n[1], 3)}},
		{"inactive parent", []Event{ev(network.NullID, n[0], 1), ev(n[1], n[2], 2)}},
		{"child activated twice", []Event{ev(network.NullID, n[0], 1), ev(network.NullID, n[1], 2), ev(n[1], n[0], 3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHistory("", tt.events)
			assert.ErrorIs(t, err, ErrInvalidHistory)
		})
	}
}

func TestHistory_ActivationTimes(t *testing.T) {
	tbl := network.NewNodeTable()
	n := ids(t, tbl, "a", "b")

	h, err := NewHistory("x", []Event{ev(network.NullID, n[0], 4), ev(n[0], n[1], 7)})
	require.NoError(t, err)

	times := h.ActivationTimes()
	ta, ok := times.Get(n[0])
	require.True(t, ok)
	assert.Equal(t, int64(4), ta)
	assert.Equal(t, int64(7), times[n[1]])
	_, ok = times.Get(tbl.DefaultStart())
	assert.False(t, ok)
	assert.Equal(t, "x", h.Description())
	assert.Equal(t, 2, h.Len())
}

func TestParseEvent(t *testing.T) {
	tbl := network.NewNodeTable()

	e, err := ParseEvent(tbl, "\talice\t10")
	require.NoError(t, err)
	assert.Equal(t, network.NullID, e.Leader)
	assert.Equal(t, "alice", tbl.MustName(e.Follower))
	assert.Equal(t, int64(10), e.Timestamp)

	e, err = ParseEvent(tbl, "alice\tbob\t12")
	require.NoError(t, err)
	assert.Equal(t, "alice\tbob\t12", e.Format(tbl))

	_, err = ParseEvent(tbl, "alice\tbob")
	assert.ErrorIs(t, err, ErrMalformedEvent)
	_, err = ParseEvent(tbl, "alice\tbob\tsoon")
	assert.ErrorIs(t, err, ErrMalformedEvent)
	_, err = ParseEvent(tbl, "alice\talice\t3")
	assert.ErrorIs(t, err, network.ErrInvalidArc)
}

const sampleLog = `# two memes
@first meme
	a	1
a	b	2
a	c	3
	d	5
d	a	6

@third
	b	1
`

func writeLog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obs.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReader(t *testing.T) {
	tbl := network.NewNodeTable()
	r, err := NewReader(writeLog(t, sampleLog), tbl)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Size())

	var got []string
	var descs []string
	var actions []int
	err = r.ForEach(context.Background(), func(action int, h *History) error {
		actions = append(actions, action)
		got = append(got, h.Format(tbl))
		descs = append(descs, h.Description())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, actions)
	assert.Equal(t, []string{"a-(2)->b-(3)->c", "d-(6)->a", "b"}, got)
	assert.Equal(t, []string{"first meme", "", "third"}, descs)

	again, err := Collect(context.Background(), r)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

func TestReader_NotFound(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "nope"), network.NewNodeTable())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReader_InvalidCascade(t *testing.T) {
	tbl := network.NewNodeTable()
	r, err := NewReader(writeLog(t, "\ta\t1\nb\tc\t2\n"), tbl)
	require.NoError(t, err)

	err = r.ForEach(context.Background(), func(int, *History) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidHistory)
}

func TestReader_StopsOnCallbackError(t *testing.T) {
	tbl := network.NewNodeTable()
	r, err := NewReader(writeLog(t, sampleLog), tbl)
	require.NoError(t, err)

	stop := errors.New("stop")
	calls := 0
	err = r.ForEach(context.Background(), func(int, *History) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestSliceSource_Cancelled(t *testing.T) {
	tbl := network.NewNodeTable()
	n := ids(t, tbl, "a")
	h, err := NewHistory("", []Event{ev(network.NullID, n[0], 0)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = SliceSource{h}.ForEach(ctx, func(int, *History) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteHistory_RoundTrip(t *testing.T) {
	tbl := network.NewNodeTable()
	var buf bytes.Buffer
	err := Scan(context.Background(), strings.NewReader(sampleLog), tbl, func(_ int, h *History) error {
		return WriteHistory(&buf, tbl, h)
	})
	require.NoError(t, err)

	var again []string
	err = Scan(context.Background(), &buf, tbl, func(_ int, h *History) error {
		again = append(again, h.Description()+":"+h.Format(tbl))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first meme:a-(2)->b-(3)->c", ":d-(6)->a", "third:b"}, again)
}
