// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package network

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeTable_DefaultStartIsOne(t *testing.T) {
	tbl := NewNodeTable()
	id, ok := tbl.Lookup(DefaultStartNodeName)
	require.True(t, ok)
	assert.Equal(t, NodeID(1), id)
	assert.Equal(t, NodeID(1), tbl.DefaultStart())
	assert.Equal(t, 1, tbl.Len())
}

func TestNodeTable_Intern(t *testing.T) {
	tbl := NewNodeTable()

	a, err := tbl.Intern("alice")
	require.NoError(t, err)
	b, err := tbl.Intern("bob")
	require.NoError(t, err)
	again, err := tbl.Intern("alice")
	require.NoError(t, err)

	assert.Equal(t, NodeID(2), a)
	assert.Equal(t, NodeID(3), b)
	assert.Equal(t, a, again)

	name, err := tbl.Name(b)
	require.NoError(t, err)
	assert.Equal(t, "bob", name)

	name, err = tbl.Name(NullID)
	require.NoError(t, err)
	assert.Equal(t, "", name)

	_, err = tbl.Name(99)
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.Equal(t, "#99", tbl.MustName(99))
}

func TestNodeTable_InvalidNames(t *testing.T) {
	tbl := NewNodeTable()
	for _, name := range []string{"", "a b", "tab\there", "new\nline"} {
		_, err := tbl.Intern(name)
		assert.ErrorIs(t, err, ErrInvalidNode, "name %q", name)
	}
}

func TestNewArc(t *testing.T) {
	tests := []struct {
		name     string
		leader   NodeID
		follower NodeID
		wantErr  bool
	}{
		{"regular", 2, 3, false},
		{"null leader", NullID, 3, false},
		{"null follower", 2, NullID, false},
		{"both null", NullID, NullID, true},
		{"self loop", 4, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewArc(tt.leader, tt.follower)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArc)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSortArcs_ByName(t *testing.T) {
	tbl := NewNodeTable()
	z, _ := tbl.Intern("z")
	a, _ := tbl.Intern("a")
	m, _ := tbl.Intern("m")

	arcs := []Arc{{z, a}, {a, z}, {a, m}, {m, a}}
	SortArcs(tbl, arcs)

	assert.Equal(t, []Arc{{a, m}, {a, z}, {m, a}, {z, a}}, arcs)
}

func TestParse(t *testing.T) {
	input := strings.Join([]string{
		"# crawl of 2009",
		"a\tb",
		"b\tc",
		"",
		"a\tb",
		"c\tc",
		"a\tc",
	}, "\n")

	tbl := NewNodeTable()
	n, err := Parse(strings.NewReader(input), tbl, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, n.NumArcs())
	assert.Equal(t, 3, n.NumNodes())

	a, _ := tbl.Lookup("a")
	b, _ := tbl.Lookup("b")
	c, _ := tbl.Lookup("c")
	assert.ElementsMatch(t, []NodeID{b, c}, n.Followers(a))
	assert.ElementsMatch(t, []NodeID{a, b}, n.Leaders(c))
	assert.True(t, n.HasArc(Arc{a, c}))
	assert.False(t, n.HasArc(Arc{c, a}))
	assert.True(t, n.HasNode(c))
	assert.False(t, n.HasNode(tbl.DefaultStart()))
}

func TestParse_MalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("a\tb\nlonely\n"), NewNodeTable(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedLine)
	assert.Contains(t, err.Error(), "line 2")
}

func TestWriteTo_RoundTrip(t *testing.T) {
	tbl := NewNodeTable()
	n, err := Parse(strings.NewReader("b\ta\na\tb\na\tc\n"), tbl, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = n.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "a\tb\na\tc\nb\ta\n", buf.String())

	again, err := Parse(&buf, tbl, nil)
	require.NoError(t, err)
	assert.Equal(t, n.Arcs(), again.Arcs())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.txt")
	require.NoError(t, os.WriteFile(path, []byte("x\ty\n"), 0o644))

	n, err := Load(path, NewNodeTable(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n.NumArcs())

	_, err = Load(filepath.Join(dir, "missing.txt"), NewNodeTable(), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
