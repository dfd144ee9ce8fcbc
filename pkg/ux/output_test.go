// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrinter_BufferIsPlain(t *testing.T) {
	assert.True(t, NewPrinter(&bytes.Buffer{}).Plain())

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, IsTerminal(f))
}

func TestSummary_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)
	p.Summary("Estimate", F("arcs", 12), F("log_likelihood", -3.5))
	assert.Equal(t, "# Estimate\narcs\t12\nlog_likelihood\t-3.5\n", buf.String())
}

func TestSummary_Styled(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{w: &buf}
	p.Summary("Estimate", F("arcs", 12), F("iterations", 4))

	out := buf.String()
	assert.Contains(t, out, "Estimate")
	assert.Contains(t, out, "arcs")
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "╭")
}

func TestStatusLines_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)
	p.Success("wrote model")
	p.Warning("no cascades")
	p.Error("failed")
	assert.Equal(t, "OK: wrote model\nWARN: no cascades\nERROR: failed\n", buf.String())
}

func TestList(t *testing.T) {
	var buf bytes.Buffer
	NewPlainPrinter(&buf).List("EM", "EMWithDelayThreshold")
	assert.Equal(t, "EM\nEMWithDelayThreshold\n", buf.String())

	buf.Reset()
	(&Printer{w: &buf}).List("EM")
	assert.Contains(t, buf.String(), "EM")
	assert.Contains(t, buf.String(), string(IconBullet))
}
