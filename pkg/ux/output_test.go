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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p := PlainPrinter(&buf)
	p.Table([]string{"Tag", "Count"}, [][]string{
		{"MT_LOAD", "12"},
		{"MT_INSN_EXEC", "3"},
	})
	assert.Equal(t, "Tag           Count\n"+
		"MT_LOAD       12\n"+
		"MT_INSN_EXEC  3\n", buf.String())
	assert.False(t, p.Styled())
}

func TestPlainPrinter_Lines(t *testing.T) {
	var buf bytes.Buffer
	p := PlainPrinter(&buf)
	p.Title("Trace")
	p.Success("index saved")
	p.Warning("stale table")
	p.Error(errors.New("boom"))
	p.KeyValue([][2]string{{"Endian", "<"}, {"Word size", "8"}})
	assert.Equal(t, "Trace\n"+
		"✓ index saved\n"+
		"⚠ stale table\n"+
		"✗ boom\n"+
		"Endian    : <\n"+
		"Word size : 8\n", buf.String())
}

func TestNewPrinter_NonTerminalIsPlain(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, NewPrinter(&buf).Styled())
}

func TestStyledPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, true)
	p.Table([]string{"Tag"}, [][]string{{"MT_STORE"}})
	assert.Contains(t, buf.String(), "MT_STORE")
	assert.Contains(t, buf.String(), "╭")
}

func TestNumberFormatting(t *testing.T) {
	assert.Equal(t, "42", Uint(42))
	assert.Equal(t, "25.0%", Percent(1, 4))
	assert.Equal(t, "-", Percent(1, 0))
}
