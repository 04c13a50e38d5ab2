// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders memtrace command output: tables, titles and status
// lines, styled when the destination is a terminal and plain otherwise.
package ux

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Palette: deep ocean teals.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Printer writes styled output to one destination.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	w     io.Writer
	color bool
	r     *lipgloss.Renderer

	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	errorS  lipgloss.Style
	header  lipgloss.Style
	border  lipgloss.Style
}

// NewPrinter returns a Printer for w. Styling is on when w is a terminal
// and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	return newPrinter(w, isTerminal(w) && os.Getenv("NO_COLOR") == "")
}

// PlainPrinter returns a Printer that never styles.
func PlainPrinter(w io.Writer) *Printer {
	return newPrinter(w, false)
}

func newPrinter(w io.Writer, color bool) *Printer {
	r := lipgloss.NewRenderer(w)
	p := &Printer{w: w, color: color, r: r}
	p.title = r.NewStyle().Bold(true).Foreground(ColorTealBright)
	p.muted = r.NewStyle().Foreground(ColorSlate)
	p.success = r.NewStyle().Foreground(ColorSuccess)
	p.warning = r.NewStyle().Foreground(ColorWarning)
	p.errorS = r.NewStyle().Foreground(ColorError)
	p.header = r.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1)
	p.border = r.NewStyle().Foreground(ColorTealDeep)
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Styled reports whether output carries ANSI styling.
func (p *Printer) Styled() bool { return p.color }

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// Title prints a heading line.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w, p.render(p.title, text))
}

// Success prints a line prefixed with a check mark.
func (p *Printer) Success(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.render(p.success, string(IconSuccess)), text)
}

// Warning prints a line prefixed with a warning sign.
func (p *Printer) Warning(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.render(p.warning, string(IconWarning)), text)
}

// Error prints err prefixed with a cross.
func (p *Printer) Error(err error) {
	fmt.Fprintf(p.w, "%s %s\n", p.render(p.errorS, string(IconError)), err)
}

// KeyValue prints aligned "key : value" lines.
func (p *Printer) KeyValue(pairs [][2]string) {
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	for _, kv := range pairs {
		key := kv[0] + strings.Repeat(" ", width-len(kv[0]))
		fmt.Fprintf(p.w, "%s : %s\n", p.render(p.muted, key), kv[1])
	}
}

// Table prints rows under headers. Styled printers draw a rounded border;
// plain printers emit space-aligned columns.
func (p *Printer) Table(headers []string, rows [][]string) {
	if !p.color {
		p.plainTable(headers, rows)
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return p.r.NewStyle().Padding(0, 1)
		})
	fmt.Fprintln(p.w, t.Render())
}

func (p *Printer) plainTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], len(cell))
			}
		}
	}
	line := func(cells []string) {
		var b strings.Builder
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-len(cell)))
			}
		}
		fmt.Fprintln(p.w, b.String())
	}
	line(headers)
	for _, row := range rows {
		line(row)
	}
}

// Uint formats n in decimal.
func Uint(n uint64) string {
	return strconv.FormatUint(n, 10)
}

// Percent formats part/total with one decimal, or "-" when total is zero.
func Percent(part, total uint64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(part)*100/float64(total))
}
