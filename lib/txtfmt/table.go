//
// (C) Copyright 2019-2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

// Package txtfmt formats command output as aligned text.
package txtfmt

import (
	"io"
	"strings"
	"text/tabwriter"
)

// TableRow is a map of cell values keyed by column title.
type TableRow map[string]string

// Table is a set of rows printed under labeled columns.
type Table struct {
	titles []string
	rows   []TableRow
}

// NewTable returns an empty table with the given ordered columns.
func NewTable(titles ...string) *Table {
	return &Table{titles: titles}
}

// Append adds a row. Columns missing from the row print as "None".
func (t *Table) Append(row TableRow) {
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Write prints the column titles, an underline and every row.
func (t *Table) Write(w io.Writer) error {
	if len(t.titles) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	writeLine := func(cells func(string) string) {
		for _, title := range t.titles {
			io.WriteString(tw, cells(title)+"\t")
		}
		io.WriteString(tw, "\n")
	}

	writeLine(func(title string) string { return title })
	writeLine(func(title string) string { return strings.Repeat("-", len(title)) })
	for _, row := range t.rows {
		writeLine(func(title string) string {
			if val, ok := row[title]; ok {
				return val
			}
			return "None"
		})
	}
	return tw.Flush()
}
