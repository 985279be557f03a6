package ephem

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Row is one time sample keyed by column name.
type Row map[string]string

// Table is a row-oriented ephemeris: one row per requested sample.
type Table struct {
	Target    Target            `json:"target"`
	Provider  string            `json:"provider"`
	Frame     Frame             `json:"frame"`
	FetchedAt time.Time         `json:"fetched_at"`
	Columns   []string          `json:"columns"`
	Units     map[string]string `json:"units,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	Rows      []Row             `json:"rows"`
}

// NewTable creates an empty table with the given column order.
func NewTable(target Target, provider string, frame Frame, columns []string) *Table {
	return &Table{
		Target:   target,
		Provider: provider,
		Frame:    frame,
		Columns:  slices.Clone(columns),
		Units:    make(map[string]string),
		Meta:     make(map[string]string),
	}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// HasColumn reports whether name is one of the table's columns.
func (t *Table) HasColumn(name string) bool {
	return slices.Contains(t.Columns, name)
}

// Append adds a row. Keys outside the column list are ignored on output.
func (t *Table) Append(r Row) {
	t.Rows = append(t.Rows, r)
}

// Column returns the raw values of a column, one per row.
func (t *Table) Column(name string) ([]string, error) {
	if !t.HasColumn(name) {
		return nil, fmt.Errorf("column %q not in table", name)
	}
	out := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[name]
	}
	return out, nil
}

// Floats parses a column as float64 values.
func (t *Table) Floats(name string) ([]float64, error) {
	raw, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, s := range raw {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("column %q row %d: %w", name, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// AddColumn appends a column with its values. values must have one entry
// per row. Adding an existing column replaces its values.
func (t *Table) AddColumn(name, unit string, values []string) error {
	if len(values) != len(t.Rows) {
		return fmt.Errorf("column %q has %d values for %d rows", name, len(values), len(t.Rows))
	}
	if !t.HasColumn(name) {
		t.Columns = append(t.Columns, name)
	}
	if unit != "" {
		if t.Units == nil {
			t.Units = make(map[string]string)
		}
		t.Units[name] = unit
	}
	for i, v := range values {
		t.Rows[i][name] = v
	}
	return nil
}

// Times returns the sample timestamps, read from the date column when
// present and from the Julian date column otherwise.
func (t *Table) Times() ([]time.Time, error) {
	if t.HasColumn("date") {
		raw, _ := t.Column("date")
		out := make([]time.Time, len(raw))
		for i, s := range raw {
			s = strings.TrimSpace(s)
			if s == "" || strings.EqualFold(s, "now") {
				return nil, fmt.Errorf("row %d: empty date", i)
			}
			ts, err := ParseEpoch(s, time.Time{})
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			out[i] = ts
		}
		return out, nil
	}
	jds, err := t.Floats("jd")
	if err != nil {
		return nil, fmt.Errorf("table has no time column: %w", err)
	}
	out := make([]time.Time, len(jds))
	for i, jd := range jds {
		out[i] = FromJulian(jd)
	}
	return out, nil
}

// Select returns a copy of the table restricted to fields, in the given
// order. An empty selection returns the table unchanged.
func (t *Table) Select(fields []string) (*Table, error) {
	if len(fields) == 0 {
		return t, nil
	}
	for _, f := range fields {
		if !t.HasColumn(f) {
			return nil, fmt.Errorf("%w: field %q not available (have %s)", ErrInvalidQuery, f, strings.Join(t.Columns, ", "))
		}
	}
	out := NewTable(t.Target, t.Provider, t.Frame, fields)
	out.FetchedAt = t.FetchedAt
	for k, v := range t.Meta {
		out.Meta[k] = v
	}
	for _, f := range fields {
		if u, ok := t.Units[f]; ok {
			out.Units[f] = u
		}
	}
	out.Rows = make([]Row, len(t.Rows))
	for i, r := range t.Rows {
		nr := make(Row, len(fields))
		for _, f := range fields {
			nr[f] = r[f]
		}
		out.Rows[i] = nr
	}
	return out, nil
}

// Validate checks that every column required by the table's frame exists
// and that the table is not empty.
func (t *Table) Validate() error {
	if len(t.Rows) == 0 {
		return fmt.Errorf("%w: no rows", ErrMalformedResponse)
	}
	for _, c := range t.Frame.RequiredColumns() {
		if !t.HasColumn(c) {
			return fmt.Errorf("%w: missing column %q for %s frame", ErrMalformedResponse, c, t.Frame)
		}
	}
	return nil
}

// Records returns the header followed by one record per row, in column
// order. Used by the CSV writers.
func (t *Table) Records() [][]string {
	out := make([][]string, 0, len(t.Rows)+1)
	out = append(out, slices.Clone(t.Columns))
	for _, r := range t.Rows {
		rec := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			rec[i] = r[c]
		}
		out = append(out, rec)
	}
	return out
}
