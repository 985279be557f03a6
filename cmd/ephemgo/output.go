package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/star/ephemgo/internal/ephem"
)

// Output formats for query results.
const (
	outputTable = "table"
	outputCSV   = "csv"
	outputJSON  = "json"
)

func validOutput(format string) error {
	switch format {
	case outputTable, outputCSV, outputJSON:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want %s, %s or %s)", format, outputTable, outputCSV, outputJSON)
}

type tableOutput struct {
	*ephem.Table
	Summary []ephem.ColumnStats `json:"summary,omitempty"`
}

// writeTables renders every table to w in the given format. JSON output is
// a single array so it stays machine readable across several targets.
func writeTables(w io.Writer, format string, tables []*ephem.Table, summary bool) error {
	switch format {
	case outputJSON:
		out := make([]tableOutput, len(tables))
		for i, t := range tables {
			out[i].Table = t
			if summary {
				out[i].Summary = t.Summary()
			}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case outputCSV:
		for i, t := range tables {
			if i > 0 {
				fmt.Fprintln(w)
			}
			if err := writeCSV(w, t); err != nil {
				return err
			}
		}
		return nil
	default:
		for i, t := range tables {
			if i > 0 {
				fmt.Fprintln(w)
			}
			writePretty(w, t, summary)
		}
		return nil
	}
}

// writeCSV writes a table as CSV preceded by a comment line naming the target.
func writeCSV(w io.Writer, t *ephem.Table) error {
	fmt.Fprintf(w, "# %s\n", describe(t))
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(t.Records()); err != nil {
		return fmt.Errorf("writing csv: %w", err)
	}
	return nil
}

func writePretty(w io.Writer, t *ephem.Table, summary bool) {
	fmt.Fprintln(w, describe(t))

	header := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
		if u := t.Units[c]; u != "" {
			header[i] = c + " (" + u + ")"
		}
	}
	records := t.Records()
	tw := newTableWriter(w)
	tw.SetHeader(header)
	tw.AppendBulk(records[1:])
	tw.Render()

	if !summary {
		return
	}
	stats := t.Summary()
	if len(stats) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = newTableWriter(w)
	tw.SetHeader([]string{"column", "unit", "min", "max", "mean", "stddev"})
	for _, s := range stats {
		tw.Append([]string{s.Column, s.Unit, num(s.Min), num(s.Max), num(s.Mean), num(s.StdDev)})
	}
	tw.Render()
}

func newTableWriter(w io.Writer) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetAutoWrapText(false)
	tw.SetBorder(false)
	tw.SetHeaderLine(true)
	tw.SetAlignment(tablewriter.ALIGN_RIGHT)
	return tw
}

func describe(t *ephem.Table) string {
	name := t.Target.Name
	if t.Target.Number > 0 {
		name = fmt.Sprintf("(%d) %s", t.Target.Number, name)
	}
	parts := []string{t.Provider, string(t.Frame), strconv.Itoa(t.Len()) + " rows"}
	return name + " [" + strings.Join(parts, ", ") + "]"
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}

// writeTargets renders resolver results.
func writeTargets(w io.Writer, format string, targets []ephem.Target) error {
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(targets)
	}
	rows := make([][]string, len(targets))
	for i, t := range targets {
		number := ""
		if t.Number > 0 {
			number = strconv.Itoa(t.Number)
		}
		rows[i] = []string{t.Name, number, t.Type, strings.Join(t.Aliases, ", ")}
	}
	if format == outputCSV {
		cw := csv.NewWriter(w)
		cw.Write([]string{"name", "number", "type", "aliases"})
		cw.WriteAll(rows)
		return cw.Error()
	}
	tw := newTableWriter(w)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetHeader([]string{"name", "number", "type", "aliases"})
	tw.AppendBulk(rows)
	tw.Render()
	return nil
}
