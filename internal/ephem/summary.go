package ephem

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ColumnStats summarizes one numeric column.
type ColumnStats struct {
	Column string  `json:"column"`
	Unit   string  `json:"unit,omitempty"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Summary returns statistics for every column whose values all parse as
// finite numbers. Non-numeric columns (dates, sexagesimal angles) and
// columns holding NaN or Inf are skipped.
func (t *Table) Summary() []ColumnStats {
	if len(t.Rows) == 0 {
		return nil
	}
	var out []ColumnStats
	for _, c := range t.Columns {
		vals, err := t.Floats(c)
		if err != nil || !finite(vals) {
			continue
		}
		mean, std := stat.MeanStdDev(vals, nil)
		if len(vals) < 2 {
			std = 0
		}
		out = append(out, ColumnStats{
			Column: c,
			Unit:   t.Units[c],
			Min:    floats.Min(vals),
			Max:    floats.Max(vals),
			Mean:   mean,
			StdDev: std,
		})
	}
	return out
}

func finite(vals []float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
