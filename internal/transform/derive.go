// Package transform derives extra columns from a retrieved ephemeris table:
// Julian dates, decimal-degree angles, kilometre distances, heliocentric
// distance from cartesian vectors and horizontal coordinates for a located
// observer.
//
// Method: horizontal coordinates use the local mean sidereal time from the
// IAU-82 GMST model and ignore nutation, parallax and refraction.
//
// Reference: Vallado, "Fundamentals of Astrodynamics and Applications", Ch. 3;
// Meeus, "Astronomical Algorithms", Ch. 13.
package transform

import (
	"math"
	"strconv"
	"strings"

	"github.com/star/ephemgo/internal/ephem"
)

// AU is the astronomical unit in kilometres (IAU 2012).
const AU = 149597870.7

// Options controls which optional derivations run.
type Options struct {
	// Location enables azimuth/elevation for tables that lack them.
	Location *Observer
}

// Derive adds derived columns to t in place. Each derivation runs only when
// its inputs are present and its output is absent; cells that fail to parse
// produce empty values.
func Derive(t *ephem.Table, opts Options) error {
	if t.Len() == 0 {
		return nil
	}
	steps := []func(*ephem.Table) error{
		deriveJulian,
		deriveAngle("ra", "ra_deg", true),
		deriveAngle("dec", "dec_deg", false),
		deriveAngle("lon", "lon_deg", false),
		deriveAngle("lat", "lat_deg", false),
		deriveKm("delta", "delta_km"),
		deriveKm("r", "r_km"),
		deriveRadius,
	}
	for _, step := range steps {
		if err := step(t); err != nil {
			return err
		}
	}
	if opts.Location != nil {
		if err := deriveHorizontal(t, *opts.Location); err != nil {
			return err
		}
		t.Meta["observer.location"] = opts.Location.String()
	}
	return nil
}

func formatFloat(v float64, prec int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func parseCell(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v, err == nil
}

func deriveJulian(t *ephem.Table) error {
	if t.HasColumn("jd") || !t.HasColumn("date") {
		return nil
	}
	times, err := t.Times()
	if err != nil {
		return nil
	}
	vals := make([]string, len(times))
	for i, ts := range times {
		vals[i] = formatFloat(JulianDate(ts), 6)
	}
	return t.AddColumn("jd", "d", vals)
}

func deriveAngle(src, dst string, hours bool) func(*ephem.Table) error {
	return func(t *ephem.Table) error {
		if !t.HasColumn(src) || t.HasColumn(dst) {
			return nil
		}
		unit := t.Units[src]
		vals := make([]string, t.Len())
		for i, r := range t.Rows {
			var v float64
			var err error
			if hours {
				v, err = RightAscensionDegrees(r[src], unit)
			} else {
				v, err = ParseSexagesimal(r[src])
			}
			if err != nil {
				continue
			}
			vals[i] = formatFloat(v, 8)
		}
		return t.AddColumn(dst, "deg", vals)
	}
}

func isAU(unit string) bool {
	return unit == "" || strings.EqualFold(unit, "au")
}

func deriveKm(src, dst string) func(*ephem.Table) error {
	return func(t *ephem.Table) error {
		if !t.HasColumn(src) || t.HasColumn(dst) || !isAU(t.Units[src]) {
			return nil
		}
		vals := make([]string, t.Len())
		for i, r := range t.Rows {
			if v, ok := parseCell(r[src]); ok {
				vals[i] = formatFloat(v*AU, 3)
			}
		}
		return t.AddColumn(dst, "km", vals)
	}
}

// deriveRadius computes the distance from the frame origin for cartesian
// tables, in the unit of the x column.
func deriveRadius(t *ephem.Table) error {
	if t.HasColumn("r") || !t.HasColumn("x") || !t.HasColumn("y") || !t.HasColumn("z") {
		return nil
	}
	vals := make([]string, t.Len())
	for i, r := range t.Rows {
		x, okX := parseCell(r["x"])
		y, okY := parseCell(r["y"])
		z, okZ := parseCell(r["z"])
		if okX && okY && okZ {
			vals[i] = formatFloat(math.Sqrt(x*x+y*y+z*z), 12)
		}
	}
	unit := t.Units["x"]
	if unit == "" {
		unit = "au"
	}
	if err := t.AddColumn("r", unit, vals); err != nil {
		return err
	}
	if isAU(unit) {
		return deriveKm("r", "r_km")(t)
	}
	return nil
}

func deriveHorizontal(t *ephem.Table, obs Observer) error {
	if t.HasColumn("azimuth") || !t.HasColumn("ra_deg") || !t.HasColumn("dec_deg") {
		return nil
	}
	times, err := t.Times()
	if err != nil {
		return nil
	}
	az := make([]string, t.Len())
	el := make([]string, t.Len())
	for i, r := range t.Rows {
		ra, okRA := parseCell(r["ra_deg"])
		dec, okDec := parseCell(r["dec_deg"])
		if !okRA || !okDec {
			continue
		}
		la := EquatorialToHorizontal(ra, dec, times[i], obs)
		az[i] = formatFloat(la.AzimuthDeg, 6)
		el[i] = formatFloat(la.ElevationDeg, 6)
	}
	if err := t.AddColumn("azimuth", "deg", az); err != nil {
		return err
	}
	return t.AddColumn("elevation", "deg", el)
}
