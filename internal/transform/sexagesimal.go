package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSexagesimal parses "dd mm ss.s", "dd:mm:ss.s", "dd mm.m" or a plain
// decimal into a decimal value in the unit of the leading field. A leading
// sign applies to the whole value, so "-00 30 00" is -0.5.
func ParseSexagesimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty sexagesimal value")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ':' || r == '\t'
	})
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid sexagesimal value %q", s)
	}

	var v float64
	scale := 1.0
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid sexagesimal value %q: %w", s, err)
		}
		if f < 0 {
			return 0, fmt.Errorf("invalid sexagesimal value %q: negative component", s)
		}
		if i > 0 && f >= 60 {
			return 0, fmt.Errorf("invalid sexagesimal value %q: component %v >= 60", s, f)
		}
		v += f / scale
		scale *= 60
	}
	if neg {
		v = -v
	}
	return v, nil
}

// IsSexagesimal reports whether s has more than one field.
func IsSexagesimal(s string) bool {
	return len(strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return r == ' ' || r == ':' || r == '\t'
	})) > 1
}

// RightAscensionDegrees converts an RA cell to degrees. Sexagesimal values
// and values whose unit is hours are multiplied by 15.
func RightAscensionDegrees(s, unit string) (float64, error) {
	v, err := ParseSexagesimal(s)
	if err != nil {
		return 0, err
	}
	if IsSexagesimal(s) || unit == "h" || unit == "hours" {
		v *= 15
	}
	return v, nil
}

// FormatHMS renders degrees of right ascension as "hh mm ss.sss".
func FormatHMS(deg float64) string {
	h := normalizeDeg(deg) / 15
	hh := int(h)
	m := (h - float64(hh)) * 60
	mm := int(m)
	ss := (m - float64(mm)) * 60
	if ss >= 59.9995 {
		ss = 0
		mm++
	}
	if mm == 60 {
		mm = 0
		hh = (hh + 1) % 24
	}
	return fmt.Sprintf("%02d %02d %06.3f", hh, mm, ss)
}

func normalizeDeg(d float64) float64 {
	for d < 0 {
		d += 360
	}
	for d >= 360 {
		d -= 360
	}
	return d
}
