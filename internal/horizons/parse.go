package horizons

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/star/ephemgo/internal/ephem"
)

// column describes how a Horizons CSV header maps onto the table.
type column struct {
	prefix string
	name   string
	unit   string
}

// headerColumns is matched in order against each trimmed header cell;
// the first matching prefix wins.
var headerColumns = []column{
	{"Date__(UT)", "date", ""},
	{"Date_________JDUT", "jd", "d"},
	{"JDTDB", "jd", "d"},
	{"Calendar Date", "date", ""},
	{"R.A.", "ra", "deg"},
	{"DEC", "dec", "deg"},
	{"ObsEcLon", "lon", "deg"},
	{"ObsEcLat", "lat", "deg"},
	{"Azi", "azimuth", "deg"},
	{"Elev", "elevation", "deg"},
	{"APmag", "vmag", "mag"},
	{"T-mag", "vmag", "mag"},
	{"S-brt", "surface_brightness", "mag/arcsec^2"},
	{"deldot", "deldot", "km/s"},
	{"delta", "delta", "au"},
	{"rdot", "rdot", "km/s"},
	{"r", "r", "au"},
	{"S-O-T", "elong", "deg"},
	{"/r", "elong_flag", ""},
	{"S-T-O", "phase", "deg"},
	{"VX", "vx", "au/d"},
	{"VY", "vy", "au/d"},
	{"VZ", "vz", "au/d"},
	{"X", "x", "au"},
	{"Y", "y", "au"},
	{"Z", "z", "au"},
}

// exactOnly marks short headers that must match exactly rather than by prefix.
var exactOnly = map[string]bool{"r": true, "X": true, "Y": true, "Z": true, "/r": true}

func lookupColumn(header string) (column, bool) {
	for _, c := range headerColumns {
		if exactOnly[c.prefix] {
			if header == c.prefix {
				return c, true
			}
			continue
		}
		if strings.HasPrefix(header, c.prefix) {
			return c, true
		}
	}
	return column{}, false
}

// Parse extracts the $$SOE/$$EOE block of a Horizons result into a table.
func Parse(result string, target ephem.Target, frame ephem.Frame) (*ephem.Table, error) {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(result))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading horizons result: %v", ephem.ErrMalformedResponse, err)
	}

	soe, eoe := -1, -1
	for i, l := range lines {
		switch strings.TrimSpace(l) {
		case "$$SOE":
			soe = i
		case "$$EOE":
			eoe = i
		}
	}
	if soe < 0 || eoe < soe {
		if strings.Contains(result, "No matches found") || strings.Contains(result, "Unknown target") {
			return nil, fmt.Errorf("%w: horizons has no match for %q", ephem.ErrTargetNotFound, target.Name)
		}
		return nil, fmt.Errorf("%w: horizons result has no $$SOE/$$EOE block", ephem.ErrMalformedResponse)
	}

	header := ""
	for i := soe - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if l == "" || strings.HasPrefix(l, "*") {
			continue
		}
		header = l
		break
	}
	if header == "" {
		return nil, fmt.Errorf("%w: horizons result has no header line", ephem.ErrMalformedResponse)
	}

	// index maps CSV position to table column; unmapped headers get a
	// sanitized name, blank headers (solar/lunar presence flags) are dropped.
	cells := strings.Split(header, ",")
	index := make([]string, len(cells))
	tbl := ephem.NewTable(target, Name, frame, nil)
	tbl.FetchedAt = time.Now().UTC()
	for i, h := range cells {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		c, ok := lookupColumn(h)
		if !ok {
			c = column{name: sanitize(h)}
		}
		if tbl.HasColumn(c.name) {
			continue
		}
		index[i] = c.name
		tbl.Columns = append(tbl.Columns, c.name)
		if c.unit != "" {
			tbl.Units[c.name] = c.unit
		}
	}

	for _, l := range lines[soe+1 : eoe] {
		if strings.TrimSpace(l) == "" {
			continue
		}
		fields := strings.Split(l, ",")
		row := make(ephem.Row, len(tbl.Columns))
		for i, f := range fields {
			if i >= len(index) || index[i] == "" {
				continue
			}
			v := strings.TrimSpace(f)
			if index[i] == "date" {
				v = strings.TrimSpace(strings.TrimPrefix(v, "A.D."))
			}
			row[index[i]] = v
		}
		tbl.Append(row)
	}

	if err := tbl.Validate(); err != nil {
		return nil, err
	}
	return tbl, nil
}

func sanitize(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
