package miriade

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/star/ephemgo/internal/ephem"
)

// response is the top-level ephemcc JSON document. Samples stay raw so
// their key order can be recovered for the column list.
type response struct {
	SSO       map[string]any    `json:"sso"`
	CooSys    map[string]any    `json:"coosys"`
	Ephemeris map[string]any    `json:"ephemeris"`
	Unit      map[string]string `json:"unit"`
	Data      []json.RawMessage `json:"data"`
	Message   string            `json:"message"`
}

// columnAliases maps lower-cased ephemcc field names to canonical columns.
var columnAliases = map[string]string{
	"date":       "date",
	"jd":         "jd",
	"ra":         "ra",
	"dec":        "dec",
	"lambda":     "lon",
	"longitude":  "lon",
	"beta":       "lat",
	"latitude":   "lat",
	"px":         "x",
	"py":         "y",
	"pz":         "z",
	"x":          "x",
	"y":          "y",
	"z":          "z",
	"vx":         "vx",
	"vy":         "vy",
	"vz":         "vz",
	"dobs":       "delta",
	"distance":   "delta",
	"dhelio":     "r",
	"vmag":       "vmag",
	"phase":      "phase",
	"elong.":     "elong",
	"elong":      "elong",
	"azimuth":    "azimuth",
	"az":         "azimuth",
	"elevation":  "elevation",
	"altitude":   "elevation",
	"h":          "elevation",
	"dracosdec":  "dra_cosdec",
	"ddec":       "ddec",
	"rv":         "rv",
	"airmass":    "airmass",
	"hourangle":  "hour_angle",
	"hour angle": "hour_angle",
}

var defaultUnits = map[string]string{
	"delta":     "au",
	"r":         "au",
	"vmag":      "mag",
	"phase":     "deg",
	"elong":     "deg",
	"azimuth":   "deg",
	"elevation": "deg",
	"x":         "au",
	"y":         "au",
	"z":         "au",
	"vx":        "au/d",
	"vy":        "au/d",
	"vz":        "au/d",
	"jd":        "d",
}

// canonical returns the table column for an ephemcc field. In the ecliptic
// frame the service labels longitude/latitude as RA/DEC.
func canonical(key string, frame ephem.Frame) string {
	k := strings.ToLower(strings.TrimSpace(key))
	if frame == ephem.FrameEcliptic {
		switch k {
		case "ra":
			return "lon"
		case "dec":
			return "lat"
		}
	}
	if c, ok := columnAliases[k]; ok {
		return c
	}
	var b strings.Builder
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// Decode converts an ephemcc JSON body into a table for target.
func Decode(body []byte, target ephem.Target, frame ephem.Frame) (*ephem.Table, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var resp response
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decoding json: %v", ephem.ErrMalformedResponse, err)
	}
	if resp.Data == nil {
		msg := "no data array"
		if resp.Message != "" {
			msg = resp.Message
		}
		return nil, fmt.Errorf("%w: %s", ephem.ErrMalformedResponse, msg)
	}

	tbl := ephem.NewTable(target, Name, frame, nil)
	tbl.FetchedAt = time.Now().UTC()

	for i, raw := range resp.Data {
		keys, values, err := orderedObject(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: data[%d]: %v", ephem.ErrMalformedResponse, i, err)
		}
		row := make(ephem.Row, len(keys))
		for j, k := range keys {
			col := canonical(k, frame)
			if col == "date" {
				// With -output=--jd the service reports the epoch as a number.
				if _, err := strconv.ParseFloat(values[j], 64); err == nil {
					col = "jd"
				}
			}
			if !tbl.HasColumn(col) {
				tbl.Columns = append(tbl.Columns, col)
				if u, ok := resp.Unit[k]; ok && u != "" {
					tbl.Units[col] = u
				} else if u, ok := defaultUnits[col]; ok {
					tbl.Units[col] = u
				}
			}
			row[col] = values[j]
		}
		tbl.Append(row)
	}

	flattenMeta(tbl.Meta, "sso", resp.SSO)
	flattenMeta(tbl.Meta, "coosys", resp.CooSys)
	flattenMeta(tbl.Meta, "ephemeris", resp.Ephemeris)

	if err := tbl.Validate(); err != nil {
		return nil, err
	}
	return tbl, nil
}

// orderedObject decodes a flat JSON object preserving key order. Nested
// values are rendered as compact JSON.
func orderedObject(raw json.RawMessage) ([]string, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}

	var keys, values []string
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := kt.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected key token %v", kt)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", key, err)
		}
		keys = append(keys, key)
		values = append(values, cell(v))
	}
	return keys, values, nil
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func flattenMeta(dst map[string]string, prefix string, src map[string]any) {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s := cell(src[k]); s != "" {
			dst[prefix+"."+k] = s
		}
	}
}
