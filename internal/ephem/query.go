// Package ephem holds the domain types shared by the ephemeris providers,
// the name resolver, the local cache and the query client.
package ephem

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MaxSteps bounds the number of samples a single query may request.
const MaxSteps = 5000

// EpochLayout is the canonical text form of a query epoch. Fractional
// seconds are kept up to the millisecond.
const EpochLayout = "2006-01-02T15:04:05.999"

// Julian Dates outside this range are rejected as typos, e.g. a bare year.
const (
	minJulianDate = 1e6
	maxJulianDate = 1e7
)

// jdUnixEpoch is the Julian Date of 1970-01-01T00:00:00 UTC.
const jdUnixEpoch = 2440587.5

// Frame selects the reference system positions are reported in.
type Frame string

const (
	FrameEquatorial Frame = "equatorial"
	FrameEcliptic   Frame = "ecliptic"
	FrameCartesian  Frame = "cartesian"
	FrameHorizontal Frame = "horizontal"
)

// ParseFrame converts a frame name to a Frame. The empty string selects
// the equatorial frame.
func ParseFrame(s string) (Frame, error) {
	switch Frame(strings.ToLower(strings.TrimSpace(s))) {
	case "", FrameEquatorial:
		return FrameEquatorial, nil
	case FrameEcliptic:
		return FrameEcliptic, nil
	case FrameCartesian:
		return FrameCartesian, nil
	case FrameHorizontal:
		return FrameHorizontal, nil
	}
	return "", fmt.Errorf("%w: unknown coordinate frame %q", ErrInvalidQuery, s)
}

// RequiredColumns returns the canonical columns a table in this frame must carry.
func (f Frame) RequiredColumns() []string {
	switch f {
	case FrameCartesian:
		return []string{"x", "y", "z"}
	case FrameEcliptic:
		return []string{"lon", "lat"}
	case FrameHorizontal:
		return []string{"azimuth", "elevation"}
	default:
		return []string{"ra", "dec"}
	}
}

// Step is a sampling interval such as 5d or 1h.
type Step struct {
	N    int
	Unit byte // one of d, h, m, s
}

// ParseStep parses "<n><unit>" with an optional space between the count
// and the unit, e.g. "5d", "10 m".
func ParseStep(s string) (Step, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return Step{}, fmt.Errorf("%w: step %q", ErrInvalidQuery, s)
	}
	unit := s[len(s)-1]
	switch unit {
	case 'd', 'h', 'm', 's':
	default:
		return Step{}, fmt.Errorf("%w: step %q has unknown unit %q", ErrInvalidQuery, s, string(unit))
	}
	n, err := strconv.Atoi(strings.TrimSpace(s[:len(s)-1]))
	if err != nil || n < 1 {
		return Step{}, fmt.Errorf("%w: step %q must be a positive count followed by d, h, m or s", ErrInvalidQuery, s)
	}
	return Step{N: n, Unit: unit}, nil
}

// Duration returns the interval as a time.Duration.
func (s Step) Duration() time.Duration {
	var unit time.Duration
	switch s.Unit {
	case 'd':
		unit = 24 * time.Hour
	case 'h':
		unit = time.Hour
	case 'm':
		unit = time.Minute
	default:
		unit = time.Second
	}
	return time.Duration(s.N) * unit
}

func (s Step) String() string {
	return strconv.Itoa(s.N) + string(s.Unit)
}

// Query is the set of recognized options for one ephemeris request.
type Query struct {
	Target   string   `json:"target"`
	Epoch    string   `json:"epoch"`
	Steps    int      `json:"steps"`
	Step     string   `json:"step"`
	Observer string   `json:"observer"`
	Frame    Frame    `json:"frame"`
	Fields   []string `json:"fields,omitempty"`

	// current is set by Normalize when the epoch defaulted to the clock.
	current bool
}

// Defaults used by Normalize for unset fields.
const (
	DefaultSteps    = 10
	DefaultStep     = "1d"
	DefaultObserver = "500"
)

// Normalize returns a copy of q with defaults filled in and the epoch
// rewritten in EpochLayout. An epoch of "now" (or empty) resolves against
// the supplied clock.
func (q Query) Normalize(now time.Time) (Query, error) {
	out := q
	out.Target = strings.TrimSpace(q.Target)
	if out.Target == "" {
		return Query{}, fmt.Errorf("%w: target is required", ErrInvalidQuery)
	}
	if out.Steps == 0 {
		out.Steps = DefaultSteps
	}
	if out.Steps < 1 || out.Steps > MaxSteps {
		return Query{}, fmt.Errorf("%w: steps must be between 1 and %d, got %d", ErrInvalidQuery, MaxSteps, out.Steps)
	}
	if out.Step == "" {
		out.Step = DefaultStep
	}
	step, err := ParseStep(out.Step)
	if err != nil {
		return Query{}, err
	}
	out.Step = step.String()
	if out.Observer == "" {
		out.Observer = DefaultObserver
	}
	frame, err := ParseFrame(string(out.Frame))
	if err != nil {
		return Query{}, err
	}
	out.Frame = frame

	start, err := ParseEpoch(q.Epoch, now)
	if err != nil {
		return Query{}, err
	}
	out.Epoch = start.Format(EpochLayout)
	out.current = isNow(q.Epoch)
	return out, nil
}

// Start returns the parsed start time of a normalized query.
func (q Query) Start() (time.Time, error) {
	return ParseEpoch(q.Epoch, time.Now())
}

// Interval returns the parsed sampling step.
func (q Query) Interval() (Step, error) {
	return ParseStep(q.Step)
}

// Fingerprint identifies the request a table answers. Output field
// selection is excluded because it does not change what is fetched. A
// query whose epoch defaulted to the clock fingerprints as "now", so a
// later run with default options finds the same entry.
func (q Query) Fingerprint() string {
	epoch := q.Epoch
	if q.current {
		epoch = "now"
	}
	key := strings.Join([]string{
		strings.ToLower(q.Target),
		epoch,
		strconv.Itoa(q.Steps),
		q.Step,
		q.Observer,
		string(q.Frame),
	}, "|")
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

var epochLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	EpochLayout,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-Jan-02 15:04:05.999999999",
	"2006-Jan-02 15:04",
}

// ParseEpoch accepts ISO-8601 style timestamps, Julian dates and "now".
// Times without a zone are UTC.
func ParseEpoch(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if isNow(s) {
		return now.UTC().Truncate(time.Second), nil
	}
	if jd, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(jd) || jd < minJulianDate || jd > maxJulianDate {
			return time.Time{}, fmt.Errorf("%w: julian date %q out of range [%.0f, %.0f]", ErrInvalidQuery, s, minJulianDate, maxJulianDate)
		}
		return FromJulian(jd), nil
	}
	for _, layout := range epochLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized epoch %q", ErrInvalidQuery, s)
}

func isNow(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, "now")
}

// FromJulian converts a Julian Date to UTC, rounded to the millisecond.
func FromJulian(jd float64) time.Time {
	ms := math.Round((jd - jdUnixEpoch) * 86400e3)
	return time.UnixMilli(int64(ms)).UTC()
}

// Target is a canonical designation returned by a name resolver.
type Target struct {
	Name    string   `json:"name"`
	Number  int      `json:"number,omitempty"`
	Type    string   `json:"type"`
	Aliases []string `json:"aliases,omitempty"`
}

// Common target types as reported by the resolver.
const (
	TypeAsteroid    = "Asteroid"
	TypeDwarfPlanet = "Dwarf Planet"
	TypeComet       = "Comet"
	TypePlanet      = "Planet"
	TypeSatellite   = "Satellite"
)

// Provider fetches an ephemeris table for a resolved target.
type Provider interface {
	Name() string
	Ephemeris(ctx context.Context, target Target, q Query) (*Table, error)
}

// Resolver maps a user supplied identifier to a canonical target.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Target, error)
}
