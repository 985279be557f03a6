// Package horizons queries the JPL Horizons API. Observer tables serve the
// equatorial, ecliptic and horizontal frames; vector tables serve the
// cartesian frame. Results arrive as a text block embedded in JSON with the
// samples between $$SOE and $$EOE markers.
package horizons

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-querystring/query"

	"github.com/star/ephemgo/internal/ephem"
	"github.com/star/ephemgo/internal/httputil"
)

// Name identifies this provider in tables, logs and metrics.
const Name = "horizons"

const defaultURL = "https://ssd.jpl.nasa.gov/api/horizons.api"

const timeLayout = "2006-01-02 15:04:05"

// Config holds Horizons client settings.
type Config struct {
	URL          string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Client retrieves ephemerides from JPL Horizons.
type Client struct {
	url        string
	maxBody    int64
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Horizons client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		url:        cfg.URL,
		maxBody:    cfg.MaxBodyBytes,
		httpClient: httputil.NewClient(cfg.Timeout),
		logger:     logger.With("component", "horizons"),
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return Name
}

type params struct {
	Format     string `url:"format"`
	Command    string `url:"COMMAND"`
	ObjData    string `url:"OBJ_DATA"`
	MakeEphem  string `url:"MAKE_EPHEM"`
	EphemType  string `url:"EPHEM_TYPE"`
	Center     string `url:"CENTER"`
	StartTime  string `url:"START_TIME"`
	StopTime   string `url:"STOP_TIME"`
	StepSize   string `url:"STEP_SIZE"`
	Quantities string `url:"QUANTITIES,omitempty"`
	RefPlane   string `url:"REF_PLANE,omitempty"`
	VecTable   string `url:"VEC_TABLE,omitempty"`
	OutUnits   string `url:"OUT_UNITS,omitempty"`
	CSVFormat  string `url:"CSV_FORMAT"`
	AngFormat  string `url:"ANG_FORMAT,omitempty"`
	TimeDigits string `url:"TIME_DIGITS,omitempty"`
}

func quote(s string) string {
	return "'" + s + "'"
}

func buildParams(target ephem.Target, q ephem.Query) (params, error) {
	start, err := q.Start()
	if err != nil {
		return params{}, err
	}
	step, err := q.Interval()
	if err != nil {
		return params{}, err
	}
	stepSize, err := stepSize(step)
	if err != nil {
		return params{}, err
	}

	// Horizons wants an explicit stop time; a single sample still needs
	// a non-empty span, the extra row is trimmed after parsing.
	n := q.Steps - 1
	if n < 1 {
		n = 1
	}
	stop := start.Add(time.Duration(n) * step.Duration())

	p := params{
		Format:     "json",
		Command:    quote(Command(target)),
		ObjData:    quote("NO"),
		MakeEphem:  quote("YES"),
		Center:     quote(Center(q.Observer)),
		StartTime:  quote(start.Format(timeLayout)),
		StopTime:   quote(stop.Format(timeLayout)),
		StepSize:   quote(stepSize),
		CSVFormat:  quote("YES"),
		TimeDigits: quote("SECONDS"),
	}
	switch q.Frame {
	case ephem.FrameCartesian:
		p.EphemType = quote("VECTORS")
		p.RefPlane = quote("FRAME")
		p.VecTable = quote("2")
		p.OutUnits = quote("AU-D")
	case ephem.FrameEcliptic:
		p.EphemType = quote("OBSERVER")
		p.Quantities = quote("31,9,19,20,23,24")
		p.AngFormat = quote("DEG")
	case ephem.FrameHorizontal:
		p.EphemType = quote("OBSERVER")
		p.Quantities = quote("1,4,9,20")
		p.AngFormat = quote("DEG")
	default:
		p.EphemType = quote("OBSERVER")
		p.Quantities = quote("1,9,19,20,23,24")
		p.AngFormat = quote("DEG")
	}
	return p, nil
}

// stepSize renders a Step in Horizons syntax. Horizons has no seconds
// unit, so second steps must be whole minutes.
func stepSize(s ephem.Step) (string, error) {
	switch s.Unit {
	case 'd', 'h', 'm':
		return fmt.Sprintf("%d %c", s.N, s.Unit), nil
	}
	if s.N%60 != 0 {
		return "", fmt.Errorf("%w: horizons step %s is not a whole number of minutes", ephem.ErrInvalidQuery, s)
	}
	return fmt.Sprintf("%d m", s.N/60), nil
}

// majorBodies maps names to Horizons major-body IDs.
var majorBodies = map[string]string{
	"sun":     "10",
	"mercury": "199",
	"venus":   "299",
	"earth":   "399",
	"moon":    "301",
	"mars":    "499",
	"jupiter": "599",
	"saturn":  "699",
	"uranus":  "799",
	"neptune": "899",
	"pluto":   "999",
}

// Command renders the Horizons COMMAND value for a target. Numbered small
// bodies use "<n>;" so Horizons does not confuse them with major-body IDs.
func Command(t ephem.Target) string {
	if id, ok := majorBodies[strings.ToLower(t.Name)]; ok {
		return id
	}
	switch {
	case t.Type == ephem.TypeComet:
		return "DES=" + t.Name + ";CAP"
	case t.Number > 0:
		return strconv.Itoa(t.Number) + ";"
	}
	return t.Name + ";"
}

// Center renders the Horizons CENTER value for an observer code.
func Center(code string) string {
	code = strings.TrimSpace(code)
	switch strings.ToLower(code) {
	case "", "500", "geocenter":
		return "500@399"
	case "@sun", "sun", "@10":
		return "500@10"
	}
	if strings.Contains(code, "@") {
		return code
	}
	return code + "@399"
}

type apiResponse struct {
	Result    string         `json:"result"`
	Error     string         `json:"error"`
	Signature map[string]any `json:"signature"`
}

// Ephemeris fetches and parses a Horizons table for target.
func (c *Client) Ephemeris(ctx context.Context, target ephem.Target, q ephem.Query) (*ephem.Table, error) {
	p, err := buildParams(target, q)
	if err != nil {
		return nil, err
	}
	values, err := query.Values(p)
	if err != nil {
		return nil, fmt.Errorf("encoding horizons parameters: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, c.url+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	body, err := httputil.Do(ctx, c.httpClient, req, c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("horizons ephemeris for %s: %w", target.Name, err)
	}
	c.logger.Debug("ephemeris received",
		"target", target.Name,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: horizons json: %v", ephem.ErrMalformedResponse, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: horizons: %s", ephem.ErrMalformedResponse, strings.TrimSpace(resp.Error))
	}

	tbl, err := Parse(resp.Result, target, q.Frame)
	if err != nil {
		return nil, fmt.Errorf("horizons ephemeris for %s: %w", target.Name, err)
	}
	if tbl.Len() > q.Steps {
		tbl.Rows = tbl.Rows[:q.Steps]
	}
	if v, ok := resp.Signature["version"]; ok {
		tbl.Meta["signature.version"] = fmt.Sprint(v)
	}
	return tbl, nil
}
