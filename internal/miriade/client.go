// Package miriade queries the IMCCE Miriade ephemeris service (ephemcc).
//
// Requests are HTTP POSTs of form parameters; the service answers with a
// JSON document holding a "data" array of samples plus metadata about the
// object, the coordinate system and the units of each field.
package miriade

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-querystring/query"

	"github.com/star/ephemgo/internal/ephem"
	"github.com/star/ephemgo/internal/httputil"
)

// Name identifies this provider in tables, logs and metrics.
const Name = "miriade"

const defaultURL = "https://ssp.imcce.fr/webservices/miriade/api/ephemcc.php"

// Config holds Miriade client settings.
type Config struct {
	URL          string
	Timeout      time.Duration
	MaxBodyBytes int64
	Theory       string // planetary theory, e.g. INPOP
}

// Client retrieves ephemerides from Miriade.
type Client struct {
	url        string
	theory     string
	maxBody    int64
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Miriade client. Unset fields fall back to the public
// service endpoint and a 60 second timeout.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Theory == "" {
		cfg.Theory = "INPOP"
	}
	return &Client{
		url:        cfg.URL,
		theory:     cfg.Theory,
		maxBody:    cfg.MaxBodyBytes,
		httpClient: httputil.NewClient(cfg.Timeout),
		logger:     logger.With("component", "miriade"),
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return Name
}

// params is the ephemcc form. Field names follow the service's dash-prefixed
// option names.
type params struct {
	Name     string `url:"-name"`
	Type     string `url:"-type,omitempty"`
	Epoch    string `url:"-ep"`
	Steps    int    `url:"-nbd"`
	Step     string `url:"-step"`
	TScale   string `url:"-tscale"`
	Observer string `url:"-observer"`
	Theory   string `url:"-theory"`
	TEph     int    `url:"-teph"`
	TCoor    int    `url:"-tcoor"`
	RPlane   int    `url:"-rplane,omitempty"`
	Mime     string `url:"-mime"`
	From     string `url:"-from"`
}

func (c *Client) buildParams(target ephem.Target, q ephem.Query) params {
	p := params{
		Name:     designation(target),
		Type:     target.Type,
		Epoch:    q.Epoch,
		Steps:    q.Steps,
		Step:     q.Step,
		TScale:   "UTC",
		Observer: observer(q.Observer),
		Theory:   c.theory,
		TEph:     1,
		Mime:     "json",
		From:     "ephemgo",
	}
	switch q.Frame {
	case ephem.FrameEcliptic:
		p.TCoor, p.RPlane = 1, 2
	case ephem.FrameCartesian:
		p.TCoor, p.RPlane = 2, 1
	case ephem.FrameHorizontal:
		p.TCoor = 3
	default:
		p.TCoor, p.RPlane = 1, 1
	}
	return p
}

// Ephemeris submits a normalized query for target and decodes the reply.
func (c *Client) Ephemeris(ctx context.Context, target ephem.Target, q ephem.Query) (*ephem.Table, error) {
	form, err := query.Values(c.buildParams(target, q))
	if err != nil {
		return nil, fmt.Errorf("encoding miriade parameters: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	body, err := httputil.Do(ctx, c.httpClient, req, c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("miriade ephemeris for %s: %w", target.Name, err)
	}
	c.logger.Debug("ephemeris received",
		"target", target.Name,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	tbl, err := Decode(body, target, q.Frame)
	if err != nil {
		return nil, fmt.Errorf("miriade ephemeris for %s: %w", target.Name, err)
	}
	if tbl.Len() != q.Steps {
		c.logger.Warn("row count differs from requested steps",
			"target", target.Name, "rows", tbl.Len(), "steps", q.Steps)
	}
	return tbl, nil
}

// designation prefixes the target name with the ephemcc object class.
func designation(t ephem.Target) string {
	prefix := "a:"
	switch t.Type {
	case ephem.TypePlanet:
		prefix = "p:"
	case ephem.TypeDwarfPlanet:
		prefix = "dp:"
	case ephem.TypeComet:
		prefix = "c:"
	case ephem.TypeSatellite:
		prefix = "s:"
	}
	return prefix + t.Name
}

// observer maps the heliocentric marker to the ephemcc convention and
// passes observatory codes through.
func observer(code string) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "@sun", "@10", "500@10", "sun":
		return "@sun"
	case "", "geocenter", "@399", "500@399":
		return "500"
	}
	return code
}
