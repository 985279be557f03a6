// Package resolver turns user supplied Solar System object names or
// numbers into canonical designations using the SsODNet quaero service.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/star/ephemgo/internal/ephem"
	"github.com/star/ephemgo/internal/httputil"
)

const defaultURL = "https://api.ssodnet.imcce.fr/quaero/1/sso/search"

// Config holds resolver settings.
type Config struct {
	URL          string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Resolver looks up canonical target designations and memoizes them for
// the lifetime of the process. Safe for concurrent use.
type Resolver struct {
	url        string
	maxBody    int64
	httpClient *http.Client
	logger     *slog.Logger

	mu   sync.Mutex
	memo map[string]ephem.Target
}

// New creates a Resolver.
func New(cfg Config, logger *slog.Logger) *Resolver {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Resolver{
		url:        cfg.URL,
		maxBody:    cfg.MaxBodyBytes,
		httpClient: httputil.NewClient(cfg.Timeout),
		logger:     logger.With("component", "resolver"),
		memo:       make(map[string]ephem.Target),
	}
}

type searchResponse struct {
	Data  []entry `json:"data"`
	Total int     `json:"total"`
}

type entry struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Aliases []string `json:"aliases"`
}

// Resolve returns the canonical target for name. Names with no match
// return an error wrapping ephem.ErrTargetNotFound.
func (r *Resolver) Resolve(ctx context.Context, name string) (ephem.Target, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ephem.Target{}, fmt.Errorf("%w: empty target name", ephem.ErrInvalidQuery)
	}
	key := strings.ToLower(name)

	r.mu.Lock()
	t, ok := r.memo[key]
	r.mu.Unlock()
	if ok {
		return t, nil
	}

	req, err := http.NewRequest(http.MethodGet, r.url+"?"+url.Values{"q": {name}}.Encode(), nil)
	if err != nil {
		return ephem.Target{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := httputil.Do(ctx, r.httpClient, req, r.maxBody)
	if err != nil {
		return ephem.Target{}, fmt.Errorf("resolving %q: %w", name, err)
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ephem.Target{}, fmt.Errorf("%w: resolver json: %v", ephem.ErrMalformedResponse, err)
	}

	e, ok := pick(resp.Data, name)
	if !ok {
		return ephem.Target{}, fmt.Errorf("%w: %q", ephem.ErrTargetNotFound, name)
	}
	t = toTarget(e)

	r.logger.Debug("target resolved", "query", name, "name", t.Name, "number", t.Number, "type", t.Type)

	r.mu.Lock()
	r.memo[key] = t
	r.mu.Unlock()
	return t, nil
}

// pick prefers an entry whose name, id or alias matches the query exactly
// (case-insensitive) and falls back to the service's first result.
func pick(entries []entry, name string) (entry, bool) {
	if len(entries) == 0 {
		return entry{}, false
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) || strings.EqualFold(e.ID, name) {
			return e, true
		}
	}
	for _, e := range entries {
		for _, a := range e.Aliases {
			if strings.EqualFold(a, name) {
				return e, true
			}
		}
	}
	return entries[0], true
}

func toTarget(e entry) ephem.Target {
	name := e.Name
	if name == "" {
		name = e.ID
	}
	t := ephem.Target{
		Name:    name,
		Type:    e.Type,
		Aliases: e.Aliases,
	}
	// Minor planet numbers are the smallest numeric alias; larger numeric
	// aliases are SPK identifiers.
	if e.Type == ephem.TypeAsteroid || e.Type == ephem.TypeDwarfPlanet {
		for _, a := range e.Aliases {
			n, err := strconv.Atoi(a)
			if err != nil || n <= 0 {
				continue
			}
			if t.Number == 0 || n < t.Number {
				t.Number = n
			}
		}
	}
	return t
}
