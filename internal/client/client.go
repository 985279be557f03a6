// Package client runs ephemeris queries end to end: it resolves the target,
// consults the local cache, calls the selected provider, derives extra
// columns and stores the result.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/star/ephemgo/internal/cache"
	"github.com/star/ephemgo/internal/ephem"
	"github.com/star/ephemgo/internal/metrics"
	"github.com/star/ephemgo/internal/transform"
)

// Config holds client settings.
type Config struct {
	// DefaultProvider is used when Options.Provider is empty.
	DefaultProvider string
	// Location enables derived azimuth/elevation columns.
	Location *transform.Observer
}

// Options tune a single Fetch.
type Options struct {
	Provider string
	// Refresh bypasses the cache lookup; the result is still stored.
	Refresh bool
}

// Client executes queries. Safe for concurrent use if its provider,
// resolver and store are.
type Client struct {
	resolver        ephem.Resolver
	providers       map[string]ephem.Provider
	defaultProvider string
	store           cache.Store
	location        *transform.Observer
	logger          *slog.Logger
	now             func() time.Time
}

// New creates a Client. resolver and store may be nil: without a resolver
// the target name is passed to the provider as typed, without a store
// every query goes to the network.
func New(resolver ephem.Resolver, providers []ephem.Provider, store cache.Store, cfg Config, logger *slog.Logger) (*Client, error) {
	if len(providers) == 0 {
		return nil, errors.New("client needs at least one provider")
	}
	byName := make(map[string]ephem.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	def := cfg.DefaultProvider
	if def == "" {
		def = providers[0].Name()
	}
	if _, ok := byName[def]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", def)
	}
	return &Client{
		resolver:        resolver,
		providers:       byName,
		defaultProvider: def,
		store:           store,
		location:        cfg.Location,
		logger:          logger.With("component", "client"),
		now:             time.Now,
	}, nil
}

// Providers returns the configured provider names, sorted.
func (c *Client) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for n := range c.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultProvider returns the provider used when none is requested.
func (c *Client) DefaultProvider() string {
	return c.defaultProvider
}

// Resolve looks up the canonical designation for name.
func (c *Client) Resolve(ctx context.Context, name string) (ephem.Target, error) {
	if c.resolver == nil {
		return ephem.Target{Name: strings.TrimSpace(name)}, nil
	}
	return c.resolver.Resolve(ctx, name)
}

func (c *Client) provider(name string) (ephem.Provider, error) {
	if name == "" {
		name = c.defaultProvider
	}
	p, ok := c.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q (have %s)", ephem.ErrInvalidQuery, name, strings.Join(c.Providers(), ", "))
	}
	return p, nil
}

// cacheFingerprint binds a cache entry to the query, the provider that
// answered it and the observer location the derived columns used.
func (c *Client) cacheFingerprint(q ephem.Query, provider string) string {
	fp := provider + "-" + q.Fingerprint()
	if c.location != nil {
		fp += "@" + c.location.String()
	}
	return fp
}

// Fetch returns the ephemeris for q. A timed out request returns a nil
// table and an error wrapping ephem.ErrRequestTimeout.
func (c *Client) Fetch(ctx context.Context, q ephem.Query, opts Options) (*ephem.Table, error) {
	nq, err := q.Normalize(c.now())
	if err != nil {
		return nil, err
	}
	p, err := c.provider(opts.Provider)
	if err != nil {
		return nil, err
	}
	fp := c.cacheFingerprint(nq, p.Name())
	log := c.logger.With("target", nq.Target, "provider", p.Name())

	if c.store != nil && !opts.Refresh {
		tbl, err := c.store.Load(nq.Target, fp)
		switch {
		case err == nil:
			metrics.ObserveCache(metrics.CacheHit)
			log.Debug("served from cache", "rows", tbl.Len())
			return tbl.Select(nq.Fields)
		case errors.Is(err, cache.ErrMiss):
			metrics.ObserveCache(metrics.CacheMiss)
		default:
			metrics.ObserveCache(metrics.CacheError)
			log.Warn("cache read failed, querying provider", "error", err)
		}
	}

	target, err := c.Resolve(ctx, nq.Target)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tbl, err := p.Ephemeris(ctx, target, nq)
	metrics.ObserveQuery(p.Name(), err, time.Since(start))
	if err != nil {
		return nil, err
	}
	if tbl.Len() != nq.Steps {
		log.Warn("row count differs from requested steps", "rows", tbl.Len(), "steps", nq.Steps)
	}
	log.Info("ephemeris retrieved",
		"name", target.Name,
		"rows", tbl.Len(),
		"frame", string(nq.Frame),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := transform.Derive(tbl, transform.Options{Location: c.location}); err != nil {
		return nil, fmt.Errorf("deriving columns: %w", err)
	}

	if c.store != nil {
		if err := c.store.Save(nq.Target, tbl, fp); err != nil {
			log.Warn("cache write failed", "error", err)
		}
	}
	return tbl.Select(nq.Fields)
}

// Result is the outcome of one target in FetchAll. Exactly one of Table
// and Err is set.
type Result struct {
	Target string
	Table  *ephem.Table
	Err    error
}

// FetchAll queries each target in turn with the same options. A failed
// target is logged and recorded in its Result; the remaining targets are
// still queried. Cancelling ctx stops the loop.
func (c *Client) FetchAll(ctx context.Context, targets []string, q ephem.Query, opts Options) []Result {
	results := make([]Result, 0, len(targets))
	for _, name := range targets {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Target: name, Err: err})
			continue
		}
		tq := q
		tq.Target = name
		tbl, err := c.Fetch(ctx, tq, opts)
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, ephem.ErrRequestTimeout) {
				level = slog.LevelWarn
			}
			c.logger.Log(ctx, level, "query failed", "target", name, "error", err)
		}
		results = append(results, Result{Target: name, Table: tbl, Err: err})
	}
	return results
}

// Failed counts results with an error.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
