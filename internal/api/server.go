package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/star/ephemgo/internal/auth"
	"github.com/star/ephemgo/internal/client"
	"github.com/star/ephemgo/internal/ephem"
	"github.com/star/ephemgo/internal/health"
	"github.com/star/ephemgo/internal/httputil"
	"github.com/star/ephemgo/internal/metrics"
	"github.com/star/ephemgo/internal/plot"
)

// Service is the query backend used by the handlers.
type Service interface {
	Fetch(ctx context.Context, q ephem.Query, opts client.Options) (*ephem.Table, error)
	Resolve(ctx context.Context, name string) (ephem.Target, error)
	Providers() []string
	DefaultProvider() string
}

// Config holds server settings.
type Config struct {
	Addr       string
	TrustProxy bool
	Auth       auth.Config
	// UpstreamTimeout is the outbound request bound; the write timeout is
	// derived from it so slow providers can still answer.
	UpstreamTimeout time.Duration
	// Defaults fills query options absent from the request.
	Defaults func(ephem.Query) ephem.Query
	// Ready checks run by /readyz.
	Ready []health.Check
	// MaxInflightPerIP bounds concurrent ephemeris and plot requests per client.
	MaxInflightPerIP int
}

const (
	// maxPlotTargets bounds the number of series one plot request may fetch.
	maxPlotTargets = 8

	defaultInflightPerIP = 4
	maxInflightTotal     = 256
)

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(cfg Config, svc Service, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 60 * time.Second
	}
	if cfg.Defaults == nil {
		cfg.Defaults = func(q ephem.Query) ephem.Query { return q }
	}
	if cfg.MaxInflightPerIP <= 0 {
		cfg.MaxInflightPerIP = defaultInflightPerIP
	}
	h := &handlers{svc: svc, defaults: cfg.Defaults, logger: logger}
	limiter := newInflightLimiter(cfg.MaxInflightPerIP, maxInflightTotal)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(cfg.Ready...))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/v1/ephemeris", limiter.wrap(cfg.TrustProxy, h.ephemeris))
	mux.HandleFunc("GET /api/v1/plot", limiter.wrap(cfg.TrustProxy, h.plot))
	mux.HandleFunc("GET /api/v1/resolve", h.resolve)
	mux.HandleFunc("GET /api/v1/providers", h.providers)

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(cfg.Auth)(handler)
	handler = loggingMiddleware(logger, cfg.TrustProxy)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.UpstreamTimeout*maxPlotTargets + 10*time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

type handlers struct {
	svc      Service
	defaults func(ephem.Query) ephem.Query
	logger   *slog.Logger
}

type ephemerisResponse struct {
	*ephem.Table
	Summary []ephem.ColumnStats `json:"summary,omitempty"`
}

func (h *handlers) ephemeris(w http.ResponseWriter, r *http.Request) {
	q, opts, err := h.parseQuery(r, r.URL.Query().Get("target"))
	if err != nil {
		writeError(w, err)
		return
	}
	tbl, err := h.svc.Fetch(r.Context(), q, opts)
	if err != nil {
		h.logger.Warn("ephemeris request failed", "target", q.Target, "error", err)
		writeError(w, err)
		return
	}
	resp := ephemerisResponse{Table: tbl}
	if b, _ := strconv.ParseBool(r.URL.Query().Get("summary")); b {
		resp.Summary = tbl.Summary()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) plot(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	targets := splitList(v.Get("targets"))
	if t := strings.TrimSpace(v.Get("target")); t != "" {
		targets = append([]string{t}, targets...)
	}
	if len(targets) == 0 {
		writeError(w, fmt.Errorf("%w: target or targets is required", ephem.ErrInvalidQuery))
		return
	}
	if len(targets) > maxPlotTargets {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":       "too many targets",
			"max_targets": maxPlotTargets,
		})
		return
	}

	spec := plot.Spec{
		X:       v.Get("x"),
		Y:       v.Get("y"),
		Title:   v.Get("title"),
		Format:  v.Get("format"),
		InvertY: v.Get("y") == "vmag",
	}
	var tables []*ephem.Table
	for _, name := range targets {
		q, opts, err := h.parseQuery(r, name)
		if err != nil {
			writeError(w, err)
			return
		}
		tbl, err := h.svc.Fetch(r.Context(), q, opts)
		if err != nil {
			h.logger.Warn("plot request failed", "target", name, "error", err)
			writeError(w, err)
			return
		}
		tables = append(tables, tbl)
	}

	var buf bytes.Buffer
	if err := plot.Render(&buf, tables, spec); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", plot.ContentType(spec.Format))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, fmt.Errorf("%w: name is required", ephem.ErrInvalidQuery))
		return
	}
	target, err := h.svc.Resolve(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (h *handlers) providers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": h.svc.Providers(),
		"default":   h.svc.DefaultProvider(),
	})
}

// parseQuery reads query options from the URL; absent options come from
// the configured defaults.
func (h *handlers) parseQuery(r *http.Request, target string) (ephem.Query, client.Options, error) {
	v := r.URL.Query()
	q := ephem.Query{
		Target:   strings.TrimSpace(target),
		Epoch:    v.Get("epoch"),
		Step:     v.Get("step"),
		Observer: v.Get("observer"),
		Frame:    ephem.Frame(v.Get("frame")),
		Fields:   splitList(v.Get("fields")),
	}
	if q.Target == "" {
		return q, client.Options{}, fmt.Errorf("%w: target is required", ephem.ErrInvalidQuery)
	}
	if s := v.Get("steps"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return q, client.Options{}, fmt.Errorf("%w: steps must be a positive integer", ephem.ErrInvalidQuery)
		}
		q.Steps = n
	}
	opts := client.Options{Provider: v.Get("provider")}
	if s := v.Get("refresh"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return q, client.Options{}, fmt.Errorf("%w: refresh must be a boolean", ephem.ErrInvalidQuery)
		}
		opts.Refresh = b
	}
	return h.defaults(q), opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// statusFor maps query errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ephem.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, ephem.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.Is(err, ephem.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ephem.ErrMalformedResponse), errors.Is(err, ephem.ErrServiceStatus):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// writeJSON encodes v before writing the header so an encoding failure
// becomes a 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		json.NewEncoder(&buf).Encode(map[string]string{"error": "encoding response: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
