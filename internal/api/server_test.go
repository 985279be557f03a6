package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/star/ephemgo/internal/auth"
	"github.com/star/ephemgo/internal/client"
	"github.com/star/ephemgo/internal/ephem"
	"github.com/star/ephemgo/internal/health"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeService struct {
	mu      sync.Mutex
	queries []ephem.Query
	opts    []client.Options
	errs    map[string]error
}

func (f *fakeService) Fetch(ctx context.Context, q ephem.Query, opts client.Options) (*ephem.Table, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if err := f.errs[q.Target]; err != nil {
		return nil, err
	}
	tbl := ephem.NewTable(ephem.Target{Name: q.Target, Type: ephem.TypeAsteroid}, "miriade", ephem.FrameEquatorial,
		[]string{"date", "vmag"})
	tbl.Units["vmag"] = "mag"
	for i := 0; i < 3; i++ {
		tbl.Append(ephem.Row{
			"date": fmt.Sprintf("2024-01-0%dT00:00:00", i+1),
			"vmag": strconv.FormatFloat(9.0+0.1*float64(i), 'f', 2, 64),
		})
	}
	if len(q.Fields) > 0 {
		return tbl.Select(q.Fields)
	}
	return tbl, nil
}

func (f *fakeService) Resolve(ctx context.Context, name string) (ephem.Target, error) {
	if err := f.errs[name]; err != nil {
		return ephem.Target{}, err
	}
	return ephem.Target{Name: "Ceres", Number: 1, Type: ephem.TypeDwarfPlanet}, nil
}

func (f *fakeService) Providers() []string     { return []string{"horizons", "miriade"} }
func (f *fakeService) DefaultProvider() string { return "miriade" }

func newTestServer(svc Service, cfg Config) http.Handler {
	return NewServer(cfg, svc, testLogger()).Handler()
}

func get(h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEphemeris(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc, Config{Defaults: func(q ephem.Query) ephem.Query {
		if q.Steps == 0 {
			q.Steps = 7
		}
		return q
	}})

	w := get(h, "/api/v1/ephemeris?target=Ceres&steps=3&step=2h&observer=586&frame=ecliptic&provider=horizons&refresh=true&summary=1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["summary"] == nil {
		t.Error("expected summary in response")
	}
	if resp["provider"] != "miriade" {
		t.Errorf("provider = %v", resp["provider"])
	}

	q := svc.queries[0]
	if q.Target != "Ceres" || q.Steps != 3 || q.Step != "2h" || q.Observer != "586" || q.Frame != ephem.FrameEcliptic {
		t.Errorf("unexpected query %+v", q)
	}
	if o := svc.opts[0]; o.Provider != "horizons" || !o.Refresh {
		t.Errorf("unexpected options %+v", o)
	}

	get(h, "/api/v1/ephemeris?target=Vesta")
	if svc.queries[1].Steps != 7 {
		t.Errorf("defaults not applied: steps = %d", svc.queries[1].Steps)
	}
}

func TestEphemerisFields(t *testing.T) {
	h := newTestServer(&fakeService{}, Config{})
	w := get(h, "/api/v1/ephemeris?target=Ceres&fields=vmag")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"vmag"`) {
		t.Errorf("body missing vmag column: %s", w.Body.String())
	}
}

func TestErrorStatus(t *testing.T) {
	svc := &fakeService{errs: map[string]error{
		"Nowhere": fmt.Errorf("resolving: %w", ephem.ErrTargetNotFound),
		"Slow":    fmt.Errorf("miriade: %w", ephem.ErrRequestTimeout),
		"Broken":  fmt.Errorf("miriade: %w", ephem.ErrMalformedResponse),
		"Down":    fmt.Errorf("horizons: %w", ephem.ErrServiceStatus),
		"Weird":   errors.New("boom"),
	}}
	h := newTestServer(svc, Config{})

	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"missing target", "", http.StatusBadRequest},
		{"bad steps", "target=Ceres&steps=-2", http.StatusBadRequest},
		{"bad refresh", "target=Ceres&refresh=maybe", http.StatusBadRequest},
		{"not found", "target=Nowhere", http.StatusNotFound},
		{"timeout", "target=Slow", http.StatusGatewayTimeout},
		{"malformed", "target=Broken", http.StatusBadGateway},
		{"service status", "target=Down", http.StatusBadGateway},
		{"other", "target=Weird", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(h, "/api/v1/ephemeris?"+tt.query)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp map[string]any
			json.NewDecoder(w.Body).Decode(&resp)
			if resp["error"] == nil {
				t.Error("expected error field in response")
			}
		})
	}
}

func TestPlot(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc, Config{})

	w := get(h, "/api/v1/plot?targets=Ceres,Vesta&y=vmag&format=svg")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<svg") {
		t.Error("body is not svg")
	}
	if len(svc.queries) != 2 {
		t.Errorf("fetched %d targets, want 2", len(svc.queries))
	}

	w = get(h, "/api/v1/plot?target=Ceres&y=vmag")
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("default format is not png")
	}
}

func TestPlotErrors(t *testing.T) {
	h := newTestServer(&fakeService{}, Config{})

	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"no targets", "y=vmag", http.StatusBadRequest},
		{"no y", "target=Ceres", http.StatusBadRequest},
		{"missing column", "target=Ceres&y=delta", http.StatusBadRequest},
		{"bad format", "target=Ceres&y=vmag&format=gif", http.StatusBadRequest},
		{"too many targets", "targets=a,b,c,d,e,f,g,h,i&y=vmag", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(h, "/api/v1/plot?"+tt.query)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	svc := &fakeService{errs: map[string]error{"zzz": ephem.ErrTargetNotFound}}
	h := newTestServer(svc, Config{})

	w := get(h, "/api/v1/resolve?name=1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var target ephem.Target
	if err := json.NewDecoder(w.Body).Decode(&target); err != nil {
		t.Fatal(err)
	}
	if target.Name != "Ceres" || target.Number != 1 {
		t.Errorf("target = %+v", target)
	}

	if w := get(h, "/api/v1/resolve"); w.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d", w.Code)
	}
	if w := get(h, "/api/v1/resolve?name=zzz"); w.Code != http.StatusNotFound {
		t.Errorf("unknown name: status = %d", w.Code)
	}
}

func TestProviders(t *testing.T) {
	h := newTestServer(&fakeService{}, Config{})
	w := get(h, "/api/v1/providers")

	var resp struct {
		Providers []string `json:"providers"`
		Default   string   `json:"default"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Providers) != 2 || resp.Default != "miriade" {
		t.Errorf("unexpected providers response %+v", resp)
	}
}

func TestProbesAndAuth(t *testing.T) {
	notReady := func(ctx context.Context) error { return errors.New("cache unavailable") }
	h := newTestServer(&fakeService{}, Config{
		Auth:  auth.Config{Enabled: true, Token: "s3cret"},
		Ready: []health.Check{notReady},
	})

	tests := []struct {
		name       string
		path       string
		header     []string
		wantStatus int
	}{
		{"healthz is public", "/healthz", nil, http.StatusOK},
		{"readyz reports checks", "/readyz", nil, http.StatusServiceUnavailable},
		{"metrics is public", "/metrics", nil, http.StatusOK},
		{"api needs token", "/api/v1/providers", nil, http.StatusUnauthorized},
		{"wrong token", "/api/v1/providers", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid token", "/api/v1/providers", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"unknown route", "/api/v1/nothing", []string{"Authorization", "Bearer s3cret"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(h, tt.path, tt.header...)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestLoggingMiddlewareProbeLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := loggingMiddleware(logger, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	get(h, "/healthz")
	if buf.Len() != 0 {
		t.Errorf("probe logged at info: %s", buf.String())
	}

	get(h, "/api/v1/providers", "X-Forwarded-For", "203.0.113.9")
	out := buf.String()
	if !strings.Contains(out, `"status":"418"`) {
		t.Errorf("status not logged: %s", out)
	}
	if !strings.Contains(out, `"remote_ip":"203.0.113.9"`) {
		t.Errorf("forwarded ip not logged: %s", out)
	}
}

func TestWriteJSONEncodeFailure(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]float64{"mean": math.NaN()})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v (%q)", err, w.Body.String())
	}
	if !strings.Contains(body["error"], "encoding response") {
		t.Errorf("error = %q", body["error"])
	}
}
