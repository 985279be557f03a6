package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star/ephemgo/internal/cache"
	"github.com/star/ephemgo/internal/ephem"
	"github.com/star/ephemgo/internal/miriade"
	"github.com/star/ephemgo/internal/transform"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// fakeProvider returns a synthetic table with one row per step.
type fakeProvider struct {
	name  string
	calls atomic.Int32
	err   map[string]error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Ephemeris(_ context.Context, target ephem.Target, q ephem.Query) (*ephem.Table, error) {
	f.calls.Add(1)
	if err := f.err[target.Name]; err != nil {
		return nil, err
	}
	start, err := q.Start()
	if err != nil {
		return nil, err
	}
	step, err := q.Interval()
	if err != nil {
		return nil, err
	}
	var cols []string
	switch q.Frame {
	case ephem.FrameCartesian:
		cols = []string{"date", "x", "y", "z"}
	default:
		cols = []string{"date", "ra", "dec", "delta"}
	}
	tbl := ephem.NewTable(target, f.name, q.Frame, cols)
	tbl.FetchedAt = time.Now().UTC()
	for i := 0; i < q.Steps; i++ {
		ts := start.Add(time.Duration(i) * step.Duration())
		row := ephem.Row{"date": ts.Format(ephem.EpochLayout)}
		for _, c := range cols[1:] {
			row[c] = fmt.Sprintf("%d.5", i+1)
		}
		tbl.Append(row)
	}
	return tbl, nil
}

type fakeResolver struct {
	calls atomic.Int32
}

func (f *fakeResolver) Resolve(_ context.Context, name string) (ephem.Target, error) {
	f.calls.Add(1)
	if name == "Vulcan" {
		return ephem.Target{}, fmt.Errorf("%w: %q", ephem.ErrTargetNotFound, name)
	}
	return ephem.Target{Name: name, Type: ephem.TypeAsteroid}, nil
}

func newClient(t *testing.T, store cache.Store, providers ...ephem.Provider) *Client {
	t.Helper()
	c, err := New(&fakeResolver{}, providers, store, Config{}, testLogger)
	require.NoError(t, err)
	return c
}

func TestFetchTwoSamplesFiveDaysApart(t *testing.T) {
	c := newClient(t, nil, &fakeProvider{name: "fake"})

	tbl, err := c.Fetch(context.Background(), ephem.Query{Target: "Ceres", Epoch: "2024-01-01T00:00:00", Steps: 2, Step: "5d"}, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())

	times, err := tbl.Times()
	require.NoError(t, err)
	assert.Equal(t, 5*24*time.Hour, times[1].Sub(times[0]))
	assert.True(t, tbl.HasColumn("jd"), "derived columns are added")
	assert.True(t, tbl.HasColumn("delta_km"))
}

func TestFetchRowCountStable(t *testing.T) {
	c := newClient(t, nil, &fakeProvider{name: "fake"})
	q := ephem.Query{Target: "Ceres", Epoch: "2024-01-01", Steps: 7, Step: "1h"}

	a, err := c.Fetch(context.Background(), q, Options{})
	require.NoError(t, err)
	b, err := c.Fetch(context.Background(), q, Options{})
	require.NoError(t, err)
	assert.Equal(t, 7, a.Len())
	assert.Equal(t, a.Len(), b.Len())
}

func TestFetchFrameColumns(t *testing.T) {
	c := newClient(t, nil, &fakeProvider{name: "fake"})

	tbl, err := c.Fetch(context.Background(), ephem.Query{Target: "Ceres", Frame: ephem.FrameCartesian}, Options{})
	require.NoError(t, err)
	for _, col := range []string{"x", "y", "z", "r"} {
		assert.True(t, tbl.HasColumn(col), "cartesian table missing %s", col)
	}

	tbl, err = c.Fetch(context.Background(), ephem.Query{Target: "Ceres"}, Options{})
	require.NoError(t, err)
	assert.True(t, tbl.HasColumn("ra"))
	assert.True(t, tbl.HasColumn("dec"))
}

func TestFetchFields(t *testing.T) {
	c := newClient(t, nil, &fakeProvider{name: "fake"})

	tbl, err := c.Fetch(context.Background(), ephem.Query{Target: "Ceres", Fields: []string{"date", "ra_deg"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"date", "ra_deg"}, tbl.Columns)

	_, err = c.Fetch(context.Background(), ephem.Query{Target: "Ceres", Fields: []string{"bogus"}}, Options{})
	assert.ErrorIs(t, err, ephem.ErrInvalidQuery)
}

func TestFetchCacheHitSkipsNetwork(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	store := cache.NewCSVStore(t.TempDir(), testLogger)
	res := &fakeResolver{}
	c, err := New(res, []ephem.Provider{p}, store, Config{}, testLogger)
	require.NoError(t, err)

	q := ephem.Query{Target: "Ceres", Epoch: "2024-01-01", Steps: 3, Step: "1d"}
	first, err := c.Fetch(context.Background(), q, Options{})
	require.NoError(t, err)
	second, err := c.Fetch(context.Background(), q, Options{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.calls.Load(), "second call served from cache")
	assert.Equal(t, int32(1), res.calls.Load(), "cache hit does not resolve")
	assert.Equal(t, first.Rows, second.Rows)

	// A changed query is a miss.
	q.Steps = 4
	_, err = c.Fetch(context.Background(), q, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())

	// Refresh bypasses the lookup.
	_, err = c.Fetch(context.Background(), q, Options{Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestFetchDefaultEpochHitsCacheOnLaterRun(t *testing.T) {
	store := cache.NewCSVStore(t.TempDir(), testLogger)
	p := &fakeProvider{name: "fake"}
	morning := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{morning, morning.Add(5 * time.Minute)} {
		c := newClient(t, store, p)
		c.now = func() time.Time { return at }
		_, err := c.Fetch(context.Background(), ephem.Query{Target: "Ceres"}, Options{})
		require.NoError(t, err, "run %d", i+1)
	}
	assert.Equal(t, int32(1), p.calls.Load(), "second run with the default epoch is served from cache")

	c := newClient(t, store, p)
	_, err := c.Fetch(context.Background(), ephem.Query{Target: "Ceres", Epoch: "2024-03-01T10:00:00"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load(), "an explicit epoch does not reuse the default entry")
}

func TestFetchLocationChangeMissesCache(t *testing.T) {
	store := cache.NewCSVStore(t.TempDir(), testLogger)
	p := &fakeProvider{name: "fake"}
	q := ephem.Query{Target: "Ceres", Epoch: "2024-01-01", Steps: 2}

	fetch := func(loc *transform.Observer) {
		t.Helper()
		c, err := New(nil, []ephem.Provider{p}, store, Config{Location: loc}, testLogger)
		require.NoError(t, err)
		_, err = c.Fetch(context.Background(), q, Options{})
		require.NoError(t, err)
	}

	fetch(&transform.Observer{LatDeg: 43.75, LonDeg: 6.92})
	fetch(&transform.Observer{LatDeg: 43.75, LonDeg: 6.92})
	assert.Equal(t, int32(1), p.calls.Load(), "same location is a hit")

	fetch(&transform.Observer{LatDeg: -24.63, LonDeg: -70.40})
	assert.Equal(t, int32(2), p.calls.Load(), "moved observer is a miss")

	fetch(nil)
	assert.Equal(t, int32(3), p.calls.Load(), "no location is a miss")
}

func TestFetchTimeoutReturnsNoTable(t *testing.T) {
	p := &fakeProvider{name: "fake", err: map[string]error{
		"Ceres": fmt.Errorf("fake: %w", ephem.ErrRequestTimeout),
	}}
	c := newClient(t, nil, p)

	tbl, err := c.Fetch(context.Background(), ephem.Query{Target: "Ceres"}, Options{})
	assert.Nil(t, tbl)
	assert.ErrorIs(t, err, ephem.ErrRequestTimeout)
}

func TestFetchAllContinuesAfterFailure(t *testing.T) {
	p := &fakeProvider{name: "fake", err: map[string]error{
		"Pallas": fmt.Errorf("fake: %w", ephem.ErrRequestTimeout),
	}}
	c := newClient(t, nil, p)

	results := c.FetchAll(context.Background(), []string{"Ceres", "Pallas", "Vulcan", "Vesta"}, ephem.Query{Steps: 2}, Options{})
	require.Len(t, results, 4)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Table.Len())

	assert.ErrorIs(t, results[1].Err, ephem.ErrRequestTimeout)
	assert.Nil(t, results[1].Table)

	assert.ErrorIs(t, results[2].Err, ephem.ErrTargetNotFound)

	assert.NoError(t, results[3].Err)
	assert.Equal(t, "Vesta", results[3].Table.Target.Name)
	assert.Equal(t, 2, Failed(results))
}

func TestFetchAllStopsOnCancel(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	c := newClient(t, nil, p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := c.FetchAll(ctx, []string{"Ceres", "Vesta"}, ephem.Query{}, Options{})
	assert.Equal(t, 2, Failed(results))
	assert.Zero(t, p.calls.Load())
}

func TestProviderSelection(t *testing.T) {
	a := &fakeProvider{name: "miriade"}
	b := &fakeProvider{name: "horizons"}
	c, err := New(nil, []ephem.Provider{a, b}, nil, Config{DefaultProvider: "horizons"}, testLogger)
	require.NoError(t, err)
	assert.Equal(t, []string{"horizons", "miriade"}, c.Providers())

	tbl, err := c.Fetch(context.Background(), ephem.Query{Target: "Ceres"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "horizons", tbl.Provider)

	tbl, err = c.Fetch(context.Background(), ephem.Query{Target: "Ceres"}, Options{Provider: "Miriade"})
	require.NoError(t, err)
	assert.Equal(t, "miriade", tbl.Provider)

	_, err = c.Fetch(context.Background(), ephem.Query{Target: "Ceres"}, Options{Provider: "mpc"})
	assert.ErrorIs(t, err, ephem.ErrInvalidQuery)

	_, err = New(nil, []ephem.Provider{a}, nil, Config{DefaultProvider: "horizons"}, testLogger)
	assert.Error(t, err)
	_, err = New(nil, nil, nil, Config{}, testLogger)
	assert.Error(t, err)
}

func TestFetchInvalidQuery(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	c := newClient(t, nil, p)

	_, err := c.Fetch(context.Background(), ephem.Query{Target: "Ceres", Steps: ephem.MaxSteps + 1}, Options{})
	assert.ErrorIs(t, err, ephem.ErrInvalidQuery)
	assert.Zero(t, p.calls.Load())
}

func TestFetchHorizontalWithLocation(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	c, err := New(nil, []ephem.Provider{p}, nil, Config{Location: &transform.Observer{LatDeg: 43.75, LonDeg: 6.92}}, testLogger)
	require.NoError(t, err)

	tbl, err := c.Fetch(context.Background(), ephem.Query{Target: "Ceres", Epoch: "2024-01-01", Steps: 2}, Options{})
	require.NoError(t, err)
	assert.True(t, tbl.HasColumn("azimuth"))
	assert.True(t, tbl.HasColumn("elevation"))
}

// TestMiriadeEndToEnd runs the real Miriade client against a stub server
// with the CSV cache in front of it.
func TestMiriadeEndToEnd(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
  "sso": {"num": "1", "name": "Ceres"},
  "data": [
    {"Date": "2024-01-01T00:00:00.00", "RA": "19 55 44.2019", "DEC": "-25 32 40.123", "Dobs": 3.48212, "Dhelio": 2.59711},
    {"Date": "2024-01-06T00:00:00.00", "RA": "20 04 12.5312", "DEC": "-25 02 10.781", "Dobs": 3.51033, "Dhelio": 2.59489}
  ],
  "unit": {"Dobs": "au", "Dhelio": "au"}
}`)
	}))
	defer server.Close()

	mc := miriade.New(miriade.Config{URL: server.URL, Timeout: 5 * time.Second}, testLogger)
	store := cache.NewCSVStore(t.TempDir(), testLogger)
	c, err := New(&fakeResolver{}, []ephem.Provider{mc}, store, Config{}, testLogger)
	require.NoError(t, err)

	q := ephem.Query{Target: "Ceres", Epoch: "2024-01-01T00:00:00", Steps: 2, Step: "5d"}
	for i := 0; i < 2; i++ {
		tbl, err := c.Fetch(context.Background(), q, Options{})
		require.NoError(t, err)
		require.Equal(t, 2, tbl.Len())
		times, err := tbl.Times()
		require.NoError(t, err)
		assert.Equal(t, 5*24*time.Hour, times[1].Sub(times[0]))
		assert.True(t, tbl.HasColumn("ra_deg"))
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestMiriadeTimeoutIsNonFatal(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	mc := miriade.New(miriade.Config{URL: server.URL, Timeout: 50 * time.Millisecond}, testLogger)
	c, err := New(nil, []ephem.Provider{mc}, nil, Config{}, testLogger)
	require.NoError(t, err)

	results := c.FetchAll(context.Background(), []string{"Ceres", "Vesta"}, ephem.Query{Steps: 2}, Options{})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Nil(t, r.Table)
		assert.True(t, errors.Is(r.Err, ephem.ErrRequestTimeout), "got %v", r.Err)
	}
}
