package miriade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star/ephemgo/internal/ephem"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

var ceres = ephem.Target{Name: "Ceres", Number: 1, Type: ephem.TypeDwarfPlanet}

const equatorialBody = `{
  "sso": {"num": "1", "name": "Ceres", "type": "Dwarf Planet"},
  "coosys": {"epoch": "J2000", "equinox": "J2000", "system": "equatorial"},
  "ephemeris": {"planetary_theory": "INPOP", "timescale": "UTC"},
  "data": [
    {"Date": "2024-01-01T00:00:00.00", "RA": "19 55 44.2019", "DEC": "-25 32 40.123", "Dobs": 3.48212, "Dhelio": 2.59711, "VMag": 9.21, "Phase": 9.12, "Elong.": 29.04},
    {"Date": "2024-01-06T00:00:00.00", "RA": "20 04 12.5312", "DEC": "-25 02 10.781", "Dobs": 3.51033, "Dhelio": 2.59489, "VMag": 9.22, "Phase": 8.31, "Elong.": 25.79}
  ],
  "unit": {"Dobs": "au", "Dhelio": "au", "VMag": "mag", "Phase": "deg", "Elong.": "deg"}
}`

const cartesianBody = `{
  "sso": {"num": "1", "name": "Ceres"},
  "data": [
    {"Date": 2460310.5, "px": 1.0027, "py": -2.4491, "pz": -1.2510, "vx": 0.0091, "vy": 0.0031, "vz": 0.0003},
    {"Date": 2460315.5, "px": 1.0482, "py": -2.4331, "pz": -1.2480, "vx": 0.0090, "vy": 0.0033, "vz": 0.0004}
  ]
}`

func normalized(t *testing.T, q ephem.Query) ephem.Query {
	t.Helper()
	nq, err := q.Normalize(time.Now())
	require.NoError(t, err)
	return nq
}

func TestEphemerisEquatorial(t *testing.T) {
	var gotMethod string
	var gotForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		assert.NoError(t, r.ParseForm())
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, equatorialBody)
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Timeout: 5 * time.Second}, testLogger)
	q := normalized(t, ephem.Query{Target: "Ceres", Epoch: "2024-01-01T00:00:00", Steps: 2, Step: "5d"})

	tbl, err := c.Ephemeris(context.Background(), ceres, q)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "dp:Ceres", gotForm["-name"])
	assert.Equal(t, "2024-01-01T00:00:00", gotForm["-ep"])
	assert.Equal(t, "2", gotForm["-nbd"])
	assert.Equal(t, "5d", gotForm["-step"])
	assert.Equal(t, "500", gotForm["-observer"])
	assert.Equal(t, "1", gotForm["-tcoor"])
	assert.Equal(t, "1", gotForm["-rplane"])
	assert.Equal(t, "json", gotForm["-mime"])

	assert.Equal(t, Name, tbl.Provider)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, []string{"date", "ra", "dec", "delta", "r", "vmag", "phase", "elong"}, tbl.Columns)
	assert.Equal(t, "au", tbl.Units["delta"])
	assert.Equal(t, "19 55 44.2019", tbl.Rows[0]["ra"])
	assert.Equal(t, "3.48212", tbl.Rows[0]["delta"], "numbers keep their full precision")
	assert.Equal(t, "Ceres", tbl.Meta["sso.name"])
	assert.Equal(t, "equatorial", tbl.Meta["coosys.system"])

	times, err := tbl.Times()
	require.NoError(t, err)
	assert.Equal(t, 5*24*time.Hour, times[1].Sub(times[0]))
}

func TestEphemerisCartesian(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("-tcoor") != "2" {
			t.Errorf("-tcoor = %q, want 2", r.FormValue("-tcoor"))
		}
		if r.FormValue("-observer") != "@sun" {
			t.Errorf("-observer = %q, want @sun", r.FormValue("-observer"))
		}
		fmt.Fprint(w, cartesianBody)
	}))
	defer server.Close()

	c := New(Config{URL: server.URL}, testLogger)
	q := normalized(t, ephem.Query{Target: "Ceres", Epoch: "2024-01-01", Steps: 2, Step: "5d", Observer: "@sun", Frame: ephem.FrameCartesian})

	tbl, err := c.Ephemeris(context.Background(), ceres, q)
	require.NoError(t, err)
	for _, col := range []string{"jd", "x", "y", "z", "vx", "vy", "vz"} {
		assert.True(t, tbl.HasColumn(col), "missing %s", col)
	}
	assert.False(t, tbl.HasColumn("date"), "numeric epochs become the jd column")
	assert.Equal(t, "au", tbl.Units["x"])
}

func TestEphemerisEclipticRelabelsAngles(t *testing.T) {
	tbl, err := Decode([]byte(`{"data":[{"Date":"2024-01-01T00:00:00","RA":"290.1","DEC":"-3.2"}]}`), ceres, ephem.FrameEcliptic)
	require.NoError(t, err)
	assert.Equal(t, []string{"date", "lon", "lat"}, tbl.Columns)
}

func TestEphemerisTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := New(Config{URL: server.URL, Timeout: 50 * time.Millisecond}, testLogger)
	q := normalized(t, ephem.Query{Target: "Ceres", Steps: 2})

	tbl, err := c.Ephemeris(context.Background(), ceres, q)
	assert.Nil(t, tbl)
	assert.True(t, errors.Is(err, ephem.ErrRequestTimeout), "got %v", err)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"missing data", `{"sso":{"name":"Ceres"}}`},
		{"service message", `{"message":"Unknown target"}`},
		{"empty data", `{"data":[]}`},
		{"missing frame columns", `{"data":[{"Date":"2024-01-01T00:00:00","Dobs":1.0}]}`},
		{"non-object row", `{"data":[42]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body), ceres, ephem.FrameEquatorial)
			assert.ErrorIs(t, err, ephem.ErrMalformedResponse)
		})
	}
}

func TestDesignation(t *testing.T) {
	assert.Equal(t, "p:Mars", designation(ephem.Target{Name: "Mars", Type: ephem.TypePlanet}))
	assert.Equal(t, "a:Eros", designation(ephem.Target{Name: "Eros", Type: ephem.TypeAsteroid}))
	assert.Equal(t, "c:67P", designation(ephem.Target{Name: "67P", Type: ephem.TypeComet}))
	assert.Equal(t, "s:Europa", designation(ephem.Target{Name: "Europa", Type: ephem.TypeSatellite}))
	assert.Equal(t, "a:Unknown", designation(ephem.Target{Name: "Unknown"}))
}

func TestObserver(t *testing.T) {
	assert.Equal(t, "@sun", observer("@sun"))
	assert.Equal(t, "@sun", observer("500@10"))
	assert.Equal(t, "500", observer("500@399"))
	assert.Equal(t, "586", observer("586"))
}
