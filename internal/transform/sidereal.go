package transform

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

const (
	jdJ2000         = 2451545.0
	daysPerCentury  = 36525.0
	secondsPerDay   = 86400.0
	solarToSidereal = 3155760000.0 // 876600 h in seconds
)

// JulianDate converts a UTC time to a Julian Date, keeping sub-second precision.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	jd := satellite.JDay(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	return jd + float64(t.Nanosecond())/1e9/secondsPerDay
}

// GMST returns Greenwich mean sidereal time in radians (IAU 1982 expression,
// UT1 taken as UTC).
func GMST(t time.Time) float64 {
	c := (JulianDate(t) - jdJ2000) / daysPerCentury
	sec := 67310.54841 + (solarToSidereal+8640184.812866)*c + c*c*(0.093104-6.2e-6*c)
	return normalizeRad(sec / secondsPerDay * 2 * math.Pi)
}

// LocalSiderealTime returns the local mean sidereal time in radians for an
// east-positive longitude in degrees.
func LocalSiderealTime(t time.Time, lonDeg float64) float64 {
	return normalizeRad(GMST(t) + lonDeg*deg2rad)
}

func normalizeRad(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a
}
