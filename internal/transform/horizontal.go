package transform

import (
	"fmt"
	"math"
	"time"
)

const (
	deg2rad = math.Pi / 180.0
	rad2deg = 180.0 / math.Pi
)

// Observer is a ground location used for horizontal coordinates.
// Longitude is east-positive.
type Observer struct {
	LatDeg float64 `json:"latitude"`
	LonDeg float64 `json:"longitude"`
	AltM   float64 `json:"altitude"`
}

// Validate checks the observer coordinates are in range.
func (o Observer) Validate() error {
	if math.IsNaN(o.LatDeg) || o.LatDeg < -90 || o.LatDeg > 90 {
		return fmt.Errorf("observer latitude %v out of range [-90, 90]", o.LatDeg)
	}
	if math.IsNaN(o.LonDeg) || o.LonDeg < -180 || o.LonDeg > 360 {
		return fmt.Errorf("observer longitude %v out of range [-180, 360]", o.LonDeg)
	}
	return nil
}

// String renders the location as "lat,lon,alt" for table metadata.
func (o Observer) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.1f", o.LatDeg, o.LonDeg, o.AltM)
}

// LookAngles holds azimuth and elevation of a target seen from an observer.
type LookAngles struct {
	AzimuthDeg   float64 // 0 = North, clockwise
	ElevationDeg float64 // 0 = horizon, 90 = zenith
}

// EquatorialToHorizontal converts geocentric right ascension and declination
// (degrees) to azimuth and elevation for obs at time t. Parallax and
// refraction are ignored, which is below a few arcseconds for Solar System
// bodies beyond the Moon.
func EquatorialToHorizontal(raDeg, decDeg float64, t time.Time, obs Observer) LookAngles {
	lst := LocalSiderealTime(t, obs.LonDeg)
	h := lst - raDeg*deg2rad
	dec := decDeg * deg2rad
	lat := obs.LatDeg * deg2rad

	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	sinDec, cosDec := math.Sin(dec), math.Cos(dec)
	sinH, cosH := math.Sin(h), math.Cos(h)

	sinEl := sinLat*sinDec + cosLat*cosDec*cosH
	el := math.Asin(math.Max(-1, math.Min(1, sinEl)))

	// Measured from North through East.
	az := math.Atan2(-sinH*cosDec, cosLat*sinDec-sinLat*cosDec*cosH)
	az = normalizeRad(az)

	return LookAngles{
		AzimuthDeg:   az * rad2deg,
		ElevationDeg: el * rad2deg,
	}
}
