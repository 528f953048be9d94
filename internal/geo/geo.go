// Package geo provides the coordinate and time primitives shared by the grid
// and station layers: hour rounding, hour distances, longitude normalization
// between the [0,360) and [-180,180] conventions, and fixed-precision
// coordinate keys for exact station matching.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Coord is a geographic point in decimal degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RoundToNearestHour zeroes minutes, seconds and sub-seconds, then adds one
// hour when the original minutes were >= 30. Applying it twice yields the
// same result as applying it once.
func RoundToNearestHour(t time.Time) time.Time {
	rounded := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	if t.Minute() >= 30 {
		rounded = rounded.Add(time.Hour)
	}
	return rounded
}

// HoursBetween returns the absolute distance between two timestamps in hours.
func HoursBetween(a, b time.Time) float64 {
	return math.Abs(b.Sub(a).Hours())
}

// NormalizeLon0360 maps any finite degree value into [0,360). Values already
// in [-180,180] take the cheap branch; everything else goes through a
// closed-form modulo.
func NormalizeLon0360(deg float64) float64 {
	if deg >= -180 && deg <= 180 {
		if deg < 0 {
			return deg + 360
		}
		return deg
	}
	m := math.Mod(deg, 360)
	if m < 0 {
		m += 360
	}
	return m
}

// NormalizeLon180 maps any finite degree value into [-180,180]. Closed-form
// modulo rather than iterative shifting, so unbounded inputs stay O(1).
// The boundary value maps to -180; both representations of the antimeridian
// are equivalent for all consumers here.
func NormalizeLon180(deg float64) float64 {
	m := math.Mod(deg+180, 360)
	if m < 0 {
		m += 360
	}
	return m - 180
}

// ParseIntDefault parses text as a base-10 integer, returning def when the
// text (after trimming) is not a valid number.
func ParseIntDefault(text string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return def
	}
	return n
}

// RoundCoord rounds a coordinate component to 4 decimal places, the fixed
// precision used for exact station matching.
func RoundCoord(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// CoordKey builds the canonical "lat;lon" lookup key at 4-decimal precision.
// Station coordinates are matched exactly on this key, never fuzzily.
func CoordKey(lat, lon float64) string {
	return fmt.Sprintf("%.4f;%.4f", RoundCoord(lat), RoundCoord(lon))
}
