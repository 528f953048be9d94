// Package grid builds and queries the in-memory index of gridded forecast
// files. Ingestion extracts per-file metadata through the external tool
// client; queries resolve arbitrary (time, coordinate) pairs to the nearest
// available forecast slice and extract point values in batched tool calls,
// optionally smoothed by inverse-distance weighting over a neighborhood.
package grid

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sfalkner/gridobs/internal/geo"
)

// Model is the grid model family, classified purely by cell spacing.
type Model string

const (
	ModelD2      Model = "icon-d2"
	ModelEU      Model = "icon-eu"
	ModelUnknown Model = "unknown"
)

// Known cell spacings in degrees. Anything else is ModelUnknown and is
// excluded from all query results.
const (
	DeltaD2 = 0.02
	DeltaEU = 0.0625

	deltaTolerance = 1e-9
)

// ClassifyModel maps a grid cell spacing to its model family.
func ClassifyModel(delta float64) Model {
	switch {
	case math.Abs(delta-DeltaD2) < deltaTolerance:
		return ModelD2
	case math.Abs(delta-DeltaEU) < deltaTolerance:
		return ModelEU
	default:
		return ModelUnknown
	}
}

// Status tags a query result value. Missing and OutOfRange are ordinary
// outcomes in batch queries, never errors.
type Status int

const (
	StatusOK Status = iota
	StatusMissing
	StatusOutOfRange
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMissing:
		return "missing"
	default:
		return "out_of_range"
	}
}

// Value is a tagged point value. Only StatusOK carries a number.
type Value struct {
	Status Status
	V      float64
}

func OK(v float64) Value   { return Value{Status: StatusOK, V: v} }
func Missing() Value       { return Value{Status: StatusMissing} }
func OutOfRange() Value    { return Value{Status: StatusOutOfRange} }
func (v Value) IsOK() bool { return v.Status == StatusOK }

// MarshalJSON renders non-OK values as null so batch results stay zippable
// without NaN in the wire format.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Status != StatusOK {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

// FileRecord is one ingested grid file. Records are created during folder
// ingestion and immutable afterwards.
type FileRecord struct {
	Model       Model     `json:"model"`
	Param       string    `json:"param"`
	RefTime     time.Time `json:"ref_time"`
	FcstMinutes int       `json:"fcst_minutes"`
	ValidTime   time.Time `json:"valid_time"`
	Path        string    `json:"path"`
}

// GeometryRecord is the deduplicated grid geometry for one (model, param)
// combination. Longitudes are stored in [-180,180].
type GeometryRecord struct {
	Model  Model   `json:"model"`
	Param  string  `json:"param"`
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
	Delta  float64 `json:"delta"`
}

// Contains reports whether the point falls inside the geometry's bounding
// box. Longitude ranges may wrap the antimeridian.
func (g GeometryRecord) Contains(c geo.Coord) bool {
	if c.Lat < g.LatMin || c.Lat > g.LatMax {
		return false
	}
	lon := geo.NormalizeLon180(c.Lon)
	if g.LonMin <= g.LonMax {
		return lon >= g.LonMin && lon <= g.LonMax
	}
	// Wrapped range, e.g. 172 .. -168.
	return lon >= g.LonMin || lon <= g.LonMax
}

// SkippedFile is one ingestion diagnostic entry: a discovered grid file that
// contributed no index record, with the reason.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}
