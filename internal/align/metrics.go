// Package align joins grid forecasts and station observations on (rounded
// timestamp, latitude, longitude) into one comparison table and reduces it
// to error metrics.
package align

import (
	"math"
	"sort"
	"time"
)

// ComparisonRow is one joined (station, forecast) sample. Station and Model
// are nil when the respective side had no usable value; AbsError is set only
// when both sides are present. Station values are post-processed (sentinels
// converted to nil) before any error math.
type ComparisonRow struct {
	Time        time.Time `json:"time"`
	StationID   int       `json:"station_id"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	FcstMinutes int       `json:"fcst_minutes"`
	Station     *float64  `json:"station"`
	Model       *float64  `json:"model"`
	AbsError    *float64  `json:"abs_error"`
}

// Metrics are the aggregate error reductions over the complete rows of a
// comparison table. Signs follow model minus station.
type Metrics struct {
	Count int     `json:"count"`
	ME    float64 `json:"me"`
	MAE   float64 `json:"mae"`
	RMSE  float64 `json:"rmse"`
}

// StationMetrics are Metrics grouped by station.
type StationMetrics struct {
	StationID int `json:"station_id"`
	Metrics
}

// ComputeMetrics reduces rows to overall metrics. Rows missing either side
// are excluded from every aggregate, including the count.
func ComputeMetrics(rows []ComparisonRow) Metrics {
	var (
		n                   int
		sum, sumAbs, sumSqr float64
	)
	for _, row := range rows {
		if row.Station == nil || row.Model == nil {
			continue
		}
		diff := *row.Model - *row.Station
		n++
		sum += diff
		sumAbs += math.Abs(diff)
		sumSqr += diff * diff
	}
	if n == 0 {
		return Metrics{}
	}
	return Metrics{
		Count: n,
		ME:    sum / float64(n),
		MAE:   sumAbs / float64(n),
		RMSE:  math.Sqrt(sumSqr / float64(n)),
	}
}

// PerStationMetrics reduces rows grouped by station id, ascending. Stations
// contributing no complete row are omitted.
func PerStationMetrics(rows []ComparisonRow) []StationMetrics {
	grouped := make(map[int][]ComparisonRow)
	for _, row := range rows {
		grouped[row.StationID] = append(grouped[row.StationID], row)
	}

	var out []StationMetrics
	for id, group := range grouped {
		m := ComputeMetrics(group)
		if m.Count == 0 {
			continue
		}
		out = append(out, StationMetrics{StationID: id, Metrics: m})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StationID < out[b].StationID })
	return out
}
