package station

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sfalkner/gridobs/internal/geo"
	"github.com/sfalkner/gridobs/pkg/logger"
)

// ResultRow is one observation result: a rounded-hour timestamp, the station
// coordinate and the raw string value per requested parameter. Every row
// carries every requested parameter; incomplete rows are dropped.
type ResultRow struct {
	Time   time.Time         `json:"time"`
	Lat    float64           `json:"lat"`
	Lon    float64           `json:"lon"`
	Values map[string]string `json:"values"`
}

// Engine answers observation queries against a loaded Index. Data files are
// read on first use and cached per path for the engine's lifetime.
type Engine struct {
	index  *Index
	logger *logger.Logger

	mu    sync.Mutex
	cache map[string]map[time.Time]map[string]string // path -> time -> column -> raw value
}

// NewEngine creates a query engine over index.
func NewEngine(index *Index, log *logger.Logger) *Engine {
	return &Engine{
		index:  index,
		logger: log.Named("station-engine"),
		cache:  make(map[string]map[time.Time]map[string]string),
	}
}

// GetValues returns the observation rows of the station at exactly
// (lat, lon) — matched at 4-decimal precision, never fuzzily — for the
// requested times. With allParams set, every parameter the station reports
// is included; otherwise only params. An unknown coordinate yields an empty
// result, not an error. Rows missing any requested parameter are dropped
// entirely. Values are raw strings; sentinel handling is the caller's
// post-processing concern.
func (e *Engine) GetValues(times []time.Time, lat, lon float64, allParams bool, params []string) ([]ResultRow, error) {
	records := e.index.RecordsAt(lat, lon)
	if len(records) == 0 {
		return nil, nil
	}

	wanted := params
	if allParams {
		wanted = nil
		seen := make(map[string]bool)
		for _, rec := range records {
			if !seen[rec.Param] {
				seen[rec.Param] = true
				wanted = append(wanted, rec.Param)
			}
		}
		sort.Strings(wanted)
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	// Distinct rounded query times, ascending.
	roundedSet := make(map[time.Time]bool)
	var rounded []time.Time
	for _, t := range times {
		r := geo.RoundToNearestHour(t)
		if !roundedSet[r] {
			roundedSet[r] = true
			rounded = append(rounded, r)
		}
	}
	sort.Slice(rounded, func(a, b int) bool { return rounded[a].Before(rounded[b]) })

	// Column-merge: accumulate one value map per timestamp, one parameter
	// at a time, each from its own backing file.
	accumulated := make(map[time.Time]map[string]string, len(rounded))
	for _, param := range wanted {
		rec, ok := recordFor(records, param)
		if !ok {
			// The station never reports this parameter: strict
			// completeness empties the whole result.
			return nil, nil
		}
		byTime, err := e.loadFile(rec.Path)
		if err != nil {
			return nil, err
		}
		for _, t := range rounded {
			row, ok := byTime[t]
			if !ok {
				continue
			}
			value, ok := row[param]
			if !ok {
				continue
			}
			if accumulated[t] == nil {
				accumulated[t] = make(map[string]string, len(wanted))
			}
			accumulated[t][param] = value
		}
	}

	var rows []ResultRow
	for _, t := range rounded {
		values := accumulated[t]
		if len(values) != len(wanted) {
			continue // incomplete row
		}
		rows = append(rows, ResultRow{Time: t, Lat: lat, Lon: lon, Values: values})
	}
	return rows, nil
}

func recordFor(records []Record, param string) (Record, bool) {
	for _, rec := range records {
		if rec.Param == param && rec.Loaded {
			return rec, true
		}
	}
	return Record{}, false
}

// loadFile reads a data file into the timestamp-keyed cache, rounding each
// observation time to the nearest hour.
func (e *Engine) loadFile(path string) (map[time.Time]map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if byTime, ok := e.cache[path]; ok {
		return byTime, nil
	}

	rows, err := ReadDataRows(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load station data: %w", err)
	}
	byTime := make(map[time.Time]map[string]string, len(rows))
	for _, row := range rows {
		byTime[geo.RoundToNearestHour(row.Time)] = row.Values
	}
	e.cache[path] = byTime
	e.logger.Debug("Loaded station data file",
		logger.String("path", path), logger.Int("rows", len(rows)))
	return byTime, nil
}
