// Package station builds and queries the in-memory index of ground station
// observations: fixed-format initialization files describe the stations,
// per-station semicolon-delimited data files carry the hourly time series.
package station

import "time"

// Record is one (station, parameter) pair. A station reporting N parameters
// yields N records sharing id, coordinate and elevation. The first record of
// a station starts as a placeholder with an empty Param; ingesting a data
// file fills the placeholder or appends a clone with the next parameter.
type Record struct {
	ID     int       `json:"id"`
	From   time.Time `json:"from"` // validity window, widened across files
	To     time.Time `json:"to"`
	Height int       `json:"height"` // elevation in meters
	Lat    float64   `json:"lat"`
	Lon    float64   `json:"lon"`
	Param  string    `json:"param,omitempty"` // empty for an unfilled placeholder
	Path   string    `json:"path,omitempty"`  // backing data file
	Loaded bool      `json:"loaded"`          // a data file has been assigned
}

// ValidAt reports whether t falls inside the station's validity window.
func (r Record) ValidAt(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// DataFileMeta is the cheap header/footer summary of one data file: the
// station it belongs to, the parameters it carries and the time span it
// covers. The last timestamp is found by seeking backward from end of file
// so multi-year hourly files are never read fully just for their span.
type DataFileMeta struct {
	StationID int
	Params    []string
	First     time.Time
	Last      time.Time
}

// DataRow is one observation line: a rounded-hour timestamp plus the raw
// string value per column (quality flags and qualifiers included, end-of-
// record marker dropped). Values stay raw here; sentinel handling is the
// caller's post-processing concern.
type DataRow struct {
	Time   time.Time
	Values map[string]string
}
