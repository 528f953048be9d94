package station

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sfalkner/gridobs/internal/geo"
	"github.com/sfalkner/gridobs/internal/scan"
	"github.com/sfalkner/gridobs/pkg/logger"
)

var (
	// ErrDirNotFound means the configured station directory does not exist.
	ErrDirNotFound = errors.New("station directory not found")
	// ErrNoStations means no usable station line came out of any
	// initialization file.
	ErrNoStations = errors.New("no stations parsed from initialization data")
	// ErrNoDataFiles means no per-station data file exists beyond the
	// initialization files.
	ErrNoDataFiles = errors.New("no station data files found")
)

// File-name markers distinguishing the two text file kinds in a station
// tree.
const (
	InitFileMarker = "stundenwerte_beschreibung"
	DataFileMarker = "produkt_"
)

// Index is the in-memory (station, parameter) table. Built once by
// LoadFolder, read-only afterwards.
type Index struct {
	logger *logger.Logger

	records []Record
	byID    map[int][]int    // record indexes per station id
	byCoord map[string][]int // record indexes per 4-decimal coord key

	unknownFiles []string // data files whose station id is not in the init data
}

// NewIndex creates an empty station index.
func NewIndex(log *logger.Logger) *Index {
	return &Index{
		logger:  log.Named("station-index"),
		byID:    make(map[int][]int),
		byCoord: make(map[string][]int),
	}
}

// LoadFolder ingests a station tree: parse the initialization files, extract
// the per-station archives, then assign every data file to its station's
// parameter slots. Structural emptiness is fatal; a data file with an
// unknown station id is logged, counted and skipped.
func (ix *Index) LoadFolder(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrDirNotFound, path)
	}

	textFiles, err := scan.ListFiles(path, ".txt")
	if err != nil {
		return err
	}

	base := make(map[int]Record)
	for _, file := range textFiles {
		if !hasMarker(file, InitFileMarker) {
			continue
		}
		records, rejected, err := ReadInitFile(file)
		if err != nil {
			return err
		}
		if rejected > 0 {
			ix.logger.Warn("Rejected malformed init lines",
				logger.String("file", file), logger.Int("lines", rejected))
		}
		for _, rec := range records {
			prev, seen := base[rec.ID]
			if !seen {
				base[rec.ID] = rec
				continue
			}
			// The same station may appear in several init files;
			// widen its validity window across all of them.
			if rec.From.Before(prev.From) {
				prev.From = rec.From
			}
			if rec.To.After(prev.To) {
				prev.To = rec.To
			}
			base[rec.ID] = prev
		}
	}
	if len(base) == 0 {
		return fmt.Errorf("%w: %s", ErrNoStations, path)
	}

	archives, err := scan.ListFiles(path, ".zip")
	if err != nil {
		return err
	}
	if err := scan.ExtractZipMembers(archives, DataFileMarker, ix.logger); err != nil {
		return err
	}

	textFiles, err = scan.ListFiles(path, ".txt")
	if err != nil {
		return err
	}
	var dataFiles []string
	for _, file := range textFiles {
		if hasMarker(file, DataFileMarker) {
			dataFiles = append(dataFiles, file)
		}
	}
	if len(dataFiles) == 0 {
		return fmt.Errorf("%w: %s", ErrNoDataFiles, path)
	}
	sort.Strings(dataFiles)

	// One placeholder record per station; data files fill it in or clone it
	// per additional parameter.
	ix.records = ix.records[:0]
	ix.unknownFiles = ix.unknownFiles[:0]
	byStation := make(map[int][]int, len(base))
	for id, rec := range base {
		byStation[id] = []int{len(ix.records)}
		ix.records = append(ix.records, rec)
	}

	for _, file := range dataFiles {
		meta, err := ReadDataFileMeta(file)
		if err != nil {
			ix.logger.Warn("Skipping unreadable data file",
				logger.String("file", file), logger.Error(err))
			ix.unknownFiles = append(ix.unknownFiles, file)
			continue
		}
		indexes, known := byStation[meta.StationID]
		if !known {
			ix.logger.Warn("Skipping data file for unknown station",
				logger.String("file", file), logger.Int("station_id", meta.StationID))
			ix.unknownFiles = append(ix.unknownFiles, file)
			continue
		}
		for _, param := range meta.Params {
			idx := ix.assignParam(indexes, param, file, meta)
			if !containsInt(indexes, idx) {
				indexes = append(indexes, idx)
			}
		}
		byStation[meta.StationID] = indexes
	}

	sort.SliceStable(ix.records, func(a, b int) bool {
		ra, rb := ix.records[a], ix.records[b]
		if ra.ID != rb.ID {
			return ra.ID < rb.ID
		}
		return ra.Param < rb.Param
	})

	ix.byID = make(map[int][]int)
	ix.byCoord = make(map[string][]int)
	for i, rec := range ix.records {
		ix.byID[rec.ID] = append(ix.byID[rec.ID], i)
		key := geo.CoordKey(rec.Lat, rec.Lon)
		ix.byCoord[key] = append(ix.byCoord[key], i)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("station ingestion aborted: %w", err)
	}
	ix.logger.Info("Station ingestion complete",
		logger.Int("stations", len(base)),
		logger.Int("records", len(ix.records)),
		logger.Int("data_files", len(dataFiles)),
		logger.Int("skipped_files", len(ix.unknownFiles)))
	return nil
}

// assignParam fills the station's first unfilled placeholder with param, or
// appends a new record cloned from the placeholder. Returns the record index
// used. The validity window widens to cover the data file's span.
func (ix *Index) assignParam(indexes []int, param, file string, meta DataFileMeta) int {
	for _, i := range indexes {
		if ix.records[i].Param == param && ix.records[i].Path == file {
			return i // same file listed twice, nothing to do
		}
	}
	for _, i := range indexes {
		if ix.records[i].Param == "" {
			ix.fillRecord(i, param, file, meta)
			return i
		}
	}
	clone := ix.records[indexes[0]]
	clone.Param = ""
	clone.Path = ""
	clone.Loaded = false
	ix.records = append(ix.records, clone)
	i := len(ix.records) - 1
	ix.fillRecord(i, param, file, meta)
	return i
}

func (ix *Index) fillRecord(i int, param, file string, meta DataFileMeta) {
	rec := &ix.records[i]
	rec.Param = param
	rec.Path = file
	rec.Loaded = true
	if meta.First.Before(rec.From) {
		rec.From = meta.First
	}
	if meta.Last.After(rec.To) {
		rec.To = meta.Last
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func hasMarker(path, marker string) bool {
	return strings.Contains(strings.ToLower(filepath.Base(path)), marker)
}

// Records returns the full (station, parameter) table in (id, param) order.
func (ix *Index) Records() []Record { return ix.records }

// UnknownDataFiles returns the data files skipped during ingestion.
func (ix *Index) UnknownDataFiles() []string { return ix.unknownFiles }

// RecordsAt returns the parameter records of the station at the exact
// 4-decimal coordinate, excluding unfilled placeholders.
func (ix *Index) RecordsAt(lat, lon float64) []Record {
	var out []Record
	for _, i := range ix.byCoord[geo.CoordKey(lat, lon)] {
		if ix.records[i].Param != "" {
			out = append(out, ix.records[i])
		}
	}
	return out
}

// RecordsByID returns the parameter records of one station id.
func (ix *Index) RecordsByID(id int) []Record {
	var out []Record
	for _, i := range ix.byID[id] {
		if ix.records[i].Param != "" {
			out = append(out, ix.records[i])
		}
	}
	return out
}

// Locations returns each loaded station's coordinate once, restricted to
// stations whose validity window covers t. A zero t disables the filter.
func (ix *Index) Locations(t time.Time) []geo.Coord {
	seen := make(map[string]bool)
	var coords []geo.Coord
	for _, rec := range ix.records {
		if rec.Param == "" || !rec.Loaded {
			continue
		}
		if !t.IsZero() && !rec.ValidAt(t) {
			continue
		}
		key := geo.CoordKey(rec.Lat, rec.Lon)
		if seen[key] {
			continue
		}
		seen[key] = true
		coords = append(coords, geo.Coord{Lat: rec.Lat, Lon: rec.Lon})
	}
	return coords
}
