package grid

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sfalkner/gridobs/internal/geo"
	"github.com/sfalkner/gridobs/internal/scan"
	"github.com/sfalkner/gridobs/internal/wgrib2"
	"github.com/sfalkner/gridobs/pkg/logger"
)

var (
	// ErrDirNotFound means the configured grid directory does not exist.
	ErrDirNotFound = errors.New("grid directory not found")
	// ErrNoGridFiles means the directory exists but holds no grid files
	// after archive extraction.
	ErrNoGridFiles = errors.New("no grid files found")
)

// Tool is the subset of the external tool client the index and engine use.
// *wgrib2.Client satisfies it; tests substitute stubs.
type Tool interface {
	Inventory(ctx context.Context, file string) (wgrib2.Inventory, error)
	Grid(ctx context.Context, file string) (wgrib2.Grid, error)
	PointValues(ctx context.Context, file, param string, coords []geo.Coord) ([]wgrib2.Value, error)
}

// ProgressFunc receives ingestion progress. It may be called from multiple
// goroutines concurrently.
type ProgressFunc func(stage string, done, total int)

// IndexOptions configures folder ingestion.
type IndexOptions struct {
	// MaxForecastMinutes is the horizon cutoff; records beyond it land in
	// the out-of-horizon table and never match queries. Default 120.
	MaxForecastMinutes int
	// Workers bounds parallel metadata extraction. Default 4.
	Workers int
	// Progress, when set, receives per-file ingestion progress.
	Progress ProgressFunc
}

const (
	defaultMaxForecastMinutes = 120
	defaultIndexWorkers       = 4
)

// Index is the in-memory table of ingested grid files plus the deduplicated
// geometry table. It is built once by LoadFolder and read-only afterwards.
type Index struct {
	tool   Tool
	opts   IndexOptions
	logger *logger.Logger

	files      []FileRecord
	invalid    []FileRecord
	geometries []GeometryRecord
	skipped    []SkippedFile

	byKey map[string][]FileRecord // sorted by ValidTime ascending
	geoms map[string]GeometryRecord
}

// NewIndex creates an empty index backed by the given tool client.
func NewIndex(tool Tool, opts IndexOptions, log *logger.Logger) *Index {
	if opts.MaxForecastMinutes <= 0 {
		opts.MaxForecastMinutes = defaultMaxForecastMinutes
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultIndexWorkers
	}
	return &Index{
		tool:   tool,
		opts:   opts,
		logger: log.Named("grid-index"),
		byKey:  make(map[string][]FileRecord),
		geoms:  make(map[string]GeometryRecord),
	}
}

// LoadFolder ingests every grid file under path: extract archives, pull
// metadata per file through the tool (in parallel), partition by forecast
// horizon, deduplicate geometry and sort for deterministic lookup. A missing
// directory or an empty tree is fatal; a single unreadable file is skipped
// and recorded in the diagnostics.
func (ix *Index) LoadFolder(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrDirNotFound, path)
	}

	archives, err := scan.ListFiles(path, ".bz2")
	if err != nil {
		return err
	}
	if err := scan.ExtractBz2(archives, ix.logger); err != nil {
		return err
	}

	files, err := scan.ListFiles(path, ".grib2")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: %s", ErrNoGridFiles, path)
	}
	sort.Strings(files)

	ix.logger.Info("Ingesting grid files",
		logger.String("path", path),
		logger.Int("files", len(files)),
		logger.Int("workers", ix.opts.Workers))

	type outcome struct {
		rec    FileRecord
		geom   GeometryRecord
		reason string // non-empty means skipped
	}
	outcomes := make([]outcome, len(files))
	jobs := make(chan int)
	var done atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < ix.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				rec, geom, err := ix.extractOne(ctx, files[i])
				if err != nil {
					outcomes[i] = outcome{reason: err.Error()}
				} else {
					outcomes[i] = outcome{rec: rec, geom: geom}
				}
				if ix.opts.Progress != nil {
					ix.opts.Progress("ingest_progress", int(done.Add(1)), len(files))
				}
			}
		}()
	}
	for i := range files {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("grid ingestion aborted: %w", err)
	}

	ix.files = ix.files[:0]
	ix.invalid = ix.invalid[:0]
	ix.skipped = ix.skipped[:0]
	for i, out := range outcomes {
		if out.reason != "" {
			ix.skipped = append(ix.skipped, SkippedFile{Path: files[i], Reason: out.reason})
			continue
		}
		if out.rec.FcstMinutes > ix.opts.MaxForecastMinutes {
			ix.invalid = append(ix.invalid, out.rec)
			continue
		}
		ix.files = append(ix.files, out.rec)
		k := indexKey(out.geom.Model, out.geom.Param)
		if _, seen := ix.geoms[k]; !seen {
			ix.geoms[k] = out.geom
			ix.geometries = append(ix.geometries, out.geom)
		}
	}

	sort.Slice(ix.files, func(a, b int) bool {
		fa, fb := ix.files[a], ix.files[b]
		if fa.Model != fb.Model {
			return fa.Model < fb.Model
		}
		if !fa.RefTime.Equal(fb.RefTime) {
			return fa.RefTime.Before(fb.RefTime)
		}
		return fa.Path < fb.Path
	})

	ix.byKey = make(map[string][]FileRecord)
	for _, rec := range ix.files {
		k := indexKey(rec.Model, rec.Param)
		ix.byKey[k] = append(ix.byKey[k], rec)
	}
	for k := range ix.byKey {
		recs := ix.byKey[k]
		sort.Slice(recs, func(a, b int) bool {
			if !recs[a].ValidTime.Equal(recs[b].ValidTime) {
				return recs[a].ValidTime.Before(recs[b].ValidTime)
			}
			return recs[a].Path < recs[b].Path
		})
	}

	ix.logger.Info("Grid ingestion complete",
		logger.Int("valid", len(ix.files)),
		logger.Int("out_of_horizon", len(ix.invalid)),
		logger.Int("skipped", len(ix.skipped)),
		logger.Int("geometries", len(ix.geometries)))
	return nil
}

func (ix *Index) extractOne(ctx context.Context, file string) (FileRecord, GeometryRecord, error) {
	inv, err := ix.tool.Inventory(ctx, file)
	if err != nil {
		return FileRecord{}, GeometryRecord{}, err
	}
	g, err := ix.tool.Grid(ctx, file)
	if err != nil {
		return FileRecord{}, GeometryRecord{}, err
	}
	if !g.Regular {
		return FileRecord{}, GeometryRecord{}, errors.New("not a regular lat-lon grid")
	}

	model := ClassifyModel(g.Delta)
	rec := FileRecord{
		Model:       model,
		Param:       inv.Param,
		RefTime:     inv.RefTime,
		FcstMinutes: inv.FcstMinutes,
		ValidTime:   inv.ValidTime(),
		Path:        file,
	}
	geom := GeometryRecord{
		Model:  model,
		Param:  inv.Param,
		LatMin: g.LatMin,
		LatMax: g.LatMax,
		LonMin: geo.NormalizeLon180(g.LonMin),
		LonMax: geo.NormalizeLon180(g.LonMax),
		Delta:  g.Delta,
	}
	return rec, geom, nil
}

func indexKey(model Model, param string) string {
	return string(model) + "|" + param
}

// ClosestValidTime resolves t to the nearest forecast-valid time available
// for (model, param), by absolute difference. Ties go to the earlier time:
// the scan walks valid times in ascending order and only a strictly smaller
// difference displaces the current best. Returns false when the index holds
// nothing for the key.
func (ix *Index) ClosestValidTime(model Model, param string, t time.Time) (time.Time, bool) {
	recs := ix.byKey[indexKey(model, param)]
	if len(recs) == 0 {
		return time.Time{}, false
	}
	best := recs[0].ValidTime
	bestDiff := geo.HoursBetween(t, best)
	for _, rec := range recs[1:] {
		if rec.ValidTime.Equal(best) {
			continue
		}
		if d := geo.HoursBetween(t, rec.ValidTime); d < bestDiff {
			best, bestDiff = rec.ValidTime, d
		}
	}
	return best, true
}

// FileAt returns the record backing (model, param) at exactly validTime.
// When several runs produced the same valid time the lexically first path
// wins, matching the sort applied at load.
func (ix *Index) FileAt(model Model, param string, validTime time.Time) (FileRecord, bool) {
	for _, rec := range ix.byKey[indexKey(model, param)] {
		if rec.ValidTime.Equal(validTime) {
			return rec, true
		}
	}
	return FileRecord{}, false
}

// DistinctValidTimes returns the ascending distinct forecast-valid times for
// (model, param).
func (ix *Index) DistinctValidTimes(model Model, param string) []time.Time {
	var times []time.Time
	for _, rec := range ix.byKey[indexKey(model, param)] {
		if n := len(times); n > 0 && times[n-1].Equal(rec.ValidTime) {
			continue
		}
		times = append(times, rec.ValidTime)
	}
	return times
}

// Geometry returns the deduplicated geometry for (model, param).
func (ix *Index) Geometry(model Model, param string) (GeometryRecord, bool) {
	g, ok := ix.geoms[indexKey(model, param)]
	return g, ok
}

// Records returns the valid (in-horizon) file table.
func (ix *Index) Records() []FileRecord { return ix.files }

// OutOfHorizon returns the records excluded by the forecast-horizon cutoff.
// They never match queries and exist for diagnostics only.
func (ix *Index) OutOfHorizon() []FileRecord { return ix.invalid }

// Skipped returns the discovered files that yielded no usable metadata.
func (ix *Index) Skipped() []SkippedFile { return ix.skipped }

// Geometries returns the deduplicated geometry table.
func (ix *Index) Geometries() []GeometryRecord { return ix.geometries }
