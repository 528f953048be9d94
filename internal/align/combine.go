package align

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sfalkner/gridobs/internal/geo"
	"github.com/sfalkner/gridobs/internal/grid"
	"github.com/sfalkner/gridobs/internal/station"
	"github.com/sfalkner/gridobs/pkg/logger"
)

// ErrNoForecasts means the grid index holds nothing for the requested
// (model, param), so there is no time axis to align on.
var ErrNoForecasts = errors.New("no forecast times indexed for model/param")

// Station sentinels. -999 is "no measurement"; for cloud cover -1 encodes
// fog, observed as a fully covered sky.
const (
	noMeasurement = -999
	fogValue      = -1
	fogEighths    = 8
)

// Run is one completed alignment: the joined comparison table plus its
// metric reductions.
type Run struct {
	ID           int64            `json:"id"`
	CreatedAt    time.Time        `json:"created_at"`
	Model        grid.Model       `json:"model"`
	GridParam    string           `json:"grid_param"`
	StationParam string           `json:"station_param"`
	IDWRadius    float64          `json:"idw_radius"`
	Rows         []ComparisonRow  `json:"rows,omitempty"`
	Overall      Metrics          `json:"overall"`
	PerStation   []StationMetrics `json:"per_station"`
}

// RunStore persists completed runs. *sqlite.Store implements it.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) (int64, error)
}

// ProgressFunc receives per-station alignment progress.
type ProgressFunc func(stage string, done, total int)

// Options selects what one alignment run compares.
type Options struct {
	Model        grid.Model
	GridParam    string
	StationParam string
	// IDWRadius, when positive, evaluates the grid side by IDW over that
	// radius in degrees instead of the plain point lookup.
	IDWRadius float64
	// ConvertEighths rescales station values from eighths-of-sky to
	// percent and maps the fog encoding to full cover, matching the
	// cloud-cover parameter's unit against the model's.
	ConvertEighths bool
}

// Combiner joins the two query engines into comparison runs.
type Combiner struct {
	gridIndex     *grid.Index
	gridEngine    *grid.Engine
	stationIndex  *station.Index
	stationEngine *station.Engine
	store         RunStore
	progress      ProgressFunc
	logger        *logger.Logger
}

// NewCombiner creates a Combiner. store and progress may be nil: runs are
// then neither persisted nor announced.
func NewCombiner(
	gridIndex *grid.Index,
	gridEngine *grid.Engine,
	stationIndex *station.Index,
	stationEngine *station.Engine,
	store RunStore,
	progress ProgressFunc,
	log *logger.Logger,
) *Combiner {
	return &Combiner{
		gridIndex:     gridIndex,
		gridEngine:    gridEngine,
		stationIndex:  stationIndex,
		stationEngine: stationEngine,
		store:         store,
		progress:      progress,
		logger:        log.Named("align"),
	}
}

// Run builds the comparison of opts.Model's opts.GridParam forecasts against
// opts.StationParam observations over every distinct forecast-valid time in
// the grid index and every station whose validity window covers it. Station
// observation rows are the left side of the join; forecast values attach
// where available. The result is persisted and announced when a store or
// progress sink is configured.
func (c *Combiner) Run(ctx context.Context, opts Options) (*Run, error) {
	times := c.gridIndex.DistinctValidTimes(opts.Model, opts.GridParam)
	if len(times) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoForecasts, opts.Model, opts.GridParam)
	}
	locations := c.stationIndex.Locations(time.Time{})

	c.logger.Info("Starting alignment run",
		logger.String("model", string(opts.Model)),
		logger.String("grid_param", opts.GridParam),
		logger.String("station_param", opts.StationParam),
		logger.Int("times", len(times)),
		logger.Int("stations", len(locations)))

	run := &Run{
		CreatedAt:    time.Now().UTC(),
		Model:        opts.Model,
		GridParam:    opts.GridParam,
		StationParam: opts.StationParam,
		IDWRadius:    opts.IDWRadius,
	}

	for li, loc := range locations {
		rows, err := c.alignStation(ctx, opts, times, loc)
		if err != nil {
			return nil, err
		}
		run.Rows = append(run.Rows, rows...)
		if c.progress != nil {
			c.progress("alignment_progress", li+1, len(locations))
		}
	}

	// Sort on the composite join key for predictable output ordering.
	sort.Slice(run.Rows, func(a, b int) bool {
		ra, rb := run.Rows[a], run.Rows[b]
		if !ra.Time.Equal(rb.Time) {
			return ra.Time.Before(rb.Time)
		}
		if ra.Lat != rb.Lat {
			return ra.Lat < rb.Lat
		}
		return ra.Lon < rb.Lon
	})

	run.Overall = ComputeMetrics(run.Rows)
	run.PerStation = PerStationMetrics(run.Rows)

	if c.store != nil {
		id, err := c.store.SaveRun(ctx, run)
		if err != nil {
			return nil, fmt.Errorf("failed to persist alignment run: %w", err)
		}
		run.ID = id
	}
	if c.progress != nil {
		c.progress("alignment_complete", len(locations), len(locations))
	}

	c.logger.Info("Alignment run complete",
		logger.Int("rows", len(run.Rows)),
		logger.Int("compared", run.Overall.Count),
		logger.Float64("mae", run.Overall.MAE),
		logger.Float64("rmse", run.Overall.RMSE))
	return run, nil
}

// alignStation builds the comparison rows of one station coordinate.
func (c *Combiner) alignStation(ctx context.Context, opts Options, times []time.Time, loc geo.Coord) ([]ComparisonRow, error) {
	records := c.stationIndex.RecordsAt(loc.Lat, loc.Lon)
	if len(records) == 0 {
		return nil, nil
	}
	stationID := records[0].ID

	// Only query the times the station's validity window covers.
	var covered []time.Time
	for _, t := range times {
		for _, rec := range records {
			if rec.Param == opts.StationParam && rec.ValidAt(t) {
				covered = append(covered, t)
				break
			}
		}
	}
	if len(covered) == 0 {
		return nil, nil
	}

	obsRows, err := c.stationEngine.GetValues(covered, loc.Lat, loc.Lon, false, []string{opts.StationParam})
	if err != nil {
		return nil, fmt.Errorf("station query for %d failed: %w", stationID, err)
	}
	if len(obsRows) == 0 {
		return nil, nil
	}

	obsTimes := make([]time.Time, len(obsRows))
	for i, row := range obsRows {
		obsTimes[i] = row.Time
	}

	var gridRows []grid.Row
	if opts.IDWRadius > 0 {
		gridRows, err = c.gridEngine.GetValuesIDW(ctx, opts.Model, opts.GridParam, obsTimes, []geo.Coord{loc}, opts.IDWRadius)
	} else {
		gridRows, err = c.gridEngine.GetValues(ctx, opts.Model, opts.GridParam, obsTimes, []geo.Coord{loc})
	}
	if err != nil {
		return nil, fmt.Errorf("grid query for station %d failed: %w", stationID, err)
	}

	// Both engines return rows 1:1 with the query input, so the join is a
	// positional zip.
	rows := make([]ComparisonRow, len(obsRows))
	for i, obs := range obsRows {
		row := ComparisonRow{
			Time:        obs.Time,
			StationID:   stationID,
			Lat:         loc.Lat,
			Lon:         loc.Lon,
			FcstMinutes: gridRows[i].FcstMinutes,
			Station:     PostProcessValue(obs.Values[opts.StationParam], opts.ConvertEighths),
		}
		if gridRows[i].Value.IsOK() {
			v := gridRows[i].Value.V
			row.Model = &v
		}
		if row.Station != nil && row.Model != nil {
			e := *row.Model - *row.Station
			if e < 0 {
				e = -e
			}
			row.AbsError = &e
		}
		rows[i] = row
	}
	return rows, nil
}

// PostProcessValue converts a raw station value into a usable number:
// unparseable text and the no-measurement sentinel become nil, and with
// convertEighths the fog encoding counts as full cover before the
// eighths-to-percent rescale. Sentinels must be converted here, before any
// error computation, or two missing sides would compare as a perfect match.
func PostProcessValue(raw string, convertEighths bool) *float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	if v == noMeasurement {
		return nil
	}
	if convertEighths {
		if v == fogValue {
			v = fogEighths
		}
		v = v / 8 * 100
	}
	return &v
}
