package grid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sfalkner/gridobs/internal/geo"
	"github.com/sfalkner/gridobs/pkg/logger"
)

var (
	// ErrShapeMismatch means times and coords are neither broadcastable
	// (length 1) nor of equal length.
	ErrShapeMismatch = errors.New("times and coords must have length 1 or equal length")
	// ErrNoGeometry means no geometry is indexed for the (model, param)
	// combination, so IDW neighborhoods cannot be constructed.
	ErrNoGeometry = errors.New("no grid geometry indexed for model/param")
)

// idwEpsilon replaces an exact-zero neighbor distance so the center point
// dominates instead of dividing by zero.
const idwEpsilon = 1e-10

// EngineOptions configures query behavior.
type EngineOptions struct {
	// BatchSize bounds coordinates per tool invocation, keeping the
	// command line bounded. Default 1000.
	BatchSize int
	// MaxDivergenceHours rejects a resolved forecast time further than
	// this from the rounded query time, yielding Missing rows. Zero
	// disables the check.
	MaxDivergenceHours float64
	// IDWPower is the q exponent of the inverse-distance weight. Default 1.
	IDWPower float64
}

const defaultBatchSize = 1000

// Engine answers batched value queries against a loaded Index.
type Engine struct {
	index  *Index
	tool   Tool
	opts   EngineOptions
	logger *logger.Logger
}

// NewEngine creates a query engine over index, extracting values through
// tool.
func NewEngine(index *Index, tool Tool, opts EngineOptions, log *logger.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.IDWPower <= 0 {
		opts.IDWPower = 1
	}
	return &Engine{index: index, tool: tool, opts: opts, logger: log.Named("grid-engine")}
}

// Row is one query result. Rows come back 1:1 and in order with the input
// pairs. A row whose query time resolved to nothing keeps the queried
// coordinates, a zero ValidTime and FcstMinutes -1.
type Row struct {
	ValidTime   time.Time `json:"valid_time"`
	FcstMinutes int       `json:"fcst_minutes"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Param       string    `json:"param"`
	Value       Value     `json:"value"`
}

// broadcast validates the length-1-or-N contract and expands length-1 inputs
// to N pairs.
func broadcast(times []time.Time, coords []geo.Coord) ([]time.Time, []geo.Coord, error) {
	if len(times) == 0 || len(coords) == 0 {
		return nil, nil, ErrShapeMismatch
	}
	if len(times) == len(coords) {
		return times, coords, nil
	}
	if len(times) == 1 {
		expanded := make([]time.Time, len(coords))
		for i := range expanded {
			expanded[i] = times[0]
		}
		return expanded, coords, nil
	}
	if len(coords) == 1 {
		expanded := make([]geo.Coord, len(times))
		for i := range expanded {
			expanded[i] = coords[0]
		}
		return times, expanded, nil
	}
	return nil, nil, fmt.Errorf("%w: got %d times, %d coords", ErrShapeMismatch, len(times), len(coords))
}

// GetValues resolves every (time, coord) pair to the nearest available
// forecast slice for (model, param) and extracts the point values in batched
// tool calls. Length-1 times or coords broadcast against the other input.
// Missing data never errors: unresolvable times, out-of-range coordinates
// and sentinel values all come back as tagged rows.
func (e *Engine) GetValues(ctx context.Context, model Model, param string, times []time.Time, coords []geo.Coord) ([]Row, error) {
	times, coords, err := broadcast(times, coords)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, len(times))
	for i := range rows {
		rows[i] = Row{
			FcstMinutes: -1,
			Lat:         coords[i].Lat,
			Lon:         coords[i].Lon,
			Param:       param,
			Value:       Missing(),
		}
	}

	// Resolve each distinct rounded time once, then group input indexes by
	// resolved valid time so each group is served by one file.
	resolved := make(map[time.Time]time.Time)
	groups := make(map[time.Time][]int)
	for i, t := range times {
		rounded := geo.RoundToNearestHour(t)
		valid, ok := resolved[rounded]
		if !ok {
			valid, ok = e.index.ClosestValidTime(model, param, rounded)
			if ok && e.opts.MaxDivergenceHours > 0 &&
				geo.HoursBetween(rounded, valid) > e.opts.MaxDivergenceHours {
				ok = false
			}
			if !ok {
				valid = time.Time{}
			}
			resolved[rounded] = valid
		}
		if valid.IsZero() {
			continue // row stays Missing
		}
		groups[valid] = append(groups[valid], i)
	}

	geom, hasGeom := e.index.Geometry(model, param)

	// Deterministic group order, for logs and for tools that care.
	validTimes := make([]time.Time, 0, len(groups))
	for valid := range groups {
		validTimes = append(validTimes, valid)
	}
	sort.Slice(validTimes, func(a, b int) bool { return validTimes[a].Before(validTimes[b]) })

	e.logger.Debug("Resolved query groups",
		logger.String("model", string(model)),
		logger.String("param", param),
		logger.Int("points", len(times)),
		logger.Int("groups", len(validTimes)))

	for _, valid := range validTimes {
		rec, ok := e.index.FileAt(model, param, valid)
		if !ok {
			continue // rows stay Missing
		}

		// Bound-check against the geometry first so out-of-range points
		// never reach the tool.
		var queryIdx []int
		for _, i := range groups[valid] {
			rows[i].ValidTime = valid
			rows[i].FcstMinutes = rec.FcstMinutes
			if hasGeom && !geom.Contains(coords[i]) {
				rows[i].Value = OutOfRange()
				continue
			}
			queryIdx = append(queryIdx, i)
		}

		for start := 0; start < len(queryIdx); start += e.opts.BatchSize {
			end := start + e.opts.BatchSize
			if end > len(queryIdx) {
				end = len(queryIdx)
			}
			batch := queryIdx[start:end]

			toolCoords := make([]geo.Coord, len(batch))
			for j, i := range batch {
				toolCoords[j] = geo.Coord{
					Lat: coords[i].Lat,
					Lon: geo.NormalizeLon0360(coords[i].Lon),
				}
			}
			values, err := e.tool.PointValues(ctx, rec.Path, param, toolCoords)
			if err != nil {
				return nil, fmt.Errorf("value extraction for %s failed: %w", rec.Path, err)
			}
			for j, i := range batch {
				if values[j].Missing {
					rows[i].Value = Missing()
				} else {
					rows[i].Value = OK(values[j].V)
				}
			}
		}
	}

	return rows, nil
}

// GetValuesIDW evaluates each (time, coord) pair as the inverse-distance
// weighted average over the square neighborhood of grid-aligned points
// within radius degrees of the coordinate, stepping at the model's native
// cell spacing. A radius smaller than one cell degenerates to the plain
// nearest-value lookup. All-missing neighborhoods propagate Missing.
func (e *Engine) GetValuesIDW(ctx context.Context, model Model, param string, times []time.Time, coords []geo.Coord, radius float64) ([]Row, error) {
	times, coords, err := broadcast(times, coords)
	if err != nil {
		return nil, err
	}
	geom, ok := e.index.Geometry(model, param)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoGeometry, model, param)
	}

	// Flatten all neighborhoods into one GetValues call, remembering each
	// original point's slice of the flat list.
	var (
		flatTimes  []time.Time
		flatCoords []geo.Coord
		flatDists  []float64
		offsets    = make([]int, len(coords)+1)
	)
	for i, c := range coords {
		neighbors := neighborhood(c, radius, geom.Delta)
		for _, nb := range neighbors {
			flatTimes = append(flatTimes, times[i])
			flatCoords = append(flatCoords, nb.coord)
			flatDists = append(flatDists, nb.dist)
		}
		offsets[i+1] = len(flatCoords)
	}

	flat, err := e.GetValues(ctx, model, param, flatTimes, flatCoords)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, len(coords))
	for i := range coords {
		lo, hi := offsets[i], offsets[i+1]
		row := Row{
			FcstMinutes: -1,
			Lat:         coords[i].Lat,
			Lon:         coords[i].Lon,
			Param:       param,
			Value:       Missing(),
		}
		var weightSum, valueSum float64
		for j := lo; j < hi; j++ {
			// The neighborhood shares one query time, so every member
			// resolved to the same slice.
			if !flat[j].ValidTime.IsZero() {
				row.ValidTime = flat[j].ValidTime
				row.FcstMinutes = flat[j].FcstMinutes
			}
			if !flat[j].Value.IsOK() {
				continue
			}
			d := flatDists[j]
			if d < idwEpsilon {
				d = idwEpsilon
			}
			w := 1 / math.Pow(d, e.opts.IDWPower)
			weightSum += w
			valueSum += w * flat[j].Value.V
		}
		if weightSum > 0 {
			row.Value = OK(valueSum / weightSum)
		}
		rows[i] = row
	}
	return rows, nil
}

type neighbor struct {
	coord geo.Coord
	dist  float64
}

// neighborhood builds the square lattice of grid-aligned points within
// radius of center, stepping at delta, keeping only points whose Euclidean
// degree distance is within radius. Distances are rounded to 1e-6 so exact
// lattice points compare cleanly.
func neighborhood(center geo.Coord, radius, delta float64) []neighbor {
	steps := 0
	if delta > 0 {
		steps = int(radius / delta)
	}
	neighbors := make([]neighbor, 0, (2*steps+1)*(2*steps+1))
	for i := -steps; i <= steps; i++ {
		for j := -steps; j <= steps; j++ {
			dLat := float64(i) * delta
			dLon := float64(j) * delta
			dist := math.Round(math.Sqrt(dLat*dLat+dLon*dLon)*1e6) / 1e6
			if dist > radius {
				continue
			}
			neighbors = append(neighbors, neighbor{
				coord: geo.Coord{Lat: center.Lat + dLat, Lon: center.Lon + dLon},
				dist:  dist,
			})
		}
	}
	return neighbors
}

// AreaCoords enumerates the grid-aligned points covering a rectangular
// lat/lon area at the given step, inclusive of both bounds.
func AreaCoords(latMin, latMax, lonMin, lonMax, step float64) []geo.Coord {
	if step <= 0 || latMax < latMin || lonMax < lonMin {
		return nil
	}
	var coords []geo.Coord
	const tol = 1e-9
	for lat := latMin; lat <= latMax+tol; lat += step {
		for lon := lonMin; lon <= lonMax+tol; lon += step {
			coords = append(coords, geo.Coord{Lat: lat, Lon: lon})
		}
	}
	return coords
}
