package grid

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfalkner/gridobs/internal/geo"
	"github.com/sfalkner/gridobs/internal/wgrib2"
	"github.com/sfalkner/gridobs/pkg/logger"
)

// stubTool serves canned metadata and values keyed by file base name.
type stubTool struct {
	invs  map[string]wgrib2.Inventory
	grids map[string]wgrib2.Grid
	// values maps base name -> 4-decimal coord key -> value. Absent keys
	// come back as the missing sentinel would.
	values map[string]map[string]float64

	pointCalls int
	batchSizes []int
}

func (s *stubTool) Inventory(_ context.Context, file string) (wgrib2.Inventory, error) {
	inv, ok := s.invs[filepath.Base(file)]
	if !ok {
		return wgrib2.Inventory{}, errors.New("unreadable file")
	}
	return inv, nil
}

func (s *stubTool) Grid(_ context.Context, file string) (wgrib2.Grid, error) {
	g, ok := s.grids[filepath.Base(file)]
	if !ok {
		return wgrib2.Grid{}, errors.New("unreadable file")
	}
	return g, nil
}

func (s *stubTool) PointValues(_ context.Context, file, _ string, coords []geo.Coord) ([]wgrib2.Value, error) {
	s.pointCalls++
	s.batchSizes = append(s.batchSizes, len(coords))
	byCoord := s.values[filepath.Base(file)]
	out := make([]wgrib2.Value, len(coords))
	for i, c := range coords {
		if v, ok := byCoord[geo.CoordKey(c.Lat, c.Lon)]; ok {
			out[i] = wgrib2.Value{V: v}
		} else {
			out[i] = wgrib2.Value{Missing: true}
		}
	}
	return out, nil
}

var (
	d2Grid = wgrib2.Grid{Regular: true, LatMin: 43.18, LatMax: 58.08, LonMin: 356.06, LonMax: 20.34, Delta: 0.02}
	euGrid = wgrib2.Grid{Regular: true, LatMin: 29.5, LatMax: 70.5, LonMin: 336.5, LonMax: 62.5, Delta: 0.0625}
)

func refTime(h int) time.Time {
	return time.Date(2023, 11, 29, h, 0, 0, 0, time.UTC)
}

// writeGridDir creates an empty .grib2 file per name so discovery finds them.
func writeGridDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{}, 0644))
	}
	return dir
}

func loadIndex(t *testing.T, tool Tool, dir string, opts IndexOptions) *Index {
	t.Helper()
	ix := NewIndex(tool, opts, logger.NewNop())
	require.NoError(t, ix.LoadFolder(context.Background(), dir))
	return ix
}

func TestLoadFolderPartitionsByHorizon(t *testing.T) {
	tool := &stubTool{
		invs: map[string]wgrib2.Inventory{
			"d2.grib2":  {RefTime: refTime(18), Param: "TCDC", FcstMinutes: 60},
			"eu.grib2":  {RefTime: refTime(18), Param: "TCDC", FcstMinutes: 60},
			"far.grib2": {RefTime: refTime(18), Param: "TCDC", FcstMinutes: 1200},
		},
		grids: map[string]wgrib2.Grid{
			"d2.grib2":  d2Grid,
			"eu.grib2":  euGrid,
			"far.grib2": d2Grid,
		},
	}
	dir := writeGridDir(t, "d2.grib2", "eu.grib2", "far.grib2")
	ix := loadIndex(t, tool, dir, IndexOptions{})

	require.Len(t, ix.Records(), 2)
	require.Len(t, ix.OutOfHorizon(), 1)
	assert.Equal(t, 1200, ix.OutOfHorizon()[0].FcstMinutes)
	assert.Empty(t, ix.Skipped())

	models := []Model{ix.Records()[0].Model, ix.Records()[1].Model}
	assert.Contains(t, models, ModelD2)
	assert.Contains(t, models, ModelEU)
}

func TestLoadFolderConfigurableHorizon(t *testing.T) {
	tool := &stubTool{
		invs: map[string]wgrib2.Inventory{
			"far.grib2": {RefTime: refTime(18), Param: "TCDC", FcstMinutes: 1200},
		},
		grids: map[string]wgrib2.Grid{"far.grib2": d2Grid},
	}
	dir := writeGridDir(t, "far.grib2")
	ix := loadIndex(t, tool, dir, IndexOptions{MaxForecastMinutes: 1440})

	assert.Len(t, ix.Records(), 1)
	assert.Empty(t, ix.OutOfHorizon())
}

func TestLoadFolderSkipsUnusableFiles(t *testing.T) {
	tool := &stubTool{
		invs: map[string]wgrib2.Inventory{
			"good.grib2":   {RefTime: refTime(18), Param: "TCDC", FcstMinutes: 60},
			"native.grib2": {RefTime: refTime(18), Param: "TCDC", FcstMinutes: 60},
		},
		grids: map[string]wgrib2.Grid{
			"good.grib2":   d2Grid,
			"native.grib2": {Regular: false},
			// corrupt.grib2 absent entirely: Inventory errors.
		},
	}
	dir := writeGridDir(t, "good.grib2", "native.grib2", "corrupt.grib2")
	ix := loadIndex(t, tool, dir, IndexOptions{})

	assert.Len(t, ix.Records(), 1)
	require.Len(t, ix.Skipped(), 2)
	for _, sk := range ix.Skipped() {
		assert.NotEmpty(t, sk.Reason)
	}
}

func TestLoadFolderFatalConditions(t *testing.T) {
	ix := NewIndex(&stubTool{}, IndexOptions{}, logger.NewNop())
	err := ix.LoadFolder(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrDirNotFound)

	err = ix.LoadFolder(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoGridFiles)
}

func TestGeometryDeduplication(t *testing.T) {
	tool := &stubTool{
		invs: map[string]wgrib2.Inventory{
			"a.grib2": {RefTime: refTime(18), Param: "TCDC", FcstMinutes: 0},
			"b.grib2": {RefTime: refTime(18), Param: "TCDC", FcstMinutes: 60},
		},
		grids: map[string]wgrib2.Grid{"a.grib2": d2Grid, "b.grib2": d2Grid},
	}
	dir := writeGridDir(t, "a.grib2", "b.grib2")
	ix := loadIndex(t, tool, dir, IndexOptions{})

	require.Len(t, ix.Geometries(), 1)
	geom, ok := ix.Geometry(ModelD2, "TCDC")
	require.True(t, ok)
	// Longitudes are stored in [-180,180].
	assert.InDelta(t, -3.94, geom.LonMin, 1e-9)
	assert.InDelta(t, 20.34, geom.LonMax, 1e-9)
}

func TestClosestValidTimeTieBreaksEarlier(t *testing.T) {
	tool := &stubTool{
		invs: map[string]wgrib2.Inventory{
			"a.grib2": {RefTime: refTime(18), Param: "TCDC", FcstMinutes: 0},
			"b.grib2": {RefTime: refTime(20), Param: "TCDC", FcstMinutes: 0},
		},
		grids: map[string]wgrib2.Grid{"a.grib2": d2Grid, "b.grib2": d2Grid},
	}
	dir := writeGridDir(t, "a.grib2", "b.grib2")
	ix := loadIndex(t, tool, dir, IndexOptions{})

	// 19:00 is equidistant from 18:00 and 20:00; the earlier time wins.
	got, ok := ix.ClosestValidTime(ModelD2, "TCDC", refTime(19))
	require.True(t, ok)
	assert.Equal(t, refTime(18), got)

	_, ok = ix.ClosestValidTime(ModelEU, "TCDC", refTime(19))
	assert.False(t, ok)
}

func TestDistinctValidTimes(t *testing.T) {
	tool := &stubTool{
		invs: map[string]wgrib2.Inventory{
			// Two runs producing the same valid time 19:00.
			"a.grib2": {RefTime: refTime(18), Param: "TCDC", FcstMinutes: 60},
			"b.grib2": {RefTime: refTime(19), Param: "TCDC", FcstMinutes: 0},
			"c.grib2": {RefTime: refTime(19), Param: "TCDC", FcstMinutes: 60},
		},
		grids: map[string]wgrib2.Grid{"a.grib2": d2Grid, "b.grib2": d2Grid, "c.grib2": d2Grid},
	}
	dir := writeGridDir(t, "a.grib2", "b.grib2", "c.grib2")
	ix := loadIndex(t, tool, dir, IndexOptions{})

	times := ix.DistinctValidTimes(ModelD2, "TCDC")
	require.Equal(t, []time.Time{refTime(19), refTime(20)}, times)
}
