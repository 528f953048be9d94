package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfalkner/gridobs/internal/align"
	"github.com/sfalkner/gridobs/internal/grid"
	"github.com/sfalkner/gridobs/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "runs.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func fp(v float64) *float64 { return &v }

func sampleRun() *align.Run {
	t19 := time.Date(2023, 11, 29, 19, 0, 0, 0, time.UTC)
	t20 := t19.Add(time.Hour)
	return &align.Run{
		CreatedAt:    time.Date(2024, 1, 24, 12, 0, 0, 0, time.UTC),
		Model:        grid.ModelD2,
		GridParam:    "TCDC",
		StationParam: "V_N",
		IDWRadius:    0.1,
		Rows: []align.ComparisonRow{
			{Time: t19, StationID: 96, Lat: 54.4, Lon: 11.2, FcstMinutes: 60,
				Station: fp(75), Model: fp(80), AbsError: fp(5)},
			{Time: t20, StationID: 96, Lat: 54.4, Lon: 11.2, FcstMinutes: 120,
				Station: nil, Model: fp(90), AbsError: nil},
		},
		Overall: align.Metrics{Count: 1, ME: 5, MAE: 5, RMSE: 5},
		PerStation: []align.StationMetrics{
			{StationID: 96, Metrics: align.Metrics{Count: 1, ME: 5, MAE: 5, RMSE: 5}},
		},
	}
}

func TestSaveAndGetRunMetrics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.SaveRun(ctx, sampleRun())
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := store.GetRunMetrics(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, grid.ModelD2, got.Model)
	assert.Equal(t, "TCDC", got.GridParam)
	assert.Equal(t, "V_N", got.StationParam)
	assert.InDelta(t, 0.1, got.IDWRadius, 1e-9)
	assert.Equal(t, 1, got.Overall.Count)
	assert.InDelta(t, 5, got.Overall.RMSE, 1e-9)
	require.Len(t, got.PerStation, 1)
	assert.Equal(t, 96, got.PerStation[0].StationID)
	assert.Empty(t, got.Rows, "metrics lookup must not load comparison rows")
}

func TestGetRunRowsRoundTripsNulls(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.SaveRun(ctx, sampleRun())
	require.NoError(t, err)

	rows, err := store.GetRunRows(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NotNil(t, rows[0].Station)
	assert.InDelta(t, 75, *rows[0].Station, 1e-9)
	require.NotNil(t, rows[0].AbsError)
	assert.InDelta(t, 5, *rows[0].AbsError, 1e-9)

	assert.Nil(t, rows[1].Station)
	assert.Nil(t, rows[1].AbsError)
	require.NotNil(t, rows[1].Model)
	assert.InDelta(t, 90, *rows[1].Model, 1e-9)
	assert.Equal(t, time.Date(2023, 11, 29, 20, 0, 0, 0, time.UTC), rows[1].Time)
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.SaveRun(ctx, sampleRun())
	require.NoError(t, err)
	second, err := store.SaveRun(ctx, sampleRun())
	require.NoError(t, err)

	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, first, runs[1].ID)
	assert.Empty(t, runs[0].Rows)
}

func TestGetRunMetricsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRunMetrics(context.Background(), 42)
	assert.ErrorIs(t, err, ErrRunNotFound)
}
