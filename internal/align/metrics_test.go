package align

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }

func TestComputeMetrics(t *testing.T) {
	rows := []ComparisonRow{
		{StationID: 1, Station: fp(75), Model: fp(80), AbsError: fp(5)},
		{StationID: 1, Station: fp(100), Model: fp(90), AbsError: fp(10)},
		{StationID: 2, Station: nil, Model: fp(50)}, // no observation
		{StationID: 2, Station: fp(25), Model: nil}, // no forecast
	}
	m := ComputeMetrics(rows)

	assert.Equal(t, 2, m.Count)
	assert.InDelta(t, -2.5, m.ME, 1e-9)
	assert.InDelta(t, 7.5, m.MAE, 1e-9)
	assert.InDelta(t, math.Sqrt(62.5), m.RMSE, 1e-9)
}

func TestComputeMetricsEmpty(t *testing.T) {
	assert.Equal(t, Metrics{}, ComputeMetrics(nil))
	assert.Equal(t, Metrics{}, ComputeMetrics([]ComparisonRow{{Station: fp(1)}}))
}

func TestComputeMetricsMissingBothSidesIsNotAMatch(t *testing.T) {
	// Two missing sides must not count as a zero-error comparison: the
	// sentinel conversion happens before any error math, so neither side
	// carries a value here.
	row := ComparisonRow{
		Station: PostProcessValue("-999", true),
		Model:   nil,
	}
	m := ComputeMetrics([]ComparisonRow{row})
	assert.Equal(t, 0, m.Count)
	assert.Nil(t, row.AbsError)
}

func TestPerStationMetrics(t *testing.T) {
	rows := []ComparisonRow{
		{StationID: 7, Station: fp(50), Model: fp(60)},
		{StationID: 7, Station: fp(50), Model: fp(40)},
		{StationID: 3, Station: fp(10), Model: fp(10)},
		{StationID: 9, Station: nil, Model: fp(5)}, // never complete
	}
	per := PerStationMetrics(rows)
	require.Len(t, per, 2)

	assert.Equal(t, 3, per[0].StationID)
	assert.Equal(t, 0.0, per[0].MAE)
	assert.Equal(t, 7, per[1].StationID)
	assert.InDelta(t, 10.0, per[1].MAE, 1e-9)
	assert.InDelta(t, 0.0, per[1].ME, 1e-9)
}

func TestPostProcessValue(t *testing.T) {
	tests := []struct {
		raw     string
		convert bool
		want    *float64
	}{
		{"8", true, fp(100)},
		{"4", true, fp(50)},
		{"0", true, fp(0)},
		{"-1", true, fp(100)}, // fog counts as full cover
		{"-999", true, nil},
		{"-999", false, nil},
		{"4", false, fp(4)},
		{"", true, nil},
		{"abc", true, nil},
	}
	for _, tt := range tests {
		got := PostProcessValue(tt.raw, tt.convert)
		if tt.want == nil {
			assert.Nil(t, got, "raw=%q", tt.raw)
		} else {
			require.NotNil(t, got, "raw=%q", tt.raw)
			assert.InDelta(t, *tt.want, *got, 1e-9, "raw=%q", tt.raw)
		}
	}
}
