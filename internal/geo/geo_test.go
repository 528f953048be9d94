package geo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundToNearestHour(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "on the hour stays put",
			in:   time.Date(2023, 11, 29, 18, 0, 0, 0, time.UTC),
			want: time.Date(2023, 11, 29, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "29 minutes rounds down",
			in:   time.Date(2023, 11, 29, 18, 29, 59, 999, time.UTC),
			want: time.Date(2023, 11, 29, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "30 minutes rounds up",
			in:   time.Date(2023, 11, 29, 18, 30, 0, 0, time.UTC),
			want: time.Date(2023, 11, 29, 19, 0, 0, 0, time.UTC),
		},
		{
			name: "rounding crosses midnight",
			in:   time.Date(2023, 11, 29, 23, 45, 0, 0, time.UTC),
			want: time.Date(2023, 11, 30, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToNearestHour(tt.in)
			assert.Equal(t, tt.want, got)
			// Idempotence: rounding an already-rounded time is a no-op.
			assert.Equal(t, got, RoundToNearestHour(got))
		})
	}
}

func TestHoursBetween(t *testing.T) {
	a := time.Date(2024, 1, 24, 12, 0, 0, 0, time.UTC)
	b := time.Date(2024, 1, 24, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, 2.5, HoursBetween(a, b))
	assert.Equal(t, 2.5, HoursBetween(b, a))
	assert.Equal(t, 0.0, HoursBetween(a, a))
}

func TestNormalizeLon(t *testing.T) {
	tests := []struct {
		in       float64
		want0360 float64
		want180  float64
	}{
		{0, 0, 0},
		{11.2, 11.2, 11.2},
		{-4.5, 355.5, -4.5},
		{356.06, 356.06, -3.94},
		{370, 10, 10},
		{-190, 170, 170},
		{720.5, 0.5, 0.5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want0360, NormalizeLon0360(tt.in), 1e-9, "0360(%v)", tt.in)
		assert.InDelta(t, tt.want180, NormalizeLon180(tt.in), 1e-9, "180(%v)", tt.in)
	}
}

func TestNormalizeLonRoundTrip(t *testing.T) {
	// Round-trip law: once a value is canonical, composing the two
	// normalizations leaves it alone (away from the exact boundary).
	for _, deg := range []float64{-179.9, -90, -0.1, 0, 0.1, 45.375, 179.9} {
		assert.InDelta(t, deg, NormalizeLon180(NormalizeLon0360(deg)), 1e-9)
	}
	for _, deg := range []float64{0, 0.1, 90, 179.9, 180.1, 270, 359.9} {
		assert.InDelta(t, deg, NormalizeLon0360(NormalizeLon180(deg)), 1e-9)
	}
}

func TestParseIntDefault(t *testing.T) {
	assert.Equal(t, 42, ParseIntDefault("42", -1))
	assert.Equal(t, 42, ParseIntDefault("  42 ", -1))
	assert.Equal(t, -1, ParseIntDefault("x42", -1))
	assert.Equal(t, -1, ParseIntDefault("", -1))
	assert.Equal(t, -7, ParseIntDefault("-7", 0))
}

func TestCoordKey(t *testing.T) {
	assert.Equal(t, "54.4000;11.2000", CoordKey(54.4, 11.2))
	// Matching is exact at 4 decimals: sub-precision noise collapses.
	assert.Equal(t, CoordKey(54.40004, 11.19996), CoordKey(54.4, 11.2))
	assert.NotEqual(t, CoordKey(54.4001, 11.2), CoordKey(54.4, 11.2))
}
