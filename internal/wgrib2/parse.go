package wgrib2

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// 1:0:d=2023112918:TCDC:surface:60 min fcst:
	inventoryPattern = regexp.MustCompile(`1:0:d=(\d{10}):(\w+):`)
	fcstPattern      = regexp.MustCompile(`:(\d+) min fcst`)

	// lat 43.180000 to 58.080000 by 0.020000
	latPattern = regexp.MustCompile(`lat\s+(-?\d+(?:\.\d+)?)\s+to\s+(-?\d+(?:\.\d+)?)\s+by\s+(\d+(?:\.\d+)?)`)
	lonPattern = regexp.MustCompile(`lon\s+(-?\d+(?:\.\d+)?)\s+to\s+(-?\d+(?:\.\d+)?)\s+by\s+(\d+(?:\.\d+)?)`)

	valuePattern = regexp.MustCompile(`val=(-?\d+(?:\.\d+)?(?:e[+-]?\d+)?)`)
)

const refTimeLayout = "2006010215"

func parseInventory(out string) (Inventory, error) {
	m := inventoryPattern.FindStringSubmatch(out)
	if m == nil {
		return Inventory{}, fmt.Errorf("unrecognized inventory output: %q", firstLine(out))
	}
	refTime, err := time.ParseInLocation(refTimeLayout, m[1], time.UTC)
	if err != nil {
		return Inventory{}, fmt.Errorf("bad reference time %q: %w", m[1], err)
	}

	inv := Inventory{RefTime: refTime, Param: m[2]}
	// Analysis slices carry no forecast marker; their horizon is zero.
	if fm := fcstPattern.FindStringSubmatch(out); fm != nil {
		minutes, err := strconv.Atoi(fm[1])
		if err != nil {
			return Inventory{}, fmt.Errorf("bad forecast horizon %q: %w", fm[1], err)
		}
		inv.FcstMinutes = minutes
	}
	return inv, nil
}

func parseGrid(out string) (Grid, error) {
	if !strings.Contains(out, "lat-lon") {
		return Grid{Regular: false}, nil
	}
	latM := latPattern.FindStringSubmatch(out)
	lonM := lonPattern.FindStringSubmatch(out)
	if latM == nil || lonM == nil {
		return Grid{}, fmt.Errorf("unrecognized grid output: %q", firstLine(out))
	}

	fields := [5]float64{}
	for i, s := range []string{latM[1], latM[2], lonM[1], lonM[2], latM[3]} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Grid{}, fmt.Errorf("bad grid bound %q: %w", s, err)
		}
		fields[i] = v
	}
	return Grid{
		Regular: true,
		LatMin:  fields[0],
		LatMax:  fields[1],
		LonMin:  fields[2],
		LonMax:  fields[3],
		Delta:   fields[4],
	}, nil
}

// parseValues collects every val= token in order of appearance. The tool
// emits one per requested point, so positional order is the only pairing
// with the request coordinates.
func parseValues(out string) []Value {
	matches := valuePattern.FindAllStringSubmatch(out, -1)
	values := make([]Value, 0, len(matches))
	for _, m := range matches {
		if m[1] == MissingSentinel {
			values = append(values, Value{Missing: true})
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			values = append(values, Value{Missing: true})
			continue
		}
		values = append(values, Value{V: v})
	}
	return values
}

// formatDegree renders a coordinate component the way the tool expects:
// shortest decimal form, no exponent.
func formatDegree(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
