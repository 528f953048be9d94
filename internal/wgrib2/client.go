// Package wgrib2 is the client for the external grid-extraction tool. The
// tool is treated as an opaque oracle with a textual request/response
// protocol: one invocation style for file metadata, one for grid geometry,
// and one for batched point-value extraction. GRIB2 itself is never decoded
// here.
package wgrib2

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sfalkner/gridobs/internal/geo"
	"github.com/sfalkner/gridobs/pkg/logger"
)

// MissingSentinel is the tool's documented "no data at this point" marker.
const MissingSentinel = "9.999e+20"

// Runner executes the external tool and returns its stdout. It exists so
// tests can substitute canned output for a real subprocess.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Inventory is the header metadata of one grid file.
type Inventory struct {
	RefTime     time.Time // model run issue time
	Param       string    // parameter code, e.g. "TCDC"
	FcstMinutes int       // forecast horizon; 0 for an analysis slice
}

// ValidTime returns the real-world instant the forecast slice describes.
func (inv Inventory) ValidTime() time.Time {
	return inv.RefTime.Add(time.Duration(inv.FcstMinutes) * time.Minute)
}

// Grid is the geometry section of one grid file. Regular is false for
// unstructured grids, which the index silently skips.
type Grid struct {
	Regular bool
	LatMin  float64
	LatMax  float64
	LonMin  float64
	LonMax  float64
	Delta   float64 // cell spacing in degrees, identical for lat and lon
}

// Value is one extracted point value. Missing is set when the tool returned
// its no-data sentinel for the point.
type Value struct {
	V       float64
	Missing bool
}

// Client invokes the external grid tool. Every call runs under the
// configured timeout so a wedged tool surfaces as a per-call failure
// instead of hanging the pipeline.
type Client struct {
	path    string
	timeout time.Duration
	runner  Runner
	logger  *logger.Logger
}

// NewClient creates a client for the tool at path. A missing executable is a
// fatal condition for all grid operations, so it is rejected here rather
// than on first use.
func NewClient(path string, timeout time.Duration, log *logger.Logger) (*Client, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("grid tool not found at %s: %w", path, err)
	}
	return &Client{
		path:    path,
		timeout: timeout,
		runner:  execRunner{},
		logger:  log.Named("wgrib2"),
	}, nil
}

// NewClientWithRunner creates a client with a custom Runner. Used by tests.
func NewClientWithRunner(path string, timeout time.Duration, runner Runner, log *logger.Logger) *Client {
	return &Client{path: path, timeout: timeout, runner: runner, logger: log.Named("wgrib2")}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := c.runner.Run(ctx, c.path, args...)
	if err != nil {
		return nil, fmt.Errorf("grid tool unavailable (%s %v): %w", c.path, args, err)
	}
	c.logger.Debug("Tool call completed",
		logger.Int("args", len(args)),
		logger.Duration("elapsed", time.Since(start)))
	return out, nil
}

// Inventory extracts the reference time, parameter code and forecast horizon
// of file via the tool's inventory listing.
func (c *Client) Inventory(ctx context.Context, file string) (Inventory, error) {
	out, err := c.run(ctx, file, "-s")
	if err != nil {
		return Inventory{}, err
	}
	inv, err := parseInventory(string(out))
	if err != nil {
		return Inventory{}, fmt.Errorf("%s: %w", file, err)
	}
	return inv, nil
}

// Grid extracts the grid geometry of file via the tool's grid listing.
func (c *Client) Grid(ctx context.Context, file string) (Grid, error) {
	out, err := c.run(ctx, file, "-grid")
	if err != nil {
		return Grid{}, err
	}
	grid, err := parseGrid(string(out))
	if err != nil {
		return Grid{}, fmt.Errorf("%s: %w", file, err)
	}
	return grid, nil
}

// PointValues extracts the value of param at each coordinate in a single
// tool invocation. Coordinates must already be in the tool's [0,360)
// longitude convention. The returned slice is positionally aligned 1:1 with
// coords; sentinel-valued points come back with Missing set.
func (c *Client) PointValues(ctx context.Context, file, param string, coords []geo.Coord) ([]Value, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	args := make([]string, 0, 3+3*len(coords))
	args = append(args, file, "-match", param)
	for _, coord := range coords {
		args = append(args, "-lon", formatDegree(coord.Lon), formatDegree(coord.Lat))
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	values := parseValues(string(out))
	if len(values) != len(coords) {
		return nil, fmt.Errorf("%s: tool returned %d values for %d points", file, len(values), len(coords))
	}
	return values, nil
}
