// Package config loads and validates the TOML application configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	GridTool  GridToolConfig  `toml:"grid_tool"` // External grid-extraction tool settings
	Grid      GridConfig      `toml:"grid"`      // Grid dataset ingestion and query settings
	Stations  StationsConfig  `toml:"stations"`  // Station dataset ingestion settings
	Alignment AlignmentConfig `toml:"alignment"` // Alignment run defaults
	Storage   StorageConfig   `toml:"storage"`   // Data persistence settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
}

// LoggingConfig contains application logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: debug, info, warn, error
	Format string `toml:"format"` // Log output format: console or json
}

// GridToolConfig configures the external grid-extraction tool. The tool path
// is explicit configuration; nothing is resolved relative to the binary.
type GridToolConfig struct {
	Path        string `toml:"path"`            // Path to the external tool executable (required for grid operations)
	TimeoutSecs int    `toml:"timeout_seconds"` // Per-invocation timeout; a wedged tool fails the call instead of hanging
}

// GridConfig configures grid dataset ingestion and queries
type GridConfig struct {
	Dir                string  `toml:"dir"`                  // Directory tree holding the grid files and their archives
	MaxForecastMinutes int     `toml:"max_forecast_minutes"` // Forecast horizon cutoff; records beyond it are excluded from queries (default 120)
	MaxDivergenceHours float64 `toml:"max_divergence_hours"` // Maximum allowed distance between query time and resolved forecast time (default 1; negative disables the check)
	BatchSize          int     `toml:"batch_size"`           // Coordinates per tool invocation (default 1000)
	IDWRadiusDegrees   float64 `toml:"idw_radius_degrees"`   // Default IDW neighborhood radius in degrees (0 = plain point lookup)
	IDWPower           float64 `toml:"idw_power"`            // IDW weight exponent q (default 1)
	Workers            int     `toml:"workers"`              // Parallel metadata extraction workers (default 4)
}

// EffectiveMaxDivergenceHours maps the configured divergence tolerance to
// the query engine's convention, where zero disables the check.
func (g GridConfig) EffectiveMaxDivergenceHours() float64 {
	if g.MaxDivergenceHours < 0 {
		return 0
	}
	return g.MaxDivergenceHours
}

// StationsConfig configures station dataset ingestion
type StationsConfig struct {
	Dir string `toml:"dir"` // Directory tree holding the init file, data files and their archives
}

// AlignmentConfig contains the defaults for alignment runs
type AlignmentConfig struct {
	Model          string  `toml:"model"`           // Default model family to compare (icon-d2 or icon-eu)
	GridParam      string  `toml:"grid_param"`      // Grid parameter code (e.g. TCDC)
	StationParam   string  `toml:"station_param"`   // Station parameter column (e.g. V_N)
	ConvertEighths bool    `toml:"convert_eighths"` // Rescale station cloud cover from eighths to percent
	IDWRadius      float64 `toml:"idw_radius"`      // IDW radius for the grid side of runs (0 = point lookup)
}

// StorageConfig contains data persistence settings
type StorageConfig struct {
	SQLiteBasePath string `toml:"sqlite_base_path"` // Path of the SQLite database file for alignment runs
}

// Load loads the configuration from the given TOML file
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// LoadWithFallback attempts to load config from multiple locations
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // Legacy location in configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			// File exists, try to load it
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.GridTool.TimeoutSecs == 0 {
		c.GridTool.TimeoutSecs = 30
	}
	if c.Grid.MaxForecastMinutes == 0 {
		c.Grid.MaxForecastMinutes = 120
	}
	if c.Grid.MaxDivergenceHours == 0 {
		c.Grid.MaxDivergenceHours = 1
	}
	if c.Grid.BatchSize == 0 {
		c.Grid.BatchSize = 1000
	}
	if c.Grid.IDWPower == 0 {
		c.Grid.IDWPower = 1
	}
	if c.Grid.Workers == 0 {
		c.Grid.Workers = 4
	}
	if c.Alignment.Model == "" {
		c.Alignment.Model = "icon-d2"
	}
	if c.Alignment.GridParam == "" {
		c.Alignment.GridParam = "TCDC"
	}
	if c.Alignment.StationParam == "" {
		c.Alignment.StationParam = "V_N"
	}
	if c.Storage.SQLiteBasePath == "" {
		c.Storage.SQLiteBasePath = "gridobs.db"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate grid tool config
	if c.GridTool.Path == "" {
		return fmt.Errorf("grid_tool.path is required")
	}
	if c.GridTool.TimeoutSecs < 0 {
		return fmt.Errorf("invalid grid tool timeout: %d", c.GridTool.TimeoutSecs)
	}

	// Validate grid config
	if c.Grid.Dir == "" {
		return fmt.Errorf("grid.dir is required")
	}
	if c.Grid.MaxForecastMinutes < 0 {
		return fmt.Errorf("invalid max forecast minutes: %d", c.Grid.MaxForecastMinutes)
	}
	if c.Grid.BatchSize < 1 {
		return fmt.Errorf("invalid batch size: %d", c.Grid.BatchSize)
	}
	if c.Grid.Workers < 1 {
		return fmt.Errorf("invalid worker count: %d", c.Grid.Workers)
	}

	// Validate stations config
	if c.Stations.Dir == "" {
		return fmt.Errorf("stations.dir is required")
	}

	// Validate alignment config
	switch c.Alignment.Model {
	case "icon-d2", "icon-eu":
	default:
		return fmt.Errorf("invalid alignment model: %s", c.Alignment.Model)
	}

	return nil
}
