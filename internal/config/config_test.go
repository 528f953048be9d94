package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[server]
port = 9090
host = "0.0.0.0"

[logging]
level = "debug"
format = "json"

[grid_tool]
path = "/usr/local/bin/wgrib2"
timeout_seconds = 15

[grid]
dir = "/data/grids"
max_forecast_minutes = 180
batch_size = 500

[stations]
dir = "/data/stations"

[alignment]
model = "icon-eu"
convert_eighths = true

[storage]
sqlite_base_path = "/var/lib/gridobs/runs.db"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/usr/local/bin/wgrib2", cfg.GridTool.Path)
	assert.Equal(t, 15, cfg.GridTool.TimeoutSecs)
	assert.Equal(t, 180, cfg.Grid.MaxForecastMinutes)
	assert.Equal(t, 500, cfg.Grid.BatchSize)
	assert.Equal(t, "icon-eu", cfg.Alignment.Model)
	assert.True(t, cfg.Alignment.ConvertEighths)

	// Omitted fields fall back to defaults.
	assert.Equal(t, 1.0, cfg.Grid.MaxDivergenceHours)
	assert.Equal(t, 1.0, cfg.Grid.IDWPower)
	assert.Equal(t, 4, cfg.Grid.Workers)
	assert.Equal(t, "TCDC", cfg.Alignment.GridParam)
	assert.Equal(t, "V_N", cfg.Alignment.StationParam)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadWithFallback(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := LoadWithFallback(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = LoadWithFallback(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, sampleConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing tool path", func(c *Config) { c.GridTool.Path = "" }},
		{"missing grid dir", func(c *Config) { c.Grid.Dir = "" }},
		{"missing stations dir", func(c *Config) { c.Stations.Dir = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad port", func(c *Config) { c.Server.Port = 99999 }},
		{"bad model", func(c *Config) { c.Alignment.Model = "gfs" }},
		{"bad workers", func(c *Config) { c.Grid.Workers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEffectiveMaxDivergenceHours(t *testing.T) {
	assert.Equal(t, 1.5, GridConfig{MaxDivergenceHours: 1.5}.EffectiveMaxDivergenceHours())
	assert.Equal(t, 0.0, GridConfig{MaxDivergenceHours: -1}.EffectiveMaxDivergenceHours())
}
