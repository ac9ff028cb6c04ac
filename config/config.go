// Package config holds the run parameters of the reference configuration
// fix and its harness, loaded from YAML
package config

import (
	"fmt"
	"gopkg.in/yaml.v3"
	"io"
	"log/slog"
	"os"
)

// Config is the top level configuration document
type Config struct {
	Dimension int    `yaml:"dimension"` // 2 or 3
	Group     string `yaml:"group"`     // Group the fix acts on

	VolumeRatioMin         float64 `yaml:"volume_ratio_min"`         // Lower clamp on det(Fincr)
	VolumeRatioMax         float64 `yaml:"volume_ratio_max"`         // Upper clamp on det(Fincr)
	UnderResolvedNeighbors int     `yaml:"under_resolved_neighbors"` // Below this count the radius grows by RadiusGrowth
	RadiusGrowth           float64 `yaml:"radius_growth"`

	GrowthDelta int     `yaml:"growth_delta"` // Slot increment for array growth
	Skin        float64 `yaml:"skin"`         // Neighbor list skin distance
	LogLevel    string  `yaml:"log_level"`

	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// CheckpointConfig controls restart file output
type CheckpointConfig struct {
	CompressionLevel int `yaml:"compression_level"` // zstd level, 1..22
}

// MetricsConfig controls Prometheus collection
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file overrides it
func Default() Config {
	return Config{
		Dimension:              3,
		Group:                  "all",
		VolumeRatioMin:         0.8,
		VolumeRatioMax:         1.2,
		UnderResolvedNeighbors: 15,
		RadiusGrowth:           1.2,
		GrowthDelta:            16384,
		Skin:                   0,
		LogLevel:               "info",
		Checkpoint:             CheckpointConfig{CompressionLevel: 3},
	}
}

// Load reads a YAML document from path over the defaults and validates it.
// An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads a YAML document from r over the defaults and validates it
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field, wrapped in ErrInvalid
func (c Config) Validate() error {
	switch {
	case c.Dimension != 2 && c.Dimension != 3:
		return fmt.Errorf("dimension %d, want 2 or 3: %w", c.Dimension, ErrInvalid)
	case c.Group == "":
		return fmt.Errorf("empty group name: %w", ErrInvalid)
	case c.VolumeRatioMin <= 0 || c.VolumeRatioMin > c.VolumeRatioMax:
		return fmt.Errorf("volume ratio bounds [%g, %g]: %w", c.VolumeRatioMin, c.VolumeRatioMax, ErrInvalid)
	case c.UnderResolvedNeighbors < 0:
		return fmt.Errorf("under_resolved_neighbors %d: %w", c.UnderResolvedNeighbors, ErrInvalid)
	case c.RadiusGrowth <= 0:
		return fmt.Errorf("radius_growth %g: %w", c.RadiusGrowth, ErrInvalid)
	case c.GrowthDelta <= 0:
		return fmt.Errorf("growth_delta %d: %w", c.GrowthDelta, ErrInvalid)
	case c.Skin < 0:
		return fmt.Errorf("skin %g: %w", c.Skin, ErrInvalid)
	case c.Checkpoint.CompressionLevel < 1 || c.Checkpoint.CompressionLevel > 22:
		return fmt.Errorf("checkpoint compression level %d: %w", c.Checkpoint.CompressionLevel, ErrInvalid)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, ErrInvalid)
	}
	return level, nil
}

// Logger returns a text logger writing to w at the configured level
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
