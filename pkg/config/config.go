// Package config provides configuration loading and management for rrnorm.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers specifies how many goroutines process pairs, bands and windows
		Workers int `yaml:"workers"`

		// TileSize is the edge in pixels of the windows written by the apply step
		TileSize int `yaml:"tileSize"`

		// TilePixels caps the pixels read per request while collecting
		// statistics; 0 derives it from system memory
		TilePixels int `yaml:"tilePixels"`

		// MemoryFraction is the share of system memory the derived budget may use
		MemoryFraction float64 `yaml:"memoryFraction"`
	} `yaml:"processing"`

	// Global model parameters
	Global struct {
		// Weighted weights each overlap by the square root of its pixel count
		Weighted bool `yaml:"weighted"`

		// MatchStd estimates a scale per image; otherwise offsets only
		MatchStd bool `yaml:"matchStd"`

		// CenteringWeight anchors a run without model images to its raw mean
		CenteringWeight float64 `yaml:"centeringWeight"`

		// ModelImages are the IDs of images kept unchanged
		ModelImages []string `yaml:"modelImages"`
	} `yaml:"global"`

	// Local refinement parameters
	Local struct {
		Enabled bool `yaml:"enabled"`

		// BlockSize is the block edge in pixels
		BlockSize int `yaml:"blockSize"`

		// MinBlockPixels skips blocks with fewer usable pixels
		MinBlockPixels int `yaml:"minBlockPixels"`

		// SurfaceStep is the node spacing of correction surfaces in pixels
		SurfaceStep float64 `yaml:"surfaceStep"`

		// Neighbors is the number of samples weighted at each node
		Neighbors int `yaml:"neighbors"`

		// Power is the inverse-distance exponent
		Power float64 `yaml:"power"`

		// DampingRadius controls how fast corrections fade away from samples
		DampingRadius float64 `yaml:"dampingRadius"`
	} `yaml:"local"`

	// Output parameters
	Output struct {
		// OutOfRange is "clamp" or "error"
		OutOfRange string `yaml:"outOfRange"`

		// Suffix is appended to the image ID of every output
		Suffix string `yaml:"suffix"`

		// Previews renders a PNG of every local correction surface
		Previews   bool   `yaml:"previews"`
		PreviewDir string `yaml:"previewDir"`
	} `yaml:"output"`

	// Cache parameters
	Cache struct {
		// Enabled stores statistics and block maps so interrupted runs resume
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"cache"`

	// Logging parameters
	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		FileOutput bool   `yaml:"fileOutput"`
		LogDir     string `yaml:"logDir"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.TileSize = 512
	cfg.Processing.TilePixels = 0
	cfg.Processing.MemoryFraction = 0.25

	cfg.Global.Weighted = true
	cfg.Global.MatchStd = true
	cfg.Global.CenteringWeight = 1.0

	cfg.Local.Enabled = true
	cfg.Local.BlockSize = 128
	cfg.Local.MinBlockPixels = 256
	cfg.Local.SurfaceStep = 16
	cfg.Local.Neighbors = 8
	cfg.Local.Power = 2
	cfg.Local.DampingRadius = 512

	cfg.Output.OutOfRange = "clamp"
	cfg.Output.Suffix = "_rrn"
	cfg.Output.Previews = false
	cfg.Output.PreviewDir = "previews"

	cfg.Cache.Enabled = false
	cfg.Cache.Path = "rrnorm-cache.db"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.FileOutput = false
	cfg.Logging.LogDir = "logs"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// Validate reports every setting that is out of its allowed range
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Processing.Workers >= 0, "processing.workers must be >= 0, got %d", c.Processing.Workers)
	check(c.Processing.TileSize > 0, "processing.tileSize must be > 0, got %d", c.Processing.TileSize)
	check(c.Processing.TilePixels >= 0, "processing.tilePixels must be >= 0, got %d", c.Processing.TilePixels)
	check(c.Processing.MemoryFraction > 0 && c.Processing.MemoryFraction <= 1,
		"processing.memoryFraction must be in (0, 1], got %g", c.Processing.MemoryFraction)

	check(c.Global.CenteringWeight > 0, "global.centeringWeight must be > 0, got %g", c.Global.CenteringWeight)
	seen := make(map[string]bool)
	for _, id := range c.Global.ModelImages {
		check(!seen[id], "global.modelImages lists %q twice", id)
		seen[id] = true
	}

	if c.Local.Enabled {
		check(c.Local.BlockSize > 0, "local.blockSize must be > 0, got %d", c.Local.BlockSize)
		check(c.Local.MinBlockPixels >= 0, "local.minBlockPixels must be >= 0, got %d", c.Local.MinBlockPixels)
		check(c.Local.SurfaceStep > 0, "local.surfaceStep must be > 0, got %g", c.Local.SurfaceStep)
		check(c.Local.Neighbors > 0, "local.neighbors must be > 0, got %d", c.Local.Neighbors)
		check(c.Local.Power > 0, "local.power must be > 0, got %g", c.Local.Power)
		check(c.Local.DampingRadius > 0, "local.dampingRadius must be > 0, got %g", c.Local.DampingRadius)
	}

	switch strings.ToLower(c.Output.OutOfRange) {
	case "clamp", "error":
	default:
		check(false, "output.outOfRange must be clamp or error, got %q", c.Output.OutOfRange)
	}
	check(!c.Cache.Enabled || c.Cache.Path != "", "cache.path is required when the cache is enabled")

	return errors.Join(errs...)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
