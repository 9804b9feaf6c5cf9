// Package config provides configuration loading and management for the
// mapping pipeline. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"aslmap/pkg/models"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the fixed worker-pool size for voxel fitting.
		Workers int `yaml:"workers"`

		// MaxIterations bounds the per-voxel solver effort. Zero keeps
		// the solver default.
		MaxIterations int `yaml:"maxIterations"`
	} `yaml:"processing"`

	// Constants are the tissue and scanner constants of the signal
	// models, in ms where applicable.
	Constants struct {
		T1Blood float64 `yaml:"t1Blood"`
		T1CSF   float64 `yaml:"t1CSF"`
		T2Blood float64 `yaml:"t2Blood"`
		T2GM    float64 `yaml:"t2GM"`
		T2CSF   float64 `yaml:"t2CSF"`
		Alpha   float64 `yaml:"alpha"`
		Lambda  float64 `yaml:"lambda"`
	} `yaml:"constants"`

	// Smoothing selects the optional output filter.
	Smoothing struct {
		// Filter is "", "gaussian" or "median".
		Filter string `yaml:"filter"`

		// Sigma is the gaussian standard deviation in voxels.
		Sigma float64 `yaml:"sigma"`

		// Size is the median window edge length in voxels.
		Size int `yaml:"size"`
	} `yaml:"smoothing"`

	// Output parameters
	Output struct {
		// Verbose enables debug-level logging.
		Verbose bool `yaml:"verbose"`

		// PreviewDir, when set, receives JPEG slice previews of every
		// output map.
		PreviewDir string `yaml:"previewDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()

	p := models.Default()
	cfg.Constants.T1Blood = p.T1Blood
	cfg.Constants.T1CSF = p.T1CSF
	cfg.Constants.T2Blood = p.T2Blood
	cfg.Constants.T2GM = p.T2GM
	cfg.Constants.T2CSF = p.T2CSF
	cfg.Constants.Alpha = p.Alpha
	cfg.Constants.Lambda = p.Lambda

	cfg.Smoothing.Size = 3
	cfg.Output.Verbose = false

	return cfg
}

// Parameters converts the configured constants into the model parameter
// set.
func (c *Config) Parameters() models.Parameters {
	return models.Parameters{
		T1Blood: c.Constants.T1Blood,
		T1CSF:   c.Constants.T1CSF,
		T2Blood: c.Constants.T2Blood,
		T2GM:    c.Constants.T2GM,
		T2CSF:   c.Constants.T2CSF,
		Alpha:   c.Constants.Alpha,
		Lambda:  c.Constants.Lambda,
	}
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
