package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/fovpipe/config.json"
	defaultParallel   = 4
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "FOVPIPE_CONFIG"
	// SplitTolerance bounds how far split amounts may sum from 1.
	SplitTolerance = 1e-9
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Catalog    Catalog    `json:"catalog" yaml:"catalog"`
	Image      Image      `json:"image" yaml:"image"`
	Stats      Stats      `json:"stats" yaml:"stats"`
	Splits     Splits     `json:"splits" yaml:"splits"`
	Blob       Blob       `json:"blob" yaml:"blob"`
	Server     Server     `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" yaml:"parallel_jobs"`
	// Overwrite recomputes per-FOV statistics even when an artifact exists.
	Overwrite bool `json:"overwrite" yaml:"overwrite"`
	// UseCurrentResults reuses fov_stats.csv and fov_stats_qc.csv when present.
	UseCurrentResults bool `json:"use_current_results" yaml:"use_current_results"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	Catalog      string `json:"catalog" yaml:"catalog"`
	ResultsDir   string `json:"results_dir" yaml:"results_dir"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Catalog narrows the FOV table before processing.
type Catalog struct {
	Proteins []string `json:"proteins" yaml:"proteins"`
	// NFOVs caps FOVs per cell line; 0 or -1 keeps all.
	NFOVs int `json:"n_fovs" yaml:"n_fovs"`
	// Unique drops repeated FOVId rows from per-cell catalogs.
	Unique bool `json:"unique" yaml:"unique"`
}

// Image describes how raw stacks are laid out on disk.
type Image struct {
	// Channels is the number of channels in multi-page stack files.
	Channels int `json:"channels" yaml:"channels"`
	// PageOrder is ZC (channel fastest) or CZ (z fastest).
	PageOrder string  `json:"page_order" yaml:"page_order"`
	Scale     float64 `json:"scale" yaml:"scale"`
}

// Stats configures feature extraction.
type Stats struct {
	Percentiles  []float64 `json:"percentiles" yaml:"percentiles"`
	ChannelOrder []string  `json:"channel_order" yaml:"channel_order"`
}

// Splits configures the train/validate/test partition.
type Splits struct {
	Names       []string  `json:"names" yaml:"names"`
	Amounts     []float64 `json:"amounts" yaml:"amounts"`
	GroupColumn string    `json:"group_column" yaml:"group_column"`
	SplitColumn string    `json:"split_column" yaml:"split_column"`
	IDColumn    string    `json:"id_column" yaml:"id_column"`
}

// Blob selects where per-FOV artifacts are stored.
type Blob struct {
	Driver      string `json:"driver" yaml:"driver"` // fs, s3, memory
	FSRoot      string `json:"fs_root" yaml:"fs_root"`
	S3Bucket    string `json:"s3_bucket" yaml:"s3_bucket"`
	S3Region    string `json:"s3_region" yaml:"s3_region"`
	S3Endpoint  string `json:"s3_endpoint" yaml:"s3_endpoint"`
	S3PathStyle bool   `json:"s3_path_style" yaml:"s3_path_style"`
	S3Prefix    string `json:"s3_prefix" yaml:"s3_prefix"`
}

// Server configures the status API.
type Server struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Path returns the config file location, honouring FOVPIPE_CONFIG.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path. A missing file yields the defaults.
// Files ending in .yaml or .yml are decoded as YAML, anything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if isYAML(expanded) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func (c *Config) Save(path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	var data []byte
	if isYAML(expanded) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o644)
}

// Validate checks the settings the core relies on.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Splits.Names) != len(c.Splits.Amounts) {
		errs = append(errs, fmt.Errorf("splits: %d names but %d amounts", len(c.Splits.Names), len(c.Splits.Amounts)))
	}
	seen := make(map[string]bool, len(c.Splits.Names))
	for _, n := range c.Splits.Names {
		if seen[n] {
			errs = append(errs, fmt.Errorf("splits: duplicate name %q", n))
		}
		seen[n] = true
	}
	sum := 0.0
	for _, a := range c.Splits.Amounts {
		if a < 0 {
			errs = append(errs, fmt.Errorf("splits: negative amount %v", a))
		}
		sum += a
	}
	if math.Abs(sum-1) > SplitTolerance {
		errs = append(errs, fmt.Errorf("splits: amounts sum to %v, want 1", sum))
	}
	for _, p := range c.Stats.Percentiles {
		if p < 0 || p > 100 {
			errs = append(errs, fmt.Errorf("stats: percentile %v outside [0, 100]", p))
		}
	}
	for _, l := range c.Stats.ChannelOrder {
		switch l {
		case "BF", "DNA", "Cell", "Struct":
		default:
			errs = append(errs, fmt.Errorf("stats: unknown channel label %q", l))
		}
	}
	switch strings.ToUpper(c.Image.PageOrder) {
	case "", "ZC", "CZ":
	default:
		errs = append(errs, fmt.Errorf("image: unknown page order %q", c.Image.PageOrder))
	}
	switch c.Blob.Driver {
	case "", "fs", "memory":
	case "s3":
		if c.Blob.S3Bucket == "" {
			errs = append(errs, errors.New("blob: s3 driver needs s3_bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob: unknown driver %q", c.Blob.Driver))
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration. Every call returns fresh slices.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			ResultsDir:   "./results",
			DatabasePath: filepath.Join(os.TempDir(), "fovpipe.db"),
		},
		Catalog: Catalog{
			Unique: true,
		},
		Image: Image{
			Channels:  7,
			PageOrder: "ZC",
			Scale:     65535,
		},
		Stats: Stats{
			Percentiles:  []float64{5, 25, 50, 75, 95},
			ChannelOrder: []string{"BF", "DNA", "Cell", "Struct"},
		},
		Splits: Splits{
			Names:       []string{"train", "validate", "test"},
			Amounts:     []float64{0.8, 0.1, 0.1},
			GroupColumn: "ProteinDisplayName",
			SplitColumn: "FOVId_rng",
			IDColumn:    "FOVId",
		},
		Blob: Blob{
			Driver: "fs",
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
