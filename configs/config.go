package configs

import (
	"fmt"
	"math"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Application settings
	Verbose      bool   `mapstructure:"verbose" yaml:"verbose"`
	LogLevel     string `mapstructure:"log_level" yaml:"log_level"`
	LogFile      string `mapstructure:"log_file" yaml:"log_file"`
	OutputFormat string `mapstructure:"output_format" yaml:"output_format"`
	ConfigDir    string `mapstructure:"config_dir" yaml:"config_dir"`
	DataDir      string `mapstructure:"data_dir" yaml:"data_dir"`

	// Persistence of staged samples and voiceprints
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Enrollment policy
	Enrollment EnrollmentConfig `mapstructure:"enrollment" yaml:"enrollment"`

	// Scoring strategy and tuning
	Matching MatchingConfig `mapstructure:"matching" yaml:"matching"`

	// Metrics emission
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// StorageConfig contains storage backend settings
type StorageConfig struct {
	Backend     string       `mapstructure:"backend" yaml:"backend"`
	Dir         string       `mapstructure:"dir" yaml:"dir"`
	Compression bool         `mapstructure:"compression" yaml:"compression"`
	Badger      BadgerConfig `mapstructure:"badger" yaml:"badger"`
}

// BadgerConfig contains BadgerDB specific settings
type BadgerConfig struct {
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`
}

// EnrollmentConfig contains enrollment settings
type EnrollmentConfig struct {
	MinSamples int `mapstructure:"min_samples" yaml:"min_samples"`
}

// MatchingConfig selects the scoring strategy and holds per-strategy tuning.
// Thresholds are kept per strategy since their scores are not comparable.
type MatchingConfig struct {
	Strategy      string          `mapstructure:"strategy" yaml:"strategy"`
	Dimension     int             `mapstructure:"dimension" yaml:"dimension"`
	MaxConcurrent int             `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	Ensemble      EnsembleConfig  `mapstructure:"ensemble" yaml:"ensemble"`
	Embedding     EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Alignment     AlignmentConfig `mapstructure:"alignment" yaml:"alignment"`
}

// EnsembleConfig contains fixed-vector ensemble settings
type EnsembleConfig struct {
	Threshold float64       `mapstructure:"threshold" yaml:"threshold"`
	Epsilon   float64       `mapstructure:"epsilon" yaml:"epsilon"`
	Weights   WeightsConfig `mapstructure:"weights" yaml:"weights"`
}

// WeightsConfig contains the ensemble signal weights
type WeightsConfig struct {
	Mean        float64 `mapstructure:"mean" yaml:"mean"`
	Median      float64 `mapstructure:"median" yaml:"median"`
	BestSample  float64 `mapstructure:"best_sample" yaml:"best_sample"`
	Statistical float64 `mapstructure:"statistical" yaml:"statistical"`
}

// EmbeddingConfig contains embedding-average settings
type EmbeddingConfig struct {
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
}

// AlignmentConfig contains DTW settings
type AlignmentConfig struct {
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	Alpha     float64 `mapstructure:"alpha" yaml:"alpha"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// LoadConfig loads configuration from the global viper instance
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(viper.GetViper())
}

// LoadConfigFrom loads configuration from v
func LoadConfigFrom(v *viper.Viper) (*Config, error) {
	config := &Config{}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}

	return config, nil
}

// ValidateConfig validates the configuration
func ValidateConfig(config *Config) error {
	switch config.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", config.LogLevel)
	}

	switch config.OutputFormat {
	case "json", "yaml", "table", "csv":
	default:
		return fmt.Errorf("unsupported output format: %s", config.OutputFormat)
	}

	switch config.Storage.Backend {
	case "filesystem":
		if config.Storage.Dir == "" {
			return fmt.Errorf("storage directory is required for the filesystem backend")
		}
	case "badger":
		if config.Storage.Dir == "" && !config.Storage.Badger.InMemory {
			return fmt.Errorf("storage directory is required unless badger runs in memory")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", config.Storage.Backend)
	}

	if config.Enrollment.MinSamples <= 0 {
		return fmt.Errorf("minimum enrollment samples must be positive")
	}

	m := config.Matching
	switch m.Strategy {
	case "ensemble", "embedding", "alignment":
	default:
		return fmt.Errorf("unsupported matching strategy: %s", m.Strategy)
	}

	if m.Dimension < 0 {
		return fmt.Errorf("matching dimension cannot be negative")
	}

	if m.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent cannot be negative")
	}

	w := m.Ensemble.Weights
	for name, value := range map[string]float64{
		"mean":        w.Mean,
		"median":      w.Median,
		"best_sample": w.BestSample,
		"statistical": w.Statistical,
	} {
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("ensemble weight %s must be a finite non-negative number", name)
		}
	}
	if w.Mean+w.Median+w.BestSample+w.Statistical <= 0 {
		return fmt.Errorf("ensemble weights must have a positive sum")
	}

	if m.Ensemble.Epsilon <= 0 {
		return fmt.Errorf("ensemble epsilon must be positive")
	}

	if m.Alignment.Alpha <= 0 {
		return fmt.Errorf("alignment alpha must be positive")
	}

	for name, threshold := range map[string]float64{
		"ensemble":  m.Ensemble.Threshold,
		"embedding": m.Embedding.Threshold,
		"alignment": m.Alignment.Threshold,
	} {
		if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
			return fmt.Errorf("%s threshold must be finite", name)
		}
	}

	if m.Alignment.Threshold < 0 || m.Alignment.Threshold > 1 {
		return fmt.Errorf("alignment threshold must be between 0 and 1")
	}

	return nil
}
