package configs

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AppName is used for config, data and env naming
const AppName = "voiceprint"

// SetDefaults sets default configuration values for all components
func SetDefaults(v *viper.Viper) {
	d := GetDefaultConfig()

	// Application defaults
	if !v.IsSet("verbose") {
		v.SetDefault("verbose", d.Verbose)
	}
	if !v.IsSet("log_level") {
		v.SetDefault("log_level", d.LogLevel)
	}
	if !v.IsSet("log_file") {
		v.SetDefault("log_file", d.LogFile)
	}
	if !v.IsSet("output_format") {
		v.SetDefault("output_format", d.OutputFormat)
	}
	if !v.IsSet("config_dir") {
		v.SetDefault("config_dir", d.ConfigDir)
	}
	if !v.IsSet("data_dir") {
		v.SetDefault("data_dir", d.DataDir)
	}

	// Storage defaults
	if !v.IsSet("storage.backend") {
		v.SetDefault("storage.backend", d.Storage.Backend)
	}
	if !v.IsSet("storage.dir") {
		v.SetDefault("storage.dir", d.Storage.Dir)
	}
	if !v.IsSet("storage.compression") {
		v.SetDefault("storage.compression", d.Storage.Compression)
	}
	if !v.IsSet("storage.badger.in_memory") {
		v.SetDefault("storage.badger.in_memory", d.Storage.Badger.InMemory)
	}

	// Enrollment defaults
	if !v.IsSet("enrollment.min_samples") {
		v.SetDefault("enrollment.min_samples", d.Enrollment.MinSamples)
	}

	// Matching defaults
	setMatchingDefaults(v, d.Matching)

	// Metrics defaults
	if !v.IsSet("metrics.enabled") {
		v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	}
}

func setMatchingDefaults(v *viper.Viper, m MatchingConfig) {
	if !v.IsSet("matching.strategy") {
		v.SetDefault("matching.strategy", m.Strategy)
	}
	if !v.IsSet("matching.dimension") {
		v.SetDefault("matching.dimension", m.Dimension)
	}
	if !v.IsSet("matching.max_concurrent") {
		v.SetDefault("matching.max_concurrent", m.MaxConcurrent)
	}

	// Ensemble
	if !v.IsSet("matching.ensemble.threshold") {
		v.SetDefault("matching.ensemble.threshold", m.Ensemble.Threshold)
	}
	if !v.IsSet("matching.ensemble.epsilon") {
		v.SetDefault("matching.ensemble.epsilon", m.Ensemble.Epsilon)
	}
	if !v.IsSet("matching.ensemble.weights.mean") {
		v.SetDefault("matching.ensemble.weights.mean", m.Ensemble.Weights.Mean)
	}
	if !v.IsSet("matching.ensemble.weights.median") {
		v.SetDefault("matching.ensemble.weights.median", m.Ensemble.Weights.Median)
	}
	if !v.IsSet("matching.ensemble.weights.best_sample") {
		v.SetDefault("matching.ensemble.weights.best_sample", m.Ensemble.Weights.BestSample)
	}
	if !v.IsSet("matching.ensemble.weights.statistical") {
		v.SetDefault("matching.ensemble.weights.statistical", m.Ensemble.Weights.Statistical)
	}

	// Embedding
	if !v.IsSet("matching.embedding.threshold") {
		v.SetDefault("matching.embedding.threshold", m.Embedding.Threshold)
	}

	// Alignment
	if !v.IsSet("matching.alignment.threshold") {
		v.SetDefault("matching.alignment.threshold", m.Alignment.Threshold)
	}
	if !v.IsSet("matching.alignment.alpha") {
		v.SetDefault("matching.alignment.alpha", m.Alignment.Alpha)
	}
}

// GetDefaultConfig returns the default configuration
func GetDefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", AppName)

	return &Config{
		// Application settings defaults
		Verbose:      false,
		LogLevel:     "warn",
		LogFile:      "",
		OutputFormat: "table",
		ConfigDir:    filepath.Join(home, ".config", AppName),
		DataDir:      dataDir,

		Storage:    GetDefaultStorageConfig(dataDir),
		Enrollment: GetDefaultEnrollmentConfig(),
		Matching:   GetDefaultMatchingConfig(),
		Metrics:    MetricsConfig{Enabled: false},
	}
}

// GetDefaultStorageConfig returns filesystem storage under dataDir
func GetDefaultStorageConfig(dataDir string) StorageConfig {
	return StorageConfig{
		Backend:     "filesystem",
		Dir:         filepath.Join(dataDir, "voiceprints"),
		Compression: false,
		Badger:      BadgerConfig{InMemory: false},
	}
}

// GetDefaultEnrollmentConfig returns the default enrollment policy
func GetDefaultEnrollmentConfig() EnrollmentConfig {
	return EnrollmentConfig{
		MinSamples: 3,
	}
}

// GetDefaultMatchingConfig returns the ensemble strategy with standard tuning
func GetDefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		Strategy:      "ensemble",
		Dimension:     0,
		MaxConcurrent: 0,
		Ensemble: EnsembleConfig{
			Threshold: 0.75,
			Epsilon:   1e-8,
			Weights: WeightsConfig{
				Mean:        0.3,
				Median:      0.2,
				BestSample:  0.3,
				Statistical: 0.2,
			},
		},
		Embedding: EmbeddingConfig{
			Threshold: 0.75,
		},
		Alignment: AlignmentConfig{
			Threshold: 0.1,
			Alpha:     40.0,
		},
	}
}

// GetAlignmentMatchingConfig returns matching settings for a DTW deployment
// over feature matrices
func GetAlignmentMatchingConfig() MatchingConfig {
	m := GetDefaultMatchingConfig()
	m.Strategy = "alignment"
	return m
}

// GetEmbeddingMatchingConfig returns matching settings for a deployment
// that enrolls averaged neural embeddings
func GetEmbeddingMatchingConfig() MatchingConfig {
	m := GetDefaultMatchingConfig()
	m.Strategy = "embedding"
	return m
}
