package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/RyanBlaney/voiceprint-verify/configs"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/aggregator"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/scoring"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/storage"
)

// featureFile is the on-disk form of an extracted feature
type featureFile struct {
	Kind   string      `json:"kind,omitempty" yaml:"kind,omitempty"`
	Vector []float64   `json:"vector,omitempty" yaml:"vector,omitempty"`
	Matrix [][]float64 `json:"matrix,omitempty" yaml:"matrix,omitempty"`
}

// LoadFeatureFile reads a feature produced by the external extractor.
// The file holds either a vector or a matrix, as YAML or JSON.
func LoadFeatureFile(filePath string) (common.FeatureVector, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return common.FeatureVector{}, fmt.Errorf("failed to read feature file: %w", err)
	}

	var ff featureFile
	switch filepath.Ext(filePath) {
	case ".json":
		err = json.Unmarshal(data, &ff)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &ff)
	default:
		// Try YAML first, then JSON
		if err = yaml.Unmarshal(data, &ff); err != nil {
			err = json.Unmarshal(data, &ff)
		}
	}
	if err != nil {
		return common.FeatureVector{}, common.NewVoiceprintError(common.ErrCodeExtractionUnavailable, "",
			"failed to parse feature file "+filePath, err)
	}

	return ff.toFeature()
}

func (ff featureFile) toFeature() (common.FeatureVector, error) {
	hasVector := len(ff.Vector) > 0
	hasMatrix := len(ff.Matrix) > 0

	var feature common.FeatureVector
	switch {
	case hasVector && hasMatrix:
		return feature, common.NewVoiceprintError(common.ErrCodeExtractionUnavailable, "",
			"feature file holds both a vector and a matrix", nil)
	case hasVector:
		feature = common.NewVector(ff.Vector)
	case hasMatrix:
		feature = common.NewMatrix(ff.Matrix)
	default:
		return feature, common.NewVoiceprintError(common.ErrCodeExtractionUnavailable, "",
			"feature file holds no feature data", nil)
	}

	if ff.Kind != "" && common.FeatureKind(ff.Kind) != feature.Kind {
		return feature, common.NewVoiceprintError(common.ErrCodeExtractionUnavailable, "",
			fmt.Sprintf("feature file declares kind %q but holds a %s", ff.Kind, feature.Kind), nil)
	}

	return feature, feature.Validate()
}

// WriteConfigFile writes cfg as YAML, refusing to overwrite unless force
func WriteConfigFile(cfg *configs.Config, filePath string, force bool) error {
	if !force {
		if _, err := os.Stat(filePath); err == nil {
			return fmt.Errorf("configuration file already exists: %s", filePath)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}

// storageOptions maps the storage section onto storage.Options
func storageOptions(cfg *configs.Config) storage.Options {
	return storage.Options{
		Backend:     storage.Backend(cfg.Storage.Backend),
		Dir:         cfg.Storage.Dir,
		Compression: cfg.Storage.Compression,
		InMemory:    cfg.Storage.Badger.InMemory,
	}
}

// scoringConfig maps the matching section onto scoring.Config
func scoringConfig(cfg *configs.Config) scoring.Config {
	m := cfg.Matching
	return scoring.Config{
		Strategy:          scoring.Strategy(m.Strategy),
		Dimension:         m.Dimension,
		EnsembleThreshold: m.Ensemble.Threshold,
		EnsembleWeights: scoring.Weights{
			Mean:        m.Ensemble.Weights.Mean,
			Median:      m.Ensemble.Weights.Median,
			BestSample:  m.Ensemble.Weights.BestSample,
			Statistical: m.Ensemble.Weights.Statistical,
		},
		Epsilon:            m.Ensemble.Epsilon,
		EmbeddingThreshold: m.Embedding.Threshold,
		AlignmentThreshold: m.Alignment.Threshold,
		AlignmentAlpha:     m.Alignment.Alpha,
	}
}

// aggregatorConfig derives the aggregation settings; the representation
// follows from the matching strategy
func aggregatorConfig(cfg *configs.Config) (aggregator.Config, error) {
	rep, err := scoring.Strategy(cfg.Matching.Strategy).Representation()
	if err != nil {
		return aggregator.Config{}, err
	}
	return aggregator.Config{
		MinSamples:     cfg.Enrollment.MinSamples,
		Representation: rep,
		Dimension:      cfg.Matching.Dimension,
	}, nil
}
