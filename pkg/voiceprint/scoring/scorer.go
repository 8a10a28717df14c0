// Package scoring compares a probe feature against an enrolled voiceprint
// and decides whether they belong to the same speaker.
//
// One strategy is chosen per deployment:
//   - ensemble: weighted fusion of cosine, best-sample and statistical
//     signals over fixed-length vectors
//   - embedding: cosine against the mean embedding only
//   - alignment: dynamic time warping over time-ordered feature matrices
//
// Each strategy carries its own threshold; scores from different strategies
// are not comparable.
package scoring

import (
	"fmt"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
)

// Strategy names a scoring design
type Strategy string

const (
	StrategyEnsemble  Strategy = "ensemble"
	StrategyEmbedding Strategy = "embedding"
	StrategyAlignment Strategy = "alignment"
)

// Representation returns the voiceprint form the strategy scores against
func (s Strategy) Representation() (common.Representation, error) {
	switch s {
	case StrategyEnsemble:
		return common.RepresentationStatistical, nil
	case StrategyEmbedding:
		return common.RepresentationEmbedding, nil
	case StrategyAlignment:
		return common.RepresentationMatrix, nil
	default:
		return "", fmt.Errorf("unknown scoring strategy: %s", s)
	}
}

// Scorer computes a MatchResult for a probe against a voiceprint. An error
// means the probe could not be evaluated; callers must treat it as a
// rejection.
type Scorer interface {
	Score(vp *common.Voiceprint, probe common.FeatureVector) (*common.MatchResult, error)
	Strategy() Strategy
	Threshold() float64
}

// Weights are the ensemble signal weights. They need not sum to 1; the
// weights of the signals present are renormalized.
type Weights struct {
	Mean        float64 `json:"mean" yaml:"mean"`
	Median      float64 `json:"median" yaml:"median"`
	BestSample  float64 `json:"best_sample" yaml:"best_sample"`
	Statistical float64 `json:"statistical" yaml:"statistical"`
}

// DefaultWeights returns the standard ensemble weights
func DefaultWeights() Weights {
	return Weights{
		Mean:        0.3,
		Median:      0.2,
		BestSample:  0.3,
		Statistical: 0.2,
	}
}

// Default tuning constants
const (
	DefaultEnsembleThreshold  = 0.75
	DefaultEmbeddingThreshold = 0.75
	DefaultAlignmentThreshold = 0.1
	DefaultAlignmentAlpha     = 40.0
	DefaultEpsilon            = 1e-8
)

// Config selects and tunes the deployment's scorer
type Config struct {
	Strategy Strategy

	// Dimension is the expected probe length or frame width; 0 defers to
	// the voiceprint
	Dimension int

	EnsembleThreshold  float64
	EnsembleWeights    Weights
	Epsilon            float64
	EmbeddingThreshold float64
	AlignmentThreshold float64
	AlignmentAlpha     float64

	Logger logging.Logger
}

// DefaultConfig returns the ensemble configuration with standard constants
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyEnsemble,
		EnsembleThreshold:  DefaultEnsembleThreshold,
		EnsembleWeights:    DefaultWeights(),
		Epsilon:            DefaultEpsilon,
		EmbeddingThreshold: DefaultEmbeddingThreshold,
		AlignmentThreshold: DefaultAlignmentThreshold,
		AlignmentAlpha:     DefaultAlignmentAlpha,
	}
}

// New creates the scorer for the configured strategy
func New(config Config) (Scorer, error) {
	switch config.Strategy {
	case StrategyEnsemble, "":
		return NewEnsembleScorer(config.EnsembleWeights, config.Epsilon, config.EnsembleThreshold, config.Dimension, config.Logger)
	case StrategyEmbedding:
		return NewEmbeddingScorer(config.EmbeddingThreshold, config.Dimension, config.Logger)
	case StrategyAlignment:
		return NewAlignmentScorer(config.AlignmentAlpha, config.AlignmentThreshold, config.Dimension, config.Logger)
	default:
		return nil, fmt.Errorf("unknown scoring strategy: %s", config.Strategy)
	}
}

func decide(result *common.MatchResult) *common.MatchResult {
	result.IsMatch = result.Confidence >= result.Threshold
	if result.IsMatch {
		result.Outcome = common.OutcomeAccepted
	} else {
		result.Outcome = common.OutcomeRejected
	}
	return result
}

func checkVoiceprint(vp *common.Voiceprint) error {
	if vp == nil {
		return common.NewVoiceprintError(common.ErrCodeNoVoiceprint, "", "no voiceprint to score against", nil)
	}
	return nil
}

func checkProbe(vp *common.Voiceprint, probe common.FeatureVector, kind common.FeatureKind) error {
	if err := probe.Validate(); err != nil {
		return err
	}
	if probe.Kind != kind {
		return common.NewVoiceprintError(common.ErrCodeShapeMismatch, vp.UserID,
			fmt.Sprintf("probe is a %s, voiceprint expects a %s", probe.Kind, kind), nil)
	}
	return nil
}
