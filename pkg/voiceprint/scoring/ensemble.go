package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
)

// Signal names reported in MatchResult.Signals
const (
	SignalMean        = "mean_cosine"
	SignalMedian      = "median_cosine"
	SignalBestSample  = "best_sample_cosine"
	SignalStatistical = "statistical"
)

// EnsembleScorer fuses several similarity signals over fixed-length vectors.
// Signals whose reference data the voiceprint lacks are omitted and the
// remaining weights renormalized.
type EnsembleScorer struct {
	weights   Weights
	epsilon   float64
	threshold float64
	dimension int
	strategy  Strategy
	logger    logging.Logger
}

// NewEnsembleScorer creates a new ensemble scorer
func NewEnsembleScorer(weights Weights, epsilon, threshold float64, dimension int, logger logging.Logger) (*EnsembleScorer, error) {
	for name, w := range map[string]float64{
		"mean":        weights.Mean,
		"median":      weights.Median,
		"best_sample": weights.BestSample,
		"statistical": weights.Statistical,
	} {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("ensemble weight %s must be a finite non-negative number, got %v", name, w)
		}
	}
	if weights.Mean+weights.Median+weights.BestSample+weights.Statistical <= 0 {
		return nil, fmt.Errorf("ensemble weights must have a positive sum")
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	return &EnsembleScorer{
		weights:   weights,
		epsilon:   epsilon,
		threshold: threshold,
		dimension: dimension,
		strategy:  StrategyEnsemble,
		logger: logger.WithFields(logging.Fields{
			"component": "ensemble_scorer",
		}),
	}, nil
}

// NewEmbeddingScorer creates a scorer that compares the probe to the mean
// embedding by cosine similarity alone
func NewEmbeddingScorer(threshold float64, dimension int, logger logging.Logger) (*EnsembleScorer, error) {
	s, err := NewEnsembleScorer(Weights{Mean: 1}, DefaultEpsilon, threshold, dimension, logger)
	if err != nil {
		return nil, err
	}
	s.strategy = StrategyEmbedding
	s.logger = s.logger.WithFields(logging.Fields{"strategy": string(StrategyEmbedding)})
	return s, nil
}

// Strategy returns the configured strategy name
func (s *EnsembleScorer) Strategy() Strategy {
	return s.strategy
}

// Threshold returns the decision threshold
func (s *EnsembleScorer) Threshold() float64 {
	return s.threshold
}

// Score fuses the available signals into one confidence
func (s *EnsembleScorer) Score(vp *common.Voiceprint, probe common.FeatureVector) (*common.MatchResult, error) {
	start := time.Now()

	if err := checkVoiceprint(vp); err != nil {
		return nil, err
	}
	if err := checkProbe(vp, probe, common.FeatureKindVector); err != nil {
		return nil, err
	}

	reference := vp.Reference()
	if len(reference) == 0 {
		return nil, common.NewVoiceprintError(common.ErrCodeShapeMismatch, vp.UserID,
			"voiceprint has no fixed-length reference vector", nil)
	}
	if len(probe.Vector) != len(reference) {
		return nil, common.NewVoiceprintError(common.ErrCodeShapeMismatch, vp.UserID,
			fmt.Sprintf("probe dimension %d does not match voiceprint dimension %d", len(probe.Vector), len(reference)), nil)
	}
	if s.dimension > 0 && len(probe.Vector) != s.dimension {
		return nil, common.NewVoiceprintError(common.ErrCodeShapeMismatch, vp.UserID,
			fmt.Sprintf("probe dimension %d does not match configured dimension %d", len(probe.Vector), s.dimension), nil)
	}

	p := probe.Vector
	signals := make(map[string]float64, 4)
	weighted := 0.0
	totalWeight := 0.0

	add := func(name string, value, weight float64) {
		signals[name] = value
		if weight <= 0 {
			return
		}
		weighted += value * weight
		totalWeight += weight
	}

	add(SignalMean, CosineSimilarity(p, reference), s.weights.Mean)

	if s.weights.Median > 0 && len(vp.Median) == len(p) {
		add(SignalMedian, CosineSimilarity(p, vp.Median), s.weights.Median)
	}

	if s.weights.BestSample > 0 && len(vp.RawSamples) > 0 {
		best := math.Inf(-1)
		for _, raw := range vp.RawSamples {
			if raw.Kind != common.FeatureKindVector || len(raw.Vector) != len(p) {
				return nil, common.NewVoiceprintError(common.ErrCodeShapeMismatch, vp.UserID,
					"enrolled raw sample does not match probe shape", nil)
			}
			best = math.Max(best, CosineSimilarity(p, raw.Vector))
		}
		add(SignalBestSample, best, s.weights.BestSample)
	}

	if s.weights.Statistical > 0 && len(vp.StdDev) == len(p) && len(vp.Mean) == len(p) {
		add(SignalStatistical, statisticalSimilarity(p, vp.Mean, vp.StdDev, s.epsilon), s.weights.Statistical)
	}

	if totalWeight <= 0 {
		return nil, common.NewVoiceprintError(common.ErrCodeInvalidInput, vp.UserID,
			"no weighted signal available for this voiceprint", nil)
	}

	result := decide(&common.MatchResult{
		Confidence:     weighted / totalWeight,
		Threshold:      s.threshold,
		Strategy:       string(s.strategy),
		Signals:        signals,
		ProcessingTime: time.Since(start),
	})

	s.logger.Debug("Scored probe", logging.Fields{
		"user_id":    vp.UserID,
		"confidence": result.Confidence,
		"is_match":   result.IsMatch,
		"signals":    len(signals),
	})
	return result, nil
}
