package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
)

// Signal names reported by the alignment scorer
const (
	SignalAverageCost = "average_dtw_cost"
	SignalBestCost    = "best_dtw_cost"
)

// AlignmentScorer compares time-ordered feature matrices with dynamic time
// warping. The probe is aligned against every enrolled matrix; the mean
// cumulative cost is mapped to exp(-cost/alpha).
type AlignmentScorer struct {
	alpha     float64
	threshold float64
	width     int
	logger    logging.Logger
}

// NewAlignmentScorer creates a new DTW scorer
func NewAlignmentScorer(alpha, threshold float64, width int, logger logging.Logger) (*AlignmentScorer, error) {
	if alpha <= 0 || math.IsNaN(alpha) || math.IsInf(alpha, 0) {
		return nil, fmt.Errorf("alignment alpha must be a positive number, got %v", alpha)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	return &AlignmentScorer{
		alpha:     alpha,
		threshold: threshold,
		width:     width,
		logger: logger.WithFields(logging.Fields{
			"component": "alignment_scorer",
		}),
	}, nil
}

// Strategy returns StrategyAlignment
func (s *AlignmentScorer) Strategy() Strategy {
	return StrategyAlignment
}

// Threshold returns the decision threshold
func (s *AlignmentScorer) Threshold() float64 {
	return s.threshold
}

// Similarity maps a DTW cost into (0, 1]; +Inf and NaN map to 0
func (s *AlignmentScorer) Similarity(cost float64) float64 {
	if math.IsNaN(cost) || math.IsInf(cost, 1) {
		return 0
	}
	return math.Exp(-cost / s.alpha)
}

// Score aligns the probe against each enrolled matrix
func (s *AlignmentScorer) Score(vp *common.Voiceprint, probe common.FeatureVector) (*common.MatchResult, error) {
	start := time.Now()

	if err := checkVoiceprint(vp); err != nil {
		return nil, err
	}
	if err := checkProbe(vp, probe, common.FeatureKindMatrix); err != nil {
		return nil, err
	}
	if len(vp.RawSamples) == 0 {
		return nil, common.NewVoiceprintError(common.ErrCodeShapeMismatch, vp.UserID,
			"voiceprint has no enrolled matrices to align against", nil)
	}

	width := s.width
	if width == 0 {
		width = vp.Dimension()
	}

	probeFrames, err := common.OrientFrames(probe.Matrix, width)
	if err != nil {
		return nil, err
	}

	total := 0.0
	best := math.Inf(1)
	for _, raw := range vp.RawSamples {
		cost := math.Inf(1)
		if raw.Kind == common.FeatureKindMatrix {
			if frames, err := common.OrientFrames(raw.Matrix, len(probeFrames[0])); err == nil {
				cost = DTWCost(probeFrames, frames)
			}
		}
		if math.IsNaN(cost) {
			cost = math.Inf(1)
		}
		total += cost
		best = math.Min(best, cost)
	}
	avg := total / float64(len(vp.RawSamples))

	result := decide(&common.MatchResult{
		Confidence: s.Similarity(avg),
		Threshold:  s.threshold,
		Strategy:   string(StrategyAlignment),
		Signals: map[string]float64{
			SignalAverageCost: finiteOr(avg, math.MaxFloat64),
			SignalBestCost:    finiteOr(best, math.MaxFloat64),
		},
		ProcessingTime: time.Since(start),
	})

	s.logger.Debug("Aligned probe", logging.Fields{
		"user_id":      vp.UserID,
		"probe_frames": len(probeFrames),
		"references":   len(vp.RawSamples),
		"average_cost": avg,
		"confidence":   result.Confidence,
	})
	return result, nil
}

// DTWCost returns the cumulative dynamic time warping cost between two
// frame sequences using Euclidean frame distance:
//
//	C[0][0] = d(a0, b0)
//	C[i][j] = d(ai, bj) + min(C[i-1][j], C[i][j-1], C[i-1][j-1])
//
// with the first row and column accumulating along their edge. Empty
// sequences or frames of different widths cost +Inf.
func DTWCost(a, b [][]float64) float64 {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return math.Inf(1)
	}

	// Two rolling rows of the cost matrix
	prev := make([]float64, m)
	curr := make([]float64, m)

	prev[0] = EuclideanDistance(a[0], b[0])
	for j := 1; j < m; j++ {
		prev[j] = prev[j-1] + EuclideanDistance(a[0], b[j])
	}

	for i := 1; i < n; i++ {
		curr[0] = prev[0] + EuclideanDistance(a[i], b[0])
		for j := 1; j < m; j++ {
			curr[j] = EuclideanDistance(a[i], b[j]) + min(prev[j], curr[j-1], prev[j-1])
		}
		prev, curr = curr, prev
	}

	return prev[m-1]
}

// finiteOr keeps signal maps serializable
func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
