// Package aggregator consolidates staged enrollment samples into a single
// voiceprint.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/storage"
)

// DefaultMinSamples is the number of staged samples required to enroll
const DefaultMinSamples = 3

// Config holds the deployment-wide aggregation settings
type Config struct {
	MinSamples     int
	Representation common.Representation

	// Dimension is the expected vector length (or frame width for
	// matrices). Zero accepts whatever the first sample carries.
	Dimension int
}

// Aggregator reads a user's staged samples and publishes one voiceprint.
// It holds no per-user state between calls.
type Aggregator struct {
	config      Config
	samples     storage.SampleStore
	voiceprints storage.VoiceprintStore
	logger      logging.Logger
	now         func() time.Time
}

// NewAggregator creates a new aggregator over the given stores
func NewAggregator(config Config, samples storage.SampleStore, voiceprints storage.VoiceprintStore, logger logging.Logger) *Aggregator {
	if config.MinSamples <= 0 {
		config.MinSamples = DefaultMinSamples
	}
	if config.Representation == "" {
		config.Representation = common.RepresentationStatistical
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	return &Aggregator{
		config:      config,
		samples:     samples,
		voiceprints: voiceprints,
		logger: logger.WithFields(logging.Fields{
			"component":      "voiceprint_aggregator",
			"representation": string(config.Representation),
		}),
		now: time.Now,
	}
}

// Config returns the aggregation settings
func (a *Aggregator) Config() Config {
	return a.config
}

// Aggregate builds the voiceprint from every staged sample and writes it,
// replacing any prior voiceprint. Nothing is written when fewer than
// MinSamples are staged or when any sample is unusable.
func (a *Aggregator) Aggregate(ctx context.Context, userID string) (*common.Voiceprint, error) {
	samples, err := a.samples.LoadAll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load staged samples: %w", err)
	}

	vp, err := a.Build(userID, samples)
	if err != nil {
		return nil, err
	}

	if err := a.voiceprints.Write(ctx, userID, vp); err != nil {
		return nil, fmt.Errorf("failed to publish voiceprint: %w", err)
	}

	a.logger.Info("Voiceprint created", logging.Fields{
		"user_id":      userID,
		"sample_count": vp.SampleCount,
		"dimension":    vp.Dimension(),
	})
	return vp, nil
}

// Build computes the voiceprint for samples without touching storage.
// The result depends only on the samples and their indices, not on the
// order they are passed in.
func (a *Aggregator) Build(userID string, samples []*common.Sample) (*common.Voiceprint, error) {
	if len(samples) < a.config.MinSamples {
		return nil, common.NewVoiceprintError(common.ErrCodeInsufficientSamples, userID,
			fmt.Sprintf("have %d staged samples, need %d", len(samples), a.config.MinSamples), nil)
	}

	ordered := make([]*common.Sample, 0, len(samples))
	for _, s := range samples {
		if s == nil {
			return nil, common.NewVoiceprintError(common.ErrCodeInvalidInput, userID, "nil sample", nil)
		}
		ordered = append(ordered, s)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	vp := &common.Voiceprint{
		UserID:         userID,
		Representation: a.config.Representation,
		SampleCount:    len(ordered),
		CreatedAt:      a.now().UTC(),
	}

	var err error
	switch a.config.Representation {
	case common.RepresentationStatistical:
		err = a.buildStatistical(userID, ordered, vp)
	case common.RepresentationEmbedding:
		err = a.buildEmbedding(userID, ordered, vp)
	case common.RepresentationMatrix:
		err = a.buildMatrix(userID, ordered, vp)
	default:
		err = common.NewVoiceprintError(common.ErrCodeInvalidInput, userID,
			fmt.Sprintf("unknown representation %q", a.config.Representation), nil)
	}
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Aggregated samples", logging.Fields{
		"user_id":      userID,
		"sample_count": vp.SampleCount,
		"dimension":    vp.Dimension(),
	})
	return vp, nil
}

// vectorRows validates fixed-length samples and returns their vectors
func (a *Aggregator) vectorRows(userID string, samples []*common.Sample) ([][]float64, error) {
	rows := make([][]float64, 0, len(samples))
	width := a.config.Dimension

	for _, s := range samples {
		if err := checkSample(userID, s, common.FeatureKindVector); err != nil {
			return nil, err
		}
		if width == 0 {
			width = len(s.Feature.Vector)
		}
		if len(s.Feature.Vector) != width {
			return nil, common.NewVoiceprintError(common.ErrCodeShapeMismatch, userID,
				fmt.Sprintf("sample %d has dimension %d, expected %d", s.Index, len(s.Feature.Vector), width), nil)
		}
		rows = append(rows, s.Feature.Vector)
	}
	return rows, nil
}

func (a *Aggregator) buildStatistical(userID string, samples []*common.Sample, vp *common.Voiceprint) error {
	rows, err := a.vectorRows(userID, samples)
	if err != nil {
		return err
	}

	stats := calculateColumnStats(rows)
	vp.Mean = stats.Mean
	vp.StdDev = stats.StdDev
	vp.Median = stats.Median

	vp.RawSamples = make([]common.FeatureVector, len(samples))
	for i, s := range samples {
		vp.RawSamples[i] = s.Feature.Clone()
	}
	return nil
}

func (a *Aggregator) buildEmbedding(userID string, samples []*common.Sample, vp *common.Voiceprint) error {
	rows, err := a.vectorRows(userID, samples)
	if err != nil {
		return err
	}

	vp.Embedding = calculateColumnStats(rows).Mean
	return nil
}

// buildMatrix pools the frames of every sample for the per-dimension
// statistics and keeps each frame-major matrix for alignment scoring
func (a *Aggregator) buildMatrix(userID string, samples []*common.Sample, vp *common.Voiceprint) error {
	width := a.config.Dimension
	var pooled [][]float64
	vp.RawSamples = make([]common.FeatureVector, 0, len(samples))

	for _, s := range samples {
		if err := checkSample(userID, s, common.FeatureKindMatrix); err != nil {
			return err
		}

		frames, err := common.OrientFrames(s.Feature.Matrix, width)
		if err != nil {
			return common.NewVoiceprintError(common.ErrCodeShapeMismatch, userID,
				fmt.Sprintf("sample %d cannot be aligned to the enrolled frame width", s.Index), err)
		}
		if width == 0 {
			width = len(frames[0])
		}

		pooled = append(pooled, frames...)
		vp.RawSamples = append(vp.RawSamples, common.NewMatrix(frames).Clone())
	}

	stats := calculateColumnStats(pooled)
	vp.Mean = stats.Mean
	vp.StdDev = stats.StdDev
	vp.Median = stats.Median
	return nil
}

func checkSample(userID string, s *common.Sample, kind common.FeatureKind) error {
	if err := s.Feature.Validate(); err != nil {
		return common.NewVoiceprintError(common.ErrCodeExtractionUnavailable, userID,
			fmt.Sprintf("sample %d is unusable", s.Index), err)
	}
	if s.Feature.Kind != kind {
		return common.NewVoiceprintError(common.ErrCodeShapeMismatch, userID,
			fmt.Sprintf("sample %d is a %s, deployment expects a %s", s.Index, s.Feature.Kind, kind), nil)
	}
	return nil
}
