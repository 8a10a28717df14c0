package verification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"
	"golang.org/x/sync/semaphore"

	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/aggregator"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/enrollment"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/scoring"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/storage"
)

// Metric names emitted through the Collector
const (
	MetricConfidence = "voiceprint.authenticate.confidence.permille"
	MetricSamples    = "voiceprint.enrollment.samples"
	MetricCreated    = "voiceprint.enrollment.created"
)

// Collector receives engine metrics
type Collector interface {
	Metric(name string, value int64, tags []string)
}

type nopCollector struct{}

func (nopCollector) Metric(string, int64, []string) {}

// Engine exposes the per-user enrollment and verification operations.
// It holds only configuration and the per-user lock table; every request
// may run concurrently with any other. When the sample store implements
// storage.UserLocker its lock is taken as well, so engines in separate
// processes sharing one store are serialized the same way.
type Engine struct {
	samples     storage.SampleStore
	voiceprints storage.VoiceprintStore
	aggregator  *aggregator.Aggregator
	scorer      scoring.Scorer
	minSamples  int
	dimension   int
	kind        common.FeatureKind
	locks       *storage.KeyedLocker
	sem         *semaphore.Weighted
	logger      logging.Logger
	metrics     Collector
	now         func() time.Time
}

// EngineConfig contains configuration for the verification engine
type EngineConfig struct {
	Samples     storage.SampleStore
	Voiceprints storage.VoiceprintStore
	Aggregator  *aggregator.Aggregator
	Scorer      scoring.Scorer

	// MaxConcurrent bounds concurrent aggregation and scoring work; 0 means
	// unbounded
	MaxConcurrent int64

	Logger  logging.Logger
	Metrics Collector
}

// EnrollmentProgress reports the result of submitting an enrollment sample
type EnrollmentProgress struct {
	SampleCount   int  `json:"sample_count" yaml:"sample_count"`
	SamplesNeeded int  `json:"samples_needed" yaml:"samples_needed"`
	Enrolled      bool `json:"enrolled" yaml:"enrolled"`
}

// NewEngine creates a new verification engine
func NewEngine(config *EngineConfig) (*Engine, error) {
	if config.Samples == nil || config.Voiceprints == nil {
		return nil, errors.New("engine requires sample and voiceprint stores")
	}
	if config.Aggregator == nil {
		return nil, errors.New("engine requires an aggregator")
	}
	if config.Scorer == nil {
		return nil, errors.New("engine requires a scorer")
	}

	rep, err := config.Scorer.Strategy().Representation()
	if err != nil {
		return nil, err
	}
	aggConfig := config.Aggregator.Config()
	if aggConfig.Representation != rep {
		return nil, fmt.Errorf("aggregator builds %s voiceprints but the %s scorer expects %s",
			aggConfig.Representation, config.Scorer.Strategy(), rep)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = nopCollector{}
	}

	var sem *semaphore.Weighted
	if config.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(config.MaxConcurrent)
	}

	return &Engine{
		samples:     config.Samples,
		voiceprints: config.Voiceprints,
		aggregator:  config.Aggregator,
		scorer:      config.Scorer,
		minSamples:  aggConfig.MinSamples,
		dimension:   aggConfig.Dimension,
		kind:        rep.FeatureKind(),
		locks:       storage.NewKeyedLocker(),
		sem:         sem,
		logger: logger.WithFields(logging.Fields{
			"component": "verification_engine",
			"strategy":  string(config.Scorer.Strategy()),
		}),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// MinSamples returns the number of samples required to enroll
func (e *Engine) MinSamples() int {
	return e.minSamples
}

// Strategy returns the deployment's scoring strategy
func (e *Engine) Strategy() scoring.Strategy {
	return e.scorer.Strategy()
}

// Threshold returns the acceptance threshold of the configured scorer
func (e *Engine) Threshold() float64 {
	return e.scorer.Threshold()
}

// StageSample validates and persists one enrollment sample
func (e *Engine) StageSample(ctx context.Context, userID string, index int, feature common.FeatureVector) error {
	if err := e.checkFeature(userID, feature); err != nil {
		return err
	}

	unlock, err := e.lockUser(ctx, userID, false)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.checkAgainstVoiceprint(ctx, userID, feature); err != nil {
		return err
	}

	sample := &common.Sample{
		Feature:    feature.Clone(),
		Index:      index,
		CapturedAt: e.now().UTC(),
	}
	if err := e.samples.Stage(ctx, userID, sample); err != nil {
		return err
	}

	e.logger.Debug("Sample staged", logging.Fields{
		"user_id":      userID,
		"sample_index": index,
	})
	return nil
}

// SampleCount returns the number of staged samples
func (e *Engine) SampleCount(ctx context.Context, userID string) (int, error) {
	return e.samples.Count(ctx, userID)
}

// Aggregate builds and publishes the voiceprint from every staged sample.
// Concurrent aggregations for one user are allowed and the last write
// wins; a concurrent ClearEnrollment, in this process or another sharing
// the store, waits for them to finish.
func (e *Engine) Aggregate(ctx context.Context, userID string) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	unlock, err := e.lockUser(ctx, userID, false)
	if err != nil {
		return err
	}
	defer unlock()

	vp, err := e.aggregator.Aggregate(ctx, userID)
	if err != nil {
		e.logger.Warn("Aggregation failed", logging.Fields{
			"user_id": userID,
			"code":    common.CodeOf(err),
			"error":   err.Error(),
		})
		return err
	}

	e.metrics.Metric(MetricCreated, 1, e.tags())
	e.metrics.Metric(MetricSamples, int64(vp.SampleCount), e.tags())
	return nil
}

// TryCreateVoiceprint aggregates when enough samples are staged. It returns
// false without error while the user is still accumulating samples.
func (e *Engine) TryCreateVoiceprint(ctx context.Context, userID string) (bool, error) {
	count, err := e.samples.Count(ctx, userID)
	if err != nil {
		return false, err
	}
	if count < e.minSamples {
		e.logger.Debug("Not enough samples to create voiceprint", logging.Fields{
			"user_id":      userID,
			"sample_count": count,
			"min_samples":  e.minSamples,
		})
		return false, nil
	}

	if err := e.Aggregate(ctx, userID); err != nil {
		return false, err
	}
	return true, nil
}

// SubmitSample stages a sample and creates the voiceprint as soon as the
// minimum number of samples is reached
func (e *Engine) SubmitSample(ctx context.Context, userID string, index int, feature common.FeatureVector) (*EnrollmentProgress, error) {
	if err := e.StageSample(ctx, userID, index, feature); err != nil {
		return nil, err
	}

	count, err := e.samples.Count(ctx, userID)
	if err != nil {
		return nil, err
	}
	progress := &EnrollmentProgress{
		SampleCount:   count,
		SamplesNeeded: max(0, e.minSamples-count),
	}

	if count >= e.minSamples {
		created, err := e.TryCreateVoiceprint(ctx, userID)
		if err != nil {
			return nil, err
		}
		progress.Enrolled = created
	}
	return progress, nil
}

// Authenticate scores a probe against the user's voiceprint. It never
// returns an error: anything that prevents evaluation produces a
// non-matching result with zero confidence and the cause attached.
func (e *Engine) Authenticate(ctx context.Context, userID string, probe common.FeatureVector) (result *common.MatchResult) {
	start := time.Now()
	strategy := string(e.scorer.Strategy())

	defer func() {
		if r := recover(); r != nil {
			result = common.Unevaluated(strategy, common.NewVoiceprintError(common.ErrCodeInvalidInput, userID,
				fmt.Sprintf("scoring panicked: %v", r), nil))
		}
		result.Threshold = e.scorer.Threshold()
		result.ProcessingTime = time.Since(start)
		e.record(userID, result)
	}()

	if userID == "" {
		return common.Unevaluated(strategy, common.NewVoiceprintError(common.ErrCodeInvalidInput, "", "user id must not be empty", nil))
	}

	if err := e.acquire(ctx); err != nil {
		return common.Unevaluated(strategy, err)
	}
	defer e.release()

	vp, err := e.voiceprints.Read(ctx, userID)
	if err != nil {
		return common.Unevaluated(strategy, err)
	}

	scored, err := e.scorer.Score(vp, probe)
	if err != nil {
		return common.Unevaluated(strategy, err)
	}
	if math.IsNaN(scored.Confidence) || math.IsInf(scored.Confidence, 0) {
		return common.Unevaluated(strategy, common.NewVoiceprintError(common.ErrCodeInvalidInput, userID, "non-finite confidence", nil))
	}
	return scored
}

// ClearEnrollment removes the voiceprint and every staged sample. It waits
// for in-flight staging and aggregation for the user, so a voiceprint
// being built from the old samples cannot reappear afterwards.
func (e *Engine) ClearEnrollment(ctx context.Context, userID string) error {
	unlock, err := e.lockUser(ctx, userID, true)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.voiceprints.Delete(ctx, userID); err != nil {
		return err
	}
	if err := e.samples.Clear(ctx, userID); err != nil {
		return err
	}

	e.logger.Info("Enrollment cleared", logging.Fields{
		"user_id": userID,
	})
	return nil
}

// HasVoiceprint reports whether the user is enrolled
func (e *Engine) HasVoiceprint(ctx context.Context, userID string) (bool, error) {
	return e.voiceprints.Exists(ctx, userID)
}

// VoiceprintInfo returns the summary of the user's voiceprint
func (e *Engine) VoiceprintInfo(ctx context.Context, userID string) (*common.VoiceprintInfo, error) {
	vp, err := e.voiceprints.Read(ctx, userID)
	if err != nil {
		return nil, err
	}
	return vp.Info(), nil
}

// EnrollmentState derives the user's enrollment phase from both stores
func (e *Engine) EnrollmentState(ctx context.Context, userID string) (enrollment.State, error) {
	count, err := e.samples.Count(ctx, userID)
	if err != nil {
		return enrollment.State{}, err
	}
	exists, err := e.voiceprints.Exists(ctx, userID)
	if err != nil {
		return enrollment.State{}, err
	}
	return enrollment.Derive(count, exists, e.minSamples), nil
}

// EnrollmentStatus returns the enrollment state and, for an enrolled user,
// the voiceprint summary. A voiceprint cleared between the two reads is
// reported as absent rather than as an error.
func (e *Engine) EnrollmentStatus(ctx context.Context, userID string) (enrollment.State, *common.VoiceprintInfo, error) {
	state, err := e.EnrollmentState(ctx, userID)
	if err != nil || state.Phase != enrollment.PhaseEnrolled {
		return state, nil, err
	}

	info, err := e.VoiceprintInfo(ctx, userID)
	if errors.Is(err, common.ErrNoVoiceprint) {
		return enrollment.Derive(state.Count, false, e.minSamples), nil, nil
	}
	if err != nil {
		return state, nil, err
	}
	return state, info, nil
}

// checkFeature rejects features that cannot belong to this deployment
func (e *Engine) checkFeature(userID string, feature common.FeatureVector) error {
	if userID == "" {
		return common.NewVoiceprintError(common.ErrCodeInvalidInput, "", "user id must not be empty", nil)
	}
	if err := feature.Validate(); err != nil {
		return common.NewVoiceprintError(common.ErrCodeExtractionUnavailable, userID, "unusable feature", err)
	}
	if feature.Kind != e.kind {
		return common.NewVoiceprintError(common.ErrCodeShapeMismatch, userID,
			fmt.Sprintf("feature is a %s, deployment expects a %s", feature.Kind, e.kind), nil)
	}
	return checkDimension(userID, feature, e.dimension)
}

// checkAgainstVoiceprint rejects a sample that could not be aggregated with
// the user's existing voiceprint. It only applies when no deployment
// dimension is configured.
func (e *Engine) checkAgainstVoiceprint(ctx context.Context, userID string, feature common.FeatureVector) error {
	if e.dimension > 0 {
		return nil
	}
	vp, err := e.voiceprints.Read(ctx, userID)
	if errors.Is(err, common.ErrNoVoiceprint) {
		return nil
	}
	if err != nil {
		return err
	}
	return checkDimension(userID, feature, vp.Dimension())
}

// checkDimension compares a vector's length, or a matrix's frame width,
// with dim. A non-positive dim accepts anything.
func checkDimension(userID string, feature common.FeatureVector, dim int) error {
	if dim <= 0 {
		return nil
	}

	switch feature.Kind {
	case common.FeatureKindVector:
		if len(feature.Vector) != dim {
			return common.NewVoiceprintError(common.ErrCodeShapeMismatch, userID,
				fmt.Sprintf("feature dimension %d, expected %d", len(feature.Vector), dim), nil)
		}
	case common.FeatureKindMatrix:
		if _, err := common.OrientFrames(feature.Matrix, dim); err != nil {
			return common.NewVoiceprintError(common.ErrCodeShapeMismatch, userID, "feature matrix does not fit the frame width", err)
		}
	}
	return nil
}

// lockUser takes the in-process user lock and, when the store provides one,
// the store's user lock. Exclusive is used only by ClearEnrollment.
func (e *Engine) lockUser(ctx context.Context, userID string, exclusive bool) (func(), error) {
	var unlock func()
	if exclusive {
		unlock = e.locks.Lock(userID)
	} else {
		unlock = e.locks.RLock(userID)
	}

	locker, ok := e.samples.(storage.UserLocker)
	if !ok {
		return unlock, nil
	}
	release, err := locker.LockUser(ctx, userID, exclusive)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		release()
		unlock()
	}, nil
}

func (e *Engine) acquire(ctx context.Context) error {
	if e.sem == nil {
		return nil
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for a scoring slot: %w", err)
	}
	return nil
}

func (e *Engine) release() {
	if e.sem != nil {
		e.sem.Release(1)
	}
}

func (e *Engine) tags() []string {
	return []string{"strategy:" + string(e.scorer.Strategy())}
}

// record logs the authentication outcome and emits its metric. Feature
// values are never logged.
func (e *Engine) record(userID string, result *common.MatchResult) {
	fields := logging.Fields{
		"user_id":    userID,
		"outcome":    string(result.Outcome),
		"confidence": result.Confidence,
		"threshold":  result.Threshold,
		"duration":   result.ProcessingTime.String(),
	}
	if result.ReasonCode != "" {
		fields["reason_code"] = result.ReasonCode
	}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
	}
	e.logger.Info("Authentication evaluated", fields)

	tags := append(e.tags(), "outcome:"+string(result.Outcome))
	e.metrics.Metric(MetricConfidence, int64(math.Round(result.Confidence*1000)), tags)
}
