package verification

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/aggregator"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/common"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/enrollment"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/scoring"
	"github.com/RyanBlaney/voiceprint-verify/pkg/voiceprint/storage"
)

type recordedMetric struct {
	name  string
	value int64
	tags  []string
}

type recordingCollector struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (c *recordingCollector) Metric(name string, value int64, tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, recordedMetric{name, value, tags})
}

func (c *recordingCollector) byName(name string) []recordedMetric {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []recordedMetric
	for _, m := range c.metrics {
		if m.name == name {
			out = append(out, m)
		}
	}
	return out
}

// EngineTestSuite exercises the engine end to end over a real store
type EngineTestSuite struct {
	suite.Suite
	backend   storage.Backend
	logger    logging.Logger
	store     storage.Store
	engine    *Engine
	collector *recordingCollector
	ctx       context.Context
}

func (s *EngineTestSuite) SetupSuite() {
	s.logger = logging.WithFields(logging.Fields{
		"component": "engine_test_suite",
	})
	s.ctx = context.Background()
}

func (s *EngineTestSuite) SetupTest() {
	store, err := storage.Open(storage.Options{
		Backend:  s.backend,
		Dir:      s.T().TempDir(),
		InMemory: s.backend == storage.BackendBadger,
		Logger:   s.logger,
	})
	s.Require().NoError(err)
	s.store = store
	s.collector = &recordingCollector{}
	s.engine = s.newEngine(scoring.DefaultConfig(), common.RepresentationStatistical)
}

func (s *EngineTestSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *EngineTestSuite) newEngine(cfg scoring.Config, rep common.Representation) *Engine {
	cfg.Logger = s.logger
	scorer, err := scoring.New(cfg)
	s.Require().NoError(err)
	return s.newEngineWithScorer(scorer, rep, cfg.Dimension)
}

func (s *EngineTestSuite) newEngineWithScorer(scorer scoring.Scorer, rep common.Representation, dim int) *Engine {
	agg := aggregator.NewAggregator(aggregator.Config{
		MinSamples:     3,
		Representation: rep,
		Dimension:      dim,
	}, s.store, s.store, s.logger)

	engine, err := NewEngine(&EngineConfig{
		Samples:       s.store,
		Voiceprints:   s.store,
		Aggregator:    agg,
		Scorer:        scorer,
		MaxConcurrent: 4,
		Logger:        s.logger,
		Metrics:       s.collector,
	})
	s.Require().NoError(err)
	return engine
}

func vec(values ...float64) common.FeatureVector {
	return common.NewVector(values)
}

func (s *EngineTestSuite) TestEndToEndEnrollAndAuthenticate() {
	for i := 1; i <= 3; i++ {
		s.Require().NoError(s.engine.StageSample(s.ctx, "alice", i, vec(1, 0, 0)))
	}

	created, err := s.engine.TryCreateVoiceprint(s.ctx, "alice")
	s.Require().NoError(err)
	s.True(created)

	result := s.engine.Authenticate(s.ctx, "alice", vec(1, 0, 0))
	s.True(result.IsMatch)
	s.Equal(common.OutcomeAccepted, result.Outcome)
	s.InDelta(1.0, result.Confidence, 1e-9)

	result = s.engine.Authenticate(s.ctx, "alice", vec(-1, 0, 0))
	s.False(result.IsMatch)
	s.Equal(common.OutcomeRejected, result.Outcome)

	s.Len(s.collector.byName(MetricCreated), 1)
	confidences := s.collector.byName(MetricConfidence)
	s.Require().Len(confidences, 2)
	s.Equal(int64(1000), confidences[0].value)
	s.Contains(confidences[0].tags, "outcome:accepted")
}

func (s *EngineTestSuite) TestNoVoiceprintFailsClosed() {
	result := s.engine.Authenticate(s.ctx, "nobody", vec(1, 0, 0))
	s.False(result.IsMatch)
	s.Equal(0.0, result.Confidence)
	s.Equal(common.OutcomeUnevaluated, result.Outcome)
	s.Equal(common.ErrCodeNoVoiceprint, result.ReasonCode)
	s.True(errors.Is(result.Err, common.ErrNoVoiceprint))
}

func (s *EngineTestSuite) TestShapeMismatchFailsClosed() {
	for i := 1; i <= 3; i++ {
		s.Require().NoError(s.engine.StageSample(s.ctx, "bob", i, vec(1, 0, 0)))
	}
	_, err := s.engine.TryCreateVoiceprint(s.ctx, "bob")
	s.Require().NoError(err)

	result := s.engine.Authenticate(s.ctx, "bob", vec(1, 0))
	s.False(result.IsMatch)
	s.Equal(0.0, result.Confidence)
	s.Equal(common.ErrCodeShapeMismatch, result.ReasonCode)

	result = s.engine.Authenticate(s.ctx, "", vec(1, 0, 0))
	s.Equal(common.OutcomeUnevaluated, result.Outcome)
}

func (s *EngineTestSuite) TestTryCreateBelowMinimum() {
	s.Require().NoError(s.engine.StageSample(s.ctx, "carol", 1, vec(1, 2)))
	s.Require().NoError(s.engine.StageSample(s.ctx, "carol", 2, vec(1, 2)))

	created, err := s.engine.TryCreateVoiceprint(s.ctx, "carol")
	s.Require().NoError(err)
	s.False(created)

	err = s.engine.Aggregate(s.ctx, "carol")
	s.True(errors.Is(err, common.ErrInsufficientSamples))

	has, err := s.engine.HasVoiceprint(s.ctx, "carol")
	s.Require().NoError(err)
	s.False(has)

	state, err := s.engine.EnrollmentState(s.ctx, "carol")
	s.Require().NoError(err)
	s.Equal(enrollment.PhaseAccumulating, state.Phase)
	s.Equal(1, state.SamplesNeeded())
}

func (s *EngineTestSuite) TestSubmitSampleProgress() {
	progress, err := s.engine.SubmitSample(s.ctx, "dave", 1, vec(0.2, 0.9))
	s.Require().NoError(err)
	s.Equal(&EnrollmentProgress{SampleCount: 1, SamplesNeeded: 2}, progress)

	progress, err = s.engine.SubmitSample(s.ctx, "dave", 2, vec(0.25, 0.85))
	s.Require().NoError(err)
	s.False(progress.Enrolled)

	progress, err = s.engine.SubmitSample(s.ctx, "dave", 3, vec(0.2, 0.95))
	s.Require().NoError(err)
	s.Equal(&EnrollmentProgress{SampleCount: 3, SamplesNeeded: 0, Enrolled: true}, progress)

	info, err := s.engine.VoiceprintInfo(s.ctx, "dave")
	s.Require().NoError(err)
	s.Equal(3, info.SampleCount)
	s.Equal(2, info.FeatureDimensions)
	s.Equal(common.RepresentationStatistical, info.Representation)

	// Samples stay staged after aggregation
	count, err := s.engine.SampleCount(s.ctx, "dave")
	s.Require().NoError(err)
	s.Equal(3, count)

	state, err := s.engine.EnrollmentState(s.ctx, "dave")
	s.Require().NoError(err)
	s.Equal(enrollment.PhaseEnrolled, state.Phase)
}

func (s *EngineTestSuite) TestClearEnrollmentIsIdempotent() {
	for i := 1; i <= 3; i++ {
		s.Require().NoError(s.engine.StageSample(s.ctx, "eve", i, vec(1, 1)))
	}
	_, err := s.engine.TryCreateVoiceprint(s.ctx, "eve")
	s.Require().NoError(err)

	s.Require().NoError(s.engine.ClearEnrollment(s.ctx, "eve"))
	s.Require().NoError(s.engine.ClearEnrollment(s.ctx, "eve"))

	state, err := s.engine.EnrollmentState(s.ctx, "eve")
	s.Require().NoError(err)
	s.Equal(enrollment.PhaseEmpty, state.Phase)

	_, err = s.engine.VoiceprintInfo(s.ctx, "eve")
	s.True(errors.Is(err, common.ErrNoVoiceprint))

	result := s.engine.Authenticate(s.ctx, "eve", vec(1, 1))
	s.False(result.IsMatch)
}

func (s *EngineTestSuite) TestStageRejectsBadFeatures() {
	err := s.engine.StageSample(s.ctx, "frank", 1, common.FeatureVector{Kind: common.FeatureKindVector})
	s.True(errors.Is(err, common.ErrExtractionUnavailable))

	err = s.engine.StageSample(s.ctx, "frank", 1, common.NewMatrix([][]float64{{1, 2}}))
	s.True(errors.Is(err, common.ErrShapeMismatch))

	count, err := s.engine.SampleCount(s.ctx, "frank")
	s.Require().NoError(err)
	s.Equal(0, count)
}

func (s *EngineTestSuite) TestConcurrentUsers() {
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6"}

	var wg sync.WaitGroup
	for n, user := range users {
		wg.Add(1)
		go func(n int, user string) {
			defer wg.Done()
			feature := vec(float64(n+1), 1, float64(-n))
			for i := 1; i <= 3; i++ {
				_, err := s.engine.SubmitSample(s.ctx, user, i, feature)
				s.NoError(err)
			}
			s.True(s.engine.Authenticate(s.ctx, user, feature).IsMatch)
		}(n, user)
	}
	wg.Wait()

	for _, user := range users {
		has, err := s.engine.HasVoiceprint(s.ctx, user)
		s.Require().NoError(err)
		s.True(has, user)
	}
}

func (s *EngineTestSuite) TestClearRacingAggregation() {
	for i := 1; i <= 3; i++ {
		s.Require().NoError(s.engine.StageSample(s.ctx, "gina", i, vec(1, 2, 3)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Either builds before the clear or finds no samples after it
			err := s.engine.Aggregate(s.ctx, "gina")
			if err != nil {
				s.True(errors.Is(err, common.ErrInsufficientSamples))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.NoError(s.engine.ClearEnrollment(s.ctx, "gina"))
	}()
	wg.Wait()

	// Whatever interleaving happened, a final clear leaves nothing behind
	s.Require().NoError(s.engine.ClearEnrollment(s.ctx, "gina"))
	has, err := s.engine.HasVoiceprint(s.ctx, "gina")
	s.Require().NoError(err)
	s.False(has)
}

func (s *EngineTestSuite) TestAlignmentDeployment() {
	cfg := scoring.DefaultConfig()
	cfg.Strategy = scoring.StrategyAlignment
	engine := s.newEngine(cfg, common.RepresentationMatrix)

	frames := [][]float64{{1, 2}, {2, 3}, {3, 4}, {4, 5}, {5, 6}}
	for i := 1; i <= 3; i++ {
		s.Require().NoError(engine.StageSample(s.ctx, "hank", i, common.NewMatrix(frames)))
	}
	created, err := engine.TryCreateVoiceprint(s.ctx, "hank")
	s.Require().NoError(err)
	s.True(created)

	result := engine.Authenticate(s.ctx, "hank", common.NewMatrix(frames))
	s.True(result.IsMatch)
	s.Equal(scoring.DefaultAlignmentThreshold, result.Threshold)

	result = engine.Authenticate(s.ctx, "hank", vec(1, 2))
	s.Equal(common.OutcomeUnevaluated, result.Outcome)
	s.Equal(common.ErrCodeShapeMismatch, result.ReasonCode)
}

// faultyScorer either panics or reports a non-finite confidence
type faultyScorer struct {
	panics bool
}

func (f faultyScorer) Score(*common.Voiceprint, common.FeatureVector) (*common.MatchResult, error) {
	if f.panics {
		panic("signal weights out of range")
	}
	return &common.MatchResult{
		IsMatch:    true,
		Confidence: math.NaN(),
		Outcome:    common.OutcomeAccepted,
	}, nil
}

func (faultyScorer) Strategy() scoring.Strategy { return scoring.StrategyEnsemble }

func (faultyScorer) Threshold() float64 { return 0.6 }

func (s *EngineTestSuite) TestScoringFaultsFailClosed() {
	for i := 1; i <= 3; i++ {
		s.Require().NoError(s.engine.StageSample(s.ctx, "ivan", i, vec(1, 0, 0)))
	}
	_, err := s.engine.TryCreateVoiceprint(s.ctx, "ivan")
	s.Require().NoError(err)

	for name, scorer := range map[string]faultyScorer{
		"panic":      {panics: true},
		"non-finite": {panics: false},
	} {
		s.Run(name, func() {
			engine := s.newEngineWithScorer(scorer, common.RepresentationStatistical, 0)

			var result *common.MatchResult
			s.NotPanics(func() {
				result = engine.Authenticate(s.ctx, "ivan", vec(1, 0, 0))
			})
			s.Require().NotNil(result)
			s.False(result.IsMatch)
			s.Equal(0.0, result.Confidence)
			s.Equal(common.OutcomeUnevaluated, result.Outcome)
			s.Equal(0.6, result.Threshold)
			s.Equal(common.ErrCodeInvalidInput, result.ReasonCode)
			s.Error(result.Err)
		})
	}

	confidences := s.collector.byName(MetricConfidence)
	s.Require().Len(confidences, 2)
	for _, m := range confidences {
		s.Equal(int64(0), m.value)
		s.Contains(m.tags, "outcome:unevaluated")
	}
}

func (s *EngineTestSuite) TestStageAfterEnrollmentChecksVoiceprintDimension() {
	for i := 1; i <= 3; i++ {
		_, err := s.engine.SubmitSample(s.ctx, "judy", i, vec(1, 0, 0))
		s.Require().NoError(err)
	}

	_, err := s.engine.SubmitSample(s.ctx, "judy", 4, vec(1, 0))
	s.True(errors.Is(err, common.ErrShapeMismatch), "got %v", err)

	count, err := s.engine.SampleCount(s.ctx, "judy")
	s.Require().NoError(err)
	s.Equal(3, count)

	// Aggregation is not poisoned by the rejected sample
	progress, err := s.engine.SubmitSample(s.ctx, "judy", 4, vec(0.9, 0.1, 0))
	s.Require().NoError(err)
	s.True(progress.Enrolled)
	s.Equal(4, progress.SampleCount)
}

// staleExistsVoiceprints reports a voiceprint as present even after it is
// gone, as a concurrent clear between Exists and Read would
type staleExistsVoiceprints struct {
	storage.VoiceprintStore
}

func (staleExistsVoiceprints) Exists(context.Context, string) (bool, error) {
	return true, nil
}

func (s *EngineTestSuite) TestEnrollmentStatusToleratesVanishedVoiceprint() {
	for i := 1; i <= 3; i++ {
		_, err := s.engine.SubmitSample(s.ctx, "kate", i, vec(1, 0, 0))
		s.Require().NoError(err)
	}

	state, info, err := s.engine.EnrollmentStatus(s.ctx, "kate")
	s.Require().NoError(err)
	s.Equal(enrollment.PhaseEnrolled, state.Phase)
	s.Require().NotNil(info)
	s.Equal(3, info.SampleCount)

	scorer, err := scoring.New(scoring.Config{Strategy: scoring.StrategyEnsemble, Logger: s.logger})
	s.Require().NoError(err)
	engine, err := NewEngine(&EngineConfig{
		Samples:     s.store,
		Voiceprints: staleExistsVoiceprints{VoiceprintStore: s.store},
		Aggregator: aggregator.NewAggregator(aggregator.Config{
			MinSamples:     3,
			Representation: common.RepresentationStatistical,
		}, s.store, s.store, s.logger),
		Scorer: scorer,
		Logger: s.logger,
	})
	s.Require().NoError(err)

	s.Require().NoError(s.store.Delete(s.ctx, "kate"))
	s.Require().NoError(s.store.Clear(s.ctx, "kate"))
	s.Require().NoError(s.store.Stage(s.ctx, "kate", &common.Sample{Feature: vec(1, 0, 0), Index: 1}))

	state, info, err = engine.EnrollmentStatus(s.ctx, "kate")
	s.Require().NoError(err)
	s.Nil(info)
	s.Equal(enrollment.PhaseAccumulating, state.Phase)
	s.Equal(1, state.Count)
}

func TestEngineFileSystem(t *testing.T) {
	suite.Run(t, &EngineTestSuite{backend: storage.BackendFilesystem})
}

func TestEngineBadger(t *testing.T) {
	suite.Run(t, &EngineTestSuite{backend: storage.BackendBadger})
}

func TestNewEngineRejectsMismatchedRepresentation(t *testing.T) {
	store, err := storage.Open(storage.Options{Backend: storage.BackendBadger, InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	scorer, err := scoring.New(scoring.DefaultConfig())
	require.NoError(t, err)
	agg := aggregator.NewAggregator(aggregator.Config{Representation: common.RepresentationMatrix}, store, store, nil)

	_, err = NewEngine(&EngineConfig{Samples: store, Voiceprints: store, Aggregator: agg, Scorer: scorer})
	assert.Error(t, err)

	_, err = NewEngine(&EngineConfig{Samples: store, Voiceprints: store, Scorer: scorer})
	assert.Error(t, err)
}

// snapshotHookSamples runs afterLoad once LoadAll has read its snapshot
type snapshotHookSamples struct {
	*storage.FileSystem
	afterLoad func()
}

func (h *snapshotHookSamples) LoadAll(ctx context.Context, userID string) ([]*common.Sample, error) {
	samples, err := h.FileSystem.LoadAll(ctx, userID)
	if h.afterLoad != nil {
		h.afterLoad()
	}
	return samples, err
}

func newSharedDirEngine(t *testing.T, samples storage.SampleStore, voiceprints storage.VoiceprintStore) *Engine {
	t.Helper()
	logger := logging.WithFields(logging.Fields{"component": "shared_dir_test"})
	scorer, err := scoring.New(scoring.Config{Strategy: scoring.StrategyEnsemble, Logger: logger})
	require.NoError(t, err)

	engine, err := NewEngine(&EngineConfig{
		Samples:     samples,
		Voiceprints: voiceprints,
		Aggregator: aggregator.NewAggregator(aggregator.Config{
			MinSamples:     3,
			Representation: common.RepresentationStatistical,
		}, samples, voiceprints, logger),
		Scorer: scorer,
		Logger: logger,
	})
	require.NoError(t, err)
	return engine
}

// Two engines over one directory stand in for two processes: they share
// no in-process locks, only the store's lock files.
func TestClearWaitsForAggregationInAnotherEngine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	storeA, err := storage.NewFileSystem(dir, nil, nil)
	require.NoError(t, err)
	storeB, err := storage.NewFileSystem(dir, nil, nil)
	require.NoError(t, err)

	hooked := &snapshotHookSamples{FileSystem: storeA}
	engineA := newSharedDirEngine(t, hooked, storeA)
	engineB := newSharedDirEngine(t, storeB, storeB)

	for i := 1; i <= 3; i++ {
		require.NoError(t, engineB.StageSample(ctx, "alice", i, vec(1, 0, 0)))
	}

	clearDone := make(chan error, 1)
	hooked.afterLoad = func() {
		hooked.afterLoad = nil
		go func() { clearDone <- engineB.ClearEnrollment(ctx, "alice") }()

		select {
		case err := <-clearDone:
			t.Errorf("clear finished while aggregation held the samples: %v", err)
		case <-time.After(100 * time.Millisecond):
		}
	}

	require.NoError(t, engineA.Aggregate(ctx, "alice"))

	select {
	case err := <-clearDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("clear did not finish after aggregation released the user")
	}

	for _, engine := range []*Engine{engineA, engineB} {
		state, err := engine.EnrollmentState(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, enrollment.PhaseEmpty, state.Phase)
		assert.Equal(t, 0, state.Count)
	}
}
