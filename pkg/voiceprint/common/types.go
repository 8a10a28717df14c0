package common

import "time"

// Representation is the deployment-wide voiceprint form
type Representation string

const (
	// RepresentationStatistical keeps mean/std/median plus raw fixed vectors
	RepresentationStatistical Representation = "statistical"
	// RepresentationEmbedding keeps only the mean embedding
	RepresentationEmbedding Representation = "embedding"
	// RepresentationMatrix keeps pooled frame statistics plus raw matrices for alignment
	RepresentationMatrix Representation = "matrix"
)

// FeatureKind returns the feature shape this representation is built from
func (r Representation) FeatureKind() FeatureKind {
	if r == RepresentationMatrix {
		return FeatureKindMatrix
	}
	return FeatureKindVector
}

// Sample is one staged enrollment unit
type Sample struct {
	Feature    FeatureVector `json:"feature" msgpack:"feature"`
	Index      int           `json:"sample_index" msgpack:"sample_index"`
	CapturedAt time.Time     `json:"captured_at" msgpack:"captured_at"`
}

// Voiceprint is the consolidated, immutable reference for one user
type Voiceprint struct {
	UserID         string         `json:"user_id" msgpack:"user_id"`
	Representation Representation `json:"representation" msgpack:"representation"`

	// Statistical and matrix forms
	Mean       []float64       `json:"mean,omitempty" msgpack:"mean,omitempty"`
	StdDev     []float64       `json:"std_dev,omitempty" msgpack:"std_dev,omitempty"`
	Median     []float64       `json:"median,omitempty" msgpack:"median,omitempty"`
	RawSamples []FeatureVector `json:"raw_samples,omitempty" msgpack:"raw_samples,omitempty"`

	// Embedding-average form
	Embedding []float64 `json:"embedding,omitempty" msgpack:"embedding,omitempty"`

	SampleCount int       `json:"sample_count" msgpack:"sample_count"`
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
}

// Dimension returns the feature dimensionality (or frame width) the
// voiceprint was built from
func (v *Voiceprint) Dimension() int {
	if len(v.Embedding) > 0 {
		return len(v.Embedding)
	}
	return len(v.Mean)
}

// Reference returns the central vector used for cosine scoring
func (v *Voiceprint) Reference() []float64 {
	if len(v.Embedding) > 0 {
		return v.Embedding
	}
	return v.Mean
}

// VoiceprintInfo is the summary exposed to callers without the raw data
type VoiceprintInfo struct {
	UserID            string         `json:"user_id"`
	Representation    Representation `json:"representation"`
	SampleCount       int            `json:"sample_count"`
	CreatedAt         time.Time      `json:"created_at"`
	FeatureDimensions int            `json:"feature_dimensions"`
}

// Info summarizes the voiceprint
func (v *Voiceprint) Info() *VoiceprintInfo {
	return &VoiceprintInfo{
		UserID:            v.UserID,
		Representation:    v.Representation,
		SampleCount:       v.SampleCount,
		CreatedAt:         v.CreatedAt,
		FeatureDimensions: v.Dimension(),
	}
}

// Outcome distinguishes a scored rejection from a result that could not be
// evaluated at all. Both deny access.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnevaluated Outcome = "unevaluated"
)

// MatchResult holds the result of scoring a probe against a voiceprint
type MatchResult struct {
	IsMatch        bool               `json:"is_match"`
	Confidence     float64            `json:"confidence"`
	Threshold      float64            `json:"threshold"`
	Strategy       string             `json:"strategy,omitempty"`
	Outcome        Outcome            `json:"outcome"`
	Signals        map[string]float64 `json:"signals,omitempty"`
	ReasonCode     string             `json:"reason_code,omitempty"`
	ProcessingTime time.Duration      `json:"processing_time"`
	Err            error              `json:"-"`
}

// Unevaluated builds the fail-closed result: no match, zero confidence,
// with the cause retained for auditing
func Unevaluated(strategy string, err error) *MatchResult {
	return &MatchResult{
		IsMatch:    false,
		Confidence: 0.0,
		Strategy:   strategy,
		Outcome:    OutcomeUnevaluated,
		ReasonCode: CodeOf(err),
		Err:        err,
	}
}
