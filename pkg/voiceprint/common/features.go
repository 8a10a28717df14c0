package common

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// FeatureKind identifies the shape of a feature artifact
type FeatureKind string

const (
	FeatureKindVector FeatureKind = "vector"
	FeatureKindMatrix FeatureKind = "matrix"
)

// FeatureVector is the opaque numeric artifact produced by the external
// extractor. Exactly one of Vector or Matrix is populated, matching Kind.
type FeatureVector struct {
	Kind   FeatureKind `json:"kind" yaml:"kind" msgpack:"kind"`
	Vector []float64   `json:"vector,omitempty" yaml:"vector,omitempty" msgpack:"vector,omitempty"`
	Matrix [][]float64 `json:"matrix,omitempty" yaml:"matrix,omitempty" msgpack:"matrix,omitempty"`
}

// NewVector creates a fixed-length feature
func NewVector(values []float64) FeatureVector {
	return FeatureVector{Kind: FeatureKindVector, Vector: values}
}

// NewMatrix creates a time-ordered feature matrix (frames x width)
func NewMatrix(frames [][]float64) FeatureVector {
	return FeatureVector{Kind: FeatureKindMatrix, Matrix: frames}
}

// Validate checks that the feature is well formed: non-empty, rectangular
// and made of finite values. A malformed feature is reported as
// ExtractionUnavailable since it means the extractor did not deliver.
func (f FeatureVector) Validate() error {
	switch f.Kind {
	case FeatureKindVector:
		if len(f.Vector) == 0 {
			return NewVoiceprintError(ErrCodeExtractionUnavailable, "", "empty feature vector", nil)
		}
		if i, ok := firstNonFinite(f.Vector); !ok {
			return NewVoiceprintError(ErrCodeExtractionUnavailable, "",
				fmt.Sprintf("non-finite value at index %d", i), nil)
		}
	case FeatureKindMatrix:
		if len(f.Matrix) == 0 || len(f.Matrix[0]) == 0 {
			return NewVoiceprintError(ErrCodeExtractionUnavailable, "", "empty feature matrix", nil)
		}
		width := len(f.Matrix[0])
		for r, row := range f.Matrix {
			if len(row) != width {
				return NewVoiceprintError(ErrCodeExtractionUnavailable, "",
					fmt.Sprintf("ragged feature matrix: row %d has %d values, expected %d", r, len(row), width), nil)
			}
			if c, ok := firstNonFinite(row); !ok {
				return NewVoiceprintError(ErrCodeExtractionUnavailable, "",
					fmt.Sprintf("non-finite value at [%d][%d]", r, c), nil)
			}
		}
	default:
		return NewVoiceprintError(ErrCodeExtractionUnavailable, "",
			fmt.Sprintf("unknown feature kind %q", f.Kind), nil)
	}
	return nil
}

// Dimension returns the vector length or the matrix row width
func (f FeatureVector) Dimension() int {
	switch f.Kind {
	case FeatureKindVector:
		return len(f.Vector)
	case FeatureKindMatrix:
		if len(f.Matrix) == 0 {
			return 0
		}
		return len(f.Matrix[0])
	}
	return 0
}

// Clone returns a deep copy of the feature
func (f FeatureVector) Clone() FeatureVector {
	out := FeatureVector{Kind: f.Kind}
	if f.Vector != nil {
		out.Vector = append([]float64(nil), f.Vector...)
	}
	if f.Matrix != nil {
		out.Matrix = make([][]float64, len(f.Matrix))
		for i, row := range f.Matrix {
			out.Matrix[i] = append([]float64(nil), row...)
		}
	}
	return out
}

// OrientFrames returns the matrix with frames along the first axis.
//
// When width is known (> 0) the axis of that length is the frame width and
// the matrix is transposed if needed; a matrix with neither axis equal to
// width is a ShapeMismatch. When width is unknown the longer axis is taken
// as the frame axis.
func OrientFrames(m [][]float64, width int) ([][]float64, error) {
	rows := len(m)
	if rows == 0 || len(m[0]) == 0 {
		return nil, NewVoiceprintError(ErrCodeExtractionUnavailable, "", "empty feature matrix", nil)
	}
	cols := len(m[0])
	for _, row := range m {
		if len(row) != cols {
			return nil, NewVoiceprintError(ErrCodeExtractionUnavailable, "", "ragged feature matrix", nil)
		}
	}

	var transpose bool
	switch {
	case width > 0 && cols == width:
	case width > 0 && rows == width:
		transpose = true
	case width > 0:
		return nil, NewVoiceprintError(ErrCodeShapeMismatch, "",
			fmt.Sprintf("matrix %dx%d has no axis of width %d", rows, cols, width), nil)
	default:
		transpose = rows < cols
	}

	if !transpose {
		return m, nil
	}

	flat := make([]float64, 0, rows*cols)
	for _, row := range m {
		flat = append(flat, row...)
	}
	t := mat.DenseCopyOf(mat.NewDense(rows, cols, flat).T())

	out := make([][]float64, cols)
	for i := range cols {
		out[i] = append([]float64(nil), t.RawRowView(i)...)
	}
	return out, nil
}

// firstNonFinite returns the index of the first NaN/Inf value and false,
// or -1 and true when every value is finite
func firstNonFinite(values []float64) (int, bool) {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i, false
		}
	}
	return -1, true
}
