package common

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureVectorValidate(t *testing.T) {
	tests := []struct {
		name    string
		feature FeatureVector
		wantErr bool
	}{
		{"valid vector", NewVector([]float64{1, 2, 3}), false},
		{"empty vector", NewVector(nil), true},
		{"nan in vector", NewVector([]float64{1, math.NaN()}), true},
		{"inf in vector", NewVector([]float64{math.Inf(1)}), true},
		{"valid matrix", NewMatrix([][]float64{{1, 2}, {3, 4}, {5, 6}}), false},
		{"empty matrix", NewMatrix(nil), true},
		{"ragged matrix", NewMatrix([][]float64{{1, 2}, {3}}), true},
		{"nan in matrix", NewMatrix([][]float64{{1, 2}, {3, math.NaN()}}), true},
		{"unknown kind", FeatureVector{Kind: "spectrogram"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.feature.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrExtractionUnavailable))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOrientFrames(t *testing.T) {
	// 2 coefficients x 4 frames, stored coefficient-major
	coeffMajor := [][]float64{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
	}

	t.Run("longer axis becomes frames", func(t *testing.T) {
		out, err := OrientFrames(coeffMajor, 0)
		require.NoError(t, err)
		require.Len(t, out, 4)
		assert.Equal(t, []float64{1, 5}, out[0])
		assert.Equal(t, []float64{4, 8}, out[3])
	})

	t.Run("known width keeps orientation", func(t *testing.T) {
		frames := [][]float64{{1, 2, 3}, {4, 5, 6}}
		out, err := OrientFrames(frames, 3)
		require.NoError(t, err)
		assert.Equal(t, frames, out)
	})

	t.Run("known width transposes", func(t *testing.T) {
		out, err := OrientFrames(coeffMajor, 2)
		require.NoError(t, err)
		require.Len(t, out, 4)
		assert.Equal(t, []float64{3, 7}, out[2])
	})

	t.Run("width mismatch", func(t *testing.T) {
		_, err := OrientFrames(coeffMajor, 13)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})
}

func TestVoiceprintErrorMatching(t *testing.T) {
	err := NewStorageFault("alice", "failed to write sample", errors.New("disk full"))

	assert.True(t, errors.Is(err, ErrStorageFault))
	assert.False(t, errors.Is(err, ErrNoVoiceprint))
	assert.Equal(t, ErrCodeStorageFault, CodeOf(err))
	assert.Contains(t, err.Error(), "alice")
	assert.Contains(t, err.Error(), "disk full")

	wrapped := errors.Join(errors.New("outer"), err)
	assert.Equal(t, ErrCodeStorageFault, CodeOf(wrapped))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}
