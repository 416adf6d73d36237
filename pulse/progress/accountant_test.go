package progress

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestClampProgress(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-5, 0},
		{0, 0},
		{42.5, 42.5},
		{100, 100},
		{250, 100},
		{math.NaN(), 0},
		{math.Inf(-1), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampProgress(tt.in), "ClampProgress(%v)", tt.in)
	}
}

func TestDefaultWeightsAreValid(t *testing.T) {
	for jobType, w := range DefaultWeights() {
		assert.NoError(t, w.Validate(), jobType)
	}
}

func TestWeightsValidate(t *testing.T) {
	assert.Error(t, Weights{}.Validate())
	assert.Error(t, Weights{"a": 50, "b": 40}.Validate())
	assert.Error(t, Weights{"a": 110, "b": -10}.Validate())
	assert.NoError(t, Weights{"a": 33.3333, "b": 33.3333, "c": 33.3334}.Validate())
}

func TestCalculateOverallProgress(t *testing.T) {
	w := DefaultWeights()["transcription"]

	tests := []struct {
		name   string
		stages map[string]float64
		want   float64
	}{
		{"nothing", map[string]float64{}, 0},
		{"download done", map[string]float64{"download": 100}, 15},
		{"half transcription", map[string]float64{"download": 100, "audio_extraction": 100, "transcription": 50}, 50},
		{"all done", map[string]float64{"download": 100, "audio_extraction": 100, "transcription": 100, "segmentation": 100, "persistence": 100}, 100},
		{"out of range values clamp", map[string]float64{"download": 300, "audio_extraction": -20}, 15},
		{"unweighted stage ignored", map[string]float64{"embedding": 100}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CalculateOverallProgress(w, tt.stages), 1e-9)
		})
	}
}

func TestNewAccountant(t *testing.T) {
	a, err := NewAccountant(nil, 0, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	_, err = a.WeightsFor("transcription")
	assert.NoError(t, err)
	_, err = a.WeightsFor("unknown")
	assert.Error(t, err)

	_, err = NewAccountant(map[string]Weights{"download": {"download": 90}}, 1, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	a, err := FromConfig(map[string]map[string]float64{"download": {"download": 100}}, 2, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, 100.0, a.Overall("download", map[string]float64{"download": 100}))
	assert.Equal(t, 0.0, a.Overall("transcription", map[string]float64{"download": 100}), "only configured types are known")
}

func TestUpdateProgressMonotonic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a, err := NewAccountant(nil, 0, zap.New(core).Sugar())
	require.NoError(t, err)

	next, ok := a.UpdateProgressMonotonic("transcription", 0, map[string]float64{"download": 60})
	assert.True(t, ok)
	assert.InDelta(t, 9, next, 1e-9)

	// A late callback for an earlier fraction is discarded
	next, ok = a.UpdateProgressMonotonic("transcription", 9, map[string]float64{"download": 20})
	assert.False(t, ok)
	assert.Equal(t, 9.0, next)
	assert.Equal(t, 1, logs.FilterMessage("Discarding regressive progress update").Len())

	// Equal progress is accepted
	_, ok = a.UpdateProgressMonotonic("transcription", 9, map[string]float64{"download": 60})
	assert.True(t, ok)
}

// Whatever order fractional callbacks arrive in, the stored value never decreases.
func TestUpdateProgressMonotonic_AnyOrder(t *testing.T) {
	a, err := NewAccountant(nil, 0, zap.NewNop().Sugar())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		fractions := rng.Perm(21)
		var stored float64
		stages := map[string]float64{}
		for _, f := range fractions {
			// Callbacks replace the stage value with whatever they carry
			candidate := map[string]float64{"download": float64(f * 5)}
			next, ok := a.UpdateProgressMonotonic("transcription", stored, candidate)
			require.GreaterOrEqual(t, next, stored)
			if ok {
				stages = candidate
			}
			stored = next
		}
		assert.InDelta(t, 15, stored, 1e-9, "max download fraction always wins")
		assert.Equal(t, 100.0, stages["download"])
	}
}

func TestValidateStageProgress(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	a, err := NewAccountant(nil, 1, zap.New(core).Sugar())
	require.NoError(t, err)

	complete := map[string]float64{"download": 100, "audio_extraction": 100, "transcription": 100, "segmentation": 100, "persistence": 100}
	dev, ok := a.ValidateStageProgress("transcription", complete)
	assert.True(t, ok)
	assert.Zero(t, dev)

	nearly := map[string]float64{"download": 100, "audio_extraction": 100, "transcription": 99, "segmentation": 100, "persistence": 100}
	dev, ok = a.ValidateStageProgress("transcription", nearly)
	assert.True(t, ok, "0.4 points is within tolerance")
	assert.InDelta(t, 0.4, dev, 1e-9)

	missing := map[string]float64{"download": 100, "audio_extraction": 100, "transcription": 100, "segmentation": 100}
	dev, ok = a.ValidateStageProgress("transcription", missing)
	assert.False(t, ok)
	assert.InDelta(t, 15, dev, 1e-9)
	assert.Equal(t, 1, logs.Len(), "violations are logged, not returned")
}
