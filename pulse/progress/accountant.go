// Package progress converts per-stage progress into a weighted overall
// percentage that only ever moves forward.
//
// Stage values are percentages in [0,100]. Each job type has a weight per
// stage and the weights of one job type sum to 100, so
//
//	overall = Σ weight_i × stage_i / 100
//
// is itself a percentage. Weights are configured under [progress.weights].
package progress

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/internal/util"
)

// DefaultTolerance is the allowed deviation from 100 at completion, in percentage points.
const DefaultTolerance = 1.0

const weightSumEpsilon = 0.001

// Weights maps a stage name to its share of overall progress.
type Weights map[string]float64

// DefaultWeights returns the built-in weights per job type.
func DefaultWeights() map[string]Weights {
	return map[string]Weights{
		"transcription": {
			"download":         15,
			"audio_extraction": 15,
			"transcription":    40,
			"segmentation":     15,
			"persistence":      15,
		},
		"download":  {"download": 100},
		"embedding": {"embedding": 100},
	}
}

// Validate checks that weights are non-negative and sum to 100.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return errors.New("no stage weights")
	}
	var sum float64
	for _, stage := range w.Stages() {
		if w[stage] < 0 {
			return errors.Newf("stage %s has negative weight %g", stage, w[stage])
		}
		sum += w[stage]
	}
	if math.Abs(sum-100) > weightSumEpsilon {
		return errors.Newf("stage weights sum to %g, want 100", sum)
	}
	return nil
}

// Stages returns the weighted stage names in a stable order.
func (w Weights) Stages() []string {
	stages := make([]string, 0, len(w))
	for s := range w {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	return stages
}

// ClampProgress restricts a stage value to [0,100]. NaN counts as no progress.
func ClampProgress(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return util.ClampFloat64(x, 0, 100)
}

// CalculateOverallProgress returns Σ weight × clamped stage value / 100.
// Stages without a weight are ignored; weighted stages missing from the map count as 0.
func CalculateOverallProgress(weights Weights, stages map[string]float64) float64 {
	var overall float64
	for stage, w := range weights {
		overall += w * ClampProgress(stages[stage]) / 100
	}
	return ClampProgress(overall)
}

// Accountant applies the configured weights for each job type.
type Accountant struct {
	weights   map[string]Weights
	tolerance float64
	logger    *zap.SugaredLogger
}

// NewAccountant validates weights per job type. A nil or empty map selects
// DefaultWeights; tolerance <= 0 selects DefaultTolerance.
func NewAccountant(weights map[string]Weights, tolerance float64, logger *zap.SugaredLogger) (*Accountant, error) {
	if len(weights) == 0 {
		weights = DefaultWeights()
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	for jobType, w := range weights {
		if err := w.Validate(); err != nil {
			return nil, errors.WithDetail(err, fmt.Sprintf("Job type: %s", jobType))
		}
	}
	return &Accountant{weights: weights, tolerance: tolerance, logger: logger}, nil
}

// FromConfig adapts the [progress] config section.
func FromConfig(weights map[string]map[string]float64, tolerance float64, logger *zap.SugaredLogger) (*Accountant, error) {
	converted := make(map[string]Weights, len(weights))
	for jobType, w := range weights {
		converted[jobType] = Weights(w)
	}
	return NewAccountant(converted, tolerance, logger)
}

// WeightsFor returns the weights of a job type.
func (a *Accountant) WeightsFor(jobType string) (Weights, error) {
	w, ok := a.weights[jobType]
	if !ok {
		return nil, errors.Newf("no progress weights for job type %q", jobType)
	}
	return w, nil
}

// Overall computes the weighted overall progress for a job type.
// Unknown job types report 0.
func (a *Accountant) Overall(jobType string, stages map[string]float64) float64 {
	w, ok := a.weights[jobType]
	if !ok {
		return 0
	}
	return CalculateOverallProgress(w, stages)
}

// UpdateProgressMonotonic computes the overall progress implied by stages and
// accepts it only if it does not go below current. A rejected update returns
// current unchanged. Callers must serialize calls for the same job.
func (a *Accountant) UpdateProgressMonotonic(jobType string, current float64, stages map[string]float64) (float64, bool) {
	candidate := a.Overall(jobType, stages)
	if candidate < current {
		a.logger.Debugw("Discarding regressive progress update",
			"job_type", jobType,
			"current", current,
			"candidate", candidate)
		return current, false
	}
	return candidate, true
}

// ValidateStageProgress reports how far the weighted stage values are from
// 100 and whether that deviation is within tolerance. Deviations are logged,
// never returned as errors.
func (a *Accountant) ValidateStageProgress(jobType string, stages map[string]float64) (float64, bool) {
	deviation := util.AbsFloat64(100 - a.Overall(jobType, stages))
	if deviation > a.tolerance {
		a.logger.Warnw("Stage progress does not add up at completion",
			"job_type", jobType,
			"deviation", deviation,
			"tolerance", a.tolerance,
			"stages", stages)
		return deviation, false
	}
	return deviation, true
}
