// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// ParamLRMilestones is the context hyperparameter with the epochs (a []int) after which the
	// learning rate is multiplied by ParamLRDecay. Default is [60, 120, 160].
	ParamLRMilestones = "lr_milestones"

	// ParamLRDecay is the context hyperparameter with the multiplicative decay applied at each milestone.
	// Default is 0.2.
	ParamLRDecay = "lr_decay"
)

// DefaultLRMilestones used if ParamLRMilestones is not set.
var DefaultLRMilestones = []int{60, 120, 160}

// MultiStepSchedule decays the learning rate by a constant factor each time the number of completed
// epochs reaches one of the milestones:
//
//	learningRate(epochs) = initial * decay^(number of milestones <= epochs)
//
// It is driven from the host: Step is called once per completed epoch and writes the new value
// into the optimizer's learning rate variable.
type MultiStepSchedule struct {
	ctx        *context.Context
	dtype      dtypes.DType
	initial    float64
	milestones []int
	decay      float64
	epochs     int
}

// NewMultiStepSchedule creates a schedule for the learning rate variable in ctx
// (see optimizers.LearningRateVar), starting at initialLearningRate.
//
// Milestones are sorted, and the decay must be in (0, 1].
func NewMultiStepSchedule(ctx *context.Context, dtype dtypes.DType, initialLearningRate float64,
	milestones []int, decay float64) (*MultiStepSchedule, error) {
	if decay <= 0 || decay > 1 {
		return nil, errors.Errorf("MultiStepSchedule decay must be in (0, 1], got %g", decay)
	}
	if initialLearningRate <= 0 {
		return nil, errors.Errorf("MultiStepSchedule initial learning rate must be > 0, got %g", initialLearningRate)
	}
	milestones = slices.Clone(milestones)
	slices.Sort(milestones)
	return &MultiStepSchedule{
		ctx:        ctx,
		dtype:      dtype,
		initial:    initialLearningRate,
		milestones: milestones,
		decay:      decay,
	}, nil
}

// NewMultiStepScheduleFromContext creates a schedule reading the milestones, the decay and the
// initial learning rate from the context hyperparameters.
func NewMultiStepScheduleFromContext(ctx *context.Context, dtype dtypes.DType) (*MultiStepSchedule, error) {
	return NewMultiStepSchedule(ctx, dtype,
		context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate),
		context.GetParamOr(ctx, ParamLRMilestones, DefaultLRMilestones),
		context.GetParamOr(ctx, ParamLRDecay, 0.2))
}

// Value returns the learning rate after the given number of completed epochs.
func (s *MultiStepSchedule) Value(epochs int) float64 {
	lr := s.initial
	for _, milestone := range s.milestones {
		if milestone <= epochs {
			lr *= s.decay
		}
	}
	return lr
}

// Epochs returns the number of times Step was called.
func (s *MultiStepSchedule) Epochs() int { return s.epochs }

// LearningRate returns the current learning rate.
func (s *MultiStepSchedule) LearningRate() float64 { return s.Value(s.epochs) }

// Step advances the schedule by one epoch and updates the learning rate variable.
func (s *MultiStepSchedule) Step() error {
	s.epochs++
	lrVar := optimizers.LearningRateVar(s.ctx, s.dtype, s.initial)
	var value *tensors.Tensor
	switch s.dtype {
	case dtypes.Float64:
		value = tensors.FromScalar(s.LearningRate())
	case dtypes.Float32:
		value = tensors.FromScalar(float32(s.LearningRate()))
	default:
		return errors.Errorf("MultiStepSchedule doesn't support learning rate dtype %s", s.dtype)
	}
	if err := lrVar.SetValue(value); err != nil {
		return errors.WithMessagef(err, "failed to set learning rate for epoch %d", s.epochs)
	}
	return nil
}
