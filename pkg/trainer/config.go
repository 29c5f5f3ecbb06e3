// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"path"

	"github.com/gomlx/duq/pkg/backbones"
	"github.com/gomlx/duq/pkg/duq"
	"github.com/gomlx/duq/pkg/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxoptimizers "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Hyperparameters read by the trainer. The model and optimizer hyperparameters are defined in their own
// packages, see DefaultParams.
const (
	// ParamArchitecture is the name of the backbone, see backbones.Names. Default is "ResNet18".
	ParamArchitecture = "architecture"

	// ParamNumEpochs is the number of training epochs. Default is 200.
	ParamNumEpochs = "epochs"

	// ParamBatchSize is the training batch size. The last incomplete batch of each epoch is dropped.
	// Default is 128.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize is the batch size used for validation and test. The sizes of both sets must be
	// divisible by it, since the metrics are means of per-batch means. Default is 200.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamOODBatchSize is the batch size used for the out-of-distribution evaluation. Default is 500.
	ParamOODBatchSize = "ood_batch_size"

	// ParamOutputDir is the name of the run directory, under the runs root. Default is "results".
	ParamOutputDir = "output_dir"

	// ParamFinalModel trains on the full training set, and validates on the test set. Default is false.
	ParamFinalModel = "final_model"

	// ParamValFraction is the fraction of the training set held out for validation, if not training
	// the final model. Default is 0.2.
	ParamValFraction = "val_fraction"

	// ParamSeed for the train/validation split, the shuffling and the augmentation. Default is 0.
	ParamSeed = "seed"
)

// OODEpochThreshold is the last epoch without out-of-distribution evaluation: it runs on the following epochs.
const OODEpochThreshold = 195

// DefaultParams returns the hyperparameters with their default values, to be set in a context with
// context.SetParams.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamArchitecture:  backbones.ResNet18Name,
		ParamNumEpochs:     200,
		ParamBatchSize:     128,
		ParamEvalBatchSize: 200,
		ParamOODBatchSize:  500,
		ParamOutputDir:     "results",
		ParamFinalModel:    false,
		ParamValFraction:   0.2,
		ParamSeed:          0,

		duq.ParamCentroidSize:          512,
		backbones.ParamModelOutputSize: 512,
		duq.ParamGradientPenalty:       0.5,
		duq.ParamGamma:                 0.999,
		duq.ParamLengthScale:           0.1,

		gomlxoptimizers.ParamLearningRate: optimizers.DefaultLearningRate,
		optimizers.ParamWeightDecay:       5e-4,
		optimizers.ParamMomentum:          0.9,
		optimizers.ParamLRMilestones:      optimizers.DefaultLRMilestones,
		optimizers.ParamLRDecay:           0.2,

		backbones.ParamWRNDepth:       28,
		backbones.ParamWRNWidenFactor: 10,
		backbones.ParamWRNDropoutRate: 0.3,
	}
}

// Config is the typed view of the hyperparameters used by the trainer.
type Config struct {
	Architecture                   string
	NumEpochs, BatchSize           int
	EvalBatchSize, OODBatchSize    int
	CentroidSize, ModelOutputSize  int
	LearningRate, LGradientPenalty float64
	Gamma, LengthScale             float64
	WeightDecay, Momentum          float64
	LRMilestones                   []int
	LRDecay                        float64
	OutputDir                      string
	FinalModel                     bool
	ValFraction                    float64
	Seed                           int
}

// ConfigFromContext reads the Config from the context hyperparameters, using DefaultParams for
// the ones not set.
func ConfigFromContext(ctx *context.Context) *Config {
	defaults := DefaultParams()
	return &Config{
		Architecture:     context.GetParamOr(ctx, ParamArchitecture, defaults[ParamArchitecture].(string)),
		NumEpochs:        context.GetParamOr(ctx, ParamNumEpochs, defaults[ParamNumEpochs].(int)),
		BatchSize:        context.GetParamOr(ctx, ParamBatchSize, defaults[ParamBatchSize].(int)),
		EvalBatchSize:    context.GetParamOr(ctx, ParamEvalBatchSize, defaults[ParamEvalBatchSize].(int)),
		OODBatchSize:     context.GetParamOr(ctx, ParamOODBatchSize, defaults[ParamOODBatchSize].(int)),
		CentroidSize:     context.GetParamOr(ctx, duq.ParamCentroidSize, defaults[duq.ParamCentroidSize].(int)),
		ModelOutputSize:  context.GetParamOr(ctx, backbones.ParamModelOutputSize, defaults[backbones.ParamModelOutputSize].(int)),
		LearningRate:     context.GetParamOr(ctx, gomlxoptimizers.ParamLearningRate, optimizers.DefaultLearningRate),
		LGradientPenalty: context.GetParamOr(ctx, duq.ParamGradientPenalty, defaults[duq.ParamGradientPenalty].(float64)),
		Gamma:            context.GetParamOr(ctx, duq.ParamGamma, defaults[duq.ParamGamma].(float64)),
		LengthScale:      context.GetParamOr(ctx, duq.ParamLengthScale, defaults[duq.ParamLengthScale].(float64)),
		WeightDecay:      context.GetParamOr(ctx, optimizers.ParamWeightDecay, defaults[optimizers.ParamWeightDecay].(float64)),
		Momentum:         context.GetParamOr(ctx, optimizers.ParamMomentum, defaults[optimizers.ParamMomentum].(float64)),
		LRMilestones:     context.GetParamOr(ctx, optimizers.ParamLRMilestones, optimizers.DefaultLRMilestones),
		LRDecay:          context.GetParamOr(ctx, optimizers.ParamLRDecay, defaults[optimizers.ParamLRDecay].(float64)),
		OutputDir:        context.GetParamOr(ctx, ParamOutputDir, defaults[ParamOutputDir].(string)),
		FinalModel:       context.GetParamOr(ctx, ParamFinalModel, false),
		ValFraction:      context.GetParamOr(ctx, ParamValFraction, defaults[ParamValFraction].(float64)),
		Seed:             context.GetParamOr(ctx, ParamSeed, 0),
	}
}

// RunDir returns the directory where the scalars and the model are saved: runsDir/OutputDir.
func (c *Config) RunDir(runsDir string) string {
	return path.Join(runsDir, c.OutputDir)
}

// Validate checks the hyperparameters (see ValidateHyperparameters) and then the dataset sizes
// (see ValidateSizes).
func (c *Config) Validate(trainLen, validationLen, testLen int) error {
	if err := c.ValidateHyperparameters(); err != nil {
		return err
	}
	return c.ValidateSizes(trainLen, validationLen, testLen)
}

// ValidateHyperparameters checks the architecture and the ranges of the hyperparameters.
// It doesn't need the datasets, and it must be called before any training resource is allocated.
func (c *Config) ValidateHyperparameters() error {
	if _, err := backbones.Get(c.Architecture); err != nil {
		return errors.WithMessagef(err, "invalid %q", ParamArchitecture)
	}
	if c.Gamma <= 0 || c.Gamma >= 1 {
		return errors.Errorf("%q must be in (0, 1), got %g", duq.ParamGamma, c.Gamma)
	}
	for _, positive := range []struct {
		name  string
		value float64
	}{
		{duq.ParamLengthScale, c.LengthScale},
		{ParamNumEpochs, float64(c.NumEpochs)},
		{ParamBatchSize, float64(c.BatchSize)},
		{ParamEvalBatchSize, float64(c.EvalBatchSize)},
		{ParamOODBatchSize, float64(c.OODBatchSize)},
		{duq.ParamCentroidSize, float64(c.CentroidSize)},
		{backbones.ParamModelOutputSize, float64(c.ModelOutputSize)},
		{gomlxoptimizers.ParamLearningRate, c.LearningRate},
	} {
		if positive.value <= 0 {
			return errors.Errorf("%q must be > 0, got %g", positive.name, positive.value)
		}
	}
	return nil
}

// ValidateSizes checks the batch sizes against the sizes of the datasets.
func (c *Config) ValidateSizes(trainLen, validationLen, testLen int) error {
	if trainLen < c.BatchSize {
		return errors.Errorf("training set has %d examples, fewer than one batch of %d", trainLen, c.BatchSize)
	}
	if validationLen%c.EvalBatchSize != 0 || testLen%c.EvalBatchSize != 0 {
		return errors.Errorf("incorrect result averaging: validation (%d) and test (%d) sizes must be "+
			"divisible by %q=%d", validationLen, testLen, ParamEvalBatchSize, c.EvalBatchSize)
	}
	return nil
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("%s, %d epochs, batch %d, lr=%g, gamma=%g, length_scale=%g, l_gp=%g",
		c.Architecture, c.NumEpochs, c.BatchSize, c.LearningRate, c.Gamma, c.LengthScale, c.LGradientPenalty)
}
