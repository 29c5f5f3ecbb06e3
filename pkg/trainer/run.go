// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer wires the DUQ training: datasets, model, optimizer, learning rate schedule, the
// training and evaluation engines, the per-epoch hook, the scalars of the run and the final model checkpoint.
package trainer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/gomlx/duq/pkg/backbones"
	"github.com/gomlx/duq/pkg/datasets"
	"github.com/gomlx/duq/pkg/duq"
	"github.com/gomlx/duq/pkg/engine"
	"github.com/gomlx/duq/pkg/optimizers"
	"github.com/gomlx/duq/pkg/summary"
	"github.com/gomlx/gomlx/backends"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelDirName is the sub-directory of the run directory where the model variables are saved.
const ModelDirName = "model"

// Options for Run that are not hyperparameters.
type Options struct {
	// Backend used to execute the graphs. If nil, backends.New is used.
	Backend backends.Backend

	// DataDir where the datasets are downloaded and cached.
	DataDir string

	// RunsDir is the root of the run directories: the run is saved in RunsDir/output_dir.
	RunsDir string

	// Dataset and OODDataset are the names (see datasets.Get) of the training dataset and the
	// out-of-distribution dataset. If OODDataset is empty, the out-of-distribution evaluation is skipped.
	Dataset, OODDataset string

	// Bundle and OODBundle, if set, are used instead of loading Dataset and OODDataset.
	Bundle, OODBundle *datasets.Bundle

	// NumWorkers assembling batches. Defaults to 1.
	NumWorkers int

	// ProgressBar attaches a progress bar to the training engine.
	ProgressBar bool

	// Out is where the results are printed. Defaults to os.Stdout.
	Out io.Writer
}

// Result of a training run.
type Result struct {
	// RunDir holds the scalars of the run (see summary.ScalarsFileName) and, in ModelDirName, the model.
	RunDir string

	// ModelDir is the checkpoint directory with the model variables.
	ModelDir string

	// TestMetrics are the metrics of the evaluation on the test set after training.
	TestMetrics map[string]float64

	// Points are all the scalars logged during the run.
	Points []plots.Point
}

// TestAccuracy is the accuracy on the test set after training.
func (r *Result) TestAccuracy() float64 { return r.TestMetrics["accuracy"] }

// Run trains a DUQ classifier with the hyperparameters in ctx, evaluates it on the test set and saves it.
// goCtx is checked for cancellation between batches.
func Run(goCtx context.Context, ctx *mlctx.Context, opts Options) (*Result, error) {
	cfg := ConfigFromContext(ctx)
	if err := cfg.ValidateHyperparameters(); err != nil {
		return nil, err
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	bundle, oodBundle, err := loadBundles(&opts)
	if err != nil {
		return nil, err
	}
	split, err := datasets.SplitTrainValidation(bundle.Train, bundle.Test, cfg.ValFraction, uint64(cfg.Seed), cfg.FinalModel)
	if err != nil {
		return nil, err
	}
	if err = cfg.ValidateSizes(split.Train.Len(), split.Validation.Len(), bundle.Test.Len()); err != nil {
		return nil, err
	}
	klog.Infof("training on %d examples, validating on %d (final_model=%v), testing on %d",
		split.Train.Len(), split.Validation.Len(), cfg.FinalModel, bundle.Test.Len())

	backend := opts.Backend
	if backend == nil {
		backend, err = backends.New()
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create backend")
		}
	}
	backbone, err := backbones.Get(cfg.Architecture)
	if err != nil {
		return nil, err
	}
	classifier := duq.NewClassifier(ctx, backbone, bundle.NumClasses)
	trainStep, err := duq.NewTrainStep(backend, ctx, classifier, optimizers.Momentum().FromContext(ctx).Done())
	if err != nil {
		return nil, err
	}
	evalStep, err := duq.NewEvalStep(backend, ctx, classifier)
	if err != nil {
		return nil, err
	}
	schedule, err := optimizers.NewMultiStepScheduleFromContext(ctx, duq.DType)
	if err != nil {
		return nil, err
	}

	numWorkers := max(opts.NumWorkers, 1)
	seed := uint64(cfg.Seed)
	trainLoader := datasets.NewLoader(split.Train, cfg.BatchSize).
		Shuffle(seed).
		DropIncompleteBatch(true).
		Workers(numWorkers)
	validLoader := datasets.NewLoader(split.Validation, cfg.EvalBatchSize).Seed(seed).Workers(numWorkers)
	testLoader := datasets.NewLoader(bundle.Test.WithAugmentation(false), cfg.EvalBatchSize).Seed(seed).Workers(numWorkers)
	defer trainLoader.Reset()
	defer validLoader.Reset()
	defer testLoader.Reset()

	runDir := cfg.RunDir(opts.RunsDir)
	writer, err := summary.Open(runDir)
	if err != nil {
		return nil, err
	}
	writer.Out = out
	defer func() { _ = writer.Close() }()

	trainEngine := engine.New("train", trainStep)
	validEngine := engine.New("valid", evalStep)
	hook := &EpochHook{
		Writer:           writer,
		Evaluator:        validEngine,
		Scheduler:        schedule,
		Validation:       validLoader,
		Loss:             evalStep.LossFromComponents,
		Scorer:           evalStep,
		ValidationImages: split.Validation,
		TestImages:       bundle.Test,
		OODBatchSize:     cfg.OODBatchSize,
		Out:              out,
		Context:          goCtx,
	}
	if oodBundle != nil {
		hook.OutOfDistribution = oodBundle.Test
	}
	hook.Attach(trainEngine)
	if opts.ProgressBar {
		engine.AttachProgressBar(trainEngine)
	}
	if err = trainEngine.Run(goCtx, trainLoader, cfg.NumEpochs); err != nil {
		return nil, err
	}
	klog.V(1).Infof("training done: median step time %s", trainEngine.MedianStepDuration())

	testEngine := engine.New("test", evalStep)
	if err = testEngine.Run(goCtx, testLoader, 1); err != nil {
		return nil, errors.WithMessage(err, "test evaluation")
	}
	result := &Result{
		RunDir:      runDir,
		ModelDir:    path.Join(runDir, ModelDirName),
		TestMetrics: testEngine.Metrics(),
	}
	_, _ = fmt.Fprintf(out, "Test - Accuracy %.4f\n", result.TestAccuracy())
	writer.AddScalar("Accuracy/test", result.TestAccuracy(), trainEngine.Epoch())
	if err = writer.Close(); err != nil {
		return nil, err
	}
	result.Points = writer.Points()

	if err = SaveModel(ctx, result.ModelDir); err != nil {
		return nil, err
	}
	klog.Infof("model saved to %q", result.ModelDir)
	return result, nil
}

func loadBundles(opts *Options) (bundle, oodBundle *datasets.Bundle, err error) {
	bundle, oodBundle = opts.Bundle, opts.OODBundle
	if bundle != nil && (oodBundle != nil || opts.OODDataset == "") {
		return
	}
	dataDir, err := fsutil.ReplaceTildeInDir(opts.DataDir)
	if err != nil {
		return nil, nil, err
	}
	if bundle == nil {
		bundle, err = loadBundle(opts.Dataset, dataDir)
		if err != nil {
			return nil, nil, err
		}
		if bundle.Train == nil || bundle.Test == nil {
			return nil, nil, errors.Errorf("dataset %q has no training or test split", opts.Dataset)
		}
	}
	if oodBundle == nil && opts.OODDataset != "" {
		oodBundle, err = loadBundle(opts.OODDataset, dataDir)
		if err != nil {
			return nil, nil, err
		}
		if oodBundle.Test == nil {
			return nil, nil, errors.Errorf("out-of-distribution dataset %q has no test split", opts.OODDataset)
		}
	}
	return
}

func loadBundle(name, dataDir string) (*datasets.Bundle, error) {
	provider, err := datasets.Get(name)
	if err != nil {
		return nil, err
	}
	bundle, err := provider(dataDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load dataset %q", name)
	}
	return bundle, nil
}

// SaveModel saves the variables under the model scope (duq.ModelScope), and only them, to the checkpoint
// directory dir. Hyperparameters, optimizer state and the global step are not saved.
// Any previous checkpoint in dir is removed.
func SaveModel(ctx *mlctx.Context, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to remove previous model in %q", dir)
	}
	modelScope := mlctx.RootScope + duq.ModelScope
	var excluded []*mlctx.Variable
	for v := range ctx.IterVariables() {
		if v.Scope() != modelScope && !strings.HasPrefix(v.Scope(), modelScope+mlctx.ScopeSeparator) {
			excluded = append(excluded, v)
		}
	}
	handler, err := checkpoints.Build(ctx).
		Dir(dir).
		ExcludeAllParams().
		ExcludeVars(excluded...).
		Keep(1).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save model to %q", dir)
	}
	return nil
}
