// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gomlx/duq/pkg/datasets"
	"github.com/gomlx/duq/pkg/engine"
	"github.com/gomlx/duq/pkg/ood"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EpochHookName is the name of the hook attached to the training engine.
const EpochHookName = "duq_epoch"

// ScalarWriter receives the scalars logged after each epoch. It is implemented by summary.Writer.
type ScalarWriter interface {
	AddScalar(tag string, value float64, step int)
}

// Evaluator runs an evaluation over a dataset and holds the resulting metrics. It is implemented by engine.Engine.
type Evaluator interface {
	Run(ctx context.Context, ds train.Dataset, maxEpochs int) error
	Metrics() map[string]float64
}

// Scheduler is advanced once per epoch. It is implemented by optimizers.MultiStepSchedule.
type Scheduler interface {
	Step() error
}

// EpochHook runs at the end of each training epoch:
//
//  1. Logs the training metrics.
//  2. After OODEpochThreshold epochs, evaluates the out-of-distribution detection (test set vs OOD set) and the
//     misclassification detection (validation set), and logs them.
//  3. Runs the Evaluator on the Validation dataset, and logs its metrics.
//  4. Steps the Scheduler.
type EpochHook struct {
	Writer    ScalarWriter
	Evaluator Evaluator
	Scheduler Scheduler

	// Validation is the dataset given to the Evaluator.
	Validation train.Dataset

	// Loss combines the aggregated bce and gradient penalty of the Evaluator into the validation loss.
	Loss func(bce, gp float64) float64

	// Scorer and the images used for the out-of-distribution evaluation. If OutOfDistribution is nil it is skipped.
	Scorer            ood.Scorer
	ValidationImages  *datasets.Images
	TestImages        *datasets.Images
	OutOfDistribution *datasets.Images

	// OODBatchSize is the batch size used to score the images. Defaults to ood.DefaultBatchSize.
	OODBatchSize int

	// Out is where the per-epoch results are printed. Defaults to os.Stdout.
	Out io.Writer

	// Context checked for cancellation by the Evaluator.
	Context context.Context
}

// Attach the hook to the training engine.
func (h *EpochHook) Attach(e *engine.Engine) {
	e.OnEpochCompleted(EpochHookName, 0, h.OnEpochCompleted)
}

func (h *EpochHook) printf(format string, args ...any) {
	out := h.Out
	if out == nil {
		out = os.Stdout
	}
	_, _ = fmt.Fprintf(out, format, args...)
}

// OnEpochCompleted implements engine.OnEpochCompletedFn.
func (h *EpochHook) OnEpochCompleted(e *engine.Engine) error {
	epoch := e.Epoch()
	metrics := e.Metrics()
	loss, bce, gp := metrics["loss"], metrics["bce"], metrics["gradient_penalty"]
	h.printf("Train - Epoch: %d Loss: %.2f BCE: %.2f GP: %.2f\n", epoch, loss, bce, gp)
	h.Writer.AddScalar("Loss/train", loss, epoch)
	h.Writer.AddScalar("BCE/train", bce, epoch)
	h.Writer.AddScalar("GP/train", gp, epoch)

	if epoch > OODEpochThreshold && h.OutOfDistribution != nil {
		if err := h.outOfDistribution(epoch); err != nil {
			return err
		}
	}

	if err := h.validation(epoch); err != nil {
		return err
	}

	if err := h.Scheduler.Step(); err != nil {
		return errors.WithMessagef(err, "learning rate schedule after epoch %d", epoch)
	}
	return nil
}

func (h *EpochHook) outOfDistribution(epoch int) error {
	batchSize := h.OODBatchSize
	if batchSize <= 0 {
		batchSize = ood.DefaultBatchSize
	}
	accuracy, auroc, err := ood.CifarSVHN(h.Scorer, batchSize, h.TestImages, h.OutOfDistribution)
	if err != nil {
		return errors.WithMessagef(err, "out-of-distribution evaluation after epoch %d", epoch)
	}
	h.printf("Test Accuracy: %.4f, AUROC: %.4f\n", accuracy, auroc)
	h.Writer.AddScalar("OoD/test_accuracy", accuracy, epoch)
	h.Writer.AddScalar("OoD/roc_auc", auroc, epoch)

	accuracy, auroc, err = ood.Classification(h.Scorer, batchSize, h.ValidationImages)
	if err != nil {
		return errors.WithMessagef(err, "misclassification evaluation after epoch %d", epoch)
	}
	h.printf("AUROC - uncertainty: %.4f\n", auroc)
	h.Writer.AddScalar("OoD/val_accuracy", accuracy, epoch)
	h.Writer.AddScalar("OoD/roc_auc_classification", auroc, epoch)
	return nil
}

func (h *EpochHook) validation(epoch int) error {
	ctx := h.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.Evaluator.Run(ctx, h.Validation, 1); err != nil {
		return errors.WithMessagef(err, "validation after epoch %d", epoch)
	}
	metrics := h.Evaluator.Metrics()
	accuracy, bce, gp := metrics["accuracy"], metrics["bce"], metrics["gradient_penalty"]
	loss := h.Loss(bce, gp)
	h.Writer.AddScalar("Loss/valid", loss, epoch)
	h.Writer.AddScalar("BCE/valid", bce, epoch)
	h.Writer.AddScalar("GP/valid", gp, epoch)
	h.Writer.AddScalar("Accuracy/valid", accuracy, epoch)
	h.printf("Valid - Epoch: %d Acc: %.4f Loss: %.2f BCE: %.2f GP: %.2f \n", epoch, accuracy, loss, bce, gp)
	klog.V(1).Infof("epoch %d: validation accuracy=%.4f, loss=%.4f", epoch, accuracy, loss)
	return nil
}
