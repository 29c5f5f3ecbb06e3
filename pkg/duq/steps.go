// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package duq

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Names of the outputs of the train and eval steps, in order.
var (
	TrainOutputNames = []string{"loss", "bce", "gradient_penalty"}
	EvalOutputNames  = []string{"accuracy", "bce", "gradient_penalty"}
)

// TrainStep executes one training step of a DUQ classifier on a batch:
//
//  1. A gradient step on loss = bce + l_gradient_penalty * gradient_penalty, with the
//     model in training mode. It updates the trainable variables, the optimizer state and the
//     batch normalization running averages.
//  2. An update of the centroids EMA with the embeddings of the same batch, with no gradients
//     and with the model in inference mode.
//
// The two parts are separate graphs, executed in order.
type TrainStep struct {
	ctx              *context.Context
	classifier       *Classifier
	optimizer        optimizers.Interface
	lGradientPenalty float64
	trainExec        *context.Exec
	updateExec       *context.Exec
}

// NewTrainStep creates the train step for the classifier, with variables stored in ctx (under ModelScope).
// The weight of the gradient penalty is read from the ParamGradientPenalty hyperparameter.
func NewTrainStep(backend backends.Backend, ctx *context.Context, classifier *Classifier,
	optimizer optimizers.Interface) (*TrainStep, error) {
	s := &TrainStep{
		ctx:              ctx,
		classifier:       classifier,
		optimizer:        optimizer,
		lGradientPenalty: context.GetParamOr(ctx, ParamGradientPenalty, 0.5),
	}
	var err error
	// Variables may have been created already by other graphs (e.g. evaluation), hence unchecked.
	s.trainExec, err = context.NewExec(backend, ctx.Checked(false), s.trainGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create train step")
	}
	s.updateExec, err = context.NewExec(backend, ctx.Checked(false), s.updateGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create centroids update step")
	}
	return s, nil
}

func (s *TrainStep) trainGraph(ctx *context.Context, images, labels *Node) (loss, bce, gp *Node) {
	g := images.Graph()
	ctx.SetTraining(g, true)
	TrackGradients(ctx, images)
	defer UntrackGradients(ctx, images)

	scores := s.classifier.Scores(ctx.In(ModelScope), images)
	oneHot := OneHot(labels, s.classifier.NumClasses(), scores.DType())
	bce = BinaryCrossEntropy(oneHot, scores)
	gp = GradientPenalty(ctx, images, scores)
	loss = Add(bce, MulScalar(gp, s.lGradientPenalty))
	s.optimizer.UpdateGraph(ctx, g, loss)
	return
}

func (s *TrainStep) updateGraph(ctx *context.Context, images, labels *Node) {
	ctx.SetTraining(images.Graph(), false)
	oneHot := OneHot(labels, s.classifier.NumClasses(), DType)
	s.classifier.UpdateEmbeddingsGraph(ctx.In(ModelScope), images, oneHot)
}

// OutputNames returns the names of the values returned by Step.
func (s *TrainStep) OutputNames() []string { return TrainOutputNames }

// Step runs the gradient step and then the centroids update on one batch, and returns the values
// of loss, bce and gradient penalty of the gradient step.
//
// inputs and labels are the outputs of a train.Dataset: images shaped [batch, height, width, channels]
// and int32 labels shaped [batch].
// If the gradient step fails the centroids are not updated.
func (s *TrainStep) Step(inputs, labels []*tensors.Tensor) ([]float64, error) {
	if len(inputs) != 1 || len(labels) != 1 {
		return nil, errors.Errorf("TrainStep requires exactly one input and one label tensor, got %d and %d",
			len(inputs), len(labels))
	}
	loss, bce, gp, err := s.trainExec.Exec3(inputs[0], labels[0])
	if err != nil {
		return nil, errors.WithMessage(err, "train step failed")
	}
	if _, err = s.updateExec.Exec(inputs[0], labels[0]); err != nil {
		return nil, errors.WithMessage(err, "centroids update failed")
	}
	return scalarsToFloat64(loss, bce, gp)
}

// EvalStep evaluates a DUQ classifier on a batch: it returns accuracy, bce and gradient penalty,
// with the model in inference mode. It doesn't change any variable.
type EvalStep struct {
	ctx              *context.Context
	classifier       *Classifier
	lGradientPenalty float64
	evalExec         *context.Exec
	scoresExec       *context.Exec
}

// NewEvalStep creates the eval step for the classifier, with variables stored in ctx (under ModelScope).
func NewEvalStep(backend backends.Backend, ctx *context.Context, classifier *Classifier) (*EvalStep, error) {
	s := &EvalStep{
		ctx:              ctx,
		classifier:       classifier,
		lGradientPenalty: context.GetParamOr(ctx, ParamGradientPenalty, 0.5),
	}
	var err error
	s.evalExec, err = context.NewExec(backend, ctx.Checked(false), s.evalGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create eval step")
	}
	s.scoresExec, err = context.NewExec(backend, ctx.Checked(false), s.scoresGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create scores step")
	}
	return s, nil
}

func (s *EvalStep) evalGraph(ctx *context.Context, images, labels *Node) (accuracy, bce, gp *Node) {
	g := images.Graph()
	ctx.SetTraining(g, false)
	TrackGradients(ctx, images)
	defer UntrackGradients(ctx, images)

	scores := s.classifier.Scores(ctx.In(ModelScope), images)
	predictions := ArgMax(scores, 1, labels.DType())
	accuracy = ReduceAllMean(ConvertDType(Equal(predictions, labels), scores.DType()))
	oneHot := OneHot(labels, s.classifier.NumClasses(), scores.DType())
	bce = BinaryCrossEntropy(oneHot, scores)
	gp = GradientPenalty(ctx, images, scores)
	return
}

func (s *EvalStep) scoresGraph(ctx *context.Context, images *Node) *Node {
	ctx.SetTraining(images.Graph(), false)
	return StopGradient(s.classifier.Scores(ctx.In(ModelScope), images))
}

// OutputNames returns the names of the values returned by Step.
func (s *EvalStep) OutputNames() []string { return EvalOutputNames }

// Step evaluates one batch and returns accuracy, bce and gradient penalty.
// See TrainStep.Step for the expected inputs and labels.
func (s *EvalStep) Step(inputs, labels []*tensors.Tensor) ([]float64, error) {
	if len(inputs) != 1 || len(labels) != 1 {
		return nil, errors.Errorf("EvalStep requires exactly one input and one label tensor, got %d and %d",
			len(inputs), len(labels))
	}
	accuracy, bce, gp, err := s.evalExec.Exec3(inputs[0], labels[0])
	if err != nil {
		return nil, errors.WithMessage(err, "eval step failed")
	}
	return scalarsToFloat64(accuracy, bce, gp)
}

// Scores returns the per-class scores shaped [batch, numClasses] for the images, with the model in
// inference mode.
func (s *EvalStep) Scores(images *tensors.Tensor) (*tensors.Tensor, error) {
	scores, err := s.scoresExec.Exec1(images)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compute scores")
	}
	return scores, nil
}

// LossFromComponents combines bce and gradient penalty the same way the train step does.
func (s *EvalStep) LossFromComponents(bce, gp float64) float64 {
	return bce + s.lGradientPenalty*gp
}

// scalarsToFloat64 converts float32 scalar tensors to float64, and frees them.
func scalarsToFloat64(scalars ...*tensors.Tensor) ([]float64, error) {
	values := make([]float64, len(scalars))
	for ii, t := range scalars {
		values[ii] = float64(tensors.ToScalar[float32](t))
		if err := t.FinalizeAll(); err != nil {
			return nil, errors.WithMessage(err, "failed to free step output")
		}
	}
	return values, nil
}
