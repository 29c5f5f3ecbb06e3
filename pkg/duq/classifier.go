// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package duq implements Deterministic Uncertainty Quantification (DUQ) models, from
// "Uncertainty Estimation Using a Single Deep Deterministic Neural Network" (van Amersfoort et al.,
// https://arxiv.org/abs/2003.02037).
//
// A DUQ classifier is a feature extractor (see package backbones) followed by a per-class linear
// embedding and a radial basis function (RBF) kernel against one centroid per class. The kernel
// values are independent per-class scores in (0, 1], and the maximum score is used as the
// certainty of the prediction.
//
// Centroids are not trained by gradient descent: they are exponential moving averages (EMA) of
// the embeddings of the examples of each class, updated after each training step (see
// Classifier.UpdateEmbeddingsGraph).
//
// Training uses binary cross-entropy on the scores, plus a two-sided gradient penalty on the
// norm of the gradient of the scores with respect to the input (see GradientPenalty), built with
// double back-propagation.
package duq

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/duq/pkg/backbones"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gopjrt/dtypes"
	"math"
)

const (
	// ParamCentroidSize is the context hyperparameter with the dimension of the centroid space.
	// Default is 512.
	ParamCentroidSize = "centroid_size"

	// ParamLengthScale is the context hyperparameter with the length scale (sigma) of the RBF kernel.
	// Default is 0.1.
	ParamLengthScale = "length_scale"

	// ParamGamma is the context hyperparameter with the decay of the centroids' exponential moving average.
	// Default is 0.999.
	ParamGamma = "gamma"

	// ParamGradientPenalty is the context hyperparameter with the weight of the gradient penalty in the loss.
	// Default is 0.5.
	ParamGradientPenalty = "l_gradient_penalty"

	// ModelScope is the scope under which all the model variables are created: everything that is
	// saved at the end of training.
	ModelScope = "model"

	// BackboneScope is the sub-scope (of ModelScope) for the backbone variables.
	BackboneScope = "backbone"

	// CentroidsScope is the sub-scope (of ModelScope) for the embedding and the centroid EMA variables.
	CentroidsScope = "centroids"

	// InitialCount is the initial value of the per-class EMA count N: the centroids start
	// as if this many pseudo-examples had been seen.
	InitialCount = 13.0

	// InitialCentroidStddev is the standard deviation of the initial centroids (m/N).
	InitialCentroidStddev = 0.05
)

// DType used by the model.
var DType = dtypes.Float32

// Classifier is a DUQ classification head on top of a backbone. It holds only the configuration:
// all state is stored in the context variables.
type Classifier struct {
	backbone     backbones.FeatureExtractor
	numClasses   int
	centroidSize int
	lengthScale  float64
	gamma        float64
}

// NewClassifier creates a Classifier for numClasses, using the given backbone. The other
// hyperparameters are read from the context.
func NewClassifier(ctx *context.Context, backbone backbones.FeatureExtractor, numClasses int) *Classifier {
	return &Classifier{
		backbone:     backbone,
		numClasses:   numClasses,
		centroidSize: context.GetParamOr(ctx, ParamCentroidSize, 512),
		lengthScale:  context.GetParamOr(ctx, ParamLengthScale, 0.1),
		gamma:        context.GetParamOr(ctx, ParamGamma, 0.999),
	}
}

// NumClasses returns the number of classes of the classifier.
func (c *Classifier) NumClasses() int { return c.numClasses }

// Backbone returns the feature extractor used by the classifier.
func (c *Classifier) Backbone() backbones.FeatureExtractor { return c.backbone }

// embeddingVar is the trainable per-class linear map from the feature space to the centroid space,
// shaped [centroidSize, numClasses, featuresSize], He initialized.
func (c *Classifier) embeddingVar(ctx *context.Context, featuresSize int) *context.Variable {
	stddev := math.Sqrt(2.0 / float64(c.numClasses*featuresSize))
	return ctx.In(CentroidsScope).
		WithInitializer(initializers.RandomNormalFn(ctx, stddev)).
		VariableWithShape("W", shapes.Make(DType, c.centroidSize, c.numClasses, featuresSize))
}

// emaVars returns the non-trainable EMA variables: the per-class count N shaped [numClasses] and the
// per-class sum of embeddings m shaped [centroidSize, numClasses].
func (c *Classifier) emaVars(ctx *context.Context) (countVar, sumVar *context.Variable) {
	ctx = ctx.In(CentroidsScope)
	initialCount := make([]float32, c.numClasses)
	for ii := range initialCount {
		initialCount[ii] = InitialCount
	}
	countVar = ctx.VariableWithValue("N", initialCount).SetTrainable(false)
	sumVar = ctx.WithInitializer(initializers.RandomNormalFn(ctx, InitialCentroidStddev*InitialCount)).
		VariableWithShape("m", shapes.Make(DType, c.centroidSize, c.numClasses)).
		SetTrainable(false)
	return
}

// Embed maps features shaped [batch, featuresSize] to one embedding per class, shaped
// [batch, centroidSize, numClasses].
func (c *Classifier) Embed(ctx *context.Context, features *Node) *Node {
	if features.Rank() != 2 {
		Panicf("Classifier.Embed requires features shaped [batch, features_size], got %s", features.Shape())
	}
	w := c.embeddingVar(ctx, features.Shape().Dimensions[1]).ValueGraph(features.Graph())
	return Einsum("bj,ckj->bck", features, w)
}

// Centroids returns the current centroids read from the EMA state, m/N, shaped [centroidSize, numClasses].
func (c *Classifier) Centroids(ctx *context.Context, g *Graph) *Node {
	countVar, sumVar := c.emaVars(ctx)
	sum := sumVar.ValueGraph(g)
	count := BroadcastToDims(InsertAxes(countVar.ValueGraph(g), 0), sum.Shape().Dimensions...)
	return Div(sum, count)
}

// Scores builds the forward pass: the per-class RBF scores shaped [batch, numClasses] for the
// images shaped [batch, height, width, channels].
//
// It doesn't change the EMA state. Batch normalization running averages are updated if the
// context is set for training.
func (c *Classifier) Scores(ctx *context.Context, images *Node) *Node {
	features := c.backbone.Features(ctx.In(BackboneScope), images)
	embeddings := c.Embed(ctx, features)
	return RBF(embeddings, c.Centroids(ctx, images.Graph()), c.lengthScale)
}

// RBF returns the kernel value between each embedding shaped [batch, centroidSize, numClasses] and its
// class centroid, from centroids shaped [centroidSize, numClasses].
//
// The squared distance is summed over the centroid dimension:
//
//	score[b, c] = exp(-sum_k (z[b, k, c] - centroid[k, c])^2 / (2*lengthScale^2))
//
// So values are in (0, 1], and equal to 1 only if the embedding is at the centroid.
func RBF(embeddings, centroids *Node, lengthScale float64) *Node {
	centroids = BroadcastToDims(InsertAxes(centroids, 0), embeddings.Shape().Dimensions...)
	squaredDistance := ReduceSum(Square(Sub(embeddings, centroids)), 1)
	return Exp(MulScalar(squaredDistance, -1.0/(2*lengthScale*lengthScale)))
}

// UpdateEmbeddingsGraph updates the EMA state with the embeddings of a batch of images and
// their one-hot labels shaped [batch, numClasses]:
//
//	N <- gamma*N + (1-gamma)*sum_b(oneHot[b])
//	m <- gamma*m + (1-gamma)*sum_b(z[b]*oneHot[b])
//
// A class absent from the batch decays (N_c <- gamma*N_c, m_c <- gamma*m_c).
//
// The embeddings are not differentiated: the input must not be tracked for gradients (see
// TrackGradients), and the update must be built in a graph where the context is not set for
// training, so the backbone uses its inference mode.
func (c *Classifier) UpdateEmbeddingsGraph(ctx *context.Context, images, oneHot *Node) {
	g := images.Graph()
	if IsTracked(ctx, images) {
		Panicf("Classifier.UpdateEmbeddingsGraph called on an input tracked for gradients: " +
			"call UntrackGradients first")
	}
	if ctx.IsTraining(g) {
		Panicf("Classifier.UpdateEmbeddingsGraph must be built with the context set for inference " +
			"(ctx.SetTraining(g, false))")
	}
	features := c.backbone.Features(ctx.In(BackboneScope), images)
	embeddings := StopGradient(c.Embed(ctx, features))
	oneHot = StopGradient(ConvertDType(oneHot, embeddings.DType()))

	countVar, sumVar := c.emaVars(ctx)
	batchCount := ReduceSum(oneHot, 0)
	batchSum := Einsum("bkc,bc->kc", embeddings, oneHot)
	countVar.SetValueGraph(Add(
		MulScalar(countVar.ValueGraph(g), c.gamma),
		MulScalar(batchCount, 1-c.gamma)))
	sumVar.SetValueGraph(Add(
		MulScalar(sumVar.ValueGraph(g), c.gamma),
		MulScalar(batchSum, 1-c.gamma)))
}
