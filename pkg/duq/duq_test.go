// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package duq

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/duq/pkg/backbones"
	"github.com/gomlx/duq/pkg/optimizers"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxoptimizers "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// flattenBackbone uses the flattened pixels as features, so embeddings are easy to compute by hand.
type flattenBackbone struct{}

func (flattenBackbone) Name() string { return "flatten" }

func (flattenBackbone) Features(_ *context.Context, images *Node) *Node {
	return Reshape(images, images.Shape().Dimensions[0], -1)
}

// execError runs fn and returns either its error or the error it panicked with.
func execError(fn func() error) (err error) {
	panicErr := exceptions.TryCatch[error](func() { err = fn() })
	if panicErr != nil {
		err = panicErr
	}
	return
}

func TestRBF(t *testing.T) {
	graphtest.RunTestGraphFn(t, "RBF", func(g *Graph) (inputs, outputs []*Node) {
		// batch=1, centroid=2, classes=2: class 0 is at its centroid, class 1 at squared distance 2.
		embeddings := Const(g, [][][]float32{{{0, 1}, {0, 1}}})
		centroids := Const(g, [][]float32{{0, 0}, {0, 0}})
		inputs = []*Node{embeddings, centroids}
		outputs = []*Node{RBF(embeddings, centroids, 1.0)}
		return
	}, []any{
		[][]float32{{1, float32(math.Exp(-1))}},
	}, 1e-6)

	backend := graphtest.BuildTestBackend()
	scores, err := ExecOnce(backend, func(embeddings, centroids *Node) *Node {
		return RBF(embeddings, centroids, 0.1)
	}, [][][]float32{{{3, -1}, {-2, 0.5}}, {{0.01, 7}, {0, 0}}}, [][]float32{{0, 0}, {0, 0}})
	require.NoError(t, err)
	for _, score := range tensors.MustCopyFlatData[float32](scores) {
		assert.GreaterOrEqual(t, score, float32(0))
		assert.LessOrEqual(t, score, float32(1))
	}
}

func TestBinaryCrossEntropy(t *testing.T) {
	graphtest.RunTestGraphFn(t, "BinaryCrossEntropy", func(g *Graph) (inputs, outputs []*Node) {
		targets := Const(g, [][]float32{{1, 0}})
		probabilities := Const(g, [][]float32{{0.8, 0.3}})
		inputs = []*Node{targets, probabilities}
		outputs = []*Node{BinaryCrossEntropy(targets, probabilities)}
		return
	}, []any{
		float32(-(math.Log(0.8) + math.Log(0.7)) / 2),
	}, 1e-5)

	backend := graphtest.BuildTestBackend()
	bce, err := ExecOnce(backend, func(targets, probabilities *Node) *Node {
		return BinaryCrossEntropy(targets, probabilities)
	}, [][]float32{{1, 0}}, [][]float32{{0, 1}})
	require.NoError(t, err)
	value := tensors.ToScalar[float32](bce)
	assert.False(t, math.IsInf(float64(value), 0) || math.IsNaN(float64(value)))
	assert.Greater(t, value, float32(10))
}

func TestGradientPenalty(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	penaltyFor := func(scale float32) float32 {
		ctx := context.New()
		penalty, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			TrackGradients(ctx, x)
			// Linear function whose input gradient is w, with rows of norm `scale`.
			w := MulScalar(Const(x.Graph(), [][]float32{{0.6, 0.8, 0}, {0, 0, 1}}), float64(scale))
			yPred := Mul(x, w)
			return GradientPenalty(ctx, x, yPred)
		}, [][]float32{{1, 2, 3}, {-1, 0.5, 7}})
		require.NoError(t, err)
		return tensors.ToScalar[float32](penalty)
	}
	assert.InDelta(t, 0.0, penaltyFor(1), 1e-6)
	assert.InDelta(t, 1.0, penaltyFor(2), 1e-5)
	assert.InDelta(t, 0.25, penaltyFor(0.5), 1e-5)

	// A zero gradient has norm 0 and a finite penalty of 1.
	ctx := context.New()
	penalty, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		TrackGradients(ctx, x)
		return GradientPenalty(ctx, x, StopGradient(Square(x)))
	}, [][]float32{{1, 2}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tensors.ToScalar[float32](penalty), 1e-6)
}

func TestGradientPenaltyReachesEmbeddingWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	ctx.SetParams(map[string]any{ParamCentroidSize: 4, ParamLengthScale: 1.0})
	classifier := NewClassifier(ctx, flattenBackbone{}, 2)
	images := [][][][]float32{{{{0.1, 0.2}}}, {{{-0.3, 0.4}}}}

	gradient, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		g := images.Graph()
		TrackGradients(ctx, images)
		defer UntrackGradients(ctx, images)
		scores := classifier.Scores(ctx.In(ModelScope), images)
		gp := GradientPenalty(ctx, images, scores)
		w := ctx.GetVariableByScopeAndName("/model/centroids", "W").ValueGraph(g)
		return Gradient(gp, w)[0]
	}, images)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 2}, gradient.Shape().Dimensions)
	var sumAbs float64
	for _, value := range tensors.MustCopyFlatData[float32](gradient) {
		require.False(t, math.IsNaN(float64(value)))
		sumAbs += math.Abs(float64(value))
	}
	assert.Greater(t, sumAbs, 1e-4, "the gradient penalty must be differentiable with respect to W")
}

func TestTrainStepGradientPenaltyChangesWeights(t *testing.T) {
	const numClasses = 3
	images, labels := randomBatch(13, 6, numClasses)
	inputs, targets := []*tensors.Tensor{images}, []*tensors.Tensor{labels}

	// Same initial variables, one step with and one without the gradient penalty.
	weightsAfterStep := func(lGradientPenalty float64) []float32 {
		backend := graphtest.BuildTestBackend()
		ctx := context.New()
		ctx.SetParams(map[string]any{
			ParamCentroidSize:                 4,
			backbones.ParamModelOutputSize:    4,
			backbones.ParamTinyChannels:       2,
			gomlxoptimizers.ParamLearningRate: 0.05,
			ParamGradientPenalty:              lGradientPenalty,
		})
		ctx.SetRNGStateFromSeed(42)
		backbone, err := backbones.Get(backbones.TinyName)
		require.NoError(t, err)
		classifier := NewClassifier(ctx, backbone, numClasses)
		trainStep, err := NewTrainStep(backend, ctx, classifier, optimizers.Momentum().FromContext(ctx).Done())
		require.NoError(t, err)
		_, err = trainStep.Step(inputs, targets)
		require.NoError(t, err)
		return tensors.MustCopyFlatData[float32](ctx.GetVariableByScopeAndName("/model/centroids", "W").MustValue())
	}
	assert.NotEqual(t, weightsAfterStep(0), weightsAfterStep(1))
}

func TestGradientPenaltyUntracked(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	err := execError(func() error {
		_, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			TrackGradients(ctx, x)
			UntrackGradients(ctx, x)
			return GradientPenalty(ctx, x, Square(x))
		}, []float32{1, 2})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracked")
}

func TestUpdateEmbeddings(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		numClasses   = 3
		centroidSize = 4
		gamma        = 0.9
	)
	ctx := context.New().Checked(false)
	ctx.SetParams(map[string]any{ParamCentroidSize: centroidSize, ParamGamma: gamma})
	classifier := NewClassifier(ctx, flattenBackbone{}, numClasses)

	// Images are shaped [batch=2, 1, 1, 2], so features are the 2 pixel values.
	images := [][][][]float32{{{{1, 2}}}, {{{-1, 0.5}}}}
	labels := []int32{0, 2}

	// Initial state and embeddings.
	embedExec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) (*Node, *Node, *Node) {
		ctx = ctx.In(ModelScope)
		features := classifier.Backbone().Features(ctx, images)
		countVar, sumVar := classifier.emaVars(ctx)
		g := images.Graph()
		return classifier.Embed(ctx, features), countVar.ValueGraph(g), sumVar.ValueGraph(g)
	})
	require.NoError(t, err)
	embeddingsT, countT, sumT, err := embedExec.Exec3(images)
	require.NoError(t, err)
	embeddings := embeddingsT.Value().([][][]float32)
	count := countT.Value().([]float32)
	sum := sumT.Value().([][]float32)
	for _, n := range count {
		assert.InDelta(t, InitialCount, n, 1e-6)
	}
	wBefore := ctx.GetVariableByScopeAndName("/model/centroids", "W").MustValue().Value()

	updateExec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images, labels *Node) {
		ctx.SetTraining(images.Graph(), false)
		classifier.UpdateEmbeddingsGraph(ctx.In(ModelScope), images, OneHot(labels, numClasses, DType))
	})
	require.NoError(t, err)
	_, err = updateExec.Exec(images, labels)
	require.NoError(t, err)

	// Expected EMA, computed by hand. Class 1 is absent from the batch and only decays.
	gotCount := ctx.GetVariableByScopeAndName("/model/centroids", "N").MustValue().Value().([]float32)
	gotSum := ctx.GetVariableByScopeAndName("/model/centroids", "m").MustValue().Value().([][]float32)
	for c := range numClasses {
		batchCount := 0.0
		for _, label := range labels {
			if int(label) == c {
				batchCount++
			}
		}
		assert.InDelta(t, gamma*float64(count[c])+(1-gamma)*batchCount, float64(gotCount[c]), 1e-5, "N[%d]", c)
		for k := range centroidSize {
			batchSum := 0.0
			for b, label := range labels {
				if int(label) == c {
					batchSum += float64(embeddings[b][k][c])
				}
			}
			want := gamma*float64(sum[k][c]) + (1-gamma)*batchSum
			assert.InDelta(t, want, float64(gotSum[k][c]), 1e-5, "m[%d, %d]", k, c)
		}
	}
	assert.InDelta(t, gamma*InitialCount, float64(gotCount[1]), 1e-5)

	// The embedding transform is not changed by the update.
	assert.Equal(t, wBefore, ctx.GetVariableByScopeAndName("/model/centroids", "W").MustValue().Value())
}

func TestUpdateEmbeddingsRequiresUntrackedInference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	classifier := NewClassifier(ctx, flattenBackbone{}, 2)
	images := [][][][]float32{{{{1, 2}}}}
	labels := []int32{1}

	err := execError(func() error {
		_, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, images, labels *Node) {
			ctx.SetTraining(images.Graph(), false)
			TrackGradients(ctx, images)
			classifier.UpdateEmbeddingsGraph(ctx.In(ModelScope), images, OneHot(labels, 2, DType))
		}, images, labels)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UntrackGradients")

	err = execError(func() error {
		_, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, images, labels *Node) {
			ctx.SetTraining(images.Graph(), true)
			classifier.UpdateEmbeddingsGraph(ctx.In(ModelScope), images, OneHot(labels, 2, DType))
		}, images, labels)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference")
}

// randomBatch returns images shaped [batchSize, 8, 8, 3] and labels.
func randomBatch(seed uint64, batchSize, numClasses int) (*tensors.Tensor, *tensors.Tensor) {
	rng := rand.New(rand.NewPCG(seed, 1))
	pixels := make([]float32, batchSize*8*8*3)
	for ii := range pixels {
		pixels[ii] = float32(rng.NormFloat64())
	}
	labels := make([]int32, batchSize)
	for ii := range labels {
		labels[ii] = int32(rng.IntN(numClasses))
	}
	return tensors.FromFlatDataAndDimensions(pixels, batchSize, 8, 8, 3),
		tensors.FromFlatDataAndDimensions(labels, batchSize)
}

// variableValues returns a snapshot of the values of all variables.
func variableValues(ctx *context.Context) map[string]any {
	values := make(map[string]any)
	for v := range ctx.IterVariables() {
		values[v.ScopeAndName()] = v.MustValue().Value()
	}
	return values
}

func newTinySteps(t *testing.T, numClasses int) (*context.Context, *TrainStep, *EvalStep) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamCentroidSize:                 4,
		backbones.ParamModelOutputSize:    4,
		backbones.ParamTinyChannels:       2,
		gomlxoptimizers.ParamLearningRate: 0.05,
	})
	backbone, err := backbones.Get(backbones.TinyName)
	require.NoError(t, err)
	classifier := NewClassifier(ctx, backbone, numClasses)
	trainStep, err := NewTrainStep(backend, ctx, classifier, optimizers.Momentum().FromContext(ctx).Done())
	require.NoError(t, err)
	evalStep, err := NewEvalStep(backend, ctx, classifier)
	require.NoError(t, err)
	return ctx, trainStep, evalStep
}

func TestEvalStepIdempotent(t *testing.T) {
	const numClasses = 3
	ctx, _, evalStep := newTinySteps(t, numClasses)
	images, labels := randomBatch(7, 6, numClasses)

	// Evaluation before any training creates the variables.
	first, err := evalStep.Step([]*tensors.Tensor{images}, []*tensors.Tensor{labels})
	require.NoError(t, err)
	before := variableValues(ctx)
	second, err := evalStep.Step([]*tensors.Tensor{images}, []*tensors.Tensor{labels})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, before, variableValues(ctx))
	assert.Equal(t, EvalOutputNames, evalStep.OutputNames())

	accuracy, bce, gp := first[0], first[1], first[2]
	assert.GreaterOrEqual(t, accuracy, 0.0)
	assert.LessOrEqual(t, accuracy, 1.0)
	assert.Greater(t, bce, 0.0)
	assert.GreaterOrEqual(t, gp, 0.0)

	scores, err := evalStep.Scores(images)
	require.NoError(t, err)
	assert.Equal(t, []int{6, numClasses}, scores.Shape().Dimensions)
}

func TestTrainStep(t *testing.T) {
	const numClasses = 3
	ctx, trainStep, evalStep := newTinySteps(t, numClasses)
	images, labels := randomBatch(11, 6, numClasses)
	inputs, targets := []*tensors.Tensor{images}, []*tensors.Tensor{labels}

	for step := range 2 {
		outputs, err := trainStep.Step(inputs, targets)
		require.NoError(t, err, "step %d", step)
		require.Len(t, outputs, 3)
		loss, bce, gp := outputs[0], outputs[1], outputs[2]
		for _, value := range outputs {
			assert.False(t, math.IsNaN(value) || math.IsInf(value, 0), "step %d: %v", step, outputs)
		}
		assert.Greater(t, bce, 0.0)
		assert.GreaterOrEqual(t, gp, 0.0)
		assert.InDelta(t, bce+0.5*gp, loss, 1e-4)
	}
	assert.Equal(t, int64(2), gomlxoptimizers.GetGlobalStep(ctx))

	// The centroids counts moved away from their initial value for every class.
	count := ctx.GetVariableByScopeAndName("/model/centroids", "N").MustValue().Value().([]float32)
	for _, n := range count {
		assert.NotEqual(t, float32(InitialCount), n)
	}

	// Evaluation still works after training, and the eval step loss combines the components as in training.
	metrics, err := evalStep.Step(inputs, targets)
	require.NoError(t, err)
	assert.InDelta(t, metrics[1]+0.5*metrics[2], evalStep.LossFromComponents(metrics[1], metrics[2]), 1e-12)
	scores, err := evalStep.Scores(images)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, scores.DType())
}
