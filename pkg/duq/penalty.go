// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package duq

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// GraphParamTrackedInputs is the graph parameter (stored at the root scope) holding the set of nodes
// that are tracked for input gradients, as a `map[*Node]bool`.
const GraphParamTrackedInputs = "duq_tracked_inputs"

func trackedInputs(ctx *context.Context, g *Graph) map[*Node]bool {
	rootCtx := ctx.InAbsPath(context.RootScope)
	tracked := context.GetGraphParamOr[map[*Node]bool](rootCtx, g, GraphParamTrackedInputs, nil)
	if tracked == nil {
		tracked = make(map[*Node]bool)
		rootCtx.SetGraphParam(g, GraphParamTrackedInputs, tracked)
	}
	return tracked
}

// TrackGradients marks x as an input whose gradient will be used by GradientPenalty. It returns x.
//
// Tracking is per graph: it must be undone with UntrackGradients before the input is used to
// update the centroids.
func TrackGradients(ctx *context.Context, x *Node) *Node {
	trackedInputs(ctx, x.Graph())[x] = true
	return x
}

// UntrackGradients removes the mark set by TrackGradients. It is a no-op if x is not tracked.
func UntrackGradients(ctx *context.Context, x *Node) {
	delete(trackedInputs(ctx, x.Graph()), x)
}

// IsTracked returns whether x is marked by TrackGradients.
func IsTracked(ctx *context.Context, x *Node) bool {
	return trackedInputs(ctx, x.Graph())[x]
}

// InputGradientNorms returns the L2 norm of the gradient of sum(yPred) with respect to each example
// of x, shaped [batch].
//
// The gradient is built with ordinary graph operations, so the result can itself be differentiated
// with respect to the model variables. It panics if x is not tracked (see TrackGradients).
func InputGradientNorms(ctx *context.Context, x, yPred *Node) *Node {
	if !IsTracked(ctx, x) {
		Panicf("gradient penalty requires an input tracked for gradients (TrackGradients), got untracked %s",
			x.Shape())
	}
	inputGrad := Gradient(ReduceAllSum(yPred), x)[0]
	batchSize := inputGrad.Shape().Dimensions[0]
	inputGrad = Reshape(inputGrad, batchSize, -1)
	sumSquares := ReduceSum(Square(inputGrad), 1)

	// Sqrt has an infinite derivative at 0: the double Where keeps the second order gradient finite.
	isPositive := GreaterThan(sumSquares, ScalarZero(x.Graph(), sumSquares.DType()))
	safeSumSquares := Where(isPositive, sumSquares, OnesLike(sumSquares))
	return Where(isPositive, Sqrt(safeSumSquares), ZerosLike(sumSquares))
}

// GradientPenalty returns the two-sided penalty mean((||grad_x sum(yPred)|| - 1)^2), averaged over
// the batch. It is non-negative, and zero when every example's input gradient has unit norm.
//
// It panics if x is not tracked (see TrackGradients).
func GradientPenalty(ctx *context.Context, x, yPred *Node) *Node {
	norms := InputGradientNorms(ctx, x, yPred)
	return ReduceAllMean(Square(AddScalar(norms, -1.0)))
}
