// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbones

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestGet(t *testing.T) {
	for _, name := range []string{ResNet18Name, WideResNetName, WideResNetAlias, TinyName} {
		backbone, err := Get(name)
		require.NoError(t, err, "architecture %q", name)
		require.NotNil(t, backbone)
	}
	_, err := Get("VGG16")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VGG16")
	assert.Contains(t, err.Error(), ResNet18Name)
	assert.Equal(t, []string{ResNet18Name, TinyName, WideResNetName, WideResNetAlias}, Names())
}

// featuresShape builds the backbone on a zero batch and returns the shape of the features.
func featuresShape(t *testing.T, name string, params map[string]any, batchSize, height, width int) (shapes.Shape, error) {
	backend := graphtest.BuildTestBackend()
	backbone, err := Get(name)
	require.NoError(t, err)
	ctx := context.New()
	ctx.SetParams(params)
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), true)
		return backbone.Features(ctx, images)
	})
	if err != nil {
		return shapes.Shape{}, err
	}
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, height, width, 3))
	features, err := exec.Exec1(images)
	if err != nil {
		return shapes.Shape{}, err
	}
	return features.Shape(), nil
}

func TestTiny(t *testing.T) {
	shape, err := featuresShape(t, TinyName, map[string]any{ParamModelOutputSize: 7}, 3, 8, 8)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 7}, shape.Dimensions)

	// Any resolution is accepted.
	shape, err = featuresShape(t, TinyName, map[string]any{ParamModelOutputSize: 7}, 2, 12, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 7}, shape.Dimensions)
}

func TestWideResNet(t *testing.T) {
	params := map[string]any{
		ParamModelOutputSize: 16,
		ParamWRNDepth:        10,
		ParamWRNWidenFactor:  1,
	}
	shape, err := featuresShape(t, WideResNetName, params, 2, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16}, shape.Dimensions)

	params[ParamWRNDepth] = 11
	_, err = featuresShape(t, WideResNetName, params, 2, 16, 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ParamWRNDepth)
}

func TestResNet18(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ResNet18 in short mode")
	}
	shape, err := featuresShape(t, ResNet18Name, map[string]any{ParamModelOutputSize: 32}, 2, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 32}, shape.Dimensions)
}

// TestSecondOrderGradient checks that the gradient of the input gradient norm with respect to the
// backbone variables can be built and is finite.
func TestSecondOrderGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	backbone, err := Get(TinyName)
	require.NoError(t, err)
	ctx := context.New()
	ctx.SetParam(ParamModelOutputSize, 4)
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), true)
		features := backbone.Features(ctx, images)
		inputGrad := Gradient(ReduceAllSum(features), images)[0]
		penalty := ReduceAllSum(Square(inputGrad))
		grads := ctx.BuildTrainableVariablesGradientsGraph(penalty)
		total := ReduceAllSum(Abs(grads[0]))
		for _, grad := range grads[1:] {
			total = Add(total, ReduceAllSum(Abs(grad)))
		}
		return total
	})
	require.NoError(t, err)
	images := tensors.FromFlatDataAndDimensions(make([]float32, 2*6*6*3), 2, 6, 6, 3)
	tensors.MustMutableFlatData(images, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(ii%7) / 7
		}
	})
	total, err := exec.Exec1(images)
	require.NoError(t, err)
	value := tensors.ToScalar[float32](total)
	assert.False(t, math.IsNaN(float64(value)), "second order gradient is NaN")
	assert.Greater(t, value, float32(0))
}
