// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbones

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

const (
	// WideResNetName is the registered name for WideResNet.
	WideResNetName = "WRN"

	// WideResNetAlias is an alternative registered name for WideResNet.
	WideResNetAlias = "WideResNet"

	// ParamWRNDepth is the context hyperparameter for the total depth of the network.
	// It must be of the form 6*n+4. Default is 28.
	ParamWRNDepth = "wrn_depth"

	// ParamWRNWidenFactor is the context hyperparameter that multiplies the number of channels of
	// each stage. Default is 10.
	ParamWRNWidenFactor = "wrn_widen_factor"

	// ParamWRNDropoutRate is the context hyperparameter for the dropout rate within the wide blocks.
	// Default is 0.3.
	ParamWRNDropoutRate = "wrn_dropout_rate"
)

// WideResNet implements the Wide Residual Network (Zagoruyko and Komodakis,
// https://arxiv.org/abs/1605.07146) with pre-activation wide blocks.
// The default configuration is WRN-28-10.
type WideResNet struct{}

// Name implements FeatureExtractor.
func (*WideResNet) Name() string { return WideResNetName }

// Features implements FeatureExtractor.
func (*WideResNet) Features(ctx *context.Context, images *Node) *Node {
	depth := context.GetParamOr(ctx, ParamWRNDepth, 28)
	widenFactor := context.GetParamOr(ctx, ParamWRNWidenFactor, 10)
	dropoutRate := context.GetParamOr(ctx, ParamWRNDropoutRate, 0.3)
	if (depth-4)%6 != 0 || depth < 10 {
		Panicf("WideResNet depth must be of the form 6*n+4 (e.g. 28), got %s=%d", ParamWRNDepth, depth)
	}
	blocksPerStage := (depth - 4) / 6

	nextCtx := layerCounter(ctx)
	x := conv(nextCtx("stem_conv"), images, 16, 3, 1)
	for stageIdx, baseChannels := range []int{16, 32, 64} {
		channels := baseChannels * widenFactor
		for blockIdx := range blocksPerStage {
			strides := 1
			if stageIdx > 0 && blockIdx == 0 {
				strides = 2
			}
			x = wideBlock(nextCtx("wide_block"), x, channels, strides, dropoutRate)
		}
	}
	x = bnRelu(nextCtx("final_bn"), x)
	return project(ctx, x)
}

// wideBlock is the pre-activation block: BN-ReLU-Conv, Dropout, BN-ReLU-Conv plus shortcut.
func wideBlock(ctx *context.Context, x *Node, channels, strides int, dropoutRate float64) *Node {
	g := x.Graph()
	inputChannels := x.Shape().Dimensions[x.Rank()-1]
	residual := bnRelu(ctx.In("bn1"), x)
	residual = conv(ctx.In("conv1"), residual, channels, 3, 1)
	if dropoutRate > 0 {
		residual = layers.DropoutNormalize(ctx.In("dropout"), residual, Scalar(g, residual.DType(), dropoutRate), true)
	}
	residual = bnRelu(ctx.In("bn2"), residual)
	residual = conv(ctx.In("conv2"), residual, channels, 3, strides)

	shortcut := x
	if strides != 1 || inputChannels != channels {
		shortcut = layers.Convolution(ctx.In("shortcut_conv"), x).
			Channels(channels).
			KernelSize(1).
			Strides(strides).
			PadSame().
			Done()
	}
	return Add(residual, shortcut)
}
