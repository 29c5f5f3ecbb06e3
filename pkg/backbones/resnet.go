// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbones

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ResNet18Name is the registered name for ResNet18.
const ResNet18Name = "ResNet18"

// resNet18Stages holds the number of channels of each stage, each with 2 basic blocks.
var resNet18Stages = []int{64, 128, 256, 512}

// ResNet18 is the ResNet-18 architecture (He et al., https://arxiv.org/abs/1512.03385) adapted
// to small images: the stem is a single 3x3 convolution with stride 1, and there is no max-pooling.
// The final classification layer is replaced by a dense projection to ParamModelOutputSize.
type ResNet18 struct{}

// Name implements FeatureExtractor.
func (*ResNet18) Name() string { return ResNet18Name }

// Features implements FeatureExtractor.
func (*ResNet18) Features(ctx *context.Context, images *Node) *Node {
	nextCtx := layerCounter(ctx)
	x := conv(nextCtx("stem_conv"), images, resNet18Stages[0], 3, 1)
	x = bnRelu(nextCtx("stem_bn"), x)
	for stageIdx, channels := range resNet18Stages {
		strides := 2
		if stageIdx == 0 {
			strides = 1
		}
		x = basicBlock(nextCtx("block"), x, channels, strides)
		x = basicBlock(nextCtx("block"), x, channels, 1)
	}
	return project(ctx, x)
}

// basicBlock is the two 3x3 convolutions residual block of ResNet-18/34.
// The shortcut is projected with a 1x1 convolution when the shape changes.
func basicBlock(ctx *context.Context, x *Node, channels, strides int) *Node {
	inputChannels := x.Shape().Dimensions[x.Rank()-1]
	residual := conv(ctx.In("conv1"), x, channels, 3, strides)
	residual = bnRelu(ctx.In("bn1"), residual)
	residual = conv(ctx.In("conv2"), residual, channels, 3, 1)
	residual = batchNorm(ctx.In("bn2"), residual)

	shortcut := x
	if strides != 1 || inputChannels != channels {
		shortcut = conv(ctx.In("shortcut_conv"), x, channels, 1, strides)
		shortcut = batchNorm(ctx.In("shortcut_bn"), shortcut)
	}
	return activations.Relu(Add(residual, shortcut))
}
