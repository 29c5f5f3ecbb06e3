// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backbones

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

const (
	// TinyName is the registered name for Tiny.
	TinyName = "Tiny"

	// ParamTinyChannels is the context hyperparameter with the number of channels of the Tiny
	// backbone convolutions. Default is 8.
	ParamTinyChannels = "tiny_channels"
)

// Tiny is a two-layer CNN, with the same structure as the larger backbones (convolutions followed by
// batch normalization, strided down-sampling, global pooling and projection).
//
// It is meant for tests and quick experiments.
type Tiny struct{}

// Name implements FeatureExtractor.
func (*Tiny) Name() string { return TinyName }

// Features implements FeatureExtractor.
func (*Tiny) Features(ctx *context.Context, images *Node) *Node {
	channels := context.GetParamOr(ctx, ParamTinyChannels, 8)
	nextCtx := layerCounter(ctx)
	x := conv(nextCtx("conv"), images, channels, 3, 1)
	x = bnRelu(nextCtx("bn"), x)
	x = conv(nextCtx("conv"), x, 2*channels, 3, 2)
	x = bnRelu(nextCtx("bn"), x)
	return project(ctx, x)
}
