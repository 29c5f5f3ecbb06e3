// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backbones implements the feature extractors used by the DUQ classifier: a CIFAR variant
// of ResNet-18, a Wide Residual Network and a tiny CNN used in tests.
//
// A feature extractor maps a batch of images shaped `[batch, height, width, channels]` to features
// shaped `[batch, model_output_size]`. All of them are built only with operations that can be
// differentiated twice (no max-pooling, and batch normalization is computed with plain graph
// operations), since the gradient penalty back-propagates through the gradient of the model
// with respect to its input.
//
// Feature extractors are selected by name with Get.
package backbones

import (
	"slices"
	"sync"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// FeatureExtractor is the capability shared by all backbones.
type FeatureExtractor interface {
	// Name of the architecture, as registered.
	Name() string

	// Features builds the graph that maps images shaped `[batch, height, width, channels]` to a
	// feature vector per example, shaped `[batch, model_output_size]`.
	//
	// It creates its variables in the given context scope, and it reads hyperparameters from it.
	Features(ctx *context.Context, images *Node) *Node
}

// Constructor creates a FeatureExtractor.
type Constructor func() FeatureExtractor

const (
	// ParamModelOutputSize is the context hyperparameter that defines the dimension of the
	// features returned by all backbones.
	ParamModelOutputSize = "model_output_size"

	// DefaultModelOutputSize is the default value for ParamModelOutputSize.
	DefaultModelOutputSize = 512

	// BatchNormMomentum of the running averages, the complement of PyTorch's default of 0.1.
	BatchNormMomentum = 0.9

	// BatchNormEpsilon is PyTorch's default epsilon for batch normalization.
	BatchNormEpsilon = 1e-5
)

var (
	muRegistry sync.Mutex
	registry   = make(map[string]Constructor)
)

// Register a backbone constructor under the given name. It overwrites a previous registration.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[name] = constructor
}

// Get returns a new FeatureExtractor for the given architecture name.
// It returns an error for unknown names, listing the valid ones.
func Get(name string) (FeatureExtractor, error) {
	muRegistry.Lock()
	constructor, found := registry[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("unknown architecture %q, valid values are %q", name, Names())
	}
	return constructor(), nil
}

// Names of the registered architectures, sorted.
func Names() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := maps.Keys(registry)
	slices.Sort(names)
	return names
}

func init() {
	Register(ResNet18Name, func() FeatureExtractor { return &ResNet18{} })
	Register(WideResNetName, func() FeatureExtractor { return &WideResNet{} })
	Register(WideResNetAlias, func() FeatureExtractor { return &WideResNet{} })
	Register(TinyName, func() FeatureExtractor { return &Tiny{} })
}

// layerCounter returns a function that creates a new sub-scope per layer, with a sequential prefix.
func layerCounter(ctx *context.Context) func(name string) *context.Context {
	layerIdx := 0
	return func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
}

// conv is a "same" padded convolution without bias: it is always followed by a batch normalization.
func conv(ctx *context.Context, x *Node, channels, kernelSize, strides int) *Node {
	return layers.Convolution(ctx, x).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(strides).
		PadSame().
		UseBias(false).
		Done()
}

// batchNorm uses the differentiable version of batch normalization also for inference.
func batchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).
		Momentum(BatchNormMomentum).
		Epsilon(BatchNormEpsilon).
		UseBackendInference(false).
		Done()
}

// project pools the spatial axes and projects the result to the configured output size.
func project(ctx *context.Context, x *Node) *Node {
	outputSize := context.GetParamOr(ctx, ParamModelOutputSize, DefaultModelOutputSize)
	pooled := ReduceMean(x, 1, 2)
	return layers.Dense(ctx.In("projection"), pooled, true, outputSize)
}

// bnRelu is the batch normalization followed by a ReLU, used by all blocks.
func bnRelu(ctx *context.Context, x *Node) *Node {
	return activations.Relu(batchNorm(ctx, x))
}
