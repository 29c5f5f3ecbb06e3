// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizer and learning rate schedule used to train DUQ models:
// stochastic gradient descent with (heavy-ball) momentum and L2 weight decay, and a multi-step
// learning rate decay driven per epoch by the host.
//
// Both are built on top of GoMLX's optimizers package: the optimizer implements
// optimizers.Interface, and the learning rate is GoMLX's standard optimizers.LearningRateVar, so the
// schedule can be changed between steps without recompiling the graphs.
package optimizers

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// ParamMomentum is the context hyperparameter with the momentum factor. Default is 0.9.
	ParamMomentum = "momentum"

	// ParamWeightDecay is the context hyperparameter with the L2 penalty added to the gradients.
	// Default is 5e-4.
	ParamWeightDecay = "weight_decay"

	// DefaultLearningRate used if optimizers.ParamLearningRate is not set.
	DefaultLearningRate = 0.05

	// DefaultMomentumScope is the absolute scope under which the momentum buffers are created.
	DefaultMomentumScope = "sgd_momentum"
)

// MomentumConfig configures a momentum SGD optimizer. Create it with Momentum, and finish with Done.
type MomentumConfig struct {
	learningRate float64
	momentum     float64
	weightDecay  float64
	scopeName    string
	dtype        dtypes.DType
}

// Momentum returns the configuration of a stochastic gradient descent optimizer with momentum.
// The update for each trainable variable p with gradient g is:
//
//	d = g + weightDecay * p
//	buffer = momentum * buffer + d
//	p = p - learningRate * buffer
//
// The buffers start at zero, so the first step is plain SGD with weight decay.
func Momentum() *MomentumConfig {
	return &MomentumConfig{
		learningRate: -1, // -1 means not set.
		momentum:     0.9,
		weightDecay:  5e-4,
		scopeName:    DefaultMomentumScope,
	}
}

// FromContext reads the momentum, weight decay and learning rate from the context hyperparameters.
func (c *MomentumConfig) FromContext(ctx *context.Context) *MomentumConfig {
	c.momentum = context.GetParamOr(ctx, ParamMomentum, c.momentum)
	c.weightDecay = context.GetParamOr(ctx, ParamWeightDecay, c.weightDecay)
	if c.learningRate < 0 {
		c.learningRate = context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)
	}
	return c
}

// LearningRate sets the initial learning rate.
func (c *MomentumConfig) LearningRate(value float64) *MomentumConfig {
	c.learningRate = value
	return c
}

// MomentumFactor sets the momentum. Use 0 for plain SGD with weight decay.
func (c *MomentumConfig) MomentumFactor(momentum float64) *MomentumConfig {
	c.momentum = momentum
	return c
}

// WeightDecay sets the L2 penalty added to the gradients.
func (c *MomentumConfig) WeightDecay(weightDecay float64) *MomentumConfig {
	c.weightDecay = weightDecay
	return c
}

// Scope sets the absolute scope name used for the momentum buffers.
func (c *MomentumConfig) Scope(name string) *MomentumConfig {
	c.scopeName = name
	return c
}

// DType sets the dtype of the learning rate and of the momentum buffers. It defaults to the loss dtype.
func (c *MomentumConfig) DType(dtype dtypes.DType) *MomentumConfig {
	c.dtype = dtype
	return c
}

// Done returns the configured optimizer.
func (c *MomentumConfig) Done() *MomentumSGD {
	if c.learningRate < 0 {
		c.learningRate = DefaultLearningRate
	}
	return &MomentumSGD{config: c}
}

// MomentumSGD implements optimizers.Interface.
type MomentumSGD struct {
	config *MomentumConfig
}

var _ optimizers.Interface = (*MomentumSGD)(nil)

// InitialLearningRate returns the learning rate the optimizer was configured with.
func (o *MomentumSGD) InitialLearningRate() float64 { return o.config.learningRate }

// UpdateGraph implements optimizers.Interface.
func (o *MomentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("Context.BuildTrainableVariablesGradientsGraph returned 0 gradients, are there any trainable variables ?")
	}

	// Collect the variables in the same order as the gradients, before creating the momentum buffers.
	var trainable []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			trainable = append(trainable, v)
		}
	}
	if len(trainable) != len(grads) {
		Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"MomentumSGD sees %d variables -- were new variables created in between ?",
			len(grads), len(trainable))
	}

	dtype := o.config.dtype
	if dtype == dtypes.InvalidDType {
		dtype = loss.DType()
	}
	learningRate := optimizers.LearningRateVar(ctx, dtype, o.config.learningRate).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	for ii, v := range trainable {
		o.applyGraph(ctx, g, v, grads[ii], learningRate)
	}
}

// applyGraph updates one variable and its momentum buffer.
func (o *MomentumSGD) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate *Node) {
	value := v.ValueGraph(g)
	if learningRate.DType() != grad.DType() {
		learningRate = ConvertDType(learningRate, grad.DType())
	}
	direction := grad
	if o.config.weightDecay > 0 {
		direction = Add(direction, MulScalar(value, o.config.weightDecay))
	}
	if o.config.momentum > 0 {
		bufferVar := o.bufferVariable(ctx, v)
		buffer := Add(MulScalar(bufferVar.ValueGraph(g), o.config.momentum), direction)
		bufferVar.SetValueGraph(buffer)
		direction = buffer
	}
	step := optimizers.ClipStepByValue(ctx, Mul(direction, learningRate))
	updated := Sub(value, step)
	v.SetValueGraph(optimizers.ClipNaNsInUpdates(ctx, value, updated))
}

// bufferVariable returns the zero-initialized momentum buffer for the trainable variable, creating it
// if needed. It lives in an absolute scope mirroring the variable's own scope.
func (o *MomentumSGD) bufferVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := context.ScopeSeparator + o.config.scopeName
	if trainable.Scope() != context.RootScope {
		scopePath = fmt.Sprintf("%s%s", scopePath, trainable.Scope())
	}
	return ctx.Checked(false).
		InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_momentum", trainable.Shape()).
		SetTrainable(false)
}

// Clear deletes the momentum buffers. It implements optimizers.Interface.
func (o *MomentumSGD) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
