// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine runs a step function over the batches of a dataset, for one or more epochs, and
// aggregates the step outputs into per-epoch running means.
//
// The same Engine is used for training (many epochs, with a train step) and evaluation (one epoch, with
// an eval step). Functionality, like logging results, evaluating or adjusting the learning rate, is
// attached with hooks, run in priority order:
//
//   - OnStart: once at the start of Run.
//   - OnIteration: after every step, with the step outputs.
//   - OnEpochCompleted: once per epoch, after the epoch metrics are final.
//   - OnCompleted: once after the last epoch.
//
// All of it runs in the goroutine that calls Run: hooks never overlap with steps.
package engine

import (
	"context"
	"io"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/duq/pkg/datasets"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepFunction is executed by the Engine for each batch.
type StepFunction interface {
	// Step runs one batch and returns one value per output name.
	Step(inputs, labels []*tensors.Tensor) ([]float64, error)

	// OutputNames returns the names of the values returned by Step.
	OutputNames() []string
}

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(e *Engine, ds train.Dataset) error

// OnIterationFn is the type of OnIteration hooks. outputs are the values returned by the step.
type OnIterationFn func(e *Engine, outputs []float64) error

// OnEpochCompletedFn is the type of OnEpochCompleted hooks.
type OnEpochCompletedFn func(e *Engine) error

// OnCompletedFn is the type of OnCompleted hooks.
type OnCompletedFn func(e *Engine) error

// Engine runs a StepFunction over a dataset. See package documentation for details.
//
// Its state is meant to be read by hooks; it is reset at the start of each Run.
type Engine struct {
	name    string
	step    StepFunction
	metrics *RunningMeans

	epoch, iteration, epochIteration int
	maxEpochs, epochLength           int
	stepDurations                    []time.Duration

	onStart          *priorityHooks[*hookWithName[OnStartFn]]
	onIteration      *priorityHooks[*hookWithName[OnIterationFn]]
	onEpochCompleted *priorityHooks[*hookWithName[OnEpochCompletedFn]]
	onCompleted      *priorityHooks[*hookWithName[OnCompletedFn]]
}

// New creates an Engine with the given name (used in logs and errors) that runs step for every batch.
func New(name string, step StepFunction) *Engine {
	return &Engine{
		name:             name,
		step:             step,
		metrics:          NewRunningMeans(step.OutputNames()),
		epochLength:      -1,
		onStart:          newPriorityHooks[*hookWithName[OnStartFn]](),
		onIteration:      newPriorityHooks[*hookWithName[OnIterationFn]](),
		onEpochCompleted: newPriorityHooks[*hookWithName[OnEpochCompletedFn]](),
		onCompleted:      newPriorityHooks[*hookWithName[OnCompletedFn]](),
	}
}

// Name of the engine.
func (e *Engine) Name() string { return e.name }

// Epoch returns the number of completed epochs in the current run. Within OnEpochCompleted hooks it is the
// 1-based number of the epoch just completed.
func (e *Engine) Epoch() int { return e.epoch }

// MaxEpochs returns the number of epochs of the current run.
func (e *Engine) MaxEpochs() int { return e.maxEpochs }

// Iteration returns the number of steps executed in the current run, over all epochs.
func (e *Engine) Iteration() int { return e.iteration }

// EpochIteration returns the number of steps executed in the current epoch.
func (e *Engine) EpochIteration() int { return e.epochIteration }

// EpochLength returns the number of steps of the previous epoch, or -1 if no epoch completed yet.
func (e *Engine) EpochLength() int { return e.epochLength }

// Metrics returns the running means of the step outputs for the current epoch, by output name.
// Within OnEpochCompleted hooks they are the final epoch values, and they are kept until the next epoch starts.
func (e *Engine) Metrics() map[string]float64 { return e.metrics.Means() }

// MetricNames returns the names of the step outputs, in order.
func (e *Engine) MetricNames() []string { return e.metrics.Names() }

// MedianStepDuration of the steps executed so far in the current run.
func (e *Engine) MedianStepDuration() time.Duration {
	if len(e.stepDurations) == 0 {
		return 0
	}
	durations := slices.Clone(e.stepDurations)
	slices.Sort(durations)
	return durations[len(durations)/2]
}

// OnStart adds a hook with the given priority, called at the start of Run.
func (e *Engine) OnStart(name string, priority Priority, fn OnStartFn) {
	e.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnIteration adds a hook with the given priority, called after each step.
func (e *Engine) OnIteration(name string, priority Priority, fn OnIterationFn) {
	e.onIteration.Add(priority, &hookWithName[OnIterationFn]{name: name, fn: fn})
}

// OnEpochCompleted adds a hook with the given priority, called at the end of each epoch.
func (e *Engine) OnEpochCompleted(name string, priority Priority, fn OnEpochCompletedFn) {
	e.onEpochCompleted.Add(priority, &hookWithName[OnEpochCompletedFn]{name: name, fn: fn})
}

// OnCompleted adds a hook with the given priority, called once after the last epoch of Run.
func (e *Engine) OnCompleted(name string, priority Priority, fn OnCompletedFn) {
	e.onCompleted.Add(priority, &hookWithName[OnCompletedFn]{name: name, fn: fn})
}

// Run executes maxEpochs passes over ds. At the start of each epoch the metrics are reset and ds.Reset is
// called; the epoch ends when ds.Yield returns io.EOF.
//
// ctx is checked for cancellation between batches. Any step error, hook error or non-finite epoch metric
// interrupts the run and is returned.
func (e *Engine) Run(ctx context.Context, ds train.Dataset, maxEpochs int) error {
	if maxEpochs <= 0 {
		return errors.Errorf("engine %q: maxEpochs must be > 0, got %d", e.name, maxEpochs)
	}
	e.epoch, e.iteration, e.epochIteration = 0, 0, 0
	e.maxEpochs = maxEpochs
	e.stepDurations = e.stepDurations[:0]
	e.metrics.Reset()
	for hook := range e.onStart.All() {
		if err := hook.fn(e, ds); err != nil {
			return errors.WithMessagef(err, "engine %q: OnStart(hook %q)", e.name, hook.name)
		}
	}

	finalizeYields := true
	if f, ok := ds.(interface{ FinalizeYieldsAfterUse() bool }); ok {
		finalizeYields = f.FinalizeYieldsAfterUse()
	}
	for e.epoch < maxEpochs {
		e.metrics.Reset()
		e.epochIteration = 0
		ds.Reset()
		for {
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(err, "engine %q interrupted at epoch %d, iteration %d",
					e.name, e.epoch+1, e.iteration)
			}
			_, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "engine %q: reading dataset %q at epoch %d, iteration %d",
					e.name, ds.Name(), e.epoch+1, e.iteration)
			}
			outputs, err := e.runStep(inputs, labels)
			if finalizeYields {
				datasets.FreeTensors(slices.Concat(inputs, labels)...)
			}
			if err != nil {
				return errors.WithMessagef(err, "engine %q: step failed at epoch %d, iteration %d",
					e.name, e.epoch+1, e.iteration)
			}
			e.iteration++
			e.epochIteration++
			if err = e.metrics.Add(outputs); err != nil {
				return errors.WithMessagef(err, "engine %q: iteration %d", e.name, e.iteration)
			}
			for hook := range e.onIteration.All() {
				if err := hook.fn(e, outputs); err != nil {
					return errors.WithMessagef(err, "engine %q: OnIteration(hook %q)", e.name, hook.name)
				}
			}
		}
		if e.epochIteration == 0 {
			return errors.Errorf("engine %q: dataset %q yielded no batches in epoch %d", e.name, ds.Name(), e.epoch+1)
		}
		e.epochLength = e.epochIteration
		e.epoch++
		if err := e.metrics.Check(); err != nil {
			return errors.WithMessagef(err, "engine %q: epoch %d", e.name, e.epoch)
		}
		klog.V(2).Infof("%s: epoch %d completed after %d iterations: %v", e.name, e.epoch, e.epochIteration, e.Metrics())
		for hook := range e.onEpochCompleted.All() {
			if err := hook.fn(e); err != nil {
				return errors.WithMessagef(err, "engine %q: OnEpochCompleted(hook %q)", e.name, hook.name)
			}
		}
	}

	for hook := range e.onCompleted.All() {
		if err := hook.fn(e); err != nil {
			return errors.WithMessagef(err, "engine %q: OnCompleted(hook %q)", e.name, hook.name)
		}
	}
	return nil
}

// runStep executes the step, converting panics to errors.
func (e *Engine) runStep(inputs, labels []*tensors.Tensor) (outputs []float64, err error) {
	startTime := time.Now()
	panicErr := exceptions.TryCatch[error](func() {
		outputs, err = e.step.Step(inputs, labels)
	})
	if panicErr != nil {
		err = panicErr
	}
	e.stepDurations = append(e.stepDurations, time.Since(startTime))
	return
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order, and in order of
// registration within the same priority.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
