// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"io"
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// valuesDataset yields one scalar input per batch, and no labels.
type valuesDataset struct {
	values []float32
	next   int
	resets int
}

func (ds *valuesDataset) Name() string { return "values" }

func (ds *valuesDataset) Reset() {
	ds.next = 0
	ds.resets++
}

func (ds *valuesDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.values) {
		return nil, nil, nil, io.EOF
	}
	value := ds.values[ds.next]
	ds.next++
	return nil, []*tensors.Tensor{tensors.FromScalar(value)}, nil, nil
}

func (ds *valuesDataset) NumBatches() int { return len(ds.values) }

// echoStep returns the input value and its square. It fails or panics on the configured values.
type echoStep struct {
	failOn, panicOn float32
}

func (s *echoStep) OutputNames() []string { return []string{"value", "square"} }

func (s *echoStep) Step(inputs, _ []*tensors.Tensor) ([]float64, error) {
	value := tensors.ToScalar[float32](inputs[0])
	if value == s.failOn {
		return nil, errors.Errorf("failing on %g", value)
	}
	if value == s.panicOn {
		exceptions.Panicf("panicking on %g", value)
	}
	return []float64{float64(value), float64(value * value)}, nil
}

func TestRunningMeans(t *testing.T) {
	m := NewRunningMeans([]string{"a", "b"})
	_, found := m.Mean("a")
	assert.False(t, found)
	assert.Empty(t, m.Means())
	require.Error(t, m.Check())

	require.NoError(t, m.Add([]float64{1, 10}))
	require.NoError(t, m.Add([]float64{3, 20}))
	require.Error(t, m.Add([]float64{1}))
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, map[string]float64{"a": 2, "b": 15}, m.Means())
	mean, found := m.Mean("b")
	assert.True(t, found)
	assert.Equal(t, 15.0, mean)
	require.NoError(t, m.Check())

	require.NoError(t, m.Add([]float64{math.NaN(), 0}))
	err := m.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a"`)

	m.Reset()
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.Means())
}

func TestEngineHooks(t *testing.T) {
	e := New("test", &echoStep{failOn: -1, panicOn: -1})
	var calls []string
	var epochMetrics []map[string]float64
	var epochs []int
	e.OnStart("start", 0, func(_ *Engine, ds train.Dataset) error {
		calls = append(calls, "start:"+ds.Name())
		return nil
	})
	e.OnIteration("iteration", 0, func(e *Engine, outputs []float64) error {
		assert.Len(t, outputs, 2)
		calls = append(calls, "iteration")
		return nil
	})
	e.OnEpochCompleted("second", 1, func(e *Engine) error {
		calls = append(calls, "epoch:second")
		return nil
	})
	e.OnEpochCompleted("first", -1, func(e *Engine) error {
		calls = append(calls, "epoch:first")
		epochs = append(epochs, e.Epoch())
		epochMetrics = append(epochMetrics, e.Metrics())
		return nil
	})
	e.OnCompleted("completed", 0, func(e *Engine) error {
		calls = append(calls, "completed")
		return nil
	})

	ds := &valuesDataset{values: []float32{1, 2, 3}}
	require.NoError(t, e.Run(context.Background(), ds, 2))
	assert.Equal(t, []string{
		"start:values",
		"iteration", "iteration", "iteration", "epoch:first", "epoch:second",
		"iteration", "iteration", "iteration", "epoch:first", "epoch:second",
		"completed",
	}, calls)
	assert.Equal(t, []int{1, 2}, epochs)
	assert.Equal(t, 2, ds.resets)
	assert.Equal(t, 6, e.Iteration())
	assert.Equal(t, 3, e.EpochLength())

	// Metrics are reset every epoch: both epochs see exactly the same means.
	want := map[string]float64{"value": 2, "square": 14.0 / 3}
	require.Len(t, epochMetrics, 2)
	for _, metrics := range epochMetrics {
		assert.InDelta(t, want["value"], metrics["value"], 1e-9)
		assert.InDelta(t, want["square"], metrics["square"], 1e-6)
	}
	// And they are kept after the run.
	assert.InDelta(t, 2.0, e.Metrics()["value"], 1e-9)

	// A new run resets the state.
	calls = nil
	require.NoError(t, e.Run(context.Background(), &valuesDataset{values: []float32{5}}, 1))
	assert.Equal(t, 1, e.Epoch())
	assert.Equal(t, 1, e.Iteration())
	assert.InDelta(t, 5.0, e.Metrics()["value"], 1e-9)
}

func TestEngineErrors(t *testing.T) {
	ctx := context.Background()

	e := New("failing", &echoStep{failOn: 2, panicOn: -1})
	err := e.Run(ctx, &valuesDataset{values: []float32{1, 2, 3}}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing on 2")
	assert.Contains(t, err.Error(), "epoch 1, iteration 1")

	e = New("panicking", &echoStep{failOn: -1, panicOn: 3})
	err = e.Run(ctx, &valuesDataset{values: []float32{1, 2, 3}}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicking on 3")

	var completed bool
	e = New("diverging", &echoStep{failOn: -1, panicOn: -1})
	e.OnEpochCompleted("completed", 0, func(*Engine) error {
		completed = true
		return nil
	})
	err = e.Run(ctx, &valuesDataset{values: []float32{1, float32(math.Inf(1))}}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverged")
	assert.False(t, completed, "epoch hooks must not run on diverged metrics")

	e = New("empty", &echoStep{failOn: -1, panicOn: -1})
	require.Error(t, e.Run(ctx, &valuesDataset{}, 1))
	require.Error(t, e.Run(ctx, &valuesDataset{values: []float32{1}}, 0))

	hookErr := errors.New("hook failed")
	e = New("hook", &echoStep{failOn: -1, panicOn: -1})
	e.OnEpochCompleted("bad", 0, func(*Engine) error { return hookErr })
	err = e.Run(ctx, &valuesDataset{values: []float32{1}}, 3)
	require.ErrorIs(t, err, hookErr)
	assert.Equal(t, 1, e.Epoch())
}

func TestEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New("cancel", &echoStep{failOn: -1, panicOn: -1})
	e.OnIteration("cancel", 0, func(e *Engine, _ []float64) error {
		if e.Iteration() == 2 {
			cancel()
		}
		return nil
	})
	err := e.Run(ctx, &valuesDataset{values: []float32{1, 2, 3, 4}}, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, e.Iteration())
}
