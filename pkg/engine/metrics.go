// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"math"

	"github.com/pkg/errors"
)

// RunningMeans aggregates the outputs of a step function: one running mean per output name.
//
// Every call to Add must provide one value per name. The means are only defined after at least one
// Add since the last Reset.
type RunningMeans struct {
	names []string
	sums  []float64
	count int
}

// NewRunningMeans creates a RunningMeans for the given output names.
func NewRunningMeans(names []string) *RunningMeans {
	return &RunningMeans{
		names: names,
		sums:  make([]float64, len(names)),
	}
}

// Names of the aggregated values, in the order they are given to Add.
func (m *RunningMeans) Names() []string { return m.names }

// Count returns the number of Add calls since the last Reset.
func (m *RunningMeans) Count() int { return m.count }

// Reset discards all aggregated values.
func (m *RunningMeans) Reset() {
	for ii := range m.sums {
		m.sums[ii] = 0
	}
	m.count = 0
}

// Add one value per name.
func (m *RunningMeans) Add(values []float64) error {
	if len(values) != len(m.names) {
		return errors.Errorf("got %d values for %d metrics %q", len(values), len(m.names), m.names)
	}
	for ii, value := range values {
		m.sums[ii] += value
	}
	m.count++
	return nil
}

// Mean returns the current mean for the given name, and whether it is defined.
func (m *RunningMeans) Mean(name string) (float64, bool) {
	if m.count == 0 {
		return 0, false
	}
	for ii, n := range m.names {
		if n == name {
			return m.sums[ii] / float64(m.count), true
		}
	}
	return 0, false
}

// Means returns the current mean for all names. It is empty if nothing was added since the last Reset.
func (m *RunningMeans) Means() map[string]float64 {
	means := make(map[string]float64, len(m.names))
	if m.count == 0 {
		return means
	}
	for ii, name := range m.names {
		means[name] = m.sums[ii] / float64(m.count)
	}
	return means
}

// Check returns an error if any of the means is NaN or infinite, or if there is nothing aggregated.
func (m *RunningMeans) Check() error {
	if m.count == 0 {
		return errors.Errorf("no values aggregated for metrics %q", m.names)
	}
	for ii, name := range m.names {
		mean := m.sums[ii] / float64(m.count)
		if math.IsNaN(mean) || math.IsInf(mean, 0) {
			return errors.Errorf("metric %q diverged: mean over %d steps is %g", name, m.count, mean)
		}
	}
	return nil
}
