// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"bytes"
	"path"
	"testing"

	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	runDir := path.Join(t.TempDir(), "runs", "results")
	w, err := Open(runDir)
	require.NoError(t, err)
	var out bytes.Buffer
	w.Out = &out

	w.AddScalar("Loss/train", 1.5, 1)
	w.AddScalar("Accuracy/valid", 0.25, 1)
	w.AddScalar("Loss/valid", 1.25, 1)
	w.AddScalar("Accuracy/valid", 0.5, 2)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	w.AddScalar("Loss/train", 1, 3) // Ignored after Close.

	points, err := plots.LoadPoints(path.Join(runDir, ScalarsFileName))
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, plots.Point{
		MetricName: "Loss/train",
		Short:      "Loss train",
		MetricType: "loss",
		Step:       1,
		Value:      1.5,
	}, points[0])
	assert.Equal(t, "accuracy", points[3].MetricType)
	assert.Equal(t, 2.0, points[3].Step)
	assert.Equal(t, w.Points(), points)

	// The summary only includes validation metrics.
	summary := out.String()
	assert.Contains(t, summary, "Accuracy/valid")
	assert.Contains(t, summary, "Loss/valid")
	assert.NotContains(t, summary, "Loss/train")
	assert.Contains(t, summary, "0.500000")

	table, err := LoadTable(runDir, "/train")
	require.NoError(t, err)
	assert.Contains(t, table, "Loss/train")
	assert.NotContains(t, table, "Accuracy/valid")
	_, err = LoadTable(t.TempDir(), "")
	require.Error(t, err)

	// Re-opening overwrites the previous scalars.
	w, err = Open(runDir)
	require.NoError(t, err)
	w.Out = nil
	w.AddScalar("Loss/train", 3, 1)
	require.NoError(t, w.Close())
	points, err = plots.LoadPoints(w.FilePath())
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 3.0, points[0].Value)
}
