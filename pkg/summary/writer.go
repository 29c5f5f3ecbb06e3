// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary writes the scalars logged during training (losses, accuracies, AUROCs) to a run
// directory, one JSON encoded plots.Point per line, so they can be loaded with plots.LoadPoints and plotted
// by the GoMLX plotting tools.
package summary

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ScalarsFileName is the name of the file with the scalars within the run directory.
const ScalarsFileName = "scalars.json"

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

// Writer of scalars to a run directory. It is safe for concurrent use.
//
// Scalars are written asynchronously, and Close waits for all of them to be written.
type Writer struct {
	filePath string

	mu        sync.Mutex
	points    []plots.Point
	pointsOut chan<- plots.Point
	errReport <-chan error
	closed    bool

	// Out is where Close prints the summary table. Defaults to os.Stdout; set to nil to disable it.
	Out io.Writer

	// TableSuffix selects the tags included in the summary table printed by Close.
	TableSuffix string
}

// Open creates the run directory, if needed, and a Writer to its ScalarsFileName. A previous scalars file
// is overwritten.
func Open(runDir string) (*Writer, error) {
	if err := os.MkdirAll(runDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create run directory %q", runDir)
	}
	filePath := path.Join(runDir, ScalarsFileName)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to remove previous scalars file %q", filePath)
	}
	w := &Writer{
		filePath:    filePath,
		Out:         os.Stdout,
		TableSuffix: "/valid",
	}
	w.pointsOut, w.errReport = plots.CreatePointsWriter(filePath)
	return w, nil
}

// FilePath of the scalars file.
func (w *Writer) FilePath() string { return w.filePath }

// AddScalar logs the value of the scalar tag (e.g. "Loss/train") at the given step (the epoch).
// The prefix of the tag, before the "/", is used as the metric type, to group them in plots.
func (w *Writer) AddScalar(tag string, value float64, step int) {
	metricType, _, _ := strings.Cut(tag, "/")
	point := plots.Point{
		MetricName: tag,
		Short:      strings.ReplaceAll(tag, "/", " "),
		MetricType: strings.ToLower(metricType),
		Step:       float64(step),
		Value:      value,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		klog.Errorf("summary writer %q: scalar %q added after Close", w.filePath, tag)
		return
	}
	w.points = append(w.points, point)
	w.pointsOut <- point
}

// Points returns a copy of all the points added so far.
func (w *Writer) Points() []plots.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]plots.Point(nil), w.points...)
}

// Table returns a table with one row per step (epoch), and one column per tag with the given suffix.
// If suffix is empty, all tags are included.
func (w *Writer) Table(suffix string) string {
	return tableForSuffix(w.Points(), suffix)
}

// LoadTable reads the scalars saved in runDir and returns the same table as Writer.Table.
func LoadTable(runDir, suffix string) (string, error) {
	filePath := path.Join(runDir, ScalarsFileName)
	points, err := plots.LoadPoints(filePath)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to load scalars from %q", filePath)
	}
	return tableForSuffix(points, suffix), nil
}

func tableForSuffix(allPoints []plots.Point, suffix string) string {
	points := plots.NewPoints(allPoints)
	var metrics []string
	for _, name := range points.MetricsNames() {
		if strings.HasSuffix(name, suffix) {
			metrics = append(metrics, name)
		}
	}
	if len(metrics) == 0 {
		return ""
	}
	return points.TableForMetrics(metrics...)
}

// Close flushes the points to the file, and prints the summary table to Out.
// It is safe to call it more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.pointsOut)
	w.mu.Unlock()

	err := <-w.errReport
	if err != nil {
		return errors.WithMessagef(err, "summary writer %q", w.filePath)
	}
	if w.Out != nil {
		if table := w.Table(w.TableSuffix); table != "" {
			_, _ = fmt.Fprintln(w.Out, titleStyle.Render("Summary"))
			_, _ = fmt.Fprintln(w.Out, table)
		}
	}
	return nil
}
