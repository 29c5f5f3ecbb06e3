// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "duq.engine.progressBar"

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the minimum time between redraws of the stats table.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// BatchCounter is implemented by datasets that know how many batches an epoch has.
// It allows the progress bar to show the total number of steps from the first epoch.
type BatchCounter interface {
	NumBatches() int
}

// progressBar displays a progress bar with a table of the running means of the engine metrics.
type progressBar struct {
	out        io.Writer
	termenv    *termenv.Output
	bar        *progressbar.ProgressBar
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount             int
	epoch, maxEpochs   int
	iteration          int
	medianStepDuration time.Duration
	names              []string
	means              map[string]float64
}

// AttachProgressBar attaches to the engine a command-line progress bar, updated after every step,
// with a table of the running means of the metrics of the current epoch.
//
// Drawing is asynchronous: if the terminal is slower than the steps, updates are merged.
func AttachProgressBar(e *Engine) {
	pBar := &progressBar{out: os.Stdout}
	e.OnStart(ProgressBarName, 0, pBar.onStart)
	e.OnIteration(ProgressBarName, 0, pBar.onIteration)
	e.OnCompleted(ProgressBarName, 0, pBar.onCompleted)
}

func (pBar *progressBar) onStart(e *Engine, ds train.Dataset) error {
	numSteps := -1 // Unknown: progressbar shows a spinner.
	if counter, ok := ds.(BatchCounter); ok {
		numSteps = counter.NumBatches() * e.MaxEpochs()
	}
	pBar.termenv = termenv.NewOutput(pBar.out)
	pBar.isFirstOutput = true
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("      [bold]%s", e.Name())),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so steps are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

func (pBar *progressBar) onIteration(e *Engine, _ []float64) error {
	pBar.updates <- progressBarUpdate{
		amount:             1,
		epoch:              e.Epoch() + 1,
		maxEpochs:          e.MaxEpochs(),
		iteration:          e.Iteration(),
		medianStepDuration: e.MedianStepDuration(),
		names:              e.MetricNames(),
		means:              e.Metrics(),
	}
	return nil
}

func (pBar *progressBar) onCompleted(_ *Engine) error {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// drawUpdates runs in its own goroutine until the updates channel is closed.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Merge the updates already in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Epoch", fmt.Sprintf("%d of %d", update.epoch, update.maxEpochs))
		pBar.statsTable.Row("Iteration", humanize.Comma(int64(update.iteration)))
		pBar.statsTable.Row("Median step duration", commandline.FormatDuration(update.medianStepDuration))
		for _, name := range update.names {
			pBar.statsTable.Row(name, fmt.Sprintf("%.4f", update.means[name]))
		}

		// Move back over the previous table, so it is overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := 3 + len(update.names) + 2 + 2
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(pBar.out, "\033[J")
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
