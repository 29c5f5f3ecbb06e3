// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/duq/pkg/duq"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle  = lipgloss.NewStyle().Faint(false).PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
)

// renderTable renders the rows. If withHeader, the first row is the header.
func renderTable(withHeader bool, rows [][]string) string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 && !withHeader {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
	if withHeader && len(rows) > 0 {
		table.Headers(rows[0]...)
		rows = rows[1:]
	}
	for _, row := range rows {
		table.Row(row...)
	}
	return table.Render()
}

func summaryRows(modelDir string, ctx *context.Context) [][]string {
	var numVars, totalSize int
	var totalMemory uintptr
	for v := range ctx.IterVariables() {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	}
	return [][]string{
		{"model", modelDir},
		{"# variables", humanize.Comma(int64(numVars))},
		{"# parameters", humanize.Comma(int64(totalSize))},
		{"# bytes", humanize.IBytes(uint64(totalMemory))},
	}
}

// float64Values returns the values of a float tensor, converted to float64.
func float64Values(t *tensors.Tensor) ([]float64, bool) {
	switch t.DType() {
	case dtypes.Float32:
		flat := tensors.MustCopyFlatData[float32](t)
		values := make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v)
		}
		return values, true
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t), true
	}
	return nil, false
}

// variableRows lists the variables sorted by scope and name, with the header "Scope", "Name", "Shape",
// "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV".
//
// MAV is the mean absolute value, RMS the root mean square and MaxAV the max absolute value.
func variableRows(ctx *context.Context) [][]string {
	var rows [][]string
	for v := range ctx.IterVariables() {
		shape := v.Shape()
		var mav, rms, maxAV string
		value := v.MustValue()
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%v", value.Value())
		} else if values, ok := float64Values(value); ok && len(values) > 0 {
			n := float64(len(values))
			rms = fmt.Sprintf("%.3g", math.Sqrt(floats.Dot(values, values)/n))
			for ii, x := range values {
				values[ii] = math.Abs(x)
			}
			mav = fmt.Sprintf("%.3g", floats.Sum(values)/n)
			maxAV = fmt.Sprintf("%.3g", floats.Max(values))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.IBytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	header := []string{"Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV"}
	return append([][]string{header}, rows...)
}

// centroidRows lists, per class, the EMA count N and the L2 norm of the centroid m/N.
func centroidRows(ctx *context.Context) ([][]string, error) {
	scope := context.RootScope + duq.ModelScope + context.ScopeSeparator + duq.CentroidsScope
	countVar := ctx.GetVariableByScopeAndName(scope, "N")
	sumVar := ctx.GetVariableByScopeAndName(scope, "m")
	if countVar == nil || sumVar == nil {
		return nil, errors.Errorf("centroid variables N and m not found in scope %q", scope)
	}
	counts, ok := float64Values(countVar.MustValue())
	if !ok {
		return nil, errors.Errorf("centroid counts have dtype %s", countVar.Shape().DType)
	}
	sums, ok := float64Values(sumVar.MustValue())
	if !ok {
		return nil, errors.Errorf("centroid sums have dtype %s", sumVar.Shape().DType)
	}
	numClasses := len(counts)
	if numClasses == 0 || len(sums)%numClasses != 0 {
		return nil, errors.Errorf("centroid sums shaped %s don't match %d counts", sumVar.Shape(), numClasses)
	}
	rows := [][]string{{"Class", "N", "|m/N|"}}
	column := make([]float64, len(sums)/numClasses)
	for class, count := range counts {
		// m is shaped [centroidSize, numClasses].
		for ii := range column {
			column[ii] = sums[ii*numClasses+class] / count
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", class),
			fmt.Sprintf("%.2f", count),
			fmt.Sprintf("%.4f", floats.Norm(column, 2)),
		})
	}
	return rows, nil
}
