// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// duq_inspect reports on a DUQ run directory: the size of the saved model, its variables, the state of
// the class centroids and the scalars logged during training.
//
//	duq_inspect -vars -centroids runs/results
package main

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/duq/pkg/summary"
	"github.com/gomlx/duq/pkg/trainer"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSummary   = flag.Bool("summary", true, "Display a summary of the model size.")
	flagVars      = flag.Bool("vars", false, "Lists the variables of the model.")
	flagCentroids = flag.Bool("centroids", false, "Lists the per-class count and norm of the centroids.")
	flagScalars   = flag.Bool("scalars", true, "Lists the scalars logged during training, per epoch.")
	flagSuffix    = flag.String("suffix", "/valid", "Suffix of the scalars listed with -scalars. Empty lists all of them.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one run directory to inspect. See 'duq_inspect -help'.")
		os.Exit(1)
	}
	runDir := args[0]

	if *flagSummary || *flagVars || *flagCentroids {
		ctx := context.New()
		modelDir := path.Join(runDir, trainer.ModelDirName)
		_ = must.M1(checkpoints.Load(ctx).Dir(modelDir).Immediate().Done())
		if *flagSummary {
			fmt.Println(titleStyle.Render("Model"))
			fmt.Println(renderTable(false, summaryRows(modelDir, ctx)))
		}
		if *flagVars {
			fmt.Println(titleStyle.Render("Variables"))
			fmt.Println(renderTable(true, variableRows(ctx)))
		}
		if *flagCentroids {
			rows, err := centroidRows(ctx)
			if err != nil {
				klog.Fatalf("Failed to read centroids: %+v", err)
			}
			fmt.Println(titleStyle.Render("Centroids"))
			fmt.Println(renderTable(true, rows))
		}
	}

	if *flagScalars {
		table := must.M1(summary.LoadTable(runDir, *flagSuffix))
		if table == "" {
			klog.Errorf("No scalars with suffix %q in %q", *flagSuffix, runDir)
			return
		}
		fmt.Println(titleStyle.Render("Scalars"))
		fmt.Println(table)
	}
}
