// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// duq trains a Deterministic Uncertainty Quantification (DUQ) classifier on CIFAR-10, and evaluates its
// uncertainty as a detector of out-of-distribution (SVHN) and misclassified images.
//
// Hyperparameters are set with -set, e.g.:
//
//	duq -set="architecture=WRN;epochs=75;output_dir=wrn"
//
// The scalars of the run and the final model are saved in <runs>/<output_dir>.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/duq/pkg/trainer"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataDir    = flag.String("data", "~/work/duq", "Directory to cache downloaded and generated dataset files.")
	flagRunsDir    = flag.String("runs", "runs", "Root directory of the runs: results are saved under <runs>/<output_dir>.")
	flagDataset    = flag.String("dataset", "CIFAR10", "Training dataset.")
	flagOODDataset = flag.String("ood_dataset", "SVHN", "Out-of-distribution dataset. Set to empty to skip the out-of-distribution evaluation.")
	flagProgress   = flag.Bool("progress", true, "Display a progress bar while training.")
	flagNumWorkers = flag.Int("num_workers", 4, "Number of goroutines assembling batches.")
)

// createDefaultContext sets the context with the default hyperparameters.
func createDefaultContext() *mlctx.Context {
	ctx := mlctx.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(trainer.DefaultParams())
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	fmt.Println("input args:")
	fmt.Println(commandline.SprintContextSettings(ctx))
	if len(paramsSet) > 0 {
		klog.V(1).Infof("modified settings: %s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	cfg := trainer.ConfigFromContext(ctx)
	if err := cfg.ValidateHyperparameters(); err != nil {
		klog.Fatalf("Invalid settings: %+v", err)
	}

	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	runDir := cfg.RunDir(*flagRunsDir)
	must.M(os.MkdirAll(runDir, 0777))

	backend, err := backends.New()
	if err != nil {
		klog.Fatalf("Failed to create backend: %+v", err)
	}
	klog.Infof("Backend %q: %s", backend.Name(), backend.Description())

	goCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	result, err := trainer.Run(goCtx, ctx, trainer.Options{
		Backend:     backend,
		DataDir:     dataDir,
		RunsDir:     *flagRunsDir,
		Dataset:     *flagDataset,
		OODDataset:  *flagOODDataset,
		NumWorkers:  *flagNumWorkers,
		ProgressBar: *flagProgress,
	})
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
	klog.Infof("Run saved in %q", result.RunDir)
}
