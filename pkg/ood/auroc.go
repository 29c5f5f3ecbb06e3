// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ood

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ErrSingleClass is returned by AUROC when all examples belong to the same class, and the area is undefined.
var ErrSingleClass = errors.New("AUROC requires examples of both classes")

// AUROC returns the area under the ROC curve of the given scores, where higher scores should indicate
// the positive class. Tied scores are handled as a single threshold.
//
// It returns an error if positives has a different length than scores, and NaN with ErrSingleClass if one of
// the classes has no examples.
func AUROC(positives []bool, scores []float64) (float64, error) {
	if len(positives) != len(scores) {
		return 0, errors.Errorf("AUROC: got %d labels for %d scores", len(positives), len(scores))
	}
	var numPositives int
	for _, positive := range positives {
		if positive {
			numPositives++
		}
	}
	if numPositives == 0 || numPositives == len(positives) {
		return math.NaN(), errors.WithMessagef(ErrSingleClass, "got %d positives out of %d",
			numPositives, len(positives))
	}

	// stat.ROC requires the scores sorted in increasing order.
	order := make([]int, len(scores))
	for ii := range order {
		order[ii] = ii
	}
	sort.SliceStable(order, func(i, j int) bool { return scores[order[i]] < scores[order[j]] })
	sortedScores := make([]float64, len(scores))
	sortedClasses := make([]bool, len(scores))
	for ii, idx := range order {
		sortedScores[ii] = scores[idx]
		sortedClasses[ii] = positives[idx]
	}
	tpr, fpr, _ := stat.ROC(nil, sortedScores, sortedClasses, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}
