// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package duq

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// LogFloor is the smallest probability fed to the logarithms of BinaryCrossEntropy, so a score of
// exactly 0 or 1 yields a large but finite loss.
const LogFloor = 1e-37

// BinaryCrossEntropy returns the binary cross-entropy between the targets (usually one-hot) and
// the independent per-class probabilities, averaged over all elements (batch and classes):
//
//	-mean(t*log(p) + (1-t)*log(1-p))
//
// Both logarithms have their argument floored at LogFloor.
func BinaryCrossEntropy(targets, probabilities *Node) *Node {
	if !targets.Shape().Equal(probabilities.Shape()) {
		Panicf("BinaryCrossEntropy requires targets and probabilities of the same shape, got %s and %s",
			targets.Shape(), probabilities.Shape())
	}
	logP := Log(MaxScalar(probabilities, LogFloor))
	logOneMinusP := Log(MaxScalar(OneMinus(probabilities), LogFloor))
	perElement := Add(Mul(targets, logP), Mul(OneMinus(targets), logOneMinusP))
	return Neg(ReduceAllMean(perElement))
}
