// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ood evaluates how well the uncertainty of a classifier detects out-of-distribution examples and
// misclassified examples.
//
// The uncertainty of an example is the negative of its highest class score: an example far from every
// class centroid is uncertain.
package ood

import (
	"io"
	"math"

	"github.com/gomlx/duq/pkg/datasets"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBatchSize is the batch size used to score the images in the out-of-distribution evaluation.
const DefaultBatchSize = 500

// Scorer returns the per-class scores, shaped `[batch, numClasses]`, for a batch of images.
type Scorer interface {
	Scores(images *tensors.Tensor) (*tensors.Tensor, error)
}

// Predictions of a Scorer over a set of images.
type Predictions struct {
	// Uncertainties is the negative of the highest score for each example.
	Uncertainties []float64

	// Correct reports whether the class with the highest score is the label of the example.
	Correct []bool
}

// Accuracy is the fraction of correct predictions.
func (p *Predictions) Accuracy() float64 {
	if len(p.Correct) == 0 {
		return math.NaN()
	}
	var numCorrect int
	for _, correct := range p.Correct {
		if correct {
			numCorrect++
		}
	}
	return float64(numCorrect) / float64(len(p.Correct))
}

// Predict scores all the images, in order, without augmentation, in batches of batchSize.
// The last incomplete batch is also scored.
func Predict(scorer Scorer, images *datasets.Images, batchSize int) (*Predictions, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d to score %q", batchSize, images.Name())
	}
	loader := datasets.NewLoader(images.WithAugmentation(false), batchSize)
	defer loader.Reset()
	predictions := &Predictions{
		Uncertainties: make([]float64, 0, images.Len()),
		Correct:       make([]bool, 0, images.Len()),
	}
	for {
		_, inputs, labels, err := loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		err = predictions.addBatch(scorer, inputs[0], labels[0])
		datasets.FreeTensors(inputs[0], labels[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "scoring %q", images.Name())
		}
	}
	return predictions, nil
}

func (p *Predictions) addBatch(scorer Scorer, images, labels *tensors.Tensor) error {
	scores, err := scorer.Scores(images)
	if err != nil {
		return err
	}
	defer datasets.FreeTensors(scores)
	dims := scores.Shape().Dimensions
	if len(dims) != 2 || dims[0] != labels.Shape().Dimensions[0] {
		return errors.Errorf("scores shaped %s for %d labels, wanted [batch, numClasses]",
			scores.Shape(), labels.Shape().Dimensions[0])
	}
	batchSize, numClasses := dims[0], dims[1]
	flatScores := tensors.MustCopyFlatData[float32](scores)
	flatLabels := tensors.MustCopyFlatData[int32](labels)
	for ii := range batchSize {
		exampleScores := flatScores[ii*numClasses : (ii+1)*numClasses]
		best := 0
		for class, score := range exampleScores {
			if score > exampleScores[best] {
				best = class
			}
		}
		p.Uncertainties = append(p.Uncertainties, -float64(exampleScores[best]))
		p.Correct = append(p.Correct, int32(best) == flatLabels[ii])
	}
	return nil
}

// CifarSVHN scores the in-distribution images followed by the out-of-distribution ones, and returns the
// accuracy on the in-distribution images and the AUROC of the uncertainty as a detector of the
// out-of-distribution ones (anomaly label 0 for in-distribution, 1 for out-of-distribution).
// Images are scored in batches of batchSize.
func CifarSVHN(scorer Scorer, batchSize int, inDistribution, outOfDistribution *datasets.Images) (accuracy, auroc float64, err error) {
	inPredictions, err := Predict(scorer, inDistribution, batchSize)
	if err != nil {
		return 0, 0, err
	}
	outPredictions, err := Predict(scorer, outOfDistribution, batchSize)
	if err != nil {
		return 0, 0, err
	}
	numIn, numOut := len(inPredictions.Uncertainties), len(outPredictions.Uncertainties)
	anomalies := make([]bool, numIn+numOut)
	for ii := numIn; ii < len(anomalies); ii++ {
		anomalies[ii] = true
	}
	uncertainties := append(inPredictions.Uncertainties, outPredictions.Uncertainties...)
	auroc, err = AUROC(anomalies, uncertainties)
	if err = undefinedIsNaN(err); err != nil {
		return 0, 0, errors.WithMessagef(err, "OOD detection of %q vs %q", inDistribution.Name(), outOfDistribution.Name())
	}
	accuracy = inPredictions.Accuracy()
	klog.V(1).Infof("OOD %q vs %q: accuracy=%.4f, AUROC=%.4f", inDistribution.Name(), outOfDistribution.Name(),
		accuracy, auroc)
	return accuracy, auroc, nil
}

// Classification scores the images and returns the accuracy and the AUROC of the uncertainty as a detector
// of the misclassified examples (target 1 - correct).
func Classification(scorer Scorer, batchSize int, images *datasets.Images) (accuracy, auroc float64, err error) {
	predictions, err := Predict(scorer, images, batchSize)
	if err != nil {
		return 0, 0, err
	}
	wrong := make([]bool, len(predictions.Correct))
	for ii, correct := range predictions.Correct {
		wrong[ii] = !correct
	}
	auroc, err = AUROC(wrong, predictions.Uncertainties)
	if err = undefinedIsNaN(err); err != nil {
		return 0, 0, errors.WithMessagef(err, "misclassification detection on %q", images.Name())
	}
	return predictions.Accuracy(), auroc, nil
}

// undefinedIsNaN accepts an undefined AUROC (all predictions right or all wrong), which is then reported as NaN.
func undefinedIsNaN(err error) error {
	if errors.Is(err, ErrSingleClass) {
		klog.Warningf("%v: AUROC reported as NaN", err)
		return nil
	}
	return err
}
