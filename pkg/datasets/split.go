// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Split of the training data into the examples used for training and for validation.
type Split struct {
	Train, Validation *Images
}

// SplitTrainValidation splits the training images into train and validation sets.
//
// If finalModel is true, train is the full training set (augmented) and validation is exactly the test
// set. Otherwise, the training indices are shuffled with the seed, and the first int(0.8*n) (for a
// valFraction of 0.2) are used for training and the rest for validation. Validation always uses test
// time preprocessing, that is, no augmentation.
func SplitTrainValidation(trainImages, testImages *Images, valFraction float64, seed uint64, finalModel bool) (*Split, error) {
	if finalModel {
		if testImages == nil {
			return nil, errors.New("final model split requires the test set")
		}
		return &Split{
			Train:      trainImages.WithName(trainImages.Name() + "-train"),
			Validation: testImages.WithAugmentation(false).WithName(testImages.Name() + "-valid"),
		}, nil
	}
	if valFraction <= 0 || valFraction >= 1 {
		return nil, errors.Errorf("validation fraction must be in (0, 1), got %g", valFraction)
	}
	n := trainImages.Len()
	indices := make([]int, n)
	for ii := range indices {
		indices[ii] = ii
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	trainSize := int(float64(n) * (1 - valFraction))
	if trainSize == 0 || trainSize == n {
		return nil, errors.Errorf("cannot split %d examples with validation fraction %g", n, valFraction)
	}
	train, err := trainImages.Subset(trainImages.Name()+"-train", indices[:trainSize])
	if err != nil {
		return nil, err
	}
	validation, err := trainImages.Subset(trainImages.Name()+"-valid", indices[trainSize:])
	if err != nil {
		return nil, err
	}
	return &Split{Train: train, Validation: validation.WithAugmentation(false)}, nil
}
