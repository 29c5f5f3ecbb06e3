// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// SyntheticName is the prefix of the names of synthetic datasets.
const SyntheticName = "synthetic"

// Synthetic creates a small random dataset that can be learned: each class has a random prototype
// color per channel, and every image is its prototype with uniform noise.
//
// It is deterministic for a given seed. Training images have augmentation enabled.
func Synthetic(numClasses, numTrain, numTest, height, width int, seed uint64) (*Bundle, error) {
	if numClasses <= 0 || numTrain <= 0 || numTest <= 0 {
		return nil, errors.Errorf("invalid synthetic dataset: %d classes, %d train and %d test examples",
			numClasses, numTrain, numTest)
	}
	rng := rand.New(rand.NewPCG(seed, uint64(numClasses)))
	prototypes := make([][Channels]float64, numClasses)
	for ii := range prototypes {
		for c := range Channels {
			prototypes[ii][c] = 40 + 175*rng.Float64()
		}
	}
	generate := func(name string, n int) (*Images, error) {
		pixels := make([]uint8, n*height*width*Channels)
		labels := make([]int32, n)
		pos := 0
		for ii := range n {
			label := ii % numClasses
			labels[ii] = int32(label)
			for range height * width {
				for c := range Channels {
					value := prototypes[label][c] + 80*(rng.Float64()-0.5)
					pixels[pos] = uint8(min(max(value, 0), 255))
					pos++
				}
			}
		}
		return NewImages(name, height, width, Channels, pixels, labels)
	}
	train, err := generate(fmt.Sprintf("%s-%d-train", SyntheticName, numClasses), numTrain)
	if err != nil {
		return nil, err
	}
	test, err := generate(fmt.Sprintf("%s-%d-test", SyntheticName, numClasses), numTest)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		InputShape: []int{height, width, Channels},
		NumClasses: numClasses,
		Train:      train.WithAugmentation(true),
		Test:       test,
	}, nil
}
