// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets provides the image datasets used to train and evaluate DUQ models:
// CIFAR-10 (in-distribution), the SVHN test split (out-of-distribution) and small synthetic datasets
// used in tests.
//
// Images are kept in memory as bytes, laid out as `[example, height, width, channels]`, and converted
// to normalized float32 batches (with optional augmentation) by a Loader, which implements train.Dataset.
package datasets

import (
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
)

// Mean and Std per channel used to normalize every dataset, as for CIFAR-10.
var (
	Mean = []float32{0.4914, 0.4822, 0.4465}
	Std  = []float32{0.2023, 0.1994, 0.2010}
)

const (
	// CropPadding is the zero padding added to each side of the image before the random crop.
	CropPadding = 4
)

// Images is an in-memory set of labeled images, with their preprocessing configuration.
//
// It is immutable: Subset and WithAugmentation return new views sharing the same pixel storage.
type Images struct {
	name                    string
	height, width, channels int

	// pixels are shared among views, shaped [numStored, height, width, channels].
	pixels []uint8
	labels []int32

	// indices of the stored examples in this view. If nil, all stored examples in order.
	indices []int

	augment bool
}

// NewImages creates a set of images from the raw pixels, laid out as `[example, height, width, channels]`
// with values from 0 to 255, and one label per example.
func NewImages(name string, height, width, channels int, pixels []uint8, labels []int32) (*Images, error) {
	if height <= 0 || width <= 0 || channels <= 0 {
		return nil, errors.Errorf("invalid image dimensions %dx%dx%d for %q", height, width, channels, name)
	}
	if channels != len(Mean) {
		return nil, errors.Errorf("images %q have %d channels, but normalization is defined for %d",
			name, channels, len(Mean))
	}
	imageSize := height * width * channels
	if len(pixels) != imageSize*len(labels) {
		return nil, errors.Errorf("images %q: %d bytes of pixels for %d labels of %dx%dx%d images",
			name, len(pixels), len(labels), height, width, channels)
	}
	return &Images{
		name:     name,
		height:   height,
		width:    width,
		channels: channels,
		pixels:   pixels,
		labels:   labels,
	}, nil
}

// Name of the set of images.
func (im *Images) Name() string { return im.name }

// Len returns the number of examples.
func (im *Images) Len() int {
	if im.indices == nil {
		return len(im.labels)
	}
	return len(im.indices)
}

// Dimensions returns height, width and channels of each image.
func (im *Images) Dimensions() (height, width, channels int) {
	return im.height, im.width, im.channels
}

// ImageSize is the number of values of one image.
func (im *Images) ImageSize() int { return im.height * im.width * im.channels }

// Augmented returns whether random crop and horizontal flip are applied to the images.
func (im *Images) Augmented() bool { return im.augment }

// Label of the example idx.
func (im *Images) Label(idx int) int32 { return im.labels[im.storedIndex(idx)] }

func (im *Images) storedIndex(idx int) int {
	if im.indices == nil {
		return idx
	}
	return im.indices[idx]
}

// WithAugmentation returns a view of the same images with augmentation enabled or disabled.
func (im *Images) WithAugmentation(augment bool) *Images {
	view := *im
	view.augment = augment
	return &view
}

// WithName returns a view of the same images with a new name.
func (im *Images) WithName(name string) *Images {
	view := *im
	view.name = name
	return &view
}

// Subset returns a view with the examples of the given indices (relative to im), in the given order.
func (im *Images) Subset(name string, indices []int) (*Images, error) {
	n := im.Len()
	stored := make([]int, len(indices))
	for ii, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, errors.Errorf("subset %q of %q: index %d out of range (%d examples)", name, im.name, idx, n)
		}
		stored[ii] = im.storedIndex(idx)
	}
	view := *im
	view.name = name
	view.indices = stored
	return &view, nil
}

// StoredIndices returns the indices in the underlying storage of the examples of this view. Two views
// derived from the same images refer to the same example if they share the stored index.
func (im *Images) StoredIndices() []int {
	if im.indices == nil {
		indices := make([]int, len(im.labels))
		for ii := range indices {
			indices[ii] = ii
		}
		return indices
	}
	return slices.Clone(im.indices)
}

// FillExample writes the normalized example idx into dst (of size ImageSize), in `[height, width, channels]` order.
//
// If augmentation is enabled, rng picks the crop offsets and the flip. Otherwise rng is not used and can be nil.
func (im *Images) FillExample(idx int, dst []float32, rng *rand.Rand) {
	src := im.pixels[im.storedIndex(idx)*im.ImageSize():]
	offsetY, offsetX, flip := 0, 0, false
	if im.augment {
		offsetY = rng.IntN(2*CropPadding+1) - CropPadding
		offsetX = rng.IntN(2*CropPadding+1) - CropPadding
		flip = rng.IntN(2) == 1
	}
	pos := 0
	for h := range im.height {
		srcH := h + offsetY
		for w := range im.width {
			srcW := w
			if flip {
				srcW = im.width - 1 - w
			}
			srcW += offsetX
			inside := srcH >= 0 && srcH < im.height && srcW >= 0 && srcW < im.width
			for c := range im.channels {
				var value float32 // Padding is zero before normalization.
				if inside {
					value = float32(src[(srcH*im.width+srcW)*im.channels+c]) / 255
				}
				dst[pos] = (value - Mean[c]) / Std[c]
				pos++
			}
		}
	}
}
