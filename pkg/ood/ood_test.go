// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ood

import (
	"math"
	"testing"

	"github.com/gomlx/duq/pkg/datasets"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAUROC(t *testing.T) {
	auroc, err := AUROC([]bool{false, false, true, true}, []float64{0.1, 0.4, 0.35, 0.8})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, auroc, 1e-9)

	auroc, err = AUROC([]bool{true, false, true, false}, []float64{3, 1, 4, 2})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, auroc, 1e-9)

	auroc, err = AUROC([]bool{true, false, true, false}, []float64{1, 3, 2, 4})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, auroc, 1e-9)

	// Ties count as half.
	auroc, err = AUROC([]bool{true, false, true, false}, []float64{1, 1, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, auroc, 1e-9)

	auroc, err = AUROC([]bool{true, true}, []float64{1, 2})
	require.ErrorIs(t, err, ErrSingleClass)
	assert.True(t, math.IsNaN(auroc))

	_, err = AUROC([]bool{true}, []float64{1, 2})
	require.Error(t, err)
}

// encodedScorer reads from the first pixel of each image the predicted class (channel 0) and its
// score (channel 1), and scores all other classes with 0.
type encodedScorer struct {
	numClasses int
	calls      int
}

func (s *encodedScorer) Scores(images *tensors.Tensor) (*tensors.Tensor, error) {
	s.calls++
	dims := images.Shape().Dimensions
	batchSize, imageSize := dims[0], dims[1]*dims[2]*dims[3]
	flat := tensors.MustCopyFlatData[float32](images)
	scores := make([]float32, batchSize*s.numClasses)
	for ii := range batchSize {
		pixel := flat[ii*imageSize:]
		class := int(math.Round(float64(raw(pixel[0], 0))))
		score := raw(pixel[1], 1) / 255
		scores[ii*s.numClasses+class] = score
	}
	return tensors.FromFlatDataAndDimensions(scores, batchSize, s.numClasses), nil
}

func raw(value float32, channel int) float32 {
	return (value*datasets.Std[channel] + datasets.Mean[channel]) * 255
}

// encodedImages creates 2x2 images whose first pixel encodes the prediction and score for encodedScorer.
func encodedImages(t *testing.T, name string, labels, predictions []int32, scores []uint8) *datasets.Images {
	const imageSize = 2 * 2 * datasets.Channels
	pixels := make([]uint8, len(labels)*imageSize)
	for ii := range labels {
		pixels[ii*imageSize] = uint8(predictions[ii])
		pixels[ii*imageSize+1] = scores[ii]
	}
	images, err := datasets.NewImages(name, 2, 2, datasets.Channels, pixels, labels)
	require.NoError(t, err)
	return images
}

func TestCifarSVHN(t *testing.T) {
	// 600 in-distribution examples (more than one batch), 3 of every 4 correctly predicted, and all of them
	// more confident than the out-of-distribution ones.
	const numIn, numOut = 600, 100
	labels, predictions, scores := make([]int32, numIn), make([]int32, numIn), make([]uint8, numIn)
	for ii := range numIn {
		labels[ii] = int32(ii % 3)
		predictions[ii] = labels[ii]
		if ii%4 == 0 {
			predictions[ii] = (labels[ii] + 1) % 3
		}
		scores[ii] = uint8(200 + ii%50)
	}
	inDist := encodedImages(t, "in", labels, predictions, scores)
	oodLabels, oodPredictions, oodScores := make([]int32, numOut), make([]int32, numOut), make([]uint8, numOut)
	for ii := range numOut {
		oodScores[ii] = uint8(10 + ii%100)
	}
	outDist := encodedImages(t, "out", oodLabels, oodPredictions, oodScores)

	scorer := &encodedScorer{numClasses: 3}
	accuracy, auroc, err := CifarSVHN(scorer, DefaultBatchSize, inDist, outDist)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, accuracy, 1e-9)
	assert.InDelta(t, 1.0, auroc, 1e-9)
	assert.Equal(t, 3, scorer.calls) // 500 + 100 in-distribution, 100 out-of-distribution.

	// The batch size is only a parameter of the call: results don't change, the number of batches does.
	scorer = &encodedScorer{numClasses: 3}
	accuracy2, auroc2, err := CifarSVHN(scorer, 64, inDist, outDist)
	require.NoError(t, err)
	assert.Equal(t, accuracy, accuracy2)
	assert.Equal(t, auroc, auroc2)
	assert.Equal(t, 10+2, scorer.calls) // ceil(600/64) in-distribution, ceil(100/64) out-of-distribution.

	_, _, err = CifarSVHN(scorer, 0, inDist, outDist)
	require.Error(t, err)
}

func TestClassification(t *testing.T) {
	// Wrong predictions have lower scores than right ones.
	labels := []int32{0, 1, 2, 0, 1, 2}
	predictions := []int32{0, 1, 2, 1, 2, 2}
	scores := []uint8{250, 240, 100, 50, 60, 230}
	images := encodedImages(t, "valid", labels, predictions, scores)
	accuracy, auroc, err := Classification(&encodedScorer{numClasses: 3}, DefaultBatchSize, images)
	require.NoError(t, err)
	assert.InDelta(t, 4.0/6.0, accuracy, 1e-9)
	// Wrong examples have uncertainties -0.196 and -0.235, right ones -0.98, -0.94, -0.39 and -0.90:
	// every wrong one is more uncertain than every right one.
	assert.InDelta(t, 1.0, auroc, 1e-9)

	// All predictions right: AUROC is undefined, but it is not an error.
	accuracy, auroc, err = Classification(&encodedScorer{numClasses: 3}, 4,
		encodedImages(t, "right", labels, labels, scores))
	require.NoError(t, err)
	assert.Equal(t, 1.0, accuracy)
	assert.True(t, math.IsNaN(auroc))
}
