// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CIFAR-10 binary version, see https://www.cs.toronto.edu/~kriz/cifar.html
const (
	Cifar10Name     = "CIFAR10"
	Cifar10URL      = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	Cifar10TarName  = "cifar-10-binary.tar.gz"
	Cifar10SubDir   = "cifar-10-batches-bin"
	Cifar10Checksum = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// Cifar10NumClasses is the number of labels of CIFAR-10.
	Cifar10NumClasses = 10

	// Cifar10ExamplesPerFile is the number of examples in each of the binary files.
	Cifar10ExamplesPerFile = 10000

	// Cifar10NumTrainFiles is the number of training files, data_batch_1.bin to data_batch_5.bin.
	Cifar10NumTrainFiles = 5
)

// Dimensions of CIFAR (and SVHN) images.
const (
	Height   = 32
	Width    = 32
	Channels = 3
)

// Cifar10Labels are the names of the CIFAR-10 classes, by label.
var Cifar10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// Cifar10 downloads (if needed) and loads the CIFAR-10 dataset from dataDir.
// Training images have augmentation enabled, test images don't.
func Cifar10(dataDir string) (*Bundle, error) {
	err := DownloadAndUntarIfMissing(Cifar10URL, dataDir, Cifar10TarName, Cifar10SubDir, Cifar10Checksum)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to download CIFAR-10")
	}
	baseDir := path.Join(dataDir, Cifar10SubDir)
	trainFiles := make([]string, Cifar10NumTrainFiles)
	for ii := range trainFiles {
		trainFiles[ii] = path.Join(baseDir, fmt.Sprintf("data_batch_%d.bin", ii+1))
	}
	train, err := LoadCifar10Files(Cifar10Name+"-train", trainFiles...)
	if err != nil {
		return nil, err
	}
	test, err := LoadCifar10Files(Cifar10Name+"-test", path.Join(baseDir, "test_batch.bin"))
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded %s: %d train and %d test examples", Cifar10Name, train.Len(), test.Len())
	return &Bundle{
		InputShape: []int{Height, Width, Channels},
		NumClasses: Cifar10NumClasses,
		Train:      train.WithAugmentation(true),
		Test:       test,
	}, nil
}

// LoadCifar10Files parses CIFAR-10 binary files: each record is one label byte followed by the image
// pixels in `[channels, height, width]` order. The pixels are converted to `[height, width, channels]`.
func LoadCifar10Files(name string, filePaths ...string) (*Images, error) {
	return loadRecords(name, Cifar10NumClasses, filePaths...)
}

// loadRecords parses files with records in the CIFAR-10 binary format, for 32x32 RGB images.
func loadRecords(name string, numClasses int, filePaths ...string) (*Images, error) {
	const imageSize = Height * Width * Channels
	var pixels []uint8
	var labels []int32
	record := make([]byte, 1+imageSize)
	for _, filePath := range filePaths {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "opening data file %q", filePath)
		}
		r := bufio.NewReader(f)
		for exampleIdx := 0; ; exampleIdx++ {
			_, err = io.ReadFull(r, record)
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = f.Close()
				return nil, errors.Wrapf(err, "reading example %d from %q", exampleIdx, filePath)
			}
			if int(record[0]) >= numClasses {
				_ = f.Close()
				return nil, errors.Errorf("invalid label %d in example %d of %q", record[0], exampleIdx, filePath)
			}
			labels = append(labels, int32(record[0]))
			pixels = appendCHWAsHWC(pixels, record[1:], Height, Width, Channels)
		}
		_ = f.Close()
	}
	return NewImages(name, Height, Width, Channels, pixels, labels)
}

// appendCHWAsHWC appends to pixels the image given in `[channels, height, width]` order, transposed to
// `[height, width, channels]`.
func appendCHWAsHWC(pixels, image []byte, height, width, channels int) []byte {
	for h := range height {
		for w := range width {
			for c := range channels {
				pixels = append(pixels, image[c*height*width+h*width+w])
			}
		}
	}
	return pixels
}
