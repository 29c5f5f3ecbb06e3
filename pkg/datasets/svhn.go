// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"bufio"
	"os"
	"path"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SVHN (Street View House Numbers) test split, in the cropped digits format.
// See http://ufldl.stanford.edu/housenumbers/
const (
	SVHNName       = "SVHN"
	SVHNTestURL    = "http://ufldl.stanford.edu/housenumbers/test_32x32.mat"
	SVHNSubDir     = "svhn"
	SVHNTestMat    = "test_32x32.mat"
	SVHNTestCache  = "test_32x32.bin"
	SVHNNumClasses = 10
)

// SVHN downloads (if needed) and loads the test split of SVHN from dataDir. It is only used as an
// out-of-distribution dataset, so the returned Bundle has no training images.
//
// The Matlab file is converted once to a binary file with records in the CIFAR-10 format, which is much
// faster to load.
func SVHN(dataDir string) (*Bundle, error) {
	baseDir := path.Join(dataDir, SVHNSubDir)
	cachePath := path.Join(baseDir, SVHNTestCache)
	exists, err := fsutil.FileExists(cachePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		matPath := path.Join(baseDir, SVHNTestMat)
		if err = DownloadIfMissing(SVHNTestURL, matPath, ""); err != nil {
			return nil, errors.WithMessage(err, "failed to download SVHN")
		}
		test, err := LoadSVHNMat(SVHNName+"-test", matPath)
		if err != nil {
			return nil, err
		}
		if err = WriteRecords(test, cachePath); err != nil {
			return nil, err
		}
		klog.V(1).Infof("converted %q to %q", matPath, cachePath)
	}
	test, err := loadRecords(SVHNName+"-test", SVHNNumClasses, cachePath)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded %s: %d test examples", SVHNName, test.Len())
	return &Bundle{
		InputShape: []int{Height, Width, Channels},
		NumClasses: SVHNNumClasses,
		Test:       test,
	}, nil
}

// LoadSVHNMat parses a SVHN Matlab file with the variables "X", shaped `[32, 32, 3, numExamples]`,
// and "y", shaped `[numExamples, 1]`, with labels from 1 to 10, where 10 stands for the digit 0.
func LoadSVHNMat(name, filePath string) (*Images, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	matFile, err := matlab.NewFileFromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse Matlab file %q", filePath)
	}
	matX, found := matFile.GetVar("X")
	if !found {
		return nil, errors.Errorf("failed to parse var \"X\" in Matlab file %q", filePath)
	}
	matY, found := matFile.GetVar("y")
	if !found {
		return nil, errors.Errorf("failed to parse var \"y\" in Matlab file %q", filePath)
	}

	yValues := matY.Value()
	labels := make([]int32, len(yValues))
	for ii, value := range yValues {
		label, err := matValueToInt(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "label %d of %q", ii, filePath)
		}
		if label == 10 {
			label = 0
		}
		if label < 0 || label >= SVHNNumClasses {
			return nil, errors.Errorf("invalid label %d for example %d of %q", label, ii, filePath)
		}
		labels[ii] = int32(label)
	}

	// Matlab is column-major: the value (h, w, c, n) is at h + Height*(w + Width*(c + Channels*n)).
	xValues := matX.Value()
	const imageSize = Height * Width * Channels
	numExamples := len(labels)
	if len(xValues) != imageSize*numExamples {
		return nil, errors.Errorf("%q has %d pixel values for %d labels", filePath, len(xValues), numExamples)
	}
	pixels := make([]uint8, imageSize*numExamples)
	pos := 0
	for n := range numExamples {
		for h := range Height {
			for w := range Width {
				for c := range Channels {
					value, err := matValueToInt(xValues[h+Height*(w+Width*(c+Channels*n))])
					if err != nil {
						return nil, errors.WithMessagef(err, "pixel of example %d of %q", n, filePath)
					}
					pixels[pos] = uint8(value)
					pos++
				}
			}
		}
	}
	return NewImages(name, Height, Width, Channels, pixels, labels)
}

func matValueToInt(value any) (int, error) {
	switch v := value.(type) {
	case uint8:
		return int(v), nil
	case int8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case uint32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case float32:
		return int(v), nil
	default:
		return 0, errors.Errorf("unsupported Matlab value type %T", value)
	}
}

// WriteRecords writes the images (without augmentation) in the CIFAR-10 binary format: for each
// example, one label byte followed by the pixels in `[channels, height, width]` order.
func WriteRecords(images *Images, filePath string) error {
	height, width, channels := images.Dimensions()
	if err := os.MkdirAll(path.Dir(filePath), 0777); err != nil {
		return errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	tmpPath := filePath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmpPath)
	}
	bw := bufio.NewWriter(f)
	imageSize := images.ImageSize()
	record := make([]byte, 1+imageSize)
	for ii := range images.Len() {
		stored := images.storedIndex(ii)
		hwc := images.pixels[stored*imageSize : (stored+1)*imageSize]
		record[0] = byte(images.Label(ii))
		for h := range height {
			for w := range width {
				for c := range channels {
					record[1+c*height*width+h*width+w] = hwc[(h*width+w)*channels+c]
				}
			}
		}
		if _, err = bw.Write(record); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to write %q", tmpPath)
		}
	}
	if err = bw.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	return errors.Wrapf(os.Rename(tmpPath, filePath), "failed to move %q to %q", tmpPath, filePath)
}
