// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Bundle is what a Provider returns: the train and test images of a dataset.
type Bundle struct {
	// InputShape is the shape of one image: height, width and channels.
	InputShape []int

	// NumClasses is the number of distinct labels.
	NumClasses int

	// Train images have augmentation enabled. It is nil for datasets only used for evaluation.
	Train *Images

	// Test images, without augmentation.
	Test *Images
}

// Provider loads a dataset, downloading it to dataDir if needed.
type Provider func(dataDir string) (*Bundle, error)

var (
	muProviders sync.Mutex
	providers   = map[string]Provider{
		Cifar10Name: Cifar10,
		SVHNName:    SVHN,
	}
)

// Register a Provider under the given name. It overwrites a previous registration.
func Register(name string, provider Provider) {
	muProviders.Lock()
	defer muProviders.Unlock()
	providers[name] = provider
}

// Get returns the Provider registered with the given name.
func Get(name string) (Provider, error) {
	muProviders.Lock()
	defer muProviders.Unlock()
	provider, found := providers[name]
	if !found {
		names := maps.Keys(providers)
		slices.Sort(names)
		return nil, errors.Errorf("unknown dataset %q, valid values are %q", name, names)
	}
	return provider, nil
}
