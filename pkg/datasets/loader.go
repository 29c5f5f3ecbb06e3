// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Loader yields batches of Images: it implements train.Dataset.
//
// Each batch yields one input, the normalized images shaped `[batch, height, width, channels]` of Float32,
// and one label, the labels shaped `[batch]` of Int32.
//
// Batches are assembled in parallel by a pool of workers, but they are always yielded in order. Shuffling
// and augmentation are seeded per epoch and per batch, so the batches don't depend on the number of workers.
type Loader struct {
	images     *Images
	batchSize  int
	shuffle    bool
	dropLast   bool
	numWorkers int
	prefetch   int
	seed       uint64

	// epoch is the number of epochs started.
	epoch int

	// current epoch state.
	running bool
	next    int
	futures []*batchFuture
	cancel  context.CancelFunc
	group   *errgroup.Group

	// tokens bound the number of batches prepared ahead of the consumer.
	tokens        chan struct{}
	schedulerDone chan struct{}
}

var _ train.Dataset = (*Loader)(nil)

// batchFuture is the result of one batch, available once done is closed.
type batchFuture struct {
	done           chan struct{}
	images, labels *tensors.Tensor
	err            error
}

// NewLoader creates a Loader for the images with the given batch size.
// By default, it doesn't shuffle, it yields the last incomplete batch and it uses 1 worker.
func NewLoader(images *Images, batchSize int) *Loader {
	return &Loader{
		images:     images,
		batchSize:  batchSize,
		numWorkers: 1,
		prefetch:   2,
	}
}

// Shuffle the order of the examples at every epoch, with a permutation seeded by seed and the epoch number.
// It returns the Loader, so configuration calls can be cascaded.
func (l *Loader) Shuffle(seed uint64) *Loader {
	l.shuffle = true
	l.seed = seed
	return l
}

// Seed used for augmentation (and shuffling, if enabled).
// It returns the Loader, so configuration calls can be cascaded.
func (l *Loader) Seed(seed uint64) *Loader {
	l.seed = seed
	return l
}

// DropIncompleteBatch configures whether the last batch of an epoch is dropped if it has fewer than
// batchSize examples.
// It returns the Loader, so configuration calls can be cascaded.
func (l *Loader) DropIncompleteBatch(drop bool) *Loader {
	l.dropLast = drop
	return l
}

// Workers sets the number of goroutines assembling batches, and the number of batches prepared ahead
// per worker. Values <= 0 are set to 1.
// It returns the Loader, so configuration calls can be cascaded.
func (l *Loader) Workers(numWorkers int) *Loader {
	l.numWorkers = max(numWorkers, 1)
	l.prefetch = 2 * l.numWorkers
	return l
}

// Name implements train.Dataset.
func (l *Loader) Name() string { return l.images.Name() }

// Images returns the underlying images.
func (l *Loader) Images() *Images { return l.images }

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.batchSize }

// NumBatches returns the number of batches yielded per epoch.
func (l *Loader) NumBatches() int {
	n := l.images.Len()
	if l.batchSize <= 0 {
		return 0
	}
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

// Reset implements train.Dataset. It stops any epoch in progress, and the next Yield starts a new one.
func (l *Loader) Reset() {
	l.stop()
}

// Yield implements train.Dataset.
func (l *Loader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if l.batchSize <= 0 {
		return nil, nil, nil, errors.Errorf("loader %q: invalid batch size %d", l.Name(), l.batchSize)
	}
	if !l.running {
		l.start()
	}
	if l.next >= len(l.futures) {
		return nil, nil, nil, io.EOF
	}
	future := l.futures[l.next]
	l.next++
	<-future.done
	select {
	case <-l.tokens: // Allows one more batch to be prepared.
	default:
	}
	if future.err != nil {
		l.stop()
		return nil, nil, nil, errors.WithMessagef(future.err, "loader %q: batch %d", l.Name(), l.next-1)
	}
	return nil, []*tensors.Tensor{future.images}, []*tensors.Tensor{future.labels}, nil
}

// start a new epoch: the order of the examples is decided and workers start assembling the batches.
func (l *Loader) start() {
	epoch := l.epoch
	l.epoch++
	l.running = true
	l.next = 0

	order := l.Order(epoch)
	numBatches := l.NumBatches()
	l.futures = make([]*batchFuture, numBatches)
	for ii := range l.futures {
		l.futures[ii] = &batchFuture{done: make(chan struct{})}
	}
	futures := slices.Clone(l.futures) // The scheduler owns its copy: Yield and stop only read l.futures[l.next:].

	var ctx context.Context
	ctx, l.cancel = context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(l.numWorkers)
	l.group = group

	// The scheduler goroutine starts the batches in order, at most prefetch batches ahead of the consumer.
	tokens := make(chan struct{}, l.prefetch)
	schedulerDone := make(chan struct{})
	l.tokens, l.schedulerDone = tokens, schedulerDone
	go func() {
		defer close(schedulerDone)
		for batchIdx, future := range futures {
			select {
			case tokens <- struct{}{}:
			case <-ctx.Done():
				cancelFutures(futures[batchIdx:], ctx.Err())
				return
			}
			start := batchIdx * l.batchSize
			end := min(start+l.batchSize, len(order))
			group.Go(func() error {
				defer close(future.done)
				if err := ctx.Err(); err != nil {
					future.err = err
					return nil
				}
				future.images, future.labels, future.err = l.assemble(order[start:end], epoch, batchIdx)
				return future.err
			})
		}
	}()
	klog.V(2).Infof("loader %q: started epoch %d with %d batches", l.Name(), epoch, numBatches)
}

// stop the current epoch, if any, freeing the batches not yet consumed.
func (l *Loader) stop() {
	if !l.running {
		return
	}
	l.cancel()
	for _, future := range l.futures[l.next:] {
		<-future.done
		FreeTensors(future.images, future.labels)
	}
	<-l.schedulerDone
	_ = l.group.Wait()
	l.futures = nil
	l.running = false
}

// cancelFutures marks the futures that were never scheduled.
func cancelFutures(futures []*batchFuture, err error) {
	for _, future := range futures {
		future.err = err
		close(future.done)
	}
}

// Order returns the order of the examples (as indices relative to the Images view) for the given epoch.
func (l *Loader) Order(epoch int) []int {
	n := l.images.Len()
	order := make([]int, n)
	for ii := range order {
		order[ii] = ii
	}
	if l.shuffle {
		rng := rand.New(rand.NewPCG(l.seed, uint64(epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

// assemble the batch with the given examples.
func (l *Loader) assemble(indices []int, epoch, batchIdx int) (images, labels *tensors.Tensor, err error) {
	height, width, channels := l.images.Dimensions()
	imageSize := l.images.ImageSize()
	batchSize := len(indices)
	var rng *rand.Rand
	if l.images.Augmented() {
		rng = rand.New(rand.NewPCG(l.seed^0x5eed, uint64(epoch)<<32|uint64(batchIdx)))
	}
	imagesFlat := make([]float32, batchSize*imageSize)
	labelsFlat := make([]int32, batchSize)
	for ii, idx := range indices {
		l.images.FillExample(idx, imagesFlat[ii*imageSize:(ii+1)*imageSize], rng)
		labelsFlat[ii] = l.images.Label(idx)
	}
	images = tensors.FromFlatDataAndDimensions(imagesFlat, batchSize, height, width, channels)
	labels = tensors.FromFlatDataAndDimensions(labelsFlat, batchSize)
	return images, labels, nil
}

// String implements fmt.Stringer.
func (l *Loader) String() string {
	return fmt.Sprintf("Loader(%q, %d examples, batch size %d, shuffle=%v, drop_last=%v, augment=%v)",
		l.Name(), l.images.Len(), l.batchSize, l.shuffle, l.dropLast, l.images.Augmented())
}

// FreeTensors finalizes the tensors, logging (and otherwise ignoring) any error. Nil tensors are skipped.
func FreeTensors(ts ...*tensors.Tensor) {
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := t.FinalizeAll(); err != nil {
			klog.Warningf("failed to free tensor: %+v", err)
		}
	}
}
