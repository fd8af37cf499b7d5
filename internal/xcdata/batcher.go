package xcdata

import (
	"context"
	"math/rand"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Batch is one slice of a dataset, ready to feed a training or evaluation
// step. Tensors are freshly allocated per batch and may be donated to the
// backend; the flat label copy stays on the host for the regularizer's
// sampling and for metric computation.
type Batch struct {
	// Features is shaped [Size, numFeatures], float32.
	Features *tensors.Tensor
	// Labels is shaped [Size, numLabels], float32 multi-hot.
	Labels *tensors.Tensor
	// LabelsFlat is the host copy of Labels, row-major.
	LabelsFlat []float32
	// Size is the number of samples; the last batch of an epoch may be
	// smaller than the configured batch size.
	Size int
	// Index is the position of this batch within its epoch.
	Index int
}

// Batcher cuts a Dataset into batches. A training batcher reshuffles the
// sample order on every epoch; an evaluation batcher keeps the dataset order
// fixed. Batches are prepared ahead of consumption by a bounded prefetcher.
type Batcher struct {
	dataset   *Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	prefetch  int
}

// NewBatcher creates a batcher over dataset. rng is only used when shuffle is
// true; prefetch bounds how many batches are built ahead of the consumer
// (minimum 1).
func NewBatcher(dataset *Dataset, batchSize int, shuffle bool, rng *rand.Rand, prefetch int) *Batcher {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Batcher{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
		prefetch:  prefetch,
	}
}

// NumBatches returns the number of batches per epoch.
func (b *Batcher) NumBatches() int {
	return (b.dataset.Len() + b.batchSize - 1) / b.batchSize
}

// Epoch returns a channel yielding every batch of one epoch. The channel is
// closed when the epoch is exhausted or ctx is canceled, so a caller that
// stops consuming early must cancel ctx to release the producer goroutine.
func (b *Batcher) Epoch(ctx context.Context) <-chan *Batch {
	order := make([]int, b.dataset.Len())
	for ii := range order {
		order[ii] = ii
	}
	if b.shuffle {
		b.rng.Shuffle(len(order), func(x, y int) { order[x], order[y] = order[y], order[x] })
	}

	out := make(chan *Batch, b.prefetch)
	go func() {
		defer close(out)
		for batchIdx := range b.NumBatches() {
			from := batchIdx * b.batchSize
			to := min(from+b.batchSize, len(order))
			select {
			case out <- b.build(order[from:to], batchIdx):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (b *Batcher) build(sampleIndices []int, batchIdx int) *Batch {
	numFeatures := b.dataset.NumFeatures()
	numLabels := b.dataset.NumLabels()
	size := len(sampleIndices)

	features := tensors.FromShape(shapes.Make(dtypes.Float32, size, numFeatures))
	tensors.MutableFlatData(features, func(flat []float32) {
		for row, sample := range sampleIndices {
			copy(flat[row*numFeatures:], b.dataset.Features(sample))
		}
	})

	labelsFlat := make([]float32, size*numLabels)
	for row, sample := range sampleIndices {
		copy(labelsFlat[row*numLabels:], b.dataset.Labels(sample))
	}
	labels := tensors.FromFlatDataAndDimensions(labelsFlat, size, numLabels)

	return &Batch{
		Features:   features,
		Labels:     labels,
		LabelsFlat: labelsFlat,
		Size:       size,
		Index:      batchIdx,
	}
}
