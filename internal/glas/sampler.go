// Package glas implements the GLAS regularizer: a loss term that penalizes the
// divergence between label co-occurrence statistics measured in the model's
// latent label space and in the raw label space.
//
// The computation is split in two halves. The host side (Sampler) inspects the
// batch's multi-hot label matrix, picks the subset of labels the regularizer
// will look at, and materializes it as a one-hot selection matrix. The graph
// side (RegularizerGraph) builds the differentiable co-occurrence penalty from
// that selection, so that gradients flow into the label-embedding network.
//
// One subset of labels is drawn per batch and used consistently for both the
// latent and the raw co-occurrence matrices. Restricting both sides to labels
// with at least one positive occurrence also guarantees the marginal matrix Z
// is invertible; when sampling is disabled Z can be singular and the Sampler
// surfaces that as a NumericalError instead of letting NaNs through.
package glas

import (
	"math/rand"
	"sort"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Sampler draws, per batch, the subset of label indices over which the
// co-occurrence matrices are computed.
//
// A SampleSize <= 0 disables subsampling: the full label vocabulary is used,
// and batches with all-zero label columns fail with NumericalError.
type Sampler struct {
	sampleSize int
	rng        *rand.Rand
}

// NewSampler creates a Sampler drawing sampleSize labels per batch using rng.
// The rng is owned by the caller and must not be shared across goroutines.
func NewSampler(sampleSize int, rng *rand.Rand) *Sampler {
	return &Sampler{sampleSize: sampleSize, rng: rng}
}

// Sample returns the sorted label indices to use for the batch's co-occurrence
// computation. The labels matrix is given flat, row-major, with shape
// [numSamples, numLabels] and multi-hot values. batchIndex is only used in
// error diagnostics.
//
// With subsampling enabled it draws from the labels with at least one
// positive occurrence, without replacement, and returns a SamplingError when
// that population is smaller than the sample size. With subsampling disabled
// it returns all label indices, or a NumericalError if any label has a zero
// marginal count in the batch.
func (s *Sampler) Sample(labels []float32, numSamples, numLabels, batchIndex int) ([]int, error) {
	counts := make([]int, numLabels)
	for row := range numSamples {
		base := row * numLabels
		for col := range numLabels {
			if labels[base+col] > 0 {
				counts[col]++
			}
		}
	}

	if s.sampleSize <= 0 {
		// Full label set: every marginal must be positive for Z to be invertible.
		all := make([]int, numLabels)
		for col := range numLabels {
			if counts[col] == 0 {
				return nil, &NumericalError{BatchIndex: batchIndex, LabelIndex: col}
			}
			all[col] = col
		}
		return all, nil
	}

	candidates := make([]int, 0, numLabels)
	for col := range numLabels {
		if counts[col] > 0 {
			candidates = append(candidates, col)
		}
	}
	if len(candidates) < s.sampleSize {
		return nil, &SamplingError{
			BatchIndex: batchIndex,
			Population: len(candidates),
			SampleSize: s.sampleSize,
		}
	}
	s.rng.Shuffle(len(candidates), func(a, b int) {
		candidates[a], candidates[b] = candidates[b], candidates[a]
	})
	chosen := candidates[:s.sampleSize]
	sort.Ints(chosen)
	return chosen, nil
}

// SelectionTensor builds the one-hot selection matrix P for the sampled label
// indices, shaped [len(indices), numLabels] with float32 values. Row i selects
// label indices[i].
func SelectionTensor(indices []int, numLabels int) *tensors.Tensor {
	selection := tensors.FromShape(shapes.Make(dtypes.Float32, len(indices), numLabels))
	tensors.MutableFlatData(selection, func(flat []float32) {
		for row, labelIdx := range indices {
			flat[row*numLabels+labelIdx] = 1
		}
	})
	return selection
}
