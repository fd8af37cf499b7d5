// Package xcmetrics implements the ranking metrics used to evaluate extreme
// multi-label classifiers: precision@k and NDCG@k.
//
// Both operate on one sample at a time: a multi-hot vector of true labels and a
// dense vector of predicted scores over the same label vocabulary.
package xcmetrics

import (
	"math"
	"sort"
)

// topK returns the indices of the k highest scores, ties broken by the lower
// index so results are deterministic.
func topK(scores []float32, k int) []int {
	indices := make([]int, len(scores))
	for ii := range indices {
		indices[ii] = ii
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return scores[indices[a]] > scores[indices[b]]
	})
	if k > len(indices) {
		k = len(indices)
	}
	return indices[:k]
}

// PrecisionAtK returns the fraction of the k highest-scored labels in predicted
// that are positive in actual. The result is in [0, 1].
func PrecisionAtK(actual, predicted []float32, k int) float64 {
	if k <= 0 || len(predicted) == 0 {
		return 0
	}
	top := topK(predicted, k)
	hits := 0
	for _, labelIdx := range top {
		if actual[labelIdx] > 0 {
			hits++
		}
	}
	return float64(hits) / float64(len(top))
}

// NDCGAtK returns the normalized discounted cumulative gain of the predicted
// ranking restricted to the top k labels. It is 1.0 for a perfect ranking and 0
// when none of the top-k predictions is a positive label (or the sample has no
// positive labels at all).
func NDCGAtK(actual, predicted []float32, k int) float64 {
	if k <= 0 || len(predicted) == 0 {
		return 0
	}
	top := topK(predicted, k)
	var dcg float64
	for rank, labelIdx := range top {
		if actual[labelIdx] > 0 {
			dcg += 1.0 / math.Log2(float64(rank)+2)
		}
	}

	numPositives := 0
	for _, v := range actual {
		if v > 0 {
			numPositives++
		}
	}
	if numPositives == 0 {
		return 0
	}
	idealHits := min(numPositives, len(top))
	var idcg float64
	for rank := range idealHits {
		idcg += 1.0 / math.Log2(float64(rank)+2)
	}
	return dcg / idcg
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
