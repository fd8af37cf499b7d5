package glas

import (
	. "github.com/gomlx/gomlx/graph"
)

// Default hyperparameters for the regularizer. The scale constant normalizes
// the Frobenius norm to the co-occurrence magnitude of the dataset it was tuned
// on, so it is exposed as configuration rather than fixed here.
const (
	// DefaultMeanConstant weighs the normalized co-occurrence target
	// (mean-conditional-frequency approximation).
	DefaultMeanConstant = 0.5
	// DefaultScaleConstant is 1/2456², tuned for the Bibtex-scale label
	// vocabulary of the reference experiments.
	DefaultScaleConstant = 1.0 / (2456.0 * 2456.0)
	// DefaultWeight is the λ applied when adding the regularizer to the
	// classification loss.
	DefaultWeight = 10.0
)

// Options parametrizes the regularizer term.
type Options struct {
	// SampleSize is the number of labels drawn per batch for the
	// co-occurrence computation; <= 0 uses the full label vocabulary.
	SampleSize int
	// MeanConstant scales the normalized raw co-occurrence target.
	MeanConstant float64
	// ScaleConstant scales the squared Frobenius norm into the final loss.
	ScaleConstant float64
	// Weight is λ, applied by the caller when combining with other losses.
	Weight float64
	// Policy selects abort or skip on per-batch sampling/numerical failures.
	Policy ErrorPolicy
}

// DefaultOptions returns Options with the documented defaults and the abort
// error policy. SampleSize is left 0; callers typically set it to the batch
// size.
func DefaultOptions() Options {
	return Options{
		MeanConstant:  DefaultMeanConstant,
		ScaleConstant: DefaultScaleConstant,
		Weight:        DefaultWeight,
		Policy:        ErrorPolicyAbort,
	}
}

// RegularizerGraph builds the GLAS penalty for one batch.
//
// labels is the batch's multi-hot label matrix, shaped [batchSize, numLabels].
// selection is the one-hot matrix produced by SelectionTensor for the sampled
// label subset, shaped [sampleSize, numLabels]. embed maps a batch of label
// vectors to their latent embeddings; it is the model's output-encoder and the
// only part of the graph that carries trainable variables, so gradients of the
// returned loss train the label embedding space.
//
// With P the selection, the term is
//
//	V  = embed(P)·embed(P)ᵀ            latent co-occurrence of the sampled labels
//	A  = (Y·Pᵀ)ᵀ·(Y·Pᵀ)               raw co-occurrence restricted to the sample
//	Z  = diag(A)                       label marginal counts
//	AZ = A·Z⁻¹ + Z⁻¹·A                 symmetrized conditional frequencies
//	loss = scale · ‖V − mean·AZ‖²_F
//
// Z⁻¹ is applied as a broadcast division by the marginals, which the Sampler
// guarantees are strictly positive. The result is a non-negative scalar.
func RegularizerGraph(embed func(*Node) *Node, labels, selection *Node, opts Options) *Node {
	embeddings := embed(selection)
	latentCo := MatMul(embeddings, Transpose(embeddings, 0, 1))

	sampled := MatMul(labels, Transpose(selection, 0, 1))
	rawCo := MatMul(Transpose(sampled, 0, 1), sampled)

	// diag(A) are the marginal counts, i.e. the column sums of the sampled
	// label matrix (entries are 0/1, so squares are identities).
	marginals := ReduceAndKeep(sampled, ReduceSum, 0)
	normalized := Add(Div(rawCo, marginals), Div(rawCo, Transpose(marginals, 0, 1)))

	target := MulScalar(normalized, opts.MeanConstant)
	diff := Sub(latentCo, target)
	return MulScalar(ReduceAllSum(Square(diff)), opts.ScaleConstant)
}
