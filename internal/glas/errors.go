package glas

import "fmt"

// SamplingError is returned when a batch does not contain enough distinct
// positive labels to draw the configured co-occurrence sample from.
type SamplingError struct {
	// BatchIndex is the global index of the offending batch within the run.
	BatchIndex int
	// Population is the number of labels with at least one positive occurrence.
	Population int
	// SampleSize is the configured number of labels to draw.
	SampleSize int
}

func (e *SamplingError) Error() string {
	return fmt.Sprintf(
		"glas: batch %d has only %d labels with positive occurrences, cannot sample %d without replacement",
		e.BatchIndex, e.Population, e.SampleSize)
}

// NumericalError is returned when the label marginal matrix Z is singular: some
// label in the co-occurrence computation has no positive occurrence in the
// batch, so Z⁻¹ does not exist. This is a known condition for datasets with
// rare labels (e.g. Eurlex) and small batches.
type NumericalError struct {
	// BatchIndex is the global index of the offending batch within the run.
	BatchIndex int
	// LabelIndex is the first label with a zero marginal count.
	LabelIndex int
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf(
		"glas: batch %d produces a singular label marginal matrix, label %d has no positive occurrence",
		e.BatchIndex, e.LabelIndex)
}

// ErrorPolicy selects how per-batch sampling and numerical failures are handled
// by the training loop.
type ErrorPolicy string

const (
	// ErrorPolicyAbort stops the run with a diagnostic naming the batch and
	// label. This is the default: silently skipping could mask systematic
	// data problems.
	ErrorPolicyAbort ErrorPolicy = "abort"
	// ErrorPolicySkip drops the regularizer term for the offending batch and
	// logs a warning.
	ErrorPolicySkip ErrorPolicy = "skip"
)

// Valid reports whether the policy is one of the known choices.
func (p ErrorPolicy) Valid() bool {
	return p == ErrorPolicyAbort || p == ErrorPolicySkip
}
