package xcmetrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrecisionAtK(t *testing.T) {
	actual := []float32{1, 0, 1, 0, 1}
	predicted := []float32{0.9, 0.1, 0.8, 0.2, 0.7}

	// Top-3 predictions are exactly the positives.
	require.Equal(t, 1.0, PrecisionAtK(actual, predicted, 3))

	// Top-5 covers everything: 3 positives out of 5.
	require.InDelta(t, 0.6, PrecisionAtK(actual, predicted, 5), 1e-9)

	// k larger than the vocabulary is clamped.
	require.InDelta(t, 0.6, PrecisionAtK(actual, predicted, 100), 1e-9)

	// Worst case: top-2 are both negatives.
	inverted := []float32{0.1, 0.9, 0.2, 0.8, 0.3}
	require.Equal(t, 0.0, PrecisionAtK(actual, inverted, 2))

	require.Equal(t, 0.0, PrecisionAtK(actual, predicted, 0))
}

func TestPrecisionAtKRange(t *testing.T) {
	actual := []float32{0, 1, 1, 0}
	predicted := []float32{0.4, 0.3, 0.2, 0.1}
	for k := 1; k <= 6; k++ {
		p := PrecisionAtK(actual, predicted, k)
		require.GreaterOrEqual(t, p, 0.0)
		require.LessOrEqual(t, p, 1.0)
	}
}

func TestNDCGAtK(t *testing.T) {
	actual := []float32{1, 0, 1, 0, 0}

	// Perfect ranking: positives come first.
	perfect := []float32{0.9, 0.1, 0.8, 0.05, 0.2}
	require.InDelta(t, 1.0, NDCGAtK(actual, perfect, 2), 1e-9)

	// No positives in the top-k gives 0.
	worst := []float32{0.1, 0.9, 0.05, 0.8, 0.7}
	require.Equal(t, 0.0, NDCGAtK(actual, worst, 2))

	// A sample with no positive labels is defined as 0, not NaN.
	require.Equal(t, 0.0, NDCGAtK([]float32{0, 0, 0}, []float32{0.1, 0.2, 0.3}, 2))

	// Intermediate rankings stay within [0, 1].
	mixed := []float32{0.5, 0.6, 0.4, 0.1, 0.2}
	for k := 1; k <= 5; k++ {
		v := NDCGAtK(actual, mixed, k)
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 1.0)
	}
}

func TestMean(t *testing.T) {
	require.Equal(t, 0.0, Mean(nil))
	require.InDelta(t, 2.0, Mean([]float64{1, 2, 3}), 1e-9)
}
