package trainer

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/stretchr/testify/require"

	"github.com/kiminh/GlasXC/internal/glas"
	"github.com/kiminh/GlasXC/internal/xcconfig"
	"github.com/kiminh/GlasXC/internal/xcdata"
	"github.com/kiminh/GlasXC/internal/xcmodel"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// trainFixture is a small 8-sample dataset with 4 features and 6 labels where
// every label has positives, so the full label set is sampleable.
const trainFixture = `8 4 6
0,1 0:1 1:0.5
2,3 1:1 2:0.5
4,5 2:1 3:0.5
0,3 3:1 0:0.5
1,4 0:1 2:0.5
2,5 1:1 3:0.5
0,5 2:1 0:0.5
1,3 3:1 1:0.5
`

// sparseFixture only ever uses labels 0 and 1, so sampling more than two
// labels from any batch must fail.
const sparseFixture = `4 4 6
0 0:1
1 1:1
0,1 2:1
1 3:1
`

func writeFixture(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func loadFixture(t *testing.T, content string, numSamples int) *xcdata.Dataset {
	dataset, err := xcdata.Load(writeFixture(t, content), xcconfig.LoaderOptions{
		NumSamples:  numSamples,
		NumFeatures: 4,
		NumLabels:   6,
	})
	require.NoError(t, err)
	return dataset
}

func testRun() *xcconfig.Run {
	arch := func(outputDim int) xcconfig.Architecture {
		return xcconfig.Architecture{
			HiddenLayers: 1,
			HiddenNodes:  5,
			OutputDim:    outputDim,
			Activation:   "relu",
		}
	}
	return &xcconfig.Run{
		Manifest: xcconfig.DatasetManifest{
			TrainFilename: "train.txt",
			TrainOpts:     xcconfig.LoaderOptions{NumSamples: 8, NumFeatures: 4, NumLabels: 6},
		},
		InputEncoder:  arch(3),
		InputDecoder:  arch(4),
		OutputEncoder: arch(3),
		OutputDecoder: arch(6),
		Regressor:     arch(6),
		Optimizer: xcconfig.Optimizer{
			Name: "adam",
			Args: xcconfig.OptimizerArgs{LearningRate: 0.01},
		},
		InitScheme:        xcconfig.InitDefault,
		BatchSize:         4,
		Epochs:            2,
		Interval:          -1,
		K:                 3,
		Seed:              42,
		HasSeed:           true,
		GlasSampleSize:    4,
		GlasMeanConstant:  glas.DefaultMeanConstant,
		GlasScaleConstant: 1.0 / 36.0,
		GlasWeight:        1.0,
		GlasErrorPolicy:   string(glas.ErrorPolicyAbort),
	}
}

func TestRunCollectsSeries(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := testRun()
	model, err := xcmodel.New(backend, run)
	require.NoError(t, err)

	train := loadFixture(t, trainFixture, 8)
	state, err := New(model, run, train, nil, rand.New(rand.NewSource(run.Seed))).Run(context.Background())
	require.NoError(t, err)

	// 2 epochs of 8 samples in batches of 4.
	require.Equal(t, 4, state.Steps)
	require.Len(t, state.TrainLoss, 4)
	require.Len(t, state.PrecisionAtK, 2)
	require.Len(t, state.NDCGAtK, 2)
	require.Zero(t, state.SkippedBatches)
	require.False(t, state.HasTest)
	for _, series := range [][]float64{state.PrecisionAtK, state.NDCGAtK} {
		for _, value := range series {
			require.GreaterOrEqual(t, value, 0.0)
			require.LessOrEqual(t, value, 1.0)
		}
	}
	for _, loss := range state.TrainLoss {
		require.Greater(t, loss, 0.0)
	}
}

func TestRunEvaluatesTestSet(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := testRun()
	model, err := xcmodel.New(backend, run)
	require.NoError(t, err)

	train := loadFixture(t, trainFixture, 8)
	test := loadFixture(t, trainFixture, 8)
	state, err := New(model, run, train, test, rand.New(rand.NewSource(run.Seed))).Run(context.Background())
	require.NoError(t, err)
	require.True(t, state.HasTest)
	require.GreaterOrEqual(t, state.TestPrecisionAtK, 0.0)
	require.LessOrEqual(t, state.TestPrecisionAtK, 1.0)
	require.GreaterOrEqual(t, state.TestNDCGAtK, 0.0)
	require.LessOrEqual(t, state.TestNDCGAtK, 1.0)
}

func TestSamplingFailureAborts(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := testRun()
	run.Manifest.TrainOpts.NumSamples = 4
	model, err := xcmodel.New(backend, run)
	require.NoError(t, err)

	train := loadFixture(t, sparseFixture, 4)
	_, err = New(model, run, train, nil, rand.New(rand.NewSource(run.Seed))).Run(context.Background())
	require.Error(t, err)
	var samplingErr *glas.SamplingError
	require.ErrorAs(t, err, &samplingErr)
}

func TestSamplingFailureSkipsUnderSkipPolicy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := testRun()
	run.Manifest.TrainOpts.NumSamples = 4
	run.GlasErrorPolicy = string(glas.ErrorPolicySkip)
	model, err := xcmodel.New(backend, run)
	require.NoError(t, err)

	train := loadFixture(t, sparseFixture, 4)
	state, err := New(model, run, train, nil, rand.New(rand.NewSource(run.Seed))).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.Steps, state.SkippedBatches)
	require.Greater(t, state.SkippedBatches, 0)
}

func TestRunEmptyDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := testRun()
	model, err := xcmodel.New(backend, run)
	require.NoError(t, err)

	// Zero samples means zero batches per epoch; the run must still finish
	// and record one (empty) evaluation per epoch.
	empty, err := xcdata.Load(writeFixture(t, ""), xcconfig.LoaderOptions{
		NumSamples:  0,
		NumFeatures: 4,
		NumLabels:   6,
	})
	require.NoError(t, err)

	state, err := New(model, run, empty, nil, rand.New(rand.NewSource(run.Seed))).Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, state.Steps)
	require.Empty(t, state.TrainLoss)
	require.Len(t, state.PrecisionAtK, run.Epochs)
	require.Len(t, state.NDCGAtK, run.Epochs)
}

func TestEvaluatePerfectAndZeroScores(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := testRun()
	model, err := xcmodel.New(backend, run)
	require.NoError(t, err)

	train := loadFixture(t, trainFixture, 8)
	tr := New(model, run, train, nil, rand.New(rand.NewSource(1)))
	precision, ndcg, err := tr.Evaluate(context.Background(), train, 3)
	require.NoError(t, err)
	require.GreaterOrEqual(t, precision, 0.0)
	require.LessOrEqual(t, precision, 1.0)
	require.GreaterOrEqual(t, ndcg, 0.0)
	require.LessOrEqual(t, ndcg, 1.0)
}
