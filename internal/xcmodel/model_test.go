package xcmodel

import (
	"math/rand"
	"testing"
	"time"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"github.com/kiminh/GlasXC/internal/glas"
	"github.com/kiminh/GlasXC/internal/xcconfig"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// testRun builds a tiny run configuration: 4 input features, 6 labels and
// 3-dimensional latent spaces, small enough to train in a test.
func testRun() *xcconfig.Run {
	arch := func(outputDim int) xcconfig.Architecture {
		return xcconfig.Architecture{
			HiddenLayers: 1,
			HiddenNodes:  5,
			OutputDim:    outputDim,
			Activation:   "relu",
		}
	}
	run := &xcconfig.Run{
		Manifest: xcconfig.DatasetManifest{
			TrainFilename: "train.txt",
			TrainOpts:     xcconfig.LoaderOptions{NumSamples: 4, NumFeatures: 4, NumLabels: 6},
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
		InitScheme:        xcconfig.InitXavierUniform,
		BatchSize:         4,
		Epochs:            1,
		K:                 3,
		Seed:              42,
		HasSeed:           true,
		GlasSampleSize:    4,
		GlasMeanConstant:  glas.DefaultMeanConstant,
		GlasScaleConstant: 1.0 / 36.0,
		GlasWeight:        1.0,
		GlasErrorPolicy:   string(glas.ErrorPolicyAbort),
	}
	return run
}

// testBatch returns a 4-sample batch where every one of the 6 labels has at
// least one positive, so the full label set is sampleable.
func testBatch(t *testing.T) (features, labels *tensors.Tensor, labelsFlat []float32) {
	featuresFlat := []float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	labelsFlat = []float32{
		1, 1, 0, 0, 0, 0,
		0, 0, 1, 1, 0, 0,
		0, 0, 0, 0, 1, 1,
		1, 0, 1, 0, 1, 0,
	}
	features = tensors.FromFlatDataAndDimensions(featuresFlat, 4, 4)
	labels = tensors.FromFlatDataAndDimensions(labelsFlat, 4, 6)
	return
}

func testSelection(t *testing.T, run *xcconfig.Run, labelsFlat []float32) *tensors.Tensor {
	sampler := glas.NewSampler(run.GlasSampleSize, rand.New(rand.NewSource(1)))
	indices, err := sampler.Sample(labelsFlat, 4, 6, 0)
	require.NoError(t, err)
	return glas.SelectionTensor(indices, 6)
}

func TestPredictShapesAndRange(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(backend, testRun())
	require.NoError(t, err)

	features, _, _ := testBatch(t)
	scores, err := model.Predict(features)
	require.NoError(t, err)
	require.Len(t, scores, 4)
	for _, row := range scores {
		require.Len(t, row, 6)
		for _, score := range row {
			require.Greater(t, score, float32(0))
			require.Less(t, score, float32(1))
		}
	}
}

func TestForwardShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(backend, testRun())
	require.NoError(t, err)

	features, labels, _ := testBatch(t)
	inputRecon, outputRecon, predictions, err := model.Forward(features, labels)
	require.NoError(t, err)
	require.Equal(t, []int{4, 4}, inputRecon.Shape().Dimensions)
	require.Equal(t, []int{4, 6}, outputRecon.Shape().Dimensions)
	require.Equal(t, []int{4, 6}, predictions.Shape().Dimensions)
}

func TestTrainStepDecreasesLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := testRun()
	model, err := New(backend, run)
	require.NoError(t, err)

	features, labels, labelsFlat := testBatch(t)
	selection := testSelection(t, run, labelsFlat)

	first, err := model.TrainStep(features, labels, selection)
	require.NoError(t, err)
	var last float32
	for i := 0; i < 100; i++ {
		last, err = model.TrainStep(features, labels, selection)
		require.NoError(t, err)
	}
	require.Less(t, last, first, "loss did not decrease after 100 steps")
}

func TestTrainStepWithoutRegularizer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(backend, testRun())
	require.NoError(t, err)

	features, labels, _ := testBatch(t)
	loss, err := model.TrainStepWithoutRegularizer(features, labels)
	require.NoError(t, err)
	require.Greater(t, loss, float32(0))
}

func TestLossIncludesRegularizer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := testRun()
	model, err := New(backend, run)
	require.NoError(t, err)

	features, labels, labelsFlat := testBatch(t)
	selection := testSelection(t, run, labelsFlat)

	loss, err := model.Loss(features, labels, selection)
	require.NoError(t, err)
	require.Greater(t, loss, float32(0))
}

func TestComponentSaveLoadRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := testRun()
	model, err := New(backend, run)
	require.NoError(t, err)

	// Move the weights away from their initialization.
	features, labels, labelsFlat := testBatch(t)
	selection := testSelection(t, run, labelsFlat)
	for i := 0; i < 10; i++ {
		_, err = model.TrainStep(features, labels, selection)
		require.NoError(t, err)
	}
	want, err := model.Predict(features)
	require.NoError(t, err)

	dir := t.TempDir()
	paths, err := model.SaveComponents(dir, []string{xcconfig.SaveAll}, time.Now())
	require.NoError(t, err)
	require.Len(t, paths, 3)

	// A fresh model with a different seed predicts differently until the
	// saved components are loaded into it.
	otherRun := testRun()
	otherRun.Seed = 7
	restored, err := New(backend, otherRun)
	require.NoError(t, err)
	for _, path := range paths {
		require.NoError(t, restored.LoadComponent(path))
	}
	got, err := restored.Predict(features)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSaveComponentsSelector(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(backend, testRun())
	require.NoError(t, err)

	dir := t.TempDir()
	paths, err := model.SaveComponents(dir,
		[]string{xcconfig.SaveRegressor, xcconfig.SaveRegressor}, time.Now())
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Contains(t, paths[0], "trained_regressor_")
}

func TestLoadComponentRejectsArchitectureMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(backend, testRun())
	require.NoError(t, err)

	dir := t.TempDir()
	paths, err := model.SaveComponents(dir, []string{xcconfig.SaveRegressor}, time.Now())
	require.NoError(t, err)

	otherRun := testRun()
	otherRun.Regressor.HiddenNodes = 7
	other, err := New(backend, otherRun)
	require.NoError(t, err)
	require.Error(t, other.LoadComponent(paths[0]))
}
