// Package trainer runs the GlasXC training loop: batched gradient steps with
// per-batch label sampling for the co-occurrence penalty, per-epoch ranking
// metrics, and an optional final evaluation on a held-out test set.
package trainer

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kiminh/GlasXC/internal/glas"
	"github.com/kiminh/GlasXC/internal/xcconfig"
	"github.com/kiminh/GlasXC/internal/xcdata"
	"github.com/kiminh/GlasXC/internal/xcmetrics"
	"github.com/kiminh/GlasXC/internal/xcmodel"
)

// EvalBatchSize is the batch size used for the final test-set evaluation.
// Evaluation holds no optimizer state, so it can use much larger batches than
// training.
const EvalBatchSize = 1000

// RunState accumulates the series a training run produces. The slices are
// append-only: TrainLoss has one entry per gradient step, PrecisionAtK and
// NDCGAtK one entry per finished epoch.
type RunState struct {
	TrainLoss    []float64
	PrecisionAtK []float64
	NDCGAtK      []float64

	// Steps counts gradient steps taken, SkippedBatches those trained
	// without the co-occurrence penalty under the skip policy.
	Steps          int
	SkippedBatches int

	// Final test-set metrics, valid when HasTest.
	HasTest          bool
	TestPrecisionAtK float64
	TestNDCGAtK      float64
}

// Trainer drives one training run of a model over a dataset.
type Trainer struct {
	model   *xcmodel.Model
	cfg     *xcconfig.Run
	train   *xcdata.Dataset
	test    *xcdata.Dataset // may be nil
	sampler *glas.Sampler
	rng     *rand.Rand
	policy  glas.ErrorPolicy
}

// New returns a Trainer for the model and datasets. test may be nil, in which
// case the final evaluation is skipped. rng drives both batch shuffling and
// label sampling, so a fixed seed makes the run reproducible.
func New(model *xcmodel.Model, cfg *xcconfig.Run, train, test *xcdata.Dataset, rng *rand.Rand) *Trainer {
	return &Trainer{
		model:   model,
		cfg:     cfg,
		train:   train,
		test:    test,
		sampler: glas.NewSampler(cfg.GlasSampleSize, rng),
		rng:     rng,
		policy:  glas.ErrorPolicy(cfg.GlasErrorPolicy),
	}
}

// Run trains for the configured number of epochs and returns the collected
// loss and metric series. It returns the state built so far even on error, so
// callers can still plot or inspect a partial run. Canceling ctx stops the
// run between batches.
func (t *Trainer) Run(ctx context.Context) (*RunState, error) {
	state := &RunState{}
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if err := t.runEpoch(ctx, state, epoch); err != nil {
			return state, err
		}

		precision, ndcg, err := t.Evaluate(ctx, t.train, t.cfg.BatchSize)
		if err != nil {
			return state, errors.WithMessagef(err, "evaluation after epoch %d failed", epoch)
		}
		state.PrecisionAtK = append(state.PrecisionAtK, precision)
		state.NDCGAtK = append(state.NDCGAtK, ndcg)
		if n := len(state.TrainLoss); n > 0 {
			klog.Infof("Epoch %d: loss=%.6f, precision@%d=%.4f, nDCG@%d=%.4f",
				epoch, state.TrainLoss[n-1], t.cfg.K, precision, t.cfg.K, ndcg)
		}

		if t.cfg.CheckpointDir != "" {
			if err := t.model.SaveCheckpoint(); err != nil {
				return state, errors.WithMessagef(err, "failed to checkpoint after epoch %d", epoch)
			}
		}
	}

	if t.test != nil {
		precision, ndcg, err := t.Evaluate(ctx, t.test, EvalBatchSize)
		if err != nil {
			return state, errors.WithMessage(err, "test-set evaluation failed")
		}
		state.HasTest = true
		state.TestPrecisionAtK = precision
		state.TestNDCGAtK = ndcg
		klog.Infof("Test set: precision@%d=%.4f, nDCG@%d=%.4f", t.cfg.K, precision, t.cfg.K, ndcg)
	}
	return state, nil
}

func (t *Trainer) runEpoch(ctx context.Context, state *RunState, epoch int) error {
	// Canceling on early return releases the batcher's producer goroutine.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batcher := xcdata.NewBatcher(t.train, t.cfg.BatchSize, true, t.rng, 2)
	for batch := range batcher.Epoch(ctx) {
		loss, skipped, err := t.step(batch)
		if err != nil {
			return errors.WithMessagef(err, "epoch %d failed at batch %d", epoch, batch.Index)
		}
		if skipped {
			state.SkippedBatches++
		}
		state.TrainLoss = append(state.TrainLoss, float64(loss))
		state.Steps++
		if t.cfg.Interval > 0 && state.Steps%t.cfg.Interval == 0 {
			klog.Infof("Epoch %d, step %d: loss=%.6f", epoch, state.Steps, loss)
		}
	}
	return ctx.Err()
}

// step trains on one batch. Label sampling happens on the host: the sampled
// subset selects the columns the co-occurrence penalty sees, and the same
// subset is used for both the latent and the raw co-occurrence, keeping the
// two sides of the penalty comparable.
func (t *Trainer) step(batch *xcdata.Batch) (loss float32, skipped bool, err error) {
	indices, err := t.sampler.Sample(batch.LabelsFlat, batch.Size, t.train.NumLabels(), batch.Index)
	if err != nil {
		if t.policy != glas.ErrorPolicySkip {
			return 0, false, err
		}
		klog.Warningf("Skipping co-occurrence penalty for batch %d: %v", batch.Index, err)
		loss, err = t.model.TrainStepWithoutRegularizer(batch.Features, batch.Labels)
		return loss, true, err
	}
	selection := glas.SelectionTensor(indices, t.train.NumLabels())
	loss, err = t.model.TrainStep(batch.Features, batch.Labels, selection)
	return loss, false, err
}

// Evaluate scores the whole dataset in inference mode and returns the mean
// precision@K and nDCG@K over its samples.
func (t *Trainer) Evaluate(ctx context.Context, dataset *xcdata.Dataset, batchSize int) (precision, ndcg float64, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	numLabels := dataset.NumLabels()
	precisions := make([]float64, 0, dataset.Len())
	ndcgs := make([]float64, 0, dataset.Len())
	batcher := xcdata.NewBatcher(dataset, batchSize, false, nil, 2)
	for batch := range batcher.Epoch(ctx) {
		scores, err := t.model.Predict(batch.Features)
		if err != nil {
			return 0, 0, err
		}
		for i := 0; i < batch.Size; i++ {
			labels := batch.LabelsFlat[i*numLabels : (i+1)*numLabels]
			precisions = append(precisions, xcmetrics.PrecisionAtK(labels, scores[i], t.cfg.K))
			ndcgs = append(ndcgs, xcmetrics.NDCGAtK(labels, scores[i], t.cfg.K))
		}
	}
	if err = ctx.Err(); err != nil {
		return 0, 0, err
	}
	return xcmetrics.Mean(precisions), xcmetrics.Mean(ndcgs), nil
}
