// Package xcmodel assembles the GlasXC network: an autoencoder over the
// input features, an autoencoder over the label vectors and a regressor that
// maps the input latent space to label scores. All five sub-networks are
// feed-forward networks living in separate scopes of a single gomlx context,
// so they train jointly and checkpoint as one model.
package xcmodel

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kiminh/GlasXC/internal/glas"
	"github.com/kiminh/GlasXC/internal/xcconfig"
)

// Scopes of the five sub-networks inside the model's context. Serialization of
// individual components selects variables by these scopes.
const (
	ScopeInputEncoder  = "input_encoder"
	ScopeInputDecoder  = "input_decoder"
	ScopeOutputEncoder = "output_encoder"
	ScopeOutputDecoder = "output_decoder"
	ScopeRegressor     = "regressor"
)

// Model holds the context with all trainable variables and the compiled
// executors for prediction, loss evaluation and training steps.
type Model struct {
	ctx *context.Context
	cfg *xcconfig.Run

	glasOpts glas.Options

	// Executors.
	predictExec, forwardExec, lossExec *context.Exec
	trainStepExec, plainStepExec       *context.Exec

	// checkpoint handler, if the whole model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// optimizer used when training the model.
	optimizer optimizers.Interface
}

// New creates the model from the validated run configuration and compiles its
// executors on the given backend. The variables themselves are created (or
// loaded from a checkpoint) on the first executor call, which New triggers
// with a zero batch so later calls never race on initialization.
func New(backend backends.Backend, cfg *xcconfig.Run) (*Model, error) {
	ctx := context.New()
	if cfg.HasSeed {
		ctx.RngStateFromSeed(cfg.Seed)
		ctx.SetParam(initializers.ParamInitialSeed, cfg.Seed)
	} else {
		ctx.RngStateReset()
	}

	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    cfg.Optimizer.Name,
		optimizers.ParamLearningRate: cfg.Optimizer.Args.LearningRate,
	})
	if cfg.Optimizer.Args.AdamEpsilon > 0 {
		ctx.SetParam(optimizers.ParamAdamEpsilon, cfg.Optimizer.Args.AdamEpsilon)
	}

	for scope, arch := range map[string]*xcconfig.Architecture{
		ScopeInputEncoder:  &cfg.InputEncoder,
		ScopeInputDecoder:  &cfg.InputDecoder,
		ScopeOutputEncoder: &cfg.OutputEncoder,
		ScopeOutputDecoder: &cfg.OutputDecoder,
		ScopeRegressor:     &cfg.Regressor,
	} {
		ctx.In(scope).SetParams(map[string]any{
			fnnLayer.ParamNumHiddenLayers: arch.HiddenLayers,
			fnnLayer.ParamNumHiddenNodes:  arch.HiddenNodes,
			activations.ParamActivation:   arch.Activation,
			layers.ParamDropoutRate:       arch.Dropout,
			regularizers.ParamL2:          arch.L2,
			regularizers.ParamL1:          arch.L1,
		})
	}

	switch cfg.InitScheme {
	case xcconfig.InitXavierUniform:
		ctx = ctx.WithInitializer(initializers.XavierUniformFn(ctx))
	case xcconfig.InitKaimingUniform:
		ctx = ctx.WithInitializer(initializers.HeFn(ctx))
	}
	ctx = ctx.Checked(false)

	m := &Model{
		ctx: ctx,
		cfg: cfg,
		glasOpts: glas.Options{
			SampleSize:    cfg.GlasSampleSize,
			MeanConstant:  cfg.GlasMeanConstant,
			ScaleConstant: cfg.GlasScaleConstant,
			Weight:        cfg.GlasWeight,
			Policy:        glas.ErrorPolicy(cfg.GlasErrorPolicy),
		},
	}
	m.optimizer = optimizers.FromContext(ctx)

	m.predictExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			return m.PredictGraph(ctx, inputs[0])
		})
	m.forwardExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			inputRecon, outputRecon, predictions := m.ForwardGraph(ctx, inputs[0], inputs[1])
			return []*Node{inputRecon, outputRecon, predictions}
		})
	m.lossExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			return m.LossGraph(ctx, inputs[0], inputs[1], inputs[2])
		})
	m.trainStepExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			loss := m.LossGraph(ctx, inputs[0], inputs[1], inputs[2])
			m.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
	m.plainStepExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			loss := m.classificationLossGraph(ctx, inputs[0], inputs[1])
			m.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})

	// Force creating/loading of all variables without race conditions first.
	numFeatures := cfg.Manifest.TrainOpts.NumFeatures
	numLabels := cfg.Manifest.TrainOpts.NumLabels
	err := exceptions.TryCatch[error](func() {
		x := tensors.FromShape(shapes.Make(dtypes.Float32, 1, numFeatures))
		y := tensors.FromShape(shapes.Make(dtypes.Float32, 1, numLabels))
		_ = m.forwardExec.Call(x, y)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to initialize model variables")
	}
	return m, nil
}

// Context returns the context holding the model variables and hyperparameters.
func (m *Model) Context() *context.Context {
	return m.ctx
}

func (m *Model) subnet(ctx *context.Context, scope string, input *Node, outputDim int) *Node {
	// All layer counts, activations and regularization come from the scoped
	// context hyperparameters set in New.
	return fnnLayer.New(ctx.In(scope), input, outputDim).Done()
}

// EncodeInputGraph maps a batch of feature vectors to the input latent space.
func (m *Model) EncodeInputGraph(ctx *context.Context, x *Node) *Node {
	return m.subnet(ctx, ScopeInputEncoder, x, m.cfg.InputEncoder.OutputDim)
}

// DecodeInputGraph reconstructs feature vectors from the input latent space.
func (m *Model) DecodeInputGraph(ctx *context.Context, latent *Node) *Node {
	return m.subnet(ctx, ScopeInputDecoder, latent, m.cfg.InputDecoder.OutputDim)
}

// EncodeOutputGraph maps a batch of label vectors to the label latent space.
// It is also the embedding the co-occurrence regularizer trains: it is applied
// to the sampled label subset, so its gradients shape the label geometry.
func (m *Model) EncodeOutputGraph(ctx *context.Context, y *Node) *Node {
	return m.subnet(ctx, ScopeOutputEncoder, y, m.cfg.OutputEncoder.OutputDim)
}

// DecodeOutputGraph reconstructs label probabilities from the label latent space.
func (m *Model) DecodeOutputGraph(ctx *context.Context, latent *Node) *Node {
	return Sigmoid(m.subnet(ctx, ScopeOutputDecoder, latent, m.cfg.OutputDecoder.OutputDim))
}

// RegressLogitsGraph maps the input latent space to per-label logits.
func (m *Model) RegressLogitsGraph(ctx *context.Context, latent *Node) *Node {
	return m.subnet(ctx, ScopeRegressor, latent, m.cfg.Regressor.OutputDim)
}

// PredictGraph computes per-label scores in [0, 1] for a batch of inputs.
func (m *Model) PredictGraph(ctx *context.Context, x *Node) *Node {
	return Sigmoid(m.RegressLogitsGraph(ctx, m.EncodeInputGraph(ctx, x)))
}

// ForwardGraph runs both autoencoders and the regressor on one batch, and
// returns the input reconstruction, the label reconstruction and the
// per-label prediction scores.
func (m *Model) ForwardGraph(ctx *context.Context, x, y *Node) (inputRecon, outputRecon, predictions *Node) {
	inputLatent := m.EncodeInputGraph(ctx, x)
	inputRecon = m.DecodeInputGraph(ctx, inputLatent)
	outputRecon = m.DecodeOutputGraph(ctx, m.EncodeOutputGraph(ctx, y))
	predictions = Sigmoid(m.RegressLogitsGraph(ctx, inputLatent))
	return
}

func (m *Model) classificationLossGraph(ctx *context.Context, x, y *Node) *Node {
	logits := m.RegressLogitsGraph(ctx, m.EncodeInputGraph(ctx, x))
	loss := losses.BinaryCrossentropyLogits([]*Node{y}, []*Node{logits})
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	return loss
}

// LossGraph is the training loss for one batch: the mean binary cross-entropy
// of the label predictions plus the weighted co-occurrence penalty on the
// sampled label subset given by selection.
func (m *Model) LossGraph(ctx *context.Context, x, y, selection *Node) *Node {
	loss := m.classificationLossGraph(ctx, x, y)
	regularizer := glas.RegularizerGraph(func(subset *Node) *Node {
		return m.EncodeOutputGraph(ctx, subset)
	}, y, selection, m.glasOpts)
	return Add(loss, MulScalar(regularizer, m.glasOpts.Weight))
}

// TrainStep runs one gradient update on the batch using the full loss,
// including the co-occurrence penalty over the sampled label subset, and
// returns the loss before the update.
func (m *Model) TrainStep(features, labels, selection *tensors.Tensor) (loss float32, err error) {
	err = exceptions.TryCatch[error](func() {
		lossT := m.trainStepExec.Call(features, labels, selection)[0]
		loss = tensors.ToScalar[float32](lossT)
	})
	return
}

// TrainStepWithoutRegularizer runs one gradient update using only the
// classification loss. The trainer falls back to it when label sampling fails
// for a batch and the error policy is to skip the penalty.
func (m *Model) TrainStepWithoutRegularizer(features, labels *tensors.Tensor) (loss float32, err error) {
	err = exceptions.TryCatch[error](func() {
		lossT := m.plainStepExec.Call(features, labels)[0]
		loss = tensors.ToScalar[float32](lossT)
	})
	return
}

// Loss evaluates the full training loss on a batch without updating variables.
func (m *Model) Loss(features, labels, selection *tensors.Tensor) (loss float32, err error) {
	err = exceptions.TryCatch[error](func() {
		lossT := m.lossExec.Call(features, labels, selection)[0]
		loss = tensors.ToScalar[float32](lossT)
	})
	return
}

// Predict scores a batch of inputs and returns one row of per-label scores in
// [0, 1] per sample.
func (m *Model) Predict(features *tensors.Tensor) (scores [][]float32, err error) {
	err = exceptions.TryCatch[error](func() {
		scoresT := m.predictExec.Call(features)[0]
		scores = scoresT.Value().([][]float32)
	})
	return
}

// Forward runs the full forward pass on a batch and returns the input
// reconstruction, the label reconstruction and the prediction scores.
func (m *Model) Forward(features, labels *tensors.Tensor) (inputRecon, outputRecon, predictions *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs := m.forwardExec.Call(features, labels)
		inputRecon, outputRecon, predictions = outputs[0], outputs[1], outputs[2]
	})
	return
}

// AttachCheckpoint associates the model with a checkpoint directory: if the
// directory holds a previous checkpoint its variables are loaded immediately,
// and SaveCheckpoint will write new ones there, keeping the last keep copies.
func (m *Model) AttachCheckpoint(dir string, keep int) error {
	if keep <= 0 {
		keep = 10
	}
	checkpoint, err := checkpoints.Build(m.ctx).
		Dir(dir).
		Keep(keep).
		Immediate().
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to build checkpoint in path %q", dir)
	}
	m.checkpoint = checkpoint
	return nil
}

// SaveCheckpoint saves the whole model to the attached checkpoint directory.
func (m *Model) SaveCheckpoint() error {
	if m.checkpoint == nil {
		klog.Warning("model is not associated to a checkpoint directory, not saving")
		return nil
	}
	return m.checkpoint.Save()
}
