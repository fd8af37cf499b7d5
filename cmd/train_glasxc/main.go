// train_glasxc trains a GlasXC extreme multi-label classifier: two
// autoencoders (over inputs and labels) plus a regressor, jointly trained
// with a label co-occurrence penalty, and evaluated with precision@k and
// nDCG@k. Architectures and the optimizer come from YAML files; everything
// else is a flag.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kiminh/GlasXC/internal/generics"
	"github.com/kiminh/GlasXC/internal/glas"
	"github.com/kiminh/GlasXC/internal/plots"
	"github.com/kiminh/GlasXC/internal/profilers"
	"github.com/kiminh/GlasXC/internal/trainer"
	"github.com/kiminh/GlasXC/internal/xcconfig"
	"github.com/kiminh/GlasXC/internal/xcdata"
	"github.com/kiminh/GlasXC/internal/xcmodel"
)

var (
	flagDataRoot    = flag.String("data_root", "", "Directory holding the dataset files named by --dataset_info.")
	flagDatasetInfo = flag.String("dataset_info", "", "YAML file naming the train (and optional test) files and their dimensions.")

	flagInputEncoderCfg  = flag.String("input_encoder_cfg", "", "YAML file with the input-encoder architecture.")
	flagInputDecoderCfg  = flag.String("input_decoder_cfg", "", "YAML file with the input-decoder architecture.")
	flagOutputEncoderCfg = flag.String("output_encoder_cfg", "", "YAML file with the output-encoder architecture.")
	flagOutputDecoderCfg = flag.String("output_decoder_cfg", "", "YAML file with the output-decoder architecture.")
	flagRegressorCfg     = flag.String("regressor_cfg", "", "YAML file with the regressor architecture.")
	flagOptimizerCfg     = flag.String("optimizer_cfg", "", "YAML file with the optimizer name and arguments.")

	flagInitScheme = flag.String("init_scheme", string(xcconfig.InitDefault),
		"Weight initialization scheme: default, xavier_uniform or kaiming_uniform.")
	flagDevice = flag.String("device", "go",
		"Backend configuration: \"go\" for the pure-Go backend, or e.g. \"xla:cpu\", \"xla:cuda\".")
	flagSeed = flag.Int64("seed", -1, "Random seed for reproducible runs; < 0 leaves seeding to the clock.")

	flagBatchSize = flag.Int("batch_size", 64, "Training batch size.")
	flagEpochs    = flag.Int("epochs", 10, "Number of training epochs.")
	flagInterval  = flag.Int("interval", -1, "Steps between training-loss log lines; <= 0 disables them.")
	flagK         = flag.Int("k", 5, "K for precision@k and nDCG@k.")

	flagInputAELossWeight = flag.Float64("input_ae_loss_weight", 1.0,
		"Weight of the input reconstruction loss. Parsed for compatibility; the loss does not use it.")
	flagOutputAELossWeight = flag.Float64("output_ae_loss_weight", 1.0,
		"Weight of the label reconstruction loss. Parsed for compatibility; the loss does not use it.")

	flagGlasSampleSize = flag.Int("glas_sample_size", 0,
		"Number of labels sampled per batch for the co-occurrence penalty; 0 (the default) samples "+
			"as many labels as the batch size, a negative value disables sampling and uses the full label set.")
	flagGlasMeanConstant  = flag.Float64("glas_mean_constant", glas.DefaultMeanConstant, "Co-occurrence target scaling constant.")
	flagGlasScaleConstant = flag.Float64("glas_scale_constant", glas.DefaultScaleConstant, "Scale of the squared Frobenius norm.")
	flagGlasWeight        = flag.Float64("glas_weight", glas.DefaultWeight, "Weight of the co-occurrence penalty in the loss.")
	flagGlasErrorPolicy   = flag.String("glas_error_policy", string(glas.ErrorPolicyAbort),
		"What to do when label sampling fails for a batch: abort or skip.")

	flagPlot     = flag.Bool("plot", false, "Render loss and metric charts at the end of the run.")
	flagPlotFile = flag.String("plot_file", "training.html", "Where to write the charts when --plot is set.")
	flagSaveModel = flag.String("save_model", "",
		"Comma-separated subcomponents to save after training: all, inputAE, outputAE, regressor.")
	flagSaveDir = flag.String("save_dir", ".", "Directory where saved subcomponents are written.")

	flagCheckpoint = flag.String("checkpoint", "",
		"Directory for whole-model checkpoints, saved after every epoch and loaded on start when present.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 10, "How many older checkpoints to keep.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	profilers.Setup(ctx)
	defer profilers.OnQuit()

	// Configuration problems are reported cleanly before anything starts.
	cfg, err := buildRun()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		klog.Exitf("Invalid configuration: %v", err)
	}
	run(ctx, cfg)
}

func run(ctx context.Context, cfg *xcconfig.Run) {
	train := must.M1(xcdata.Load(filepath.Join(cfg.DataRoot, cfg.Manifest.TrainFilename), cfg.Manifest.TrainOpts))
	klog.Infof("Loaded %d training samples (%d features, %d labels)",
		train.Len(), train.NumFeatures(), train.NumLabels())
	var test *xcdata.Dataset
	if cfg.Manifest.HasTest() {
		test = must.M1(xcdata.Load(filepath.Join(cfg.DataRoot, cfg.Manifest.TestFilename), cfg.Manifest.TestOpts))
		klog.Infof("Loaded %d test samples", test.Len())
	}

	backend, err := newBackend(cfg.Backend)
	if err != nil {
		klog.Exitf("Invalid --device %q: %v", cfg.Backend, err)
	}
	model := must.M1(xcmodel.New(backend, cfg))
	if cfg.CheckpointDir != "" {
		must.M(model.AttachCheckpoint(cfg.CheckpointDir, cfg.CheckpointKeep))
	}

	seed := cfg.Seed
	if !cfg.HasSeed {
		seed = time.Now().UnixNano()
	}
	state := must.M1(trainer.New(model, cfg, train, test, rand.New(rand.NewSource(seed))).Run(ctx))
	if state.SkippedBatches > 0 {
		klog.Warningf("Trained %d of %d batches without the co-occurrence penalty",
			state.SkippedBatches, state.Steps)
	}

	if cfg.Plot {
		must.M(plots.WriteFile(cfg.PlotFile, state, cfg.K))
		klog.Infof("Wrote charts to %s", cfg.PlotFile)
	}
	if len(cfg.SaveModel) > 0 {
		paths := must.M1(model.SaveComponents(*flagSaveDir, cfg.SaveModel, time.Now()))
		klog.Infof("Saved model components: %s", strings.Join(paths, ", "))
	}
}

// newBackend creates the gomlx backend for the --device configuration,
// converting the panic an unknown backend raises into an error.
func newBackend(config string) (backend backends.Backend, err error) {
	err = exceptions.TryCatch[error](func() { backend = backends.NewWithConfig(config) })
	return
}

// resolveGlasSampleSize maps the --glas_sample_size sentinels: 0 samples as
// many labels as the batch size, a negative value disables subsampling so the
// penalty sees the full label set.
func resolveGlasSampleSize(flagValue, batchSize int) int {
	switch {
	case flagValue == 0:
		return batchSize
	case flagValue < 0:
		return 0
	}
	return flagValue
}

// buildRun assembles the run configuration from the flags and the YAML files
// they point to.
func buildRun() (*xcconfig.Run, error) {
	cfg := &xcconfig.Run{
		DataRoot:           *flagDataRoot,
		InitScheme:         xcconfig.InitScheme(*flagInitScheme),
		Backend:            *flagDevice,
		BatchSize:          *flagBatchSize,
		Epochs:             *flagEpochs,
		Interval:           *flagInterval,
		K:                  *flagK,
		Seed:               *flagSeed,
		HasSeed:            *flagSeed >= 0,
		InputAELossWeight:  *flagInputAELossWeight,
		OutputAELossWeight: *flagOutputAELossWeight,
		GlasSampleSize:     resolveGlasSampleSize(*flagGlasSampleSize, *flagBatchSize),
		GlasMeanConstant:   *flagGlasMeanConstant,
		GlasScaleConstant:  *flagGlasScaleConstant,
		GlasWeight:         *flagGlasWeight,
		GlasErrorPolicy:    *flagGlasErrorPolicy,
		Plot:               *flagPlot,
		PlotFile:           *flagPlotFile,
		CheckpointDir:      *flagCheckpoint,
		CheckpointKeep:     *flagCheckpointKeep,
	}
	if *flagSaveModel != "" {
		cfg.SaveModel = generics.SliceMap(strings.Split(*flagSaveModel, ","), strings.TrimSpace)
	}

	if *flagDatasetInfo == "" {
		return nil, errors.New("--dataset_info is required")
	}
	if err := xcconfig.LoadYAML(*flagDatasetInfo, &cfg.Manifest); err != nil {
		return nil, err
	}
	for _, arch := range []struct {
		path string
		flag string
		dst  *xcconfig.Architecture
	}{
		{*flagInputEncoderCfg, "--input_encoder_cfg", &cfg.InputEncoder},
		{*flagInputDecoderCfg, "--input_decoder_cfg", &cfg.InputDecoder},
		{*flagOutputEncoderCfg, "--output_encoder_cfg", &cfg.OutputEncoder},
		{*flagOutputDecoderCfg, "--output_decoder_cfg", &cfg.OutputDecoder},
		{*flagRegressorCfg, "--regressor_cfg", &cfg.Regressor},
	} {
		if arch.path == "" {
			return nil, errors.Errorf("%s is required", arch.flag)
		}
		if err := xcconfig.LoadYAML(arch.path, arch.dst); err != nil {
			return nil, err
		}
	}
	if *flagOptimizerCfg == "" {
		return nil, errors.New("--optimizer_cfg is required")
	}
	if err := xcconfig.LoadYAML(*flagOptimizerCfg, &cfg.Optimizer); err != nil {
		return nil, err
	}
	return cfg, nil
}
