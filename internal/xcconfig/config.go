// Package xcconfig defines the YAML configuration surface of the GlasXC
// trainer: the dataset manifest, the five subnetwork architectures, the
// optimizer selection and the scalar run hyperparameters.
//
// All validation happens here, before any training starts. Invalid or missing
// fields surface as *ConfigurationError.
package xcconfig

import (
	"fmt"
	"os"
	"slices"

	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/kiminh/GlasXC/internal/generics"
)

// ConfigurationError reports an invalid or missing configuration field. All
// configuration problems are detected before the training loop starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// LoaderOptions describe one LibSVM-format data file. The field names follow
// the dataset manifests of the reference XMC datasets.
type LoaderOptions struct {
	NumSamples  int `yaml:"num_data_points"`
	NumFeatures int `yaml:"input_dims"`
	NumLabels   int `yaml:"output_dims"`
}

func (o LoaderOptions) validate(field string) error {
	if o.NumSamples <= 0 {
		return configErrorf(field+".num_data_points", "must be positive, got %d", o.NumSamples)
	}
	if o.NumFeatures <= 0 {
		return configErrorf(field+".input_dims", "must be positive, got %d", o.NumFeatures)
	}
	if o.NumLabels <= 0 {
		return configErrorf(field+".output_dims", "must be positive, got %d", o.NumLabels)
	}
	return nil
}

// DatasetManifest names the train file and, optionally, a held-out test file
// under the dataset root, along with their loader options.
type DatasetManifest struct {
	TrainFilename string        `yaml:"train_filename"`
	TrainOpts     LoaderOptions `yaml:"train_opts"`
	TestFilename  string        `yaml:"test_filename"`
	TestOpts      LoaderOptions `yaml:"test_opts"`
}

// HasTest reports whether a held-out evaluation set is configured.
func (m *DatasetManifest) HasTest() bool { return m.TestFilename != "" }

func (m *DatasetManifest) validate() error {
	if m.TrainFilename == "" {
		return configErrorf("train_filename", "is required")
	}
	if err := m.TrainOpts.validate("train_opts"); err != nil {
		return err
	}
	if m.HasTest() {
		if err := m.TestOpts.validate("test_opts"); err != nil {
			return err
		}
		if m.TestOpts.NumLabels != m.TrainOpts.NumLabels {
			return configErrorf("test_opts.output_dims",
				"label vocabulary must match train_opts (%d != %d)",
				m.TestOpts.NumLabels, m.TrainOpts.NumLabels)
		}
		if m.TestOpts.NumFeatures != m.TrainOpts.NumFeatures {
			return configErrorf("test_opts.input_dims",
				"feature dimension must match train_opts (%d != %d)",
				m.TestOpts.NumFeatures, m.TrainOpts.NumFeatures)
		}
	}
	return nil
}

// knownActivations are the activation names accepted for subnetworks; they map
// directly to gomlx activation layer names. An empty string keeps the
// context's default.
var knownActivations = map[string]bool{
	"":           true,
	"sigmoid":    true,
	"relu":       true,
	"leaky_relu": true,
	"tanh":       true,
	"swish":      true,
	"selu":       true,
	"none":       true,
}

// Architecture configures one FNN subnetwork: a stack of HiddenLayers hidden
// layers of HiddenNodes each, projecting into OutputDim.
type Architecture struct {
	HiddenLayers int     `yaml:"hidden_layers"`
	HiddenNodes  int     `yaml:"hidden_nodes"`
	OutputDim    int     `yaml:"output_dim"`
	Activation   string  `yaml:"activation"`
	Dropout      float64 `yaml:"dropout"`
	L2           float64 `yaml:"l2"`
	L1           float64 `yaml:"l1"`
}

func (a *Architecture) validate(name string) error {
	if a.OutputDim <= 0 {
		return configErrorf(name+".output_dim", "must be positive, got %d", a.OutputDim)
	}
	if a.HiddenLayers < 0 {
		return configErrorf(name+".hidden_layers", "must be >= 0, got %d", a.HiddenLayers)
	}
	if a.HiddenLayers > 0 && a.HiddenNodes <= 0 {
		return configErrorf(name+".hidden_nodes",
			"must be positive when hidden_layers > 0, got %d", a.HiddenNodes)
	}
	if !knownActivations[a.Activation] {
		return configErrorf(name+".activation", "unknown activation %q", a.Activation)
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		return configErrorf(name+".dropout", "must be in [0, 1), got %g", a.Dropout)
	}
	return nil
}

// OptimizerArgs are the keyword arguments of the optimizer configuration.
type OptimizerArgs struct {
	LearningRate float64 `yaml:"learning_rate"`
	AdamEpsilon  float64 `yaml:"adam_epsilon"`
}

// Optimizer selects the update rule by name from the closed registry of gomlx
// optimizers, replacing the source's reflection-style attribute lookup.
type Optimizer struct {
	Name string        `yaml:"name"`
	Args OptimizerArgs `yaml:"args"`
}

func (o *Optimizer) validate() error {
	if _, found := optimizers.KnownOptimizers[o.Name]; !found {
		return configErrorf("optimizer.name", "unknown optimizer %q, valid values are %v",
			o.Name, knownOptimizerNames())
	}
	if o.Args.LearningRate < 0 {
		return configErrorf("optimizer.args.learning_rate", "must be >= 0, got %g", o.Args.LearningRate)
	}
	return nil
}

func knownOptimizerNames() []string {
	return slices.Collect(generics.SortedKeys(optimizers.KnownOptimizers))
}

// InitScheme is the weight-initialization scheme for the model's variables.
type InitScheme string

const (
	InitDefault        InitScheme = "default"
	InitXavierUniform  InitScheme = "xavier_uniform"
	InitKaimingUniform InitScheme = "kaiming_uniform"
)

// KnownInitSchemes is the closed set of accepted --init_scheme values.
var KnownInitSchemes = []InitScheme{InitDefault, InitXavierUniform, InitKaimingUniform}

func (s InitScheme) validate() error {
	for _, known := range KnownInitSchemes {
		if s == known {
			return nil
		}
	}
	return configErrorf("init_scheme", "unknown scheme %q, valid values are %v", s, KnownInitSchemes)
}

// Model-save selector values.
const (
	SaveAll       = "all"
	SaveInputAE   = "inputAE"
	SaveOutputAE  = "outputAE"
	SaveRegressor = "regressor"
)

func validateSaveSelector(selector []string) error {
	for _, item := range selector {
		switch item {
		case SaveAll, SaveInputAE, SaveOutputAE, SaveRegressor:
		default:
			return configErrorf("save_model", "unknown selector %q, valid values are "+
				"[%s %s %s %s]", item, SaveAll, SaveInputAE, SaveOutputAE, SaveRegressor)
		}
	}
	return nil
}

// Run gathers the scalar hyperparameters and switches of one training run.
type Run struct {
	DataRoot string
	Manifest DatasetManifest

	InputEncoder  Architecture
	InputDecoder  Architecture
	OutputEncoder Architecture
	OutputDecoder Architecture
	Regressor     Architecture

	Optimizer  Optimizer
	InitScheme InitScheme

	// Backend is the gomlx backend configuration string, e.g. "go",
	// "xla:cpu" or "xla:cuda". It fixes the compute device for the run.
	Backend string

	BatchSize int
	Epochs    int
	// Interval is the number of steps between progress log lines;
	// <= 0 disables them.
	Interval int
	// K for precision@k and NDCG@k.
	K int

	// Seed, when HasSeed, makes the run reproducible.
	Seed    int64
	HasSeed bool

	// InputAELossWeight and OutputAELossWeight are parsed for compatibility
	// with the reference configuration but are not consumed by the loss.
	InputAELossWeight  float64
	OutputAELossWeight float64

	// GLAS regularizer hyperparameters.
	GlasSampleSize    int
	GlasMeanConstant  float64
	GlasScaleConstant float64
	GlasWeight        float64
	GlasErrorPolicy   string

	Plot      bool
	PlotFile  string
	SaveModel []string

	// CheckpointDir, when set, maintains a gomlx checkpoint of the whole
	// model for resuming runs. CheckpointKeep bounds how many are kept.
	CheckpointDir  string
	CheckpointKeep int
}

// Validate checks every field that could make the run fail after start.
func (r *Run) Validate() error {
	if r.DataRoot == "" {
		return configErrorf("data_root", "is required")
	}
	if err := r.Manifest.validate(); err != nil {
		return err
	}
	for _, arch := range []struct {
		name string
		a    *Architecture
	}{
		{"input_encoder", &r.InputEncoder},
		{"input_decoder", &r.InputDecoder},
		{"output_encoder", &r.OutputEncoder},
		{"output_decoder", &r.OutputDecoder},
		{"regressor", &r.Regressor},
	} {
		if err := arch.a.validate(arch.name); err != nil {
			return err
		}
	}
	// The shapes the subnetworks must agree on.
	if r.InputDecoder.OutputDim != r.Manifest.TrainOpts.NumFeatures {
		return configErrorf("input_decoder.output_dim",
			"must reconstruct the %d input features, got %d",
			r.Manifest.TrainOpts.NumFeatures, r.InputDecoder.OutputDim)
	}
	if r.OutputDecoder.OutputDim != r.Manifest.TrainOpts.NumLabels {
		return configErrorf("output_decoder.output_dim",
			"must reconstruct the %d labels, got %d",
			r.Manifest.TrainOpts.NumLabels, r.OutputDecoder.OutputDim)
	}
	if r.Regressor.OutputDim != r.Manifest.TrainOpts.NumLabels {
		return configErrorf("regressor.output_dim",
			"must score all %d labels, got %d",
			r.Manifest.TrainOpts.NumLabels, r.Regressor.OutputDim)
	}
	if err := r.Optimizer.validate(); err != nil {
		return err
	}
	if err := r.InitScheme.validate(); err != nil {
		return err
	}
	if r.Backend == "" {
		return configErrorf("backend", "is required (e.g. \"go\", \"xla:cpu\" or \"xla:cuda\")")
	}
	if r.BatchSize <= 0 {
		return configErrorf("batch_size", "must be positive, got %d", r.BatchSize)
	}
	if r.Epochs <= 0 {
		return configErrorf("epochs", "must be positive, got %d", r.Epochs)
	}
	if r.K <= 0 {
		return configErrorf("k", "must be positive, got %d", r.K)
	}
	if r.GlasScaleConstant < 0 {
		return configErrorf("glas_scale_constant", "must be >= 0, got %g", r.GlasScaleConstant)
	}
	if r.GlasErrorPolicy != "abort" && r.GlasErrorPolicy != "skip" {
		return configErrorf("glas_error_policy", "must be \"abort\" or \"skip\", got %q", r.GlasErrorPolicy)
	}
	if err := validateSaveSelector(r.SaveModel); err != nil {
		return err
	}
	if r.CheckpointKeep <= 0 {
		r.CheckpointKeep = 10
	}
	return nil
}

// LoadYAML decodes the YAML file at path into out, rejecting unknown fields.
func LoadYAML(path string, out any) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open config %q", path)
	}
	defer func() { _ = file.Close() }()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err = decoder.Decode(out); err != nil {
		return errors.Wrapf(err, "failed to parse config %q", path)
	}
	return nil
}
