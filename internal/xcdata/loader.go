// Package xcdata loads multi-label datasets in the LibSVM text format used by
// the extreme-classification benchmarks and serves them as batches of dense
// feature and multi-hot label tensors.
package xcdata

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kiminh/GlasXC/internal/xcconfig"
)

// Dataset holds a fully loaded dataset in memory: dense feature vectors and
// multi-hot label vectors, one row per sample.
type Dataset struct {
	features []float32 // row-major [numSamples, numFeatures]
	labels   []float32 // row-major [numSamples, numLabels]

	numSamples  int
	numFeatures int
	numLabels   int
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return d.numSamples }

// NumFeatures returns the dense feature dimension.
func (d *Dataset) NumFeatures() int { return d.numFeatures }

// NumLabels returns the label vocabulary size.
func (d *Dataset) NumLabels() int { return d.numLabels }

// Features returns the feature row of sample i.
func (d *Dataset) Features(i int) []float32 {
	return d.features[i*d.numFeatures : (i+1)*d.numFeatures]
}

// Labels returns the multi-hot label row of sample i.
func (d *Dataset) Labels(i int) []float32 {
	return d.labels[i*d.numLabels : (i+1)*d.numLabels]
}

// Load reads a LibSVM-format multi-label file. Each line is
//
//	label,label,... index:value index:value ...
//
// with 0-based label and feature indices. An optional leading header line
// "numSamples numFeatures numLabels" is accepted and cross-checked against
// opts. The returned dataset always has the dimensions from opts, so feature
// and label rows align across files of the same manifest.
func Load(path string, opts xcconfig.LoaderOptions) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset %q", path)
	}
	defer func() { _ = file.Close() }()

	dataset := &Dataset{
		features:    make([]float32, opts.NumSamples*opts.NumFeatures),
		labels:      make([]float32, opts.NumSamples*opts.NumLabels),
		numSamples:  opts.NumSamples,
		numFeatures: opts.NumFeatures,
		numLabels:   opts.NumLabels,
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNum := 0
	row := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if lineNum == 1 && isHeaderLine(line) {
			if err = checkHeader(line, opts); err != nil {
				return nil, errors.WithMessagef(err, "%s:%d", path, lineNum)
			}
			continue
		}
		if row >= opts.NumSamples {
			return nil, errors.Errorf("%s:%d: more samples than the %d declared in the manifest",
				path, lineNum, opts.NumSamples)
		}
		if err = dataset.parseLine(line, row); err != nil {
			return nil, errors.WithMessagef(err, "%s:%d", path, lineNum)
		}
		row++
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset %q", path)
	}
	if row != opts.NumSamples {
		return nil, errors.Errorf("%s: manifest declares %d samples but file has %d",
			path, opts.NumSamples, row)
	}
	return dataset, nil
}

// isHeaderLine matches the "numSamples numFeatures numLabels" header some
// dataset distributions carry on the first line.
func isHeaderLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return false
	}
	for _, field := range fields {
		if strings.ContainsAny(field, ":,") {
			return false
		}
		if _, err := strconv.Atoi(field); err != nil {
			return false
		}
	}
	return true
}

func checkHeader(line string, opts xcconfig.LoaderOptions) error {
	fields := strings.Fields(line)
	want := []int{opts.NumSamples, opts.NumFeatures, opts.NumLabels}
	names := []string{"samples", "features", "labels"}
	for ii, field := range fields {
		value, _ := strconv.Atoi(field)
		if value != want[ii] {
			return errors.Errorf("header declares %d %s, manifest says %d", value, names[ii], want[ii])
		}
	}
	return nil
}

func (d *Dataset) parseLine(line string, row int) error {
	labelRow := d.labels[row*d.numLabels : (row+1)*d.numLabels]
	featureRow := d.features[row*d.numFeatures : (row+1)*d.numFeatures]

	fields := strings.Fields(line)
	start := 0
	// The label field is the only one without a colon. A line for a sample
	// without positive labels starts directly with feature pairs.
	if len(fields) > 0 && !strings.Contains(fields[0], ":") {
		start = 1
		for _, labelStr := range strings.Split(fields[0], ",") {
			if labelStr == "" {
				continue
			}
			labelIdx, err := strconv.Atoi(labelStr)
			if err != nil {
				return errors.Wrapf(err, "invalid label %q", labelStr)
			}
			if labelIdx < 0 || labelIdx >= d.numLabels {
				return errors.Errorf("label index %d out of range [0, %d)", labelIdx, d.numLabels)
			}
			labelRow[labelIdx] = 1
		}
	}
	for _, pair := range fields[start:] {
		sep := strings.IndexByte(pair, ':')
		if sep < 0 {
			return errors.Errorf("invalid feature entry %q, want index:value", pair)
		}
		featureIdx, err := strconv.Atoi(pair[:sep])
		if err != nil {
			return errors.Wrapf(err, "invalid feature index in %q", pair)
		}
		if featureIdx < 0 || featureIdx >= d.numFeatures {
			return errors.Errorf("feature index %d out of range [0, %d)", featureIdx, d.numFeatures)
		}
		value, err := strconv.ParseFloat(pair[sep+1:], 32)
		if err != nil {
			return errors.Wrapf(err, "invalid feature value in %q", pair)
		}
		featureRow[featureIdx] = float32(value)
	}
	return nil
}
