package config

import (
	"bytes"
	"os"

	"github.com/nvr-ai/go-yolobench/common"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Interpolations lists the accepted resize filter names.
var Interpolations = map[string]bool{
	"nearest":  true,
	"bilinear": true,
	"bicubic":  true,
	"mitchell": true,
	"lanczos2": true,
	"lanczos3": true,
}

// Option overrides a single field after the file has been read.
type Option func(*Config)

// Load builds a validated Config.
//
// Arguments:
//   - path: YAML file to read on top of Default(). Empty means defaults only.
//   - opts: Overrides applied after the file, typically from the command line.
//
// Returns:
//   - The validated configuration, or a KindConfig / KindIO error.
func Load(path string, opts ...Option) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, common.WrapIO(errors.Wrap(err, "failed to read config file"), path)
		}
		if err := Parse(raw, &cfg); err != nil {
			return Config{}, err
		}
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return &common.Error{Kind: common.KindConfig, Op: "parse", Err: errors.Wrap(err, "invalid config")}
	}
	return nil
}

// WithDevice overrides the device index.
func WithDevice(device int) Option {
	return func(c *Config) { c.Device = device }
}

// WithBatchSize overrides the batch size.
func WithBatchSize(n int) Option {
	return func(c *Config) { c.BatchSize = n }
}

// WithIterations overrides the timed iteration count.
func WithIterations(n int) Option {
	return func(c *Config) { c.Iterations = n }
}

// WithWarmup overrides the untimed warm-up iteration count.
func WithWarmup(n int) Option {
	return func(c *Config) { c.Warmup = n }
}

// WithThresholds overrides the NMS and confidence thresholds.
func WithThresholds(nms, conf float32) Option {
	return func(c *Config) {
		c.NMSThreshold = nms
		c.ConfThreshold = conf
	}
}

// WithNMSThreshold overrides only the suppression IoU threshold.
func WithNMSThreshold(nms float32) Option {
	return func(c *Config) { c.NMSThreshold = nms }
}

// WithConfThreshold overrides only the confidence floor.
func WithConfThreshold(conf float32) Option {
	return func(c *Config) { c.ConfThreshold = conf }
}

// WithEngine overrides the backend.
func WithEngine(b Backend) Option {
	return func(c *Config) { c.Engine = b }
}

// WithClassMode overrides the class-score mode.
func WithClassMode(m ClassMode) Option {
	return func(c *Config) { c.ClassMode = m }
}

// WithInputs overrides the input and model files. Empty strings keep the
// current value.
func WithInputs(imageList, labelFile, deployFile, modelFile, meanFile, calibration string) Option {
	return func(c *Config) {
		setIf(&c.ImageList, imageList)
		setIf(&c.LabelFile, labelFile)
		setIf(&c.DeployFile, deployFile)
		setIf(&c.ModelFile, modelFile)
		setIf(&c.MeanFile, meanFile)
		setIf(&c.Calibration, calibration)
	}
}

// WithOutputDir overrides the directory predictions are written to.
func WithOutputDir(dir string) Option {
	return func(c *Config) { setIf(&c.OutputDir, dir) }
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
