// Package backends - selects and assembles the inference engine for a run.
package backends

import (
	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/config"
	"github.com/nvr-ai/go-yolobench/inference"
	"github.com/nvr-ai/go-yolobench/inference/layers"
	"github.com/nvr-ai/go-yolobench/inference/onnx"
	"github.com/nvr-ai/go-yolobench/inference/opencv"
	"github.com/nvr-ai/go-yolobench/inference/synthetic"
	"github.com/pkg/errors"
)

// EngineBuilder assembles an engine with a fluent API. The first error
// latches and every later step becomes a no-op.
type EngineBuilder struct {
	log      logs.Log
	cfg      *config.Config
	registry *layers.Registry
	pipeline *layers.Pipeline
	gate     *inference.Gate
	err      error
}

// NewEngineBuilder creates a new engine builder.
//
// Arguments:
//   - log: The logger handed to the engine.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder(log logs.Log) *EngineBuilder {
	return &EngineBuilder{log: log}
}

// WithConfig sets the run configuration. It must already be validated.
func (b *EngineBuilder) WithConfig(cfg config.Config) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.cfg = &cfg
	return b
}

// WithRegistry resolves the configured plugin layers against registry.
//
// Arguments:
//   - registry: The registry holding every layer type the config may name.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithRegistry(registry *layers.Registry) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if b.cfg == nil {
		b.err = errors.New("config must be set before the layer registry")
		return b
	}
	pipeline, err := registry.Build(b.cfg.Layers)
	if err != nil {
		b.err = err
		return b
	}
	b.registry = registry
	b.pipeline = pipeline
	return b
}

// WithGate makes the built engine hold a token from gate for the duration of
// every submission.
func (b *EngineBuilder) WithGate(gate *inference.Gate) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.gate = gate
	return b
}

// HasError checks if the engine builder has errors.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// Build creates the engine selected by the config.
//
// Returns:
//   - inference.Engine: The engine, wrapped with the gate when one was set.
//   - error: KindDevice when the configured device does not exist, or the
//     backend's own error.
func (b *EngineBuilder) Build() (inference.Engine, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.cfg == nil {
		return nil, errors.New("config not configured")
	}
	if b.registry == nil {
		b.WithRegistry(layers.NewBuiltinRegistry())
		if b.HasError() {
			return nil, b.err
		}
	}

	var (
		e   inference.Engine
		err error
	)
	switch b.cfg.Engine {
	case config.BackendONNX:
		e, err = onnx.New(*b.cfg, b.pipeline, b.log)
	case config.BackendOpenCV:
		e, err = opencv.New(*b.cfg, b.pipeline, b.log)
	case config.BackendSynthetic:
		e, err = synthetic.New(*b.cfg, b.pipeline, b.log)
	default:
		return nil, common.ConfigErrorf("unknown engine %q", b.cfg.Engine)
	}
	if err != nil {
		return nil, err
	}

	if err := CheckDevice(e, b.cfg.Device); err != nil {
		e.Close()
		return nil, err
	}

	b.log.Infof("Using %s engine on device %d with %d plugin layers", nameOf(e), b.cfg.Device, b.pipeline.Len())
	if b.gate != nil {
		return inference.Exclusive(e, b.gate), nil
	}
	return e, nil
}

// CheckDevice verifies the device index against engines that can count
// their devices. Engines that cannot are trusted to fail at creation.
func CheckDevice(e inference.Engine, device int) error {
	p, ok := e.(inference.DeviceProber)
	if !ok {
		return nil
	}
	n, err := p.DeviceCount()
	if err != nil {
		return common.WrapDevice(err, "device count")
	}
	if device >= n {
		return common.DeviceErrorf("device %d out of range, %d devices present", device, n)
	}
	return nil
}

func nameOf(e inference.Engine) string {
	if n, ok := e.(inference.Named); ok {
		return n.Name()
	}
	return "engine"
}
