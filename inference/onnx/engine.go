// Package onnx - an ONNX Runtime engine for multi-output region models.
package onnx

import (
	"context"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/config"
	"github.com/nvr-ai/go-yolobench/images"
	"github.com/nvr-ai/go-yolobench/inference"
	"github.com/nvr-ai/go-yolobench/inference/layers"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Engine owns an ORT session with preallocated input and output tensors.
type Engine struct {
	log      logs.Log
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	outputs  []*ort.Tensor[float32]
	shapes   [][]int
	names    []string
	pipeline *layers.Pipeline
	provider ProviderOptions

	batch, netW, netH int
}

// New creates the session.
//
// Order of operations:
//  1. Library path check and environment setup.
//  2. Tensor allocation: one input (N, 3, H, W) and one output per scale.
//  3. Session options: threads, graph optimization, execution provider.
//  4. Session creation, with tensors released if it fails.
//
// Arguments:
//   - cfg: A validated configuration with engine onnx.
//   - pipeline: Plugin layers applied to the outputs. May be nil.
//   - log: Logger.
//
// Returns:
//   - The engine; KindIO for a missing model or library, KindDevice for a
//     provider that cannot be enabled.
func New(cfg config.Config, pipeline *layers.Pipeline, log logs.Log) (*Engine, error) {
	libPath, err := SharedLibPath(cfg.SharedLibrary)
	if err != nil {
		return nil, err
	}
	if err := checkLibrary(libPath); err != nil {
		return nil, err
	}
	if err := checkLibrary(cfg.ModelFile); err != nil {
		return nil, common.WrapIO(errors.New("model file not found"), cfg.ModelFile)
	}

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "error initializing ORT environment")
		}
	}

	e := &Engine{
		log:      log,
		pipeline: pipeline,
		provider: NewProviderOptions(cfg),
		names:    cfg.OutputNames(),
		batch:    cfg.BatchSize,
		netW:     cfg.NetWidth,
		netH:     cfg.NetHeight,
	}

	e.input, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(cfg.BatchSize), 3, int64(cfg.NetHeight), int64(cfg.NetWidth)))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	for _, s := range cfg.Outputs {
		shape := []int{cfg.BatchSize, s.Channels(cfg.Classes), s.GridH, s.GridW}
		out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(shape[0]), int64(shape[1]), int64(shape[2]), int64(shape[3])))
		if err != nil {
			e.destroyTensors()
			return nil, errors.Wrapf(err, "error creating output tensor %s", s.Name)
		}
		e.outputs = append(e.outputs, out)
		e.shapes = append(e.shapes, shape)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		e.destroyTensors()
		return nil, errors.Wrap(err, "error creating ORT session options")
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
		e.destroyTensors()
		return nil, errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		e.destroyTensors()
		return nil, errors.Wrap(err, "error setting graph optimization level")
	}
	if err := appendProvider(options, e.provider); err != nil {
		e.destroyTensors()
		return nil, err
	}

	inputs := []ort.ArbitraryTensor{e.input}
	outputs := make([]ort.ArbitraryTensor, len(e.outputs))
	for i, o := range e.outputs {
		outputs[i] = o
	}
	e.session, err = ort.NewAdvancedSession(cfg.ModelFile, []string{cfg.InputLayer}, e.names, inputs, outputs, options)
	if err != nil {
		e.destroyTensors()
		return nil, errors.Wrap(err, "error creating ORT session")
	}

	log.Infof("ONNX Runtime engine ready: model %s, provider %s, device %d, %s", cfg.ModelFile, e.provider.Backend, e.provider.DeviceID, inference.PrecisionFor(cfg.Int8()))
	if e.provider.CalibrationTable != "" {
		log.Infof("INT8 calibration table %s", e.provider.CalibrationTable)
	}
	return e, nil
}

// Name identifies the engine in logs.
func (e *Engine) Name() string { return "onnx/" + string(e.provider.Backend) }

// SubmitBatch copies the batch into the input tensor and runs the session.
func (e *Engine) SubmitBatch(ctx context.Context, batch *images.Batch) (*inference.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batch == nil || batch.N != e.batch || batch.Width != e.netW || batch.Height != e.netH {
		return nil, common.ConfigErrorf("batch does not match engine input %dx3x%dx%d", e.batch, e.netH, e.netW)
	}

	start := time.Now()
	copy(e.input.GetData(), batch.Data)
	if err := e.session.Run(); err != nil {
		return nil, errors.Wrap(err, "error running ORT session")
	}

	res := &inference.Result{Outputs: make([]inference.RawOutput, len(e.outputs))}
	for i, o := range e.outputs {
		src := o.GetData()
		data := make([]float32, len(src))
		copy(data, src)
		t, err := e.pipeline.Apply(e.names[i], tensor.New(tensor.WithShape(e.shapes[i]...), tensor.WithBacking(data)))
		if err != nil {
			return nil, err
		}
		res.Outputs[i] = inference.RawOutput{Name: e.names[i], Tensor: t}
	}
	res.Latency = time.Since(start)
	return res, nil
}

// Close releases the session and its tensors.
func (e *Engine) Close() error {
	e.destroyTensors()
	if e.session != nil {
		err := e.session.Destroy()
		e.session = nil
		if err != nil {
			return errors.Wrap(err, "error destroying ORT session")
		}
	}
	return nil
}

func (e *Engine) destroyTensors() {
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	for _, o := range e.outputs {
		o.Destroy()
	}
	e.outputs = nil
}
