// Package synthetic - a pure-Go engine that produces correctly shaped
// region outputs without a model file or an accelerator.
//
// Every scale is a max-pool down to the scale's grid followed by a fixed 1x1
// convolution to anchors*(5+classes) channels. The numbers carry no meaning;
// the engine exists to exercise and time the rest of the pipeline.
package synthetic

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
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Engine runs the synthetic graph.
type Engine struct {
	log      logs.Log
	graph    *G.ExprGraph
	input    *G.Node
	outputs  []*G.Node
	names    []string
	vm       G.VM
	pipeline *layers.Pipeline

	batch, netW, netH int
}

// New builds the graph for the scales of cfg.
//
// Arguments:
//   - cfg: A validated configuration. Every grid must divide the network size.
//   - pipeline: Plugin layers applied to the outputs. May be nil.
//   - log: Logger.
//
// Returns:
//   - The engine, or a KindConfig error.
func New(cfg config.Config, pipeline *layers.Pipeline, log logs.Log) (*Engine, error) {
	e := &Engine{
		log:      log,
		graph:    G.NewGraph(),
		pipeline: pipeline,
		batch:    cfg.BatchSize,
		netW:     cfg.NetWidth,
		netH:     cfg.NetHeight,
	}
	e.input = G.NewTensor(e.graph, tensor.Float32, 4,
		G.WithShape(cfg.BatchSize, 3, cfg.NetHeight, cfg.NetWidth),
		G.WithName(cfg.InputLayer))

	for i, s := range cfg.Outputs {
		if cfg.NetHeight%s.GridH != 0 || cfg.NetWidth%s.GridW != 0 {
			return nil, common.ConfigErrorf("output %q: grid %dx%d does not divide network size %dx%d",
				s.Name, s.GridW, s.GridH, cfg.NetWidth, cfg.NetHeight)
		}
		sh, sw := cfg.NetHeight/s.GridH, cfg.NetWidth/s.GridW

		pooled, err := G.MaxPool2D(e.input, tensor.Shape{sh, sw}, []int{0, 0}, []int{sh, sw})
		if err != nil {
			return nil, errors.Wrapf(err, "output %q: max pool", s.Name)
		}

		channels := s.Channels(cfg.Classes)
		filter := G.NewTensor(e.graph, tensor.Float32, 4,
			G.WithShape(channels, 3, 1, 1),
			G.WithName(s.Name+"_weights"),
			G.WithValue(weights(i, channels)))
		out, err := G.Conv2d(pooled, filter, tensor.Shape{1, 1}, []int{0, 0}, []int{1, 1}, []int{1, 1})
		if err != nil {
			return nil, errors.Wrapf(err, "output %q: convolution", s.Name)
		}
		e.outputs = append(e.outputs, out)
		e.names = append(e.names, s.Name)
	}

	e.vm = G.NewTapeMachine(e.graph)
	log.Infof("Synthetic engine ready: %d outputs, batch %d, input %dx%d", len(e.outputs), e.batch, e.netW, e.netH)
	return e, nil
}

// weights returns a fixed (channels, 3, 1, 1) filter. Values stay small so
// logits remain in a useful range for sigmoid and exp.
func weights(scale, channels int) *tensor.Dense {
	data := make([]float32, channels*3)
	for i := range data {
		data[i] = float32((i*7+scale*3)%11-5) * 0.2
	}
	return tensor.New(tensor.WithShape(channels, 3, 1, 1), tensor.WithBacking(data))
}

// Name identifies the engine in logs.
func (e *Engine) Name() string { return "synthetic" }

// DeviceCount reports the single CPU device.
func (e *Engine) DeviceCount() (int, error) { return 1, nil }

// SubmitBatch runs one forward pass.
func (e *Engine) SubmitBatch(ctx context.Context, batch *images.Batch) (*inference.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batch == nil || batch.N != e.batch || batch.Width != e.netW || batch.Height != e.netH {
		return nil, common.ConfigErrorf("batch does not match engine input %dx3x%dx%d", e.batch, e.netH, e.netW)
	}

	start := time.Now()
	in := tensor.New(tensor.WithShape(batch.Shape()...), tensor.Of(tensor.Float32), tensor.WithBacking(batch.Data))
	if err := G.Let(e.input, in); err != nil {
		return nil, errors.Wrap(err, "failed to bind input")
	}
	defer e.vm.Reset()
	if err := e.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "forward pass failed")
	}

	res := &inference.Result{Outputs: make([]inference.RawOutput, len(e.outputs))}
	for i, node := range e.outputs {
		v := node.Value()
		data, ok := v.Data().([]float32)
		if !ok {
			return nil, errors.Errorf("output %s is %v, expected float32", e.names[i], v.Dtype())
		}
		out := make([]float32, len(data))
		copy(out, data)
		t := tensor.New(tensor.WithShape(v.Shape()...), tensor.WithBacking(out))

		t, err := e.pipeline.Apply(e.names[i], t)
		if err != nil {
			return nil, err
		}
		res.Outputs[i] = inference.RawOutput{Name: e.names[i], Tensor: t}
	}
	res.Latency = time.Since(start)
	return res, nil
}

// Close releases the tape machine.
func (e *Engine) Close() error {
	return e.vm.Close()
}
