// Package opencv - an OpenCV DNN engine that loads deploy + weights pairs
// (darknet cfg/weights, caffe prototxt/caffemodel) and runs them on CUDA.
package opencv

import (
	"context"
	"os"
	"time"
	"unsafe"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/config"
	"github.com/nvr-ai/go-yolobench/images"
	"github.com/nvr-ai/go-yolobench/inference"
	"github.com/nvr-ai/go-yolobench/inference/layers"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gocv.io/x/gocv/cuda"
	"gorgonia.org/tensor"
)

// Engine wraps a gocv.Net.
type Engine struct {
	log      logs.Log
	net      gocv.Net
	input    string
	names    []string
	scales   []config.Scale
	classes  int
	pipeline *layers.Pipeline
	cpu      bool

	batch, netW, netH int
}

// DeviceCount returns the number of CUDA devices OpenCV can see.
func DeviceCount() int {
	return cuda.GetCudaEnabledDeviceCount()
}

// New loads the network from cfg.DeployFile and cfg.ModelFile and selects
// the CUDA target on cfg.Device. With provider "cpu" the network stays on
// the OpenCV CPU backend.
func New(cfg config.Config, pipeline *layers.Pipeline, log logs.Log) (*Engine, error) {
	for _, p := range []string{cfg.DeployFile, cfg.ModelFile} {
		if _, err := os.Stat(p); err != nil {
			return nil, common.WrapIO(errors.Wrap(err, "network file not readable"), p)
		}
	}

	e := &Engine{
		log:      log,
		input:    cfg.InputLayer,
		names:    cfg.OutputNames(),
		scales:   cfg.Outputs,
		classes:  cfg.Classes,
		pipeline: pipeline,
		cpu:      cfg.Provider == "cpu",
		batch:    cfg.BatchSize,
		netW:     cfg.NetWidth,
		netH:     cfg.NetHeight,
	}

	if !e.cpu {
		n := DeviceCount()
		if n == 0 {
			return nil, common.DeviceErrorf("no CUDA device available")
		}
		if cfg.Device >= n {
			return nil, common.DeviceErrorf("device %d out of range, %d CUDA devices present", cfg.Device, n)
		}
		cuda.SetDevice(cfg.Device)
	}

	e.net = gocv.ReadNet(cfg.ModelFile, cfg.DeployFile)
	if e.net.Empty() {
		return nil, common.WrapIO(errors.New("error reading network"), cfg.ModelFile)
	}

	if e.cpu {
		e.net.SetPreferableBackend(gocv.NetBackendOpenCV)
		e.net.SetPreferableTarget(gocv.NetTargetCPU)
	} else {
		e.net.SetPreferableBackend(gocv.NetBackendCUDA)
		e.net.SetPreferableTarget(gocv.NetTargetCUDA)
	}
	if cfg.Int8() {
		log.Warnf("OpenCV DNN has no INT8 calibration support, %s is ignored", cfg.Calibration)
	}

	log.Infof("OpenCV engine ready: deploy %s, weights %s, device %d", cfg.DeployFile, cfg.ModelFile, cfg.Device)
	return e, nil
}

// Name identifies the engine in logs.
func (e *Engine) Name() string { return "opencv" }

// DeviceCount implements inference.DeviceProber.
func (e *Engine) DeviceCount() (int, error) {
	if e.cpu {
		return 1, nil
	}
	return DeviceCount(), nil
}

// SubmitBatch wraps the already letterboxed batch as an NCHW blob and
// forwards it to every output layer.
func (e *Engine) SubmitBatch(ctx context.Context, batch *images.Batch) (*inference.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batch == nil || batch.N != e.batch || batch.Width != e.netW || batch.Height != e.netH {
		return nil, common.ConfigErrorf("batch does not match engine input %dx3x%dx%d", e.batch, e.netH, e.netW)
	}

	start := time.Now()
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&batch.Data[0])), len(batch.Data)*4)
	blob, err := gocv.NewMatWithSizesFromBytes([]int{batch.N, 3, batch.Height, batch.Width}, gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, errors.Wrap(err, "error creating input blob")
	}
	defer blob.Close()

	e.net.SetInput(blob, e.input)
	mats := e.net.ForwardLayers(e.names)
	defer func() {
		for i := range mats {
			mats[i].Close()
		}
	}()
	if len(mats) != len(e.names) {
		return nil, &common.DecodeError{Expected: len(e.names), Actual: len(mats), Reason: "output count mismatch"}
	}

	res := &inference.Result{Outputs: make([]inference.RawOutput, len(mats))}
	for i, m := range mats {
		src, err := m.DataPtrFloat32()
		if err != nil {
			return nil, errors.Wrapf(err, "error reading output %s", e.names[i])
		}
		data := make([]float32, len(src))
		copy(data, src)

		// darknet region outputs come back flattened; reshape them when the
		// element count matches and let the decoder reject anything else.
		s := e.scales[i]
		shape := []int{batch.N, s.Channels(e.classes), s.GridH, s.GridW}
		if dims := m.Size(); len(dims) == 4 {
			shape = dims
		} else if len(data) != shape[0]*shape[1]*shape[2]*shape[3] {
			shape = []int{len(data)}
		}
		t, err := e.pipeline.Apply(e.names[i], tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)))
		if err != nil {
			return nil, err
		}
		res.Outputs[i] = inference.RawOutput{Name: e.names[i], Tensor: t}
	}
	res.Latency = time.Since(start)
	return res, nil
}

// Close releases the network.
func (e *Engine) Close() error {
	return e.net.Close()
}
