package onnx

import (
	"fmt"
	"os"
	"runtime"

	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/config"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ProviderBackend names an ONNX Runtime execution provider.
type ProviderBackend string

const (
	// CPUProviderBackend runs on the default CPU provider.
	CPUProviderBackend ProviderBackend = "cpu"
	// CUDAProviderBackend uses NVIDIA CUDA.
	CUDAProviderBackend ProviderBackend = "cuda"
	// TensorRTProviderBackend uses NVIDIA TensorRT, required for INT8.
	TensorRTProviderBackend ProviderBackend = "tensorrt"
)

// ProviderOptions is the subset of execution provider settings the benchmark
// controls.
type ProviderOptions struct {
	Backend  ProviderBackend
	DeviceID int
	// CalibrationTable enables INT8 on TensorRT when set.
	CalibrationTable string
}

// NewProviderOptions derives the provider settings from cfg. A calibration
// artifact always selects TensorRT, since it is the only provider that
// consumes one.
func NewProviderOptions(cfg config.Config) ProviderOptions {
	opts := ProviderOptions{Backend: ProviderBackend(cfg.Provider), DeviceID: cfg.Device}
	if cfg.Int8() {
		opts.Backend = TensorRTProviderBackend
		opts.CalibrationTable = cfg.Calibration
	}
	return opts
}

// CUDAOptions returns the CUDA provider options map.
// See: https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
func (o ProviderOptions) CUDAOptions() map[string]string {
	return map[string]string{
		"device_id":                 fmt.Sprintf("%d", o.DeviceID),
		"cudnn_conv_algo_search":    "EXHAUSTIVE",
		"do_copy_in_default_stream": "1",
	}
}

// TensorRTOptions returns the TensorRT provider options map.
// See: https://onnxruntime.ai/docs/execution-providers/TensorRT-ExecutionProvider.html#configurations
func (o ProviderOptions) TensorRTOptions() map[string]string {
	opts := map[string]string{
		"device_id": fmt.Sprintf("%d", o.DeviceID),
	}
	if o.CalibrationTable != "" {
		opts["trt_int8_enable"] = "1"
		opts["trt_int8_calibration_table_name"] = o.CalibrationTable
	}
	return opts
}

// appendProvider attaches the execution provider to the session options.
// Provider failures are device errors: the accelerator is missing or the
// index is invalid.
func appendProvider(options *ort.SessionOptions, o ProviderOptions) error {
	switch o.Backend {
	case CPUProviderBackend:
		return nil
	case CUDAProviderBackend:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return common.WrapDevice(errors.Wrap(err, "error creating CUDA options"), "cuda")
		}
		defer cuda.Destroy()
		if err := cuda.Update(o.CUDAOptions()); err != nil {
			return common.WrapDevice(errors.Wrap(err, "error updating CUDA options"), "cuda")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return common.WrapDevice(errors.Wrapf(err, "error enabling CUDA on device %d", o.DeviceID), "cuda")
		}
		return nil
	case TensorRTProviderBackend:
		trt, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			return common.WrapDevice(errors.Wrap(err, "error creating TensorRT options"), "tensorrt")
		}
		defer trt.Destroy()
		if err := trt.Update(o.TensorRTOptions()); err != nil {
			return common.WrapDevice(errors.Wrap(err, "error updating TensorRT options"), "tensorrt")
		}
		if err := options.AppendExecutionProviderTensorRT(trt); err != nil {
			return common.WrapDevice(errors.Wrapf(err, "error enabling TensorRT on device %d", o.DeviceID), "tensorrt")
		}
		return nil
	}
	return common.ConfigErrorf("unknown execution provider %q", o.Backend)
}

// SharedLibPath returns the configured ONNX Runtime library, or the
// platform default when none is configured.
func SharedLibPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll", nil
	case "darwin":
		return "libonnxruntime.dylib", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "/usr/lib/aarch64-linux-gnu/libonnxruntime.so", nil
		}
		return "/usr/lib/libonnxruntime.so", nil
	}
	return "", common.ConfigErrorf("no onnxruntime library known for %s/%s", runtime.GOOS, runtime.GOARCH)
}

func checkLibrary(path string) error {
	if _, err := os.Stat(path); err != nil {
		return common.WrapIO(errors.Wrap(err, "onnxruntime library not found"), path)
	}
	return nil
}
