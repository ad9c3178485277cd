// Package inference - the boundary between the benchmark and the external
// inference engine.
package inference

import (
	"context"
	"time"

	"github.com/nvr-ai/go-yolobench/images"
	"gorgonia.org/tensor"
)

// RawOutput is one detection scale's raw output, shaped
// (batch, anchors*(5+classes), gridH, gridW).
type RawOutput struct {
	Name   string
	Tensor *tensor.Dense
}

// Result is what a single forward pass returns.
type Result struct {
	// Outputs holds one tensor per configured output name, in order.
	Outputs []RawOutput
	// Latency is the engine's own measurement of the call.
	Latency time.Duration
}

// Engine runs a forward pass over a batch.
//
// Implementations are not reentrant: at most one SubmitBatch may be running
// at a time. Use Exclusive to enforce that.
type Engine interface {
	SubmitBatch(ctx context.Context, batch *images.Batch) (*Result, error)
	Close() error
}

// DeviceProber is implemented by engines that can count compute devices.
type DeviceProber interface {
	DeviceCount() (int, error)
}

// Named is implemented by engines that describe themselves in logs.
type Named interface {
	Name() string
}

// NewRawOutput wraps a float32 slice as an output tensor.
func NewRawOutput(name string, data []float32, shape ...int) RawOutput {
	return RawOutput{
		Name:   name,
		Tensor: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)),
	}
}
