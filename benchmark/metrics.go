// Package benchmark - runs the detection pipeline over an image list and
// records timing, memory and detections.
package benchmark

import (
	"time"

	"github.com/nvr-ai/go-yolobench/inference"
	"github.com/nvr-ai/go-yolobench/models/postprocess"
	"github.com/nvr-ai/go-yolobench/profiler"
)

// ImageStatus is the outcome of one image.
type ImageStatus string

const (
	StatusProcessed ImageStatus = "processed"
	// StatusSkipped means the image could not be read or letterboxed.
	StatusSkipped ImageStatus = "skipped"
	// StatusFailed means the engine output could not be decoded.
	StatusFailed ImageStatus = "failed"
)

// ImageResult captures the detections and timing of one image.
type ImageResult struct {
	ImageEntry
	Status     ImageStatus             `json:"status"`
	Error      string                  `json:"error,omitempty"`
	Latency    time.Duration           `json:"latency"`
	Detections []postprocess.Detection `json:"detections"`
}

// Report captures the whole run.
type Report struct {
	Timestamp  time.Time           `json:"timestamp"`
	Engine     string              `json:"engine"`
	Precision  inference.Precision `json:"precision"`
	Prefix     string              `json:"prefix"`
	BatchSize  int                 `json:"batch_size"`
	Iterations int                 `json:"iterations"`

	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	// TotalInference is the accumulated mean inference latency of every
	// processed image.
	TotalInference  time.Duration         `json:"total_inference"`
	MeanLatency     time.Duration         `json:"mean_latency"`
	WallTime        time.Duration         `json:"wall_time"`
	FramesPerSecond float64               `json:"frames_per_second"`
	DetectionCount  int                   `json:"detection_count"`
	Stages          []profiler.StageStats `json:"stages"`
	Memory          profiler.MemoryStats  `json:"memory"`
	Images          []ImageResult         `json:"images"`
}

// add records one image result into the aggregates.
func (r *Report) add(res ImageResult) {
	switch res.Status {
	case StatusProcessed:
		r.Processed++
		r.TotalInference += res.Latency
		r.DetectionCount += len(res.Detections)
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	}
	r.Images = append(r.Images, res)
}

// finish fills the derived aggregates.
func (r *Report) finish(wall time.Duration, prof *profiler.Profiler) {
	r.WallTime = wall
	if r.Processed > 0 {
		r.MeanLatency = r.TotalInference / time.Duration(r.Processed)
	}
	if r.TotalInference > 0 {
		r.FramesPerSecond = float64(r.Processed) / r.TotalInference.Seconds()
	}
	r.Stages = prof.Stages()
	r.Memory = prof.Memory()
}

// TotalMilliseconds is the accumulated inference time in milliseconds.
func (r *Report) TotalMilliseconds() float64 {
	return float64(r.TotalInference.Nanoseconds()) / 1e6
}
