// Package inference - This file provides common utilities for inference tasks.
package inference

// Precision represents the numeric precision an engine runs the model at.
type Precision string

// Precision constants are the supported precisions for inference.
const (
	PrecisionINT8 Precision = "INT8"
	PrecisionFP32 Precision = "FP32"
)

// PrecisionFor returns INT8 when a calibration artifact is configured and
// FP32 otherwise.
func PrecisionFor(calibrated bool) Precision {
	if calibrated {
		return PrecisionINT8
	}
	return PrecisionFP32
}
