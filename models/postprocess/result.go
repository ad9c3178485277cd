// Package postprocess - confidence thresholding and Non-Maximum Suppression
// of decoded region candidates.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/go-yolobench/images"
)

// Detection is a candidate that survived thresholding and suppression.
type Detection struct {
	Box        images.Box `json:"box"`
	Class      int        `json:"class"`
	Label      string     `json:"label,omitempty"`
	Confidence float32    `json:"confidence"`
	// Scale and Index identify the candidate the detection came from.
	Scale int `json:"scale"`
	Index int `json:"index"`
}

func (d Detection) String() string {
	label := d.Label
	if label == "" {
		label = fmt.Sprintf("class %d", d.Class)
	}
	return fmt.Sprintf("%s (confidence %f): %v", label, d.Confidence, d.Box)
}

// WithLabels returns dets with Label filled from labels by class index.
// Classes without a label keep an empty Label.
func WithLabels(dets []Detection, labels []string) []Detection {
	out := make([]Detection, len(dets))
	for i, d := range dets {
		if d.Class >= 0 && d.Class < len(labels) {
			d.Label = labels[d.Class]
		}
		out[i] = d
	}
	return out
}
