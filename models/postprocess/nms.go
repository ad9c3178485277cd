package postprocess

import (
	"runtime"
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/models/region"
	"golang.org/x/sync/errgroup"
)

// parallelMin is the number of overlap checks below which a kept box is
// compared against its neighbours on the calling goroutine.
const parallelMin = 256

// NMSConfig defines the thresholds of the Suppressor.
type NMSConfig struct {
	ConfThreshold float32 // Minimum combined confidence, inclusive.
	IoUThreshold  float32 // Same-class overlap at or above this is suppressed.
	NumWorkers    int     // Goroutines for the overlap checks of one kept box. 0 means NumCPU.
}

// Suppressor turns merged candidates into the final detection list.
type Suppressor struct {
	cfg NMSConfig
}

// NewSuppressor validates cfg and creates a Suppressor.
func NewSuppressor(cfg NMSConfig) (*Suppressor, error) {
	if cfg.ConfThreshold <= 0 || cfg.ConfThreshold > 1 {
		return nil, common.ConfigErrorf("confidence threshold must be in (0, 1], got %v", cfg.ConfThreshold)
	}
	if cfg.IoUThreshold <= 0 || cfg.IoUThreshold > 1 {
		return nil, common.ConfigErrorf("nms threshold must be in (0, 1], got %v", cfg.IoUThreshold)
	}
	if cfg.NumWorkers < 0 {
		return nil, common.ConfigErrorf("workers must be >= 0, got %d", cfg.NumWorkers)
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	return &Suppressor{cfg: cfg}, nil
}

// Threshold collapses every candidate whose best combined confidence reaches
// the confidence threshold into a single-class Detection.
func (s *Suppressor) Threshold(cands []region.Candidate) []Detection {
	dets := make([]Detection, 0, len(cands)/8)
	for i := range cands {
		c := &cands[i]
		class, conf := c.Best()
		if conf < s.cfg.ConfThreshold {
			continue
		}
		dets = append(dets, Detection{
			Box:        c.Box,
			Class:      class,
			Confidence: conf,
			Scale:      c.Scale,
			Index:      c.Index,
		})
	}
	return dets
}

// Suppress applies thresholding, ordering and greedy class-wise NMS.
//
// Arguments:
//   - cands: The merged candidates of one image.
//
// Returns:
//   - Detections sorted by descending confidence, ties by lower candidate
//     index. No two detections of the same class have IoU >= IoUThreshold.
func (s *Suppressor) Suppress(cands []region.Candidate) []Detection {
	dets := s.Threshold(cands)
	SortByConfidence(dets)
	return s.ApplyNMS(dets)
}

// SortByConfidence orders dets by descending confidence, then by ascending
// candidate index.
func SortByConfidence(dets []Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		if dets[i].Confidence != dets[j].Confidence {
			return dets[i].Confidence > dets[j].Confidence
		}
		return dets[i].Index < dets[j].Index
	})
}

// ApplyNMS filters sorted detections with greedy class-wise suppression.
//
// A detection is kept when its IoU with every previously kept detection of
// the same class is strictly below the threshold. Overlap candidates come
// from a static spatial index, so only boxes that actually touch are
// compared.
//
// Arguments:
//   - dets: Detections sorted by SortByConfidence.
//
// Returns:
//   - The kept detections, in input order. Nil for empty input.
func (s *Suppressor) ApplyNMS(dets []Detection) []Detection {
	n := len(dets)
	if n == 0 {
		return nil
	}

	index := flatbush.NewFlatbush[float32]()
	index.Reserve(n)
	for i := range dets {
		x1, y1, x2, y2 := dets[i].Box.Corners()
		index.Add(x1, y1, x2, y2)
	}
	index.Finish()

	suppressed := make([]bool, n)
	kept := make([]Detection, 0, n)
	for i := 0; i < n; i++ {
		if suppressed[i] {
			continue
		}
		kept = append(kept, dets[i])

		x1, y1, x2, y2 := dets[i].Box.Corners()
		hits := index.Search(x1, y1, x2, y2)
		if len(hits) >= parallelMin && s.cfg.NumWorkers > 1 {
			s.suppressParallel(dets, i, hits, suppressed)
			continue
		}
		for _, j := range hits {
			s.check(dets, i, j, suppressed)
		}
	}
	return kept
}

// check suppresses j if it comes after the kept detection i, shares its
// class and overlaps it at or above the threshold.
func (s *Suppressor) check(dets []Detection, i, j int, suppressed []bool) {
	if j <= i || suppressed[j] || dets[j].Class != dets[i].Class {
		return
	}
	if dets[i].Box.IoU(dets[j].Box) >= s.cfg.IoUThreshold {
		suppressed[j] = true
	}
}

// suppressParallel splits the overlap checks of kept detection i across
// workers. Every hit index is distinct, so the writes never collide.
func (s *Suppressor) suppressParallel(dets []Detection, i int, hits []int, suppressed []bool) {
	chunk := (len(hits) + s.cfg.NumWorkers - 1) / s.cfg.NumWorkers
	var g errgroup.Group
	for start := 0; start < len(hits); start += chunk {
		part := hits[start:min(start+chunk, len(hits))]
		g.Go(func() error {
			for _, j := range part {
				s.check(dets, i, j, suppressed)
			}
			return nil
		})
	}
	_ = g.Wait()
}
