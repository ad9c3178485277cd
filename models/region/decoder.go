// Package region - decodes raw multi-scale YOLO region outputs into candidate
// boxes in source image pixel coordinates.
package region

import (
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/config"
	"github.com/nvr-ai/go-yolobench/images"
	"github.com/nvr-ai/go-yolobench/inference"
	"golang.org/x/sync/errgroup"
)

// Candidate is one decoded (scale, cell, anchor) prediction.
type Candidate struct {
	Box        images.Box
	Objectness float32
	// Scores holds the activated class scores, not yet multiplied by objectness.
	Scores []float32
	Scale  int
	Cell   int
	Anchor int
	// Index is the position in the full decode order (scale, cell, anchor).
	// It is stable whether or not candidates were compacted.
	Index int
}

// Confidence returns objectness times the score of class c.
func (c *Candidate) Confidence(class int) float32 {
	return c.Objectness * c.Scores[class]
}

// Best returns the class with the highest combined confidence. Ties go to
// the lower class index.
func (c *Candidate) Best() (int, float32) {
	best, score := 0, float32(-1)
	for i, s := range c.Scores {
		if s > score {
			best, score = i, s
		}
	}
	return best, c.Objectness * score
}

// DecoderConfig is the layout the decoder expects from the engine.
type DecoderConfig struct {
	NetW, NetH int
	Scales     []config.Scale
	Classes    int
	Mode       config.ClassMode
	// Background is the class index used as a no-object sink in exclusive
	// mode, or config.NoBackground.
	Background int
	// Workers bounds the decode fan-out. 0 means runtime.NumCPU().
	Workers int
	// CompactBelow drops candidates whose best confidence is below it while
	// decoding. 0 keeps every candidate.
	CompactBelow float32
}

// NewDecoderConfig derives the decoder layout from a run configuration.
func NewDecoderConfig(cfg config.Config) DecoderConfig {
	return DecoderConfig{
		NetW:       cfg.NetWidth,
		NetH:       cfg.NetHeight,
		Scales:     cfg.Outputs,
		Classes:    cfg.Classes,
		Mode:       cfg.ClassMode,
		Background: cfg.Background,
		Workers:    cfg.Workers,
	}
}

// Decoder turns raw per-scale tensors into a merged candidate list.
type Decoder struct {
	cfg     DecoderConfig
	offsets []int
	total   int
}

// NewDecoder validates the layout and precomputes the output slot of every
// (scale, cell, anchor).
func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if cfg.NetW <= 0 || cfg.NetH <= 0 {
		return nil, common.ConfigErrorf("network size must be positive, got %dx%d", cfg.NetW, cfg.NetH)
	}
	if len(cfg.Scales) == 0 {
		return nil, common.ConfigErrorf("at least one scale is required")
	}
	if cfg.Classes <= 0 {
		return nil, common.ConfigErrorf("class count must be positive, got %d", cfg.Classes)
	}
	switch cfg.Mode {
	case config.ClassModeIndependent:
		if cfg.Background != config.NoBackground {
			return nil, common.ConfigErrorf("background index requires %s mode", config.ClassModeExclusive)
		}
	case config.ClassModeExclusive:
		if cfg.Background != config.NoBackground && (cfg.Background < 0 || cfg.Background >= cfg.Classes) {
			return nil, common.ConfigErrorf("background index %d out of range", cfg.Background)
		}
	default:
		return nil, common.ConfigErrorf("class mode must be %s or %s, got %q", config.ClassModeIndependent, config.ClassModeExclusive, cfg.Mode)
	}
	if cfg.CompactBelow < 0 {
		return nil, common.ConfigErrorf("compaction bound must be >= 0, got %v", cfg.CompactBelow)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	d := &Decoder{cfg: cfg, offsets: make([]int, len(cfg.Scales))}
	for i, s := range cfg.Scales {
		if s.GridW <= 0 || s.GridH <= 0 || len(s.Anchors) == 0 {
			return nil, common.ConfigErrorf("scale %d (%s) has an empty grid or no anchors", i, s.Name)
		}
		d.offsets[i] = d.total
		d.total += s.GridW * s.GridH * len(s.Anchors)
	}
	return d, nil
}

// Size returns the number of candidates an uncompacted decode produces.
func (d *Decoder) Size() int { return d.total }

// Decode converts the outputs of one forward pass into the candidates of one
// batch slot.
//
// Arguments:
//   - outputs: One tensor per configured scale, in configuration order, each
//     shaped (batch.N, anchors*(5+classes), gridH, gridW).
//   - batch: The batch that produced the outputs; supplies N and the letterbox
//     geometry of the slot.
//   - slot: The batch slot to decode.
//
// Returns:
//   - Candidates ordered by scale, then cell, then anchor, with boxes clamped
//     to the source image. A *common.DecodeError if any tensor does not match.
func (d *Decoder) Decode(outputs []inference.RawOutput, batch *images.Batch, slot int) ([]Candidate, error) {
	if len(outputs) != len(d.cfg.Scales) {
		return nil, &common.DecodeError{Scale: -1, Expected: len(d.cfg.Scales), Actual: len(outputs), Reason: "output count mismatch"}
	}
	if batch == nil || slot < 0 || slot >= batch.N || slot >= len(batch.Slots) {
		n := 0
		if batch != nil {
			n = batch.N
		}
		return nil, &common.DecodeError{Scale: -1, Expected: n, Actual: slot, Reason: "batch slot out of range"}
	}
	lb := batch.Slots[slot]
	stride := 5 + d.cfg.Classes

	views := make([]*View, len(d.cfg.Scales))
	for i, s := range d.cfg.Scales {
		v, err := NewView(outputs[i].Tensor, i, batch.N, s.Channels(d.cfg.Classes), s.GridH, s.GridW)
		if err != nil {
			return nil, err
		}
		views[i] = v
	}

	cands := make([]Candidate, d.total)
	scores := make([]float32, d.total*d.cfg.Classes)
	var next atomic.Int64
	compact := d.cfg.CompactBelow > 0

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for si := range d.cfg.Scales {
		s := d.cfg.Scales[si]
		view := views[si]
		for y := 0; y < s.GridH; y++ {
			g.Go(func() error {
				raw := make([]float32, stride)
				for x := 0; x < s.GridW; x++ {
					cell := y*s.GridW + x
					for a, anchor := range s.Anchors {
						if err := view.Block(slot, a*stride, y, x, raw); err != nil {
							return err
						}
						index := d.offsets[si] + cell*len(s.Anchors) + a
						c := Candidate{
							Scale:  si,
							Cell:   cell,
							Anchor: a,
							Index:  index,
							Scores: scores[index*d.cfg.Classes : (index+1)*d.cfg.Classes],
						}
						d.decodeOne(raw, x, y, s, anchor, lb, &c)
						if compact {
							if _, conf := c.Best(); conf < d.cfg.CompactBelow {
								continue
							}
							cands[next.Add(1)-1] = c
						} else {
							cands[index] = c
						}
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if compact {
		cands = cands[:next.Load()]
		sort.Slice(cands, func(i, j int) bool { return cands[i].Index < cands[j].Index })
	}
	return cands, nil
}

// decodeOne fills c from the raw channel block of one anchor.
func (d *Decoder) decodeOne(raw []float32, x, y int, s config.Scale, anchor config.Anchor, lb *images.LetterboxedTensor, c *Candidate) {
	bx := (float32(x) + sigmoid(raw[0])) / float32(s.GridW)
	by := (float32(y) + sigmoid(raw[1])) / float32(s.GridH)
	bw := anchor.W * math32.Exp(raw[2]) / float32(d.cfg.NetW)
	bh := anchor.H * math32.Exp(raw[3]) / float32(d.cfg.NetH)

	cx, cy := lb.ToImageSpace(bx, by)
	w, h := lb.ToImageSize(bw, bh)
	c.Box = images.Box{X: cx, Y: cy, W: w, H: h}.Clamp(float32(lb.SourceW), float32(lb.SourceH))
	c.Objectness = sigmoid(raw[4])

	logits := raw[5:]
	switch d.cfg.Mode {
	case config.ClassModeExclusive:
		softmax(logits, c.Scores)
		if d.cfg.Background != config.NoBackground {
			c.Scores[d.cfg.Background] = 0
		}
	default:
		for i, l := range logits {
			c.Scores[i] = sigmoid(l)
		}
	}
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// softmax writes the normalized exponential of in to out.
func softmax(in, out []float32) {
	largest := in[0]
	for _, v := range in[1:] {
		if v > largest {
			largest = v
		}
	}
	var sum float32
	for i, v := range in {
		e := math32.Exp(v - largest)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
}
