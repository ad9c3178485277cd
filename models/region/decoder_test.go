package region

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/config"
	"github.com/nvr-ai/go-yolobench/images"
	"github.com/nvr-ai/go-yolobench/inference"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawScale builds a raw output tensor for one scale with helpers to poke logits.
type rawScale struct {
	n, anchors, classes, gh, gw int
	data                        []float32
}

func newRawScale(n, anchors, classes, gh, gw int, fill float32) *rawScale {
	r := &rawScale{n: n, anchors: anchors, classes: classes, gh: gh, gw: gw}
	r.data = make([]float32, n*anchors*(5+classes)*gh*gw)
	for i := range r.data {
		r.data[i] = fill
	}
	return r
}

func (r *rawScale) channels() int { return r.anchors * (5 + r.classes) }

func (r *rawScale) set(n, anchor, field, y, x int, v float32) {
	c := anchor*(5+r.classes) + field
	r.data[((n*r.channels()+c)*r.gh+y)*r.gw+x] = v
}

// setAll sets one field for every anchor of every cell.
func (r *rawScale) setAll(field int, v float32) {
	for n := 0; n < r.n; n++ {
		for a := 0; a < r.anchors; a++ {
			for y := 0; y < r.gh; y++ {
				for x := 0; x < r.gw; x++ {
					r.set(n, a, field, y, x, v)
				}
			}
		}
	}
}

func (r *rawScale) output(name string) inference.RawOutput {
	return inference.NewRawOutput(name, r.data, r.n, r.channels(), r.gh, r.gw)
}

// wideBatch is a 640x480 image letterboxed into 416x416.
func wideBatch(n int) *images.Batch {
	lb := &images.LetterboxedTensor{
		NetW: 416, NetH: 416,
		SourceW: 640, SourceH: 480,
		ResizedW: 416, ResizedH: 312,
		PadX: 0, PadY: 52,
		Scale: 0.65,
	}
	b := &images.Batch{N: n, Height: 416, Width: 416, Valid: n}
	for i := 0; i < n; i++ {
		b.Slots = append(b.Slots, lb)
	}
	return b
}

func squareBatch() *images.Batch {
	lb := &images.LetterboxedTensor{
		NetW: 416, NetH: 416,
		SourceW: 416, SourceH: 416,
		ResizedW: 416, ResizedH: 416,
		Scale: 1,
	}
	return &images.Batch{N: 1, Height: 416, Width: 416, Valid: 1, Slots: []*images.LetterboxedTensor{lb}}
}

func twoScaleConfig(mode config.ClassMode, classes int) DecoderConfig {
	return DecoderConfig{
		NetW: 416, NetH: 416,
		Scales: []config.Scale{
			{Name: "coarse", GridW: 13, GridH: 13, Anchors: []config.Anchor{{W: 116, H: 90}, {W: 156, H: 198}}},
			{Name: "fine", GridW: 26, GridH: 26, Anchors: []config.Anchor{{W: 30, H: 61}, {W: 62, H: 45}}},
		},
		Classes:    classes,
		Mode:       mode,
		Background: config.NoBackground,
	}
}

func twoScaleOutputs(classes int, objectness float32) (*rawScale, *rawScale, []inference.RawOutput) {
	coarse := newRawScale(1, 2, classes, 13, 13, 0)
	fine := newRawScale(1, 2, classes, 26, 26, 0)
	coarse.setAll(4, objectness)
	fine.setAll(4, objectness)
	return coarse, fine, []inference.RawOutput{coarse.output("coarse"), fine.output("fine")}
}

func sig(x float32) float32 { return 1 / (1 + math32.Exp(-x)) }

// TestDecodeCenterFormula ensures the center and size follow the region formula
// for an identity letterbox.
func TestDecodeCenterFormula(t *testing.T) {
	d, err := NewDecoder(twoScaleConfig(config.ClassModeIndependent, 3))
	require.NoError(t, err)

	coarse, _, outputs := twoScaleOutputs(3, -5)
	coarse.set(0, 1, 0, 6, 4, 0.3)  // tx
	coarse.set(0, 1, 1, 6, 4, -0.7) // ty
	coarse.set(0, 1, 2, 6, 4, 0.1)  // tw
	coarse.set(0, 1, 3, 6, 4, -0.2) // th
	coarse.set(0, 1, 4, 6, 4, 5)
	coarse.set(0, 1, 5+2, 6, 4, 5)

	cands, err := d.Decode(outputs, squareBatch(), 0)
	require.NoError(t, err)
	require.Len(t, cands, d.Size())
	assert.Equal(t, 13*13*2+26*26*2, len(cands))

	index := (6*13+4)*2 + 1
	c := cands[index]
	assert.Equal(t, index, c.Index)
	assert.Equal(t, 0, c.Scale)
	assert.Equal(t, 6*13+4, c.Cell)
	assert.Equal(t, 1, c.Anchor)

	assert.InDelta(t, (4+sig(0.3))/13*416, c.Box.X, 1e-3)
	assert.InDelta(t, (6+sig(-0.7))/13*416, c.Box.Y, 1e-3)
	assert.InDelta(t, 156*math32.Exp(0.1), c.Box.W, 1e-3)
	assert.InDelta(t, 198*math32.Exp(-0.2), c.Box.H, 1e-3)
	assert.InDelta(t, sig(5), c.Objectness, 1e-6)

	class, conf := c.Best()
	assert.Equal(t, 2, class)
	assert.InDelta(t, sig(5)*sig(5), conf, 1e-6)
	assert.InDelta(t, 0.5, c.Scores[0], 1e-6, "independent mode: logit 0 gives 0.5")
}

// TestDecodeInverseLetterbox ensures boxes are mapped back through the
// letterbox padding and scale of a non-square image.
func TestDecodeInverseLetterbox(t *testing.T) {
	d, err := NewDecoder(twoScaleConfig(config.ClassModeIndependent, 1))
	require.NoError(t, err)

	_, fine, outputs := twoScaleOutputs(1, -5)
	// Cell (13, 13) with tx = ty = 0 is the center of the network input.
	fine.set(0, 0, 4, 13, 12, 5)
	fine.set(0, 0, 5, 13, 12, 5)

	cands, err := d.Decode(outputs, wideBatch(1), 0)
	require.NoError(t, err)

	c := cands[13*13*2+(13*26+12)*2]
	nx := float32(12.5) / 26
	ny := float32(13.5) / 26
	wantX := (nx*416 - 0) * 640 / 416
	wantY := (ny*416 - 52) * 480 / 312
	assert.InDelta(t, wantX, c.Box.X, 1e-3)
	assert.InDelta(t, wantY, c.Box.Y, 1e-3)
	assert.InDelta(t, 30.0*640/416, c.Box.W, 1e-3)
	assert.InDelta(t, 61.0*480/312, c.Box.H, 1e-3)
}

// TestDecodeClampsToImage ensures huge or border boxes are cut at the image
// edge rather than dropped.
func TestDecodeClampsToImage(t *testing.T) {
	d, err := NewDecoder(twoScaleConfig(config.ClassModeIndependent, 1))
	require.NoError(t, err)

	coarse, fine, outputs := twoScaleOutputs(1, 0)
	coarse.setAll(2, 4)
	coarse.setAll(3, 4)
	fine.set(0, 0, 0, 0, 0, -20)
	fine.set(0, 0, 1, 0, 0, -20)
	fine.set(0, 0, 2, 0, 0, 100)

	cands, err := d.Decode(outputs, wideBatch(1), 0)
	require.NoError(t, err)
	for _, c := range cands {
		x1, y1, x2, y2 := c.Box.Corners()
		require.GreaterOrEqual(t, x1, float32(-1e-3), "candidate %d", c.Index)
		require.GreaterOrEqual(t, y1, float32(-1e-3), "candidate %d", c.Index)
		require.LessOrEqual(t, x2, float32(640+1e-3), "candidate %d", c.Index)
		require.LessOrEqual(t, y2, float32(480+1e-3), "candidate %d", c.Index)
	}
}

// TestDecodeExclusiveMode ensures softmax scores sum to one and the background
// index never wins.
func TestDecodeExclusiveMode(t *testing.T) {
	cfg := twoScaleConfig(config.ClassModeExclusive, 4)
	d, err := NewDecoder(cfg)
	require.NoError(t, err)

	coarse, _, outputs := twoScaleOutputs(4, 2)
	coarse.set(0, 0, 5+1, 0, 0, 3)
	coarse.set(0, 0, 5+3, 0, 0, 1)

	cands, err := d.Decode(outputs, squareBatch(), 0)
	require.NoError(t, err)

	var sum float32
	for _, s := range cands[0].Scores {
		sum += s
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	class, _ := cands[0].Best()
	assert.Equal(t, 1, class)

	cfg.Background = 1
	d, err = NewDecoder(cfg)
	require.NoError(t, err)
	cands, err = d.Decode(outputs, squareBatch(), 0)
	require.NoError(t, err)
	assert.Equal(t, float32(0), cands[0].Scores[1])
	class, _ = cands[0].Best()
	assert.Equal(t, 3, class, "the background sink is excluded")
}

// TestDecodeShapeMismatch ensures a wrong tensor size is a decode error that
// names the scale and both sizes.
func TestDecodeShapeMismatch(t *testing.T) {
	d, err := NewDecoder(twoScaleConfig(config.ClassModeIndependent, 3))
	require.NoError(t, err)

	coarse := newRawScale(1, 2, 3, 13, 13, 0)
	wrong := newRawScale(1, 2, 2, 26, 26, 0)
	outputs := []inference.RawOutput{coarse.output("coarse"), wrong.output("fine")}

	_, err = d.Decode(outputs, squareBatch(), 0)
	require.Error(t, err)
	var de *common.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Scale)
	assert.Equal(t, 1*16*26*26, de.Expected)
	assert.Equal(t, 1*14*26*26, de.Actual)

	_, err = d.Decode(outputs[:1], squareBatch(), 0)
	assert.True(t, common.IsKind(err, common.KindDecode))

	_, _, good := twoScaleOutputs(3, 0)
	_, err = d.Decode(good, squareBatch(), 1)
	assert.True(t, common.IsKind(err, common.KindDecode), "slot out of range")
}

// TestDecodeFlattenedOutput ensures an engine that returns a flat tensor of
// the right size is reinterpreted as NCHW.
func TestDecodeFlattenedOutput(t *testing.T) {
	d, err := NewDecoder(twoScaleConfig(config.ClassModeIndependent, 1))
	require.NoError(t, err)

	coarse, fine, outputs := twoScaleOutputs(1, -5)
	coarse.set(0, 0, 4, 2, 3, 5)
	want, err := d.Decode(outputs, squareBatch(), 0)
	require.NoError(t, err)

	flat := []inference.RawOutput{
		inference.NewRawOutput("coarse", coarse.data, len(coarse.data)),
		inference.NewRawOutput("fine", fine.data, 1, len(fine.data)),
	}
	got, err := d.Decode(flat, squareBatch(), 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// TestDecodeSlots ensures each batch slot reads its own plane.
func TestDecodeSlots(t *testing.T) {
	d, err := NewDecoder(twoScaleConfig(config.ClassModeIndependent, 1))
	require.NoError(t, err)

	coarse := newRawScale(2, 2, 1, 13, 13, -5)
	fine := newRawScale(2, 2, 1, 26, 26, -5)
	coarse.set(1, 0, 4, 0, 0, 5)
	outputs := []inference.RawOutput{coarse.output("coarse"), fine.output("fine")}

	first, err := d.Decode(outputs, wideBatch(2), 0)
	require.NoError(t, err)
	second, err := d.Decode(outputs, wideBatch(2), 1)
	require.NoError(t, err)
	assert.InDelta(t, sig(-5), first[0].Objectness, 1e-6)
	assert.InDelta(t, sig(5), second[0].Objectness, 1e-6)
}

// TestDecodeCompaction ensures compaction keeps exactly the passing candidates
// in decode order.
func TestDecodeCompaction(t *testing.T) {
	cfg := twoScaleConfig(config.ClassModeIndependent, 2)
	full, err := NewDecoder(cfg)
	require.NoError(t, err)
	cfg.CompactBelow = 0.5
	cfg.Workers = 3
	compacting, err := NewDecoder(cfg)
	require.NoError(t, err)

	coarse, fine, outputs := twoScaleOutputs(2, -5)
	for _, p := range [][2]int{{0, 0}, {5, 7}, {12, 12}} {
		coarse.set(0, 1, 4, p[0], p[1], 5)
		coarse.set(0, 1, 5, p[0], p[1], 5)
	}
	fine.set(0, 0, 4, 20, 3, 5)
	fine.set(0, 0, 6, 20, 3, 5)

	all, err := full.Decode(outputs, squareBatch(), 0)
	require.NoError(t, err)
	var want []Candidate
	for _, c := range all {
		if _, conf := c.Best(); conf >= 0.5 {
			want = append(want, c)
		}
	}

	got, err := compacting.Decode(outputs, squareBatch(), 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, want, got)
}

// TestDecodeDeterministic ensures repeated decodes are identical.
func TestDecodeDeterministic(t *testing.T) {
	d, err := NewDecoder(twoScaleConfig(config.ClassModeExclusive, 3))
	require.NoError(t, err)
	coarse, fine, outputs := twoScaleOutputs(3, 0.5)
	for i := range coarse.data {
		coarse.data[i] = float32(i%17)/8 - 1
	}
	for i := range fine.data {
		fine.data[i] = float32(i%23)/11 - 1
	}

	a, err := d.Decode(outputs, wideBatch(1), 0)
	require.NoError(t, err)
	b, err := d.Decode(outputs, wideBatch(1), 0)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNewDecoderErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DecoderConfig)
	}{
		{"no mode", func(c *DecoderConfig) { c.Mode = "" }},
		{"background in independent mode", func(c *DecoderConfig) { c.Background = 0 }},
		{"background out of range", func(c *DecoderConfig) {
			c.Mode = config.ClassModeExclusive
			c.Background = 9
		}},
		{"no classes", func(c *DecoderConfig) { c.Classes = 0 }},
		{"no scales", func(c *DecoderConfig) { c.Scales = nil }},
		{"zero net", func(c *DecoderConfig) { c.NetW = 0 }},
		{"empty grid", func(c *DecoderConfig) {
			c.Scales = []config.Scale{{Name: "x", GridW: 0, GridH: 1, Anchors: []config.Anchor{{W: 1, H: 1}}}}
		}},
		{"negative compaction", func(c *DecoderConfig) { c.CompactBelow = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := twoScaleConfig(config.ClassModeIndependent, 3)
			tt.mutate(&cfg)
			_, err := NewDecoder(cfg)
			assert.True(t, common.IsKind(err, common.KindConfig), "got %v", err)
		})
	}
}

func TestViewBounds(t *testing.T) {
	r := newRawScale(1, 1, 1, 2, 3, 0)
	r.set(0, 0, 5, 1, 2, 7)
	v, err := NewView(r.output("x").Tensor, 0, 1, 6, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6, 2, 3}, []int(v.Shape()))
	assert.Equal(t, []int{36, 6, 3, 1}, v.Strides())

	got, err := v.At(0, 5, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, float32(7), got)

	for _, idx := range [][4]int{{1, 0, 0, 0}, {0, 6, 0, 0}, {0, 0, 2, 0}, {0, 0, 0, 3}, {0, -1, 0, 0}} {
		_, err := v.At(idx[0], idx[1], idx[2], idx[3])
		assert.True(t, common.IsKind(err, common.KindDecode), "index %v", idx)
	}
	assert.Error(t, v.Block(0, 4, 0, 0, make([]float32, 3)))
	assert.NoError(t, v.Block(0, 3, 0, 0, make([]float32, 3)))

	_, err = NewView(nil, 2, 1, 1, 1, 1)
	assert.True(t, common.IsKind(err, common.KindDecode))
}
