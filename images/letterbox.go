package images

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-yolobench/common"
)

// PadValue is the normalized fill used around a letterboxed image.
const PadValue float32 = 0.5

// Interpolation maps the configuration names to nfnt/resize filters.
var Interpolation = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"mitchell": resize.MitchellNetravali,
	"lanczos2": resize.Lanczos2,
	"lanczos3": resize.Lanczos3,
}

// LetterboxedTensor is one image resized into the network input with its
// aspect ratio preserved, stored planar (C, H, W) and normalized to [0, 1].
// The geometry fields are what the decoder needs to map boxes back.
type LetterboxedTensor struct {
	Data []float32

	NetW, NetH         int
	SourceW, SourceH   int
	ResizedW, ResizedH int
	PadX, PadY         int
	Scale              float32
}

// ToImageSpace maps a point in normalized network coordinates back to pixel
// coordinates of the source image.
func (t *LetterboxedTensor) ToImageSpace(nx, ny float32) (float32, float32) {
	x := (nx*float32(t.NetW) - float32(t.PadX)) * float32(t.SourceW) / float32(t.ResizedW)
	y := (ny*float32(t.NetH) - float32(t.PadY)) * float32(t.SourceH) / float32(t.ResizedH)
	return x, y
}

// ToImageSize maps a normalized network size back to pixels.
func (t *LetterboxedTensor) ToImageSize(nw, nh float32) (float32, float32) {
	w := nw * float32(t.NetW) * float32(t.SourceW) / float32(t.ResizedW)
	h := nh * float32(t.NetH) * float32(t.SourceH) / float32(t.ResizedH)
	return w, h
}

// Preprocessor letterboxes images into a fixed network resolution.
type Preprocessor struct {
	netW, netH int
	bgr        bool
	filter     resize.InterpolationFunction
}

// NewPreprocessor creates a Preprocessor.
//
// Arguments:
//   - netW, netH: Network input resolution.
//   - colorOrder: "rgb" or "bgr", the channel order of the output planes.
//   - interpolation: One of the names in Interpolation.
//
// Returns:
//   - The preprocessor, or a KindConfig error.
func NewPreprocessor(netW, netH int, colorOrder, interpolation string) (*Preprocessor, error) {
	if netW <= 0 || netH <= 0 {
		return nil, common.ConfigErrorf("network size must be positive, got %dx%d", netW, netH)
	}
	filter, ok := Interpolation[interpolation]
	if !ok {
		return nil, common.ConfigErrorf("unknown interpolation %q", interpolation)
	}
	switch colorOrder {
	case "rgb", "bgr":
	default:
		return nil, common.ConfigErrorf("unknown color order %q", colorOrder)
	}
	return &Preprocessor{netW: netW, netH: netH, bgr: colorOrder == "bgr", filter: filter}, nil
}

// Letterbox scales img by min(netW/imgW, netH/imgH), centers it and fills
// the border with PadValue.
//
// Returns:
//   - The planar tensor with its geometry, or a KindIO error for an empty image.
func (p *Preprocessor) Letterbox(img *Image) (*LetterboxedTensor, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}

	scale := min(float64(p.netW)/float64(img.Width), float64(p.netH)/float64(img.Height))
	rw := clampInt(int(float64(img.Width)*scale), 1, p.netW)
	rh := clampInt(int(float64(img.Height)*scale), 1, p.netH)

	t := &LetterboxedTensor{
		Data:     make([]float32, 3*p.netW*p.netH),
		NetW:     p.netW,
		NetH:     p.netH,
		SourceW:  img.Width,
		SourceH:  img.Height,
		ResizedW: rw,
		ResizedH: rh,
		PadX:     (p.netW - rw) / 2,
		PadY:     (p.netH - rh) / 2,
		Scale:    float32(scale),
	}
	for i := range t.Data {
		t.Data[i] = PadValue
	}

	resized := p.resize(img, rw, rh)
	plane := p.netW * p.netH
	r, g, b := 0, plane, 2*plane
	if p.bgr {
		r, b = b, r
	}
	for y := 0; y < rh; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+rw*4]
		base := (t.PadY+y)*p.netW + t.PadX
		for x := 0; x < rw; x++ {
			t.Data[r+base+x] = float32(row[x*4+0]) / 255
			t.Data[g+base+x] = float32(row[x*4+1]) / 255
			t.Data[b+base+x] = float32(row[x*4+2]) / 255
		}
	}
	return t, nil
}

func (p *Preprocessor) resize(img *Image, w, h int) *image.NRGBA {
	src := img.ToNRGBA()
	if w == img.Width && h == img.Height {
		return src
	}
	out := resize.Resize(uint(w), uint(h), src, p.filter)
	if n, ok := out.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), out, out.Bounds().Min, draw.Src)
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
