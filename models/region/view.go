package region

import (
	"github.com/nvr-ai/go-yolobench/common"
	"gorgonia.org/tensor"
)

// View is a read-only, bounds-checked NCHW window over a raw output tensor.
// Element offsets come from the tensor's own strides, so callers never do
// pointer arithmetic on the backing slice.
type View struct {
	scale   int
	data    []float32
	shape   tensor.Shape
	strides []int
}

// NewView wraps t as an (n, c, h, w) tensor for the given detection scale.
//
// The tensor may come back from an engine flattened or with extra unit
// dimensions; as long as the element count matches, it is reinterpreted as a
// contiguous NCHW block.
//
// Returns:
//   - A view, or a *common.DecodeError carrying the scale index and the
//     expected and actual element counts.
func NewView(t *tensor.Dense, scale, n, c, h, w int) (*View, error) {
	expected := n * c * h * w
	if t == nil {
		return nil, &common.DecodeError{Scale: scale, Expected: expected, Reason: "missing output tensor"}
	}
	if t.IsMaterializable() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return nil, &common.DecodeError{Scale: scale, Expected: expected, Reason: "cannot materialize output view"}
		}
		t = m
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, &common.DecodeError{Scale: scale, Expected: expected, Reason: "output is not float32 (" + t.Dtype().String() + ")"}
	}
	actual := t.Shape().TotalSize()
	if actual != expected || len(data) < expected {
		return nil, &common.DecodeError{Scale: scale, Expected: expected, Actual: actual}
	}

	shape := tensor.Shape{n, c, h, w}
	strides := shape.CalcStrides()
	if t.Shape().Eq(shape) {
		strides = append([]int(nil), t.Strides()...)
	}
	return &View{scale: scale, data: data, shape: shape, strides: strides}, nil
}

// Shape returns the NCHW shape of the view.
func (v *View) Shape() tensor.Shape { return v.shape }

// Strides returns the element strides of each dimension.
func (v *View) Strides() []int { return v.strides }

// At returns the element at (n, c, y, x).
func (v *View) At(n, c, y, x int) (float32, error) {
	if err := v.check(n, c, 1, y, x); err != nil {
		return 0, err
	}
	return v.data[v.offset(n, c, y, x)], nil
}

// Block copies len(dst) consecutive channels starting at c0 for the cell
// (y, x) of batch slot n.
func (v *View) Block(n, c0, y, x int, dst []float32) error {
	if err := v.check(n, c0, len(dst), y, x); err != nil {
		return err
	}
	off := v.offset(n, c0, y, x)
	cs := v.strides[1]
	for i := range dst {
		dst[i] = v.data[off+i*cs]
	}
	return nil
}

func (v *View) offset(n, c, y, x int) int {
	return n*v.strides[0] + c*v.strides[1] + y*v.strides[2] + x*v.strides[3]
}

func (v *View) check(n, c, count, y, x int) error {
	dims := [4]int{n, c, y, x}
	for i, d := range dims {
		if d < 0 || d >= v.shape[i] {
			return &common.DecodeError{Scale: v.scale, Expected: v.shape[i], Actual: d, Reason: "index out of range in dimension " + dimNames[i]}
		}
	}
	if count < 1 || c+count > v.shape[1] {
		return &common.DecodeError{Scale: v.scale, Expected: v.shape[1], Actual: c + count, Reason: "channel block out of range"}
	}
	return nil
}

var dimNames = [4]string{"n", "c", "h", "w"}
