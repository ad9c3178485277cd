package layers

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

type identity struct{}

func newIdentity(map[string]float64) (Layer, error) { return identity{}, nil }

func (identity) Type() string { return "identity" }

func (identity) Execute(in *tensor.Dense) (*tensor.Dense, error) { return in, nil }

// scale multiplies every element by a constant, e.g. to dequantize an INT8
// output.
type scale struct {
	factor float32
}

func newScale(params map[string]float64) (Layer, error) {
	f, ok := params["factor"]
	if !ok {
		return nil, errors.New("scale layer requires a factor")
	}
	if f == 0 {
		return nil, errors.New("scale factor must not be zero")
	}
	return &scale{factor: float32(f)}, nil
}

func (s *scale) Type() string { return "scale" }

func (s *scale) Execute(in *tensor.Dense) (*tensor.Dense, error) {
	out, err := tensor.Mul(in, s.factor)
	if err != nil {
		return nil, errors.Wrap(err, "scale")
	}
	d, ok := out.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("scale produced %T", out)
	}
	return d, nil
}

// upsample repeats every pixel of an NCHW tensor stride x stride times.
type upsample struct {
	stride int
}

func newUpsample(params map[string]float64) (Layer, error) {
	s := 2
	if v, ok := params["stride"]; ok {
		s = int(v)
		if float64(s) != v || s < 1 {
			return nil, errors.Errorf("upsample stride must be a positive integer, got %v", v)
		}
	}
	return &upsample{stride: s}, nil
}

func (u *upsample) Type() string { return "upsample" }

func (u *upsample) Execute(in *tensor.Dense) (*tensor.Dense, error) {
	shape := in.Shape()
	if shape.Dims() != 4 {
		return nil, errors.Errorf("upsample expects NCHW, got shape %v", shape)
	}
	if in.IsMaterializable() {
		m, ok := in.Materialize().(*tensor.Dense)
		if !ok {
			return nil, errors.New("upsample cannot materialize its input")
		}
		in = m
	}
	src, ok := in.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("upsample expects float32, got %v", in.Dtype())
	}

	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	s := u.stride
	oh, ow := h*s, w*s
	dst := make([]float32, n*c*oh*ow)
	for p := 0; p < n*c; p++ {
		plane := src[p*h*w : (p+1)*h*w]
		out := dst[p*oh*ow : (p+1)*oh*ow]
		for y := 0; y < oh; y++ {
			row := plane[(y/s)*w : (y/s+1)*w]
			for x := 0; x < ow; x++ {
				out[y*ow+x] = row[x/s]
			}
		}
	}
	return tensor.New(tensor.WithShape(n, c, oh, ow), tensor.WithBacking(dst)), nil
}
