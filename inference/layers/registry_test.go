package layers

import (
	"testing"

	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func dense(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func TestBuiltinTypes(t *testing.T) {
	r := NewBuiltinRegistry()
	assert.Equal(t, []string{"identity", "scale", "upsample"}, r.Types())

	assert.Error(t, r.Register("scale", newScale), "duplicate registration")
	assert.Error(t, r.Register("", newScale))
}

// TestResolve ensures unknown types and bad parameters are config errors.
func TestResolve(t *testing.T) {
	r := NewBuiltinRegistry()

	tests := []struct {
		name   string
		typ    string
		params map[string]float64
		ok     bool
	}{
		{"identity", "identity", nil, true},
		{"scale", "scale", map[string]float64{"factor": 0.5}, true},
		{"scale without factor", "scale", nil, false},
		{"scale zero", "scale", map[string]float64{"factor": 0}, false},
		{"upsample default", "upsample", nil, true},
		{"upsample fractional", "upsample", map[string]float64{"stride": 1.5}, false},
		{"unknown", "reorg", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := r.Resolve(tt.typ, tt.params)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.typ, l.Type())
				return
			}
			assert.True(t, common.IsKind(err, common.KindConfig), "got %v", err)
		})
	}
}

func TestScale(t *testing.T) {
	l, err := NewBuiltinRegistry().Resolve("scale", map[string]float64{"factor": 0.25})
	require.NoError(t, err)

	out, err := l.Execute(dense([]float32{4, 8, -12, 0}, 1, 1, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, -3, 0}, out.Data())
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
}

func TestUpsample(t *testing.T) {
	l, err := NewBuiltinRegistry().Resolve("upsample", map[string]float64{"stride": 2})
	require.NoError(t, err)

	out, err := l.Execute(dense([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, 2, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 4, 4}, out.Shape())
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
		5, 5, 6, 6,
		5, 5, 6, 6,
		7, 7, 8, 8,
		7, 7, 8, 8,
	}, out.Data())

	_, err = l.Execute(dense([]float32{1, 2}, 2))
	assert.Error(t, err)
}

// TestPipeline ensures layers attach to their output only and run in order.
func TestPipeline(t *testing.T) {
	r := NewBuiltinRegistry()
	p, err := r.Build([]config.LayerSpec{
		{Output: "a", Type: "scale", Params: map[string]float64{"factor": 2}},
		{Output: "a", Type: "upsample", Params: map[string]float64{"stride": 2}},
		{Output: "b", Type: "identity"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())

	out, err := p.Apply("a", dense([]float32{1}, 1, 1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 2, 2}, out.Data())

	in := dense([]float32{3}, 1, 1, 1, 1)
	out, err = p.Apply("c", in)
	require.NoError(t, err)
	assert.Same(t, in, out)

	_, err = r.Build([]config.LayerSpec{{Output: "a", Type: "nope"}})
	assert.True(t, common.IsKind(err, common.KindConfig))

	var nilPipeline *Pipeline
	out, err = nilPipeline.Apply("a", in)
	require.NoError(t, err)
	assert.Same(t, in, out)
}
