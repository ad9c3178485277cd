// Package layers - a registry of custom layers that engines apply to their
// raw outputs.
//
// Engines resolve every configured layer type when they are built; the rest
// of the pipeline only ever sees the Layer interface.
package layers

import (
	"sort"
	"sync"

	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/config"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Layer transforms one tensor.
type Layer interface {
	Type() string
	Execute(in *tensor.Dense) (*tensor.Dense, error)
}

// Factory builds a Layer from numeric parameters.
type Factory func(params map[string]float64) (Layer, error)

// Registry maps layer type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering the same type twice is an error.
func (r *Registry) Register(layerType string, f Factory) error {
	if layerType == "" || f == nil {
		return errors.New("layer type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[layerType]; ok {
		return errors.Errorf("layer type %q already registered", layerType)
	}
	r.factories[layerType] = f
	return nil
}

// Resolve builds a layer of the given type.
//
// Returns:
//   - The layer, or a KindConfig error for unknown types or bad parameters.
func (r *Registry) Resolve(layerType string, params map[string]float64) (Layer, error) {
	r.mu.RLock()
	f, ok := r.factories[layerType]
	r.mu.RUnlock()
	if !ok {
		return nil, common.ConfigErrorf("unknown layer type %q (registered: %v)", layerType, r.Types())
	}
	l, err := f(params)
	if err != nil {
		return nil, &common.Error{Kind: common.KindConfig, Op: layerType, Err: err}
	}
	return l, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Pipeline holds the resolved layers of every engine output.
type Pipeline struct {
	byOutput map[string][]Layer
}

// Build resolves specs against r.
func (r *Registry) Build(specs []config.LayerSpec) (*Pipeline, error) {
	p := &Pipeline{byOutput: make(map[string][]Layer)}
	for _, s := range specs {
		l, err := r.Resolve(s.Type, s.Params)
		if err != nil {
			return nil, err
		}
		p.byOutput[s.Output] = append(p.byOutput[s.Output], l)
	}
	return p, nil
}

// Len returns the number of resolved layers.
func (p *Pipeline) Len() int {
	n := 0
	for _, ls := range p.byOutput {
		n += len(ls)
	}
	return n
}

// Apply runs the layers attached to output on t, in configuration order.
func (p *Pipeline) Apply(output string, t *tensor.Dense) (*tensor.Dense, error) {
	if p == nil {
		return t, nil
	}
	var err error
	for _, l := range p.byOutput[output] {
		if t, err = l.Execute(t); err != nil {
			return nil, errors.Wrapf(err, "layer %s on output %s", l.Type(), output)
		}
	}
	return t, nil
}

// NewBuiltinRegistry creates a registry with identity, scale and upsample.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("identity", newIdentity)
	_ = r.Register("scale", newScale)
	_ = r.Register("upsample", newUpsample)
	return r
}
