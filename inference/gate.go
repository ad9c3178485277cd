package inference

import (
	"context"
	"sync"

	"github.com/nvr-ai/go-yolobench/images"
	"github.com/pkg/errors"
)

// Gate hands out a single in-flight token for a shared accelerator.
type Gate struct {
	slot chan struct{}
}

// NewGate creates an open gate.
func NewGate() *Gate {
	g := &Gate{slot: make(chan struct{}, 1)}
	g.slot <- struct{}{}
	return g
}

// Token is proof of holding the gate. Release it exactly once; further calls
// are no-ops.
type Token struct {
	gate *Gate
	once sync.Once
}

// Acquire blocks until the token is free or ctx is done.
//
// Arguments:
//   - ctx: Bounds the wait. The call that follows is not bounded by it.
//
// Returns:
//   - The held token, or the context error.
func (g *Gate) Acquire(ctx context.Context) (*Token, error) {
	select {
	case <-g.slot:
		return &Token{gate: g}, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for inference engine")
	}
}

// TryAcquire takes the token only if it is free.
func (g *Gate) TryAcquire() (*Token, bool) {
	select {
	case <-g.slot:
		return &Token{gate: g}, true
	default:
		return nil, false
	}
}

// Release returns the token to its gate.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.gate.slot <- struct{}{}
	})
}

// exclusive serializes SubmitBatch on an engine behind a Gate.
type exclusive struct {
	Engine
	gate *Gate
}

// Exclusive wraps e so every SubmitBatch holds the token of gate for the
// whole call. A nil gate creates a private one.
func Exclusive(e Engine, gate *Gate) Engine {
	if gate == nil {
		gate = NewGate()
	}
	return &exclusive{Engine: e, gate: gate}
}

func (x *exclusive) SubmitBatch(ctx context.Context, batch *images.Batch) (*Result, error) {
	token, err := x.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer token.Release()
	return x.Engine.SubmitBatch(ctx, batch)
}

// DeviceCount forwards to the wrapped engine when it can probe devices.
func (x *exclusive) DeviceCount() (int, error) {
	if p, ok := x.Engine.(DeviceProber); ok {
		return p.DeviceCount()
	}
	return 1, nil
}

// Name forwards to the wrapped engine.
func (x *exclusive) Name() string {
	if n, ok := x.Engine.(Named); ok {
		return n.Name()
	}
	return "engine"
}
