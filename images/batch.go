package images

import (
	"github.com/nvr-ai/go-yolobench/common"
)

// Batch is N letterboxed tensors laid out contiguously as (N, 3, H, W).
type Batch struct {
	Data   []float32
	N      int
	Height int
	Width  int
	// Slots keeps the letterbox geometry of every slot.
	Slots []*LetterboxedTensor
	// Valid is the number of leading slots holding real images. The rest
	// repeat the last image to keep the batch size fixed.
	Valid int
}

// Shape returns the NCHW shape of the batch.
func (b *Batch) Shape() []int {
	return []int{b.N, 3, b.Height, b.Width}
}

// SlotData returns the planar data of slot i.
func (b *Batch) SlotData(i int) []float32 {
	size := 3 * b.Height * b.Width
	return b.Data[i*size : (i+1)*size]
}

// NewReplicatedBatch copies t into every one of n slots.
func NewReplicatedBatch(t *LetterboxedTensor, n int) (*Batch, error) {
	if t == nil {
		return nil, common.ConfigErrorf("cannot replicate a nil tensor")
	}
	if n <= 0 {
		return nil, common.ConfigErrorf("batch size must be positive, got %d", n)
	}
	b := &Batch{
		Data:   make([]float32, 0, n*len(t.Data)),
		N:      n,
		Height: t.NetH,
		Width:  t.NetW,
		Slots:  make([]*LetterboxedTensor, n),
		Valid:  1,
	}
	for i := 0; i < n; i++ {
		b.Data = append(b.Data, t.Data...)
		b.Slots[i] = t
	}
	return b, nil
}

// NewBatch packs distinct tensors into a batch of size n. When fewer than n
// tensors are given, the last one fills the remaining slots.
func NewBatch(ts []*LetterboxedTensor, n int) (*Batch, error) {
	if len(ts) == 0 {
		return nil, common.ConfigErrorf("cannot build a batch from no images")
	}
	if len(ts) > n {
		return nil, common.ConfigErrorf("%d images do not fit a batch of %d", len(ts), n)
	}
	first := ts[0]
	b := &Batch{
		Data:   make([]float32, 0, n*len(first.Data)),
		N:      n,
		Height: first.NetH,
		Width:  first.NetW,
		Slots:  make([]*LetterboxedTensor, n),
		Valid:  len(ts),
	}
	for i := 0; i < n; i++ {
		t := ts[min(i, len(ts)-1)]
		if t.NetW != first.NetW || t.NetH != first.NetH {
			return nil, common.ConfigErrorf("slot %d is %dx%d, batch is %dx%d", i, t.NetW, t.NetH, first.NetW, first.NetH)
		}
		b.Data = append(b.Data, t.Data...)
		b.Slots[i] = t
	}
	return b, nil
}
