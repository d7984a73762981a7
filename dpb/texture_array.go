package dpb

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
)

// TextureArrayPool keeps every slot as a slice of one texture array.
// The array exists while at least one slot is in use.
type TextureArrayPool struct {
	cfg   Config
	array hw.Texture
	inUse *bitset.BitSet
}

var _ Pool = (*TextureArrayPool)(nil)

func NewTextureArrayPool(cfg Config) (*TextureArrayPool, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &TextureArrayPool{
		cfg:   cfg,
		inUse: bitset.New(uint(cfg.Capacity)),
	}, nil
}

func (p *TextureArrayPool) Config() Config {
	return p.cfg
}

func (p *TextureArrayPool) IsArray() bool {
	return true
}

func (p *TextureArrayPool) InUse() uint32 {
	return uint32(p.inUse.Count())
}

func (p *TextureArrayPool) AcquireSlot(ctx context.Context) (_ret Slot, _err error) {
	logger.Tracef(ctx, "AcquireSlot")
	defer func() { logger.Tracef(ctx, "/AcquireSlot: %d %v", _ret.Index, _err) }()
	idx, ok := p.inUse.NextClear(0)
	assert(ctx, ok && idx < uint(p.cfg.Capacity), "the DPB pool is exhausted", p.cfg.Capacity)
	if p.array == nil {
		array, err := p.cfg.Device.CreateTexture(hw.TextureDesc{
			Format:    p.cfg.Format,
			Width:     p.cfg.Resolution.Width,
			Height:    p.cfg.Resolution.Height,
			ArraySize: p.cfg.Capacity,
			Usage:     p.cfg.Usage,
			Name:      p.cfg.Name,
		})
		if err != nil {
			return Slot{}, fmt.Errorf("unable to create a texture array of %d slices: %w", p.cfg.Capacity, err)
		}
		p.array = array
	}
	p.inUse.Set(idx)
	return p.slot(uint32(idx)), nil
}

func (p *TextureArrayPool) slot(idx uint32) Slot {
	return Slot{Index: idx, Texture: p.array, Subresource: idx}
}

func (p *TextureArrayPool) ReleaseSlot(ctx context.Context, index uint32) {
	if !p.inUse.Test(uint(index)) {
		logger.Warnf(ctx, "releasing slot %d which is not in use", index)
		return
	}
	p.inUse.Clear(uint(index))
	if p.inUse.None() && p.array != nil {
		logger.Debugf(ctx, "no slot is in use anymore, releasing the texture array")
		p.cfg.release(p.array)
		p.array = nil
	}
}

func (p *TextureArrayPool) Slot(index uint32) (Slot, bool) {
	if !p.inUse.Test(uint(index)) {
		return Slot{}, false
	}
	return p.slot(index), true
}

func (p *TextureArrayPool) ReferenceFrames(indices []uint32) hw.ReferenceFrames {
	result := hw.ReferenceFrames{
		Textures:     make([]hw.Texture, len(indices)),
		Subresources: make([]uint32, len(indices)),
	}
	for i, idx := range indices {
		result.Textures[i] = p.array
		result.Subresources[i] = idx
	}
	return result
}

func (p *TextureArrayPool) AllReferenceFrames() hw.ReferenceFrames {
	if p.array == nil {
		return hw.ReferenceFrames{}
	}
	indices := make([]uint32, p.cfg.Capacity)
	for idx := range indices {
		indices[idx] = uint32(idx)
	}
	return p.ReferenceFrames(indices)
}

func (p *TextureArrayPool) Close(ctx context.Context) error {
	p.inUse.ClearAll()
	if p.array != nil {
		p.cfg.release(p.array)
		p.array = nil
	}
	return nil
}
