package dpb

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
)

// IndependentPool keeps every slot in its own texture. Slot textures are
// allocated on first use and kept for reuse. A slot may also hold a
// texture owned by somebody else (see AdoptSlot).
type IndependentPool struct {
	cfg      Config
	textures []hw.Texture
	adopted  *bitset.BitSet
	inUse    *bitset.BitSet

	// subresources of the adopted textures
	subresources []uint32
}

var _ Pool = (*IndependentPool)(nil)

func NewIndependentPool(cfg Config) (*IndependentPool, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &IndependentPool{
		cfg:      cfg,
		textures: make([]hw.Texture, cfg.Capacity),
		adopted:  bitset.New(uint(cfg.Capacity)),
		inUse:    bitset.New(uint(cfg.Capacity)),

		subresources: make([]uint32, cfg.Capacity),
	}, nil
}

func (p *IndependentPool) Config() Config {
	return p.cfg
}

func (p *IndependentPool) IsArray() bool {
	return false
}

func (p *IndependentPool) InUse() uint32 {
	return uint32(p.inUse.Count())
}

func (p *IndependentPool) nextClear(ctx context.Context) uint32 {
	idx, ok := p.inUse.NextClear(0)
	assert(ctx, ok && idx < uint(p.cfg.Capacity), "the DPB pool is exhausted", p.cfg.Capacity)
	return uint32(idx)
}

func (p *IndependentPool) AcquireSlot(ctx context.Context) (_ret Slot, _err error) {
	logger.Tracef(ctx, "AcquireSlot")
	defer func() { logger.Tracef(ctx, "/AcquireSlot: %d %v", _ret.Index, _err) }()
	idx := p.nextClear(ctx)
	if p.textures[idx] == nil {
		tex, err := p.cfg.Device.CreateTexture(hw.TextureDesc{
			Format:    p.cfg.Format,
			Width:     p.cfg.Resolution.Width,
			Height:    p.cfg.Resolution.Height,
			ArraySize: 1,
			Usage:     p.cfg.Usage,
			Name:      fmt.Sprintf("%s-%d", p.cfg.Name, idx),
		})
		if err != nil {
			return Slot{}, fmt.Errorf("unable to create the texture for slot %d: %w", idx, err)
		}
		p.textures[idx] = tex
	}
	p.inUse.Set(uint(idx))
	return Slot{Index: idx, Texture: p.textures[idx]}, nil
}

// AdoptSlot occupies the lowest free slot with a texture owned by the
// caller; the pool never releases adopted textures.
func (p *IndependentPool) AdoptSlot(ctx context.Context, tex hw.Texture, subresource uint32) Slot {
	idx := p.nextClear(ctx)
	if old := p.textures[idx]; old != nil && !p.adopted.Test(uint(idx)) {
		p.cfg.release(old)
	}
	p.textures[idx] = tex
	p.subresources[idx] = subresource
	p.adopted.Set(uint(idx))
	p.inUse.Set(uint(idx))
	return Slot{Index: idx, Texture: tex, Subresource: subresource}
}

func (p *IndependentPool) ReleaseSlot(ctx context.Context, index uint32) {
	if !p.inUse.Test(uint(index)) {
		logger.Warnf(ctx, "releasing slot %d which is not in use", index)
		return
	}
	p.inUse.Clear(uint(index))
	if p.adopted.Test(uint(index)) {
		p.adopted.Clear(uint(index))
		p.textures[index] = nil
		p.subresources[index] = 0
	}
}

func (p *IndependentPool) Slot(index uint32) (Slot, bool) {
	if !p.inUse.Test(uint(index)) {
		return Slot{}, false
	}
	return Slot{Index: index, Texture: p.textures[index], Subresource: p.subresources[index]}, true
}

func (p *IndependentPool) ReferenceFrames(indices []uint32) hw.ReferenceFrames {
	result := hw.ReferenceFrames{
		Textures: make([]hw.Texture, len(indices)),
	}
	for i, idx := range indices {
		result.Textures[i] = p.textures[idx]
		p.setSubresource(&result, i, idx)
	}
	return result
}

func (p *IndependentPool) AllReferenceFrames() hw.ReferenceFrames {
	result := hw.ReferenceFrames{
		Textures: make([]hw.Texture, p.cfg.Capacity),
	}
	for idx := range result.Textures {
		if p.inUse.Test(uint(idx)) {
			result.Textures[idx] = p.textures[idx]
			p.setSubresource(&result, idx, uint32(idx))
		}
	}
	return result
}

// setSubresource fills Subresources only once an adopted texture
// needs a non-zero one.
func (p *IndependentPool) setSubresource(r *hw.ReferenceFrames, i int, idx uint32) {
	sub := p.subresources[idx]
	if sub == 0 {
		return
	}
	if r.Subresources == nil {
		r.Subresources = make([]uint32, len(r.Textures))
	}
	r.Subresources[i] = sub
}

func (p *IndependentPool) Close(ctx context.Context) error {
	for idx, tex := range p.textures {
		if tex != nil && !p.adopted.Test(uint(idx)) {
			p.cfg.release(tex)
		}
		p.textures[idx] = nil
		p.subresources[idx] = 0
	}
	p.inUse.ClearAll()
	p.adopted.ClearAll()
	return nil
}
