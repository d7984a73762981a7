package refpic

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/dpb"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
)

// DecodePicture describes the picture being decoded.
type DecodePicture struct {
	PictureID   uint64
	IsReference bool

	// References are the pictures kept in the DPB while decoding this
	// one; tracked pictures missing from it are evicted.
	References []uint64
}

// DecodeManager maps decoded pictures to DPB slots. In direct mode the
// caller's output texture itself becomes the DPB slot; otherwise every
// picture is decoded into a pool texture and copied out afterwards.
type DecodeManager struct {
	tracker *slotTracker
	direct  *dpb.IndependentPool

	current   *DecodePicture
	output    dpb.Slot
	target    hw.TextureCopyLocation
	needsCopy bool
}

// NewDecodeManager creates a manager over the pool. Direct mode is
// used if the pool is an IndependentPool of non-reference-only textures.
func NewDecodeManager(pool dpb.Pool) *DecodeManager {
	m := &DecodeManager{
		tracker: newSlotTracker(pool),
	}
	if independent, ok := pool.(*dpb.IndependentPool); ok && !pool.Config().IsReferenceOnly() {
		m.direct = independent
	}
	return m
}

func (m *DecodeManager) Pool() dpb.Pool {
	return m.tracker.pool
}

func (m *DecodeManager) IsDirect() bool {
	return m.direct != nil
}

func (m *DecodeManager) BeginFrame(
	ctx context.Context,
	target hw.Texture,
	targetSubresource uint32,
	pic *DecodePicture,
) (_err error) {
	logger.Tracef(ctx, "BeginFrame: %d", pic.PictureID)
	defer func() { logger.Tracef(ctx, "/BeginFrame: %v", _err) }()

	if m.current != nil {
		return ErrFrameInProgress
	}
	if target == nil {
		return fmt.Errorf("no output texture")
	}

	keep := make(map[uint64]struct{}, len(pic.References))
	for _, id := range pic.References {
		if _, ok := m.tracker.lookup(id); !ok {
			return fmt.Errorf("picture %d was never decoded as a reference: %w", id, ErrUnknownReference)
		}
		if id == pic.PictureID {
			return fmt.Errorf("picture %d references itself", id)
		}
		keep[id] = struct{}{}
	}
	m.tracker.retain(ctx, keep)

	m.target = hw.TextureCopyLocation{Texture: target, Subresource: targetSubresource}
	if m.direct != nil {
		slot := m.direct.AdoptSlot(ctx, target, targetSubresource)
		m.tracker.adopt(ctx, pic.PictureID, slot)
		m.output = slot
		m.needsCopy = false
	} else {
		slot, err := m.tracker.acquire(ctx, pic.PictureID)
		if err != nil {
			return err
		}
		m.output = slot
		m.needsCopy = true
	}

	cpy := *pic
	cpy.References = append([]uint64(nil), pic.References...)
	m.current = &cpy
	return nil
}

// SlotOf returns the DPB slot of a tracked picture.
func (m *DecodeManager) SlotOf(pictureID uint64) (uint32, bool) {
	return m.tracker.lookup(pictureID)
}

// CurrentOutput is where the hardware writes the current picture.
func (m *DecodeManager) CurrentOutput() dpb.Slot {
	return m.output
}

// NeedsOutputCopy reports whether the decoded picture must be copied
// into the caller's texture.
func (m *DecodeManager) NeedsOutputCopy() bool {
	return m.needsCopy
}

func (m *DecodeManager) Target() hw.TextureCopyLocation {
	return m.target
}

// CurrentReferenceFrames lists every DPB slot by its index, so slot
// indices are valid picture entry indices.
func (m *DecodeManager) CurrentReferenceFrames() hw.ReferenceFrames {
	return m.tracker.pool.AllReferenceFrames()
}

// EndFrame keeps the current picture as a reference or releases its
// slot right away. It must be called after the decode (and the output
// copy) completed.
func (m *DecodeManager) EndFrame(ctx context.Context) error {
	if m.current == nil {
		return ErrNotInFrame
	}
	if !m.current.IsReference {
		m.tracker.release(ctx, m.current.PictureID)
	}
	m.current = nil
	m.output = dpb.Slot{}
	m.target = hw.TextureCopyLocation{}
	return nil
}

func (m *DecodeManager) AbortFrame(ctx context.Context) {
	if m.current == nil {
		return
	}
	m.tracker.release(ctx, m.current.PictureID)
	m.current = nil
	m.output = dpb.Slot{}
	m.target = hw.TextureCopyLocation{}
}

func (m *DecodeManager) Close(ctx context.Context) error {
	m.current = nil
	m.tracker.releaseAll(ctx)
	return m.tracker.pool.Close(ctx)
}
