package refpic

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/dpb"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
)

// encodeFrame is the reference state of the picture being encoded.
type encodeFrame struct {
	pic EncodePicture

	// dpb is in descriptor order; descriptor i is stored in slots[i].
	dpb   []ReferencePicture
	slots []uint32
	l0    []uint32
	l1    []uint32

	recon    dpb.Slot
	hasRecon bool

	// reconReused means recon is the slot of an evicted picture.
	reconReused bool

	// evicted are released once the frame ends.
	evicted []eviction
}

type encodeManager struct {
	tracker       *slotTracker
	maxReferences uint32
	current       *encodeFrame
}

func newEncodeManager(pool dpb.Pool, maxReferences uint32) encodeManager {
	return encodeManager{
		tracker:       newSlotTracker(pool),
		maxReferences: maxReferences,
	}
}

func (m *encodeManager) Pool() dpb.Pool {
	return m.tracker.pool
}

func resolveList(ids []uint64, index map[uint64]uint32) ([]uint32, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	result := make([]uint32, 0, len(ids))
	for _, id := range ids {
		idx, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("picture %d is listed as a reference but is not in the DPB: %w", id, ErrUnknownReference)
		}
		result = append(result, idx)
	}
	return result, nil
}

func (m *encodeManager) beginFrame(ctx context.Context, pic *EncodePicture) (_err error) {
	logger.Tracef(ctx, "beginFrame: %d %s", pic.PictureID, pic.FrameType)
	defer func() { logger.Tracef(ctx, "/beginFrame: %v", _err) }()

	if m.current != nil {
		return ErrFrameInProgress
	}
	if slot, ok := m.tracker.lookup(pic.PictureID); ok {
		return fmt.Errorf("picture %d is already in slot %d", pic.PictureID, slot)
	}

	f := &encodeFrame{pic: *pic}
	if pic.FrameType != hw.FrameTypeIDR {
		f.dpb = append(f.dpb, pic.DPB...)
	}
	if uint32(len(f.dpb)) > m.maxReferences {
		return fmt.Errorf("the DPB has %d pictures, while at most %d are allowed", len(f.dpb), m.maxReferences)
	}

	keep := make(map[uint64]struct{}, len(f.dpb))
	index := make(map[uint64]uint32, len(f.dpb))
	for idx, ref := range f.dpb {
		slot, ok := m.tracker.lookup(ref.PictureID)
		if !ok {
			return fmt.Errorf("picture %d was never encoded as a reference: %w", ref.PictureID, ErrUnknownReference)
		}
		if _, dup := keep[ref.PictureID]; dup {
			return fmt.Errorf("picture %d is listed in the DPB twice", ref.PictureID)
		}
		keep[ref.PictureID] = struct{}{}
		index[ref.PictureID] = uint32(idx)
		f.slots = append(f.slots, slot)
	}
	if _, ok := keep[pic.PictureID]; ok {
		return fmt.Errorf("picture %d references itself", pic.PictureID)
	}

	switch pic.FrameType {
	case hw.FrameTypeIDR, hw.FrameTypeI:
		if len(pic.L0) > 0 || len(pic.L1) > 0 {
			logger.Debugf(ctx, "ignoring the reference lists of an intra picture")
		}
	case hw.FrameTypeP:
		if len(pic.L1) > 0 {
			logger.Debugf(ctx, "ignoring L1 of a P picture")
		}
		l0, err := resolveList(pic.L0, index)
		if err != nil {
			return err
		}
		f.l0 = l0
	case hw.FrameTypeB:
		l0, err := resolveList(pic.L0, index)
		if err != nil {
			return err
		}
		l1, err := resolveList(pic.L1, index)
		if err != nil {
			return err
		}
		f.l0, f.l1 = l0, l1
	default:
		return fmt.Errorf("unknown frame type %d", pic.FrameType)
	}

	f.evicted = m.tracker.evictions(keep)
	if pic.UsedAsReference {
		slot, reused, err := m.tracker.acquireReusing(ctx, pic.PictureID, f.evicted)
		if err != nil {
			return err
		}
		f.recon = slot
		f.hasRecon = true
		f.reconReused = reused
	}
	m.current = f
	return nil
}

func (m *encodeManager) CurrentReferenceFrames() hw.ReferenceFrames {
	if m.current == nil || len(m.current.slots) == 0 {
		return hw.ReferenceFrames{}
	}
	return m.tracker.pool.ReferenceFrames(m.current.slots)
}

func (m *encodeManager) CurrentReconstructedPicture() (hw.TextureCopyLocation, bool) {
	if m.current == nil || !m.current.hasRecon {
		return hw.TextureCopyLocation{}, false
	}
	return m.current.recon.Location(), true
}

func (m *encodeManager) EndFrame(ctx context.Context) error {
	if m.current == nil {
		return ErrNotInFrame
	}
	f := m.current
	for _, e := range f.evicted {
		if f.reconReused && e.slot == f.recon.Index {
			m.tracker.forget(e.pictureID)
			continue
		}
		m.tracker.release(ctx, e.pictureID)
	}
	logger.Tracef(ctx, "EndFrame: %d references are tracked", m.tracker.len())
	m.current = nil
	return nil
}

func (m *encodeManager) AbortFrame(ctx context.Context) {
	if m.current == nil {
		return
	}
	f := m.current
	switch {
	case f.reconReused:
		m.tracker.forget(f.pic.PictureID)
	case f.hasRecon:
		m.tracker.release(ctx, f.pic.PictureID)
	}
	m.current = nil
}

func (m *encodeManager) Close(ctx context.Context) error {
	m.AbortFrame(ctx)
	m.tracker.releaseAll(ctx)
	return m.tracker.pool.Close(ctx)
}
