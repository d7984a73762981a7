package refpic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuvideo/dpb"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/hw/emulated"
	"github.com/xaionaro-go/gpuvideo/types"
)

func newPool(t *testing.T, d hw.Device, capacity uint32, asArray bool, usage hw.TextureUsage) dpb.Pool {
	p, err := dpb.New(dpb.Config{
		Device:     d,
		Format:     types.PixelFormatNV12,
		Resolution: types.Resolution{Width: 64, Height: 64},
		Capacity:   capacity,
		Usage:      usage,
		Name:       "refpic-test",
	}, asArray)
	require.NoError(t, err)
	return p
}

func encodeH264Frame(t *testing.T, m EncodeManager, pic *EncodePicture) *hw.H264PictureControl {
	ctx := context.Background()
	require.NoError(t, m.BeginFrame(ctx, pic))
	var pc hw.H264PictureControl
	require.NoError(t, m.CurrentFramePictureControlData(&pc))
	return &pc
}

func TestH264ManagerIPSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	m := NewH264Manager(newPool(t, d, 2, true, hw.TextureUsageVideoEncodeReferenceOnly), 1)
	defer m.Close(ctx)

	pc := encodeH264Frame(t, m, &EncodePicture{PictureID: 0, FrameType: hw.FrameTypeIDR, UsedAsReference: true})
	require.Empty(t, pc.List0ReferenceFrames)
	require.Empty(t, pc.ReferenceFramesReconPictureDescriptors)
	require.False(t, pc.AdaptiveRefPicMarkingModeFlag)
	recon, ok := m.CurrentReconstructedPicture()
	require.True(t, ok)
	require.Equal(t, uint32(0), recon.Subresource)
	require.NoError(t, m.EndFrame(ctx))

	pc = encodeH264Frame(t, m, &EncodePicture{
		PictureID: 1, FrameType: hw.FrameTypeP, POC: 2, FrameNum: 1, UsedAsReference: true,
		DPB: []ReferencePicture{{PictureID: 0}},
		L0:  []uint64{0},
		L1:  []uint64{0},
	})
	require.Equal(t, []uint32{0}, pc.List0ReferenceFrames)
	require.Empty(t, pc.List1ReferenceFrames, "P pictures have no L1")
	require.Len(t, pc.ReferenceFramesReconPictureDescriptors, 1)
	refs := m.CurrentReferenceFrames()
	require.Equal(t, []uint32{0}, refs.Subresources)
	recon, ok = m.CurrentReconstructedPicture()
	require.True(t, ok)
	require.Equal(t, uint32(1), recon.Subresource)
	require.NoError(t, m.EndFrame(ctx))

	pc = encodeH264Frame(t, m, &EncodePicture{
		PictureID: 2, FrameType: hw.FrameTypeP, POC: 4, FrameNum: 2, UsedAsReference: true,
		DPB: []ReferencePicture{{PictureID: 1, POC: 2, FrameNum: 1}},
		L0:  []uint64{1},
	})
	require.Equal(t, hw.H264ReferencePictureDescriptor{
		PictureOrderCountNumber:  2,
		FrameDecodingOrderNumber: 1,
	}, pc.ReferenceFramesReconPictureDescriptors[0])
	require.Equal(t, []uint32{1}, m.CurrentReferenceFrames().Subresources)
	recon, ok = m.CurrentReconstructedPicture()
	require.True(t, ok)
	require.Equal(t, uint32(0), recon.Subresource, "the slot of the evicted picture is reused")
	require.NoError(t, m.EndFrame(ctx))

	pc = encodeH264Frame(t, m, &EncodePicture{
		PictureID: 3, FrameType: hw.FrameTypeI, POC: 6, FrameNum: 3,
		DPB: []ReferencePicture{{PictureID: 2}},
		L0:  []uint64{2},
	})
	require.Empty(t, pc.List0ReferenceFrames, "intra pictures have no lists")
	_, ok = m.CurrentReconstructedPicture()
	require.False(t, ok)
	require.NoError(t, m.EndFrame(ctx))
	require.ErrorIs(t, m.EndFrame(ctx), ErrNotInFrame)
}

func TestH264ManagerMarking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	m := NewH264Manager(newPool(t, d, 3, false, 0), 2)
	defer m.Close(ctx)

	pc := encodeH264Frame(t, m, &EncodePicture{
		PictureID: 10, FrameType: hw.FrameTypeIDR, UsedAsReference: true,
		LongTerm: true, LongTermFrameIdx: 0,
	})
	require.True(t, pc.AdaptiveRefPicMarkingModeFlag)
	require.Equal(t, []hw.H264MMCO{
		{Operation: hw.H264MMCOSetMaxLongTermFrameIdx, MaxLongTermFrameIdxPlus1: 1},
		{Operation: hw.H264MMCOMarkCurrentAsLongTerm},
		{Operation: hw.H264MMCOEnd},
	}, pc.RefPicMarkingOperationsCommands)
	require.NoError(t, m.EndFrame(ctx))

	pc = encodeH264Frame(t, m, &EncodePicture{
		PictureID: 11, FrameType: hw.FrameTypeP, FrameNum: 1, UsedAsReference: true,
		DPB: []ReferencePicture{{PictureID: 10, LongTerm: true}},
		L0:  []uint64{10},
		H264: H264PictureOptions{
			MMCO: []hw.H264MMCO{{Operation: hw.H264MMCOMarkShortTermUnused}},
			L0Modifications: []hw.H264RefListModification{
				{ModificationOfPicNumsIDC: hw.H264ModificationLongTermPicNum},
			},
		},
	})
	require.True(t, pc.ReferenceFramesReconPictureDescriptors[0].IsLongTermReference)
	require.Equal(t, []hw.H264MMCO{
		{Operation: hw.H264MMCOMarkShortTermUnused},
		{Operation: hw.H264MMCOEnd},
	}, pc.RefPicMarkingOperationsCommands)
	require.Equal(t, []hw.H264RefListModification{
		{ModificationOfPicNumsIDC: hw.H264ModificationLongTermPicNum},
		{ModificationOfPicNumsIDC: hw.H264ModificationEnd},
	}, pc.List0RefPicModifications)
	require.Nil(t, m.CurrentReferenceFrames().Subresources, "independent textures have no subresources")
	require.NoError(t, m.EndFrame(ctx))
}

func TestPictureControlBlockMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())

	h264 := NewH264Manager(newPool(t, d, 2, true, 0), 1)
	defer h264.Close(ctx)
	require.NoError(t, h264.BeginFrame(ctx, &EncodePicture{FrameType: hw.FrameTypeIDR, UsedAsReference: true}))
	hevcBlock := hw.HEVCPictureControl{PictureOrderCountNumber: 42}
	require.ErrorIs(t, h264.CurrentFramePictureControlData(&hevcBlock), ErrInvalidArgumentBlock)
	require.Equal(t, uint32(42), hevcBlock.PictureOrderCountNumber, "no partial write")

	hevc := NewHEVCManager(newPool(t, d, 2, true, 0), 1)
	defer hevc.Close(ctx)
	require.NoError(t, hevc.BeginFrame(ctx, &EncodePicture{FrameType: hw.FrameTypeIDR, POC: 0, UsedAsReference: true}))
	h264Block := hw.H264PictureControl{IDRPicID: 7}
	require.ErrorIs(t, hevc.CurrentFramePictureControlData(&h264Block), ErrInvalidArgumentBlock)
	require.Equal(t, uint16(7), h264Block.IDRPicID)
	require.ErrorIs(t, hevc.CurrentFramePictureControlData(nil), ErrInvalidArgumentBlock)
}

func TestHEVCManager(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	m := NewHEVCManager(newPool(t, d, 3, true, 0), 2)
	defer m.Close(ctx)

	for id := uint64(0); id < 2; id++ {
		pic := &EncodePicture{PictureID: id, FrameType: hw.FrameTypeIDR, UsedAsReference: true}
		if id > 0 {
			pic = &EncodePicture{
				PictureID: id, FrameType: hw.FrameTypeP, POC: uint32(id), UsedAsReference: true,
				DPB: []ReferencePicture{{PictureID: id - 1, POC: uint32(id - 1)}},
				L0:  []uint64{id - 1},
			}
		}
		require.NoError(t, m.BeginFrame(ctx, pic))
		require.NoError(t, m.EndFrame(ctx))
	}

	require.NoError(t, m.BeginFrame(ctx, &EncodePicture{
		PictureID: 2, FrameType: hw.FrameTypeP, POC: 2, UsedAsReference: true,
		DPB: []ReferencePicture{{PictureID: 0, POC: 0}, {PictureID: 1, POC: 1}},
		L0:  []uint64{1},
		HEVC: HEVCPictureOptions{
			L0Modifications: []uint32{1},
		},
	}))
	var pc hw.HEVCPictureControl1
	pc.ChromaQPOffsetListLen = 3
	require.NoError(t, m.CurrentFramePictureControlData(&pc))
	require.Zero(t, pc.ChromaQPOffsetListLen)
	require.Equal(t, []uint32{1}, pc.List0ReferenceFrames)
	require.Equal(t, []uint32{1}, pc.List0RefPicModifications)
	require.Len(t, pc.ReferenceFramesReconPictureDescriptors, 2)
	require.False(t, pc.ReferenceFramesReconPictureDescriptors[0].IsRefUsedByCurrentPic)
	require.True(t, pc.ReferenceFramesReconPictureDescriptors[1].IsRefUsedByCurrentPic)
	require.Equal(t, []uint32{0, 1}, m.CurrentReferenceFrames().Subresources)
	require.NoError(t, m.EndFrame(ctx))
}

func TestEncodeManagerRejectsUnknownReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	m := NewH264Manager(newPool(t, d, 2, true, 0), 1)
	defer m.Close(ctx)

	require.NoError(t, m.BeginFrame(ctx, &EncodePicture{PictureID: 0, FrameType: hw.FrameTypeIDR, UsedAsReference: true}))
	require.ErrorIs(t, m.BeginFrame(ctx, &EncodePicture{PictureID: 1}), ErrFrameInProgress)
	require.NoError(t, m.EndFrame(ctx))

	err := m.BeginFrame(ctx, &EncodePicture{
		PictureID: 1, FrameType: hw.FrameTypeP,
		DPB: []ReferencePicture{{PictureID: 0}},
		L0:  []uint64{5},
	})
	require.True(t, errors.Is(err, ErrUnknownReference), err)
	require.Equal(t, uint32(1), m.Pool().InUse(), "a rejected picture must not evict anything")

	err = m.BeginFrame(ctx, &EncodePicture{
		PictureID: 1, FrameType: hw.FrameTypeP,
		DPB: []ReferencePicture{{PictureID: 0}, {PictureID: 9}},
	})
	require.Error(t, err)

	require.NoError(t, m.BeginFrame(ctx, &EncodePicture{
		PictureID: 1, FrameType: hw.FrameTypeP, UsedAsReference: true,
		DPB: []ReferencePicture{{PictureID: 0}},
		L0:  []uint64{0},
	}))
	m.AbortFrame(ctx)
	require.Equal(t, uint32(1), m.Pool().InUse())
}

type failingPool struct {
	dpb.Pool
	failAcquire bool
}

func (p *failingPool) AcquireSlot(ctx context.Context) (dpb.Slot, error) {
	if p.failAcquire {
		return dpb.Slot{}, errors.New("out of video memory")
	}
	return p.Pool.AcquireSlot(ctx)
}

func TestEncodeManagerFailedFrameKeepsReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	pool := &failingPool{Pool: newPool(t, d, 3, true, hw.TextureUsageVideoEncodeReferenceOnly)}
	m := NewH264Manager(pool, 2)
	defer m.Close(ctx)

	encodeH264Frame(t, m, &EncodePicture{PictureID: 0, FrameType: hw.FrameTypeIDR, UsedAsReference: true})
	require.NoError(t, m.EndFrame(ctx))
	encodeH264Frame(t, m, &EncodePicture{
		PictureID: 1, FrameType: hw.FrameTypeP, FrameNum: 1, UsedAsReference: true,
		DPB: []ReferencePicture{{PictureID: 0}},
		L0:  []uint64{0},
	})
	require.NoError(t, m.EndFrame(ctx))

	pic2 := &EncodePicture{
		PictureID: 2, FrameType: hw.FrameTypeP, FrameNum: 2, UsedAsReference: true,
		DPB: []ReferencePicture{{PictureID: 0}, {PictureID: 1}},
		L0:  []uint64{1},
	}
	pool.failAcquire = true
	require.Error(t, m.BeginFrame(ctx, pic2))
	pool.failAcquire = false
	require.Equal(t, uint32(2), pool.InUse())

	encodeH264Frame(t, m, pic2)
	recon, ok := m.CurrentReconstructedPicture()
	require.True(t, ok)
	require.Equal(t, uint32(2), recon.Subresource)
	require.NoError(t, m.EndFrame(ctx))

	// an aborted IDR picture must not drop the references it would evict
	require.NoError(t, m.BeginFrame(ctx, &EncodePicture{PictureID: 3, FrameType: hw.FrameTypeIDR, UsedAsReference: true}))
	recon, ok = m.CurrentReconstructedPicture()
	require.True(t, ok)
	require.Equal(t, uint32(0), recon.Subresource)
	m.AbortFrame(ctx)
	require.Equal(t, uint32(3), pool.InUse())

	pc := encodeH264Frame(t, m, &EncodePicture{
		PictureID: 4, FrameType: hw.FrameTypeP, FrameNum: 3, UsedAsReference: true,
		DPB: []ReferencePicture{{PictureID: 1}, {PictureID: 2}},
		L0:  []uint64{2},
	})
	require.Equal(t, []uint32{1}, pc.List0ReferenceFrames)
	require.Equal(t, []uint32{1, 2}, m.CurrentReferenceFrames().Subresources)
	recon, ok = m.CurrentReconstructedPicture()
	require.True(t, ok)
	require.Equal(t, uint32(0), recon.Subresource, "the slot of picture 0 is taken over")
	require.NoError(t, m.EndFrame(ctx))
	require.Equal(t, uint32(3), pool.InUse())
}

func TestDecodeManager(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	newTarget := func() hw.Texture {
		tex, err := d.CreateTexture(hw.TextureDesc{Format: types.PixelFormatNV12, Width: 64, Height: 64})
		require.NoError(t, err)
		return tex
	}

	t.Run("direct", func(t *testing.T) {
		m := NewDecodeManager(newPool(t, d, 4, false, 0))
		defer m.Close(ctx)
		require.True(t, m.IsDirect())

		target := newTarget()
		require.NoError(t, m.BeginFrame(ctx, target, 0, &DecodePicture{PictureID: 1, IsReference: true}))
		require.False(t, m.NeedsOutputCopy())
		require.Same(t, target, m.CurrentOutput().Texture)
		require.NoError(t, m.EndFrame(ctx))

		require.NoError(t, m.BeginFrame(ctx, newTarget(), 0, &DecodePicture{PictureID: 2, References: []uint64{1}}))
		slot, ok := m.SlotOf(1)
		require.True(t, ok)
		require.Equal(t, uint32(0), slot)
		require.Equal(t, uint32(1), m.CurrentOutput().Index)
		refs := m.CurrentReferenceFrames()
		require.Equal(t, 4, refs.Len())
		require.Same(t, target, refs.Textures[0])
		require.NoError(t, m.EndFrame(ctx))
		_, ok = m.SlotOf(2)
		require.False(t, ok, "non-reference pictures are released at the end of the frame")
	})

	t.Run("reference-only", func(t *testing.T) {
		m := NewDecodeManager(newPool(t, d, 4, true, hw.TextureUsageVideoDecodeReferenceOnly))
		defer m.Close(ctx)
		require.False(t, m.IsDirect())

		require.NoError(t, m.BeginFrame(ctx, newTarget(), 0, &DecodePicture{PictureID: 1, IsReference: true}))
		require.True(t, m.NeedsOutputCopy())
		require.Equal(t, uint32(0), m.CurrentOutput().Subresource)
		require.NoError(t, m.EndFrame(ctx))

		require.ErrorIs(t, m.BeginFrame(ctx, newTarget(), 0, &DecodePicture{PictureID: 3, References: []uint64{2}}), ErrUnknownReference)
		require.NoError(t, m.BeginFrame(ctx, newTarget(), 0, &DecodePicture{PictureID: 3}))
		require.Equal(t, uint32(0), m.CurrentOutput().Index, "picture 1 is evicted")
		m.AbortFrame(ctx)
		require.Zero(t, m.Pool().InUse())
	})
}
