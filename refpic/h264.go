package refpic

import (
	"context"

	"github.com/xaionaro-go/gpuvideo/dpb"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

type H264Manager struct {
	encodeManager
}

var _ EncodeManager = (*H264Manager)(nil)

func NewH264Manager(pool dpb.Pool, maxReferences uint32) *H264Manager {
	return &H264Manager{
		encodeManager: newEncodeManager(pool, maxReferences),
	}
}

func (m *H264Manager) Codec() types.Codec {
	return types.CodecH264
}

func (m *H264Manager) BeginFrame(ctx context.Context, pic *EncodePicture) error {
	return m.beginFrame(ctx, pic)
}

func (m *H264Manager) CurrentFramePictureControlData(dst hw.PictureControlBlock) error {
	v, ok := dst.(*hw.H264PictureControl)
	if !ok || v == nil {
		return ErrInvalidArgumentBlock
	}
	if m.current == nil {
		return ErrNotInFrame
	}
	f := m.current
	pic := &f.pic

	result := hw.H264PictureControl{
		FrameType:                pic.FrameType,
		PicParameterSetID:        pic.PicParameterSetID,
		IDRPicID:                 pic.IDRPicID,
		PictureOrderCountNumber:  pic.POC,
		FrameDecodingOrderNumber: pic.FrameNum,
		TemporalLayerIndex:       pic.TemporalLayer,
		List0ReferenceFrames:     append([]uint32(nil), f.l0...),
		List1ReferenceFrames:     append([]uint32(nil), f.l1...),
	}
	for idx, ref := range f.dpb {
		result.ReferenceFramesReconPictureDescriptors = append(result.ReferenceFramesReconPictureDescriptors, hw.H264ReferencePictureDescriptor{
			ReconstructedPictureResourceIndex: uint32(idx),
			IsLongTermReference:               ref.LongTerm,
			LongTermPictureIdx:                ref.LongTermFrameIdx,
			PictureOrderCountNumber:           ref.POC,
			FrameDecodingOrderNumber:          ref.FrameNum,
			TemporalLayerIndex:                ref.TemporalLayer,
		})
	}

	result.RefPicMarkingOperationsCommands = h264MMCO(pic)
	result.AdaptiveRefPicMarkingModeFlag = len(result.RefPicMarkingOperationsCommands) > 0
	if !pic.FrameType.IsIntra() {
		result.List0RefPicModifications = withModificationEnd(pic.H264.L0Modifications)
		if pic.FrameType == hw.FrameTypeB {
			result.List1RefPicModifications = withModificationEnd(pic.H264.L1Modifications)
		}
	}

	*v = result
	return nil
}

func h264MMCO(pic *EncodePicture) []hw.H264MMCO {
	var ops []hw.H264MMCO
	switch {
	case !pic.UsedAsReference:
	case pic.FrameType == hw.FrameTypeIDR:
		if !pic.LongTerm {
			return nil
		}
		// An IDR cannot be marked long-term directly: allow the index, then
		// promote the current picture.
		ops = []hw.H264MMCO{
			{
				Operation:                hw.H264MMCOSetMaxLongTermFrameIdx,
				MaxLongTermFrameIdxPlus1: pic.LongTermFrameIdx + 1,
			},
			{
				Operation:        hw.H264MMCOMarkCurrentAsLongTerm,
				LongTermFrameIdx: pic.LongTermFrameIdx,
			},
		}
	default:
		ops = append(ops, pic.H264.MMCO...)
		if pic.LongTerm && !hasMMCO(ops, hw.H264MMCOMarkCurrentAsLongTerm) {
			if n := len(ops); n > 0 && ops[n-1].Operation == hw.H264MMCOEnd {
				ops = ops[:n-1]
			}
			ops = append(ops, hw.H264MMCO{
				Operation:        hw.H264MMCOMarkCurrentAsLongTerm,
				LongTermFrameIdx: pic.LongTermFrameIdx,
			})
		}
	}
	if len(ops) == 0 {
		return nil
	}
	if ops[len(ops)-1].Operation != hw.H264MMCOEnd {
		ops = append(ops, hw.H264MMCO{Operation: hw.H264MMCOEnd})
	}
	return ops
}

func hasMMCO(ops []hw.H264MMCO, op uint8) bool {
	for _, item := range ops {
		if item.Operation == op {
			return true
		}
	}
	return false
}

func withModificationEnd(mods []hw.H264RefListModification) []hw.H264RefListModification {
	if len(mods) == 0 {
		return nil
	}
	result := append([]hw.H264RefListModification(nil), mods...)
	if result[len(result)-1].ModificationOfPicNumsIDC != hw.H264ModificationEnd {
		result = append(result, hw.H264RefListModification{ModificationOfPicNumsIDC: hw.H264ModificationEnd})
	}
	return result
}
