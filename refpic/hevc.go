package refpic

import (
	"context"

	"github.com/xaionaro-go/gpuvideo/dpb"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

type HEVCManager struct {
	encodeManager
}

var _ EncodeManager = (*HEVCManager)(nil)

func NewHEVCManager(pool dpb.Pool, maxReferences uint32) *HEVCManager {
	return &HEVCManager{
		encodeManager: newEncodeManager(pool, maxReferences),
	}
}

func (m *HEVCManager) Codec() types.Codec {
	return types.CodecHEVC
}

func (m *HEVCManager) BeginFrame(ctx context.Context, pic *EncodePicture) error {
	return m.beginFrame(ctx, pic)
}

// CurrentFramePictureControlData accepts *hw.HEVCPictureControl and
// *hw.HEVCPictureControl1; the range extension fields of the latter are
// zeroed.
func (m *HEVCManager) CurrentFramePictureControlData(dst hw.PictureControlBlock) error {
	var target *hw.HEVCPictureControl
	var ext *hw.HEVCPictureControl1
	switch v := dst.(type) {
	case *hw.HEVCPictureControl:
		target = v
	case *hw.HEVCPictureControl1:
		if v != nil {
			ext = v
			target = &v.HEVCPictureControl
		}
	}
	if target == nil {
		return ErrInvalidArgumentBlock
	}
	if m.current == nil {
		return ErrNotInFrame
	}
	f := m.current
	pic := &f.pic

	result := hw.HEVCPictureControl{
		FrameType:               pic.FrameType,
		SlicePicParameterSetID:  pic.PicParameterSetID,
		PictureOrderCountNumber: pic.POC,
		TemporalLayerIndex:      pic.TemporalLayer,
		List0ReferenceFrames:    append([]uint32(nil), f.l0...),
		List1ReferenceFrames:    append([]uint32(nil), f.l1...),
	}
	used := map[uint32]struct{}{}
	for _, list := range [][]uint32{f.l0, f.l1} {
		for _, idx := range list {
			used[idx] = struct{}{}
		}
	}
	for idx, ref := range f.dpb {
		_, isUsed := used[uint32(idx)]
		result.ReferenceFramesReconPictureDescriptors = append(result.ReferenceFramesReconPictureDescriptors, hw.HEVCReferencePictureDescriptor{
			ReconstructedPictureResourceIndex: uint32(idx),
			IsRefUsedByCurrentPic:             isUsed,
			IsLongTermReference:               ref.LongTerm,
			PictureOrderCountNumber:           ref.POC,
			TemporalLayerIndex:                ref.TemporalLayer,
		})
	}
	if !pic.FrameType.IsIntra() {
		result.List0RefPicModifications = append([]uint32(nil), pic.HEVC.L0Modifications...)
		if pic.FrameType == hw.FrameTypeB {
			result.List1RefPicModifications = append([]uint32(nil), pic.HEVC.L1Modifications...)
		}
	}

	if ext != nil {
		*ext = hw.HEVCPictureControl1{HEVCPictureControl: result}
		return nil
	}
	*target = result
	return nil
}
