package codec

import (
	"fmt"

	"github.com/xaionaro-go/gpuvideo/annexb"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

type slotLookup func(pictureID uint64) (uint32, bool)

// buildDecodeArguments fills the reference fields of the caller's
// picture parameters with the DPB slots of the references and adds the
// slice control computed from the accumulated bitstream.
func buildDecodeArguments(
	codec types.Codec,
	pic *DecodePictureDescription,
	currentSlot uint32,
	slotOf slotLookup,
	bitstream []byte,
) ([]hw.DecodeFrameArgument, error) {
	var args []hw.DecodeFrameArgument
	switch codec {
	case types.CodecH264:
		if pic.H264 == nil {
			return nil, fmt.Errorf("no H.264 picture parameters")
		}
		pp, err := h264PictureParameters(pic, currentSlot, slotOf)
		if err != nil {
			return nil, err
		}
		args = append(args, hw.DecodeFrameArgument{Type: hw.DecodeArgumentTypePictureParameters, Data: pp})
		if pic.H264QuantizationMatrix != nil {
			qm := *pic.H264QuantizationMatrix
			args = append(args, hw.DecodeFrameArgument{Type: hw.DecodeArgumentTypeInverseQuantizationMatrix, Data: &qm})
		}
	case types.CodecHEVC:
		if pic.HEVC == nil {
			return nil, fmt.Errorf("no HEVC picture parameters")
		}
		pp, err := hevcPictureParameters(pic, currentSlot, slotOf)
		if err != nil {
			return nil, err
		}
		args = append(args, hw.DecodeFrameArgument{Type: hw.DecodeArgumentTypePictureParameters, Data: pp})
		if pic.HEVCQuantizationMatrix != nil {
			qm := *pic.HEVCQuantizationMatrix
			args = append(args, hw.DecodeFrameArgument{Type: hw.DecodeArgumentTypeInverseQuantizationMatrix, Data: &qm})
		}
	default:
		return nil, fmt.Errorf("codec %s is not supported", codec)
	}
	args = append(args, hw.DecodeFrameArgument{
		Type: hw.DecodeArgumentTypeSliceControl,
		Data: annexb.SliceControls(codec, bitstream),
	})
	return args, nil
}

func referenceEntry(ref DecodeReference, slotOf slotLookup) (hw.DecodePictureEntry, error) {
	slot, ok := slotOf(ref.PictureID)
	if !ok {
		return hw.InvalidPictureEntry, fmt.Errorf("reference picture %d is not in the DPB", ref.PictureID)
	}
	return hw.DecodePictureEntry{Index: uint8(slot), LongTerm: ref.LongTerm}, nil
}

func h264PictureParameters(
	pic *DecodePictureDescription,
	currentSlot uint32,
	slotOf slotLookup,
) (*hw.H264DecodePictureParameters, error) {
	pp := *pic.H264
	if len(pic.References) > len(pp.RefFrameList) {
		return nil, fmt.Errorf("%d references, while H.264 allows at most %d", len(pic.References), len(pp.RefFrameList))
	}
	pp.CurrPic = hw.DecodePictureEntry{Index: uint8(currentSlot)}
	pp.RefPicFlag = pic.IsReference
	pp.UsedForReferenceFlags = 0
	for idx := range pp.RefFrameList {
		pp.RefFrameList[idx] = hw.InvalidPictureEntry
		pp.FieldOrderCntList[idx] = [2]int32{}
		pp.FrameNumList[idx] = 0
	}
	for idx, ref := range pic.References {
		entry, err := referenceEntry(ref, slotOf)
		if err != nil {
			return nil, err
		}
		pp.RefFrameList[idx] = entry
		pp.FieldOrderCntList[idx] = ref.FieldOrderCnt
		pp.FrameNumList[idx] = ref.FrameNum
		// both fields
		pp.UsedForReferenceFlags |= 3 << (2 * idx)
	}
	return &pp, nil
}

func hevcPictureParameters(
	pic *DecodePictureDescription,
	currentSlot uint32,
	slotOf slotLookup,
) (*hw.HEVCDecodePictureParameters, error) {
	pp := *pic.HEVC
	if len(pic.References) > len(pp.RefPicList) {
		return nil, fmt.Errorf("%d references, while HEVC allows at most %d", len(pic.References), len(pp.RefPicList))
	}
	pp.CurrPic = hw.DecodePictureEntry{Index: uint8(currentSlot)}
	for idx := range pp.RefPicList {
		pp.RefPicList[idx] = hw.InvalidPictureEntry
		pp.PicOrderCntValList[idx] = 0
	}
	for idx, ref := range pic.References {
		entry, err := referenceEntry(ref, slotOf)
		if err != nil {
			return nil, err
		}
		pp.RefPicList[idx] = entry
		pp.PicOrderCntValList[idx] = ref.POC
	}

	sets := pic.HEVCReferenceSets
	for _, item := range []struct {
		dst *[8]uint8
		src []uint8
	}{
		{&pp.RefPicSetStCurrBefore, sets.StCurrBefore},
		{&pp.RefPicSetStCurrAfter, sets.StCurrAfter},
		{&pp.RefPicSetLtCurr, sets.LtCurr},
	} {
		if len(item.src) > len(item.dst) {
			return nil, fmt.Errorf("a reference picture set has %d entries, while at most %d are allowed", len(item.src), len(item.dst))
		}
		for idx := range item.dst {
			item.dst[idx] = hw.InvalidRefSetIndex
		}
		for idx, refIdx := range item.src {
			if int(refIdx) >= len(pic.References) {
				return nil, fmt.Errorf("reference picture set entry %d points outside of the %d references", refIdx, len(pic.References))
			}
			item.dst[idx] = refIdx
		}
	}
	return &pp, nil
}
