package hw

import (
	"github.com/xaionaro-go/gpuvideo/types"
)

type FrameType int

const (
	FrameTypeIDR = FrameType(iota)
	FrameTypeI
	FrameTypeP
	FrameTypeB
	EndOfFrameType
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeIDR:
		return "IDR"
	case FrameTypeI:
		return "I"
	case FrameTypeP:
		return "P"
	case FrameTypeB:
		return "B"
	}
	return "<unknown>"
}

func (t FrameType) IsIntra() bool {
	return t == FrameTypeIDR || t == FrameTypeI
}

// PictureControlBlock is a codec-specific picture control layout.
// Implementations: *H264PictureControl, *HEVCPictureControl, *HEVCPictureControl1.
type PictureControlBlock interface {
	Codec() types.Codec
}

type H264ReferencePictureDescriptor struct {
	ReconstructedPictureResourceIndex uint32
	IsLongTermReference               bool
	LongTermPictureIdx                uint32
	PictureOrderCountNumber           uint32
	FrameDecodingOrderNumber          uint32
	TemporalLayerIndex                uint32
}

// memory_management_control_operation values.
const (
	H264MMCOEnd                    = uint8(0)
	H264MMCOMarkShortTermUnused    = uint8(1)
	H264MMCOMarkLongTermUnused     = uint8(2)
	H264MMCOShortTermToLongTerm    = uint8(3)
	H264MMCOSetMaxLongTermFrameIdx = uint8(4)
	H264MMCOMarkAllUnused          = uint8(5)
	H264MMCOMarkCurrentAsLongTerm  = uint8(6)
)

type H264MMCO struct {
	Operation                 uint8
	DifferenceOfPicNumsMinus1 uint32
	LongTermPicNum            uint32
	LongTermFrameIdx          uint32
	MaxLongTermFrameIdxPlus1  uint32
}

// modification_of_pic_nums_idc values.
const (
	H264ModificationSubtractAbsDiffPicNum = uint8(0)
	H264ModificationAddAbsDiffPicNum      = uint8(1)
	H264ModificationLongTermPicNum        = uint8(2)
	H264ModificationEnd                   = uint8(3)
)

type H264RefListModification struct {
	ModificationOfPicNumsIDC uint8
	AbsDiffPicNumMinus1      uint32
	LongTermPicNum           uint32
}

type H264PictureControl struct {
	FrameType                              FrameType
	PicParameterSetID                      uint8
	IDRPicID                               uint16
	PictureOrderCountNumber                uint32
	FrameDecodingOrderNumber               uint32
	TemporalLayerIndex                     uint32
	List0ReferenceFrames                   []uint32
	List1ReferenceFrames                   []uint32
	ReferenceFramesReconPictureDescriptors []H264ReferencePictureDescriptor

	AdaptiveRefPicMarkingModeFlag   bool
	RefPicMarkingOperationsCommands []H264MMCO

	List0RefPicModifications []H264RefListModification
	List1RefPicModifications []H264RefListModification
}

func (*H264PictureControl) Codec() types.Codec { return types.CodecH264 }

type HEVCReferencePictureDescriptor struct {
	ReconstructedPictureResourceIndex uint32
	IsRefUsedByCurrentPic             bool
	IsLongTermReference               bool
	PictureOrderCountNumber           uint32
	TemporalLayerIndex                uint32
}

type HEVCPictureControl struct {
	FrameType                              FrameType
	SlicePicParameterSetID                 uint8
	PictureOrderCountNumber                uint32
	TemporalLayerIndex                     uint32
	List0ReferenceFrames                   []uint32
	List1ReferenceFrames                   []uint32
	ReferenceFramesReconPictureDescriptors []HEVCReferencePictureDescriptor

	// list_entry_lX values; empty when the lists are used as-is.
	List0RefPicModifications []uint32
	List1RefPicModifications []uint32
}

func (*HEVCPictureControl) Codec() types.Codec { return types.CodecHEVC }

// HEVCPictureControl1 is the extended HEVC layout with the range
// extension chroma QP offset fields.
type HEVCPictureControl1 struct {
	HEVCPictureControl
	DiffCUChromaQPOffsetDepth uint8
	Log2SAOOffsetScaleLuma    uint8
	Log2SAOOffsetScaleChroma  uint8
	ChromaQPOffsetListLen     uint8
	CbQPOffsetList            [6]int8
	CrQPOffsetList            [6]int8
}

func (*HEVCPictureControl1) Codec() types.Codec { return types.CodecHEVC }
