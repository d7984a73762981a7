package hw

import (
	"github.com/xaionaro-go/gpuvideo/types"
)

type VideoDecoder interface {
	Resource
	DecoderDesc() DecoderDesc
}

type VideoDecoderHeap interface {
	Resource
	DecoderHeapDesc() DecoderHeapDesc
}

type DecoderDesc struct {
	Codec   types.Codec
	Profile types.Profile
}

type DecoderHeapDesc struct {
	Codec                       types.Codec
	Profile                     types.Profile
	Format                      types.PixelFormat
	Resolution                  types.Resolution
	MaxDecodePictureBufferCount uint32
}

type DecoderSupportQuery struct {
	Codec      types.Codec
	Profile    types.Profile
	Format     types.PixelFormat
	Resolution types.Resolution
}

type DecoderConfigurationFlags uint32

const (
	DecoderConfigurationFlagHeightAlignmentMultipleOf32Required = DecoderConfigurationFlags(1 << iota)

	// DecoderConfigurationFlagReferenceOnlyAllocationsRequired means the
	// references must live in reference-only textures, which cannot be
	// handed to the caller as the decoded output.
	DecoderConfigurationFlagReferenceOnlyAllocationsRequired

	// DecoderConfigurationFlagArrayOfTexturesSupported means references may
	// be independent textures instead of slices of one texture array.
	DecoderConfigurationFlagArrayOfTexturesSupported
)

type DecoderSupport struct {
	Supported          bool
	ConfigurationFlags DecoderConfigurationFlags
	MaxDPBSlots        uint32
}

type DecodeArgumentType int

const (
	DecodeArgumentTypePictureParameters = DecodeArgumentType(iota)
	DecodeArgumentTypeInverseQuantizationMatrix
	DecodeArgumentTypeSliceControl
)

// DecodeFrameArgument carries one argument block. Data is one of
// *H264DecodePictureParameters, *HEVCDecodePictureParameters,
// *H264QuantizationMatrix, *HEVCQuantizationMatrix or []SliceControl.
type DecodeFrameArgument struct {
	Type DecodeArgumentType
	Data any
}

type CompressedBitstream struct {
	Buffer Buffer
	Offset uint64
	Size   uint64
}

type DecodeInputArguments struct {
	FrameArguments      []DecodeFrameArgument
	ReferenceFrames     ReferenceFrames
	CompressedBitstream CompressedBitstream
	DecoderHeap         VideoDecoderHeap
}

type DecodeOutputArguments struct {
	OutputTexture     Texture
	OutputSubresource uint32
}

// InvalidPictureIndex marks an unused DecodePictureEntry.
const InvalidPictureIndex = uint8(0x7f)

// InvalidRefSetIndex marks an unused entry of the HEVC reference picture sets.
const InvalidRefSetIndex = uint8(0xff)

// DecodePictureEntry addresses a picture by its index in ReferenceFrames.
type DecodePictureEntry struct {
	Index    uint8
	LongTerm bool
}

var InvalidPictureEntry = DecodePictureEntry{Index: InvalidPictureIndex}

// SliceControl is the short slice control format: where a slice NAL unit
// starts in the compressed bitstream (including its start code) and how
// many bytes it occupies.
type SliceControl struct {
	BSNALUnitDataLocation uint32
	SliceBytesInBuffer    uint32
	BadSliceChopping      uint16
}

type H264DecodePictureParameters struct {
	CurrPic                            DecodePictureEntry
	PicWidthInMbsMinus1                uint16
	FrameHeightInMbsMinus1             uint16
	NumRefFrames                       uint8
	ChromaFormatIDC                    uint8
	BitDepthLumaMinus8                 uint8
	BitDepthChromaMinus8               uint8
	FieldPicFlag                       bool
	MbaffFrameFlag                     bool
	FrameMbsOnlyFlag                   bool
	Direct8x8InferenceFlag             bool
	Log2MaxFrameNumMinus4              uint8
	PicOrderCntType                    uint8
	Log2MaxPicOrderCntLsbMinus4        uint8
	DeltaPicOrderAlwaysZeroFlag        bool
	EntropyCodingModeFlag              bool
	Transform8x8ModeFlag               bool
	ConstrainedIntraPredFlag           bool
	WeightedPredFlag                   bool
	WeightedBipredIDC                  uint8
	PicInitQPMinus26                   int8
	PicInitQSMinus26                   int8
	ChromaQPIndexOffset                int8
	SecondChromaQPIndexOffset          int8
	DeblockingFilterControlPresentFlag bool
	RedundantPicCntPresentFlag         bool
	NumRefIdxL0ActiveMinus1            uint8
	NumRefIdxL1ActiveMinus1            uint8
	FrameNum                           uint16
	RefPicFlag                         bool
	IntraPicFlag                       bool
	CurrFieldOrderCnt                  [2]int32
	StatusReportFeedbackNumber         uint32

	// Filled by the decode session from the caller's reference list.
	RefFrameList          [16]DecodePictureEntry
	FieldOrderCntList     [16][2]int32
	FrameNumList          [16]uint16
	UsedForReferenceFlags uint32
}

type HEVCDecodePictureParameters struct {
	CurrPic                             DecodePictureEntry
	PicWidthInMinCbsY                   uint16
	PicHeightInMinCbsY                  uint16
	ChromaFormatIDC                     uint8
	BitDepthLumaMinus8                  uint8
	BitDepthChromaMinus8                uint8
	Log2MaxPicOrderCntLsbMinus4         uint8
	SPSMaxDecPicBufferingMinus1         uint8
	Log2MinLumaCodingBlockSizeMinus3    uint8
	Log2DiffMaxMinLumaCodingBlockSize   uint8
	Log2MinTransformBlockSizeMinus2     uint8
	Log2DiffMaxMinTransformBlockSize    uint8
	MaxTransformHierarchyDepthInter     uint8
	MaxTransformHierarchyDepthIntra     uint8
	NumShortTermRefPicSets              uint8
	NumLongTermRefPicsSPS               uint8
	NumRefIdxL0DefaultActiveMinus1      uint8
	NumRefIdxL1DefaultActiveMinus1      uint8
	InitQPMinus26                       int8
	ScalingListEnabledFlag              bool
	AMPEnabledFlag                      bool
	SampleAdaptiveOffsetEnabledFlag     bool
	PCMEnabledFlag                      bool
	LongTermRefPicsPresentFlag          bool
	SPSTemporalMVPEnabledFlag           bool
	StrongIntraSmoothingEnabledFlag     bool
	SignDataHidingEnabledFlag           bool
	CUQPDeltaEnabledFlag                bool
	DiffCUQPDeltaDepth                  uint8
	TransformSkipEnabledFlag            bool
	TilesEnabledFlag                    bool
	EntropyCodingSyncEnabledFlag        bool
	LoopFilterAcrossSlicesEnabledFlag   bool
	DeblockingFilterOverrideEnabledFlag bool
	PPSDeblockingFilterDisabledFlag     bool
	ListsModificationPresentFlag        bool
	Log2ParallelMergeLevelMinus2        uint8
	IrapPicFlag                         bool
	IdrPicFlag                          bool
	IntraPicFlag                        bool
	CurrPicOrderCntVal                  int32
	StatusReportFeedbackNumber          uint32

	// Filled by the decode session from the caller's reference list.
	RefPicList            [15]DecodePictureEntry
	PicOrderCntValList    [15]int32
	RefPicSetStCurrBefore [8]uint8
	RefPicSetStCurrAfter  [8]uint8
	RefPicSetLtCurr       [8]uint8
}

type H264QuantizationMatrix struct {
	ScalingLists4x4 [6][16]uint8
	ScalingLists8x8 [2][64]uint8
}

type HEVCQuantizationMatrix struct {
	ScalingLists4x4        [6][16]uint8
	ScalingLists8x8        [6][64]uint8
	ScalingLists16x16      [6][64]uint8
	ScalingLists32x32      [2][64]uint8
	ScalingListDCCoef16x16 [6]uint8
	ScalingListDCCoef32x32 [2]uint8
}
