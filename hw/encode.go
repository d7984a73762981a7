package hw

import (
	"strings"

	"github.com/xaionaro-go/gpuvideo/types"
)

type VideoEncoder interface {
	Resource
	EncoderDesc() EncoderDesc
}

type VideoEncoderHeap interface {
	Resource
	EncoderHeapDesc() EncoderHeapDesc
}

type H264CodecConfig struct {
	EntropyCodingCABAC         bool `yaml:"cabac"`
	Transform8x8               bool `yaml:"transform_8x8"`
	ConstrainedIntraPrediction bool `yaml:"constrained_intra_prediction"`
	DisableDeblockingFilter    bool `yaml:"disable_deblocking_filter"`
	DirectModeSpatial          bool `yaml:"direct_mode_spatial"`

	// PerSliceRefCountOverride makes the hardware write
	// num_ref_idx_active_override_flag into every slice header, so the
	// PPS defaults are not authoritative.
	PerSliceRefCountOverride bool `yaml:"per_slice_ref_count_override"`
}

type HEVCCodecConfig struct {
	MinCodingBlockSizeLog2          uint8 `yaml:"min_cb_size_log2"`
	MaxCodingBlockSizeLog2          uint8 `yaml:"max_cb_size_log2"`
	MinTransformBlockSizeLog2       uint8 `yaml:"min_tb_size_log2"`
	MaxTransformBlockSizeLog2       uint8 `yaml:"max_tb_size_log2"`
	MaxTransformHierarchyDepthInter uint8 `yaml:"max_transform_hierarchy_depth_inter"`
	MaxTransformHierarchyDepthIntra uint8 `yaml:"max_transform_hierarchy_depth_intra"`
	AsymmetricMotionPartition       bool  `yaml:"amp"`
	SampleAdaptiveOffset            bool  `yaml:"sao"`
	TemporalMVP                     bool  `yaml:"temporal_mvp"`
	TransformSkip                   bool  `yaml:"transform_skip"`
	ConstrainedIntraPrediction      bool  `yaml:"constrained_intra_prediction"`
	LoopFilterAcrossSlices          bool  `yaml:"loop_filter_across_slices"`
	PerSliceRefCountOverride        bool  `yaml:"per_slice_ref_count_override"`
}

type CodecConfig struct {
	H264 H264CodecConfig `yaml:"h264"`
	HEVC HEVCCodecConfig `yaml:"hevc"`
}

type EncoderDesc struct {
	Codec       types.Codec
	Profile     types.Profile
	InputFormat types.PixelFormat
	CodecConfig CodecConfig
}

// EncoderHeapDesc does not depend on the reference count, so the heap
// outlives GOP changes.
type EncoderHeapDesc struct {
	Codec      types.Codec
	Profile    types.Profile
	Level      types.Level
	Resolution types.Resolution
}

type RateControlMode int

const (
	RateControlModeCQP = RateControlMode(iota)
	RateControlModeCBR
	RateControlModeVBR
	RateControlModeQVBR
	EndOfRateControlMode
)

func (m RateControlMode) String() string {
	switch m {
	case RateControlModeCQP:
		return "cqp"
	case RateControlModeCBR:
		return "cbr"
	case RateControlModeVBR:
		return "vbr"
	case RateControlModeQVBR:
		return "qvbr"
	}
	return "<unknown>"
}

type RateControlFlags uint32

const (
	RateControlFlagEnableDeltaQP = RateControlFlags(1 << iota)
	RateControlFlagEnableQPRange
	RateControlFlagEnableInitialQP

	// RateControlFlagEnableExtendedVBV enables VBVCapacity and InitialVBVFullness.
	RateControlFlagEnableExtendedVBV

	// RateControlFlagEnableMaxFrameSize enables MaxFrameSize.
	RateControlFlagEnableMaxFrameSize
)

// RateControl is compared with == to detect changes, so it must stay comparable.
type RateControl struct {
	Mode      RateControlMode
	Flags     RateControlFlags
	FrameRate types.Rational

	ConstantQPI uint8
	ConstantQPP uint8
	ConstantQPB uint8

	TargetBitrate uint64
	PeakBitrate   uint64
	QualityLevel  uint32

	VBVCapacity        uint64
	InitialVBVFullness uint64
	MaxFrameSize       uint64

	MinQP     uint8
	MaxQP     uint8
	InitialQP uint8
}

type SubregionMode int

const (
	SubregionModeFullFrame = SubregionMode(iota)
	SubregionModeBytesPerSubregion
	SubregionModeSquareUnitsPerSubregion
	SubregionModeRowsPerSubregion
	SubregionModeSubregionsPerFrame
	EndOfSubregionMode
)

type SubregionLayout struct {
	Mode  SubregionMode `yaml:"mode"`
	Value uint32        `yaml:"value"`
}

// Count returns how many subregions a frame of the given size in coding
// units is split into. SubregionModeBytesPerSubregion is not predictable
// and is reported as 0.
func (l SubregionLayout) Count(columns, rows uint32) uint32 {
	if l.Value == 0 {
		return 1
	}
	switch l.Mode {
	case SubregionModeFullFrame:
		return 1
	case SubregionModeSquareUnitsPerSubregion:
		return (columns*rows + l.Value - 1) / l.Value
	case SubregionModeRowsPerSubregion:
		return (rows + l.Value - 1) / l.Value
	case SubregionModeSubregionsPerFrame:
		return l.Value
	}
	return 0
}

type GOPStructure struct {
	// IDRPeriod is the distance between IDR frames, 0 means infinite.
	IDRPeriod uint32 `yaml:"idr_period"`

	// IPPeriod is 1 when there are no B-frames.
	IPPeriod uint32 `yaml:"ip_period"`

	MaxReferenceFrames    uint32 `yaml:"max_reference_frames"`
	Log2MaxFrameNumMinus4 uint8  `yaml:"log2_max_frame_num_minus4"`
	POCType               uint8  `yaml:"poc_type"`
	Log2MaxPOCLsbMinus4   uint8  `yaml:"log2_max_poc_lsb_minus4"`
}

type IntraRefreshMode int

const (
	IntraRefreshModeNone = IntraRefreshMode(iota)
	IntraRefreshModeRowBased
)

type IntraRefresh struct {
	Mode     IntraRefreshMode `yaml:"mode"`
	Duration uint32           `yaml:"duration"`
}

type EncoderSupportQuery struct {
	Codec           types.Codec
	Profile         types.Profile
	Level           types.Level
	InputFormat     types.PixelFormat
	CodecConfig     CodecConfig
	Resolution      types.Resolution
	RateControl     RateControl
	SubregionLayout SubregionLayout
	GOP             GOPStructure
	IntraRefresh    IntraRefresh
}

type ValidationFlags uint32

const (
	ValidationFlagCodecNotSupported = ValidationFlags(1 << iota)
	ValidationFlagProfileNotSupported
	ValidationFlagLevelNotSupported
	ValidationFlagInputFormatNotSupported
	ValidationFlagCodecConfigurationNotSupported
	ValidationFlagRateControlModeNotSupported
	ValidationFlagRateControlConfigurationNotSupported
	ValidationFlagExtendedVBVNotSupported
	ValidationFlagMaxFrameSizeNotSupported
	ValidationFlagIntraRefreshModeNotSupported
	ValidationFlagSubregionLayoutModeNotSupported
	ValidationFlagResolutionNotSupported
	ValidationFlagGOPStructureNotSupported
)

func (f ValidationFlags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, item := range []struct {
		flag ValidationFlags
		name string
	}{
		{ValidationFlagCodecNotSupported, "codec"},
		{ValidationFlagProfileNotSupported, "profile"},
		{ValidationFlagLevelNotSupported, "level"},
		{ValidationFlagInputFormatNotSupported, "input_format"},
		{ValidationFlagCodecConfigurationNotSupported, "codec_configuration"},
		{ValidationFlagRateControlModeNotSupported, "rate_control_mode"},
		{ValidationFlagRateControlConfigurationNotSupported, "rate_control_configuration"},
		{ValidationFlagExtendedVBVNotSupported, "extended_vbv"},
		{ValidationFlagMaxFrameSizeNotSupported, "max_frame_size"},
		{ValidationFlagIntraRefreshModeNotSupported, "intra_refresh_mode"},
		{ValidationFlagSubregionLayoutModeNotSupported, "subregion_layout_mode"},
		{ValidationFlagResolutionNotSupported, "resolution"},
		{ValidationFlagGOPStructureNotSupported, "gop_structure"},
	} {
		if f&item.flag != 0 {
			names = append(names, item.name)
		}
	}
	return strings.Join(names, "|")
}

type SupportFlags uint32

const (
	SupportFlagRateControlReconfiguration = SupportFlags(1 << iota)
	SupportFlagSubregionLayoutReconfiguration
	SupportFlagResolutionReconfiguration
	SupportFlagSequenceGOPReconfiguration
	SupportFlagRateControlVBVSizeConfig
	SupportFlagRateControlMaxFrameSize
	SupportFlagRateControlDeltaQP
	SupportFlagRateControlQPRange
	SupportFlagRateControlInitialQP
	SupportFlagIntraRefresh
	SupportFlagPerSliceRefCountOverride

	// SupportFlagReconstructedFramesRequireTextureArrays means the
	// reconstructed pictures must be slices of one texture array.
	SupportFlagReconstructedFramesRequireTextureArrays
)

type EncoderSupport struct {
	ValidationFlags          ValidationFlags
	SupportFlags             SupportFlags
	MaxDPBCapacity           uint32
	MaxL0References          uint32
	MaxL1References          uint32
	MaxSubregions            uint32
	BitstreamOffsetAlignment uint32
	MaxLevel                 types.Level
}

func (s *EncoderSupport) Supported() bool {
	return s != nil && s.ValidationFlags == 0
}

type SequenceControlFlags uint32

const (
	SequenceControlFlagResolutionChange = SequenceControlFlags(1 << iota)
	SequenceControlFlagRateControlChange
	SequenceControlFlagSubregionLayoutChange
	SequenceControlFlagRequestIntraRefresh
	SequenceControlFlagGOPSequenceChange
)

type EncodeSequenceControl struct {
	Flags           SequenceControlFlags
	RateControl     RateControl
	SubregionLayout SubregionLayout
	GOP             GOPStructure
	IntraRefresh    IntraRefresh
	Resolution      types.Resolution
}

type PictureControlFlags uint32

const (
	PictureControlFlagUsedAsReference = PictureControlFlags(1 << iota)
)

type EncodePictureControl struct {
	Flags                  PictureControlFlags
	IntraRefreshFrameIndex uint32
	QPDelta                int8
	Codec                  PictureControlBlock
	ReferenceFrames        ReferenceFrames
}

type EncodeInputArguments struct {
	SequenceControl       EncodeSequenceControl
	PictureControl        EncodePictureControl
	InputFrame            Texture
	InputFrameSubresource uint32
}

// EncodeOutputBitstream addresses where the frame payload is written;
// anything before FrameStartOffset belongs to the caller.
type EncodeOutputBitstream struct {
	Buffer           Buffer
	FrameStartOffset uint64
}

type EncodeOutputArguments struct {
	Bitstream               EncodeOutputBitstream
	ReconstructedPicture    TextureCopyLocation
	EncoderOutputMetadata   Buffer
	HasReconstructedPicture bool
}

type ResolveMetadataInput struct {
	Codec            types.Codec
	InputFormat      types.PixelFormat
	Resolution       types.Resolution
	SubregionLayout  SubregionLayout
	HWLayoutMetadata Buffer
}

type ResolveMetadataOutput struct {
	ResolvedLayoutMetadata Buffer
	Offset                 uint64
}
