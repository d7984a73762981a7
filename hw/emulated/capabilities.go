package emulated

import (
	"slices"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

type EncodeCapabilities struct {
	Profiles                 []types.Profile
	MaxLevel                 types.Level
	InputFormats             []types.PixelFormat
	MaxResolution            types.Resolution
	RateControlModes         []hw.RateControlMode
	SubregionModes           []hw.SubregionMode
	IntraRefreshModes        []hw.IntraRefreshMode
	SupportFlags             hw.SupportFlags
	MaxDPBCapacity           uint32
	MaxL0References          uint32
	MaxL1References          uint32
	MaxSubregions            uint32
	BitstreamOffsetAlignment uint32
}

type DecodeCapabilities struct {
	Profiles           []types.Profile
	Formats            []types.PixelFormat
	MaxResolution      types.Resolution
	ConfigurationFlags hw.DecoderConfigurationFlags
	MaxDPBSlots        uint32
}

type Capabilities struct {
	Encode map[types.Codec]EncodeCapabilities
	Decode map[types.Codec]DecodeCapabilities
}

// DefaultCapabilities resembles a typical discrete GPU: both codecs,
// live reconfiguration, no extended VBV and no max-frame-size limiting.
func DefaultCapabilities() Capabilities {
	commonSupportFlags := hw.SupportFlagRateControlReconfiguration |
		hw.SupportFlagSubregionLayoutReconfiguration |
		hw.SupportFlagSequenceGOPReconfiguration |
		hw.SupportFlagRateControlDeltaQP |
		hw.SupportFlagRateControlQPRange |
		hw.SupportFlagRateControlInitialQP |
		hw.SupportFlagIntraRefresh |
		hw.SupportFlagPerSliceRefCountOverride
	rcModes := []hw.RateControlMode{
		hw.RateControlModeCQP,
		hw.RateControlModeCBR,
		hw.RateControlModeVBR,
		hw.RateControlModeQVBR,
	}
	subregionModes := []hw.SubregionMode{
		hw.SubregionModeFullFrame,
		hw.SubregionModeBytesPerSubregion,
		hw.SubregionModeSquareUnitsPerSubregion,
		hw.SubregionModeRowsPerSubregion,
		hw.SubregionModeSubregionsPerFrame,
	}
	irModes := []hw.IntraRefreshMode{hw.IntraRefreshModeNone, hw.IntraRefreshModeRowBased}
	maxRes := types.Resolution{Width: 4096, Height: 4096}
	return Capabilities{
		Encode: map[types.Codec]EncodeCapabilities{
			types.CodecH264: {
				Profiles:                 []types.Profile{types.ProfileH264ConstrainedBaseline, types.ProfileH264Main, types.ProfileH264High},
				MaxLevel:                 52,
				InputFormats:             []types.PixelFormat{types.PixelFormatNV12},
				MaxResolution:            maxRes,
				RateControlModes:         rcModes,
				SubregionModes:           subregionModes,
				IntraRefreshModes:        irModes,
				SupportFlags:             commonSupportFlags,
				MaxDPBCapacity:           16,
				MaxL0References:          4,
				MaxL1References:          2,
				MaxSubregions:            32,
				BitstreamOffsetAlignment: 256,
			},
			types.CodecHEVC: {
				Profiles:                 []types.Profile{types.ProfileHEVCMain, types.ProfileHEVCMain10},
				MaxLevel:                 186,
				InputFormats:             []types.PixelFormat{types.PixelFormatNV12, types.PixelFormatP010},
				MaxResolution:            maxRes,
				RateControlModes:         rcModes,
				SubregionModes:           subregionModes,
				IntraRefreshModes:        irModes,
				SupportFlags:             commonSupportFlags | hw.SupportFlagReconstructedFramesRequireTextureArrays,
				MaxDPBCapacity:           15,
				MaxL0References:          4,
				MaxL1References:          2,
				MaxSubregions:            32,
				BitstreamOffsetAlignment: 256,
			},
		},
		Decode: map[types.Codec]DecodeCapabilities{
			types.CodecH264: {
				Profiles:           []types.Profile{types.ProfileH264ConstrainedBaseline, types.ProfileH264Main, types.ProfileH264High},
				Formats:            []types.PixelFormat{types.PixelFormatNV12},
				MaxResolution:      maxRes,
				ConfigurationFlags: hw.DecoderConfigurationFlagArrayOfTexturesSupported,
				MaxDPBSlots:        17,
			},
			types.CodecHEVC: {
				Profiles:           []types.Profile{types.ProfileHEVCMain, types.ProfileHEVCMain10},
				Formats:            []types.PixelFormat{types.PixelFormatNV12, types.PixelFormatP010},
				MaxResolution:      maxRes,
				ConfigurationFlags: hw.DecoderConfigurationFlagArrayOfTexturesSupported,
				MaxDPBSlots:        16,
			},
		},
	}
}

func (d *Device) QueryEncoderSupport(q *hw.EncoderSupportQuery) (*hw.EncoderSupport, error) {
	if err := d.RemovedReason(); err != nil {
		return nil, err
	}
	caps, ok := d.Capabilities.Encode[q.Codec]
	if !ok {
		return &hw.EncoderSupport{ValidationFlags: hw.ValidationFlagCodecNotSupported}, nil
	}
	result := &hw.EncoderSupport{
		SupportFlags:             caps.SupportFlags,
		MaxDPBCapacity:           caps.MaxDPBCapacity,
		MaxL0References:          caps.MaxL0References,
		MaxL1References:          caps.MaxL1References,
		MaxSubregions:            caps.MaxSubregions,
		BitstreamOffsetAlignment: caps.BitstreamOffsetAlignment,
		MaxLevel:                 caps.MaxLevel,
	}
	var flags hw.ValidationFlags
	if !slices.Contains(caps.Profiles, q.Profile) {
		flags |= hw.ValidationFlagProfileNotSupported
	}
	if q.Level == 0 || q.Level > caps.MaxLevel {
		flags |= hw.ValidationFlagLevelNotSupported
	}
	if !slices.Contains(caps.InputFormats, q.InputFormat) {
		flags |= hw.ValidationFlagInputFormatNotSupported
	}
	if q.Resolution.IsZero() ||
		q.Resolution.Width > caps.MaxResolution.Width ||
		q.Resolution.Height > caps.MaxResolution.Height {
		flags |= hw.ValidationFlagResolutionNotSupported
	}
	flags |= validateRateControl(caps, q.RateControl)
	if !slices.Contains(caps.SubregionModes, q.SubregionLayout.Mode) {
		flags |= hw.ValidationFlagSubregionLayoutModeNotSupported
	} else {
		cols, rows := q.Resolution.InBlocks(blockSize(q.Codec))
		if q.SubregionLayout.Count(cols, rows) > caps.MaxSubregions {
			flags |= hw.ValidationFlagSubregionLayoutModeNotSupported
		}
	}
	if !slices.Contains(caps.IntraRefreshModes, q.IntraRefresh.Mode) {
		flags |= hw.ValidationFlagIntraRefreshModeNotSupported
	}
	if q.IntraRefresh.Mode != hw.IntraRefreshModeNone && caps.SupportFlags&hw.SupportFlagIntraRefresh == 0 {
		flags |= hw.ValidationFlagIntraRefreshModeNotSupported
	}
	if q.GOP.MaxReferenceFrames > caps.MaxDPBCapacity || q.GOP.IPPeriod == 0 ||
		(q.GOP.IPPeriod > 1 && caps.MaxL1References == 0) {
		flags |= hw.ValidationFlagGOPStructureNotSupported
	}
	if !validCodecConfig(caps, q.Profile, q.CodecConfig) {
		flags |= hw.ValidationFlagCodecConfigurationNotSupported
	}
	result.ValidationFlags = flags
	return result, nil
}

func validateRateControl(caps EncodeCapabilities, rc hw.RateControl) hw.ValidationFlags {
	var flags hw.ValidationFlags
	if !slices.Contains(caps.RateControlModes, rc.Mode) {
		flags |= hw.ValidationFlagRateControlModeNotSupported
	}
	if rc.Flags&hw.RateControlFlagEnableExtendedVBV != 0 && caps.SupportFlags&hw.SupportFlagRateControlVBVSizeConfig == 0 {
		flags |= hw.ValidationFlagExtendedVBVNotSupported
	}
	if rc.Flags&hw.RateControlFlagEnableMaxFrameSize != 0 && caps.SupportFlags&hw.SupportFlagRateControlMaxFrameSize == 0 {
		flags |= hw.ValidationFlagMaxFrameSizeNotSupported
	}
	for _, item := range []struct {
		rc  hw.RateControlFlags
		sup hw.SupportFlags
	}{
		{hw.RateControlFlagEnableDeltaQP, hw.SupportFlagRateControlDeltaQP},
		{hw.RateControlFlagEnableQPRange, hw.SupportFlagRateControlQPRange},
		{hw.RateControlFlagEnableInitialQP, hw.SupportFlagRateControlInitialQP},
	} {
		if rc.Flags&item.rc != 0 && caps.SupportFlags&item.sup == 0 {
			flags |= hw.ValidationFlagRateControlConfigurationNotSupported
		}
	}
	switch rc.Mode {
	case hw.RateControlModeCBR, hw.RateControlModeVBR:
		if rc.TargetBitrate == 0 {
			flags |= hw.ValidationFlagRateControlConfigurationNotSupported
		}
		if rc.Mode == hw.RateControlModeVBR && rc.PeakBitrate < rc.TargetBitrate {
			flags |= hw.ValidationFlagRateControlConfigurationNotSupported
		}
	case hw.RateControlModeQVBR:
		if rc.QualityLevel == 0 || rc.QualityLevel > 51 {
			flags |= hw.ValidationFlagRateControlConfigurationNotSupported
		}
	}
	if rc.Flags&hw.RateControlFlagEnableQPRange != 0 && rc.MinQP > rc.MaxQP {
		flags |= hw.ValidationFlagRateControlConfigurationNotSupported
	}
	return flags
}

func validCodecConfig(caps EncodeCapabilities, profile types.Profile, cfg hw.CodecConfig) bool {
	switch profile.Codec() {
	case types.CodecH264:
		c := cfg.H264
		if c.PerSliceRefCountOverride && caps.SupportFlags&hw.SupportFlagPerSliceRefCountOverride == 0 {
			return false
		}
		if c.Transform8x8 && profile != types.ProfileH264High && profile != types.ProfileH264High10 {
			return false
		}
		if c.EntropyCodingCABAC && profile == types.ProfileH264ConstrainedBaseline {
			return false
		}
		return true
	case types.CodecHEVC:
		c := cfg.HEVC
		if c.PerSliceRefCountOverride && caps.SupportFlags&hw.SupportFlagPerSliceRefCountOverride == 0 {
			return false
		}
		if c.MinCodingBlockSizeLog2 < 3 || c.MaxCodingBlockSizeLog2 > 6 ||
			c.MinCodingBlockSizeLog2 > c.MaxCodingBlockSizeLog2 {
			return false
		}
		if c.MinTransformBlockSizeLog2 < 2 || c.MaxTransformBlockSizeLog2 > 5 ||
			c.MinTransformBlockSizeLog2 > c.MaxTransformBlockSizeLog2 ||
			c.MinTransformBlockSizeLog2 >= c.MinCodingBlockSizeLog2 {
			return false
		}
		return true
	}
	return false
}

func (d *Device) QueryDecoderSupport(q *hw.DecoderSupportQuery) (*hw.DecoderSupport, error) {
	if err := d.RemovedReason(); err != nil {
		return nil, err
	}
	caps, ok := d.Capabilities.Decode[q.Codec]
	if !ok {
		return &hw.DecoderSupport{}, nil
	}
	supported := slices.Contains(caps.Profiles, q.Profile) &&
		slices.Contains(caps.Formats, q.Format) &&
		!q.Resolution.IsZero() &&
		q.Resolution.Width <= caps.MaxResolution.Width &&
		q.Resolution.Height <= caps.MaxResolution.Height
	return &hw.DecoderSupport{
		Supported:          supported,
		ConfigurationFlags: caps.ConfigurationFlags,
		MaxDPBSlots:        caps.MaxDPBSlots,
	}, nil
}

func blockSize(codec types.Codec) uint32 {
	if codec == types.CodecHEVC {
		return 64
	}
	return 16
}
