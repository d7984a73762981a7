package codec

import (
	"fmt"
	"strings"

	"github.com/xaionaro-go/gpuvideo/headers"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

// EncodeConfig is a snapshot of negotiated encode settings. It is
// compared with ==, so it must stay comparable.
type EncodeConfig struct {
	Codec           types.Codec
	Profile         types.Profile
	Level           types.Level
	InputFormat     types.PixelFormat
	Resolution      types.Resolution
	CodecConfig     hw.CodecConfig
	RateControl     hw.RateControl
	SubregionLayout hw.SubregionLayout
	GOP             hw.GOPStructure
	IntraRefresh    hw.IntraRefresh
}

type DirtyFlags uint32

const (
	DirtyFlagCodec = DirtyFlags(1 << iota)
	DirtyFlagProfile
	DirtyFlagLevel
	DirtyFlagCodecConfig
	DirtyFlagInputFormat
	DirtyFlagResolution
	DirtyFlagRateControl
	DirtyFlagSubregionLayout
	DirtyFlagGOP
	DirtyFlagGOPReferenceCount
	DirtyFlagIntraRefresh

	DirtyFlagsAll = DirtyFlagIntraRefresh<<1 - 1
)

func (f DirtyFlags) Has(flags DirtyFlags) bool {
	return f&flags != 0
}

func (f DirtyFlags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, item := range []struct {
		flag DirtyFlags
		name string
	}{
		{DirtyFlagCodec, "codec"},
		{DirtyFlagProfile, "profile"},
		{DirtyFlagLevel, "level"},
		{DirtyFlagCodecConfig, "codec_config"},
		{DirtyFlagInputFormat, "input_format"},
		{DirtyFlagResolution, "resolution"},
		{DirtyFlagRateControl, "rate_control"},
		{DirtyFlagSubregionLayout, "subregion_layout"},
		{DirtyFlagGOP, "gop"},
		{DirtyFlagGOPReferenceCount, "gop_reference_count"},
		{DirtyFlagIntraRefresh, "intra_refresh"},
	} {
		if f&item.flag != 0 {
			names = append(names, item.name)
		}
	}
	return strings.Join(names, "|")
}

// Diff returns the categories which differ from prev. A nil prev means
// nothing is active yet, so everything is dirty.
func (cfg EncodeConfig) Diff(prev *EncodeConfig) DirtyFlags {
	if prev == nil {
		return DirtyFlagsAll
	}
	var f DirtyFlags
	if cfg.Codec != prev.Codec {
		f |= DirtyFlagCodec
	}
	if cfg.Profile != prev.Profile {
		f |= DirtyFlagProfile
	}
	if cfg.Level != prev.Level {
		f |= DirtyFlagLevel
	}
	if cfg.CodecConfig != prev.CodecConfig {
		f |= DirtyFlagCodecConfig
	}
	if cfg.InputFormat != prev.InputFormat {
		f |= DirtyFlagInputFormat
	}
	if cfg.Resolution != prev.Resolution {
		f |= DirtyFlagResolution
	}
	if cfg.RateControl != prev.RateControl {
		f |= DirtyFlagRateControl
	}
	if cfg.SubregionLayout != prev.SubregionLayout {
		f |= DirtyFlagSubregionLayout
	}
	if cfg.GOP != prev.GOP {
		f |= DirtyFlagGOP
	}
	if cfg.GOP.MaxReferenceFrames != prev.GOP.MaxReferenceFrames {
		f |= DirtyFlagGOPReferenceCount
	}
	if cfg.IntraRefresh != prev.IntraRefresh {
		f |= DirtyFlagIntraRefresh
	}
	return f
}

func (cfg EncodeConfig) supportQuery() *hw.EncoderSupportQuery {
	return &hw.EncoderSupportQuery{
		Codec:           cfg.Codec,
		Profile:         cfg.Profile,
		Level:           cfg.Level,
		InputFormat:     cfg.InputFormat,
		CodecConfig:     cfg.CodecConfig,
		Resolution:      cfg.Resolution,
		RateControl:     cfg.RateControl,
		SubregionLayout: cfg.SubregionLayout,
		GOP:             cfg.GOP,
		IntraRefresh:    cfg.IntraRefresh,
	}
}

// translateSettings converts the caller's settings into a candidate
// EncodeConfig.
func translateSettings(codec types.Codec, s *EncodeSettings) (EncodeConfig, error) {
	if s.Profile.Codec() != codec {
		return EncodeConfig{}, fmt.Errorf("profile %s does not belong to codec %s", s.Profile, codec)
	}
	if s.RateControl.RateControl == nil {
		return EncodeConfig{}, fmt.Errorf("rate control is not set")
	}
	cfg := EncodeConfig{
		Codec:           codec,
		Profile:         s.Profile,
		Level:           s.Level,
		InputFormat:     s.InputFormat,
		Resolution:      s.Resolution,
		CodecConfig:     s.CodecConfig,
		SubregionLayout: s.SubregionLayout,
		GOP:             s.GOP,
		IntraRefresh:    s.IntraRefresh,
	}
	if cfg.Level == 0 {
		cfg.Level = defaultLevel(codec)
	}
	if codec == types.CodecHEVC {
		// the support query and the SPS must see the same block sizes
		cfg.CodecConfig.HEVC = headers.HEVCBlockSizes(cfg.CodecConfig.HEVC)
	}
	if cfg.GOP.IPPeriod == 0 {
		cfg.GOP.IPPeriod = 1
	}
	if cfg.GOP.MaxReferenceFrames == 0 {
		cfg.GOP.MaxReferenceFrames = 1
	}
	cfg.RateControl.FrameRate = s.FrameRate
	if err := s.RateControl.Apply(&cfg.RateControl); err != nil {
		return EncodeConfig{}, fmt.Errorf("unable to apply the rate control settings: %w", err)
	}
	return cfg, nil
}

// defaultLevel is level 4.1 of the codec.
func defaultLevel(codec types.Codec) types.Level {
	switch codec {
	case types.CodecHEVC:
		return 123
	default:
		return 41
	}
}
