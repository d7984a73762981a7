package codec

import (
	"fmt"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/ratecontrol"
	"github.com/xaionaro-go/gpuvideo/refpic"
	"github.com/xaionaro-go/gpuvideo/types"
)

// EncodeSettings are the caller-requested settings of an encode session.
type EncodeSettings struct {
	Profile         types.Profile      `yaml:"profile"`
	Level           types.Level        `yaml:"level"`
	InputFormat     types.PixelFormat  `yaml:"input_format"`
	Resolution      types.Resolution   `yaml:"resolution"`
	FrameRate       types.Rational     `yaml:"frame_rate"`
	RateControl     ratecontrol.Config `yaml:"rate_control"`
	CodecConfig     hw.CodecConfig     `yaml:"codec_config"`
	SubregionLayout hw.SubregionLayout `yaml:"subregion_layout"`
	GOP             hw.GOPStructure    `yaml:"gop"`
	IntraRefresh    hw.IntraRefresh    `yaml:"intra_refresh"`
}

type EncoderDescription struct {
	Codec          types.Codec `yaml:"codec"`
	EncodeSettings `yaml:",inline"`

	// AllowRateControlFallback lets the negotiation drop the optional
	// rate control features (extended VBV sizing, max frame size) the
	// hardware does not support instead of failing.
	AllowRateControlFallback bool `yaml:"allow_rate_control_fallback"`

	AccessUnitDelimiter bool `yaml:"access_unit_delimiter"`
	RepeatHeadersOnIDR  bool `yaml:"repeat_headers_on_idr"`
}

func (d EncoderDescription) validate() error {
	if d.Codec == types.UndefinedCodec {
		return fmt.Errorf("codec is not set")
	}
	if d.Profile.Codec() != d.Codec {
		return fmt.Errorf("profile %s does not belong to codec %s", d.Profile, d.Codec)
	}
	if d.RateControl.RateControl == nil {
		return fmt.Errorf("rate control is not set")
	}
	if d.FrameRate.IsZero() {
		return fmt.Errorf("frame rate is not set")
	}
	return nil
}

// EncodePictureDescription describes a picture given to an Encoder.
type EncodePictureDescription struct {
	refpic.EncodePicture

	// Settings, if set, are negotiated before the picture is encoded and
	// stay requested for the following pictures.
	Settings *EncodeSettings

	QPDelta             int8
	ForceHeaders        bool
	RequestIntraRefresh bool
}

type DecoderDescription struct {
	Codec      types.Codec       `yaml:"codec"`
	Profile    types.Profile     `yaml:"profile"`
	Format     types.PixelFormat `yaml:"format"`
	Resolution types.Resolution  `yaml:"resolution"`

	// MaxReferences is the maximum amount of pictures kept for
	// reference; 0 means 16.
	MaxReferences uint32 `yaml:"max_references"`
}

func (d DecoderDescription) validate() error {
	if d.Codec == types.UndefinedCodec {
		return fmt.Errorf("codec is not set")
	}
	if d.Profile.Codec() != d.Codec {
		return fmt.Errorf("profile %s does not belong to codec %s", d.Profile, d.Codec)
	}
	if d.Resolution.IsZero() {
		return fmt.Errorf("resolution is not set")
	}
	return nil
}

// DecodeReference is a picture kept in the DPB while decoding the
// current one, in the order of the reference list of the picture
// parameters.
type DecodeReference struct {
	PictureID     uint64
	LongTerm      bool
	FrameNum      uint16
	FieldOrderCnt [2]int32
	POC           int32
}

// HEVCReferenceSets are indices into DecodePictureDescription.References.
type HEVCReferenceSets struct {
	StCurrBefore []uint8
	StCurrAfter  []uint8
	LtCurr       []uint8
}

// DecodePictureDescription describes a picture given to a Decoder.
// Exactly one of H264 and HEVC must be set; its reference fields are
// filled by the session.
type DecodePictureDescription struct {
	PictureID   uint64
	IsReference bool
	References  []DecodeReference

	H264 *hw.H264DecodePictureParameters
	HEVC *hw.HEVCDecodePictureParameters

	HEVCReferenceSets HEVCReferenceSets

	H264QuantizationMatrix *hw.H264QuantizationMatrix
	HEVCQuantizationMatrix *hw.HEVCQuantizationMatrix
}

func (p *DecodePictureDescription) refpic() *refpic.DecodePicture {
	ids := make([]uint64, 0, len(p.References))
	for _, ref := range p.References {
		ids = append(ids, ref.PictureID)
	}
	return &refpic.DecodePicture{
		PictureID:   p.PictureID,
		IsReference: p.IsReference,
		References:  ids,
	}
}
