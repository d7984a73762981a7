package annexb

type HEVCNalUnitType uint8

const (
	HEVCNalUnitTypeTrailN    HEVCNalUnitType = 0
	HEVCNalUnitTypeTrailR    HEVCNalUnitType = 1
	HEVCNalUnitTypeRASLR     HEVCNalUnitType = 9
	HEVCNalUnitTypeBLAWLP    HEVCNalUnitType = 16
	HEVCNalUnitTypeIDRWRADL  HEVCNalUnitType = 19
	HEVCNalUnitTypeIDRNLP    HEVCNalUnitType = 20
	HEVCNalUnitTypeCRA       HEVCNalUnitType = 21
	HEVCNalUnitTypeVPS       HEVCNalUnitType = 32
	HEVCNalUnitTypeSPS       HEVCNalUnitType = 33
	HEVCNalUnitTypePPS       HEVCNalUnitType = 34
	HEVCNalUnitTypeAUD       HEVCNalUnitType = 35
	HEVCNalUnitTypeEOS       HEVCNalUnitType = 36
	HEVCNalUnitTypeEOB       HEVCNalUnitType = 37
	HEVCNalUnitTypeFD        HEVCNalUnitType = 38
	HEVCNalUnitTypePrefixSEI HEVCNalUnitType = 39
	HEVCNalUnitTypeSuffixSEI HEVCNalUnitType = 40
)

func HEVCTypeOf(payload []byte) HEVCNalUnitType {
	if len(payload) == 0 {
		return HEVCNalUnitTypeTrailN
	}
	return HEVCNalUnitType((payload[0] >> 1) & 0x3f)
}

// IsSlice reports whether the type is a VCL NAL unit type (0..31).
func (t HEVCNalUnitType) IsSlice() bool {
	return t <= 31
}

func (t HEVCNalUnitType) IsIRAP() bool {
	return t >= HEVCNalUnitTypeBLAWLP && t <= 23
}

func (t HEVCNalUnitType) String() string {
	switch {
	case t == HEVCNalUnitTypeIDRWRADL || t == HEVCNalUnitTypeIDRNLP:
		return "IDR slice"
	case t == HEVCNalUnitTypeCRA:
		return "CRA slice"
	case t.IsSlice():
		return "slice"
	case t == HEVCNalUnitTypeVPS:
		return "VPS"
	case t == HEVCNalUnitTypeSPS:
		return "SPS"
	case t == HEVCNalUnitTypePPS:
		return "PPS"
	case t == HEVCNalUnitTypeAUD:
		return "AUD"
	case t == HEVCNalUnitTypePrefixSEI || t == HEVCNalUnitTypeSuffixSEI:
		return "SEI"
	default:
		return "reserved/unknown"
	}
}
