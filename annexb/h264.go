package annexb

type H264NalUnitType uint8

const (
	H264NalUnitTypeUnspecified   H264NalUnitType = 0
	H264NalUnitTypeNonIDR        H264NalUnitType = 1
	H264NalUnitTypeDataA         H264NalUnitType = 2
	H264NalUnitTypeDataB         H264NalUnitType = 3
	H264NalUnitTypeDataC         H264NalUnitType = 4
	H264NalUnitTypeIDR           H264NalUnitType = 5
	H264NalUnitTypeSEI           H264NalUnitType = 6
	H264NalUnitTypeSPS           H264NalUnitType = 7
	H264NalUnitTypePPS           H264NalUnitType = 8
	H264NalUnitTypeAUD           H264NalUnitType = 9
	H264NalUnitTypeEndOfSequence H264NalUnitType = 10
	H264NalUnitTypeEndOfStream   H264NalUnitType = 11
	H264NalUnitTypeFiller        H264NalUnitType = 12
)

func H264TypeOf(payload []byte) H264NalUnitType {
	if len(payload) == 0 {
		return H264NalUnitTypeUnspecified
	}
	return H264NalUnitType(payload[0] & 0x1f)
}

// H264RefIDC returns nal_ref_idc.
func H264RefIDC(payload []byte) uint8 {
	if len(payload) == 0 {
		return 0
	}
	return (payload[0] >> 5) & 0x03
}

func (t H264NalUnitType) IsSlice() bool {
	return t >= H264NalUnitTypeNonIDR && t <= H264NalUnitTypeIDR
}

func (t H264NalUnitType) String() string {
	switch t {
	case H264NalUnitTypeNonIDR:
		return "non-IDR slice"
	case H264NalUnitTypeDataA:
		return "slice data A"
	case H264NalUnitTypeDataB:
		return "slice data B"
	case H264NalUnitTypeDataC:
		return "slice data C"
	case H264NalUnitTypeIDR:
		return "IDR slice"
	case H264NalUnitTypeSEI:
		return "SEI"
	case H264NalUnitTypeSPS:
		return "SPS"
	case H264NalUnitTypePPS:
		return "PPS"
	case H264NalUnitTypeAUD:
		return "AUD"
	case H264NalUnitTypeEndOfSequence:
		return "end of sequence"
	case H264NalUnitTypeEndOfStream:
		return "end of stream"
	case H264NalUnitTypeFiller:
		return "filler"
	default:
		return "reserved/unknown"
	}
}
