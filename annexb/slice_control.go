package annexb

import (
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

// IsSlice reports whether the NAL unit carries slice data of the given codec.
func IsSlice(codec types.Codec, payload []byte) bool {
	switch codec {
	case types.CodecH264:
		return H264TypeOf(payload).IsSlice()
	case types.CodecHEVC:
		return HEVCTypeOf(payload).IsSlice()
	}
	return false
}

// SliceControls describes every slice NAL unit of an access unit. A
// slice spans from its start code to the next start code, so non-slice
// units (SEI, parameter sets) preceding a slice are not included in it.
//
// If no slice unit is found the whole buffer is treated as one slice.
func SliceControls(codec types.Codec, b []byte) []hw.SliceControl {
	if len(b) == 0 {
		return nil
	}

	var result []hw.SliceControl
	for _, nalu := range Scan(b) {
		if !IsSlice(codec, nalu.Payload) {
			continue
		}
		result = append(result, hw.SliceControl{
			BSNALUnitDataLocation: uint32(nalu.Offset),
			SliceBytesInBuffer:    uint32(nalu.Size()),
		})
	}
	if len(result) == 0 {
		result = append(result, hw.SliceControl{
			BSNALUnitDataLocation: 0,
			SliceBytesInBuffer:    uint32(len(b)),
		})
	}
	return result
}
