package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

func slotsOf(m map[uint64]uint32) slotLookup {
	return func(id uint64) (uint32, bool) {
		slot, ok := m[id]
		return slot, ok
	}
}

func argumentOf[T any](t *testing.T, args []hw.DecodeFrameArgument, typ hw.DecodeArgumentType) T {
	for _, arg := range args {
		if arg.Type == typ {
			v, ok := arg.Data.(T)
			require.True(t, ok, "%T", arg.Data)
			return v
		}
	}
	t.Fatalf("no argument of type %d", typ)
	panic("unreachable")
}

func TestBuildDecodeArgumentsH264(t *testing.T) {
	t.Parallel()
	given := &hw.H264DecodePictureParameters{FrameNum: 7}
	given.RefFrameList[5] = hw.DecodePictureEntry{Index: 3}
	pic := &DecodePictureDescription{
		PictureID:   10,
		IsReference: true,
		References: []DecodeReference{
			{PictureID: 8, FrameNum: 5, FieldOrderCnt: [2]int32{10, 11}},
			{PictureID: 9, FrameNum: 6, FieldOrderCnt: [2]int32{12, 13}, LongTerm: true},
		},
		H264:                   given,
		H264QuantizationMatrix: &hw.H264QuantizationMatrix{},
	}
	bitstream := append(append([]byte{}, startCode...), h264Slice(0x41, 20, 1)...)
	args, err := buildDecodeArguments(types.CodecH264, pic, 2, slotsOf(map[uint64]uint32{8: 4, 9: 0}), bitstream)
	require.NoError(t, err)
	require.Len(t, args, 3)

	pp := argumentOf[*hw.H264DecodePictureParameters](t, args, hw.DecodeArgumentTypePictureParameters)
	require.NotSame(t, given, pp, "the caller's parameters must not be modified")
	require.Equal(t, hw.DecodePictureEntry{Index: 3}, given.RefFrameList[5])
	require.Equal(t, hw.DecodePictureEntry{Index: 2}, pp.CurrPic)
	require.True(t, pp.RefPicFlag)
	require.Equal(t, uint16(7), pp.FrameNum)
	require.Equal(t, hw.DecodePictureEntry{Index: 4}, pp.RefFrameList[0])
	require.Equal(t, hw.DecodePictureEntry{Index: 0, LongTerm: true}, pp.RefFrameList[1])
	for idx := 2; idx < len(pp.RefFrameList); idx++ {
		require.Equal(t, hw.InvalidPictureEntry, pp.RefFrameList[idx], "entry %d", idx)
	}
	require.Equal(t, [2]int32{12, 13}, pp.FieldOrderCntList[1])
	require.Equal(t, uint16(5), pp.FrameNumList[0])
	require.Equal(t, uint32(0b1111), pp.UsedForReferenceFlags)

	slices := argumentOf[[]hw.SliceControl](t, args, hw.DecodeArgumentTypeSliceControl)
	require.Equal(t, []hw.SliceControl{{SliceBytesInBuffer: uint32(len(bitstream))}}, slices)
	argumentOf[*hw.H264QuantizationMatrix](t, args, hw.DecodeArgumentTypeInverseQuantizationMatrix)
}

func TestBuildDecodeArgumentsHEVC(t *testing.T) {
	t.Parallel()
	pic := &DecodePictureDescription{
		PictureID: 3,
		References: []DecodeReference{
			{PictureID: 1, POC: 2},
			{PictureID: 2, POC: 4},
			{PictureID: 0, POC: 0, LongTerm: true},
		},
		HEVC: &hw.HEVCDecodePictureParameters{CurrPicOrderCntVal: 6},
		HEVCReferenceSets: HEVCReferenceSets{
			StCurrBefore: []uint8{1, 0},
			LtCurr:       []uint8{2},
		},
	}
	args, err := buildDecodeArguments(types.CodecHEVC, pic, 5, slotsOf(map[uint64]uint32{0: 0, 1: 1, 2: 2}), []byte{0, 0, 1, 0x02, 0x01, 0xaa})
	require.NoError(t, err)
	require.Len(t, args, 2)

	pp := argumentOf[*hw.HEVCDecodePictureParameters](t, args, hw.DecodeArgumentTypePictureParameters)
	require.Equal(t, uint8(5), pp.CurrPic.Index)
	require.Equal(t, []int32{2, 4, 0}, pp.PicOrderCntValList[:3])
	require.True(t, pp.RefPicList[2].LongTerm)
	require.Equal(t, hw.InvalidPictureEntry, pp.RefPicList[3])
	require.Equal(t, [8]uint8{1, 0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, pp.RefPicSetStCurrBefore)
	require.Equal(t, [8]uint8{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, pp.RefPicSetStCurrAfter)
	require.Equal(t, uint8(2), pp.RefPicSetLtCurr[0])
}

func TestBuildDecodeArgumentsErrors(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name  string
		codec types.Codec
		pic   *DecodePictureDescription
	}
	for _, tc := range []testCase{
		{
			name:  "no_h264_parameters",
			codec: types.CodecH264,
			pic:   &DecodePictureDescription{HEVC: &hw.HEVCDecodePictureParameters{}},
		},
		{
			name:  "unknown_reference",
			codec: types.CodecH264,
			pic: &DecodePictureDescription{
				References: []DecodeReference{{PictureID: 42}},
				H264:       &hw.H264DecodePictureParameters{},
			},
		},
		{
			name:  "reference_set_out_of_range",
			codec: types.CodecHEVC,
			pic: &DecodePictureDescription{
				References:        []DecodeReference{{PictureID: 0}},
				HEVC:              &hw.HEVCDecodePictureParameters{},
				HEVCReferenceSets: HEVCReferenceSets{StCurrAfter: []uint8{1}},
			},
		},
		{
			name:  "too_many_references",
			codec: types.CodecHEVC,
			pic: &DecodePictureDescription{
				References: make([]DecodeReference, 16),
				HEVC:       &hw.HEVCDecodePictureParameters{},
			},
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := buildDecodeArguments(tc.codec, tc.pic, 0, slotsOf(map[uint64]uint32{0: 0}), []byte{0, 0, 1, 0x65})
			require.Error(t, err)
		})
	}
}
