package headers

import (
	"context"
	"testing"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuvideo/annexb"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

func h264Params() Params {
	return Params{
		Profile:    types.ProfileH264High,
		Level:      41,
		Format:     types.PixelFormatNV12,
		Resolution: types.Resolution{Width: 1920, Height: 1080},
		FrameRate:  types.Rational{Num: 30, Den: 1},
		GOP: hw.GOPStructure{
			IDRPeriod:             60,
			IPPeriod:              1,
			MaxReferenceFrames:    2,
			Log2MaxFrameNumMinus4: 4,
			POCType:               2,
		},
		CodecConfig: hw.CodecConfig{
			H264: hw.H264CodecConfig{
				EntropyCodingCABAC: true,
				Transform8x8:       true,
			},
		},
	}
}

func TestH264SPSParsesBack(t *testing.T) {
	t.Parallel()
	b := NewH264Builder()
	var buf []byte
	n, err := b.WriteSPS(b.BuildSPS(h264Params()), &buf, 0)
	require.NoError(t, err)
	require.Equal(t, n, len(buf))
	require.Equal(t, []byte{0, 0, 0, 1, 0x67}, buf[:5])

	sps, err := avc.ParseSPSNALUnit(buf[4:], true)
	require.NoError(t, err)
	require.EqualValues(t, 1920, sps.Width)
	require.EqualValues(t, 1080, sps.Height)
	require.EqualValues(t, 100, sps.Profile)
	require.EqualValues(t, 41, sps.Level)
	require.EqualValues(t, 0, sps.ParameterID)
	require.EqualValues(t, 1, sps.ChromaFormatIDC)
	require.EqualValues(t, 2, sps.NumRefFrames)
	require.EqualValues(t, 4, sps.Log2MaxFrameNumMinus4)
	require.EqualValues(t, 2, sps.PicOrderCntType)
	require.NotNil(t, sps.VUI)
	require.True(t, sps.VUI.TimingInfoPresentFlag)
	require.EqualValues(t, 1, sps.VUI.NumUnitsInTick)
	require.EqualValues(t, 60, sps.VUI.TimeScale)
	require.True(t, sps.VUI.BitstreamRestrictionFlag)
	require.EqualValues(t, 0, sps.VUI.MaxNumReorderFrames)
	require.EqualValues(t, 2, sps.VUI.MaxDecFrameBuffering)

	var ppsBuf []byte
	_, err = b.WritePPS(b.BuildPPS(h264Params(), PictureParams{FrameType: hw.FrameTypeP, NumRefIdxL0Active: 1}), &ppsBuf, 0)
	require.NoError(t, err)
	pps, err := avc.ParsePPSNALUnit(ppsBuf[4:], map[uint32]*avc.SPS{0: sps})
	require.NoError(t, err)
	require.EqualValues(t, 0, pps.PicParameterSetID)
}

func TestHEVCVPSGolden(t *testing.T) {
	t.Parallel()
	vps := HEVCVPS{
		TemporalIDNesting: true,
		ProfileTierLevel: HEVCProfileTierLevel{
			ProfileIDC:          1,
			CompatibilityFlags:  1<<1 | 1<<2,
			ProgressiveSource:   true,
			FrameOnlyConstraint: true,
			LevelIDC:            93,
		},
		SubLayerOrderingInfoPresent: true,
		SubLayerOrdering: HEVCSubLayerOrdering{
			MaxDecPicBufferingMinus1: 4,
			MaxNumReorderPics:        2,
			MaxLatencyIncreasePlus1:  5,
		},
	}
	var buf []byte
	_, err := NewHEVCBuilder().WriteVPS(vps, &buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x01,
		0x40, 0x01, 0x0c, 0x01, 0xff, 0xff, 0x01, 0x60, 0x00, 0x00, 0x03, 0x00,
		0x90, 0x00, 0x00, 0x03, 0x00, 0x00, 0x03, 0x00, 0x5d, 0x95, 0x98, 0x09,
	}, buf)
}

func TestHEVCBuildVPSFromParams(t *testing.T) {
	t.Parallel()
	vps := NewHEVCBuilder().BuildVPS(Params{
		Profile: types.ProfileHEVCMain,
		Level:   93,
		Format:  types.PixelFormatNV12,
		GOP:     hw.GOPStructure{IPPeriod: 3, MaxReferenceFrames: 4},
	})
	require.Equal(t, uint32(1<<1|1<<2), vps.ProfileTierLevel.CompatibilityFlags)
	require.Equal(t, uint32(4), vps.SubLayerOrdering.MaxDecPicBufferingMinus1)
	require.Equal(t, uint32(2), vps.SubLayerOrdering.MaxNumReorderPics)
}

func TestEmitIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, tc := range []struct {
		codec  types.Codec
		params Params
		first  []UnitType
	}{
		{
			codec:  types.CodecH264,
			params: h264Params(),
			first:  []UnitType{UnitTypeSPS, UnitTypePPS},
		},
		{
			codec: types.CodecHEVC,
			params: Params{
				Profile:    types.ProfileHEVCMain,
				Level:      123,
				Format:     types.PixelFormatNV12,
				Resolution: types.Resolution{Width: 1920, Height: 1080},
				FrameRate:  types.Rational{Num: 60000, Den: 1001},
				GOP:        hw.GOPStructure{IPPeriod: 1, MaxReferenceFrames: 1},
			},
			first: []UnitType{UnitTypeVPS, UnitTypeSPS, UnitTypePPS},
		},
	} {
		tc := tc
		t.Run(tc.codec.String(), func(t *testing.T) {
			t.Parallel()
			b, err := NewBuilder(tc.codec)
			require.NoError(t, err)

			var buf []byte
			req := EmitRequest{Params: tc.params, Picture: PictureParams{FrameType: hw.FrameTypeIDR}}
			res, err := b.Emit(ctx, req, &buf, 0)
			require.NoError(t, err)
			require.Equal(t, tc.first, res.Units)
			require.Len(t, annexb.Scan(buf[:res.Size]), len(tc.first))

			for i := 0; i < 5; i++ {
				req.Picture = PictureParams{FrameType: hw.FrameTypeP, NumRefIdxL0Active: 1}
				res, err = b.Emit(ctx, req, &buf, 0)
				require.NoError(t, err)
				require.Zero(t, res.Size)
				require.Empty(t, res.Units)
			}

			req.Force = true
			req.AccessUnitDelimiter = true
			res, err = b.Emit(ctx, req, &buf, 0)
			require.NoError(t, err)
			require.Equal(t, append([]UnitType{UnitTypeAUD}, tc.first...), res.Units)

			req.Force = false
			req.Params.Resolution = types.Resolution{Width: 1280, Height: 720}
			res, err = b.Emit(ctx, req, &buf, 0)
			require.NoError(t, err)
			require.Contains(t, res.Units, UnitTypeSPS)
			require.Contains(t, res.Units, UnitTypePPS)

			b.Reset()
			req.AccessUnitDelimiter = false
			res, err = b.Emit(ctx, req, &buf, 0)
			require.NoError(t, err)
			require.Equal(t, tc.first, res.Units)
		})
	}
}

func TestPPSRefCountOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, override := range []bool{true, false} {
		override := override
		t.Run(map[bool]string{true: "override", false: "no-override"}[override], func(t *testing.T) {
			t.Parallel()
			params := h264Params()
			params.CodecConfig.H264.PerSliceRefCountOverride = override
			b := NewH264Builder()

			var buf []byte
			_, err := b.Emit(ctx, EmitRequest{
				Params:  params,
				Picture: PictureParams{FrameType: hw.FrameTypeP, NumRefIdxL0Active: 1},
			}, &buf, 0)
			require.NoError(t, err)

			res, err := b.Emit(ctx, EmitRequest{
				Params:  params,
				Picture: PictureParams{FrameType: hw.FrameTypeP, NumRefIdxL0Active: 2},
			}, &buf, 0)
			require.NoError(t, err)
			if override {
				require.Empty(t, res.Units)
				active, ok := b.ActivePPS()
				require.True(t, ok)
				require.Zero(t, active.NumRefIdxL0DefaultActiveMinus1)
			} else {
				require.Equal(t, []UnitType{UnitTypePPS}, res.Units)
			}
		})
	}
}

func TestEmitAtOffset(t *testing.T) {
	t.Parallel()
	buf := []byte{1, 2, 3}
	n, err := NewH264Builder().WriteAUD(hw.FrameTypeP, &buf, 3)
	require.NoError(t, err)
	// primary_pic_type = 1, then the stop bit
	require.Equal(t, []byte{1, 2, 3, 0, 0, 0, 1, 0x09, 0x30}, buf)
	require.Equal(t, 6, n)

	padded := Pad(&buf, 3, n, 8)
	require.Equal(t, 8, padded)
	require.Len(t, buf, 11)
	require.Equal(t, []byte{0, 0}, buf[9:])
}
