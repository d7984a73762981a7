package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuvideo"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/hw/emulated"
	"github.com/xaionaro-go/gpuvideo/ratecontrol"
	"github.com/xaionaro-go/gpuvideo/refpic"
	"github.com/xaionaro-go/gpuvideo/types"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		doc     string
		check   func(t *testing.T, cfg Config)
		wantErr bool
	}{
		{
			name: "empty",
			doc:  "",
			check: func(t *testing.T, cfg Config) {
				require.Equal(t, defaultConfig(), cfg)
			},
		},
		{
			name: "overlay",
			doc: `
frames: 10
encoder:
  codec: hevc
  profile: hevc-main
  resolution:
    width: 320
    height: 240
  frame_rate: 25/1
  rate_control:
    type: constant_qp
    qp_i: 20
    qp_p: 22
    qp_b: 24
  allow_rate_control_fallback: true
`,
			check: func(t *testing.T, cfg Config) {
				require.Equal(t, uint64(10), cfg.Frames)
				require.Equal(t, types.CodecHEVC, cfg.Encoder.Codec)
				require.Equal(t, types.ProfileHEVCMain, cfg.Encoder.Profile)
				require.Equal(t, types.Resolution{Width: 320, Height: 240}, cfg.Encoder.Resolution)
				require.Equal(t, types.Rational{Num: 25, Den: 1}, cfg.Encoder.FrameRate)
				require.Equal(t, ratecontrol.ConstantQP{I: 20, P: 22, B: 24}, cfg.Encoder.RateControl.RateControl)
				require.True(t, cfg.Encoder.AllowRateControlFallback)
				require.Equal(t, types.PixelFormatNV12, cfg.Encoder.InputFormat, "defaults are kept")
			},
		},
		{
			name:    "unknown_field",
			doc:     "framez: 1\n",
			wantErr: true,
		},
		{
			name:    "unknown_codec",
			doc:     "encoder:\n  codec: vp9\n",
			wantErr: true,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := readConfig(strings.NewReader(tc.doc))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

func TestDecodePicture(t *testing.T) {
	t.Parallel()
	enc := refpic.EncodePicture{
		PictureID:       5,
		FrameType:       hw.FrameTypeP,
		POC:             8,
		FrameNum:        4,
		UsedAsReference: true,
		DPB: []refpic.ReferencePicture{
			{PictureID: 3, POC: 4, FrameNum: 2},
			{PictureID: 4, POC: 6, FrameNum: 3, LongTerm: true},
		},
	}

	h264 := decodePicture(types.CodecH264, enc)
	require.NotNil(t, h264.H264)
	require.Nil(t, h264.HEVC)
	require.False(t, h264.H264.IntraPicFlag)
	require.Equal(t, uint16(4), h264.H264.FrameNum)
	require.Len(t, h264.References, 2)
	require.Equal(t, uint16(2), h264.References[0].FrameNum)
	require.True(t, h264.References[1].LongTerm)

	hevc := decodePicture(types.CodecHEVC, enc)
	require.NotNil(t, hevc.HEVC)
	require.Equal(t, []uint8{0}, hevc.HEVCReferenceSets.StCurrBefore)
	require.Equal(t, []uint8{1}, hevc.HEVCReferenceSets.LtCurr)
	require.Equal(t, int32(6), hevc.References[1].POC)
}

func TestEmulatorRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	c, err := gpuvideo.NewContext(ctx, d)
	require.NoError(t, err)
	defer c.Close(ctx)

	cfg := defaultConfig()
	cfg.Frames = 6
	cfg.Encoder.Resolution = types.Resolution{Width: 64, Height: 64}
	cfg.Encoder.GOP.IDRPeriod = 4
	emu := &emulator{Context: c, Config: cfg}

	var out bytes.Buffer
	frames, err := emu.Encode(ctx, &out)
	require.NoError(t, err)
	require.Len(t, frames, 6)
	var total uint64
	for _, f := range frames {
		total += f.Size
	}
	require.Equal(t, uint64(out.Len()), total)
	require.True(t, frames[4].Picture.FrameType == hw.FrameTypeIDR)

	stats, err := emu.Decode(ctx, frames, out.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint64(6), stats.Frames)

	_, err = emu.Decode(ctx, frames, out.Bytes()[:out.Len()-1])
	require.Error(t, err)
}
