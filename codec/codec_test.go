package codec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/hw/emulated"
	"github.com/xaionaro-go/gpuvideo/ratecontrol"
	"github.com/xaionaro-go/gpuvideo/types"
	"go.uber.org/goleak"
)

var testResolution = types.Resolution{Width: 64, Height: 64}

func testEncoderDescription() EncoderDescription {
	return EncoderDescription{
		Codec: types.CodecH264,
		EncodeSettings: EncodeSettings{
			Profile:     types.ProfileH264Main,
			InputFormat: types.PixelFormatNV12,
			Resolution:  testResolution,
			FrameRate:   types.Rational{Num: 30, Den: 1},
			RateControl: ratecontrol.Config{RateControl: ratecontrol.ConstantQP{I: 26, P: 28, B: 30}},
			GOP: hw.GOPStructure{
				IPPeriod:           1,
				MaxReferenceFrames: 2,
			},
		},
	}
}

func newTexture(t *testing.T, d hw.Device, res types.Resolution, fill byte) hw.Texture {
	tex, err := d.CreateTexture(hw.TextureDesc{
		Format: types.PixelFormatNV12,
		Width:  res.Width,
		Height: res.Height,
		Name:   "test-texture",
	})
	require.NoError(t, err)
	for plane := range types.PixelFormatNV12.Planes() {
		tex.(*emulated.Texture).FillPlane(0, uint32(plane), fill)
	}
	return tex
}

func newBitstreamBuffer(t *testing.T, d hw.Device, size uint64) hw.Buffer {
	buf, err := d.CreateBuffer(hw.BufferDesc{Size: size, Heap: hw.HeapTypeDefault, Name: "test-bitstream"})
	require.NoError(t, err)
	return buf
}

// encodeOne runs the whole protocol of one picture.
func encodeOne(
	t *testing.T,
	e *Encoder,
	source hw.Texture,
	dst hw.Buffer,
	pic *EncodePictureDescription,
) Feedback {
	ctx := context.Background()
	require.NoError(t, e.BeginFrame(ctx, source, pic))
	token, err := e.EncodeBitstream(ctx, source, dst)
	require.NoError(t, err)
	require.NoError(t, e.EndFrame(ctx, source, pic))
	fb, err := e.GetFeedback(ctx, token)
	require.NoError(t, err)
	return fb
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSessionsReleaseEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())

	e, err := NewEncoder(ctx, d, testEncoderDescription())
	require.NoError(t, err)
	src := newTexture(t, d, testResolution, 1)
	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(testEncoderDescription().GOP)
	for i := 0; i < 3; i++ {
		fb := encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
		require.NotZero(t, fb.Size)
	}
	require.NoError(t, e.Close(ctx))

	dec, err := NewDecoder(ctx, d, DecoderDescription{
		Codec:      types.CodecH264,
		Profile:    types.ProfileH264Main,
		Format:     types.PixelFormatNV12,
		Resolution: testResolution,
	})
	require.NoError(t, err)
	require.NoError(t, dec.Close(ctx))
	src.Release()
	dst.Release()
	require.Zero(t, d.LiveBuffers())
}
