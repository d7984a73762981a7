package codec

import (
	"context"
	"errors"
	"testing"

	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuvideo/headers"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/hw/emulated"
	"github.com/xaionaro-go/gpuvideo/metrics"
	"github.com/xaionaro-go/gpuvideo/ratecontrol"
	"github.com/xaionaro-go/gpuvideo/types"
	"github.com/xaionaro-go/typing"
)

func TestEncoderFeedbackRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	desc := testEncoderDescription()
	desc.GOP.IDRPeriod = 4
	e, err := NewEncoder(ctx, d, desc)
	require.NoError(t, err)
	defer e.Close(ctx)

	src := newTexture(t, d, testResolution, 7)
	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(desc.GOP)

	var prevFence uint64
	for i := 0; i < 10; i++ {
		pic := &EncodePictureDescription{EncodePicture: gop.Next()}
		fb := encodeOne(t, e, src, dst, pic)
		require.Zero(t, fb.ErrorFlags, "frame %d", i)
		require.GreaterOrEqual(t, fb.FenceValue, prevFence, "frame %d", i)
		prevFence = fb.FenceValue
		require.NotZero(t, fb.PayloadBytes, "frame %d", i)
		require.Equal(t, fb.HeaderBytes+fb.PayloadBytes, fb.Size, "frame %d", i)
		require.NotEmpty(t, fb.Subregions)
		require.GreaterOrEqual(t, fb.Subregions[0].StartOffset, fb.HeaderBytes)
	}

	stats := e.Stats()
	require.Equal(t, uint64(10), stats.Frames)
	require.NotZero(t, stats.TotalBytes)
}

func TestEncoderFeedbackExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	desc := testEncoderDescription()
	e, err := NewEncoder(ctx, d, desc, OptionMetadataRingSize{Size: 2})
	require.NoError(t, err)
	defer e.Close(ctx)

	src := newTexture(t, d, testResolution, 1)
	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(desc.GOP)

	var tokens []FeedbackToken
	for i := 0; i < 3; i++ {
		pic := &EncodePictureDescription{EncodePicture: gop.Next()}
		require.NoError(t, e.BeginFrame(ctx, src, pic))
		token, err := e.EncodeBitstream(ctx, src, dst)
		require.NoError(t, err)
		require.NoError(t, e.EndFrame(ctx, src, pic))
		tokens = append(tokens, token)
	}

	_, err = e.GetFeedback(ctx, tokens[0])
	var expired ErrFeedbackExpired
	require.True(t, errors.As(err, &expired), "%v", err)
	require.Equal(t, tokens[0], expired.Token)

	_, err = e.GetFeedback(ctx, tokens[2])
	require.NoError(t, err)

	_, err = e.GetFeedback(ctx, FeedbackToken{FrameIndex: 100})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestEncoderHeadersAreEmittedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	m := metrics.New(prometheus.NewRegistry())
	desc := testEncoderDescription()
	e, err := NewEncoder(ctx, d, desc, OptionMetrics{Metrics: m})
	require.NoError(t, err)
	defer e.Close(ctx)

	src := newTexture(t, d, testResolution, 3)
	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(desc.GOP)

	for i := 0; i < 5; i++ {
		fb := encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
		if i == 0 {
			require.NotZero(t, fb.HeaderBytes)
			require.Zero(t, fb.HeaderBytes%256, "the payload must start at an aligned offset")
			continue
		}
		require.Zero(t, fb.HeaderBytes, "frame %d", i)
	}
	for _, unit := range []string{"SPS", "PPS"} {
		require.Equal(t, float64(1), testutil.ToFloat64(m.HeaderUnitsTotal.WithLabelValues("h264", unit)), unit)
	}
	require.Equal(t, float64(5), testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.DirectionEncode, "h264", hw.FrameTypeP.String()))+
		testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.DirectionEncode, "h264", hw.FrameTypeIDR.String())))

	fb := encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next(), ForceHeaders: true})
	require.NotZero(t, fb.HeaderBytes)
}

func TestEncoderUnsupportedVBV(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name          string
		allowFallback bool
	}
	for _, tc := range []testCase{
		{name: "no_fallback", allowFallback: false},
		{name: "fallback", allowFallback: true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			d := emulated.NewDevice(emulated.DefaultCapabilities())
			m := metrics.New(prometheus.NewRegistry())
			desc := testEncoderDescription()
			desc.RateControl = ratecontrol.Config{RateControl: ratecontrol.ConstantBitrate{Bitrate: 1_000_000}}
			desc.AllowRateControlFallback = tc.allowFallback
			e, err := NewEncoder(ctx, d, desc, OptionMetrics{Metrics: m})
			require.NoError(t, err)
			defer e.Close(ctx)

			src := newTexture(t, d, testResolution, 9)
			dst := newBitstreamBuffer(t, d, 64*1024)
			gop := NewGOPTracker(desc.GOP)
			encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
			before, ok := e.ActiveConfig(ctx)
			require.True(t, ok)

			withVBV := desc.EncodeSettings
			withVBV.RateControl = ratecontrol.Config{RateControl: ratecontrol.ConstantBitrate{
				Bitrate: 2_000_000,
				Limits: ratecontrol.Limits{
					VBVCapacity: typing.Opt[uint64](4_000_000),
				},
			}}
			pic := &EncodePictureDescription{EncodePicture: gop.Next(), Settings: &withVBV}
			err = e.BeginFrame(ctx, src, pic)
			if !tc.allowFallback {
				var notSupported ErrNotSupported
				require.True(t, errors.As(err, &notSupported), "%v", err)
				require.NotZero(t, notSupported.Reasons&hw.ValidationFlagExtendedVBVNotSupported)
				after, ok := e.ActiveConfig(ctx)
				require.True(t, ok)
				require.Equal(t, before, after)
				require.Zero(t, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("h264", hw.ValidationFlagExtendedVBVNotSupported.String())))

				// the session stays usable with the same picture
				pic.Settings = nil
				fb := encodeOne(t, e, src, dst, pic)
				require.Zero(t, fb.ErrorFlags)
				return
			}
			require.NoError(t, err)
			token, err := e.EncodeBitstream(ctx, src, dst)
			require.NoError(t, err)
			require.NoError(t, e.EndFrame(ctx, src, pic))
			_, err = e.GetFeedback(ctx, token)
			require.NoError(t, err)

			after, ok := e.ActiveConfig(ctx)
			require.True(t, ok)
			require.Equal(t, uint64(2_000_000), after.RateControl.TargetBitrate)
			require.Zero(t, after.RateControl.Flags&hw.RateControlFlagEnableExtendedVBV)
			require.Zero(t, after.RateControl.VBVCapacity)
			require.Equal(t, float64(1), testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("h264", hw.ValidationFlagExtendedVBVNotSupported.String())))
		})
	}
}

func TestEncoderResolutionChangeRecreates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	m := metrics.New(prometheus.NewRegistry())
	desc := testEncoderDescription()
	e, err := NewEncoder(ctx, d, desc, OptionMetrics{Metrics: m})
	require.NoError(t, err)
	defer e.Close(ctx)

	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(desc.GOP)
	src := newTexture(t, d, testResolution, 1)
	encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
	encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
	require.Zero(t, testutil.ToFloat64(m.RecreationsTotal.WithLabelValues("h264", "encoder")))

	larger := types.Resolution{Width: 128, Height: 96}
	settings := desc.EncodeSettings
	settings.Resolution = larger
	gop.RequestIDR()
	src2 := newTexture(t, d, larger, 2)
	fb := encodeOne(t, e, src2, dst, &EncodePictureDescription{EncodePicture: gop.Next(), Settings: &settings})
	require.Zero(t, fb.ErrorFlags)
	require.NotZero(t, fb.HeaderBytes, "the headers must be repeated for the new sequence")

	cfg, ok := e.ActiveConfig(ctx)
	require.True(t, ok)
	require.Equal(t, larger, cfg.Resolution)
	for _, object := range []string{"encoder", "encoder_heap", "dpb"} {
		require.Equal(t, float64(1), testutil.ToFloat64(m.RecreationsTotal.WithLabelValues("h264", object)), object)
	}

	// the new settings stay requested
	fb = encodeOne(t, e, src2, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
	require.Zero(t, fb.HeaderBytes)
}

func TestEncoderProtocolViolations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	desc := testEncoderDescription()
	e, err := NewEncoder(ctx, d, desc)
	require.NoError(t, err)

	src := newTexture(t, d, testResolution, 1)
	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(desc.GOP)
	pic := &EncodePictureDescription{EncodePicture: gop.Next()}

	_, err = e.EncodeBitstream(ctx, src, dst)
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, e.EndFrame(ctx, src, pic), ErrInvalidState)

	require.NoError(t, e.BeginFrame(ctx, src, pic))
	require.ErrorIs(t, e.BeginFrame(ctx, src, pic), ErrInvalidState)
	require.ErrorIs(t, e.Flush(ctx), ErrInvalidState)

	tiny := newBitstreamBuffer(t, d, 16)
	_, err = e.EncodeBitstream(ctx, src, tiny)
	require.Error(t, err)

	require.NoError(t, e.Close(ctx))
	require.ErrorIs(t, e.BeginFrame(ctx, src, pic), ErrClosed)
	require.NoError(t, e.Close(ctx))
}

func TestNewEncoderFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	type testCase struct {
		name   string
		modify func(*EncoderDescription)
		fail   *emulated.ObjectKind
	}
	commandList := emulated.ObjectKindCommandList
	for _, tc := range []testCase{
		{name: "profile_of_another_codec", modify: func(d *EncoderDescription) { d.Profile = types.ProfileHEVCMain }},
		{name: "unsupported_format", modify: func(d *EncoderDescription) { d.InputFormat = types.PixelFormatP010 }},
		{name: "too_many_references", modify: func(d *EncoderDescription) { d.GOP.MaxReferenceFrames = 32 }},
		{name: "command_list_creation", fail: &commandList},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := emulated.NewDevice(emulated.DefaultCapabilities())
			desc := testEncoderDescription()
			if tc.modify != nil {
				tc.modify(&desc)
			}
			if tc.fail != nil {
				d.FailNextCreation(*tc.fail, errors.New("out of memory"))
			}
			e, err := NewEncoder(ctx, d, desc)
			require.Error(t, err)
			require.Nil(t, e)
			require.Zero(t, d.LiveBuffers())
		})
	}
}

func TestEncoderHeadersAfterHardwareError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	m := metrics.New(prometheus.NewRegistry())
	desc := testEncoderDescription()
	e, err := NewEncoder(ctx, d, desc, OptionMetrics{Metrics: m})
	require.NoError(t, err)
	defer e.Close(ctx)

	src := newTexture(t, d, testResolution, 5)
	small := newBitstreamBuffer(t, d, 300)
	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(desc.GOP)

	fb := encodeOne(t, e, src, small, &EncodePictureDescription{EncodePicture: gop.Next()})
	require.NotZero(t, fb.ErrorFlags&hw.EncodeErrorFlagBitstreamBufferOverflow)
	require.Zero(t, fb.Size)
	require.NotZero(t, fb.HeaderBytes)
	require.Equal(t, float64(1), testutil.ToFloat64(m.FrameErrorsTotal.WithLabelValues(metrics.DirectionEncode, "h264", "hardware")))

	gop.RequestIDR()
	fb = encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
	require.Zero(t, fb.ErrorFlags)
	require.NotZero(t, fb.HeaderBytes, "the dropped parameter sets must be sent again")
	require.Equal(t, fb.HeaderBytes+fb.PayloadBytes, fb.Size)
	for _, unit := range []string{"SPS", "PPS"} {
		require.Equal(t, float64(2), testutil.ToFloat64(m.HeaderUnitsTotal.WithLabelValues("h264", unit)), unit)
	}

	fb = encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
	require.Zero(t, fb.HeaderBytes)
}

func TestEncoderLiveRateControlChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	m := metrics.New(prometheus.NewRegistry())
	desc := testEncoderDescription()
	e, err := NewEncoder(ctx, d, desc, OptionMetrics{Metrics: m})
	require.NoError(t, err)
	defer e.Close(ctx)

	src := newTexture(t, d, testResolution, 4)
	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(desc.GOP)
	encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
	encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})

	settings := desc.EncodeSettings
	settings.RateControl = ratecontrol.Config{RateControl: ratecontrol.ConstantQP{I: 20, P: 22, B: 24}}
	fb := encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next(), Settings: &settings})
	require.Zero(t, fb.ErrorFlags)
	fb = encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
	require.Zero(t, fb.ErrorFlags)

	for _, object := range []string{"encoder", "encoder_heap", "dpb"} {
		require.Zero(t, testutil.ToFloat64(m.RecreationsTotal.WithLabelValues("h264", object)), object)
	}
	cfg, ok := e.ActiveConfig(ctx)
	require.True(t, ok)
	require.Equal(t, uint8(20), cfg.RateControl.ConstantQPI)

	encodes := emulated.Commands[emulated.CommandEncodeFrame](d)
	require.Len(t, encodes, 4)
	for idx, want := range []hw.SequenceControlFlags{0, 0, hw.SequenceControlFlagRateControlChange, 0} {
		require.Equal(t, want, encodes[idx].Input.SequenceControl.Flags, "frame %d", idx)
	}
	require.Same(t, encodes[0].Encoder, encodes[3].Encoder)
	require.Same(t, encodes[0].Heap, encodes[3].Heap)
	require.Equal(t, uint8(20), encodes[2].Input.SequenceControl.RateControl.ConstantQPI)
}

func TestEncoderReferenceCountChangeKeepsHeap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	m := metrics.New(prometheus.NewRegistry())
	desc := testEncoderDescription()
	e, err := NewEncoder(ctx, d, desc, OptionMetrics{Metrics: m})
	require.NoError(t, err)
	defer e.Close(ctx)

	src := newTexture(t, d, testResolution, 5)
	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(desc.GOP)
	encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
	encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})

	settings := desc.EncodeSettings
	settings.GOP.MaxReferenceFrames = 3
	gop.GOP = settings.GOP
	gop.RequestIDR()
	fb := encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next(), Settings: &settings})
	require.Zero(t, fb.ErrorFlags)
	fb = encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
	require.Zero(t, fb.ErrorFlags)

	require.Zero(t, testutil.ToFloat64(m.RecreationsTotal.WithLabelValues("h264", "encoder_heap")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RecreationsTotal.WithLabelValues("h264", "dpb")))
	cfg, ok := e.ActiveConfig(ctx)
	require.True(t, ok)
	require.Equal(t, uint32(3), cfg.GOP.MaxReferenceFrames)

	encodes := emulated.Commands[emulated.CommandEncodeFrame](d)
	require.Len(t, encodes, 4)
	require.Same(t, encodes[0].Heap, encodes[3].Heap)
}

func TestEncoderHEVCSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	desc := testEncoderDescription()
	desc.Codec = types.CodecHEVC
	desc.Profile = types.ProfileHEVCMain
	e, err := NewEncoder(ctx, d, desc)
	require.NoError(t, err)
	defer e.Close(ctx)

	src := newTexture(t, d, testResolution, 6)
	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(desc.GOP)

	fb := encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
	require.Zero(t, fb.ErrorFlags)
	require.NotZero(t, fb.HeaderBytes)

	cfg, ok := e.ActiveConfig(ctx)
	require.True(t, ok)
	require.Equal(t, headers.HEVCBlockSizes(hw.HEVCCodecConfig{}), cfg.CodecConfig.HEVC)

	vpss, spss, ppss := hevc.GetParameterSetsFromByteStream(dst.(*emulated.Buffer).Bytes()[:fb.Size])
	require.Len(t, vpss, 1)
	require.Len(t, spss, 1)
	require.Len(t, ppss, 1)
	sps, err := hevc.ParseSPSNALUnit(spss[0])
	require.NoError(t, err)
	width, height := sps.ImageSize()
	require.Equal(t, testResolution.Width, width)
	require.Equal(t, testResolution.Height, height)
	require.Equal(t, byte(0), sps.Log2MinLumaCodingBlockSizeMinus3)
	require.Equal(t, byte(2), sps.Log2DiffMaxMinLumaCodingBlockSize)
	_, err = hevc.ParsePPSNALUnit(ppss[0], map[uint32]*hevc.SPS{uint32(sps.SpsID): sps})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		fb := encodeOne(t, e, src, dst, &EncodePictureDescription{EncodePicture: gop.Next()})
		require.Zero(t, fb.ErrorFlags, "frame %d", i)
		require.Zero(t, fb.HeaderBytes, "frame %d", i)
		require.NotZero(t, fb.PayloadBytes, "frame %d", i)
	}
}

func TestEncoderMetadataGrowthKeepsTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	desc := testEncoderDescription()
	e, err := NewEncoder(ctx, d, desc, OptionMetadataRingSize{Size: 4})
	require.NoError(t, err)
	defer e.Close(ctx)

	src := newTexture(t, d, testResolution, 2)
	dst := newBitstreamBuffer(t, d, 64*1024)
	gop := NewGOPTracker(desc.GOP)

	var tokens []FeedbackToken
	encode := func() {
		pic := &EncodePictureDescription{EncodePicture: gop.Next()}
		require.NoError(t, e.BeginFrame(ctx, src, pic))
		token, err := e.EncodeBitstream(ctx, src, dst)
		require.NoError(t, err)
		require.NoError(t, e.EndFrame(ctx, src, pic))
		tokens = append(tokens, token)
	}
	encode()
	encode()

	caps := d.Capabilities.Encode[types.CodecH264]
	caps.MaxSubregions = 64
	d.Capabilities.Encode[types.CodecH264] = caps
	encode()

	for idx, token := range tokens {
		fb, err := e.GetFeedback(ctx, token)
		require.NoError(t, err, "frame %d", idx)
		require.Zero(t, fb.ErrorFlags, "frame %d", idx)
		require.NotZero(t, fb.Size, "frame %d", idx)
	}
}
