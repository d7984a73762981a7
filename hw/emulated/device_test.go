package emulated

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

func TestCopyBufferRegion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDevice(DefaultCapabilities())

	src, err := d.CreateBuffer(hw.BufferDesc{Size: 16, Heap: hw.HeapTypeUpload})
	require.NoError(t, err)
	dst, err := d.CreateBuffer(hw.BufferDesc{Size: 16})
	require.NoError(t, err)
	b, err := src.Map()
	require.NoError(t, err)
	copy(b, []byte("0123456789abcdef"))
	src.Unmap()

	_, err = dst.Map()
	require.ErrorIs(t, err, hw.ErrNotMappable)

	l, err := d.CreateCommandList(hw.QueueKindCopy)
	require.NoError(t, err)
	l.CopyBufferRegion(dst, 4, src, 0, 8)
	require.NoError(t, l.Close())

	q, err := d.Queue(hw.QueueKindCopy)
	require.NoError(t, err)
	require.NoError(t, q.Submit(ctx, l))
	require.Equal(t, []byte("\x00\x00\x00\x0001234567\x00\x00\x00\x00"), dst.(*Buffer).Bytes())
}

func TestCommandListOutOfBounds(t *testing.T) {
	t.Parallel()
	d := NewDevice(DefaultCapabilities())
	src, err := d.CreateBuffer(hw.BufferDesc{Size: 4, Heap: hw.HeapTypeUpload})
	require.NoError(t, err)
	dst, err := d.CreateBuffer(hw.BufferDesc{Size: 4})
	require.NoError(t, err)

	l, err := d.CreateCommandList(hw.QueueKindCopy)
	require.NoError(t, err)
	l.CopyBufferRegion(dst, 2, src, 0, 4)
	require.Error(t, l.Close())
}

func TestCopyTextureRegion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDevice(DefaultCapabilities())

	src, err := d.CreateTexture(hw.TextureDesc{Format: types.PixelFormatNV12, Width: 32, Height: 16, ArraySize: 2})
	require.NoError(t, err)
	dst, err := d.CreateTexture(hw.TextureDesc{Format: types.PixelFormatNV12, Width: 32, Height: 16})
	require.NoError(t, err)
	src.(*Texture).FillPlane(1, 0, 0xAA)
	src.(*Texture).FillPlane(1, 1, 0xBB)

	l, err := d.CreateCommandList(hw.QueueKindDirect)
	require.NoError(t, err)
	for plane := uint32(0); plane < 2; plane++ {
		l.CopyTextureRegion(
			hw.TextureCopyLocation{Texture: dst, Subresource: dst.TextureDesc().Subresource(0, plane)}, 0, 0,
			hw.TextureCopyLocation{Texture: src, Subresource: src.TextureDesc().Subresource(1, plane)}, nil,
		)
	}
	require.NoError(t, l.Close())
	q, err := d.Queue(hw.QueueKindDirect)
	require.NoError(t, err)
	require.NoError(t, q.Submit(ctx, l))

	luma := dst.(*Texture).Plane(0, 0)
	require.Len(t, luma, 32*16)
	for _, v := range luma {
		require.Equal(t, byte(0xAA), v)
	}
	chroma := dst.(*Texture).Plane(0, 1)
	require.Len(t, chroma, 32*8)
	for _, v := range chroma {
		require.Equal(t, byte(0xBB), v)
	}
}

func TestFenceWaitCPU(t *testing.T) {
	t.Parallel()
	d := NewDevice(DefaultCapabilities())
	f, err := d.CreateFence(0)
	require.NoError(t, err)
	q, err := d.Queue(hw.QueueKindVideoDecode)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.WaitCPU(ctx, 1), context.DeadlineExceeded)

	require.NoError(t, q.Signal(f, 1))
	require.NoError(t, f.WaitCPU(context.Background(), 1))
	require.Equal(t, uint64(1), f.CompletedValue())
}

func TestQueueWaitNeverSignaled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDevice(DefaultCapabilities())
	f, err := d.CreateFence(0)
	require.NoError(t, err)
	q, err := d.Queue(hw.QueueKindVideoEncode)
	require.NoError(t, err)
	require.NoError(t, q.Wait(f, 5))

	l, err := d.CreateCommandList(hw.QueueKindVideoEncode)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.Error(t, q.Submit(ctx, l))
}

func TestDeviceRemoval(t *testing.T) {
	t.Parallel()
	d := NewDevice(DefaultCapabilities())
	f, err := d.CreateFence(0)
	require.NoError(t, err)

	reason := errors.New("TDR")
	d.Remove(reason)
	require.ErrorIs(t, d.RemovedReason(), hw.ErrDeviceRemoved)
	require.ErrorIs(t, d.RemovedReason(), reason)
	require.ErrorIs(t, f.WaitCPU(context.Background(), 1), hw.ErrDeviceRemoved)

	_, err = d.CreateBuffer(hw.BufferDesc{Size: 1})
	require.ErrorIs(t, err, hw.ErrDeviceRemoved)
}

func TestFailNextCreation(t *testing.T) {
	t.Parallel()
	d := NewDevice(DefaultCapabilities())
	injected := errors.New("out of memory")
	d.FailNextCreation(ObjectKindVideoEncoderHeap, injected)

	desc := hw.EncoderHeapDesc{Codec: types.CodecH264, Resolution: types.Resolution{Width: 64, Height: 64}}
	_, err := d.CreateVideoEncoderHeap(desc)
	require.ErrorIs(t, err, injected)
	_, err = d.CreateVideoEncoderHeap(desc)
	require.NoError(t, err)
}

func TestQueryEncoderSupport(t *testing.T) {
	t.Parallel()
	d := NewDevice(DefaultCapabilities())
	base := hw.EncoderSupportQuery{
		Codec:       types.CodecH264,
		Profile:     types.ProfileH264High,
		Level:       41,
		InputFormat: types.PixelFormatNV12,
		Resolution:  types.Resolution{Width: 1920, Height: 1080},
		RateControl: hw.RateControl{Mode: hw.RateControlModeCQP},
		GOP:         hw.GOPStructure{IPPeriod: 1, MaxReferenceFrames: 2},
	}

	for _, tc := range []struct {
		name   string
		modify func(q *hw.EncoderSupportQuery)
		want   hw.ValidationFlags
	}{
		{"ok", func(q *hw.EncoderSupportQuery) {}, 0},
		{"extended_vbv", func(q *hw.EncoderSupportQuery) {
			q.RateControl.Flags |= hw.RateControlFlagEnableExtendedVBV
		}, hw.ValidationFlagExtendedVBVNotSupported},
		{"max_frame_size", func(q *hw.EncoderSupportQuery) {
			q.RateControl.Flags |= hw.RateControlFlagEnableMaxFrameSize
		}, hw.ValidationFlagMaxFrameSizeNotSupported},
		{"format", func(q *hw.EncoderSupportQuery) {
			q.InputFormat = types.PixelFormatP010
		}, hw.ValidationFlagInputFormatNotSupported},
		{"cabac_on_baseline", func(q *hw.EncoderSupportQuery) {
			q.Profile = types.ProfileH264ConstrainedBaseline
			q.CodecConfig.H264.EntropyCodingCABAC = true
		}, hw.ValidationFlagCodecConfigurationNotSupported},
		{"too_many_references", func(q *hw.EncoderSupportQuery) {
			q.GOP.MaxReferenceFrames = 17
		}, hw.ValidationFlagGOPStructureNotSupported},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := base
			tc.modify(&q)
			support, err := d.QueryEncoderSupport(&q)
			require.NoError(t, err)
			require.Equal(t, tc.want, support.ValidationFlags, support.ValidationFlags.String())
			require.Equal(t, tc.want == 0, support.Supported())
		})
	}
}
