package codec

import (
	"context"
	"fmt"
	"slices"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/gpuvideo/metrics"
)

// FeedbackToken identifies an encoded frame for GetFeedback.
type FeedbackToken struct {
	// FenceValue is signaled on the encode queue once the frame is encoded.
	FenceValue   uint64
	MetadataSlot uint32
	FrameIndex   uint64
}

// Feedback is the outcome of encoding a frame.
type Feedback struct {
	FenceValue uint64

	// Size is the amount of bytes of the frame at the beginning of the
	// destination buffer: the header units plus the payload. It is 0 if
	// the hardware reported an error.
	Size uint64

	// HeaderBytes include the zero padding up to the payload, so the
	// payload starts at this offset.
	HeaderBytes  uint64
	PayloadBytes uint64
	ErrorFlags   hw.EncodeErrorFlags

	// Subregions have StartOffset relative to the beginning of the
	// destination buffer.
	Subregions []hw.SubregionMetadata
	Stats      hw.EncodeStats
}

type metadataSlot struct {
	hwBuffer hw.Buffer
	offset   uint64

	frameIndex  uint64
	fenceValue  uint64
	headerBytes uint64
	committed   bool
}

// metadataRing is where the hardware metadata of the last frames is
// resolved into, one slot per frame.
type metadataRing struct {
	slots         []metadataSlot
	readback      hw.Buffer
	stride        uint64
	maxSubregions uint32
}

func newMetadataRing(size uint32) *metadataRing {
	return &metadataRing{slots: make([]metadataSlot, size)}
}

// ensure (re)allocates the buffers to fit maxSubregions subregions.
// The committed slots are carried over, so their tokens stay valid;
// waitPending must return once the GPU is done with the old buffers.
func (r *metadataRing) ensure(
	ctx context.Context,
	device hw.Device,
	maxSubregions uint32,
	waitPending func(context.Context) error,
) (_err error) {
	if r.readback != nil && r.maxSubregions >= maxSubregions {
		return nil
	}
	stride := hw.ResolvedMetadataSize(max(maxSubregions, 1))
	slots := make([]metadataSlot, len(r.slots))
	var readback hw.Buffer
	defer func() {
		if _err != nil {
			for _, s := range slots {
				if s.hwBuffer != nil {
					s.hwBuffer.Release()
				}
			}
			if readback != nil {
				readback.Release()
			}
		}
	}()
	for idx := range slots {
		buf, err := device.CreateBuffer(hw.BufferDesc{
			Size: stride,
			Heap: hw.HeapTypeDefault,
			Name: fmt.Sprintf("encoder-metadata-%d", idx),
		})
		if err != nil {
			return fmt.Errorf("unable to create metadata buffer #%d: %w", idx, err)
		}
		slots[idx] = metadataSlot{hwBuffer: buf, offset: uint64(idx) * stride}
	}
	readback, err := device.CreateBuffer(hw.BufferDesc{
		Size: stride * uint64(len(slots)),
		Heap: hw.HeapTypeReadback,
		Name: "encoder-metadata-readback",
	})
	if err != nil {
		return fmt.Errorf("unable to create the metadata readback buffer: %w", err)
	}
	if err := r.carryOver(ctx, slots, readback, stride, waitPending); err != nil {
		return err
	}
	r.release()
	r.slots = slots
	r.readback = readback
	r.stride = stride
	r.maxSubregions = maxSubregions
	return nil
}

// carryOver copies the resolved metadata and the bookkeeping of the
// committed slots into the new buffers.
func (r *metadataRing) carryOver(
	ctx context.Context,
	slots []metadataSlot,
	readback hw.Buffer,
	stride uint64,
	waitPending func(context.Context) error,
) error {
	if r.readback == nil || !slices.ContainsFunc(r.slots, func(s metadataSlot) bool { return s.committed }) {
		return nil
	}
	if err := waitPending(ctx); err != nil {
		return fmt.Errorf("unable to wait for the pending frames: %w", err)
	}
	src, err := r.readback.Map()
	if err != nil {
		return fmt.Errorf("unable to map the metadata: %w", err)
	}
	defer r.readback.Unmap()
	dst, err := readback.Map()
	if err != nil {
		return fmt.Errorf("unable to map the new metadata readback buffer: %w", err)
	}
	defer readback.Unmap()
	for idx, old := range r.slots {
		if !old.committed {
			continue
		}
		copy(dst[slots[idx].offset:slots[idx].offset+stride], src[old.offset:old.offset+r.stride])
		slots[idx].frameIndex = old.frameIndex
		slots[idx].fenceValue = old.fenceValue
		slots[idx].headerBytes = old.headerBytes
		slots[idx].committed = true
	}
	return nil
}

func (r *metadataRing) commit(token FeedbackToken, headerBytes uint64) {
	s := &r.slots[token.MetadataSlot]
	s.frameIndex = token.FrameIndex
	s.fenceValue = token.FenceValue
	s.headerBytes = headerBytes
	s.committed = true
}

func (r *metadataRing) release() {
	for idx := range r.slots {
		if r.slots[idx].hwBuffer != nil {
			r.slots[idx].hwBuffer.Release()
		}
		r.slots[idx] = metadataSlot{}
	}
	if r.readback != nil {
		r.readback.Release()
		r.readback = nil
	}
}

// GetFeedback waits for the frame of the token and returns its
// metadata. A hardware error of the frame is reported through
// Feedback.ErrorFlags and a zero Size, not as an error.
func (e *EncoderLocked) GetFeedback(
	ctx context.Context,
	token FeedbackToken,
) (_ret Feedback, _err error) {
	ctx = e.logCtx(ctx)
	logger.Tracef(ctx, "GetFeedback(%d)", token.FrameIndex)
	defer func() { logger.Tracef(ctx, "/GetFeedback(%d): %v", token.FrameIndex, _err) }()
	if e.isClosed {
		return Feedback{}, ErrClosed
	}
	if int(token.MetadataSlot) >= len(e.metadata.slots) {
		return Feedback{}, fmt.Errorf("invalid metadata slot %d", token.MetadataSlot)
	}
	slot := e.metadata.slots[token.MetadataSlot]
	if !slot.committed || slot.frameIndex != token.FrameIndex || slot.fenceValue != token.FenceValue {
		if token.FrameIndex >= e.nextFrameIndex {
			return Feedback{}, fmt.Errorf("%w: frame %d was not ended yet", ErrInvalidState, token.FrameIndex)
		}
		return Feedback{}, ErrFeedbackExpired{Token: token}
	}

	if e.state == encoderStateIdle && e.exec.HasPendingWork() {
		if _, err := e.exec.Flush(ctx); err != nil {
			return Feedback{}, fmt.Errorf("unable to flush: %w", err)
		}
	}
	if err := e.exec.WaitFence(ctx, token.FenceValue); err != nil {
		return Feedback{}, fmt.Errorf("unable to wait for frame %d: %w", token.FrameIndex, err)
	}

	data, err := e.metadata.readback.Map()
	if err != nil {
		return Feedback{}, fmt.Errorf("unable to map the metadata: %w", err)
	}
	var meta hw.ResolvedMetadata
	err = meta.Unmarshal(data[slot.offset : slot.offset+e.metadata.stride])
	e.metadata.readback.Unmap()
	if err != nil {
		return Feedback{}, fmt.Errorf("unable to parse the metadata: %w", err)
	}

	fb := Feedback{
		FenceValue:  token.FenceValue,
		HeaderBytes: slot.headerBytes,
		ErrorFlags:  meta.ErrorFlags,
		Stats:       meta.Stats,
	}
	codec := e.Description.Codec.String()
	if meta.ErrorFlags != 0 {
		logger.Warnf(ctx, "the hardware failed to encode frame %d: %s", token.FrameIndex, meta.ErrorFlags)
		e.metrics.FrameErrorsTotal.WithLabelValues(metrics.DirectionEncode, codec, "hardware").Inc()
		e.stats.AddError()
		// the frame is dropped together with the parameter sets it carried
		e.headerBuilder.Reset()
		return fb, nil
	}
	fb.PayloadBytes = meta.WrittenBytesCount
	fb.Size = slot.headerBytes + meta.WrittenBytesCount
	fb.Subregions = make([]hw.SubregionMetadata, len(meta.Subregions))
	for idx, sr := range meta.Subregions {
		sr.StartOffset += slot.headerBytes
		fb.Subregions[idx] = sr
	}

	e.stats.AddFrame(fb.Size, fb.HeaderBytes)
	e.metrics.BytesTotal.WithLabelValues(metrics.DirectionEncode, codec).Add(float64(fb.Size))
	e.metrics.AverageFrameBytes.WithLabelValues(codec).Set(float64(e.stats.Snapshot().AverageBytes))
	return fb, nil
}
