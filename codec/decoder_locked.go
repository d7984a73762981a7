package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/gpuvideo/batch"
	"github.com/xaionaro-go/gpuvideo/dpb"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/indicator"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/gpuvideo/metrics"
	"github.com/xaionaro-go/gpuvideo/refpic"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

type decoderState int

const (
	decoderStateIdle = decoderState(iota)
	decoderStateBegun
	decoderStateAccumulating
	decoderStateRecorded
)

func (s decoderState) String() string {
	switch s {
	case decoderStateIdle:
		return "idle"
	case decoderStateBegun:
		return "begun"
	case decoderStateAccumulating:
		return "accumulating"
	case decoderStateRecorded:
		return "recorded"
	}
	return "<unknown>"
}

// maxStartCodeSize is the largest buffer the fan-out of DecodeBitstream
// treats as a start code to be paired with the following buffer.
const maxStartCodeSize = 4

// DecoderLocked is a decode session. It is not safe for concurrent
// use; see Decoder.
type DecoderLocked struct {
	locker      xsync.Mutex
	id          uint64
	Description DecoderDescription

	device   hw.Device
	shared   *batch.Shared
	exec     *batch.Executor
	metrics  *metrics.Metrics
	stats    *indicator.FrameStats
	closer   *astikit.Closer
	isClosed bool

	support    hw.DecoderSupport
	decoder    hw.VideoDecoder
	heap       hw.VideoDecoderHeap
	refManager *refpic.DecodeManager

	staging []byte
	gpu     hw.Buffer
	upload  hw.Buffer

	state  decoderState
	target hw.Texture
	pic    *DecodePictureDescription
}

func newDecoderLocked(
	ctx context.Context,
	device hw.Device,
	desc DecoderDescription,
	opts ...Option,
) (_ret *DecoderLocked, _err error) {
	if err := desc.validate(); err != nil {
		return nil, fmt.Errorf("invalid decoder description: %w", err)
	}
	options := Options(opts)
	d := &DecoderLocked{
		id:          nextSessionID.Inc(),
		Description: desc,
		device:      device,
		shared:      options.shared(),
		metrics:     options.metrics(),
		stats:       indicator.NewFrameStats(options.statsWindow()),
		closer:      astikit.NewCloser(),
	}
	ctx = d.logCtx(ctx)
	defer func() {
		if _err != nil {
			_ = d.Close(ctx)
		}
	}()

	support, err := device.QueryDecoderSupport(&hw.DecoderSupportQuery{
		Codec:      desc.Codec,
		Profile:    desc.Profile,
		Format:     desc.Format,
		Resolution: desc.Resolution,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to query the decoder support: %w", err)
	}
	if !support.Supported {
		logger.Errorf(ctx, "the hardware cannot decode %s %s %s at %s", desc.Codec, desc.Profile, desc.Format, desc.Resolution)
		return nil, ErrNotSupported{Step: "query"}
	}
	d.support = *support

	maxRefs := desc.MaxReferences
	if maxRefs == 0 {
		maxRefs = 16
	}
	capacity := maxRefs + 1
	if support.MaxDPBSlots > 0 {
		capacity = min(capacity, support.MaxDPBSlots)
	}

	d.decoder, err = device.CreateVideoDecoder(hw.DecoderDesc{Codec: desc.Codec, Profile: desc.Profile})
	if err != nil {
		return nil, fmt.Errorf("unable to create the decoder: %w", err)
	}
	d.heap, err = device.CreateVideoDecoderHeap(hw.DecoderHeapDesc{
		Codec:                       desc.Codec,
		Profile:                     desc.Profile,
		Format:                      desc.Format,
		Resolution:                  desc.Resolution,
		MaxDecodePictureBufferCount: capacity,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create the decoder heap: %w", err)
	}

	d.exec, err = batch.NewExecutor(ctx, device, hw.QueueKindVideoDecode, 1)
	if err != nil {
		return nil, fmt.Errorf("unable to create the decode executor: %w", err)
	}
	d.closer.AddWithError(func() error {
		return d.exec.Close(xcontext.DetachDone(ctx))
	})
	if d.shared == nil {
		sharedExec, err := batch.NewExecutor(ctx, device, hw.QueueKindDirect, 1)
		if err != nil {
			return nil, fmt.Errorf("unable to create the upload executor: %w", err)
		}
		d.shared = batch.NewShared(sharedExec)
		d.closer.AddWithError(func() error {
			return d.shared.Close(xcontext.DetachDone(ctx))
		})
	}

	pool, err := d.newPool(capacity)
	if err != nil {
		return nil, fmt.Errorf("unable to create the DPB: %w", err)
	}
	d.refManager = refpic.NewDecodeManager(pool)
	logger.Debugf(ctx, "DPB: %d slots, array:%v, direct:%v", capacity, pool.IsArray(), d.refManager.IsDirect())

	d.metrics.ActiveSessions.WithLabelValues(metrics.DirectionDecode, desc.Codec.String()).Inc()
	d.closer.Add(func() {
		d.metrics.ActiveSessions.WithLabelValues(metrics.DirectionDecode, desc.Codec.String()).Dec()
	})
	logger.Debugf(ctx, "created a decode session")
	return d, nil
}

// newPool picks the DPB layout the hardware requires: reference-only
// allocations always need the decoded picture to be copied out; with
// independent textures the caller's output texture is the DPB slot.
func (d *DecoderLocked) newPool(capacity uint32) (dpb.Pool, error) {
	res := d.Description.Resolution
	flags := d.support.ConfigurationFlags
	if flags&hw.DecoderConfigurationFlagHeightAlignmentMultipleOf32Required != 0 {
		res.Height = res.AlignedTo(32).Height
	}
	cfg := dpb.Config{
		Device:      d.device,
		Format:      d.Description.Format,
		Resolution:  res,
		Capacity:    capacity,
		Name:        fmt.Sprintf("decoder-%d-dpb", d.id),
		ReleaseFunc: d.exec.ReleaseAfterCompletion,
	}
	arrayOfTextures := flags&hw.DecoderConfigurationFlagArrayOfTexturesSupported != 0
	switch {
	case flags&hw.DecoderConfigurationFlagReferenceOnlyAllocationsRequired != 0:
		cfg.Usage = hw.TextureUsageVideoDecodeReferenceOnly
		return dpb.New(cfg, !arrayOfTextures)
	case arrayOfTextures:
		return dpb.NewIndependentPool(cfg)
	default:
		return dpb.NewTextureArrayPool(cfg)
	}
}

func (d *DecoderLocked) logCtx(ctx context.Context) context.Context {
	return logger.CtxWithSession(ctx, metrics.DirectionDecode, d.Description.Codec.String(), d.id)
}

// BeginFrame assigns the DPB slot of the picture and evicts the
// pictures which are not referenced anymore.
func (d *DecoderLocked) BeginFrame(
	ctx context.Context,
	target hw.Texture,
	pic *DecodePictureDescription,
) (_err error) {
	ctx = d.logCtx(ctx)
	logger.Tracef(ctx, "BeginFrame")
	defer func() { logger.Tracef(ctx, "/BeginFrame: %v", _err) }()
	if d.isClosed {
		return ErrClosed
	}
	if d.state != decoderStateIdle && d.state != decoderStateRecorded {
		return fmt.Errorf("%w: BeginFrame while %s", ErrInvalidState, d.state)
	}
	if target == nil || pic == nil {
		return fmt.Errorf("no output texture or picture description")
	}
	if desc := target.TextureDesc(); desc.Format != d.Description.Format {
		return fmt.Errorf("the output format %s does not match the stream format %s", desc.Format, d.Description.Format)
	}
	if err := d.refManager.BeginFrame(ctx, target, 0, pic.refpic()); err != nil {
		d.metrics.FrameErrorsTotal.WithLabelValues(metrics.DirectionDecode, d.Description.Codec.String(), "begin_frame").Inc()
		d.stats.AddError()
		return fmt.Errorf("unable to begin the frame in the reference manager: %w", err)
	}
	d.target = target
	d.pic = pic
	d.staging = d.staging[:0]
	d.state = decoderStateBegun
	return nil
}

// DecodeBitstream appends the buffers to the bitstream of the current
// picture. More than two buffers are handled as a sequence of slices,
// each optionally preceded by its start code in a separate buffer.
func (d *DecoderLocked) DecodeBitstream(
	ctx context.Context,
	target hw.Texture,
	pic *DecodePictureDescription,
	buffers [][]byte,
) (_err error) {
	ctx = d.logCtx(ctx)
	logger.Tracef(ctx, "DecodeBitstream: %d buffers", len(buffers))
	defer func() { logger.Tracef(ctx, "/DecodeBitstream: %v", _err) }()
	if d.isClosed {
		return ErrClosed
	}
	if d.state != decoderStateBegun && d.state != decoderStateAccumulating {
		return fmt.Errorf("%w: DecodeBitstream while %s", ErrInvalidState, d.state)
	}
	if target != d.target {
		return fmt.Errorf("the output texture differs from the one given to BeginFrame")
	}
	if pic != nil && pic.PictureID != d.pic.PictureID {
		return fmt.Errorf("DecodeBitstream of picture %d while picture %d is in progress", pic.PictureID, d.pic.PictureID)
	}

	if len(buffers) <= 2 {
		d.appendBitstream(buffers...)
		d.state = decoderStateAccumulating
		return nil
	}
	for idx := 0; idx < len(buffers); idx++ {
		if len(buffers[idx]) <= maxStartCodeSize && idx+1 < len(buffers) {
			d.appendBitstream(buffers[idx], buffers[idx+1])
			idx++
			continue
		}
		d.appendBitstream(buffers[idx])
	}
	d.state = decoderStateAccumulating
	return nil
}

func (d *DecoderLocked) appendBitstream(buffers ...[]byte) {
	for _, b := range buffers {
		d.staging = append(d.staging, b...)
	}
}

// EndFrame uploads the accumulated bitstream, decodes the picture and
// waits for the result to land in the output texture.
func (d *DecoderLocked) EndFrame(
	ctx context.Context,
	target hw.Texture,
	pic *DecodePictureDescription,
) (_err error) {
	ctx = d.logCtx(ctx)
	logger.Tracef(ctx, "EndFrame")
	defer func() { logger.Tracef(ctx, "/EndFrame: %v", _err) }()
	if d.isClosed {
		return ErrClosed
	}
	if d.state != decoderStateAccumulating {
		return fmt.Errorf("%w: EndFrame while %s", ErrInvalidState, d.state)
	}
	if target != d.target {
		return fmt.Errorf("the output texture differs from the one given to BeginFrame")
	}
	if pic == nil {
		pic = d.pic
	}
	if pic.PictureID != d.pic.PictureID {
		return fmt.Errorf("EndFrame of picture %d while picture %d is in progress", pic.PictureID, d.pic.PictureID)
	}
	defer func() {
		d.staging = d.staging[:0]
		d.target = nil
		d.pic = nil
		if _err != nil {
			d.refManager.AbortFrame(ctx)
			d.state = decoderStateIdle
			d.metrics.FrameErrorsTotal.WithLabelValues(metrics.DirectionDecode, d.Description.Codec.String(), "end_frame").Inc()
			d.stats.AddError()
		}
	}()

	output := d.refManager.CurrentOutput()
	args, err := buildDecodeArguments(d.Description.Codec, pic, output.Index, d.refManager.SlotOf, d.staging)
	if err != nil {
		return fmt.Errorf("unable to build the decode arguments: %w", err)
	}
	size := uint64(len(d.staging))
	if err := d.uploadBitstream(ctx); err != nil {
		return fmt.Errorf("unable to upload the bitstream: %w", err)
	}
	d.staging = d.staging[:0]

	if err := d.recordDecode(ctx, pic, output, args, size); err != nil {
		return err
	}
	if err := d.exec.FlushAndWait(ctx); err != nil {
		return fmt.Errorf("unable to decode: %w", err)
	}
	if d.refManager.NeedsOutputCopy() {
		if err := d.copyOutput(ctx, output); err != nil {
			return fmt.Errorf("unable to copy the decoded picture: %w", err)
		}
	}
	if err := d.refManager.EndFrame(ctx); err != nil {
		return fmt.Errorf("unable to end the frame in the reference manager: %w", err)
	}

	d.stats.AddFrame(size, 0)
	d.metrics.FramesTotal.WithLabelValues(metrics.DirectionDecode, d.Description.Codec.String(), decodedFrameType(pic)).Inc()
	d.metrics.BytesTotal.WithLabelValues(metrics.DirectionDecode, d.Description.Codec.String()).Add(float64(size))
	d.metrics.DPBSlotsInUse.WithLabelValues(metrics.DirectionDecode, d.Description.Codec.String()).Set(float64(d.refManager.Pool().InUse()))
	d.state = decoderStateRecorded
	return nil
}

func decodedFrameType(pic *DecodePictureDescription) string {
	var intra bool
	switch {
	case pic.H264 != nil:
		intra = pic.H264.IntraPicFlag
	case pic.HEVC != nil:
		intra = pic.HEVC.IntraPicFlag
	}
	if intra {
		return "intra"
	}
	return "inter"
}

// uploadBitstream copies the staging bytes into the GPU bitstream
// buffer, which is re-created whenever it is smaller than the
// bitstream.
func (d *DecoderLocked) uploadBitstream(ctx context.Context) error {
	size := uint64(len(d.staging))
	if size == 0 {
		return fmt.Errorf("no bitstream")
	}
	if d.gpu == nil || d.gpu.BufferDesc().Size < size {
		buf, err := d.device.CreateBuffer(hw.BufferDesc{
			Size: size,
			Heap: hw.HeapTypeDefault,
			Name: fmt.Sprintf("decoder-%d-bitstream", d.id),
		})
		if err != nil {
			return fmt.Errorf("unable to create a bitstream buffer of %s: %w", humanize.IBytes(size), err)
		}
		if d.gpu != nil {
			d.exec.ReleaseAfterCompletion(d.gpu)
			d.metrics.StagingBufferGrowth.WithLabelValues(d.Description.Codec.String()).Inc()
		}
		logger.Debugf(ctx, "the bitstream buffer is now %s", humanize.IBytes(size))
		d.gpu = buf
	}
	if d.upload == nil || d.upload.BufferDesc().Size < size {
		buf, err := d.device.CreateBuffer(hw.BufferDesc{
			Size: max(size, 64*1024),
			Heap: hw.HeapTypeUpload,
			Name: fmt.Sprintf("decoder-%d-upload", d.id),
		})
		if err != nil {
			return fmt.Errorf("unable to create the upload buffer: %w", err)
		}
		if d.upload != nil {
			d.upload.Release()
		}
		d.upload = buf
	}

	data, err := d.upload.Map()
	if err != nil {
		return fmt.Errorf("unable to map the upload buffer: %w", err)
	}
	copy(data, d.staging)
	d.upload.Unmap()

	err = d.shared.Do(ctx, func(e *batch.Executor) error {
		// the decode queue may still be reading the previous bitstream
		e.WaitForExternal(d.exec.LastSubmitted())
		l := e.CommandList()
		l.ResourceBarrier(hw.Transition(d.gpu, hw.AllSubresources, hw.ResourceStateCommon, hw.ResourceStateCopyDest))
		l.CopyBufferRegion(d.gpu, 0, d.upload, 0, size)
		l.ResourceBarrier(hw.Transition(d.gpu, hw.AllSubresources, hw.ResourceStateCopyDest, hw.ResourceStateCommon))
		return e.FlushAndWait(ctx)
	})
	if err != nil {
		return err
	}
	d.exec.WaitForExternal(d.shared.LastSubmitted())
	return nil
}

func (d *DecoderLocked) recordDecode(
	ctx context.Context,
	pic *DecodePictureDescription,
	output dpb.Slot,
	args []hw.DecodeFrameArgument,
	size uint64,
) error {
	refs := d.refManager.CurrentReferenceFrames()

	var before, after []hw.Barrier
	transitionTexture := func(loc hw.TextureCopyLocation, state hw.ResourceState) {
		before = append(before, textureBarriers(loc, hw.ResourceStateCommon, state)...)
		after = append(after, textureBarriers(loc, state, hw.ResourceStateCommon)...)
	}
	transitionTexture(output.Location(), hw.ResourceStateVideoDecodeWrite)
	for _, ref := range pic.References {
		slot, ok := d.refManager.SlotOf(ref.PictureID)
		if !ok {
			return fmt.Errorf("reference picture %d is not in the DPB", ref.PictureID)
		}
		transitionTexture(hw.TextureCopyLocation{
			Texture:     refs.Textures[slot],
			Subresource: refs.Subresource(int(slot)),
		}, hw.ResourceStateVideoDecodeRead)
	}
	before = append(before, hw.Transition(d.gpu, hw.AllSubresources, hw.ResourceStateCommon, hw.ResourceStateVideoDecodeRead))
	after = append(after, hw.Transition(d.gpu, hw.AllSubresources, hw.ResourceStateVideoDecodeRead, hw.ResourceStateCommon))

	l := d.exec.CommandList()
	l.ResourceBarrier(before...)
	l.DecodeFrame(d.decoder, &hw.DecodeOutputArguments{
		OutputTexture:     output.Texture,
		OutputSubresource: output.Subresource,
	}, &hw.DecodeInputArguments{
		FrameArguments:  args,
		ReferenceFrames: refs,
		CompressedBitstream: hw.CompressedBitstream{
			Buffer: d.gpu,
			Offset: 0,
			Size:   size,
		},
		DecoderHeap: d.heap,
	})
	l.ResourceBarrier(after...)
	logger.Debugf(ctx, "recorded the decode of picture %d (%s) into slot %d with %d references",
		pic.PictureID, humanize.IBytes(size), output.Index, len(pic.References))
	return nil
}

// copyOutput copies the decoded picture from its DPB slot into the
// caller's texture on the context queue.
func (d *DecoderLocked) copyOutput(ctx context.Context, output dpb.Slot) error {
	target := d.refManager.Target()
	return d.shared.Do(ctx, func(e *batch.Executor) error {
		e.WaitForExternal(d.exec.LastSubmitted())
		l := e.CommandList()
		src := output.Location()
		l.ResourceBarrier(textureBarriers(src, hw.ResourceStateCommon, hw.ResourceStateCopySource)...)
		l.ResourceBarrier(textureBarriers(target, hw.ResourceStateCommon, hw.ResourceStateCopyDest)...)
		dpb.CopyPlanes(l, target.Texture, target.Subresource, output)
		l.ResourceBarrier(textureBarriers(target, hw.ResourceStateCopyDest, hw.ResourceStateCommon)...)
		l.ResourceBarrier(textureBarriers(src, hw.ResourceStateCopySource, hw.ResourceStateCommon)...)
		return e.FlushAndWait(ctx)
	})
}

// Flush waits for everything submitted by the session.
func (d *DecoderLocked) Flush(ctx context.Context) (_err error) {
	ctx = d.logCtx(ctx)
	logger.Tracef(ctx, "Flush")
	defer func() { logger.Tracef(ctx, "/Flush: %v", _err) }()
	if d.isClosed {
		return ErrClosed
	}
	if d.state != decoderStateIdle && d.state != decoderStateRecorded {
		return fmt.Errorf("%w: Flush while %s", ErrInvalidState, d.state)
	}
	if err := d.exec.FlushAndWait(ctx); err != nil {
		return err
	}
	d.state = decoderStateIdle
	return nil
}

// Close waits for the submitted work and releases everything; it is
// safe to call on a partially constructed session.
func (d *DecoderLocked) Close(ctx context.Context) (_err error) {
	ctx = d.logCtx(ctx)
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()
	if d.isClosed {
		return nil
	}
	d.isClosed = true

	var result []error
	if d.state == decoderStateBegun || d.state == decoderStateAccumulating {
		d.refManager.AbortFrame(ctx)
	}
	d.state = decoderStateIdle
	d.staging = nil
	if d.exec != nil {
		if err := d.exec.FlushAndWait(ctx); err != nil {
			result = append(result, fmt.Errorf("unable to flush: %w", err))
		}
	}
	if d.refManager != nil {
		if err := d.refManager.Close(ctx); err != nil {
			result = append(result, fmt.Errorf("unable to close the reference manager: %w", err))
		}
		d.refManager = nil
	}
	for _, r := range []hw.Resource{d.decoder, d.heap, d.gpu, d.upload} {
		if r != nil {
			r.Release()
		}
	}
	d.decoder, d.heap, d.gpu, d.upload = nil, nil, nil, nil
	if err := d.closer.Close(); err != nil {
		result = append(result, err)
	}
	return errors.Join(result...)
}
