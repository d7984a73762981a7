package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/gpuvideo/batch"
	"github.com/xaionaro-go/gpuvideo/headers"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/indicator"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/gpuvideo/metrics"
	"github.com/xaionaro-go/gpuvideo/pool"
	"github.com/xaionaro-go/gpuvideo/refpic"
	"github.com/xaionaro-go/gpuvideo/types"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

type encoderState int

const (
	encoderStateIdle = encoderState(iota)
	encoderStateBegun
	encoderStateBitstreamReserved
)

func (s encoderState) String() string {
	switch s {
	case encoderStateIdle:
		return "idle"
	case encoderStateBegun:
		return "begun"
	case encoderStateBitstreamReserved:
		return "bitstream_reserved"
	}
	return "<unknown>"
}

type encodeFrame struct {
	pic           EncodePictureDescription
	source        hw.Texture
	dirty         DirtyFlags
	recreated     bool
	sequenceFlags hw.SequenceControlFlags

	dst          hw.Buffer
	header       *pool.Bytes
	payloadStart uint64
	token        FeedbackToken
}

// EncoderLocked is an encode session. It is not safe for concurrent
// use; see Encoder.
type EncoderLocked struct {
	locker      xsync.Mutex
	id          uint64
	Description EncoderDescription

	device     hw.Device
	shared     *batch.Shared
	exec       *batch.Executor
	negotiator negotiator
	metrics    *metrics.Metrics
	stats      *indicator.FrameStats
	closer     *astikit.Closer
	isClosed   bool

	requested EncodeSettings
	active    *EncodeConfig
	support   hw.EncoderSupport

	encoder       hw.VideoEncoder
	heap          hw.VideoEncoderHeap
	refManager    refpic.EncodeManager
	headerBuilder headers.Builder

	headerBuffers  *pool.BytesPool
	upload         hw.Buffer
	metadata       *metadataRing
	nextFrameIndex uint64

	intraRefreshIndex  uint32
	intraRefreshActive bool

	state encoderState
	frame *encodeFrame
}

func newEncoderLocked(
	ctx context.Context,
	device hw.Device,
	desc EncoderDescription,
	opts ...Option,
) (_ret *EncoderLocked, _err error) {
	if err := desc.validate(); err != nil {
		return nil, fmt.Errorf("invalid encoder description: %w", err)
	}
	options := Options(opts)
	e := &EncoderLocked{
		id:          nextSessionID.Inc(),
		Description: desc,
		device:      device,
		shared:      options.shared(),
		metrics:     options.metrics(),
		stats:       indicator.NewFrameStats(options.statsWindow()),
		closer:      astikit.NewCloser(),
		requested:   desc.EncodeSettings,
		// headers rarely exceed a few hundred bytes
		headerBuffers: pool.NewBytesPool(512, 64*1024),
	}
	e.negotiator = negotiator{
		device:        device,
		allowFallback: desc.AllowRateControlFallback,
		metrics:       e.metrics,
	}
	ctx = e.logCtx(ctx)
	defer func() {
		if _err != nil {
			_ = e.Close(ctx)
		}
	}()

	var err error
	e.headerBuilder, err = headers.NewBuilder(desc.Codec)
	if err != nil {
		return nil, err
	}

	// validates the description before any per-frame work
	cfg, err := translateSettings(desc.Codec, &e.requested)
	if err != nil {
		return nil, fmt.Errorf("unable to translate the settings: %w", err)
	}
	if _, err := e.negotiator.Negotiate(ctx, nil, cfg); err != nil {
		return nil, fmt.Errorf("the hardware does not accept the initial configuration: %w", err)
	}

	e.exec, err = batch.NewExecutor(ctx, device, hw.QueueKindVideoEncode, 1)
	if err != nil {
		return nil, fmt.Errorf("unable to create the encode executor: %w", err)
	}
	e.closer.AddWithError(func() error {
		return e.exec.Close(xcontext.DetachDone(ctx))
	})
	if e.shared == nil {
		sharedExec, err := batch.NewExecutor(ctx, device, hw.QueueKindDirect, 1)
		if err != nil {
			return nil, fmt.Errorf("unable to create the upload executor: %w", err)
		}
		e.shared = batch.NewShared(sharedExec)
		e.closer.AddWithError(func() error {
			return e.shared.Close(xcontext.DetachDone(ctx))
		})
	}
	e.metadata = newMetadataRing(options.metadataRingSize())
	e.closer.Add(e.metadata.release)

	e.metrics.ActiveSessions.WithLabelValues(metrics.DirectionEncode, desc.Codec.String()).Inc()
	e.closer.Add(func() {
		e.metrics.ActiveSessions.WithLabelValues(metrics.DirectionEncode, desc.Codec.String()).Dec()
	})
	logger.Debugf(ctx, "created an encode session")
	return e, nil
}

func (e *EncoderLocked) logCtx(ctx context.Context) context.Context {
	return logger.CtxWithSession(ctx, metrics.DirectionEncode, e.Description.Codec.String(), e.id)
}

func (e *EncoderLocked) ActiveConfig() (EncodeConfig, bool) {
	if e.active == nil {
		return EncodeConfig{}, false
	}
	return *e.active, true
}

// BeginFrame negotiates the settings requested for the picture,
// re-creates the hardware objects the changes require, and starts the
// picture in the reference manager. On failure the active
// configuration and objects are left untouched.
func (e *EncoderLocked) BeginFrame(
	ctx context.Context,
	source hw.Texture,
	pic *EncodePictureDescription,
) (_err error) {
	ctx = e.logCtx(ctx)
	logger.Tracef(ctx, "BeginFrame")
	defer func() { logger.Tracef(ctx, "/BeginFrame: %v", _err) }()
	if e.isClosed {
		return ErrClosed
	}
	if e.state != encoderStateIdle {
		return fmt.Errorf("%w: BeginFrame while %s", ErrInvalidState, e.state)
	}
	if source == nil || pic == nil {
		return fmt.Errorf("no source texture or picture description")
	}
	defer func() {
		if _err != nil {
			e.metrics.FrameErrorsTotal.WithLabelValues(metrics.DirectionEncode, e.Description.Codec.String(), "begin_frame").Inc()
			e.stats.AddError()
		}
	}()

	requested := e.requested
	if pic.Settings != nil {
		requested = *pic.Settings
	}
	cfg, err := translateSettings(e.Description.Codec, &requested)
	if err != nil {
		return fmt.Errorf("unable to translate the settings: %w", err)
	}
	n, err := e.negotiator.Negotiate(ctx, e.active, cfg)
	if err != nil {
		return err
	}
	if desc := source.TextureDesc(); desc.Format != n.Config.InputFormat {
		return fmt.Errorf("the source format %s does not match the input format %s", desc.Format, n.Config.InputFormat)
	}

	objs, err := e.prepareObjects(ctx, n)
	if err != nil {
		return err
	}
	refPic := pic.EncodePicture
	if err := objs.refManager.BeginFrame(ctx, &refPic); err != nil {
		objs.discard(ctx, e)
		return fmt.Errorf("unable to begin the frame in the reference manager: %w", err)
	}
	if err := e.metadata.ensure(ctx, e.device, n.Support.MaxSubregions, e.exec.FlushAndWait); err != nil {
		objs.refManager.AbortFrame(ctx)
		objs.discard(ctx, e)
		return fmt.Errorf("unable to allocate the metadata buffers: %w", err)
	}
	e.commitObjects(ctx, objs)

	cfgCopy := n.Config
	e.active = &cfgCopy
	e.support = n.Support
	e.requested = requested

	f := &encodeFrame{
		pic:       *pic,
		source:    source,
		dirty:     n.Dirty,
		recreated: objs.recreatedAny(),
	}
	if !objs.encoderRecreated {
		f.sequenceFlags = liveChangeFlags(n.Dirty)
	}
	if pic.RequestIntraRefresh && cfgCopy.IntraRefresh.Mode != hw.IntraRefreshModeNone {
		f.sequenceFlags |= hw.SequenceControlFlagRequestIntraRefresh
		e.intraRefreshIndex = 0
		e.intraRefreshActive = true
	}
	if f.recreated {
		e.headerBuilder.Reset()
	}
	e.frame = f
	e.state = encoderStateBegun
	return nil
}

func liveChangeFlags(dirty DirtyFlags) hw.SequenceControlFlags {
	var flags hw.SequenceControlFlags
	if dirty.Has(DirtyFlagRateControl) {
		flags |= hw.SequenceControlFlagRateControlChange
	}
	if dirty.Has(DirtyFlagSubregionLayout) {
		flags |= hw.SequenceControlFlagSubregionLayoutChange
	}
	if dirty.Has(DirtyFlagGOP) {
		flags |= hw.SequenceControlFlagGOPSequenceChange
	}
	if dirty.Has(DirtyFlagResolution) {
		flags |= hw.SequenceControlFlagResolutionChange
	}
	return flags
}

func (e *EncoderLocked) headerParams() headers.Params {
	cfg := e.active
	rc := cfg.RateControl
	p := headers.Params{
		Profile:     cfg.Profile,
		Level:       cfg.Level,
		Format:      cfg.InputFormat,
		Resolution:  cfg.Resolution,
		FrameRate:   rc.FrameRate,
		GOP:         cfg.GOP,
		CodecConfig: cfg.CodecConfig,
		QPDelta:     rc.Mode != hw.RateControlModeCQP,
	}
	switch {
	case rc.Mode == hw.RateControlModeCQP:
		p.InitialQP = rc.ConstantQPI
	case rc.Flags&hw.RateControlFlagEnableInitialQP != 0:
		p.InitialQP = rc.InitialQP
	}
	return p
}

// EncodeBitstream writes the header units the picture needs, reserves
// the space they take at the beginning of dst and returns the token to
// get the feedback of the frame with.
func (e *EncoderLocked) EncodeBitstream(
	ctx context.Context,
	source hw.Texture,
	dst hw.Buffer,
) (_ret FeedbackToken, _err error) {
	ctx = e.logCtx(ctx)
	logger.Tracef(ctx, "EncodeBitstream")
	defer func() { logger.Tracef(ctx, "/EncodeBitstream: %v", _err) }()
	if e.isClosed {
		return FeedbackToken{}, ErrClosed
	}
	if e.state != encoderStateBegun {
		return FeedbackToken{}, fmt.Errorf("%w: EncodeBitstream while %s", ErrInvalidState, e.state)
	}
	f := e.frame
	if source != f.source {
		return FeedbackToken{}, fmt.Errorf("the source texture differs from the one given to BeginFrame")
	}
	if dst == nil {
		return FeedbackToken{}, fmt.Errorf("no destination buffer")
	}

	pic := &f.pic.EncodePicture
	force := f.recreated || f.pic.ForceHeaders ||
		(e.Description.RepeatHeadersOnIDR && pic.FrameType == hw.FrameTypeIDR)
	picParams := headers.PictureParams{FrameType: pic.FrameType}
	switch pic.FrameType {
	case hw.FrameTypeP:
		picParams.NumRefIdxL0Active = uint32(len(pic.L0))
	case hw.FrameTypeB:
		picParams.NumRefIdxL0Active = uint32(len(pic.L0))
		picParams.NumRefIdxL1Active = uint32(len(pic.L1))
	}

	header := e.headerBuffers.Get()
	result, err := e.headerBuilder.Emit(ctx, headers.EmitRequest{
		Params:              e.headerParams(),
		Picture:             picParams,
		Force:               force,
		AccessUnitDelimiter: e.Description.AccessUnitDelimiter,
	}, &header.B, 0)
	if err != nil {
		e.headerBuffers.Put(header)
		e.headerBuilder.Reset()
		return FeedbackToken{}, fmt.Errorf("unable to emit the headers: %w", err)
	}
	payloadStart := result.Size
	if result.Size > 0 {
		payloadStart = headers.Pad(&header.B, 0, result.Size, e.support.BitstreamOffsetAlignment)
		header.B = header.B[:payloadStart]
	}
	if uint64(payloadStart) >= dst.BufferDesc().Size {
		e.headerBuffers.Put(header)
		e.headerBuilder.Reset()
		return FeedbackToken{}, fmt.Errorf("the destination buffer of %s cannot fit even the headers (%s)",
			humanize.IBytes(dst.BufferDesc().Size), humanize.IBytes(uint64(payloadStart)))
	}
	for _, unit := range result.Units {
		e.metrics.HeaderUnitsTotal.WithLabelValues(e.Description.Codec.String(), unit.String()).Inc()
	}

	f.dst = dst
	f.header = header
	f.payloadStart = uint64(payloadStart)
	f.token = FeedbackToken{
		FenceValue:   e.exec.NextFenceValue(),
		MetadataSlot: uint32(e.nextFrameIndex % uint64(len(e.metadata.slots))),
		FrameIndex:   e.nextFrameIndex,
	}
	e.state = encoderStateBitstreamReserved
	logger.Debugf(ctx, "frame %d: %d header bytes (%v), the payload starts at %d",
		f.token.FrameIndex, result.Size, result.Units, payloadStart)
	return f.token, nil
}

// EndFrame records the encode of the current picture and submits it.
func (e *EncoderLocked) EndFrame(
	ctx context.Context,
	source hw.Texture,
	pic *EncodePictureDescription,
) (_err error) {
	ctx = e.logCtx(ctx)
	logger.Tracef(ctx, "EndFrame")
	defer func() { logger.Tracef(ctx, "/EndFrame: %v", _err) }()
	if e.isClosed {
		return ErrClosed
	}
	if e.state != encoderStateBitstreamReserved {
		return fmt.Errorf("%w: EndFrame while %s", ErrInvalidState, e.state)
	}
	f := e.frame
	if source != f.source {
		return fmt.Errorf("the source texture differs from the one given to BeginFrame")
	}
	if pic != nil && pic.PictureID != f.pic.PictureID {
		return fmt.Errorf("EndFrame of picture %d while picture %d is in progress", pic.PictureID, f.pic.PictureID)
	}
	defer func() {
		e.headerBuffers.Put(f.header)
		e.frame = nil
		e.state = encoderStateIdle
		if _err != nil {
			e.refManager.AbortFrame(ctx)
			e.headerBuilder.Reset()
			e.metrics.FrameErrorsTotal.WithLabelValues(metrics.DirectionEncode, e.Description.Codec.String(), "end_frame").Inc()
			e.stats.AddError()
		}
	}()

	if err := e.uploadHeader(ctx, f); err != nil {
		return fmt.Errorf("unable to upload the headers: %w", err)
	}
	if err := e.recordEncode(ctx, f); err != nil {
		return err
	}
	fenceValue, err := e.exec.Flush(ctx)
	if err != nil {
		return fmt.Errorf("unable to submit the frame: %w", err)
	}
	if fenceValue != f.token.FenceValue {
		logger.Panicf(ctx, "the frame was submitted with fence value %d, but the token promised %d", fenceValue, f.token.FenceValue)
	}
	if err := e.refManager.EndFrame(ctx); err != nil {
		return fmt.Errorf("unable to end the frame in the reference manager: %w", err)
	}

	e.metadata.commit(f.token, f.payloadStart)
	e.nextFrameIndex++
	if e.intraRefreshActive {
		e.intraRefreshIndex++
		if e.intraRefreshIndex >= e.active.IntraRefresh.Duration {
			e.intraRefreshActive = false
			e.intraRefreshIndex = 0
		}
	}
	e.metrics.FramesTotal.WithLabelValues(metrics.DirectionEncode, e.Description.Codec.String(), f.pic.FrameType.String()).Inc()
	e.metrics.DPBSlotsInUse.WithLabelValues(metrics.DirectionEncode, e.Description.Codec.String()).Set(float64(e.refManager.Pool().InUse()))
	return nil
}

func (e *EncoderLocked) uploadHeader(ctx context.Context, f *encodeFrame) error {
	size := uint64(len(f.header.B))
	if size == 0 {
		return nil
	}
	if e.upload == nil || e.upload.BufferDesc().Size < size {
		buf, err := e.device.CreateBuffer(hw.BufferDesc{
			Size: max(size, 4096),
			Heap: hw.HeapTypeUpload,
			Name: "encoder-header-upload",
		})
		if err != nil {
			return fmt.Errorf("unable to create the upload buffer: %w", err)
		}
		if e.upload != nil {
			e.upload.Release()
		}
		e.upload = buf
	}
	data, err := e.upload.Map()
	if err != nil {
		return fmt.Errorf("unable to map the upload buffer: %w", err)
	}
	copy(data, f.header.B)
	e.upload.Unmap()

	err = e.shared.SubmitAndWait(ctx, func(l hw.CommandList) error {
		l.ResourceBarrier(hw.Transition(f.dst, hw.AllSubresources, hw.ResourceStateCommon, hw.ResourceStateCopyDest))
		l.CopyBufferRegion(f.dst, 0, e.upload, 0, size)
		l.ResourceBarrier(hw.Transition(f.dst, hw.AllSubresources, hw.ResourceStateCopyDest, hw.ResourceStateCommon))
		return nil
	})
	if err != nil {
		return err
	}
	e.exec.WaitForExternal(e.shared.LastSubmitted())
	return nil
}

func textureBarriers(loc hw.TextureCopyLocation, before, after hw.ResourceState) []hw.Barrier {
	desc := loc.Texture.TextureDesc()
	var result []hw.Barrier
	for plane := range desc.Format.Planes() {
		result = append(result, hw.Transition(loc.Texture, desc.Subresource(loc.Subresource, uint32(plane)), before, after))
	}
	return result
}

func (e *EncoderLocked) pictureControlBlock() (hw.PictureControlBlock, error) {
	var block hw.PictureControlBlock
	switch e.refManager.Codec() {
	case types.CodecH264:
		block = &hw.H264PictureControl{}
	case types.CodecHEVC:
		block = &hw.HEVCPictureControl{}
	default:
		return nil, fmt.Errorf("unexpected codec %s", e.refManager.Codec())
	}
	if err := e.refManager.CurrentFramePictureControlData(block); err != nil {
		return nil, err
	}
	return block, nil
}

func (e *EncoderLocked) recordEncode(ctx context.Context, f *encodeFrame) error {
	block, err := e.pictureControlBlock()
	if err != nil {
		return fmt.Errorf("unable to get the picture control data: %w", err)
	}
	cfg := e.active
	refs := e.refManager.CurrentReferenceFrames()
	recon, hasRecon := e.refManager.CurrentReconstructedPicture()
	slot := e.metadata.slots[f.token.MetadataSlot]

	var pcFlags hw.PictureControlFlags
	if f.pic.UsedAsReference {
		pcFlags |= hw.PictureControlFlagUsedAsReference
	}
	in := &hw.EncodeInputArguments{
		SequenceControl: hw.EncodeSequenceControl{
			Flags:           f.sequenceFlags,
			RateControl:     cfg.RateControl,
			SubregionLayout: cfg.SubregionLayout,
			GOP:             cfg.GOP,
			IntraRefresh:    cfg.IntraRefresh,
			Resolution:      cfg.Resolution,
		},
		PictureControl: hw.EncodePictureControl{
			Flags:                  pcFlags,
			IntraRefreshFrameIndex: e.intraRefreshIndex,
			QPDelta:                f.pic.QPDelta,
			Codec:                  block,
			ReferenceFrames:        refs,
		},
		InputFrame: f.source,
	}
	out := &hw.EncodeOutputArguments{
		Bitstream: hw.EncodeOutputBitstream{
			Buffer:           f.dst,
			FrameStartOffset: f.payloadStart,
		},
		ReconstructedPicture:    recon,
		EncoderOutputMetadata:   slot.hwBuffer,
		HasReconstructedPicture: hasRecon,
	}

	var before, after []hw.Barrier
	transition := func(r hw.Resource, state hw.ResourceState) {
		before = append(before, hw.Transition(r, hw.AllSubresources, hw.ResourceStateCommon, state))
		after = append(after, hw.Transition(r, hw.AllSubresources, state, hw.ResourceStateCommon))
	}
	transitionTexture := func(loc hw.TextureCopyLocation, state hw.ResourceState) {
		before = append(before, textureBarriers(loc, hw.ResourceStateCommon, state)...)
		after = append(after, textureBarriers(loc, state, hw.ResourceStateCommon)...)
	}
	transitionTexture(hw.TextureCopyLocation{Texture: f.source}, hw.ResourceStateVideoEncodeRead)
	transition(f.dst, hw.ResourceStateVideoEncodeWrite)
	transition(slot.hwBuffer, hw.ResourceStateVideoEncodeWrite)
	for idx, t := range refs.Textures {
		transitionTexture(hw.TextureCopyLocation{Texture: t, Subresource: refs.Subresource(idx)}, hw.ResourceStateVideoEncodeRead)
	}
	if hasRecon {
		transitionTexture(recon, hw.ResourceStateVideoEncodeWrite)
	}

	l := e.exec.CommandList()
	l.ResourceBarrier(before...)
	l.EncodeFrame(e.encoder, e.heap, in, out)
	l.ResourceBarrier(
		hw.Transition(slot.hwBuffer, hw.AllSubresources, hw.ResourceStateVideoEncodeWrite, hw.ResourceStateVideoEncodeRead),
		hw.Transition(e.metadata.readback, hw.AllSubresources, hw.ResourceStateCommon, hw.ResourceStateVideoEncodeWrite),
	)
	l.ResolveEncoderOutputMetadata(&hw.ResolveMetadataInput{
		Codec:            cfg.Codec,
		InputFormat:      cfg.InputFormat,
		Resolution:       cfg.Resolution,
		SubregionLayout:  cfg.SubregionLayout,
		HWLayoutMetadata: slot.hwBuffer,
	}, &hw.ResolveMetadataOutput{
		ResolvedLayoutMetadata: e.metadata.readback,
		Offset:                 slot.offset,
	})
	l.ResourceBarrier(
		hw.Transition(slot.hwBuffer, hw.AllSubresources, hw.ResourceStateVideoEncodeRead, hw.ResourceStateVideoEncodeWrite),
		hw.Transition(e.metadata.readback, hw.AllSubresources, hw.ResourceStateVideoEncodeWrite, hw.ResourceStateCommon),
	)
	l.ResourceBarrier(after...)
	return nil
}

// Flush submits whatever was recorded and waits for its completion.
func (e *EncoderLocked) Flush(ctx context.Context) (_err error) {
	ctx = e.logCtx(ctx)
	logger.Tracef(ctx, "Flush")
	defer func() { logger.Tracef(ctx, "/Flush: %v", _err) }()
	if e.isClosed {
		return ErrClosed
	}
	if e.state != encoderStateIdle {
		return fmt.Errorf("%w: Flush while %s", ErrInvalidState, e.state)
	}
	return e.exec.FlushAndWait(ctx)
}

// Close waits for the submitted work and releases everything; it is
// safe to call on a partially constructed session.
func (e *EncoderLocked) Close(ctx context.Context) (_err error) {
	ctx = e.logCtx(ctx)
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()
	if e.isClosed {
		return nil
	}
	e.isClosed = true

	var result []error
	if e.frame != nil {
		if e.refManager != nil {
			e.refManager.AbortFrame(ctx)
		}
		e.headerBuffers.Put(e.frame.header)
		e.frame = nil
		e.state = encoderStateIdle
	}
	if e.exec != nil {
		if err := e.exec.FlushAndWait(ctx); err != nil {
			result = append(result, fmt.Errorf("unable to flush: %w", err))
		}
	}
	if e.refManager != nil {
		if err := e.refManager.Close(ctx); err != nil {
			result = append(result, fmt.Errorf("unable to close the reference manager: %w", err))
		}
		e.refManager = nil
	}
	for _, r := range []hw.Resource{e.encoder, e.heap, e.upload} {
		if r != nil {
			r.Release()
		}
	}
	e.encoder, e.heap, e.upload = nil, nil, nil
	if err := e.closer.Close(); err != nil {
		result = append(result, err)
	}
	return errors.Join(result...)
}
