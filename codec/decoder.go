package codec

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/indicator"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/xsync"
)

// Decoder is the thread-safe wrapper of DecoderLocked.
type Decoder DecoderLocked

func NewDecoder(
	ctx context.Context,
	device hw.Device,
	desc DecoderDescription,
	opts ...Option,
) (_ret *Decoder, _err error) {
	logger.Tracef(ctx, "NewDecoder(%s)", desc.Codec)
	defer func() { logger.Tracef(ctx, "/NewDecoder(%s): %v", desc.Codec, _err) }()
	d, err := newDecoderLocked(ctx, device, desc, opts...)
	if err != nil {
		return nil, err
	}
	return (*Decoder)(d), nil
}

func (d *Decoder) asLocked() *DecoderLocked {
	return (*DecoderLocked)(d)
}

func (d *Decoder) String() string {
	return fmt.Sprintf("Decoder(%s, #%d)", d.Description.Codec, d.id)
}

func (d *Decoder) BeginFrame(
	ctx context.Context,
	target hw.Texture,
	pic *DecodePictureDescription,
) (_err error) {
	logger.Tracef(ctx, "BeginFrame")
	defer func() { logger.Tracef(ctx, "/BeginFrame: %v", _err) }()
	return xsync.DoA3R1(xsync.WithNoLogging(ctx, true), &d.locker, d.asLocked().BeginFrame, ctx, target, pic)
}

func (d *Decoder) DecodeBitstream(
	ctx context.Context,
	target hw.Texture,
	pic *DecodePictureDescription,
	buffers [][]byte,
) (_err error) {
	logger.Tracef(ctx, "DecodeBitstream")
	defer func() { logger.Tracef(ctx, "/DecodeBitstream: %v", _err) }()
	return xsync.DoA4R1(xsync.WithNoLogging(ctx, true), &d.locker, d.asLocked().DecodeBitstream, ctx, target, pic, buffers)
}

func (d *Decoder) EndFrame(
	ctx context.Context,
	target hw.Texture,
	pic *DecodePictureDescription,
) (_err error) {
	logger.Tracef(ctx, "EndFrame")
	defer func() { logger.Tracef(ctx, "/EndFrame: %v", _err) }()
	return xsync.DoA3R1(xsync.WithNoLogging(ctx, true), &d.locker, d.asLocked().EndFrame, ctx, target, pic)
}

func (d *Decoder) Flush(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Flush")
	defer func() { logger.Tracef(ctx, "/Flush: %v", _err) }()
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &d.locker, d.asLocked().Flush, ctx)
}

func (d *Decoder) Stats() indicator.FrameStatsSnapshot {
	return d.stats.Snapshot()
}

func (d *Decoder) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &d.locker, d.asLocked().Close, ctx)
}
