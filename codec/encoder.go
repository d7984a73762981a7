package codec

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/indicator"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

var nextSessionID atomic.Uint64

// Encoder is the thread-safe wrapper of EncoderLocked. The calls of one
// frame must still come in the BeginFrame, EncodeBitstream, EndFrame
// order.
type Encoder EncoderLocked

func NewEncoder(
	ctx context.Context,
	device hw.Device,
	desc EncoderDescription,
	opts ...Option,
) (_ret *Encoder, _err error) {
	logger.Tracef(ctx, "NewEncoder(%s)", desc.Codec)
	defer func() { logger.Tracef(ctx, "/NewEncoder(%s): %v", desc.Codec, _err) }()
	e, err := newEncoderLocked(ctx, device, desc, opts...)
	if err != nil {
		return nil, err
	}
	return (*Encoder)(e), nil
}

func (e *Encoder) asLocked() *EncoderLocked {
	return (*EncoderLocked)(e)
}

func (e *Encoder) String() string {
	return fmt.Sprintf("Encoder(%s, #%d)", e.Description.Codec, e.id)
}

func (e *Encoder) BeginFrame(
	ctx context.Context,
	source hw.Texture,
	pic *EncodePictureDescription,
) (_err error) {
	logger.Tracef(ctx, "BeginFrame")
	defer func() { logger.Tracef(ctx, "/BeginFrame: %v", _err) }()
	return xsync.DoA3R1(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().BeginFrame, ctx, source, pic)
}

func (e *Encoder) EncodeBitstream(
	ctx context.Context,
	source hw.Texture,
	dst hw.Buffer,
) (_ret FeedbackToken, _err error) {
	logger.Tracef(ctx, "EncodeBitstream")
	defer func() { logger.Tracef(ctx, "/EncodeBitstream: %v %v", _ret, _err) }()
	return xsync.DoA3R2(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().EncodeBitstream, ctx, source, dst)
}

func (e *Encoder) EndFrame(
	ctx context.Context,
	source hw.Texture,
	pic *EncodePictureDescription,
) (_err error) {
	logger.Tracef(ctx, "EndFrame")
	defer func() { logger.Tracef(ctx, "/EndFrame: %v", _err) }()
	return xsync.DoA3R1(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().EndFrame, ctx, source, pic)
}

func (e *Encoder) Flush(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Flush")
	defer func() { logger.Tracef(ctx, "/Flush: %v", _err) }()
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().Flush, ctx)
}

func (e *Encoder) GetFeedback(
	ctx context.Context,
	token FeedbackToken,
) (_ret Feedback, _err error) {
	logger.Tracef(ctx, "GetFeedback")
	defer func() { logger.Tracef(ctx, "/GetFeedback: %v", _err) }()
	return xsync.DoA2R2(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().GetFeedback, ctx, token)
}

// ActiveConfig returns the last successfully negotiated configuration.
func (e *Encoder) ActiveConfig(ctx context.Context) (EncodeConfig, bool) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().ActiveConfig)
}

func (e *Encoder) Stats() indicator.FrameStatsSnapshot {
	return e.stats.Snapshot()
}

func (e *Encoder) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()
	return xsync.DoA1R1(xsync.WithNoLogging(ctx, true), &e.locker, e.asLocked().Close, ctx)
}
