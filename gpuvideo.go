// Package gpuvideo is the entry point to hardware video encode and decode
// sessions: a Context binds a device to the executor of its direct queue
// and hands out sessions sharing it.
package gpuvideo

import (
	"context"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/gpuvideo/batch"
	"github.com/xaionaro-go/gpuvideo/codec"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/gpuvideo/metrics"
	"github.com/xaionaro-go/gpuvideo/types"
	"github.com/xaionaro-go/xcontext"
)

const sharedRingSize = 3

type Context struct {
	Device  hw.Device
	Shared  *batch.Shared
	Metrics *metrics.Metrics

	closer *astikit.Closer
}

// NewContext accepts the same options as the sessions; only
// codec.OptionMetrics is meaningful here.
func NewContext(
	ctx context.Context,
	device hw.Device,
	opts ...codec.Option,
) (_ret *Context, _err error) {
	logger.Tracef(ctx, "NewContext")
	defer func() { logger.Tracef(ctx, "/NewContext: %v", _err) }()
	if device == nil {
		return nil, fmt.Errorf("no device")
	}
	c := &Context{
		Device:  device,
		Metrics: metrics.Discard,
		closer:  astikit.NewCloser(),
	}
	if v, ok := codec.OptionLatest[codec.OptionMetrics](opts); ok && v.Metrics != nil {
		c.Metrics = v.Metrics
	}
	exec, err := batch.NewExecutor(ctx, device, hw.QueueKindDirect, sharedRingSize)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the direct queue executor: %w", err)
	}
	c.Shared = batch.NewShared(exec)
	closeCtx := xcontext.DetachDone(ctx)
	c.closer.AddWithError(func() error {
		return c.Shared.Close(closeCtx)
	})
	return c, nil
}

func (c *Context) sessionOptions(opts []codec.Option) codec.Options {
	result := codec.Options{
		codec.OptionShared{Shared: c.Shared},
		codec.OptionMetrics{Metrics: c.Metrics},
	}
	return append(result, opts...)
}

func (c *Context) NewEncoder(
	ctx context.Context,
	desc codec.EncoderDescription,
	opts ...codec.Option,
) (*codec.Encoder, error) {
	return codec.NewEncoder(ctx, c.Device, desc, c.sessionOptions(opts)...)
}

func (c *Context) NewDecoder(
	ctx context.Context,
	desc codec.DecoderDescription,
	opts ...codec.Option,
) (*codec.Decoder, error) {
	return codec.NewDecoder(ctx, c.Device, desc, c.sessionOptions(opts)...)
}

// CopyTexture copies every plane of array slice srcSlice of src into
// slice dstSlice of dst and waits for the copy to complete.
func (c *Context) CopyTexture(
	ctx context.Context,
	dst hw.Texture, dstSlice uint32,
	src hw.Texture, srcSlice uint32,
) (_err error) {
	logger.Tracef(ctx, "CopyTexture")
	defer func() { logger.Tracef(ctx, "/CopyTexture: %v", _err) }()
	srcDesc, dstDesc := src.TextureDesc(), dst.TextureDesc()
	if srcDesc.Format != dstDesc.Format {
		return fmt.Errorf("format mismatch: %s != %s", srcDesc.Format, dstDesc.Format)
	}
	return c.Shared.Do(ctx, func(e *batch.Executor) error {
		l := e.CommandList()
		l.ResourceBarrier(
			hw.Transition(src, hw.AllSubresources, hw.ResourceStateCommon, hw.ResourceStateCopySource),
			hw.Transition(dst, hw.AllSubresources, hw.ResourceStateCommon, hw.ResourceStateCopyDest),
		)
		for plane := range srcDesc.Format.Planes() {
			w, h := srcDesc.Format.PlaneSize(minResolution(srcDesc, dstDesc), plane)
			l.CopyTextureRegion(
				hw.TextureCopyLocation{Texture: dst, Subresource: dstDesc.Subresource(dstSlice, uint32(plane))},
				0, 0,
				hw.TextureCopyLocation{Texture: src, Subresource: srcDesc.Subresource(srcSlice, uint32(plane))},
				&hw.Box{Right: w, Bottom: h},
			)
		}
		l.ResourceBarrier(
			hw.Transition(dst, hw.AllSubresources, hw.ResourceStateCopyDest, hw.ResourceStateCommon),
			hw.Transition(src, hw.AllSubresources, hw.ResourceStateCopySource, hw.ResourceStateCommon),
		)
		return e.FlushAndWait(ctx)
	})
}

func (c *Context) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}

func minResolution(a, b hw.TextureDesc) types.Resolution {
	res := a.Resolution()
	if other := b.Resolution(); other.Width < res.Width || other.Height < res.Height {
		return other
	}
	return res
}
