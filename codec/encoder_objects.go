package codec

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/dpb"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/gpuvideo/refpic"
)

// encoderObjects are the hardware objects a frame is encoded with; the
// recreated ones are not owned by the session until committed.
type encoderObjects struct {
	encoder    hw.VideoEncoder
	heap       hw.VideoEncoderHeap
	refManager refpic.EncodeManager

	encoderRecreated bool
	heapRecreated    bool
	dpbRecreated     bool
}

func (o *encoderObjects) recreatedAny() bool {
	return o.encoderRecreated || o.heapRecreated || o.dpbRecreated
}

// liveReconfigurations maps the categories which may change without
// re-creating the encoder to the capability allowing it.
var liveReconfigurations = []struct {
	dirty   DirtyFlags
	support hw.SupportFlags
}{
	{DirtyFlagRateControl, hw.SupportFlagRateControlReconfiguration},
	{DirtyFlagSubregionLayout, hw.SupportFlagSubregionLayoutReconfiguration},
	{DirtyFlagGOP, hw.SupportFlagSequenceGOPReconfiguration},
	{DirtyFlagResolution, hw.SupportFlagResolutionReconfiguration},
}

func (e *EncoderLocked) prepareObjects(
	ctx context.Context,
	n *Negotiation,
) (_ret *encoderObjects, _err error) {
	logger.Tracef(ctx, "prepareObjects: %s", n.Dirty)
	defer func() { logger.Tracef(ctx, "/prepareObjects: %v", _err) }()

	cfg, dirty := n.Config, n.Dirty
	objs := &encoderObjects{
		encoder:    e.encoder,
		heap:       e.heap,
		refManager: e.refManager,
	}
	defer func() {
		if _err != nil {
			objs.discard(ctx, e)
		}
	}()

	needEncoder := e.encoder == nil || dirty.Has(DirtyFlagCodec|DirtyFlagProfile|DirtyFlagCodecConfig|DirtyFlagInputFormat)
	if !needEncoder {
		for _, item := range liveReconfigurations {
			if dirty.Has(item.dirty) && n.Support.SupportFlags&item.support == 0 {
				logger.Debugf(ctx, "the hardware cannot apply a %s change live, re-creating the encoder", item.dirty)
				needEncoder = true
				break
			}
		}
	}
	needHeap := e.heap == nil ||
		dirty.Has(DirtyFlagCodec|DirtyFlagProfile|DirtyFlagLevel|DirtyFlagInputFormat|DirtyFlagResolution)
	needDPB := e.refManager == nil ||
		dirty.Has(DirtyFlagInputFormat|DirtyFlagResolution|DirtyFlagGOPReferenceCount)

	if needEncoder {
		encoder, err := e.device.CreateVideoEncoder(hw.EncoderDesc{
			Codec:       cfg.Codec,
			Profile:     cfg.Profile,
			InputFormat: cfg.InputFormat,
			CodecConfig: cfg.CodecConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to create the video encoder: %w", err)
		}
		objs.encoder = encoder
		objs.encoderRecreated = true
	}
	if needHeap {
		heap, err := e.device.CreateVideoEncoderHeap(hw.EncoderHeapDesc{
			Codec:      cfg.Codec,
			Profile:    cfg.Profile,
			Level:      cfg.Level,
			Resolution: cfg.Resolution,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to create the video encoder heap: %w", err)
		}
		objs.heap = heap
		objs.heapRecreated = true
	}
	if needDPB {
		pool, err := dpb.New(dpb.Config{
			Device:      e.device,
			Format:      cfg.InputFormat,
			Resolution:  cfg.Resolution,
			Capacity:    cfg.GOP.MaxReferenceFrames + 1,
			Usage:       hw.TextureUsageVideoEncodeReferenceOnly,
			Name:        fmt.Sprintf("encoder-%d-dpb", e.id),
			ReleaseFunc: e.exec.ReleaseAfterCompletion,
		}, n.Support.SupportFlags&hw.SupportFlagReconstructedFramesRequireTextureArrays != 0)
		if err != nil {
			return nil, fmt.Errorf("unable to create the DPB pool: %w", err)
		}
		maxRefs := min(cfg.GOP.MaxReferenceFrames, n.Support.MaxDPBCapacity)
		refManager, err := refpic.NewEncodeManager(cfg.Codec, pool, maxRefs)
		if err != nil {
			_ = pool.Close(ctx)
			return nil, fmt.Errorf("unable to create the reference manager: %w", err)
		}
		objs.refManager = refManager
		objs.dpbRecreated = true
	}
	return objs, nil
}

// discard releases the objects created for a frame which then failed.
func (o *encoderObjects) discard(ctx context.Context, e *EncoderLocked) {
	if o.encoderRecreated && o.encoder != nil {
		o.encoder.Release()
	}
	if o.heapRecreated && o.heap != nil {
		o.heap.Release()
	}
	if o.dpbRecreated && o.refManager != nil {
		if err := o.refManager.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close the reference manager: %v", err)
		}
	}
	*o = encoderObjects{
		encoder:    e.encoder,
		heap:       e.heap,
		refManager: e.refManager,
	}
}

// commitObjects makes the session own the objects; the replaced ones
// are released once the GPU is done with them.
func (e *EncoderLocked) commitObjects(ctx context.Context, o *encoderObjects) {
	codec := e.Description.Codec.String()
	if o.encoderRecreated {
		if e.encoder != nil {
			e.exec.ReleaseAfterCompletion(e.encoder)
			e.metrics.RecreationsTotal.WithLabelValues(codec, "encoder").Inc()
		}
		e.encoder = o.encoder
	}
	if o.heapRecreated {
		if e.heap != nil {
			e.exec.ReleaseAfterCompletion(e.heap)
			e.metrics.RecreationsTotal.WithLabelValues(codec, "encoder_heap").Inc()
		}
		e.heap = o.heap
	}
	if o.dpbRecreated {
		if e.refManager != nil {
			if err := e.refManager.Close(ctx); err != nil {
				logger.Errorf(ctx, "unable to close the previous reference manager: %v", err)
			}
			e.metrics.RecreationsTotal.WithLabelValues(codec, "dpb").Inc()
		}
		e.refManager = o.refManager
	}
	if o.recreatedAny() {
		logger.Debugf(ctx, "re-created: encoder:%t heap:%t dpb:%t", o.encoderRecreated, o.heapRecreated, o.dpbRecreated)
	}
}
