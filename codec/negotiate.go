package codec

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/gpuvideo/metrics"
)

// optionalRateControlFeatures may be dropped when the hardware does not
// support them and the session allows it.
const optionalRateControlFeatures = hw.ValidationFlagExtendedVBVNotSupported |
	hw.ValidationFlagMaxFrameSizeNotSupported

// Negotiation is the result of negotiating a requested EncodeConfig.
type Negotiation struct {
	Config  EncodeConfig
	Dirty   DirtyFlags
	Support hw.EncoderSupport

	// Dropped are the optional features removed to make the hardware
	// accept the configuration.
	Dropped hw.ValidationFlags
}

type negotiator struct {
	device        hw.Device
	allowFallback bool
	metrics       *metrics.Metrics
}

func (n *negotiator) query(ctx context.Context, step string, cfg EncodeConfig) (*hw.EncoderSupport, error) {
	support, err := n.device.QueryEncoderSupport(cfg.supportQuery())
	if err != nil {
		return nil, fmt.Errorf("%s: unable to query the encoder support: %w", step, err)
	}
	if support == nil {
		return nil, fmt.Errorf("%s: the device returned no support information", step)
	}
	logger.Tracef(ctx, "%s: support: %s", step, spew.Sdump(support))
	return support, nil
}

// Negotiate never modifies active; on failure the caller keeps using it.
func (n *negotiator) Negotiate(
	ctx context.Context,
	active *EncodeConfig,
	requested EncodeConfig,
) (_ret *Negotiation, _err error) {
	logger.Tracef(ctx, "Negotiate")
	defer func() { logger.Tracef(ctx, "/Negotiate: %v", _err) }()

	result := &Negotiation{
		Config: requested,
		Dirty:  requested.Diff(active),
	}

	support, err := n.query(ctx, "query", result.Config)
	if err != nil {
		return nil, err
	}
	if !support.Supported() {
		flags := support.ValidationFlags
		if flags&^optionalRateControlFeatures != 0 {
			logger.Errorf(ctx, "negotiation step 'query' failed: %s", flags)
			return nil, ErrNotSupported{Step: "query", Reasons: flags}
		}
		if !n.allowFallback {
			logger.Errorf(ctx, "negotiation step 'optional rate control features' failed: %s, and the fallback is not allowed", flags)
			return nil, ErrNotSupported{Step: "optional rate control features", Reasons: flags}
		}
		result.dropOptionalFeatures(flags)
		logger.Warnf(ctx, "dropping the unsupported rate control features: %s", flags)
		for _, feature := range []hw.ValidationFlags{
			hw.ValidationFlagExtendedVBVNotSupported,
			hw.ValidationFlagMaxFrameSizeNotSupported,
		} {
			if flags&feature != 0 {
				n.metrics.FallbacksTotal.WithLabelValues(requested.Codec.String(), feature.String()).Inc()
			}
		}
		result.Dirty = result.Config.Diff(active)

		support, err = n.query(ctx, "re-query", result.Config)
		if err != nil {
			return nil, err
		}
		if !support.Supported() {
			logger.Errorf(ctx, "negotiation step 're-query' failed: %s", support.ValidationFlags)
			return nil, ErrNotSupported{Step: "re-query", Reasons: support.ValidationFlags}
		}
	}
	if result.Config.GOP.MaxReferenceFrames > support.MaxDPBCapacity {
		logger.Errorf(ctx, "negotiation step 'dpb capacity' failed: %d > %d", result.Config.GOP.MaxReferenceFrames, support.MaxDPBCapacity)
		return nil, ErrNotSupported{Step: "dpb capacity", Reasons: hw.ValidationFlagGOPStructureNotSupported}
	}
	result.Support = *support
	logger.Debugf(ctx, "negotiated (dirty: %s): %s", result.Dirty, spew.Sdump(result.Config))
	return result, nil
}

func (r *Negotiation) dropOptionalFeatures(flags hw.ValidationFlags) {
	rc := &r.Config.RateControl
	if flags&hw.ValidationFlagExtendedVBVNotSupported != 0 {
		rc.Flags &^= hw.RateControlFlagEnableExtendedVBV
		rc.VBVCapacity = 0
		rc.InitialVBVFullness = 0
	}
	if flags&hw.ValidationFlagMaxFrameSizeNotSupported != 0 {
		rc.Flags &^= hw.RateControlFlagEnableMaxFrameSize
		rc.MaxFrameSize = 0
	}
	r.Dropped |= flags & optionalRateControlFeatures
}
