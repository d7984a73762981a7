package ratecontrol

import (
	"fmt"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/typing"
)

// Limits are the optional constraints shared by the bitrate-driven modes.
type Limits struct {
	VBVCapacity        typing.Optional[uint64]
	InitialVBVFullness typing.Optional[uint64]
	MaxFrameSize       typing.Optional[uint64]
	MinQP              typing.Optional[uint8]
	MaxQP              typing.Optional[uint8]
	InitialQP          typing.Optional[uint8]
	DeltaQP            bool
}

func (l Limits) apply(rc *hw.RateControl) error {
	if l.VBVCapacity.IsSet() {
		rc.Flags |= hw.RateControlFlagEnableExtendedVBV
		rc.VBVCapacity = l.VBVCapacity.Get()
		rc.InitialVBVFullness = rc.VBVCapacity
		if l.InitialVBVFullness.IsSet() {
			if l.InitialVBVFullness.Get() > rc.VBVCapacity {
				return fmt.Errorf("the initial VBV fullness %d exceeds the capacity %d", l.InitialVBVFullness.Get(), rc.VBVCapacity)
			}
			rc.InitialVBVFullness = l.InitialVBVFullness.Get()
		}
	} else if l.InitialVBVFullness.IsSet() {
		return fmt.Errorf("the initial VBV fullness requires the VBV capacity")
	}
	if l.MaxFrameSize.IsSet() {
		rc.Flags |= hw.RateControlFlagEnableMaxFrameSize
		rc.MaxFrameSize = l.MaxFrameSize.Get()
	}
	if l.MinQP.IsSet() || l.MaxQP.IsSet() {
		rc.Flags |= hw.RateControlFlagEnableQPRange
		rc.MinQP = 0
		rc.MaxQP = 51
		if l.MinQP.IsSet() {
			rc.MinQP = l.MinQP.Get()
		}
		if l.MaxQP.IsSet() {
			rc.MaxQP = l.MaxQP.Get()
		}
		if rc.MinQP > rc.MaxQP {
			return fmt.Errorf("the QP range [%d, %d] is empty", rc.MinQP, rc.MaxQP)
		}
	}
	if l.InitialQP.IsSet() {
		rc.Flags |= hw.RateControlFlagEnableInitialQP
		rc.InitialQP = l.InitialQP.Get()
	}
	if l.DeltaQP {
		rc.Flags |= hw.RateControlFlagEnableDeltaQP
	}
	return nil
}

func (l Limits) marshalInto(out serializable) {
	if l.VBVCapacity.IsSet() {
		out["vbv_capacity"] = l.VBVCapacity.Get()
	}
	if l.InitialVBVFullness.IsSet() {
		out["initial_vbv_fullness"] = l.InitialVBVFullness.Get()
	}
	if l.MaxFrameSize.IsSet() {
		out["max_frame_size"] = l.MaxFrameSize.Get()
	}
	if l.MinQP.IsSet() {
		out["min_qp"] = l.MinQP.Get()
	}
	if l.MaxQP.IsSet() {
		out["max_qp"] = l.MaxQP.Get()
	}
	if l.InitialQP.IsSet() {
		out["initial_qp"] = l.InitialQP.Get()
	}
	if l.DeltaQP {
		out["delta_qp"] = true
	}
}

func (l *Limits) setValues(in serializable) error {
	*l = Limits{}
	for _, item := range []struct {
		key string
		dst *typing.Optional[uint64]
	}{
		{"vbv_capacity", &l.VBVCapacity},
		{"initial_vbv_fullness", &l.InitialVBVFullness},
		{"max_frame_size", &l.MaxFrameSize},
	} {
		v, ok, err := in.number(item.key)
		if err != nil {
			return err
		}
		if ok {
			*item.dst = typing.Opt(v)
		}
	}
	for _, item := range []struct {
		key string
		dst *typing.Optional[uint8]
	}{
		{"min_qp", &l.MinQP},
		{"max_qp", &l.MaxQP},
		{"initial_qp", &l.InitialQP},
	} {
		if _, ok := in[item.key]; !ok {
			continue
		}
		v, err := in.qp(item.key)
		if err != nil {
			return err
		}
		*item.dst = typing.Opt(v)
	}
	if v, ok := in["delta_qp"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return fmt.Errorf("value %#+v of 'delta_qp' is not a bool", v)
		}
		l.DeltaQP = b
	}
	return nil
}
