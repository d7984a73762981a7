package ratecontrol

import (
	"encoding/json"

	"github.com/xaionaro-go/gpuvideo/hw"
)

type ConstantBitrate struct {
	Bitrate uint64
	Limits
}

func (ConstantBitrate) typeName() string {
	return "constant_bitrate"
}

func (r ConstantBitrate) Apply(rc *hw.RateControl) error {
	*rc = hw.RateControl{
		Mode:          hw.RateControlModeCBR,
		FrameRate:     rc.FrameRate,
		TargetBitrate: r.Bitrate,
	}
	return r.Limits.apply(rc)
}

func (r ConstantBitrate) MarshalJSON() ([]byte, error) {
	out := serializable{
		"type":    r.typeName(),
		"bitrate": r.Bitrate,
	}
	r.Limits.marshalInto(out)
	return json.Marshal(out)
}

func (r *ConstantBitrate) setValues(in serializable) error {
	bitrate, err := in.requiredNumber("bitrate")
	if err != nil {
		return err
	}
	r.Bitrate = bitrate
	return r.Limits.setValues(in)
}
