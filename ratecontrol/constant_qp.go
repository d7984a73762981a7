package ratecontrol

import (
	"encoding/json"

	"github.com/xaionaro-go/gpuvideo/hw"
)

// ConstantQP encodes every frame with a fixed QP per frame type.
type ConstantQP struct {
	I uint8
	P uint8
	B uint8
}

func (ConstantQP) typeName() string {
	return "constant_qp"
}

func (r ConstantQP) Apply(rc *hw.RateControl) error {
	*rc = hw.RateControl{
		Mode:        hw.RateControlModeCQP,
		FrameRate:   rc.FrameRate,
		ConstantQPI: r.I,
		ConstantQPP: r.P,
		ConstantQPB: r.B,
	}
	return nil
}

func (r ConstantQP) MarshalJSON() ([]byte, error) {
	return json.Marshal(serializable{
		"type": r.typeName(),
		"qp_i": r.I,
		"qp_p": r.P,
		"qp_b": r.B,
	})
}

func (r *ConstantQP) setValues(in serializable) error {
	var err error
	if r.I, err = in.qp("qp_i"); err != nil {
		return err
	}
	if r.P, err = in.qp("qp_p"); err != nil {
		return err
	}
	if r.B, err = in.qp("qp_b"); err != nil {
		return err
	}
	return nil
}
