package ratecontrol

import (
	"encoding/json"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/hw"
)

type VariableBitrate struct {
	Bitrate     uint64
	PeakBitrate uint64
	Limits
}

func (VariableBitrate) typeName() string {
	return "variable_bitrate"
}

func (r VariableBitrate) Apply(rc *hw.RateControl) error {
	if r.PeakBitrate < r.Bitrate {
		return fmt.Errorf("the peak bitrate %d is lower than the target bitrate %d", r.PeakBitrate, r.Bitrate)
	}
	*rc = hw.RateControl{
		Mode:          hw.RateControlModeVBR,
		FrameRate:     rc.FrameRate,
		TargetBitrate: r.Bitrate,
		PeakBitrate:   r.PeakBitrate,
	}
	return r.Limits.apply(rc)
}

func (r VariableBitrate) MarshalJSON() ([]byte, error) {
	out := serializable{
		"type":         r.typeName(),
		"bitrate":      r.Bitrate,
		"peak_bitrate": r.PeakBitrate,
	}
	r.Limits.marshalInto(out)
	return json.Marshal(out)
}

func (r *VariableBitrate) setValues(in serializable) error {
	var err error
	if r.Bitrate, err = in.requiredNumber("bitrate"); err != nil {
		return err
	}
	if r.PeakBitrate, err = in.requiredNumber("peak_bitrate"); err != nil {
		return err
	}
	return r.Limits.setValues(in)
}

// QualityVariableBitrate targets a constant quality level while keeping
// the bitrate under the peak.
type QualityVariableBitrate struct {
	Quality     uint8
	PeakBitrate uint64
	Limits
}

func (QualityVariableBitrate) typeName() string {
	return "quality_variable_bitrate"
}

func (r QualityVariableBitrate) Apply(rc *hw.RateControl) error {
	*rc = hw.RateControl{
		Mode:          hw.RateControlModeQVBR,
		FrameRate:     rc.FrameRate,
		QualityLevel:  uint32(r.Quality),
		PeakBitrate:   r.PeakBitrate,
		TargetBitrate: r.PeakBitrate,
	}
	return r.Limits.apply(rc)
}

func (r QualityVariableBitrate) MarshalJSON() ([]byte, error) {
	out := serializable{
		"type":         r.typeName(),
		"quality":      r.Quality,
		"peak_bitrate": r.PeakBitrate,
	}
	r.Limits.marshalInto(out)
	return json.Marshal(out)
}

func (r *QualityVariableBitrate) setValues(in serializable) error {
	var err error
	if r.Quality, err = in.qp("quality"); err != nil {
		return err
	}
	if r.PeakBitrate, err = in.requiredNumber("peak_bitrate"); err != nil {
		return err
	}
	return r.Limits.setValues(in)
}
