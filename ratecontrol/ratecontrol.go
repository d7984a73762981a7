// Package ratecontrol provides the rate control settings of an encode
// session.
package ratecontrol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/xaionaro-go/gpuvideo/hw"
	"gopkg.in/yaml.v3"
)

type RateControl interface {
	typeName() string

	// Apply writes the settings into the hardware rate control block.
	Apply(*hw.RateControl) error
}

type valueSetter interface {
	setValues(in serializable) error
}

type serializable map[string]any

func (s serializable) typeName() string {
	result, _ := s["type"].(string)
	return result
}

func (s serializable) Convert() (RateControl, error) {
	typeName, ok := s["type"].(string)
	if !ok {
		return nil, fmt.Errorf("field 'type' is not set")
	}

	var r RateControl
	for _, sample := range []RateControl{
		ptr(ConstantQP{}),
		ptr(ConstantBitrate{}),
		ptr(VariableBitrate{}),
		ptr(QualityVariableBitrate{}),
	} {
		if sample.typeName() == typeName {
			r = sample
			break
		}
	}
	if r == nil {
		return nil, fmt.Errorf("unknown type '%s'", typeName)
	}

	if err := r.(valueSetter).setValues(s); err != nil {
		return nil, fmt.Errorf("unable to convert the value: %w", err)
	}
	return reflect.ValueOf(r).Elem().Interface().(RateControl), nil
}

func ptr[T any](in T) *T {
	return &in
}

// Unmarshal parses the JSON form produced by marshaling a RateControl.
func Unmarshal(b []byte) (RateControl, error) {
	var s serializable
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("unable to unmarshal '%s': %w", b, err)
	}
	return s.Convert()
}

// Config wraps a RateControl to load it from JSON or YAML documents.
type Config struct {
	RateControl
}

func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.RateControl)
}

func (c *Config) UnmarshalJSON(b []byte) error {
	r, err := Unmarshal(b)
	if err != nil {
		return err
	}
	c.RateControl = r
	return nil
}

func (c Config) MarshalYAML() (any, error) {
	b, err := json.Marshal(c.RateControl)
	if err != nil {
		return nil, err
	}
	var s serializable
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return map[string]any(s), nil
}

func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var s serializable
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("unable to decode the rate control: %w", err)
	}
	r, err := s.Convert()
	if err != nil {
		return err
	}
	c.RateControl = r
	return nil
}

// number extracts a non-negative number decoded by either encoding/json
// (float64) or yaml.v3 (int).
func (s serializable) number(key string) (uint64, bool, error) {
	v, ok := s[key]
	if !ok {
		return 0, false, nil
	}
	switch v := v.(type) {
	case float64:
		if v < 0 {
			return 0, true, fmt.Errorf("negative value %v of '%s'", v, key)
		}
		return uint64(v), true, nil
	case int:
		if v < 0 {
			return 0, true, fmt.Errorf("negative value %v of '%s'", v, key)
		}
		return uint64(v), true, nil
	case uint64:
		return v, true, nil
	}
	return 0, true, fmt.Errorf("value %#+v of '%s' is not a number", v, key)
}

func (s serializable) requiredNumber(key string) (uint64, error) {
	v, ok, err := s.number(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("have not found a numeric value using key '%s' in %#+v", key, s)
	}
	return v, nil
}

func (s serializable) qp(key string) (uint8, error) {
	v, err := s.requiredNumber(key)
	if err != nil {
		return 0, err
	}
	if v > 51 {
		return 0, fmt.Errorf("QP %d of '%s' is out of range [0, 51]", v, key)
	}
	return uint8(v), nil
}
