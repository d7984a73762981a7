package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

type Rational struct {
	Num uint32
	Den uint32
}

func RationalFromString(s string) (*Rational, error) {
	s = strings.TrimPrefix(strings.Trim(s, " "), "~")
	if len(s) == 0 {
		return nil, fmt.Errorf("unable to parse Rational from empty string")
	}
	rat, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("unable to parse Rational from %q", s)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("negative Rational %q", s)
	}
	if !rat.Num().IsUint64() || !rat.Denom().IsUint64() ||
		rat.Num().Uint64() > 0xffffffff || rat.Denom().Uint64() > 0xffffffff {
		return nil, fmt.Errorf("Rational %q does not fit 32 bits", s)
	}
	return &Rational{
		Num: uint32(rat.Num().Uint64()),
		Den: uint32(rat.Denom().Uint64()),
	}, nil
}

func (r Rational) IsZero() bool {
	return r.Num == 0 || r.Den == 0
}

func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

func (r Rational) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Rational) UnmarshalText(b []byte) error {
	v, err := RationalFromString(string(b))
	if err != nil {
		return err
	}
	*r = *v
	return nil
}

func (r Rational) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Rational) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unable to unmarshal Rational from JSON '%s': %w", b, err)
	}
	return r.UnmarshalText([]byte(s))
}

// Set implements pflag.Value.
func (r *Rational) Set(s string) error {
	return r.UnmarshalText([]byte(s))
}

// Type implements pflag.Value.
func (r *Rational) Type() string {
	return "rational"
}
