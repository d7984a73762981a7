// Package types contains the value types shared by every gpuvideo package.
package types

import (
	"fmt"
	"strings"
)

type Codec int

const (
	UndefinedCodec = Codec(iota)
	CodecH264
	CodecHEVC
	EndOfCodec
)

func (c Codec) String() string {
	switch c {
	case UndefinedCodec:
		return "<undefined>"
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	default:
		return fmt.Sprintf("<unknown_codec_%d>", int(c))
	}
}

func CodecFromString(s string) (Codec, error) {
	ls := strings.ToLower(strings.Trim(s, " "))
	switch ls {
	case "h265":
		return CodecHEVC, nil
	case "avc":
		return CodecH264, nil
	}
	for c := UndefinedCodec + 1; c < EndOfCodec; c++ {
		if c.String() == ls {
			return c, nil
		}
	}
	return UndefinedCodec, fmt.Errorf("unknown codec '%s'", s)
}

func (c Codec) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Codec) UnmarshalText(b []byte) error {
	v, err := CodecFromString(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
