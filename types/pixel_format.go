package types

import (
	"fmt"
	"strings"
)

type PixelFormat int

const (
	UndefinedPixelFormat = PixelFormat(iota)
	PixelFormatNV12
	PixelFormatP010
	EndOfPixelFormat
)

// PlaneLayout describes one plane of a planar format relative to the
// luma resolution.
type PlaneLayout struct {
	WidthDivisor  uint32
	HeightDivisor uint32
	BytesPerTexel uint32
}

func (pf PixelFormat) String() string {
	switch pf {
	case UndefinedPixelFormat:
		return "<undefined>"
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatP010:
		return "p010"
	default:
		return fmt.Sprintf("<unknown_pixel_format_%d>", int(pf))
	}
}

func PixelFormatFromString(s string) (PixelFormat, error) {
	ls := strings.ToLower(strings.Trim(s, " "))
	for pf := UndefinedPixelFormat + 1; pf < EndOfPixelFormat; pf++ {
		if pf.String() == ls {
			return pf, nil
		}
	}
	return UndefinedPixelFormat, fmt.Errorf("unknown pixel format '%s'", s)
}

func (pf PixelFormat) MarshalText() ([]byte, error) {
	return []byte(pf.String()), nil
}

func (pf *PixelFormat) UnmarshalText(b []byte) error {
	v, err := PixelFormatFromString(string(b))
	if err != nil {
		return err
	}
	*pf = v
	return nil
}

func (pf PixelFormat) Planes() []PlaneLayout {
	switch pf {
	case PixelFormatNV12:
		return []PlaneLayout{{1, 1, 1}, {2, 2, 2}}
	case PixelFormatP010:
		return []PlaneLayout{{1, 1, 2}, {2, 2, 4}}
	}
	return nil
}

func (pf PixelFormat) BitDepth() uint8 {
	switch pf {
	case PixelFormatNV12:
		return 8
	case PixelFormatP010:
		return 10
	}
	return 0
}

// ChromaFormatIDC is chroma_format_idc as written into sequence headers.
func (pf PixelFormat) ChromaFormatIDC() uint8 {
	switch pf {
	case PixelFormatNV12, PixelFormatP010:
		return 1
	}
	return 0
}

// PlaneSize returns the size of the given plane in texels.
func (pf PixelFormat) PlaneSize(res Resolution, plane int) (width, height uint32) {
	planes := pf.Planes()
	if plane < 0 || plane >= len(planes) {
		return 0, 0
	}
	p := planes[plane]
	return (res.Width + p.WidthDivisor - 1) / p.WidthDivisor,
		(res.Height + p.HeightDivisor - 1) / p.HeightDivisor
}
