// Package headers synthesizes parameter-set header units (AUD, VPS, SPS
// and PPS) of H.264 and HEVC elementary streams.
//
// Builders keep the last emitted logical structure of every parameter
// set, so a unit is written only when its content changes or when the
// caller forces re-emission.
package headers

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

type UnitType int

const (
	UndefinedUnitType = UnitType(iota)
	UnitTypeAUD
	UnitTypeVPS
	UnitTypeSPS
	UnitTypePPS
)

func (t UnitType) String() string {
	switch t {
	case UnitTypeAUD:
		return "AUD"
	case UnitTypeVPS:
		return "VPS"
	case UnitTypeSPS:
		return "SPS"
	case UnitTypePPS:
		return "PPS"
	}
	return fmt.Sprintf("unknown_unit_type_%d", int(t))
}

// Params are the sequence-level settings headers are derived from.
type Params struct {
	Profile     types.Profile
	Level       types.Level
	Format      types.PixelFormat
	Resolution  types.Resolution
	FrameRate   types.Rational
	GOP         hw.GOPStructure
	CodecConfig hw.CodecConfig

	// InitialQP is written as the picture-level initial QP; 0 means 26.
	InitialQP uint8

	// QPDelta enables block-level QP adjustment (bitrate-driven modes).
	QPDelta bool
}

// PictureParams are the settings of the current picture that affect
// the picture parameter set.
type PictureParams struct {
	FrameType         hw.FrameType
	NumRefIdxL0Active uint32
	NumRefIdxL1Active uint32
}

type EmitRequest struct {
	Params  Params
	Picture PictureParams

	// Force writes every parameter set even if it equals the active one.
	Force bool

	AccessUnitDelimiter bool
}

type EmitResult struct {
	Size  int
	Units []UnitType
}

// Builder is implemented by H264Builder and HEVCBuilder.
type Builder interface {
	Codec() types.Codec

	// Emit writes the header units the picture needs at offset of buf
	// (growing it if needed) and makes them active.
	Emit(ctx context.Context, req EmitRequest, buf *[]byte, offset int) (EmitResult, error)

	// Reset forgets the active parameter sets.
	Reset()
}

func NewBuilder(codec types.Codec) (Builder, error) {
	switch codec {
	case types.CodecH264:
		return NewH264Builder(), nil
	case types.CodecHEVC:
		return NewHEVCBuilder(), nil
	}
	return nil, fmt.Errorf("codec %s is not supported", codec)
}

var startCode = []byte{0, 0, 0, 1}

type bitWriter struct {
	*bits.EBSPWriter
}

func (w bitWriter) flag(f bool) {
	if f {
		w.Write(1, 1)
	} else {
		w.Write(0, 1)
	}
}

func (w bitWriter) ue(v uint32) {
	w.WriteExpGolomb(uint(v))
}

func (w bitWriter) se(v int32) {
	if v > 0 {
		w.ue(uint32(2*v - 1))
	} else {
		w.ue(uint32(-2 * v))
	}
}

// writeUnit writes start code, NAL header and the RBSP with emulation
// prevention and trailing bits into buf at offset.
func writeUnit(
	buf *[]byte,
	offset int,
	nalHeader []byte,
	rbsp func(w bitWriter),
) (int, error) {
	var unit bytes.Buffer
	unit.Write(startCode)
	w := bitWriter{bits.NewEBSPWriter(&unit)}
	for _, b := range nalHeader {
		w.Write(uint(b), 8)
	}
	rbsp(w)
	w.WriteRbspTrailingBits()
	if err := w.AccError(); err != nil {
		return 0, fmt.Errorf("unable to write the unit: %w", err)
	}
	return put(buf, offset, unit.Bytes()), nil
}

func put(buf *[]byte, offset int, data []byte) int {
	if need := offset + len(data); need > len(*buf) {
		*buf = append(*buf, make([]byte, need-len(*buf))...)
	}
	return copy((*buf)[offset:], data)
}

// PaddedSize rounds size up to alignment.
func PaddedSize(size int, alignment uint32) int {
	if alignment <= 1 {
		return size
	}
	a := int(alignment)
	return (size + a - 1) / a * a
}

// Pad appends trailing_zero_8bits after the size bytes at offset, up to
// the alignment, and returns the padded size.
func Pad(buf *[]byte, offset int, size int, alignment uint32) int {
	padded := PaddedSize(size, alignment)
	put(buf, offset+size, make([]byte, padded-size))
	return padded
}

func reorderFrames(gop hw.GOPStructure) uint32 {
	if gop.IPPeriod > 1 {
		return gop.IPPeriod - 1
	}
	return 0
}

func alignUp(v, to uint32) uint32 {
	return (v + to - 1) / to * to
}
