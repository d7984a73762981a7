package hw

import (
	"encoding/binary"
	"fmt"
	"strings"
)

type EncodeErrorFlags uint64

const (
	EncodeErrorFlagCodecPictureControlNotSupported = EncodeErrorFlags(1 << iota)
	EncodeErrorFlagSubregionLayoutConfigurationNotSupported
	EncodeErrorFlagInvalidReferencePictures
	EncodeErrorFlagReconfigurationRequestNotSupported
	EncodeErrorFlagInvalidMetadataBufferSource
	EncodeErrorFlagBitstreamBufferOverflow
)

func (f EncodeErrorFlags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, item := range []struct {
		flag EncodeErrorFlags
		name string
	}{
		{EncodeErrorFlagCodecPictureControlNotSupported, "codec_picture_control_not_supported"},
		{EncodeErrorFlagSubregionLayoutConfigurationNotSupported, "subregion_layout_not_supported"},
		{EncodeErrorFlagInvalidReferencePictures, "invalid_reference_pictures"},
		{EncodeErrorFlagReconfigurationRequestNotSupported, "reconfiguration_not_supported"},
		{EncodeErrorFlagInvalidMetadataBufferSource, "invalid_metadata_buffer_source"},
		{EncodeErrorFlagBitstreamBufferOverflow, "bitstream_buffer_overflow"},
	} {
		if f&item.flag != 0 {
			names = append(names, item.name)
		}
	}
	return strings.Join(names, "|")
}

type EncodeStats struct {
	AverageQP                         uint64
	IntraCodingUnitsCount             uint64
	InterCodingUnitsCount             uint64
	SkipCodingUnitsCount              uint64
	AverageMotionEstimationXDirection uint64
	AverageMotionEstimationYDirection uint64
}

type SubregionMetadata struct {
	Size        uint64
	StartOffset uint64
	HeaderSize  uint64
}

// ResolvedMetadata is the host-readable encoder output metadata.
//
// Layout (little-endian, 64-bit fields): error flags, the six stats
// counters, written bytes, written subregion count, and then
// {size, start offset, header size} per subregion.
type ResolvedMetadata struct {
	ErrorFlags        EncodeErrorFlags
	Stats             EncodeStats
	WrittenBytesCount uint64
	Subregions        []SubregionMetadata
}

const (
	ResolvedMetadataHeaderSize    = 9 * 8
	ResolvedMetadataSubregionSize = 3 * 8
)

func ResolvedMetadataSize(maxSubregions uint32) uint64 {
	return ResolvedMetadataHeaderSize + uint64(maxSubregions)*ResolvedMetadataSubregionSize
}

func (m *ResolvedMetadata) Size() uint64 {
	return ResolvedMetadataSize(uint32(len(m.Subregions)))
}

func (m *ResolvedMetadata) MarshalTo(b []byte) (int, error) {
	size := int(m.Size())
	if len(b) < size {
		return 0, fmt.Errorf("the buffer is too small: %d < %d", len(b), size)
	}
	le := binary.LittleEndian
	le.PutUint64(b[0:], uint64(m.ErrorFlags))
	le.PutUint64(b[8:], m.Stats.AverageQP)
	le.PutUint64(b[16:], m.Stats.IntraCodingUnitsCount)
	le.PutUint64(b[24:], m.Stats.InterCodingUnitsCount)
	le.PutUint64(b[32:], m.Stats.SkipCodingUnitsCount)
	le.PutUint64(b[40:], m.Stats.AverageMotionEstimationXDirection)
	le.PutUint64(b[48:], m.Stats.AverageMotionEstimationYDirection)
	le.PutUint64(b[56:], m.WrittenBytesCount)
	le.PutUint64(b[64:], uint64(len(m.Subregions)))
	for idx, sr := range m.Subregions {
		off := ResolvedMetadataHeaderSize + idx*ResolvedMetadataSubregionSize
		le.PutUint64(b[off:], sr.Size)
		le.PutUint64(b[off+8:], sr.StartOffset)
		le.PutUint64(b[off+16:], sr.HeaderSize)
	}
	return size, nil
}

func (m *ResolvedMetadata) Unmarshal(b []byte) error {
	if len(b) < ResolvedMetadataHeaderSize {
		return fmt.Errorf("the metadata is too short: %d < %d", len(b), ResolvedMetadataHeaderSize)
	}
	le := binary.LittleEndian
	m.ErrorFlags = EncodeErrorFlags(le.Uint64(b[0:]))
	m.Stats = EncodeStats{
		AverageQP:                         le.Uint64(b[8:]),
		IntraCodingUnitsCount:             le.Uint64(b[16:]),
		InterCodingUnitsCount:             le.Uint64(b[24:]),
		SkipCodingUnitsCount:              le.Uint64(b[32:]),
		AverageMotionEstimationXDirection: le.Uint64(b[40:]),
		AverageMotionEstimationYDirection: le.Uint64(b[48:]),
	}
	m.WrittenBytesCount = le.Uint64(b[56:])
	count := le.Uint64(b[64:])
	need := ResolvedMetadataSize(uint32(count))
	if count > 0xffff || uint64(len(b)) < need {
		return fmt.Errorf("the metadata claims %d subregions, but only has %d bytes", count, len(b))
	}
	m.Subregions = make([]SubregionMetadata, count)
	for idx := range m.Subregions {
		off := ResolvedMetadataHeaderSize + idx*ResolvedMetadataSubregionSize
		m.Subregions[idx] = SubregionMetadata{
			Size:        le.Uint64(b[off:]),
			StartOffset: le.Uint64(b[off+8:]),
			HeaderSize:  le.Uint64(b[off+16:]),
		}
	}
	return nil
}
