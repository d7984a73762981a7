package emulated

import (
	"fmt"
	"hash/crc32"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

type pictureInfo struct {
	frameType    hw.FrameType
	list0, list1 []uint32
	descriptors  int
	descIndexes  []uint32
}

func pictureInfoOf(codec types.Codec, block hw.PictureControlBlock) (pictureInfo, hw.EncodeErrorFlags) {
	switch v := block.(type) {
	case *hw.H264PictureControl:
		if codec != types.CodecH264 {
			break
		}
		if v.AdaptiveRefPicMarkingModeFlag {
			ops := v.RefPicMarkingOperationsCommands
			if len(ops) == 0 || ops[len(ops)-1].Operation != hw.H264MMCOEnd {
				return pictureInfo{}, hw.EncodeErrorFlagCodecPictureControlNotSupported
			}
		}
		for _, mods := range [][]hw.H264RefListModification{v.List0RefPicModifications, v.List1RefPicModifications} {
			if len(mods) > 0 && mods[len(mods)-1].ModificationOfPicNumsIDC != hw.H264ModificationEnd {
				return pictureInfo{}, hw.EncodeErrorFlagCodecPictureControlNotSupported
			}
		}
		info := pictureInfo{
			frameType:   v.FrameType,
			list0:       v.List0ReferenceFrames,
			list1:       v.List1ReferenceFrames,
			descriptors: len(v.ReferenceFramesReconPictureDescriptors),
		}
		for _, d := range v.ReferenceFramesReconPictureDescriptors {
			info.descIndexes = append(info.descIndexes, d.ReconstructedPictureResourceIndex)
		}
		return info, 0
	case *hw.HEVCPictureControl:
		if codec != types.CodecHEVC {
			break
		}
		return hevcPictureInfo(v), 0
	case *hw.HEVCPictureControl1:
		if codec != types.CodecHEVC {
			break
		}
		return hevcPictureInfo(&v.HEVCPictureControl), 0
	}
	return pictureInfo{}, hw.EncodeErrorFlagCodecPictureControlNotSupported
}

func hevcPictureInfo(v *hw.HEVCPictureControl) pictureInfo {
	info := pictureInfo{
		frameType:   v.FrameType,
		list0:       v.List0ReferenceFrames,
		list1:       v.List1ReferenceFrames,
		descriptors: len(v.ReferenceFramesReconPictureDescriptors),
	}
	for _, d := range v.ReferenceFramesReconPictureDescriptors {
		info.descIndexes = append(info.descIndexes, d.ReconstructedPictureResourceIndex)
	}
	return info
}

func (info pictureInfo) validate(caps EncodeCapabilities, refs hw.ReferenceFrames) hw.EncodeErrorFlags {
	if info.frameType.IsIntra() && (len(info.list0) > 0 || len(info.list1) > 0) {
		return hw.EncodeErrorFlagInvalidReferencePictures
	}
	if info.frameType == hw.FrameTypeP && len(info.list1) > 0 {
		return hw.EncodeErrorFlagInvalidReferencePictures
	}
	if uint32(len(info.list0)) > caps.MaxL0References || uint32(len(info.list1)) > caps.MaxL1References {
		return hw.EncodeErrorFlagInvalidReferencePictures
	}
	for _, list := range [][]uint32{info.list0, info.list1} {
		for _, idx := range list {
			if int(idx) >= info.descriptors {
				return hw.EncodeErrorFlagInvalidReferencePictures
			}
		}
	}
	for _, idx := range info.descIndexes {
		if int(idx) >= refs.Len() {
			return hw.EncodeErrorFlagInvalidReferencePictures
		}
	}
	return 0
}

func nalHeader(codec types.Codec, frameType hw.FrameType, isReference bool) []byte {
	switch codec {
	case types.CodecH264:
		switch {
		case frameType == hw.FrameTypeIDR:
			return []byte{0x65}
		case isReference:
			return []byte{0x41}
		default:
			return []byte{0x01}
		}
	case types.CodecHEVC:
		switch {
		case frameType == hw.FrameTypeIDR:
			return []byte{19 << 1, 0x01}
		case frameType == hw.FrameTypeI:
			return []byte{21 << 1, 0x01}
		case isReference:
			return []byte{1 << 1, 0x01}
		default:
			return []byte{0x00, 0x01}
		}
	}
	return nil
}

func frameSize(seq hw.EncodeSequenceControl, frameType hw.FrameType, blockSize uint32) (uint64, uint8) {
	cols, rows := seq.Resolution.InBlocks(blockSize)
	units := uint64(cols) * uint64(rows)
	rc := seq.RateControl

	qp := uint8(26)
	var size uint64
	switch frameType {
	case hw.FrameTypeIDR, hw.FrameTypeI:
		size = units * 8
		if rc.ConstantQPI != 0 {
			qp = rc.ConstantQPI
		}
	case hw.FrameTypeP:
		size = units * 2
		if rc.ConstantQPP != 0 {
			qp = rc.ConstantQPP
		}
	default:
		size = units
		if rc.ConstantQPB != 0 {
			qp = rc.ConstantQPB
		}
	}
	if rc.Mode == hw.RateControlModeCQP {
		size = size * 26 / uint64(qp)
	} else if rc.TargetBitrate > 0 && !rc.FrameRate.IsZero() {
		avg := rc.TargetBitrate * uint64(rc.FrameRate.Den) / (uint64(rc.FrameRate.Num) * 8)
		switch frameType {
		case hw.FrameTypeIDR, hw.FrameTypeI:
			size = avg * 3
		case hw.FrameTypeP:
			size = avg
		default:
			size = avg / 2
		}
	}
	if rc.Flags&hw.RateControlFlagEnableMaxFrameSize != 0 && rc.MaxFrameSize > 0 && size > rc.MaxFrameSize {
		size = rc.MaxFrameSize
	}
	if size < 64 {
		size = 64
	}
	return size, qp
}

func (d *Device) executeEncode(cmd CommandEncodeFrame) error {
	enc, ok := cmd.Encoder.(*VideoEncoder)
	if !ok {
		return fmt.Errorf("foreign encoder %T", cmd.Encoder)
	}
	heap, ok := cmd.Heap.(*VideoEncoderHeap)
	if !ok {
		return fmt.Errorf("foreign encoder heap %T", cmd.Heap)
	}
	for _, r := range []hw.Resource{enc, heap} {
		if err := checkAlive(r); err != nil {
			return err
		}
	}
	codec := enc.desc.Codec
	caps := d.Capabilities.Encode[codec]
	in, out := cmd.Input, cmd.Output
	seq, pc := in.SequenceControl, in.PictureControl

	input, err := asTexture(in.InputFrame)
	if err != nil {
		return fmt.Errorf("input frame: %w", err)
	}
	if input.desc.Format != enc.desc.InputFormat {
		return fmt.Errorf("input format %s does not match the encoder format %s", input.desc.Format, enc.desc.InputFormat)
	}
	bitstream, err := asBuffer(out.Bitstream.Buffer)
	if err != nil {
		return fmt.Errorf("bitstream: %w", err)
	}
	metadata, err := asBuffer(out.EncoderOutputMetadata)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if align := uint64(caps.BitstreamOffsetAlignment); align > 1 && out.Bitstream.FrameStartOffset%align != 0 {
		return fmt.Errorf("the frame start offset %d is not aligned to %d", out.Bitstream.FrameStartOffset, align)
	}
	for idx, t := range pc.ReferenceFrames.Textures {
		if _, err := asTexture(t); err != nil {
			return fmt.Errorf("reference %d: %w", idx, err)
		}
	}
	isReference := pc.Flags&hw.PictureControlFlagUsedAsReference != 0
	if isReference && !out.HasReconstructedPicture {
		return fmt.Errorf("the picture is used as a reference, but no reconstructed picture is given")
	}

	var meta hw.ResolvedMetadata
	info, errFlags := pictureInfoOf(codec, pc.Codec)
	meta.ErrorFlags |= errFlags
	if errFlags == 0 {
		meta.ErrorFlags |= info.validate(caps, pc.ReferenceFrames)
	}
	if seq.Resolution != heap.desc.Resolution {
		meta.ErrorFlags |= hw.EncodeErrorFlagReconfigurationRequestNotSupported
	}
	if seq.Flags&hw.SequenceControlFlagRateControlChange != 0 &&
		caps.SupportFlags&hw.SupportFlagRateControlReconfiguration == 0 {
		meta.ErrorFlags |= hw.EncodeErrorFlagReconfigurationRequestNotSupported
	}

	if meta.ErrorFlags == 0 {
		enc.framesEncoded++
		seed := crc32.ChecksumIEEE(input.Plane(0, 0))
		d.writePayload(&meta, bitstream, out.Bitstream.FrameStartOffset, codec, caps, seq, info.frameType, isReference, seed+uint32(enc.framesEncoded))
	}

	if out.HasReconstructedPicture && meta.ErrorFlags == 0 {
		recon, err := asTexture(out.ReconstructedPicture.Texture)
		if err != nil {
			return fmt.Errorf("reconstructed picture: %w", err)
		}
		if out.ReconstructedPicture.Subresource >= recon.desc.ArraySize {
			return fmt.Errorf("reconstructed picture subresource %d is out of range", out.ReconstructedPicture.Subresource)
		}
		fillSlice(recon, out.ReconstructedPicture.Subresource, byte(enc.framesEncoded))
	}

	if meta.Size() > uint64(len(metadata.data)) {
		return fmt.Errorf("the metadata buffer is too small: %d < %d", len(metadata.data), meta.Size())
	}
	if _, err := meta.MarshalTo(metadata.data); err != nil {
		return err
	}
	metadata.holdsEncoderMetadata = true
	return nil
}

func (d *Device) writePayload(
	meta *hw.ResolvedMetadata,
	bitstream *Buffer,
	offset uint64,
	codec types.Codec,
	caps EncodeCapabilities,
	seq hw.EncodeSequenceControl,
	frameType hw.FrameType,
	isReference bool,
	seed uint32,
) {
	size, qp := frameSize(seq, frameType, blockSize(codec))
	cols, rows := seq.Resolution.InBlocks(blockSize(codec))
	count := uint64(seq.SubregionLayout.Count(cols, rows))
	if seq.SubregionLayout.Mode == hw.SubregionModeBytesPerSubregion && seq.SubregionLayout.Value > 0 {
		count = (size + uint64(seq.SubregionLayout.Value) - 1) / uint64(seq.SubregionLayout.Value)
	}
	if count == 0 {
		count = 1
	}
	if caps.MaxSubregions > 0 && count > uint64(caps.MaxSubregions) {
		count = uint64(caps.MaxSubregions)
	}
	hdr := nalHeader(codec, frameType, isReference)
	sliceHeaderSize := uint64(4 + len(hdr))
	if size < count*(sliceHeaderSize+1) {
		size = count * (sliceHeaderSize + 1)
	}
	if offset+size > uint64(len(bitstream.data)) {
		meta.ErrorFlags |= hw.EncodeErrorFlagBitstreamBufferOverflow
		return
	}

	units := uint64(cols) * uint64(rows)
	meta.Stats.AverageQP = uint64(qp)
	if frameType.IsIntra() {
		meta.Stats.IntraCodingUnitsCount = units
	} else {
		meta.Stats.IntraCodingUnitsCount = units / 8
		meta.Stats.SkipCodingUnitsCount = units / 4
		meta.Stats.InterCodingUnitsCount = units - meta.Stats.IntraCodingUnitsCount - meta.Stats.SkipCodingUnitsCount
	}

	pos := offset
	perSubregion := size / count
	for idx := uint64(0); idx < count; idx++ {
		n := perSubregion
		if idx == count-1 {
			n = size - perSubregion*(count-1)
		}
		chunk := bitstream.data[pos : pos+n]
		copy(chunk, []byte{0, 0, 0, 1})
		copy(chunk[4:], hdr)
		for j := sliceHeaderSize; j < n; j++ {
			chunk[j] = 0x80 | byte((uint64(seed)+idx+j)&0x7f)
		}
		meta.Subregions = append(meta.Subregions, hw.SubregionMetadata{
			Size:        n,
			StartOffset: pos - offset,
			HeaderSize:  sliceHeaderSize,
		})
		pos += n
	}
	meta.WrittenBytesCount = size
}
