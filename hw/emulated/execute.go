package emulated

import (
	"fmt"
	"hash/crc32"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

func (d *Device) execute(cmd Command) error {
	switch cmd := cmd.(type) {
	case CommandBarrier:
		for _, b := range cmd.Barriers {
			if err := checkAlive(b.Resource); err != nil {
				return err
			}
		}
		return nil
	case CommandCopyBuffer:
		return d.executeCopyBuffer(cmd)
	case CommandCopyTexture:
		return d.executeCopyTexture(cmd)
	case CommandDecodeFrame:
		return d.executeDecode(cmd)
	case CommandEncodeFrame:
		return d.executeEncode(cmd)
	case CommandResolveMetadata:
		return d.executeResolve(cmd)
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

func checkAlive(r hw.Resource) error {
	type releasable interface{ IsReleased() bool }
	if v, ok := r.(releasable); ok && v.IsReleased() {
		return fmt.Errorf("resource %d (%s) is used after release", r.ID(), r.Name())
	}
	return nil
}

func asBuffer(b hw.Buffer) (*Buffer, error) {
	v, ok := b.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("foreign buffer %T", b)
	}
	if err := checkAlive(v); err != nil {
		return nil, err
	}
	return v, nil
}

func asTexture(t hw.Texture) (*Texture, error) {
	v, ok := t.(*Texture)
	if !ok {
		return nil, fmt.Errorf("foreign texture %T", t)
	}
	if err := checkAlive(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (d *Device) executeCopyBuffer(cmd CommandCopyBuffer) error {
	dst, err := asBuffer(cmd.Dst)
	if err != nil {
		return err
	}
	src, err := asBuffer(cmd.Src)
	if err != nil {
		return err
	}
	copy(dst.data[cmd.DstOffset:cmd.DstOffset+cmd.Size], src.data[cmd.SrcOffset:cmd.SrcOffset+cmd.Size])
	return nil
}

func (d *Device) executeCopyTexture(cmd CommandCopyTexture) error {
	dst, err := asTexture(cmd.Dst.Texture)
	if err != nil {
		return err
	}
	src, err := asTexture(cmd.Src.Texture)
	if err != nil {
		return err
	}
	if cmd.Src.Subresource >= src.subresourceCount() || cmd.Dst.Subresource >= dst.subresourceCount() {
		return fmt.Errorf("subresource is out of range")
	}
	srcPlane, srcPitch, srcRows := src.planeOf(cmd.Src.Subresource)
	dstPlane, dstPitch, dstRows := dst.planeOf(cmd.Dst.Subresource)
	if srcPlane != dstPlane {
		return fmt.Errorf("copying plane %d into plane %d", srcPlane, dstPlane)
	}
	bpt := src.desc.Format.Planes()[srcPlane].BytesPerTexel
	box := hw.Box{Right: srcPitch / bpt, Bottom: srcRows}
	if cmd.Box != nil {
		box = *cmd.Box
	}
	if box.Right > srcPitch/bpt || box.Bottom > srcRows || box.Left > box.Right || box.Top > box.Bottom {
		return fmt.Errorf("the box %#+v is out of the source plane", box)
	}
	width := (box.Right - box.Left) * bpt
	height := box.Bottom - box.Top
	if cmd.DstX*bpt+width > dstPitch || cmd.DstY+height > dstRows {
		return fmt.Errorf("the region does not fit the destination plane")
	}
	srcData := src.planeData(cmd.Src.Subresource)
	dstData := dst.planeData(cmd.Dst.Subresource)
	for row := uint32(0); row < height; row++ {
		s := (box.Top+row)*srcPitch + box.Left*bpt
		t := (cmd.DstY+row)*dstPitch + cmd.DstX*bpt
		copy(dstData[t:t+width], srcData[s:s+width])
	}
	return nil
}

func fillSlice(t *Texture, slice uint32, value byte) {
	for plane := range t.desc.Format.Planes() {
		t.FillPlane(slice, uint32(plane), value)
	}
}

func (d *Device) executeDecode(cmd CommandDecodeFrame) error {
	dec, ok := cmd.Decoder.(*VideoDecoder)
	if !ok {
		return fmt.Errorf("foreign decoder %T", cmd.Decoder)
	}
	if err := checkAlive(dec); err != nil {
		return err
	}
	if err := checkAlive(cmd.Input.DecoderHeap); err != nil {
		return err
	}
	caps := d.Capabilities.Decode[dec.desc.Codec]
	refOnly := caps.ConfigurationFlags&hw.DecoderConfigurationFlagReferenceOnlyAllocationsRequired != 0

	bs := cmd.Input.CompressedBitstream
	buf, err := asBuffer(bs.Buffer)
	if err != nil {
		return err
	}
	if bs.Offset+bs.Size > uint64(len(buf.data)) || bs.Size == 0 {
		return fmt.Errorf("the bitstream region [%d:+%d] is out of the buffer of size %d", bs.Offset, bs.Size, len(buf.data))
	}
	region := buf.data[bs.Offset : bs.Offset+bs.Size]

	refs := cmd.Input.ReferenceFrames
	if refs.Subresources != nil && len(refs.Subresources) != len(refs.Textures) {
		return fmt.Errorf("%d subresources for %d reference textures", len(refs.Subresources), len(refs.Textures))
	}
	for idx, t := range refs.Textures {
		if t == nil {
			continue
		}
		tex, err := asTexture(t)
		if err != nil {
			return fmt.Errorf("reference %d: %w", idx, err)
		}
		if refOnly && tex.desc.Usage&hw.TextureUsageVideoDecodeReferenceOnly == 0 {
			return fmt.Errorf("reference %d is not a reference-only texture", idx)
		}
	}

	var havePicParams bool
	for _, arg := range cmd.Input.FrameArguments {
		switch arg.Type {
		case hw.DecodeArgumentTypePictureParameters:
			havePicParams = true
			if err := checkDecodePictureParameters(dec.desc.Codec, arg.Data, refs.Len()); err != nil {
				return err
			}
		case hw.DecodeArgumentTypeSliceControl:
			slices, ok := arg.Data.([]hw.SliceControl)
			if !ok {
				return fmt.Errorf("unexpected slice control type %T", arg.Data)
			}
			for idx, sc := range slices {
				if uint64(sc.BSNALUnitDataLocation)+uint64(sc.SliceBytesInBuffer) > bs.Size {
					return fmt.Errorf("slice %d [%d:+%d] is out of the bitstream region of size %d", idx, sc.BSNALUnitDataLocation, sc.SliceBytesInBuffer, bs.Size)
				}
			}
		}
	}
	if !havePicParams {
		return fmt.Errorf("no picture parameters")
	}

	out, err := asTexture(cmd.Output.OutputTexture)
	if err != nil {
		return err
	}
	if refOnly && out.desc.Usage&hw.TextureUsageVideoDecodeReferenceOnly == 0 {
		return fmt.Errorf("the decode output must be a reference-only texture on this device")
	}
	if cmd.Output.OutputSubresource >= out.desc.ArraySize {
		return fmt.Errorf("output subresource %d is out of range", cmd.Output.OutputSubresource)
	}
	fillSlice(out, cmd.Output.OutputSubresource, DecodedValue(region))
	return nil
}

// DecodedValue is the byte the emulated decoder fills the output with.
func DecodedValue(bitstream []byte) byte {
	return byte(crc32.ChecksumIEEE(bitstream)) | 1
}

func checkDecodePictureParameters(codec types.Codec, data any, refCount int) error {
	checkEntry := func(e hw.DecodePictureEntry) error {
		if e.Index == hw.InvalidPictureIndex {
			return nil
		}
		if int(e.Index) >= refCount {
			return fmt.Errorf("reference index %d is out of %d references", e.Index, refCount)
		}
		return nil
	}
	switch codec {
	case types.CodecH264:
		pp, ok := data.(*hw.H264DecodePictureParameters)
		if !ok {
			return fmt.Errorf("unexpected picture parameters %T for %s", data, codec)
		}
		for _, e := range pp.RefFrameList {
			if err := checkEntry(e); err != nil {
				return err
			}
		}
	case types.CodecHEVC:
		pp, ok := data.(*hw.HEVCDecodePictureParameters)
		if !ok {
			return fmt.Errorf("unexpected picture parameters %T for %s", data, codec)
		}
		for _, e := range pp.RefPicList {
			if err := checkEntry(e); err != nil {
				return err
			}
		}
		for _, set := range [][8]uint8{pp.RefPicSetStCurrBefore, pp.RefPicSetStCurrAfter, pp.RefPicSetLtCurr} {
			for _, idx := range set {
				if idx != hw.InvalidRefSetIndex && int(idx) >= len(pp.RefPicList) {
					return fmt.Errorf("reference set index %d is out of range", idx)
				}
			}
		}
	default:
		return fmt.Errorf("unknown codec %s", codec)
	}
	return nil
}

func (d *Device) executeResolve(cmd CommandResolveMetadata) error {
	src, err := asBuffer(cmd.Input.HWLayoutMetadata)
	if err != nil {
		return err
	}
	dst, err := asBuffer(cmd.Output.ResolvedLayoutMetadata)
	if err != nil {
		return err
	}
	var meta hw.ResolvedMetadata
	if !src.holdsEncoderMetadata {
		meta.ErrorFlags = hw.EncodeErrorFlagInvalidMetadataBufferSource
	} else if err := meta.Unmarshal(src.data); err != nil {
		return fmt.Errorf("unable to parse the hardware metadata: %w", err)
	}
	if cmd.Output.Offset+meta.Size() > uint64(len(dst.data)) {
		return fmt.Errorf("the resolved metadata does not fit the buffer")
	}
	_, err = meta.MarshalTo(dst.data[cmd.Output.Offset:])
	return err
}
