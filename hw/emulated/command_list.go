package emulated

import (
	"errors"
	"fmt"
	"slices"

	"github.com/xaionaro-go/gpuvideo/hw"
)

var ErrCommandListClosed = errors.New("the command list is closed")

type CommandList struct {
	resource
	kind     hw.QueueKind
	commands []Command
	closed   bool
	err      error
}

var _ hw.CommandList = (*CommandList)(nil)

func (l *CommandList) Kind() hw.QueueKind {
	return l.kind
}

func (l *CommandList) Reset() error {
	if l.IsReleased() {
		return fmt.Errorf("command list %d is released", l.id)
	}
	l.commands = l.commands[:0]
	l.closed = false
	l.err = nil
	return nil
}

func (l *CommandList) Close() error {
	if l.closed {
		return ErrCommandListClosed
	}
	l.closed = true
	return l.err
}

func (l *CommandList) record(cmd Command, check func() error) {
	if l.closed {
		l.err = ErrCommandListClosed
		return
	}
	if check != nil && l.err == nil {
		if err := check(); err != nil {
			l.err = fmt.Errorf("invalid %T: %w", cmd, err)
		}
	}
	l.commands = append(l.commands, cmd)
}

func (l *CommandList) ResourceBarrier(barriers ...hw.Barrier) {
	l.record(CommandBarrier{Barriers: append([]hw.Barrier(nil), barriers...)}, func() error {
		for _, b := range barriers {
			if b.Resource == nil {
				return fmt.Errorf("barrier with a nil resource")
			}
		}
		return nil
	})
}

func (l *CommandList) CopyBufferRegion(dst hw.Buffer, dstOffset uint64, src hw.Buffer, srcOffset uint64, size uint64) {
	l.record(CommandCopyBuffer{
		Dst:       dst,
		DstOffset: dstOffset,
		Src:       src,
		SrcOffset: srcOffset,
		Size:      size,
	}, func() error {
		if dst == nil || src == nil {
			return fmt.Errorf("nil buffer")
		}
		if dstOffset+size > dst.BufferDesc().Size || srcOffset+size > src.BufferDesc().Size {
			return fmt.Errorf("the region is out of bounds")
		}
		return nil
	})
}

func (l *CommandList) CopyTextureRegion(dst hw.TextureCopyLocation, dstX, dstY uint32, src hw.TextureCopyLocation, box *hw.Box) {
	var boxCopy *hw.Box
	if box != nil {
		b := *box
		boxCopy = &b
	}
	l.record(CommandCopyTexture{
		Dst:  dst,
		DstX: dstX,
		DstY: dstY,
		Src:  src,
		Box:  boxCopy,
	}, func() error {
		if dst.Texture == nil || src.Texture == nil {
			return fmt.Errorf("nil texture")
		}
		if dst.Texture.TextureDesc().Format != src.Texture.TextureDesc().Format {
			return fmt.Errorf("format mismatch: %s != %s", dst.Texture.TextureDesc().Format, src.Texture.TextureDesc().Format)
		}
		return nil
	})
}

func (l *CommandList) DecodeFrame(decoder hw.VideoDecoder, out *hw.DecodeOutputArguments, in *hw.DecodeInputArguments) {
	if l.kind != hw.QueueKindVideoDecode {
		l.err = fmt.Errorf("DecodeFrame on a %s command list", l.kind)
		return
	}
	in2 := *in
	in2.FrameArguments = append([]hw.DecodeFrameArgument(nil), in.FrameArguments...)
	in2.ReferenceFrames = copyReferenceFrames(in.ReferenceFrames)
	l.record(CommandDecodeFrame{Decoder: decoder, Output: *out, Input: in2}, func() error {
		if decoder == nil || in.DecoderHeap == nil {
			return fmt.Errorf("nil decoder or decoder heap")
		}
		if out.OutputTexture == nil {
			return fmt.Errorf("nil output texture")
		}
		if in.CompressedBitstream.Buffer == nil {
			return fmt.Errorf("nil bitstream buffer")
		}
		return nil
	})
}

func (l *CommandList) EncodeFrame(encoder hw.VideoEncoder, heap hw.VideoEncoderHeap, in *hw.EncodeInputArguments, out *hw.EncodeOutputArguments) {
	if l.kind != hw.QueueKindVideoEncode {
		l.err = fmt.Errorf("EncodeFrame on a %s command list", l.kind)
		return
	}
	in2 := *in
	in2.PictureControl.ReferenceFrames = copyReferenceFrames(in.PictureControl.ReferenceFrames)
	in2.PictureControl.Codec = clonePictureControlBlock(in.PictureControl.Codec)
	l.record(CommandEncodeFrame{Encoder: encoder, Heap: heap, Input: in2, Output: *out}, func() error {
		if encoder == nil || heap == nil {
			return fmt.Errorf("nil encoder or encoder heap")
		}
		if in.InputFrame == nil {
			return fmt.Errorf("nil input frame")
		}
		if out.Bitstream.Buffer == nil || out.EncoderOutputMetadata == nil {
			return fmt.Errorf("nil output buffer")
		}
		return nil
	})
}

func (l *CommandList) ResolveEncoderOutputMetadata(in *hw.ResolveMetadataInput, out *hw.ResolveMetadataOutput) {
	if l.kind != hw.QueueKindVideoEncode {
		l.err = fmt.Errorf("ResolveEncoderOutputMetadata on a %s command list", l.kind)
		return
	}
	l.record(CommandResolveMetadata{Input: *in, Output: *out}, func() error {
		if in.HWLayoutMetadata == nil || out.ResolvedLayoutMetadata == nil {
			return fmt.Errorf("nil metadata buffer")
		}
		return nil
	})
}

func copyReferenceFrames(r hw.ReferenceFrames) hw.ReferenceFrames {
	result := hw.ReferenceFrames{
		Textures: append([]hw.Texture(nil), r.Textures...),
	}
	if r.Subresources != nil {
		result.Subresources = append([]uint32{}, r.Subresources...)
	}
	return result
}

func clonePictureControlBlock(b hw.PictureControlBlock) hw.PictureControlBlock {
	switch v := b.(type) {
	case *hw.H264PictureControl:
		c := *v
		c.List0ReferenceFrames = slices.Clone(v.List0ReferenceFrames)
		c.List1ReferenceFrames = slices.Clone(v.List1ReferenceFrames)
		c.ReferenceFramesReconPictureDescriptors = slices.Clone(v.ReferenceFramesReconPictureDescriptors)
		c.RefPicMarkingOperationsCommands = slices.Clone(v.RefPicMarkingOperationsCommands)
		c.List0RefPicModifications = slices.Clone(v.List0RefPicModifications)
		c.List1RefPicModifications = slices.Clone(v.List1RefPicModifications)
		return &c
	case *hw.HEVCPictureControl:
		c := cloneHEVCPictureControl(*v)
		return &c
	case *hw.HEVCPictureControl1:
		c := *v
		c.HEVCPictureControl = cloneHEVCPictureControl(v.HEVCPictureControl)
		return &c
	}
	return b
}

func cloneHEVCPictureControl(v hw.HEVCPictureControl) hw.HEVCPictureControl {
	v.List0ReferenceFrames = slices.Clone(v.List0ReferenceFrames)
	v.List1ReferenceFrames = slices.Clone(v.List1ReferenceFrames)
	v.ReferenceFramesReconPictureDescriptors = slices.Clone(v.ReferenceFramesReconPictureDescriptors)
	v.List0RefPicModifications = slices.Clone(v.List0RefPicModifications)
	v.List1RefPicModifications = slices.Clone(v.List1RefPicModifications)
	return v
}
