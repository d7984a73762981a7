// Package hw is the boundary between gpuvideo sessions and the hardware
// video API: queues, fences, command lists, resources and the video
// encoder/decoder objects.
//
// The recording methods of CommandList do not return errors; a malformed
// recording is reported by Close, the same way the native API does it.
package hw

import (
	"context"
)

type QueueKind int

const (
	UndefinedQueueKind = QueueKind(iota)
	QueueKindDirect
	QueueKindVideoDecode
	QueueKindVideoEncode
	QueueKindCopy
	EndOfQueueKind
)

func (k QueueKind) String() string {
	switch k {
	case UndefinedQueueKind:
		return "<undefined>"
	case QueueKindDirect:
		return "direct"
	case QueueKindVideoDecode:
		return "video_decode"
	case QueueKindVideoEncode:
		return "video_encode"
	case QueueKindCopy:
		return "copy"
	default:
		return "<unknown>"
	}
}

type Resource interface {
	ID() uint64
	Name() string
	Release()
}

type Buffer interface {
	Resource
	BufferDesc() BufferDesc

	// Map returns the CPU view of an Upload or Readback buffer.
	Map() ([]byte, error)
	Unmap()
}

type Texture interface {
	Resource
	TextureDesc() TextureDesc
}

type Fence interface {
	CompletedValue() uint64
	WaitCPU(ctx context.Context, value uint64) error
	Release()
}

type Queue interface {
	Kind() QueueKind
	Submit(ctx context.Context, lists ...CommandList) error
	Signal(fence Fence, value uint64) error

	// Wait makes the queue wait (on the GPU side) until the fence reaches the value.
	Wait(fence Fence, value uint64) error
}

type CommandList interface {
	Kind() QueueKind
	Reset() error
	Close() error
	Release()

	ResourceBarrier(barriers ...Barrier)
	CopyBufferRegion(dst Buffer, dstOffset uint64, src Buffer, srcOffset uint64, size uint64)
	CopyTextureRegion(dst TextureCopyLocation, dstX, dstY uint32, src TextureCopyLocation, box *Box)
	DecodeFrame(decoder VideoDecoder, out *DecodeOutputArguments, in *DecodeInputArguments)
	EncodeFrame(encoder VideoEncoder, heap VideoEncoderHeap, in *EncodeInputArguments, out *EncodeOutputArguments)
	ResolveEncoderOutputMetadata(in *ResolveMetadataInput, out *ResolveMetadataOutput)
}

type Device interface {
	Queue(kind QueueKind) (Queue, error)
	CreateCommandList(kind QueueKind) (CommandList, error)
	CreateFence(initialValue uint64) (Fence, error)
	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateTexture(desc TextureDesc) (Texture, error)

	QueryEncoderSupport(query *EncoderSupportQuery) (*EncoderSupport, error)
	QueryDecoderSupport(query *DecoderSupportQuery) (*DecoderSupport, error)
	CreateVideoEncoder(desc EncoderDesc) (VideoEncoder, error)
	CreateVideoEncoderHeap(desc EncoderHeapDesc) (VideoEncoderHeap, error)
	CreateVideoDecoder(desc DecoderDesc) (VideoDecoder, error)
	CreateVideoDecoderHeap(desc DecoderHeapDesc) (VideoDecoderHeap, error)

	// RemovedReason returns a non-nil error once the device is lost.
	RemovedReason() error
}
