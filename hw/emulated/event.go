package emulated

import (
	"github.com/xaionaro-go/gpuvideo/hw"
)

type Event interface {
	isEvent()
}

type EventSubmit struct {
	Queue    hw.QueueKind
	Commands []Command
}

type EventSignal struct {
	Queue   hw.QueueKind
	FenceID uint64
	Value   uint64
}

type EventWait struct {
	Queue   hw.QueueKind
	FenceID uint64
	Value   uint64
}

func (EventSubmit) isEvent() {}
func (EventSignal) isEvent() {}
func (EventWait) isEvent()   {}

type Command interface {
	isCommand()
}

type CommandBarrier struct {
	Barriers []hw.Barrier
}

type CommandCopyBuffer struct {
	Dst       hw.Buffer
	DstOffset uint64
	Src       hw.Buffer
	SrcOffset uint64
	Size      uint64
}

type CommandCopyTexture struct {
	Dst  hw.TextureCopyLocation
	DstX uint32
	DstY uint32
	Src  hw.TextureCopyLocation
	Box  *hw.Box
}

type CommandDecodeFrame struct {
	Decoder hw.VideoDecoder
	Output  hw.DecodeOutputArguments
	Input   hw.DecodeInputArguments
}

type CommandEncodeFrame struct {
	Encoder hw.VideoEncoder
	Heap    hw.VideoEncoderHeap
	Input   hw.EncodeInputArguments
	Output  hw.EncodeOutputArguments
}

type CommandResolveMetadata struct {
	Input  hw.ResolveMetadataInput
	Output hw.ResolveMetadataOutput
}

func (CommandBarrier) isCommand()         {}
func (CommandCopyBuffer) isCommand()      {}
func (CommandCopyTexture) isCommand()     {}
func (CommandDecodeFrame) isCommand()     {}
func (CommandEncodeFrame) isCommand()     {}
func (CommandResolveMetadata) isCommand() {}

// Commands returns every command of the given type submitted so far.
func Commands[T Command](d *Device) []T {
	var result []T
	for _, ev := range d.Events() {
		submit, ok := ev.(EventSubmit)
		if !ok {
			continue
		}
		for _, cmd := range submit.Commands {
			if v, ok := cmd.(T); ok {
				result = append(result, v)
			}
		}
	}
	return result
}
