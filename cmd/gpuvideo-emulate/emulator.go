package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/gpuvideo"
	"github.com/xaionaro-go/gpuvideo/codec"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/hw/emulated"
	"github.com/xaionaro-go/gpuvideo/indicator"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/gpuvideo/refpic"
	"github.com/xaionaro-go/gpuvideo/types"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"
)

type emulator struct {
	Context       *gpuvideo.Context
	Config        Config
	StatsInterval time.Duration
}

type encodedFrame struct {
	Picture refpic.EncodePicture
	Size    uint64
}

func (e *emulator) frameBufferSize() uint64 {
	res := e.Config.Encoder.Resolution
	return uint64(res.Width)*uint64(res.Height)*3/2 + 64*1024
}

// logStats logs the statistics every StatsInterval until the returned
// function is called.
func (e *emulator) logStats(
	ctx context.Context,
	what string,
	stats func() indicator.FrameStatsSnapshot,
) context.CancelFunc {
	ctx, cancelFn := context.WithCancel(ctx)
	if e.StatsInterval <= 0 {
		return cancelFn
	}
	done := make(chan struct{})
	observability.Go(ctx, func(ctx context.Context) {
		defer close(done)
		t := time.NewTicker(e.StatsInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				logger.Infof(ctx, "%s: %s", what, stats())
			}
		}
	})
	return func() {
		cancelFn()
		<-done
	}
}

func (e *emulator) newTexture(name string) (hw.Texture, error) {
	res := e.Config.Encoder.Resolution
	return e.Context.Device.CreateTexture(hw.TextureDesc{
		Format: e.Config.Encoder.InputFormat,
		Width:  res.Width,
		Height: res.Height,
		Name:   name,
	})
}

// Encode encodes Config.Frames synthetic frames and writes the
// elementary stream to w.
func (e *emulator) Encode(
	ctx context.Context,
	w io.Writer,
) (_ret []encodedFrame, _err error) {
	logger.Tracef(ctx, "Encode")
	defer func() { logger.Tracef(ctx, "/Encode: %v", _err) }()

	enc, err := e.Context.NewEncoder(ctx, e.Config.Encoder)
	if err != nil {
		return nil, fmt.Errorf("unable to open the encoder: %w", err)
	}
	defer enc.Close(xcontext.DetachDone(ctx))
	stopStats := e.logStats(ctx, "encoder", enc.Stats)
	defer stopStats()

	source, err := e.newTexture("synthetic-source")
	if err != nil {
		return nil, fmt.Errorf("unable to create the source texture: %w", err)
	}
	defer source.Release()
	bufSize := e.frameBufferSize()
	bitstream, err := e.Context.Device.CreateBuffer(hw.BufferDesc{Size: bufSize, Heap: hw.HeapTypeDefault, Name: "bitstream"})
	if err != nil {
		return nil, fmt.Errorf("unable to create the bitstream buffer: %w", err)
	}
	defer bitstream.Release()
	readback, err := e.Context.Device.CreateBuffer(hw.BufferDesc{Size: bufSize, Heap: hw.HeapTypeReadback, Name: "bitstream-readback"})
	if err != nil {
		return nil, fmt.Errorf("unable to create the readback buffer: %w", err)
	}
	defer readback.Release()

	gop := codec.NewGOPTracker(e.Config.Encoder.GOP)
	var result []encodedFrame
	for idx := uint64(0); idx < e.Config.Frames; idx++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if emu, ok := source.(*emulated.Texture); ok {
			for plane := range source.TextureDesc().Format.Planes() {
				emu.FillPlane(0, uint32(plane), byte(idx))
			}
		}
		pic := &codec.EncodePictureDescription{EncodePicture: gop.Next()}
		if err := enc.BeginFrame(ctx, source, pic); err != nil {
			return result, fmt.Errorf("unable to begin frame #%d: %w", idx, err)
		}
		token, err := enc.EncodeBitstream(ctx, source, bitstream)
		if err != nil {
			return result, fmt.Errorf("unable to encode frame #%d: %w", idx, err)
		}
		if err := enc.EndFrame(ctx, source, pic); err != nil {
			return result, fmt.Errorf("unable to end frame #%d: %w", idx, err)
		}
		fb, err := enc.GetFeedback(ctx, token)
		if err != nil {
			return result, fmt.Errorf("unable to get the feedback of frame #%d: %w", idx, err)
		}
		if fb.Size == 0 {
			return result, fmt.Errorf("frame #%d failed: %s", idx, fb.ErrorFlags)
		}
		data, err := e.readBack(ctx, readback, bitstream, fb.Size)
		if err != nil {
			return result, err
		}
		if _, err := w.Write(data); err != nil {
			return result, fmt.Errorf("unable to write frame #%d: %w", idx, err)
		}
		logger.Tracef(ctx, "frame #%d (%s): %s", idx, pic.FrameType, humanize.Bytes(fb.Size))
		result = append(result, encodedFrame{Picture: pic.EncodePicture, Size: fb.Size})
	}
	logger.Debugf(ctx, "encoder: %s", enc.Stats())
	return result, nil
}

func (e *emulator) readBack(
	ctx context.Context,
	readback hw.Buffer,
	bitstream hw.Buffer,
	size uint64,
) ([]byte, error) {
	err := e.Context.Shared.SubmitAndWait(ctx, func(l hw.CommandList) error {
		l.ResourceBarrier(hw.Transition(bitstream, hw.AllSubresources, hw.ResourceStateCommon, hw.ResourceStateCopySource))
		l.CopyBufferRegion(readback, 0, bitstream, 0, size)
		l.ResourceBarrier(hw.Transition(bitstream, hw.AllSubresources, hw.ResourceStateCopySource, hw.ResourceStateCommon))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to read the bitstream back: %w", err)
	}
	mapped, err := readback.Map()
	if err != nil {
		return nil, fmt.Errorf("unable to map the readback buffer: %w", err)
	}
	defer readback.Unmap()
	return append([]byte(nil), mapped[:size]...), nil
}

// Decode decodes the frames written by Encode.
func (e *emulator) Decode(
	ctx context.Context,
	frames []encodedFrame,
	data []byte,
) (_ret indicator.FrameStatsSnapshot, _err error) {
	logger.Tracef(ctx, "Decode")
	defer func() { logger.Tracef(ctx, "/Decode: %v", _err) }()

	desc := e.Config.Encoder

	// a target may be kept as a reference, so targets are recycled only
	// after they slid out of the reference window
	targets := make([]hw.Texture, max(desc.GOP.MaxReferenceFrames, 1)+1)
	for idx := range targets {
		var err error
		targets[idx], err = e.newTexture(fmt.Sprintf("decode-target-%d", idx))
		if err != nil {
			return indicator.FrameStatsSnapshot{}, fmt.Errorf("unable to create a decode target: %w", err)
		}
		defer targets[idx].Release()
	}

	dec, err := e.Context.NewDecoder(ctx, codec.DecoderDescription{
		Codec:         desc.Codec,
		Profile:       desc.Profile,
		Format:        desc.InputFormat,
		Resolution:    desc.Resolution,
		MaxReferences: max(desc.GOP.MaxReferenceFrames, 1),
	})
	if err != nil {
		return indicator.FrameStatsSnapshot{}, fmt.Errorf("unable to open the decoder: %w", err)
	}
	defer dec.Close(xcontext.DetachDone(ctx))
	stopStats := e.logStats(ctx, "decoder", dec.Stats)
	defer stopStats()

	var offset uint64
	for idx, frame := range frames {
		if offset+frame.Size > uint64(len(data)) {
			return dec.Stats(), fmt.Errorf("frame #%d is truncated", idx)
		}
		bitstream := data[offset : offset+frame.Size]
		offset += frame.Size

		target := targets[idx%len(targets)]
		pic := decodePicture(desc.Codec, frame.Picture)
		if err := dec.BeginFrame(ctx, target, pic); err != nil {
			return dec.Stats(), fmt.Errorf("unable to begin frame #%d: %w", idx, err)
		}
		if err := dec.DecodeBitstream(ctx, target, pic, [][]byte{bitstream}); err != nil {
			return dec.Stats(), fmt.Errorf("unable to decode frame #%d: %w", idx, err)
		}
		if err := dec.EndFrame(ctx, target, pic); err != nil {
			return dec.Stats(), fmt.Errorf("unable to end frame #%d: %w", idx, err)
		}
	}
	if err := dec.Flush(ctx); err != nil {
		return dec.Stats(), err
	}
	logger.Debugf(ctx, "decoder: %s", dec.Stats())
	return dec.Stats(), nil
}

// decodePicture derives the picture parameters of an encoded picture.
func decodePicture(c types.Codec, enc refpic.EncodePicture) *codec.DecodePictureDescription {
	pic := &codec.DecodePictureDescription{
		PictureID:   enc.PictureID,
		IsReference: enc.UsedAsReference,
	}
	for _, ref := range enc.DPB {
		pic.References = append(pic.References, codec.DecodeReference{
			PictureID:     ref.PictureID,
			LongTerm:      ref.LongTerm,
			FrameNum:      uint16(ref.FrameNum),
			FieldOrderCnt: [2]int32{int32(ref.POC), int32(ref.POC)},
			POC:           int32(ref.POC),
		})
	}
	switch c {
	case types.CodecHEVC:
		pic.HEVC = &hw.HEVCDecodePictureParameters{}
		for idx, ref := range pic.References {
			if ref.LongTerm {
				pic.HEVCReferenceSets.LtCurr = append(pic.HEVCReferenceSets.LtCurr, uint8(idx))
				continue
			}
			pic.HEVCReferenceSets.StCurrBefore = append(pic.HEVCReferenceSets.StCurrBefore, uint8(idx))
		}
	default:
		pic.H264 = &hw.H264DecodePictureParameters{
			FrameMbsOnlyFlag:  true,
			IntraPicFlag:      enc.FrameType.IsIntra(),
			FrameNum:          uint16(enc.FrameNum),
			CurrFieldOrderCnt: [2]int32{int32(enc.POC), int32(enc.POC)},
		}
	}
	return pic
}
