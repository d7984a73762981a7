package codec

import (
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/refpic"
)

// GOPTracker produces the picture descriptions of an I/P stream with a
// sliding window of short-term references. B-frames are not produced.
type GOPTracker struct {
	GOP hw.GOPStructure

	// MaxL0References limits the L0 list of P pictures; 0 means 1.
	MaxL0References uint32

	nextPictureID uint64
	frameIndex    uint64
	frameNum      uint32
	idrPicID      uint16
	window        []refpic.ReferencePicture
	forceIDR      bool
}

func NewGOPTracker(gop hw.GOPStructure) *GOPTracker {
	if gop.MaxReferenceFrames == 0 {
		gop.MaxReferenceFrames = 1
	}
	return &GOPTracker{GOP: gop, forceIDR: true}
}

// RequestIDR makes the next picture an IDR picture.
func (t *GOPTracker) RequestIDR() {
	t.forceIDR = true
}

func (t *GOPTracker) maxFrameNum() uint32 {
	return 1 << (uint32(t.GOP.Log2MaxFrameNumMinus4) + 4)
}

// Next returns the description of the next picture in coding order.
func (t *GOPTracker) Next() refpic.EncodePicture {
	isIDR := t.forceIDR || (t.GOP.IDRPeriod > 0 && t.frameIndex%uint64(t.GOP.IDRPeriod) == 0)
	if isIDR {
		if t.nextPictureID > 0 {
			t.idrPicID++
		}
		t.forceIDR = false
		t.frameIndex = 0
		t.frameNum = 0
		t.window = t.window[:0]
	}

	pic := refpic.EncodePicture{
		PictureID:       t.nextPictureID,
		POC:             uint32(t.frameIndex * 2),
		FrameNum:        t.frameNum,
		IDRPicID:        t.idrPicID,
		UsedAsReference: true,
	}
	if isIDR {
		pic.FrameType = hw.FrameTypeIDR
	} else {
		pic.FrameType = hw.FrameTypeP
		pic.DPB = append([]refpic.ReferencePicture(nil), t.window...)
		maxL0 := max(t.MaxL0References, 1)
		for idx := len(t.window) - 1; idx >= 0 && uint32(len(pic.L0)) < maxL0; idx-- {
			pic.L0 = append(pic.L0, t.window[idx].PictureID)
		}
	}

	t.window = append(t.window, refpic.ReferencePicture{
		PictureID: pic.PictureID,
		POC:       pic.POC,
		FrameNum:  pic.FrameNum,
	})
	if over := len(t.window) - int(t.GOP.MaxReferenceFrames); over > 0 {
		t.window = append(t.window[:0], t.window[over:]...)
	}
	t.frameNum = (t.frameNum + 1) % t.maxFrameNum()
	t.frameIndex++
	t.nextPictureID++
	return pic
}
