package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/refpic"
)

func TestGOPTracker(t *testing.T) {
	t.Parallel()
	tracker := NewGOPTracker(hw.GOPStructure{
		IDRPeriod:          4,
		IPPeriod:           1,
		MaxReferenceFrames: 2,
	})
	tracker.MaxL0References = 2

	var pics []refpic.EncodePicture
	for i := 0; i < 6; i++ {
		pics = append(pics, tracker.Next())
	}

	require.Equal(t, hw.FrameTypeIDR, pics[0].FrameType)
	require.Equal(t, hw.FrameTypeIDR, pics[4].FrameType)
	require.Equal(t, uint16(0), pics[0].IDRPicID)
	require.Equal(t, uint16(1), pics[4].IDRPicID)

	require.Equal(t, hw.FrameTypeP, pics[1].FrameType)
	require.Equal(t, []uint64{0}, pics[1].L0)
	require.Equal(t, uint32(2), pics[1].POC)
	require.Equal(t, uint32(1), pics[1].FrameNum)

	require.Equal(t, []uint64{2, 1}, pics[3].L0, "the most recent picture comes first")
	require.Len(t, pics[3].DPB, 2, "the window is limited by MaxReferenceFrames")
	require.Equal(t, uint64(1), pics[3].DPB[0].PictureID)

	require.Equal(t, uint32(0), pics[4].POC)
	require.Empty(t, pics[4].L0)
	require.Equal(t, []uint64{4}, pics[5].L0)

	tracker.RequestIDR()
	require.Equal(t, hw.FrameTypeIDR, tracker.Next().FrameType)
}

func TestGOPTrackerFrameNumWraps(t *testing.T) {
	t.Parallel()
	tracker := NewGOPTracker(hw.GOPStructure{IPPeriod: 1})
	var last refpic.EncodePicture
	for i := 0; i <= 16; i++ {
		last = tracker.Next()
	}
	require.Equal(t, hw.FrameTypeP, last.FrameType)
	require.Equal(t, uint32(0), last.FrameNum)
}
