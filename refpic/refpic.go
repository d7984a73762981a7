// Package refpic tracks which pictures are kept as references and where
// they are stored, and derives the per-frame reference arguments from it.
//
// Pictures are identified by caller-assigned picture IDs; the managers
// map them to DPB slots of a dpb.Pool.
package refpic

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/dpb"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/types"
)

var (
	// ErrInvalidArgumentBlock is returned when the picture control block
	// given to CurrentFramePictureControlData has a layout of another
	// codec. Nothing is written into the block in this case.
	ErrInvalidArgumentBlock = errors.New("the picture control block layout does not match the codec")

	ErrUnknownReference = errors.New("unknown reference picture")
	ErrNotInFrame       = errors.New("no frame is in progress")
	ErrFrameInProgress  = errors.New("the previous frame was not ended")
)

// ReferencePicture is an entry of the caller's decoded picture buffer.
type ReferencePicture struct {
	PictureID        uint64
	POC              uint32
	FrameNum         uint32
	LongTerm         bool
	LongTermFrameIdx uint32
	TemporalLayer    uint32
}

type H264PictureOptions struct {
	// MMCO are the memory management control operations of the picture;
	// the terminating operation is appended if missing.
	MMCO []hw.H264MMCO

	L0Modifications []hw.H264RefListModification
	L1Modifications []hw.H264RefListModification
}

type HEVCPictureOptions struct {
	L0Modifications []uint32
	L1Modifications []uint32
}

// EncodePicture describes the picture being encoded and its references.
type EncodePicture struct {
	PictureID         uint64
	FrameType         hw.FrameType
	POC               uint32
	FrameNum          uint32
	IDRPicID          uint16
	TemporalLayer     uint32
	PicParameterSetID uint8

	UsedAsReference  bool
	LongTerm         bool
	LongTermFrameIdx uint32

	// DPB are the pictures kept for reference after this picture; tracked
	// pictures missing from it are evicted. Ignored for IDR pictures,
	// which evict everything.
	DPB []ReferencePicture

	// L0 and L1 list picture IDs from DPB.
	L0 []uint64
	L1 []uint64

	H264 H264PictureOptions
	HEVC HEVCPictureOptions
}

type EncodeManager interface {
	Codec() types.Codec

	// BeginFrame rebuilds the reference state for the picture.
	BeginFrame(ctx context.Context, pic *EncodePicture) error

	// CurrentReferenceFrames returns the storage of the current DPB
	// entries in descriptor order. Subresources are nil if the pool
	// uses independent textures.
	CurrentReferenceFrames() hw.ReferenceFrames

	// CurrentReconstructedPicture returns where the hardware writes the
	// reconstruction of the current picture, if it is a reference.
	CurrentReconstructedPicture() (hw.TextureCopyLocation, bool)

	// CurrentFramePictureControlData fills dst, which must be a layout
	// of the manager's codec.
	CurrentFramePictureControlData(dst hw.PictureControlBlock) error

	// EndFrame commits the current picture into the reference state.
	EndFrame(ctx context.Context) error

	// AbortFrame drops the current picture, releasing its slot. The
	// references it would have evicted stay tracked.
	AbortFrame(ctx context.Context)

	Pool() dpb.Pool
	Close(ctx context.Context) error
}

func NewEncodeManager(codec types.Codec, pool dpb.Pool, maxReferences uint32) (EncodeManager, error) {
	switch codec {
	case types.CodecH264:
		return NewH264Manager(pool, maxReferences), nil
	case types.CodecHEVC:
		return NewHEVCManager(pool, maxReferences), nil
	}
	return nil, fmt.Errorf("codec %s is not supported", codec)
}
