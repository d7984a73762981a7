package hw

import (
	"fmt"
	"strings"

	"github.com/xaionaro-go/gpuvideo/types"
)

type HeapType int

const (
	HeapTypeDefault = HeapType(iota)
	HeapTypeUpload
	HeapTypeReadback
)

func (h HeapType) String() string {
	switch h {
	case HeapTypeDefault:
		return "default"
	case HeapTypeUpload:
		return "upload"
	case HeapTypeReadback:
		return "readback"
	}
	return fmt.Sprintf("<unknown_heap_%d>", int(h))
}

type BufferDesc struct {
	Size uint64
	Heap HeapType
	Name string
}

type TextureUsage uint32

const (
	TextureUsageVideoDecodeReferenceOnly = TextureUsage(1 << iota)
	TextureUsageVideoEncodeReferenceOnly
)

type TextureDesc struct {
	Format    types.PixelFormat
	Width     uint32
	Height    uint32
	ArraySize uint32
	Usage     TextureUsage
	Name      string
}

func (d TextureDesc) Resolution() types.Resolution {
	return types.Resolution{Width: d.Width, Height: d.Height}
}

// Subresource returns the flat subresource index of an array slice and plane.
func (d TextureDesc) Subresource(slice uint32, plane uint32) uint32 {
	arraySize := d.ArraySize
	if arraySize == 0 {
		arraySize = 1
	}
	return slice + plane*arraySize
}

type ResourceState uint32

const (
	ResourceStateCommon = ResourceState(0)
)

const (
	ResourceStateCopySource = ResourceState(1 << iota)
	ResourceStateCopyDest
	ResourceStateVideoDecodeRead
	ResourceStateVideoDecodeWrite
	ResourceStateVideoEncodeRead
	ResourceStateVideoEncodeWrite
)

func (s ResourceState) String() string {
	if s == ResourceStateCommon {
		return "common"
	}
	var names []string
	for _, item := range []struct {
		flag ResourceState
		name string
	}{
		{ResourceStateCopySource, "copy_source"},
		{ResourceStateCopyDest, "copy_dest"},
		{ResourceStateVideoDecodeRead, "video_decode_read"},
		{ResourceStateVideoDecodeWrite, "video_decode_write"},
		{ResourceStateVideoEncodeRead, "video_encode_read"},
		{ResourceStateVideoEncodeWrite, "video_encode_write"},
	} {
		if s&item.flag != 0 {
			names = append(names, item.name)
		}
	}
	return strings.Join(names, "|")
}

// AllSubresources addresses every subresource of a resource in a Barrier.
const AllSubresources = ^uint32(0)

type Barrier struct {
	Resource    Resource
	Subresource uint32
	Before      ResourceState
	After       ResourceState
}

func Transition(r Resource, subresource uint32, before, after ResourceState) Barrier {
	return Barrier{
		Resource:    r,
		Subresource: subresource,
		Before:      before,
		After:       after,
	}
}

type TextureCopyLocation struct {
	Texture     Texture
	Subresource uint32
}

// Box is a region in texels of the addressed plane.
type Box struct {
	Left, Top, Right, Bottom uint32
}

// ReferenceFrames is the set of reference pictures passed to a decode
// or encode command. Subresources is nil when every reference lives in
// its own texture (subresource 0).
type ReferenceFrames struct {
	Textures     []Texture
	Subresources []uint32
}

func (r ReferenceFrames) Len() int {
	return len(r.Textures)
}

func (r ReferenceFrames) Subresource(idx int) uint32 {
	if r.Subresources == nil {
		return 0
	}
	return r.Subresources[idx]
}
