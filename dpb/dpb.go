// Package dpb implements the pools of textures holding decoded and
// reconstructed reference pictures.
package dpb

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/gpuvideo/types"
)

// Slot is one picture slot of a Pool.
type Slot struct {
	Index       uint32
	Texture     hw.Texture
	Subresource uint32
}

func (s Slot) Location() hw.TextureCopyLocation {
	return hw.TextureCopyLocation{Texture: s.Texture, Subresource: s.Subresource}
}

type Pool interface {
	// AcquireSlot returns the lowest free slot. Running out of slots is a
	// contract violation and panics.
	AcquireSlot(ctx context.Context) (Slot, error)
	ReleaseSlot(ctx context.Context, index uint32)
	Slot(index uint32) (Slot, bool)

	// ReferenceFrames lists the given in-use slots in the given order.
	ReferenceFrames(indices []uint32) hw.ReferenceFrames

	// AllReferenceFrames lists every slot by its index; unused slots of
	// an IndependentPool are nil.
	AllReferenceFrames() hw.ReferenceFrames

	Config() Config
	InUse() uint32
	IsArray() bool
	Close(ctx context.Context) error
}

type Config struct {
	Device     hw.Device
	Format     types.PixelFormat
	Resolution types.Resolution
	Capacity   uint32
	Usage      hw.TextureUsage
	Name       string

	// ReleaseFunc disposes textures which may still be referenced by
	// in-flight GPU work. Defaults to an immediate Release.
	ReleaseFunc func(hw.Resource)
}

func (cfg Config) IsReferenceOnly() bool {
	return cfg.Usage&(hw.TextureUsageVideoDecodeReferenceOnly|hw.TextureUsageVideoEncodeReferenceOnly) != 0
}

func (cfg Config) release(r hw.Resource) {
	if cfg.ReleaseFunc != nil {
		cfg.ReleaseFunc(r)
		return
	}
	r.Release()
}

func (cfg Config) validate() error {
	if cfg.Device == nil {
		return fmt.Errorf("no device")
	}
	if cfg.Capacity == 0 {
		return fmt.Errorf("zero capacity")
	}
	if cfg.Resolution.IsZero() {
		return fmt.Errorf("zero resolution")
	}
	if len(cfg.Format.Planes()) == 0 {
		return fmt.Errorf("unsupported format %s", cfg.Format)
	}
	return nil
}

// New returns a TextureArrayPool when asArray is set and an
// IndependentPool otherwise.
func New(cfg Config, asArray bool) (Pool, error) {
	if asArray {
		return NewTextureArrayPool(cfg)
	}
	return NewIndependentPool(cfg)
}

func assert(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) {
	if mustBeTrue {
		return
	}
	logger.Panic(ctx, "assertion failed", extraArgs)
}

// CopyPlanes records a plane-by-plane copy of a slot into slice dstSlice
// of the destination texture.
func CopyPlanes(
	l hw.CommandList,
	dst hw.Texture,
	dstSlice uint32,
	src Slot,
) {
	srcDesc := src.Texture.TextureDesc()
	dstDesc := dst.TextureDesc()
	res := dstDesc.Resolution()
	if srcRes := srcDesc.Resolution(); srcRes.Width < res.Width || srcRes.Height < res.Height {
		res = srcRes
	}
	srcSlice := src.Subresource % max(srcDesc.ArraySize, 1)
	for plane := range srcDesc.Format.Planes() {
		w, h := srcDesc.Format.PlaneSize(res, plane)
		l.CopyTextureRegion(
			hw.TextureCopyLocation{Texture: dst, Subresource: dstDesc.Subresource(dstSlice, uint32(plane))},
			0, 0,
			hw.TextureCopyLocation{Texture: src.Texture, Subresource: srcDesc.Subresource(srcSlice, uint32(plane))},
			&hw.Box{Right: w, Bottom: h},
		)
	}
}
