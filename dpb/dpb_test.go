package dpb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/hw/emulated"
	"github.com/xaionaro-go/gpuvideo/types"
)

func testConfig(d hw.Device, capacity uint32) Config {
	return Config{
		Device:     d,
		Format:     types.PixelFormatNV12,
		Resolution: types.Resolution{Width: 64, Height: 32},
		Capacity:   capacity,
		Name:       "dpb-test",
	}
}

func TestPoolLowestClearBit(t *testing.T) {
	t.Parallel()
	for _, asArray := range []bool{true, false} {
		asArray := asArray
		t.Run(map[bool]string{true: "array", false: "independent"}[asArray], func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			p, err := New(testConfig(emulated.NewDevice(emulated.DefaultCapabilities()), 4), asArray)
			require.NoError(t, err)
			defer p.Close(ctx)

			for want := uint32(0); want < 3; want++ {
				slot, err := p.AcquireSlot(ctx)
				require.NoError(t, err)
				require.Equal(t, want, slot.Index)
			}
			p.ReleaseSlot(ctx, 1)
			require.Equal(t, uint32(2), p.InUse())

			slot, err := p.AcquireSlot(ctx)
			require.NoError(t, err)
			require.Equal(t, uint32(1), slot.Index)

			slot, err = p.AcquireSlot(ctx)
			require.NoError(t, err)
			require.Equal(t, uint32(3), slot.Index)

			require.Panics(t, func() {
				_, _ = p.AcquireSlot(ctx)
			})
		})
	}
}

func TestTextureArrayLifetime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var released []hw.Resource
	cfg := testConfig(emulated.NewDevice(emulated.DefaultCapabilities()), 3)
	cfg.ReleaseFunc = func(r hw.Resource) {
		released = append(released, r)
	}
	p, err := NewTextureArrayPool(cfg)
	require.NoError(t, err)

	a, err := p.AcquireSlot(ctx)
	require.NoError(t, err)
	b, err := p.AcquireSlot(ctx)
	require.NoError(t, err)
	require.Same(t, a.Texture, b.Texture)
	require.Equal(t, uint32(3), a.Texture.TextureDesc().ArraySize)
	require.Equal(t, uint32(1), b.Subresource)

	p.ReleaseSlot(ctx, a.Index)
	require.Empty(t, released, "the array must survive while a slot is in use")

	refs := p.ReferenceFrames([]uint32{b.Index})
	require.Equal(t, 1, refs.Len())
	require.Equal(t, uint32(1), refs.Subresource(0))

	p.ReleaseSlot(ctx, b.Index)
	require.Len(t, released, 1)
	require.Same(t, a.Texture, released[0])

	c, err := p.AcquireSlot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(0), c.Index)
	require.NotSame(t, a.Texture, c.Texture)
	require.NoError(t, p.Close(ctx))
	require.Len(t, released, 2)
}

func TestIndependentPoolAdoptSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	p, err := NewIndependentPool(testConfig(d, 4))
	require.NoError(t, err)

	owned, err := p.AcquireSlot(ctx)
	require.NoError(t, err)

	target, err := d.CreateTexture(hw.TextureDesc{Format: types.PixelFormatNV12, Width: 64, Height: 32})
	require.NoError(t, err)
	adopted := p.AdoptSlot(ctx, target, 0)
	require.Equal(t, uint32(1), adopted.Index)
	require.Same(t, target, adopted.Texture)

	all := p.AllReferenceFrames()
	require.Equal(t, 4, all.Len())
	require.Same(t, owned.Texture, all.Textures[0])
	require.Same(t, target, all.Textures[1])
	require.Nil(t, all.Textures[2])

	p.ReleaseSlot(ctx, adopted.Index)
	_, ok := p.Slot(adopted.Index)
	require.False(t, ok)

	require.NoError(t, p.Close(ctx))
	require.False(t, target.(*emulated.Texture).IsReleased(), "adopted textures belong to the caller")
	require.True(t, owned.Texture.(*emulated.Texture).IsReleased())
}

func TestIndependentPoolAdoptArraySlice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	p, err := NewIndependentPool(testConfig(d, 4))
	require.NoError(t, err)
	defer p.Close(ctx)

	owned, err := p.AcquireSlot(ctx)
	require.NoError(t, err)
	require.Nil(t, p.ReferenceFrames([]uint32{owned.Index}).Subresources)

	array, err := d.CreateTexture(hw.TextureDesc{Format: types.PixelFormatNV12, Width: 64, Height: 32, ArraySize: 3})
	require.NoError(t, err)
	defer array.Release()
	adopted := p.AdoptSlot(ctx, array, 2)
	require.Equal(t, uint32(2), adopted.Subresource)

	slot, ok := p.Slot(adopted.Index)
	require.True(t, ok)
	require.Equal(t, uint32(2), slot.Subresource)
	require.Equal(t, uint32(2), slot.Location().Subresource)

	refs := p.ReferenceFrames([]uint32{owned.Index, adopted.Index})
	require.Equal(t, []uint32{0, 2}, refs.Subresources)
	require.Equal(t, uint32(2), p.AllReferenceFrames().Subresource(int(adopted.Index)))

	p.ReleaseSlot(ctx, adopted.Index)
	again, err := p.AcquireSlot(ctx)
	require.NoError(t, err)
	require.Equal(t, adopted.Index, again.Index)
	require.Zero(t, again.Subresource)
	require.Nil(t, p.AllReferenceFrames().Subresources)
}

func TestCopyPlanes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	p, err := NewTextureArrayPool(testConfig(d, 2))
	require.NoError(t, err)
	defer p.Close(ctx)

	_, err = p.AcquireSlot(ctx)
	require.NoError(t, err)
	src, err := p.AcquireSlot(ctx)
	require.NoError(t, err)
	array := src.Texture.(*emulated.Texture)
	array.FillPlane(1, 0, 0x11)
	array.FillPlane(1, 1, 0x22)

	dst, err := d.CreateTexture(hw.TextureDesc{Format: types.PixelFormatNV12, Width: 64, Height: 32})
	require.NoError(t, err)

	l, err := d.CreateCommandList(hw.QueueKindDirect)
	require.NoError(t, err)
	CopyPlanes(l, dst, 0, src)
	require.NoError(t, l.Close())
	q, err := d.Queue(hw.QueueKindDirect)
	require.NoError(t, err)
	require.NoError(t, q.Submit(ctx, l))

	require.Len(t, emulated.Commands[emulated.CommandCopyTexture](d), 2)
	out := dst.(*emulated.Texture)
	for _, b := range out.Plane(0, 0) {
		require.Equal(t, byte(0x11), b)
	}
	for _, b := range out.Plane(0, 1) {
		require.Equal(t, byte(0x22), b)
	}
}
