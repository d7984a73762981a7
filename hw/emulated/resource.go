package emulated

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type resource struct {
	device   *Device
	id       uint64
	name     string
	released atomic.Bool
}

func newResource(d *Device, name string) resource {
	return resource{
		device: d,
		id:     d.newID(),
		name:   name,
	}
}

func (r *resource) ID() uint64 {
	return r.id
}

func (r *resource) Name() string {
	return r.name
}

func (r *resource) Release() {
	r.released.Store(true)
}

func (r *resource) IsReleased() bool {
	return r.released.Load()
}

type Buffer struct {
	resource
	desc   hw.BufferDesc
	data   []byte
	mapped atomic.Bool

	holdsEncoderMetadata bool
}

var _ hw.Buffer = (*Buffer)(nil)

func (b *Buffer) BufferDesc() hw.BufferDesc {
	return b.desc
}

func (b *Buffer) Map() ([]byte, error) {
	if b.IsReleased() {
		return nil, fmt.Errorf("buffer %d is released", b.id)
	}
	if b.desc.Heap == hw.HeapTypeDefault {
		return nil, hw.ErrNotMappable
	}
	b.mapped.Store(true)
	return b.data, nil
}

func (b *Buffer) Unmap() {
	b.mapped.Store(false)
}

func (b *Buffer) Release() {
	b.resource.Release()
	b.device.forgetBuffer(b.id)
}

// Bytes gives tests access to the content regardless of the heap type.
func (b *Buffer) Bytes() []byte {
	return b.data
}

type Texture struct {
	resource
	desc hw.TextureDesc

	// planes are allocated on first write, keyed by subresource.
	planes map[uint32][]byte
}

var _ hw.Texture = (*Texture)(nil)

func (t *Texture) TextureDesc() hw.TextureDesc {
	return t.desc
}

func (t *Texture) subresourceCount() uint32 {
	return t.desc.ArraySize * uint32(len(t.desc.Format.Planes()))
}

func (t *Texture) planeOf(subresource uint32) (plane int, pitch uint32, rows uint32) {
	plane = int(subresource / t.desc.ArraySize)
	w, h := t.desc.Format.PlaneSize(t.desc.Resolution(), plane)
	return plane, w * t.desc.Format.Planes()[plane].BytesPerTexel, h
}

func (t *Texture) planeData(subresource uint32) []byte {
	var data []byte
	t.device.locker.Do(context.TODO(), func() {
		data = t.planes[subresource]
		if data == nil {
			_, pitch, rows := t.planeOf(subresource)
			data = make([]byte, pitch*rows)
			t.planes[subresource] = data
		}
	})
	return data
}

// Plane returns the content of the given array slice and plane.
func (t *Texture) Plane(slice, plane uint32) []byte {
	return t.planeData(t.desc.Subresource(slice, plane))
}

// FillPlane sets every byte of the given array slice and plane.
func (t *Texture) FillPlane(slice, plane uint32, value byte) {
	data := t.Plane(slice, plane)
	for idx := range data {
		data[idx] = value
	}
}

type Fence struct {
	id        uint64
	device    *Device
	completed atomic.Uint64
	locker    xsync.Mutex
	changed   chan struct{}
}

var _ hw.Fence = (*Fence)(nil)

func (f *Fence) ID() uint64 {
	return f.id
}

func (f *Fence) CompletedValue() uint64 {
	return f.completed.Load()
}

func (f *Fence) signal(value uint64) {
	f.locker.Do(context.TODO(), func() {
		if value > f.completed.Load() {
			f.completed.Store(value)
		}
		close(f.changed)
		f.changed = make(chan struct{})
	})
}

func (f *Fence) WaitCPU(ctx context.Context, value uint64) error {
	for {
		var ch chan struct{}
		done := false
		f.locker.Do(ctx, func() {
			if f.completed.Load() >= value {
				done = true
				return
			}
			ch = f.changed
		})
		if err := f.device.RemovedReason(); err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (f *Fence) Release() {}
