// Package emulated implements hw.Device in process memory.
//
// Commands execute synchronously on Submit, so every signaled fence value
// is complete by the time Signal returns. Every submission, wait and
// signal is recorded in the event log for inspection.
package emulated

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

type ObjectKind int

const (
	ObjectKindBuffer = ObjectKind(iota)
	ObjectKindTexture
	ObjectKindCommandList
	ObjectKindFence
	ObjectKindVideoEncoder
	ObjectKindVideoEncoderHeap
	ObjectKindVideoDecoder
	ObjectKindVideoDecoderHeap
)

type removal struct {
	Reason error
}

type Device struct {
	Capabilities Capabilities

	nextID  atomic.Uint64
	removed *removal

	locker     xsync.Mutex
	queues     map[hw.QueueKind]*Queue
	fences     []*Fence
	events     []Event
	failNext   map[ObjectKind]error
	liveBuffer map[uint64]*Buffer
}

var _ hw.Device = (*Device)(nil)

func NewDevice(caps Capabilities) *Device {
	return &Device{
		Capabilities: caps,
		queues:       map[hw.QueueKind]*Queue{},
		failNext:     map[ObjectKind]error{},
		liveBuffer:   map[uint64]*Buffer{},
	}
}

func (d *Device) newID() uint64 {
	return d.nextID.Inc()
}

// Remove simulates a device loss: pending and future waits fail, fences
// jump to their maximum value.
func (d *Device) Remove(reason error) {
	if reason == nil {
		reason = errors.New("removed")
	}
	xatomic.StorePointer(&d.removed, &removal{Reason: reason})
	var fences []*Fence
	d.locker.Do(context.TODO(), func() {
		fences = append(fences, d.fences...)
	})
	for _, f := range fences {
		f.signal(^uint64(0))
	}
}

func (d *Device) RemovedReason() error {
	r := xatomic.LoadPointer(&d.removed)
	if r == nil {
		return nil
	}
	return hw.ErrDeviceLost{Reason: r.Reason}
}

// FailNextCreation makes the next creation of the given object kind fail with err.
func (d *Device) FailNextCreation(kind ObjectKind, err error) {
	d.locker.Do(context.TODO(), func() {
		d.failNext[kind] = err
	})
}

func (d *Device) checkCreation(kind ObjectKind) error {
	if err := d.RemovedReason(); err != nil {
		return err
	}
	var err error
	d.locker.Do(context.TODO(), func() {
		err = d.failNext[kind]
		delete(d.failNext, kind)
	})
	return err
}

func (d *Device) Queue(kind hw.QueueKind) (hw.Queue, error) {
	if kind <= hw.UndefinedQueueKind || kind >= hw.EndOfQueueKind {
		return nil, fmt.Errorf("invalid queue kind %d", kind)
	}
	var q *Queue
	d.locker.Do(context.TODO(), func() {
		q = d.queues[kind]
		if q == nil {
			q = &Queue{device: d, kind: kind}
			d.queues[kind] = q
		}
	})
	return q, nil
}

func (d *Device) CreateFence(initialValue uint64) (hw.Fence, error) {
	if err := d.checkCreation(ObjectKindFence); err != nil {
		return nil, err
	}
	f := &Fence{
		id:      d.newID(),
		device:  d,
		changed: make(chan struct{}),
	}
	f.completed.Store(initialValue)
	d.locker.Do(context.TODO(), func() {
		d.fences = append(d.fences, f)
	})
	return f, nil
}

func (d *Device) CreateCommandList(kind hw.QueueKind) (hw.CommandList, error) {
	if err := d.checkCreation(ObjectKindCommandList); err != nil {
		return nil, err
	}
	return &CommandList{
		resource: newResource(d, fmt.Sprintf("cmdlist-%s", kind)),
		kind:     kind,
	}, nil
}

func (d *Device) CreateBuffer(desc hw.BufferDesc) (hw.Buffer, error) {
	if err := d.checkCreation(ObjectKindBuffer); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("zero-sized buffer")
	}
	b := &Buffer{
		resource: newResource(d, desc.Name),
		desc:     desc,
		data:     make([]byte, desc.Size),
	}
	d.locker.Do(context.TODO(), func() {
		d.liveBuffer[b.id] = b
	})
	return b, nil
}

func (d *Device) CreateTexture(desc hw.TextureDesc) (hw.Texture, error) {
	if err := d.checkCreation(ObjectKindTexture); err != nil {
		return nil, err
	}
	if desc.Width == 0 || desc.Height == 0 || len(desc.Format.Planes()) == 0 {
		return nil, fmt.Errorf("invalid texture description %#+v", desc)
	}
	if desc.ArraySize == 0 {
		desc.ArraySize = 1
	}
	return &Texture{
		resource: newResource(d, desc.Name),
		desc:     desc,
		planes:   map[uint32][]byte{},
	}, nil
}

// LiveBuffers returns the amount of buffers which were not released yet.
func (d *Device) LiveBuffers() int {
	var n int
	d.locker.Do(context.TODO(), func() {
		n = len(d.liveBuffer)
	})
	return n
}

func (d *Device) forgetBuffer(id uint64) {
	d.locker.Do(context.TODO(), func() {
		delete(d.liveBuffer, id)
	})
}

func (d *Device) addEvent(ev Event) {
	d.locker.Do(context.TODO(), func() {
		d.events = append(d.events, ev)
	})
}

// Events returns a copy of the event log.
func (d *Device) Events() []Event {
	var result []Event
	d.locker.Do(context.TODO(), func() {
		result = append(result, d.events...)
	})
	return result
}

// ResetEvents drops the event log.
func (d *Device) ResetEvents() {
	d.locker.Do(context.TODO(), func() {
		d.events = nil
	})
}
