package emulated

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/xsync"
)

type Queue struct {
	device *Device
	kind   hw.QueueKind
	locker xsync.Mutex

	// pendingWaits are GPU-side waits to be satisfied before the next submission.
	pendingWaits []EventWait
}

var _ hw.Queue = (*Queue)(nil)

func (q *Queue) Kind() hw.QueueKind {
	return q.kind
}

func (q *Queue) Submit(ctx context.Context, lists ...hw.CommandList) (_err error) {
	q.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		_err = q.submit(lists...)
	})
	return
}

func (q *Queue) submit(lists ...hw.CommandList) error {
	if err := q.device.RemovedReason(); err != nil {
		return err
	}
	for _, w := range q.pendingWaits {
		f := q.device.fenceByID(w.FenceID)
		if f == nil || f.CompletedValue() < w.Value {
			return fmt.Errorf("the %s queue waits for fence %d to reach %d, which is never signaled", q.kind, w.FenceID, w.Value)
		}
	}
	q.pendingWaits = q.pendingWaits[:0]
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok {
			return fmt.Errorf("foreign command list %T", l)
		}
		if cl.kind != q.kind {
			return fmt.Errorf("a %s command list submitted to a %s queue", cl.kind, q.kind)
		}
		if !cl.closed {
			return fmt.Errorf("the command list %d is not closed", cl.id)
		}
		if cl.err != nil {
			return fmt.Errorf("the command list %d is invalid: %w", cl.id, cl.err)
		}
		commands := append([]Command(nil), cl.commands...)
		q.device.addEvent(EventSubmit{Queue: q.kind, Commands: commands})
		for _, cmd := range commands {
			if err := q.device.execute(cmd); err != nil {
				return fmt.Errorf("unable to execute %T: %w", cmd, err)
			}
		}
	}
	return nil
}

func (q *Queue) Signal(fence hw.Fence, value uint64) error {
	if err := q.device.RemovedReason(); err != nil {
		return err
	}
	f, ok := fence.(*Fence)
	if !ok {
		return fmt.Errorf("foreign fence %T", fence)
	}
	q.locker.Do(context.TODO(), func() {
		q.device.addEvent(EventSignal{Queue: q.kind, FenceID: f.id, Value: value})
		f.signal(value)
	})
	return nil
}

func (q *Queue) Wait(fence hw.Fence, value uint64) error {
	if err := q.device.RemovedReason(); err != nil {
		return err
	}
	f, ok := fence.(*Fence)
	if !ok {
		return fmt.Errorf("foreign fence %T", fence)
	}
	ev := EventWait{Queue: q.kind, FenceID: f.id, Value: value}
	q.device.addEvent(ev)
	q.locker.Do(context.TODO(), func() {
		q.pendingWaits = append(q.pendingWaits, ev)
	})
	return nil
}

func (d *Device) fenceByID(id uint64) *Fence {
	var result *Fence
	d.locker.Do(context.TODO(), func() {
		for _, f := range d.fences {
			if f.id == id {
				result = f
				return
			}
		}
	})
	return result
}
