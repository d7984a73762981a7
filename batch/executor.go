// Package batch implements a ring of command batches submitted to one
// hardware queue and tracked by one monotonic fence.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astikit"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
	"go.uber.org/atomic"
)

type Batch struct {
	CommandList hw.CommandList

	// FenceValue is the value signaled after the last submission of this batch.
	FenceValue uint64

	hasWork   bool
	onRetire  []func()
	isResetOK bool
}

type externalWait struct {
	fence hw.Fence
	value uint64
}

// Executor is not safe for concurrent use, except for LastSubmitted.
type Executor struct {
	device  hw.Device
	queue   hw.Queue
	fence   hw.Fence
	batches []*Batch
	current int

	nextFenceValue uint64
	lastSubmitted  atomic.Uint64
	externalWaits  []externalWait
	closer         *astikit.Closer
}

func NewExecutor(
	ctx context.Context,
	device hw.Device,
	kind hw.QueueKind,
	ringSize int,
) (_ret *Executor, _err error) {
	logger.Tracef(ctx, "NewExecutor(ctx, %s, %d)", kind, ringSize)
	defer func() { logger.Tracef(ctx, "/NewExecutor(ctx, %s, %d): %v", kind, ringSize, _err) }()
	if ringSize < 1 {
		return nil, fmt.Errorf("the ring size must be positive, but is %d", ringSize)
	}
	e := &Executor{
		device: device,
		closer: astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			_ = e.closer.Close()
		}
	}()

	var err error
	e.queue, err = device.Queue(kind)
	if err != nil {
		return nil, fmt.Errorf("unable to get the %s queue: %w", kind, err)
	}
	e.fence, err = device.CreateFence(0)
	if err != nil {
		return nil, fmt.Errorf("unable to create a fence: %w", err)
	}
	e.closer.Add(e.fence.Release)
	for idx := 0; idx < ringSize; idx++ {
		l, err := device.CreateCommandList(kind)
		if err != nil {
			return nil, fmt.Errorf("unable to create command list #%d: %w", idx, err)
		}
		e.closer.Add(l.Release)
		e.batches = append(e.batches, &Batch{CommandList: l, isResetOK: true})
	}
	return e, nil
}

func (e *Executor) QueueKind() hw.QueueKind {
	return e.queue.Kind()
}

func (e *Executor) Fence() hw.Fence {
	return e.fence
}

// Current returns the batch being recorded.
func (e *Executor) Current() *Batch {
	b := e.batches[e.current]
	b.hasWork = true
	return b
}

// CommandList is a shorthand for Current().CommandList.
func (e *Executor) CommandList() hw.CommandList {
	return e.Current().CommandList
}

// ReleaseAfterCompletion releases the resource once the current batch is
// known to be complete on the GPU.
func (e *Executor) ReleaseAfterCompletion(r hw.Resource) {
	b := e.Current()
	b.onRetire = append(b.onRetire, r.Release)
}

// WaitForExternal makes the next submission wait (GPU-side) for another
// queue's fence to reach the value.
func (e *Executor) WaitForExternal(fence hw.Fence, value uint64) {
	if fence == nil || value == 0 {
		return
	}
	e.externalWaits = append(e.externalWaits, externalWait{fence: fence, value: value})
}

func (e *Executor) HasPendingWork() bool {
	return e.batches[e.current].hasWork
}

// NextFenceValue is the value the next non-empty Flush will signal.
func (e *Executor) NextFenceValue() uint64 {
	return e.nextFenceValue + 1
}

// LastSubmitted returns the fence and the last value it was asked to signal.
func (e *Executor) LastSubmitted() (hw.Fence, uint64) {
	return e.fence, e.lastSubmitted.Load()
}

func (e *Executor) checkDevice() error {
	if err := e.device.RemovedReason(); err != nil {
		if errors.Is(err, hw.ErrDeviceRemoved) {
			return err
		}
		return hw.ErrDeviceLost{Reason: err}
	}
	return nil
}

// Flush submits the current batch (if it has any work) and returns the
// fence value which will signal its completion. The next batch of the
// ring is retired (waited for and reset) before it is handed out again.
func (e *Executor) Flush(ctx context.Context) (_ret uint64, _err error) {
	logger.Tracef(ctx, "Flush")
	defer func() { logger.Tracef(ctx, "/Flush: %d %v", _ret, _err) }()
	if err := e.checkDevice(); err != nil {
		return 0, err
	}
	b := e.batches[e.current]
	if !b.hasWork {
		return e.lastSubmitted.Load(), nil
	}
	if err := b.CommandList.Close(); err != nil {
		e.discard(ctx, b)
		return 0, fmt.Errorf("unable to close the command list: %w", err)
	}
	b.isResetOK = false
	for _, w := range e.externalWaits {
		if err := e.queue.Wait(w.fence, w.value); err != nil {
			e.externalWaits = e.externalWaits[:0]
			e.discard(ctx, b)
			return 0, fmt.Errorf("unable to wait for fence value %d: %w", w.value, err)
		}
	}
	e.externalWaits = e.externalWaits[:0]
	if err := e.queue.Submit(ctx, b.CommandList); err != nil {
		e.discard(ctx, b)
		if devErr := e.checkDevice(); devErr != nil {
			return 0, devErr
		}
		return 0, fmt.Errorf("unable to submit the command list: %w", err)
	}
	e.nextFenceValue++
	value := e.nextFenceValue
	if err := e.queue.Signal(e.fence, value); err != nil {
		return 0, fmt.Errorf("unable to signal the fence: %w", err)
	}
	b.FenceValue = value
	b.hasWork = false
	e.lastSubmitted.Store(value)

	e.current = (e.current + 1) % len(e.batches)
	if err := e.retire(ctx, e.batches[e.current]); err != nil {
		return value, err
	}
	return value, nil
}

// discard drops whatever was recorded into the batch after a failed submission.
func (e *Executor) discard(ctx context.Context, b *Batch) {
	b.hasWork = false
	if err := b.CommandList.Reset(); err != nil {
		logger.Errorf(ctx, "unable to reset the command list: %v", err)
		return
	}
	b.isResetOK = true
}

func (e *Executor) retire(ctx context.Context, b *Batch) error {
	if b.FenceValue != 0 {
		if err := e.WaitFence(ctx, b.FenceValue); err != nil {
			return err
		}
	}
	for _, fn := range b.onRetire {
		fn()
	}
	b.onRetire = b.onRetire[:0]
	if b.isResetOK {
		return nil
	}
	if err := b.CommandList.Reset(); err != nil {
		return fmt.Errorf("unable to reset the command list: %w", err)
	}
	b.isResetOK = true
	return nil
}

// WaitFence blocks until the fence of this executor reaches the value.
func (e *Executor) WaitFence(ctx context.Context, value uint64) error {
	if e.fence.CompletedValue() >= value {
		return e.checkDevice()
	}
	if err := e.fence.WaitCPU(ctx, value); err != nil {
		if devErr := e.checkDevice(); devErr != nil {
			return devErr
		}
		return fmt.Errorf("unable to wait for fence value %d: %w", value, err)
	}
	return e.checkDevice()
}

// FlushAndWait submits the pending work and waits until everything ever
// submitted through this executor is complete.
func (e *Executor) FlushAndWait(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "FlushAndWait")
	defer func() { logger.Tracef(ctx, "/FlushAndWait: %v", _err) }()
	if _, err := e.Flush(ctx); err != nil {
		return err
	}
	if err := e.WaitFence(ctx, e.lastSubmitted.Load()); err != nil {
		return err
	}
	for idx := range e.batches {
		b := e.batches[(e.current+idx)%len(e.batches)]
		if b.hasWork {
			continue
		}
		if err := e.retire(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()
	if e.closer == nil {
		return nil
	}
	var result []error
	if err := e.FlushAndWait(ctx); err != nil {
		result = append(result, fmt.Errorf("unable to flush: %w", err))
	}
	for _, b := range e.batches {
		for _, fn := range b.onRetire {
			fn()
		}
		b.onRetire = nil
	}
	if err := e.closer.Close(); err != nil {
		result = append(result, err)
	}
	e.closer = nil
	return errors.Join(result...)
}
