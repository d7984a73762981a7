package batch

import (
	"context"

	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/xsync"
)

// Shared is an Executor used by several sessions, one at a time.
type Shared struct {
	locker   xsync.Mutex
	executor *Executor
}

func NewShared(e *Executor) *Shared {
	return &Shared{executor: e}
}

// Do runs fn with exclusive access to the executor.
func (s *Shared) Do(ctx context.Context, fn func(*Executor) error) error {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() error {
		return fn(s.executor)
	})
}

// LastSubmitted does not need the lock.
func (s *Shared) LastSubmitted() (hw.Fence, uint64) {
	return s.executor.LastSubmitted()
}

// SubmitAndWait records with fn, flushes and waits for the completion.
func (s *Shared) SubmitAndWait(ctx context.Context, fn func(l hw.CommandList) error) error {
	return s.Do(ctx, func(e *Executor) error {
		if err := fn(e.CommandList()); err != nil {
			return err
		}
		return e.FlushAndWait(ctx)
	})
}

func (s *Shared) Close(ctx context.Context) error {
	return s.Do(ctx, func(e *Executor) error {
		return e.Close(ctx)
	})
}
