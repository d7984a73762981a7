package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/hw/emulated"
)

func recordSomething(t *testing.T, d *emulated.Device, e *Executor) hw.Buffer {
	buf, err := d.CreateBuffer(hw.BufferDesc{Size: 8})
	require.NoError(t, err)
	e.CommandList().ResourceBarrier(hw.Transition(buf, hw.AllSubresources, hw.ResourceStateCommon, hw.ResourceStateCopyDest))
	return buf
}

func TestExecutorFlushMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	e, err := NewExecutor(ctx, d, hw.QueueKindDirect, 2)
	require.NoError(t, err)
	defer e.Close(ctx)

	var prev uint64
	for i := 0; i < 5; i++ {
		recordSomething(t, d, e)
		v, err := e.Flush(ctx)
		require.NoError(t, err)
		require.Greater(t, v, prev)
		prev = v
	}

	v, err := e.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, prev, v, "an empty flush must not signal anything new")

	require.NoError(t, e.FlushAndWait(ctx))
	require.GreaterOrEqual(t, e.Fence().CompletedValue(), prev)
	_, last := e.LastSubmitted()
	require.Equal(t, prev, last)
}

func TestExecutorReleaseAfterCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	e, err := NewExecutor(ctx, d, hw.QueueKindDirect, 1)
	require.NoError(t, err)
	defer e.Close(ctx)

	buf := recordSomething(t, d, e)
	require.Equal(t, 1, d.LiveBuffers())
	e.ReleaseAfterCompletion(buf)
	require.Equal(t, 1, d.LiveBuffers())
	require.NoError(t, e.FlushAndWait(ctx))
	require.Equal(t, 0, d.LiveBuffers())
}

func TestExecutorWaitForExternal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	shared, err := NewExecutor(ctx, d, hw.QueueKindDirect, 2)
	require.NoError(t, err)
	defer shared.Close(ctx)
	private, err := NewExecutor(ctx, d, hw.QueueKindVideoEncode, 1)
	require.NoError(t, err)
	defer private.Close(ctx)

	recordSomething(t, d, shared)
	sharedValue, err := shared.Flush(ctx)
	require.NoError(t, err)

	fence, value := shared.LastSubmitted()
	require.Equal(t, sharedValue, value)
	private.WaitForExternal(fence, value)
	recordSomething(t, d, private)
	_, err = private.Flush(ctx)
	require.NoError(t, err)

	var waitIdx, submitIdx = -1, -1
	for idx, ev := range d.Events() {
		switch ev := ev.(type) {
		case emulated.EventWait:
			if ev.Queue == hw.QueueKindVideoEncode && ev.Value == value {
				waitIdx = idx
			}
		case emulated.EventSubmit:
			if ev.Queue == hw.QueueKindVideoEncode {
				submitIdx = idx
			}
		}
	}
	require.NotEqual(t, -1, waitIdx)
	require.Less(t, waitIdx, submitIdx)
}

func TestExecutorDeviceRemoved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	e, err := NewExecutor(ctx, d, hw.QueueKindVideoDecode, 1)
	require.NoError(t, err)

	recordSomething(t, d, e)
	d.Remove(errors.New("hung"))
	_, err = e.Flush(ctx)
	require.ErrorIs(t, err, hw.ErrDeviceRemoved)
	require.Error(t, e.Close(ctx))
}

func TestExecutorCreationFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	d.FailNextCreation(emulated.ObjectKindCommandList, errors.New("nope"))
	_, err := NewExecutor(ctx, d, hw.QueueKindVideoDecode, 2)
	require.Error(t, err)
}

type foreignFence struct {
	hw.Fence
}

func TestExecutorExternalWaitFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := emulated.NewDevice(emulated.DefaultCapabilities())
	e, err := NewExecutor(ctx, d, hw.QueueKindDirect, 1)
	require.NoError(t, err)
	defer e.Close(ctx)

	recordSomething(t, d, e)
	e.WaitForExternal(foreignFence{}, 1)
	_, err = e.Flush(ctx)
	require.Error(t, err)
	require.False(t, e.HasPendingWork())

	recordSomething(t, d, e)
	v, err := e.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
	require.NoError(t, e.FlushAndWait(ctx))
}
