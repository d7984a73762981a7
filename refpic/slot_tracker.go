package refpic

import (
	"context"
	"fmt"

	"github.com/go-ng/container/heap"
	"github.com/go-ng/xsort"
	"github.com/xaionaro-go/gpuvideo/dpb"
	"github.com/xaionaro-go/gpuvideo/logger"
)

// slotTracker maps picture IDs to DPB slots.
type slotTracker struct {
	pool  dpb.Pool
	slots map[uint64]uint32
}

func newSlotTracker(pool dpb.Pool) *slotTracker {
	return &slotTracker{
		pool:  pool,
		slots: map[uint64]uint32{},
	}
}

func (t *slotTracker) lookup(pictureID uint64) (uint32, bool) {
	slot, ok := t.slots[pictureID]
	return slot, ok
}

// eviction is a tracked picture the current picture no longer keeps.
type eviction struct {
	pictureID uint64
	slot      uint32
}

// evictions lists the pictures not listed in keep, oldest picture
// first, without releasing anything.
func (t *slotTracker) evictions(keep map[uint64]struct{}) []eviction {
	ids := &xsort.OrderedAsc[uint64]{}
	for id := range t.slots {
		if _, ok := keep[id]; !ok {
			heap.Push(ids, id)
		}
	}
	result := make([]eviction, 0, len(*ids))
	for len(*ids) > 0 {
		id := heap.Pop(ids)
		result = append(result, eviction{pictureID: id, slot: t.slots[id]})
	}
	return result
}

// retain releases the slots of all pictures not listed in keep, oldest
// picture first.
func (t *slotTracker) retain(ctx context.Context, keep map[uint64]struct{}) {
	for _, e := range t.evictions(keep) {
		t.release(ctx, e.pictureID)
	}
}

// forget drops the picture without releasing its slot.
func (t *slotTracker) forget(pictureID uint64) {
	delete(t.slots, pictureID)
}

func (t *slotTracker) release(ctx context.Context, pictureID uint64) {
	slot, ok := t.slots[pictureID]
	if !ok {
		return
	}
	logger.Tracef(ctx, "evicting picture %d from slot %d", pictureID, slot)
	delete(t.slots, pictureID)
	t.pool.ReleaseSlot(ctx, slot)
}

func (t *slotTracker) acquire(ctx context.Context, pictureID uint64) (dpb.Slot, error) {
	if slot, ok := t.slots[pictureID]; ok {
		return dpb.Slot{}, fmt.Errorf("picture %d already occupies slot %d", pictureID, slot)
	}
	slot, err := t.pool.AcquireSlot(ctx)
	if err != nil {
		return dpb.Slot{}, fmt.Errorf("unable to acquire a slot for picture %d: %w", pictureID, err)
	}
	t.slots[pictureID] = slot.Index
	return slot, nil
}

// acquireReusing gives the picture the lowest slot which is either free
// or held by one of the evicted pictures. A reused slot stays mapped to
// its evicted picture too, until that one is forgotten.
func (t *slotTracker) acquireReusing(
	ctx context.Context,
	pictureID uint64,
	evicted []eviction,
) (_ dpb.Slot, reused bool, _ error) {
	if slot, ok := t.slots[pictureID]; ok {
		return dpb.Slot{}, false, fmt.Errorf("picture %d already occupies slot %d", pictureID, slot)
	}
	reusable := make(map[uint32]struct{}, len(evicted))
	for _, e := range evicted {
		reusable[e.slot] = struct{}{}
	}
	for idx := uint32(0); idx < t.pool.Config().Capacity; idx++ {
		slot, inUse := t.pool.Slot(idx)
		if !inUse {
			slot, err := t.acquire(ctx, pictureID)
			return slot, false, err
		}
		if _, ok := reusable[idx]; ok {
			logger.Tracef(ctx, "picture %d takes over slot %d", pictureID, idx)
			t.slots[pictureID] = idx
			return slot, true, nil
		}
	}
	return dpb.Slot{}, false, fmt.Errorf("no DPB slot is available for picture %d", pictureID)
}

func (t *slotTracker) adopt(ctx context.Context, pictureID uint64, slot dpb.Slot) {
	t.slots[pictureID] = slot.Index
}

func (t *slotTracker) releaseAll(ctx context.Context) {
	t.retain(ctx, nil)
}

func (t *slotTracker) len() int {
	return len(t.slots)
}
