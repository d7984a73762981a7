package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesPoolReset(t *testing.T) {
	p := NewBytesPool(16, 1024)
	b := p.Get()
	require.Zero(t, len(b.B))
	require.GreaterOrEqual(t, cap(b.B), 16)
	require.Equal(t, uint64(1), p.Allocated())
	b.B = append(b.B, 1, 2, 3)
	p.Put(b)

	// sync.Pool may drop items, so only the invariant is checked
	again := p.Get()
	require.Zero(t, len(again.B))
}

func TestPoolRetain(t *testing.T) {
	var resets int
	p := NewPool(
		func() *Bytes { return &Bytes{} },
		func(*Bytes) { resets++ },
		func(b *Bytes) bool { return cap(b.B) <= 8 },
	)
	p.Put(&Bytes{B: make([]byte, 0, 64)})
	require.Zero(t, resets)
	p.Put(&Bytes{B: make([]byte, 0, 4)}, nil)
	require.Equal(t, 1, resets)
	require.Zero(t, p.Allocated())
}
