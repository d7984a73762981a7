package pool

// Bytes is a growable byte buffer handed out by a BytesPool.
type Bytes struct {
	B []byte
}

// BytesPool keeps buffers up to maxRetainedCap bytes of capacity.
type BytesPool struct {
	*Pool[Bytes]
}

func NewBytesPool(initialCap, maxRetainedCap int) *BytesPool {
	return &BytesPool{
		Pool: NewPool(
			func() *Bytes {
				return &Bytes{B: make([]byte, 0, initialCap)}
			},
			func(b *Bytes) {
				b.B = b.B[:0]
			},
			func(b *Bytes) bool {
				return maxRetainedCap <= 0 || cap(b.B) <= maxRetainedCap
			},
		),
	}
}
