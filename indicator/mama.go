package indicator

import (
	"sync"

	indicators "github.com/lmpizarro/go_ehlers_indicators"
)

// MAMA is the MESA adaptive moving average over a sliding window of the
// latest measurements. Until the window is full it reports the latest
// measurement as is.
type MAMA[T Number] struct {
	fastLimit float64
	slowLimit float64

	locker  sync.Mutex
	window  []float64
	ordered []float64
	next    int
	filled  int
	value   T
}

var _ MovingAverage[uint64] = (*MAMA[uint64])(nil)

func NewMAMA[T Number](windowSize int, fastLimit, slowLimit float64) *MAMA[T] {
	if windowSize < 1 {
		windowSize = 1
	}
	return &MAMA[T]{
		fastLimit: fastLimit,
		slowLimit: slowLimit,
		window:    make([]float64, windowSize),
		ordered:   make([]float64, windowSize),
	}
}

// NewFrameSizeMAMA reacts fast enough to follow GOP-level changes of
// the frame size while ignoring single large intra frames.
func NewFrameSizeMAMA[T Number](windowSize int) *MAMA[T] {
	return NewMAMA[T](windowSize, 0.3, 0.05)
}

func (m *MAMA[T]) Update(v T) T {
	m.locker.Lock()
	defer m.locker.Unlock()

	m.window[m.next] = float64(v)
	m.next = (m.next + 1) % len(m.window)
	if m.filled < len(m.window) {
		m.filled++
	}
	if m.filled < len(m.window) {
		m.value = v
		return v
	}

	// oldest first
	n := copy(m.ordered, m.window[m.next:])
	copy(m.ordered[n:], m.window[:m.next])
	series := indicators.MAMA(m.ordered, m.fastLimit, m.slowLimit)
	m.value = T(series[len(series)-1])
	return m.value
}

func (m *MAMA[T]) Value() T {
	m.locker.Lock()
	defer m.locker.Unlock()
	return m.value
}

func (m *MAMA[T]) Valid() bool {
	m.locker.Lock()
	defer m.locker.Unlock()
	return m.filled == len(m.window)
}

func (m *MAMA[T]) Reset() {
	m.locker.Lock()
	defer m.locker.Unlock()
	for idx := range m.window {
		m.window[idx] = 0
	}
	m.next, m.filled = 0, 0
	var zero T
	m.value = zero
}
