package indicator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMAMA(t *testing.T) {
	t.Parallel()

	t.Run("flat", func(t *testing.T) {
		m := NewMAMA[int64](50, 0.5, 0.05)
		for range 100 {
			require.Equal(t, int64(100), m.Update(100))
		}
		require.True(t, m.Valid())
	})

	t.Run("warm-up", func(t *testing.T) {
		m := NewMAMA[int64](10, 0.5, 0.05)
		for i := int64(1); i < 10; i++ {
			require.Equal(t, i, m.Update(i))
			require.False(t, m.Valid())
		}
		m.Update(10)
		require.True(t, m.Valid())
	})

	t.Run("ramp", func(t *testing.T) {
		m := NewMAMA[int64](50, 0.3, 0.05)
		for i := int64(0); i <= 100; i++ {
			v := m.Update(i)
			require.True(t, i/2 <= v && v <= i, "%d: %d", i, v)
		}
	})

	t.Run("reset", func(t *testing.T) {
		m := NewMAMA[uint64](4, 0.5, 0.05)
		for range 8 {
			m.Update(7)
		}
		m.Reset()
		require.False(t, m.Valid())
		require.Zero(t, m.Value())
	})
}

func TestFrameStats(t *testing.T) {
	t.Parallel()
	s := NewFrameStats(4)
	s.AddFrame(1000, 30)
	s.AddFrame(200, 0)
	s.AddFrame(400, 0)
	s.AddError()

	snap := s.Snapshot()
	require.Equal(t, uint64(3), snap.Frames)
	require.Equal(t, uint64(1), snap.Errors)
	require.Equal(t, uint64(1600), snap.TotalBytes)
	require.Equal(t, uint64(30), snap.HeaderBytes)
	require.Equal(t, uint64(200), snap.MinBytes)
	require.Equal(t, uint64(1000), snap.MaxBytes)
	require.Equal(t, uint64(400), snap.AverageBytes, "the latest value is reported until the window fills")
	require.Contains(t, snap.String(), "3 frames")
}
