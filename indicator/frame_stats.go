package indicator

import (
	"sync"

	"github.com/dustin/go-humanize"
)

// FrameStats accumulates the sizes of the frames of one session.
type FrameStats struct {
	locker  sync.Mutex
	average *MAMA[uint64]

	Frames      uint64
	Errors      uint64
	TotalBytes  uint64
	HeaderBytes uint64
	MinBytes    uint64
	MaxBytes    uint64
}

func NewFrameStats(windowSize int) *FrameStats {
	return &FrameStats{
		average: NewFrameSizeMAMA[uint64](windowSize),
	}
}

// AddFrame accounts a frame of size bytes, headerBytes of which are
// parameter set units.
func (s *FrameStats) AddFrame(size, headerBytes uint64) {
	s.locker.Lock()
	defer s.locker.Unlock()
	s.Frames++
	s.TotalBytes += size
	s.HeaderBytes += headerBytes
	if s.MinBytes == 0 || size < s.MinBytes {
		s.MinBytes = size
	}
	if size > s.MaxBytes {
		s.MaxBytes = size
	}
	s.average.Update(size)
}

func (s *FrameStats) AddError() {
	s.locker.Lock()
	defer s.locker.Unlock()
	s.Errors++
}

// Snapshot returns a copy safe to read without locking.
func (s *FrameStats) Snapshot() FrameStatsSnapshot {
	s.locker.Lock()
	defer s.locker.Unlock()
	return FrameStatsSnapshot{
		Frames:       s.Frames,
		Errors:       s.Errors,
		TotalBytes:   s.TotalBytes,
		HeaderBytes:  s.HeaderBytes,
		MinBytes:     s.MinBytes,
		MaxBytes:     s.MaxBytes,
		AverageBytes: s.average.Value(),
	}
}

type FrameStatsSnapshot struct {
	Frames       uint64
	Errors       uint64
	TotalBytes   uint64
	HeaderBytes  uint64
	MinBytes     uint64
	MaxBytes     uint64
	AverageBytes uint64
}

func (s FrameStatsSnapshot) String() string {
	return humanize.Comma(int64(s.Frames)) + " frames, " +
		humanize.IBytes(s.TotalBytes) + " total (" +
		humanize.IBytes(s.HeaderBytes) + " headers), " +
		humanize.IBytes(s.AverageBytes) + " per frame on average"
}
