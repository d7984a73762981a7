package codec

import (
	"github.com/xaionaro-go/gpuvideo/batch"
	"github.com/xaionaro-go/gpuvideo/metrics"
)

type OptionCommons struct{}

func (OptionCommons) codecOption() {}

type Option interface {
	codecOption()
}

type Options []Option

func OptionLatest[T Option](s Options) (ret T, ok bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if v, ok := s[i].(T); ok {
			return v, true
		}
	}
	return
}

// OptionMetrics sets where the session exports its counters;
// metrics.Discard is used by default.
type OptionMetrics struct {
	OptionCommons
	Metrics *metrics.Metrics
}

// OptionShared sets the executor of the context queue used for uploads
// and copies; without it the session creates a private one.
type OptionShared struct {
	OptionCommons
	Shared *batch.Shared
}

// OptionStatsWindow sets the amount of frames the frame size moving
// average is computed over.
type OptionStatsWindow struct {
	OptionCommons
	Frames int
}

// OptionMetadataRingSize sets how many frames may await GetFeedback
// before their metadata is overwritten.
type OptionMetadataRingSize struct {
	OptionCommons
	Size uint32
}

const (
	defaultStatsWindow      = 30
	defaultMetadataRingSize = 4
)

func (s Options) metrics() *metrics.Metrics {
	if v, ok := OptionLatest[OptionMetrics](s); ok && v.Metrics != nil {
		return v.Metrics
	}
	return metrics.Discard
}

func (s Options) statsWindow() int {
	if v, ok := OptionLatest[OptionStatsWindow](s); ok && v.Frames > 0 {
		return v.Frames
	}
	return defaultStatsWindow
}

func (s Options) metadataRingSize() uint32 {
	if v, ok := OptionLatest[OptionMetadataRingSize](s); ok && v.Size > 0 {
		return v.Size
	}
	return defaultMetadataRingSize
}

func (s Options) shared() *batch.Shared {
	if v, ok := OptionLatest[OptionShared](s); ok {
		return v.Shared
	}
	return nil
}
