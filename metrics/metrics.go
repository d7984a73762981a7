// Package metrics exports the counters of encode and decode sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gpuvideo"

type Metrics struct {
	FramesTotal         *prometheus.CounterVec
	FrameErrorsTotal    *prometheus.CounterVec
	BytesTotal          *prometheus.CounterVec
	HeaderUnitsTotal    *prometheus.CounterVec
	FallbacksTotal      *prometheus.CounterVec
	RecreationsTotal    *prometheus.CounterVec
	ActiveSessions      *prometheus.GaugeVec
	DPBSlotsInUse       *prometheus.GaugeVec
	AverageFrameBytes   *prometheus.GaugeVec
	StagingBufferGrowth *prometheus.CounterVec
}

// New registers the collectors on reg; a nil reg gives unregistered
// collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames recorded by sessions",
		}, []string{"direction", "codec", "frame_type"}),
		FrameErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Frames that failed, by the step that failed",
		}, []string{"direction", "codec", "step"}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bitstream_bytes_total",
			Help:      "Elementary stream bytes produced or consumed",
		}, []string{"direction", "codec"}),
		HeaderUnitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_units_total",
			Help:      "Parameter set units written into the bitstream",
		}, []string{"codec", "unit"}),
		FallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_control_fallbacks_total",
			Help:      "Optional rate control features dropped during negotiation",
		}, []string{"codec", "feature"}),
		RecreationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recreations_total",
			Help:      "Hardware objects re-created because of configuration changes",
		}, []string{"codec", "object"}),
		ActiveSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions which are not closed yet",
		}, []string{"direction", "codec"}),
		DPBSlotsInUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dpb_slots_in_use",
			Help:      "DPB slots held by reference pictures",
		}, []string{"direction", "codec"}),
		AverageFrameBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "average_frame_bytes",
			Help:      "Adaptive moving average of the encoded frame size",
		}, []string{"codec"}),
		StagingBufferGrowth: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_buffer_reallocations_total",
			Help:      "GPU staging buffer reallocations caused by larger bitstreams",
		}, []string{"codec"}),
	}
}

const (
	DirectionEncode = "encode"
	DirectionDecode = "decode"
)

// Discard is used by sessions created without metrics.
var Discard = New(nil)
