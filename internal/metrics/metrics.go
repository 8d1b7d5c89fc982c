// Package metrics registers the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesUploaded counts accepted frame uploads by session code.
	FramesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_uploaded_total",
			Help: "Accepted JPEG frame uploads",
		},
		[]string{"code"},
	)

	// UploadRejected counts rejected uploads by reason.
	UploadRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_uploads_rejected_total",
			Help: "Rejected frame uploads by reason",
		},
		[]string{"reason"},
	)

	// UploadLatency observes time spent handling an upload request.
	UploadLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_upload_latency_ms",
			Help:    "Upload handling latency (milliseconds)",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// InferenceRuns counts completed detector passes by outcome.
	InferenceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_inference_runs_total",
			Help: "Detector passes by outcome (ok, error)",
		},
		[]string{"outcome"},
	)

	// InferenceSkipped counts detection skips by reason.
	InferenceSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_inference_skipped_total",
			Help: "Frames not analyzed by reason (locked, throttled)",
		},
		[]string{"reason"},
	)

	// InferenceLatency observes detector pass duration.
	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_inference_latency_ms",
			Help:    "Detector pass duration (milliseconds)",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600},
		},
	)

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Live session count",
		},
	)

	// ActiveViewers tracks connected WebRTC viewers across all sessions.
	ActiveViewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_viewers",
			Help: "Connected WebRTC viewer count",
		},
	)

	// FanoutSubscribers tracks connected inference WebSocket subscribers.
	FanoutSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_fanout_subscribers",
			Help: "Connected inference WebSocket subscribers",
		},
	)

	// FramesProduced counts video frames written to viewer tracks by kind.
	FramesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_produced_total",
			Help: "Video frames emitted to viewer tracks by kind (fresh, stale, blank)",
		},
		[]string{"kind"},
	)

	// WatchdogEvictions counts sessions torn down by the watchdog by cause.
	WatchdogEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_watchdog_evictions_total",
			Help: "Watchdog session evictions by cause (stale, idle, empty)",
		},
		[]string{"cause"},
	)
)
