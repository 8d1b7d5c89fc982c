package stream

import (
	"sync"
	"time"
)

// ProducerMetrics tracks real-time pipeline performance for one viewer.
type ProducerMetrics struct {
	mu sync.RWMutex

	FramesFresh   uint64
	FramesStale   uint64
	FramesBlank   uint64
	FramesSent    uint64
	FramesDropped uint64
	DecodeErrors  uint64

	LastDecodeTime time.Duration
	LastScaleTime  time.Duration
	LastEncodeTime time.Duration
	LastFrameSize  int

	TotalBytesSent uint64
	CurrentWidth   int
	startTime      time.Time
}

func newProducerMetrics() *ProducerMetrics {
	return &ProducerMetrics{startTime: time.Now()}
}

func (m *ProducerMetrics) RecordFresh() {
	m.mu.Lock()
	m.FramesFresh++
	m.mu.Unlock()
}

func (m *ProducerMetrics) RecordStale() {
	m.mu.Lock()
	m.FramesStale++
	m.mu.Unlock()
}

func (m *ProducerMetrics) RecordBlank() {
	m.mu.Lock()
	m.FramesBlank++
	m.mu.Unlock()
}

func (m *ProducerMetrics) RecordDecodeError() {
	m.mu.Lock()
	m.DecodeErrors++
	m.mu.Unlock()
}

func (m *ProducerMetrics) RecordDecode(d time.Duration) {
	m.mu.Lock()
	m.LastDecodeTime = d
	m.mu.Unlock()
}

func (m *ProducerMetrics) RecordScale(d time.Duration) {
	m.mu.Lock()
	m.LastScaleTime = d
	m.mu.Unlock()
}

func (m *ProducerMetrics) RecordEncode(d time.Duration, size int) {
	m.mu.Lock()
	m.LastEncodeTime = d
	m.LastFrameSize = size
	m.mu.Unlock()
}

func (m *ProducerMetrics) RecordSend(size int) {
	m.mu.Lock()
	m.FramesSent++
	m.TotalBytesSent += uint64(size)
	m.mu.Unlock()
}

func (m *ProducerMetrics) RecordDrop() {
	m.mu.Lock()
	m.FramesDropped++
	m.mu.Unlock()
}

func (m *ProducerMetrics) SetWidth(w int) {
	m.mu.Lock()
	m.CurrentWidth = w
	m.mu.Unlock()
}

// ProducerSnapshot is a point-in-time copy of metrics for logging and the
// stream-stats endpoint.
type ProducerSnapshot struct {
	FramesFresh   uint64  `json:"frames_fresh"`
	FramesStale   uint64  `json:"frames_stale"`
	FramesBlank   uint64  `json:"frames_blank"`
	FramesSent    uint64  `json:"frames_sent"`
	FramesDropped uint64  `json:"frames_dropped"`
	DecodeErrors  uint64  `json:"decode_errors"`
	DecodeMs      float64 `json:"decode_ms"`
	ScaleMs       float64 `json:"scale_ms"`
	EncodeMs      float64 `json:"encode_ms"`
	LastFrameSize int     `json:"last_frame_bytes"`
	BandwidthKBps float64 `json:"bandwidth_kbps"`
	CurrentWidth  int     `json:"current_width"`
	UptimeSeconds float64 `json:"uptime_s"`
}

func (m *ProducerMetrics) Snapshot() ProducerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	bw := float64(0)
	if uptime.Seconds() > 0 {
		bw = float64(m.TotalBytesSent) / uptime.Seconds() / 1024.0
	}

	return ProducerSnapshot{
		FramesFresh:   m.FramesFresh,
		FramesStale:   m.FramesStale,
		FramesBlank:   m.FramesBlank,
		FramesSent:    m.FramesSent,
		FramesDropped: m.FramesDropped,
		DecodeErrors:  m.DecodeErrors,
		DecodeMs:      float64(m.LastDecodeTime.Microseconds()) / 1000.0,
		ScaleMs:       float64(m.LastScaleTime.Microseconds()) / 1000.0,
		EncodeMs:      float64(m.LastEncodeTime.Microseconds()) / 1000.0,
		LastFrameSize: m.LastFrameSize,
		BandwidthKBps: bw,
		CurrentWidth:  m.CurrentWidth,
		UptimeSeconds: uptime.Seconds(),
	}
}
