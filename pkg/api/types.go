// Package api is the public client for the relay's HTTP and WebSocket
// surface: frame upload, WebRTC offer exchange, inference results, and
// service health.
package api

import "time"

// Quality is the broadcaster-declared capture quality for a frame.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// UploadResponse acknowledges a stored frame.
type UploadResponse struct {
	Status          string  `json:"status"`
	ProcessedTimeMs float64 `json:"processed_time_ms"`
}

// ClientDisconnected reports whether the server observed the upload
// connection drop before the frame was fully received.
func (u *UploadResponse) ClientDisconnected() bool {
	return u.Status == "client_disconnected"
}

// SessionDescription carries SDP across the offer/answer exchange.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// BBox is an axis-aligned bounding box in analyzed-image pixels.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one detected object.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// InferenceResult is the latest analysis outcome for a session.
// AnnotatedFrame is JPEG bytes, base64 on the wire.
type InferenceResult struct {
	Detections      []Detection `json:"detections"`
	InferenceTimeMs float64     `json:"inference_time_ms"`
	ImageWidth      int         `json:"image_width"`
	ImageHeight     int         `json:"image_height"`
	AnnotatedFrame  []byte      `json:"annotated_frame,omitempty"`
	TimerRemaining  *int        `json:"timer_remaining_s,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// ActiveSessionsResponse lists the session codes holding a live result.
type ActiveSessionsResponse struct {
	ActiveSessions []string `json:"active_sessions"`
	Count          int      `json:"count"`
}

// InferenceHealth is the inference block of the health report.
type InferenceHealth struct {
	Runs              int64            `json:"runs"`
	Errors            int64            `json:"errors"`
	Skipped           map[string]int64 `json:"skipped"`
	QueueDepth        int              `json:"queue_depth"`
	ActiveResults     int              `json:"active_results"`
	Subscribers       int              `json:"subscribers"`
	SubscribersByCode map[string]int   `json:"subscribers_by_code"`
	Published         int64            `json:"published"`
	Dropped           int64            `json:"dropped"`
}

// ProcessHealth is the process block of the health report.
type ProcessHealth struct {
	PID            int32   `json:"pid"`
	CPUPercent     float64 `json:"cpuPercent"`
	RSSMB          uint64  `json:"rssMb"`
	Goroutines     int     `json:"goroutines"`
	HostCPUPercent float64 `json:"hostCpuPercent"`
	HostRAMPercent float64 `json:"hostRamPercent"`
	UptimeSeconds  int64   `json:"uptimeSeconds"`
}

// HealthResponse is the full health report.
type HealthResponse struct {
	Status         string            `json:"status"`
	Components     map[string]string `json:"components"`
	ActiveSessions int               `json:"active_sessions"`
	Inference      InferenceHealth   `json:"inference"`
	Process        ProcessHealth     `json:"process"`
}

// FrameStats describes the freshest stored frame for a session.
type FrameStats struct {
	AgeMs     float64 `json:"age_ms"`
	Quality   string  `json:"quality"`
	SizeBytes int     `json:"size_bytes"`
}

// InferenceStats summarizes the current result for a session.
type InferenceStats struct {
	Detections      int     `json:"detections"`
	InferenceTimeMs float64 `json:"inference_time_ms"`
	AgeMs           float64 `json:"age_ms"`
	Subscribers     int     `json:"subscribers"`
}

// StreamStats is the per-session diagnostic report.
type StreamStats struct {
	Code      string          `json:"code"`
	Session   map[string]any  `json:"session"`
	Viewers   []any           `json:"viewers"`
	Frame     *FrameStats     `json:"frame"`
	Inference *InferenceStats `json:"inference"`
}

// Update is the envelope pushed to inference WebSocket subscribers.
// Type is "inference_update" for results; "ping" and "no_data" are
// heartbeats with no payload.
type Update struct {
	Type string           `json:"type"`
	Data *InferenceResult `json:"data,omitempty"`
}
