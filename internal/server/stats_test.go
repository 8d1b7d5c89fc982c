package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func TestHealthReportsHealthyService(t *testing.T) {
	f := newServerFixture(t, nil)
	postUpload(t, f, "1234", makeJPEG(t, 32, 24), "").Body.Close()

	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status         string            `json:"status"`
		Components     map[string]string `json:"components"`
		ActiveSessions int               `json:"active_sessions"`
		Inference      struct {
			Runs          int64          `json:"runs"`
			Errors        int64          `json:"errors"`
			ActiveResults int            `json:"active_results"`
			Subscribers   int            `json:"subscribers"`
			ByCode        map[string]int `json:"subscribers_by_code"`
		} `json:"inference"`
		Process struct {
			PID        int32 `json:"pid"`
			Goroutines int   `json:"goroutines"`
		} `json:"process"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if body.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", body.Status)
	}
	if body.ActiveSessions != 1 {
		t.Fatalf("active_sessions = %d, want 1", body.ActiveSessions)
	}
	if body.Components["detector"] != "healthy" {
		t.Fatalf("components = %v, want healthy detector", body.Components)
	}
	if body.Components["sessions"] != "healthy" {
		t.Fatalf("components = %v, want healthy sessions", body.Components)
	}
	if body.Process.PID <= 0 {
		t.Fatalf("process.pid = %d, want > 0", body.Process.PID)
	}
	if body.Process.Goroutines <= 0 {
		t.Fatalf("process.goroutines = %d, want > 0", body.Process.Goroutines)
	}
}

func TestHealthAlwaysAnswersEvenWhenEmpty(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "healthy" {
		t.Fatalf("status = %v, want healthy with zero sessions", body["status"])
	}
}

func TestHealthCountsInferenceSubscribers(t *testing.T) {
	f := newServerFixture(t, nil)
	f.results.Save("5678", sampleResult())

	conn, _, err := wsDial(t, f, "5678")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.fanout.SubscriberCount("5678") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Inference struct {
			Subscribers int            `json:"subscribers"`
			ByCode      map[string]int `json:"subscribers_by_code"`
		} `json:"inference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if body.Inference.Subscribers != 1 {
		t.Fatalf("subscribers = %d, want 1", body.Inference.Subscribers)
	}
	if body.Inference.ByCode["5678"] != 1 {
		t.Fatalf("subscribers_by_code = %v, want 5678:1", body.Inference.ByCode)
	}
}

func TestStreamStatsUnknownSessionIs404(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/api/stream-stats/9999")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != "unknown session" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestStreamStatsBadCodeIs400(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/api/stream-stats/wat")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamStatsAfterUpload(t *testing.T) {
	f := newServerFixture(t, nil)
	frame := makeJPEG(t, 64, 48)
	postUpload(t, f, "1234", frame, "high").Body.Close()

	resp, err := http.Get(f.ts.URL + "/api/stream-stats/1234")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Code    string         `json:"code"`
		Session map[string]any `json:"session"`
		Viewers []any          `json:"viewers"`
		Frame   struct {
			AgeMs     float64 `json:"age_ms"`
			Quality   string  `json:"quality"`
			SizeBytes int     `json:"size_bytes"`
		} `json:"frame"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if body.Code != "1234" {
		t.Fatalf("code = %q", body.Code)
	}
	if body.Session == nil {
		t.Fatal("session block missing")
	}
	if len(body.Viewers) != 0 {
		t.Fatalf("viewers = %v, want empty", body.Viewers)
	}
	if body.Frame.Quality != "high" {
		t.Fatalf("frame.quality = %q, want high", body.Frame.Quality)
	}
	if body.Frame.SizeBytes != len(frame) {
		t.Fatalf("frame.size_bytes = %d, want %d", body.Frame.SizeBytes, len(frame))
	}
	if body.Frame.AgeMs < 0 {
		t.Fatalf("frame.age_ms = %v, want >= 0", body.Frame.AgeMs)
	}
}

func TestStreamStatsIncludesInferenceSummary(t *testing.T) {
	f := newServerFixture(t, nil)
	postUpload(t, f, "1234", makeJPEG(t, 32, 24), "").Body.Close()
	f.results.Save("1234", sampleResult())

	resp, err := http.Get(f.ts.URL + "/api/stream-stats/1234")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Inference struct {
			Detections      int     `json:"detections"`
			InferenceTimeMs float64 `json:"inference_time_ms"`
		} `json:"inference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if body.Inference.Detections != 1 {
		t.Fatalf("inference.detections = %d, want 1", body.Inference.Detections)
	}
	if body.Inference.InferenceTimeMs != 42.5 {
		t.Fatalf("inference.inference_time_ms = %v", body.Inference.InferenceTimeMs)
	}
}
