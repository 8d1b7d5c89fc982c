package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arenacast/relay/internal/httputil"
)

// ErrNoResult is returned when a session has no inference result yet.
var ErrNoResult = errors.New("no inference result")

// ErrNoBroadcast is returned from Offer when no broadcaster is uploading for
// the session code. Viewers typically wait and retry.
var ErrNoBroadcast = errors.New("no active broadcast")

// ErrSessionFull is returned when the relay refuses a new session or viewer
// because a capacity limit was hit.
var ErrSessionFull = errors.New("session full")

// StatusError is a non-2xx response from the relay.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to a relay server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

// NewClient creates a relay client. baseURL is the server root, e.g.
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: httputil.DefaultRetryConfig(),
	}
}

// UploadFrame sends one JPEG frame for code. Uploads are never retried: a
// frame that missed its moment is stale, the next capture replaces it.
func (c *Client) UploadFrame(ctx context.Context, code string, frame []byte, quality Quality) (*UploadResponse, error) {
	url := fmt.Sprintf("%s/upload/%s", c.baseURL, code)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	if quality != "" {
		req.Header.Set("X-Quality-Level", string(quality))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send frame: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// Offer performs the WebRTC offer/answer exchange for code and returns the
// relay's answer. The server holds the request briefly when no broadcast is
// live yet, so a viewer may connect moments before the broadcaster.
func (c *Client) Offer(ctx context.Context, code, sdp string) (*SessionDescription, error) {
	body, err := json.Marshal(map[string]string{
		"code": code,
		"sdp":  sdp,
		"type": "offer",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal offer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/offer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNoBroadcast
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var answer SessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, fmt.Errorf("failed to decode answer: %w", err)
	}
	return &answer, nil
}

// Inference fetches the latest result for code. Returns ErrNoResult when no
// result is available. Transient server errors are retried.
func (c *Client) Inference(ctx context.Context, code string) (*InferenceResult, error) {
	url := fmt.Sprintf("%s/inference/%s", c.baseURL, code)
	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, url, nil, nil, c.retry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNoResult
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out InferenceResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &out, nil
}

// ActiveSessions lists the session codes with a live inference result.
func (c *Client) ActiveSessions(ctx context.Context) ([]string, error) {
	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, c.baseURL+"/inference/active/sessions", nil, nil, c.retry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out ActiveSessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.ActiveSessions, nil
}

// Health fetches the service health report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, c.baseURL+"/health", nil, nil, c.retry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode health: %w", err)
	}
	return &out, nil
}

// StreamStats fetches the per-session diagnostic report for code.
func (c *Client) StreamStats(ctx context.Context, code string) (*StreamStats, error) {
	url := fmt.Sprintf("%s/api/stream-stats/%s", c.baseURL, code)
	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, url, nil, nil, c.retry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out StreamStats
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return &out, nil
}

// checkStatus maps non-2xx responses to errors, decoding the relay's error
// body when present.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)
	if body.Error == "" {
		body.Error = string(raw)
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %s", ErrSessionFull, body.Error)
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
}
