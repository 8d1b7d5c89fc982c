package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestPreviewWithoutBroadcastIs404(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/preview/1234")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != "no active broadcast" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestPreviewBadCodeIs400(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/preview/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPreviewStreamsLatestFrame(t *testing.T) {
	f := newServerFixture(t, nil)
	frame := makeJPEG(t, 48, 32)
	postUpload(t, f, "1234", frame, "").Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/preview/1234", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "multipart/x-mixed-replace") {
		t.Fatalf("content-type = %q", ct)
	}

	// The context cuts the stream; whatever arrived before that must hold
	// at least one complete part.
	data, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(data, []byte("--frame")) {
		t.Fatal("stream carries no part boundary")
	}
	if !bytes.Contains(data, []byte("Content-Type: image/jpeg")) {
		t.Fatal("part carries no jpeg content type")
	}
	if !bytes.Contains(data, frame) {
		t.Fatal("uploaded frame bytes absent from stream")
	}
}

func TestPreviewEndsWhenFrameEvicted(t *testing.T) {
	f := newServerFixture(t, nil)
	postUpload(t, f, "1234", makeJPEG(t, 32, 24), "").Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/preview/1234", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	go func() {
		time.Sleep(150 * time.Millisecond)
		f.frames.Delete("1234")
	}()

	// Eviction must end the stream well before the context does.
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("stream did not end cleanly: %v", err)
	}
}
