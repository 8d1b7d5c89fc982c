package server

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/arenacast/relay/internal/config"
	"github.com/arenacast/relay/internal/framestore"
)

func TestUploadStoresFrameAndCreatesSession(t *testing.T) {
	f := newServerFixture(t, nil)
	frame := makeJPEG(t, 64, 48)

	resp := postUpload(t, f, "1234", frame, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
	if _, ok := body["processed_time_ms"]; !ok {
		t.Fatal("processed_time_ms missing")
	}

	entry, ok := f.frames.GetLatest("1234")
	if !ok {
		t.Fatal("frame not stored")
	}
	if !bytes.Equal(entry.JPEG, frame) {
		t.Fatal("stored bytes differ from upload")
	}
	if entry.Quality != framestore.QualityMedium {
		t.Fatalf("quality = %q, want default medium", entry.Quality)
	}
	if _, ok := f.registry.Get("1234"); !ok {
		t.Fatal("session not created on upload")
	}
}

func TestUploadHonorsQualityHeader(t *testing.T) {
	f := newServerFixture(t, nil)

	resp := postUpload(t, f, "1234", makeJPEG(t, 64, 48), "high")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	entry, _ := f.frames.GetLatest("1234")
	if entry.Quality != framestore.QualityHigh {
		t.Fatalf("quality = %q, want high", entry.Quality)
	}
}

func TestUploadUnknownQualityFallsBackToMedium(t *testing.T) {
	f := newServerFixture(t, nil)

	resp := postUpload(t, f, "1234", makeJPEG(t, 64, 48), "ultra")
	resp.Body.Close()

	entry, _ := f.frames.GetLatest("1234")
	if entry.Quality != framestore.QualityMedium {
		t.Fatalf("quality = %q, want medium", entry.Quality)
	}
}

func TestUploadRejectsNonJPEG(t *testing.T) {
	f := newServerFixture(t, nil)

	resp := postUpload(t, f, "1234", []byte("GIF89a not a jpeg"), "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] == "" {
		t.Fatal("400 body missing error reason")
	}
	if _, ok := f.frames.GetLatest("1234"); ok {
		t.Fatal("invalid payload must not be stored")
	}
}

func TestUploadRejectsBadCode(t *testing.T) {
	f := newServerFixture(t, nil)

	for _, code := range []string{"123", "12345", "abcd"} {
		resp := postUpload(t, f, code, makeJPEG(t, 8, 8), "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("code %q: status = %d, want 400", code, resp.StatusCode)
		}
	}
}

func TestUploadRejectsOversizedFrame(t *testing.T) {
	f := newServerFixture(t, nil)

	huge := make([]byte, maxUploadBytes+1)
	huge[0], huge[1] = 0xFF, 0xD8
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/upload/1234", bytes.NewReader(huge))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// The server may cut the connection while the client is still
		// sending; either way the frame must not land.
	} else {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	}
	if _, ok := f.frames.GetLatest("1234"); ok {
		t.Fatal("oversized frame must not be stored")
	}
}

func TestUploadReplacesPreviousFrame(t *testing.T) {
	f := newServerFixture(t, nil)
	first := makeJPEG(t, 32, 24)
	second := makeJPEG(t, 64, 48)

	postUpload(t, f, "1234", first, "").Body.Close()
	postUpload(t, f, "1234", second, "").Body.Close()

	entry, _ := f.frames.GetLatest("1234")
	if !bytes.Equal(entry.JPEG, second) {
		t.Fatal("latest frame is not the second upload")
	}
}

func TestUploadSessionLimitDropsFrame(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.MaxSessions = 1
	})

	resp := postUpload(t, f, "1111", makeJPEG(t, 8, 8), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first session: status = %d, want 200", resp.StatusCode)
	}

	resp = postUpload(t, f, "2222", makeJPEG(t, 8, 8), "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("over session limit: status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
	if _, ok := f.frames.GetLatest("2222"); ok {
		t.Fatal("rejected code must not keep its frame")
	}
}
