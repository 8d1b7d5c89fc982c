package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/arenacast/relay/internal/session"
)

// previewInterval paces the MJPEG debug stream at roughly 10 fps.
const previewInterval = 100 * time.Millisecond

// handlePreview serves the latest frames as multipart MJPEG, for eyeballing
// a broadcast without a WebRTC client. The stream ends when the code is
// evicted or the client goes away.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if !session.ValidCode(code) {
		writeError(w, http.StatusBadRequest, "invalid session code")
		return
	}
	if _, ok := s.frames.GetLatest(code); !ok {
		writeError(w, http.StatusNotFound, "no active broadcast")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-store, no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	ticker := time.NewTicker(previewInterval)
	defer ticker.Stop()

	var lastSaved time.Time
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			entry, ok := s.frames.GetLatest(code)
			if !ok {
				return
			}
			if entry.SavedAt.Equal(lastSaved) {
				continue
			}
			lastSaved = entry.SavedAt

			fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(entry.JPEG))
			if _, err := w.Write(entry.JPEG); err != nil {
				return
			}
			fmt.Fprint(w, "\r\n")
			flusher.Flush()
		}
	}
}
