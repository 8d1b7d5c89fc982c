package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/arenacast/relay/internal/framestore"
	"github.com/arenacast/relay/internal/logging"
	"github.com/arenacast/relay/internal/metrics"
	"github.com/arenacast/relay/internal/session"
)

// maxUploadBytes bounds a single frame body. Phone screen captures sit well
// under 1 MB even at high quality.
const maxUploadBytes = 4 << 20

// handleUpload ingests one JPEG frame for a session code. The frame is
// stored before the session is touched so a concurrent offer's grace poll
// can observe it immediately.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	code := mux.Vars(r)["code"]
	if !session.ValidCode(code) {
		metrics.UploadRejected.WithLabelValues("invalid_code").Inc()
		writeError(w, http.StatusBadRequest, "invalid session code")
		return
	}

	quality := framestore.ParseQuality(r.Header.Get("X-Quality-Level"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		// A broadcaster that vanished mid-read is routine, not an error.
		if r.Context().Err() != nil {
			metrics.UploadRejected.WithLabelValues("client_disconnected").Inc()
			writeJSON(w, http.StatusOK, map[string]string{"status": "client_disconnected"})
			return
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.UploadRejected.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusBadRequest, "frame too large")
			return
		}
		metrics.UploadRejected.WithLabelValues("read_error").Inc()
		writeError(w, http.StatusBadRequest, "body read failed")
		return
	}

	if err := s.frames.Save(code, body, quality); err != nil {
		metrics.UploadRejected.WithLabelValues("bad_jpeg").Inc()
		writeError(w, http.StatusBadRequest, "invalid jpeg")
		return
	}

	sess, err := s.registry.GetOrCreate(code)
	if err != nil {
		// Session table is full: drop the frame we just stored so the
		// rejected code does not linger in the relay path.
		s.frames.Delete(code)
		metrics.UploadRejected.WithLabelValues("session_limit").Inc()
		writeError(w, http.StatusServiceUnavailable, "session limit reached")
		return
	}
	sess.CountMessage()

	if started, reason := s.dispatcher.MaybeDispatch(code); !started {
		log.Debug("inference skipped",
			logging.KeySession, code,
			"reason", string(reason),
		)
	}

	elapsed := time.Since(start)
	metrics.FramesUploaded.WithLabelValues(code).Inc()
	metrics.UploadLatency.Observe(elapsed.Seconds())

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"processed_time_ms": float64(elapsed.Microseconds()) / 1000.0,
	})
}
