package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/arenacast/relay/internal/logging"
	"github.com/arenacast/relay/internal/session"
)

// handleInferenceGet returns the latest non-expired result for a code.
func (s *Server) handleInferenceGet(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if !session.ValidCode(code) {
		writeError(w, http.StatusBadRequest, "invalid session code")
		return
	}
	res, ok := s.results.Get(code)
	if !ok {
		writeError(w, http.StatusNotFound, "no inference result")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleActiveSessions lists the codes holding a live inference result.
func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	codes := s.results.ListActive()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": codes,
		"count":           len(codes),
	})
}

// handleInferenceWS upgrades the connection and hands it to the fanout,
// blocking until the subscriber leaves. The per-IP cap is enforced before
// the upgrade; the per-connection message budget inside the fanout.
func (s *Server) handleInferenceWS(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if !session.ValidCode(code) {
		writeError(w, http.StatusBadRequest, "invalid session code")
		return
	}

	ip := clientIP(r)
	if !s.conns.Acquire(ip) {
		writeError(w, http.StatusTooManyRequests, "too many connections")
		return
	}
	defer s.conns.Release(ip)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		log.Debug("websocket upgrade failed", logging.KeyError, err)
		return
	}

	if sess, ok := s.registry.Get(code); ok {
		sess.Touch()
	}

	// RemoteAddr includes the ephemeral port, giving the message budget
	// per-connection granularity.
	limiterKey := r.RemoteAddr
	defer s.messages.Forget(limiterKey)
	s.fanout.Serve(conn, code, limiterKey, s.messages)
}
