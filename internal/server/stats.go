package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/arenacast/relay/internal/health"
	"github.com/arenacast/relay/internal/session"
	"github.com/arenacast/relay/internal/stream"
)

// handleHealth reports the component rollup, session and inference counters,
// and process stats. Detector and session-capacity checks are recomputed on
// each call; the watchdog reports its own liveness between calls.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ds := s.dispatcher.Stats()
	switch {
	case ds.Errors > 0 && ds.Runs == 0:
		s.monitor.Update("detector", health.Unhealthy, "all detections failing")
	case ds.Errors > ds.Runs:
		s.monitor.Update("detector", health.Degraded, "error rate above success rate")
	default:
		s.monitor.Update("detector", health.Healthy, "")
	}

	if s.registry.Count() >= s.cfg.MaxSessions {
		s.monitor.Update("sessions", health.Degraded, "at session capacity")
	} else {
		s.monitor.Update("sessions", health.Healthy, "")
	}

	summary := s.monitor.Summary()

	active := s.results.ListActive()
	subsByCode := make(map[string]int, len(active))
	for _, code := range active {
		subsByCode[code] = s.fanout.SubscriberCount(code)
	}
	fs := s.fanout.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          summary["status"],
		"components":      summary["components"],
		"active_sessions": s.registry.Count(),
		"inference": map[string]any{
			"runs":   ds.Runs,
			"errors": ds.Errors,
			"skipped": map[string]int64{
				"locked":    ds.SkippedLocked,
				"throttled": ds.SkippedThrottled,
			},
			"queue_depth":         ds.QueueDepth,
			"active_results":      len(active),
			"subscribers":         fs.Subscribers,
			"subscribers_by_code": subsByCode,
			"published":           fs.Published,
			"dropped":             fs.Dropped,
		},
		"process": health.CollectProcessStats(),
	})
}

// handleStreamStats returns the full per-code picture: session counters,
// frame freshness, per-viewer producer stats, and the inference summary.
func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if !session.ValidCode(code) {
		writeError(w, http.StatusBadRequest, "invalid session code")
		return
	}

	sess, haveSess := s.registry.Get(code)
	entry, haveFrame := s.frames.GetLatest(code)
	if !haveSess && !haveFrame {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	resp := map[string]any{"code": code}

	if haveSess {
		resp["session"] = sess.Snapshot()
		viewers := make([]stream.ViewerStats, 0, sess.ViewerCount())
		for _, p := range sess.Viewers() {
			if vp, ok := p.(*stream.ViewerPeer); ok {
				viewers = append(viewers, vp.Stats())
			}
		}
		resp["viewers"] = viewers
	}

	if haveFrame {
		resp["frame"] = map[string]any{
			"age_ms":     float64(entry.Age().Microseconds()) / 1000.0,
			"quality":    string(entry.Quality),
			"size_bytes": len(entry.JPEG),
		}
	}

	if res, ok := s.results.Get(code); ok {
		resp["inference"] = map[string]any{
			"detections":        len(res.Detections),
			"inference_time_ms": res.InferenceTimeMs,
			"age_ms":            float64(time.Since(res.Timestamp).Microseconds()) / 1000.0,
			"subscribers":       s.fanout.SubscriberCount(code),
		}
	}

	resp["dispatcher"] = s.dispatcher.Stats()
	writeJSON(w, http.StatusOK, resp)
}
