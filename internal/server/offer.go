package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/arenacast/relay/internal/logging"
	"github.com/arenacast/relay/internal/metrics"
	"github.com/arenacast/relay/internal/session"
	"github.com/arenacast/relay/internal/stream"
)

const (
	// The offer grace poll: a viewer that races the broadcaster's first
	// upload gets about a second before the 404.
	offerPollAttempts = 10
	offerPollInterval = 100 * time.Millisecond

	maxOfferBytes = 1 << 20
)

type offerRequest struct {
	Code string `json:"code"`
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// handleOffer performs the single-round SDP exchange: validate, wait for a
// live broadcast, build a viewer peer, negotiate, and return the answer.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxOfferBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	if !session.ValidCode(req.Code) {
		writeError(w, http.StatusBadRequest, "invalid session code")
		return
	}
	if req.SDP == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "missing field")
		return
	}
	if req.Type != "offer" {
		writeError(w, http.StatusBadRequest, "type must be offer")
		return
	}

	if !s.awaitBroadcast(r.Context(), req.Code) {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, http.StatusNotFound, "no active broadcast")
		return
	}

	sess, err := s.registry.GetOrCreate(req.Code)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "session limit reached")
		return
	}
	sess.CountConnectionAttempt()

	// attached gates the viewer gauge so a peer torn down before or during
	// registration cannot drive it negative.
	var attached atomic.Bool
	hooks := stream.PeerHooks{
		OnConnected: func() {
			sess.MarkEstablished()
			sess.Touch()
		},
		OnClosed: func(id string) {
			s.registry.Detach(sess, id)
			if attached.CompareAndSwap(true, false) {
				metrics.ActiveViewers.Dec()
			}
		},
	}

	peer, err := stream.NewViewerPeer(s.streamConfig(), s.frames, req.Code, hooks)
	if err != nil {
		log.Error("viewer peer construction failed",
			logging.KeySession, req.Code,
			logging.KeyError, err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	attached.Store(true)
	if err := s.registry.AttachViewer(sess, peer); err != nil {
		attached.Store(false)
		_ = peer.Close()
		writeError(w, http.StatusServiceUnavailable, "session full")
		return
	}
	metrics.ActiveViewers.Inc()

	answer, err := peer.Negotiate(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  req.SDP,
	})
	if err != nil {
		// Half-built peers never outlive the handler.
		_ = peer.Close()
		log.Warn("negotiation failed",
			logging.KeySession, req.Code,
			logging.KeyPeer, peer.ID(),
			logging.KeyError, err,
		)
		writeError(w, http.StatusBadRequest, "invalid offer")
		return
	}

	log.Info("viewer answered",
		logging.KeySession, req.Code,
		logging.KeyPeer, peer.ID(),
		"viewers", sess.ViewerCount(),
	)
	writeJSON(w, http.StatusOK, answer)
}

// awaitBroadcast polls the frame store for code, up to offerPollAttempts
// checks offerPollInterval apart. Returns false once the client goes away.
func (s *Server) awaitBroadcast(ctx context.Context, code string) bool {
	for attempt := 0; attempt < offerPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(offerPollInterval):
			}
		}
		if _, ok := s.frames.GetLatest(code); ok {
			return true
		}
	}
	return false
}

func (s *Server) streamConfig() stream.Config {
	return stream.Config{
		Codec:        s.cfg.Codec,
		MaxBitrate:   s.cfg.MaxBitrate,
		StunServers:  s.cfg.StunServers,
		IceTimeout:   s.cfg.IceTimeout,
		MaxFrameAge:  s.cfg.MaxFrameAge,
		FrameTimeout: s.cfg.FrameTimeout,
		Widths: stream.QualityWidths{
			Low:    s.cfg.WidthLow,
			Medium: s.cfg.WidthMedium,
			High:   s.cfg.WidthHigh,
		},
	}
}
