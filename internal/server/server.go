package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arenacast/relay/internal/config"
	"github.com/arenacast/relay/internal/framestore"
	"github.com/arenacast/relay/internal/health"
	"github.com/arenacast/relay/internal/inference"
	"github.com/arenacast/relay/internal/logging"
	"github.com/arenacast/relay/internal/session"
)

var log = logging.L("server")

// Server owns the HTTP surface of the relay: frame ingest, WebRTC signaling,
// inference reads, the fanout WebSocket, and the ops endpoints.
type Server struct {
	cfg        *config.Config
	registry   *session.Registry
	frames     *framestore.Store
	results    *inference.Store
	dispatcher *inference.Dispatcher
	fanout     *inference.Fanout
	monitor    *health.Monitor

	conns    *session.ConnCounter
	messages *session.RateLimiter
	upgrader websocket.Upgrader

	router  *mux.Router
	httpSrv *http.Server
}

// New assembles the server over the shared stores. Nothing starts listening
// until Start.
func New(cfg *config.Config, registry *session.Registry, frames *framestore.Store, results *inference.Store, dispatcher *inference.Dispatcher, fanout *inference.Fanout, monitor *health.Monitor) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		frames:     frames,
		results:    results,
		dispatcher: dispatcher,
		fanout:     fanout,
		monitor:    monitor,
		conns:      session.NewConnCounter(cfg.MaxConnectionsPerIP),
		messages:   session.NewRateLimiter(cfg.MaxMessagesPerConnection, cfg.RateLimitWindow),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Broadcaster devices and browser overlays connect from
			// arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:    cfg.Addr(),
		Handler: s.router,
		// WebSocket and MJPEG responses stay open for the life of the
		// client, so no blanket read/write timeouts. Header reads are
		// still bounded against slowloris.
		ReadTimeout:       0,
		WriteTimeout:      0,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware, s.logMiddleware)

	// OPTIONS is listed on the POST routes so preflights reach the CORS
	// middleware instead of mux's 405.
	r.HandleFunc("/upload/{code}", s.handleUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/offer", s.handleOffer).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/inference/active/sessions", s.handleActiveSessions).Methods(http.MethodGet)
	r.HandleFunc("/inference/ws/{code}", s.handleInferenceWS).Methods(http.MethodGet)
	r.HandleFunc("/inference/{code}", s.handleInferenceGet).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stream-stats/{code}", s.handleStreamStats).Methods(http.MethodGet)
	r.HandleFunc("/preview/{code}", s.handlePreview).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Router exposes the handler tree, mainly for httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info("http server listening", "addr", s.cfg.Addr())
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests bounded by ctx. Hijacked connections
// (WebSockets, MJPEG) are not waited on; the fanout closes those itself.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response write failed", "error", err)
	}
}

// writeError emits the machine-readable 4xx/5xx body shape.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// clientIP resolves the caller address for per-IP accounting, honoring the
// first hop of X-Forwarded-For when a proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
