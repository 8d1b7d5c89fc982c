package api

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arenacast/relay/internal/logging"
)

var subLog = logging.L("subscriber")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// SubscriberConfig holds inference subscription configuration.
type SubscriberConfig struct {
	// ServerURL is the relay root, e.g. "http://localhost:8080".
	ServerURL string
	// Code is the session to follow.
	Code string
}

// UpdateHandler receives each inference result as it is published.
type UpdateHandler func(InferenceResult)

// Subscriber maintains a WebSocket subscription to a session's inference
// results, reconnecting with backoff when the connection drops. Heartbeats
// from the relay are consumed internally; the handler only sees results.
type Subscriber struct {
	config    *SubscriberConfig
	handler   UpdateHandler
	conn      *websocket.Conn
	connMu    sync.RWMutex
	done      chan struct{}
	stopOnce  sync.Once
	isRunning bool
	runningMu sync.RWMutex
}

// NewSubscriber creates a subscriber for cfg.Code. handler must not block:
// it runs on the read loop, and a stalled handler backs up into the relay's
// slow-consumer cutoff.
func NewSubscriber(cfg *SubscriberConfig, handler UpdateHandler) *Subscriber {
	return &Subscriber{
		config:  cfg,
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Start runs the subscription until Stop is called. It blocks; run it in a
// goroutine.
func (s *Subscriber) Start() {
	s.runningMu.Lock()
	if s.isRunning {
		s.runningMu.Unlock()
		return
	}
	s.isRunning = true
	s.runningMu.Unlock()

	s.reconnectLoop()
}

// Stop gracefully closes the subscription.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		s.runningMu.Lock()
		s.isRunning = false
		s.runningMu.Unlock()

		close(s.done)

		s.connMu.Lock()
		if s.conn != nil {
			s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()

		subLog.Info("subscriber stopped", logging.KeySession, s.config.Code)
	})
}

func (s *Subscriber) connect() error {
	wsURL, err := s.buildWSURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	subLog.Info("subscribed", logging.KeySession, s.config.Code)
	return nil
}

func (s *Subscriber) buildWSURL() (string, error) {
	serverURL, err := url.Parse(s.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	}

	serverURL.Path = fmt.Sprintf("/inference/ws/%s", s.config.Code)
	return serverURL.String(), nil
}

func (s *Subscriber) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.connect(); err != nil {
			subLog.Warn("connection failed", logging.KeyError, err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			subLog.Info("retrying", "delay", sleep)
			select {
			case <-s.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		done := make(chan struct{})
		go s.pingLoop(done)
		s.readPump()
		close(done)

		s.runningMu.RLock()
		running := s.isRunning
		s.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

// readPump consumes updates until the connection dies. The relay's
// heartbeats refresh the read deadline alongside pongs, so a healthy but
// idle session never times out.
func (s *Subscriber) readPump() {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				subLog.Warn("read error", logging.KeyError, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var update Update
		if err := json.Unmarshal(message, &update); err != nil {
			subLog.Warn("failed to parse update", logging.KeyError, err)
			continue
		}

		// ping and no_data are liveness only.
		if update.Type != "inference_update" || update.Data == nil {
			continue
		}
		s.handler(*update.Data)
	}
}

// pingLoop keeps the connection alive with control pings. Control frames
// are not data messages, so they are free with respect to the relay's
// per-connection message budget.
func (s *Subscriber) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
