package inference

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arenacast/relay/internal/logging"
	"github.com/arenacast/relay/internal/metrics"
)

const (
	// Time allowed to write a message to a subscriber.
	subWriteWait = 10 * time.Second
	// Heartbeat cadence when no results are flowing.
	heartbeatPeriod = 5 * time.Second
	// Subscribers only send small control messages.
	subReadLimit = 4096
	// Outbound queue per subscriber; slow consumers are dropped, not buffered.
	subSendBuffer = 16
	// Hard cap on subscribers per session code.
	maxSubscribersPerCode = 32
)

// MessageLimiter gates inbound subscriber messages. Satisfied by
// session.RateLimiter.
type MessageLimiter interface {
	Allow(key string) bool
}

type wsMessage struct {
	Type string  `json:"type"`
	Data *Result `json:"data,omitempty"`
}

type subscriber struct {
	id   string
	code string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Fanout pushes inference results to WebSocket subscribers grouped by
// session code. Publishing never blocks: a subscriber whose queue is full is
// disconnected and removed.
type Fanout struct {
	store     *Store
	heartbeat time.Duration
	maxSubs   int

	mu   sync.Mutex
	subs map[string]map[string]*subscriber

	published atomic.Int64
	dropped   atomic.Int64
}

// NewFanout creates a fanout that consults store for heartbeat decisions.
func NewFanout(store *Store) *Fanout {
	return &Fanout{
		store:     store,
		heartbeat: heartbeatPeriod,
		maxSubs:   maxSubscribersPerCode,
		subs:      make(map[string]map[string]*subscriber),
	}
}

var fanoutLog = logging.L("fanout")

// Serve registers conn as a subscriber for code and blocks until the
// connection dies. limiterKey identifies the peer for rate limiting.
// The caller must have upgraded the connection already.
func (f *Fanout) Serve(conn *websocket.Conn, code, limiterKey string, limiter MessageLimiter) {
	sub := &subscriber{
		id:   uuid.NewString(),
		code: code,
		conn: conn,
		send: make(chan []byte, subSendBuffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if len(f.subs[code]) >= f.maxSubs {
		f.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session full")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(subWriteWait))
		_ = conn.Close()
		return
	}
	if f.subs[code] == nil {
		f.subs[code] = make(map[string]*subscriber)
	}
	f.subs[code][sub.id] = sub
	f.mu.Unlock()

	metrics.FanoutSubscribers.Inc()
	fanoutLog.Info("subscriber joined",
		logging.KeySession, code,
		logging.KeyPeer, sub.id,
	)

	go f.writePump(sub)
	f.readLoop(sub, limiterKey, limiter)

	f.remove(sub)
	fanoutLog.Info("subscriber left",
		logging.KeySession, code,
		logging.KeyPeer, sub.id,
	)
}

// Publish pushes r to every subscriber of code. Returns the number of
// subscribers that received it.
func (f *Fanout) Publish(code string, r Result) int {
	payload, err := json.Marshal(wsMessage{Type: "inference_update", Data: &r})
	if err != nil {
		fanoutLog.Error("marshal result", logging.KeyError, err)
		return 0
	}

	f.mu.Lock()
	targets := make([]*subscriber, 0, len(f.subs[code]))
	for _, sub := range f.subs[code] {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	sent := 0
	for _, sub := range targets {
		select {
		case sub.send <- payload:
			sent++
		default:
			// Queue full: the consumer is too slow to keep up with the
			// result rate. Drop the connection rather than buffer.
			f.dropped.Add(1)
			fanoutLog.Warn("dropping slow subscriber",
				logging.KeySession, code,
				logging.KeyPeer, sub.id,
			)
			sub.close()
		}
	}
	if sent > 0 {
		f.published.Add(1)
	}
	return sent
}

// SubscriberCount returns the number of live subscribers for code.
func (f *Fanout) SubscriberCount(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[code])
}

// TotalSubscribers returns the number of live subscribers across all codes.
func (f *Fanout) TotalSubscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, m := range f.subs {
		total += len(m)
	}
	return total
}

// FanoutStats is the observable fanout state for health output.
type FanoutStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats snapshots the fanout counters.
func (f *Fanout) Stats() FanoutStats {
	return FanoutStats{
		Subscribers: f.TotalSubscribers(),
		Published:   f.published.Load(),
		Dropped:     f.dropped.Load(),
	}
}

// CloseCode disconnects every subscriber for code. Used on session teardown.
func (f *Fanout) CloseCode(code string) {
	f.mu.Lock()
	targets := make([]*subscriber, 0, len(f.subs[code]))
	for _, sub := range f.subs[code] {
		targets = append(targets, sub)
	}
	delete(f.subs, code)
	f.mu.Unlock()

	for _, sub := range targets {
		sub.close()
	}
	if len(targets) > 0 {
		metrics.FanoutSubscribers.Sub(float64(len(targets)))
	}
}

// CloseAll disconnects every subscriber. Used on shutdown.
func (f *Fanout) CloseAll() {
	f.mu.Lock()
	var targets []*subscriber
	for _, m := range f.subs {
		for _, sub := range m {
			targets = append(targets, sub)
		}
	}
	f.subs = make(map[string]map[string]*subscriber)
	f.mu.Unlock()

	for _, sub := range targets {
		sub.close()
	}
	if len(targets) > 0 {
		metrics.FanoutSubscribers.Sub(float64(len(targets)))
	}
}

func (f *Fanout) remove(sub *subscriber) {
	f.mu.Lock()
	if m, ok := f.subs[sub.code]; ok {
		if _, present := m[sub.id]; present {
			delete(m, sub.id)
			metrics.FanoutSubscribers.Dec()
		}
		if len(m) == 0 {
			delete(f.subs, sub.code)
		}
	}
	f.mu.Unlock()
	sub.close()
}

// readLoop consumes subscriber messages until the connection dies. Client
// messages carry no meaning for the relay, but each one is charged against
// the peer's rate limit; exceeding it closes the connection.
func (f *Fanout) readLoop(sub *subscriber, limiterKey string, limiter MessageLimiter) {
	sub.conn.SetReadLimit(subReadLimit)

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
		if limiter != nil && !limiter.Allow(limiterKey) {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit")
			_ = sub.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(subWriteWait))
			sub.close()
			return
		}
	}
}

// writePump drains the subscriber's queue and emits heartbeats: a ping while
// a result is available for the code, no_data otherwise.
func (f *Fanout) writePump(sub *subscriber) {
	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case payload := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(subWriteWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				sub.close()
				return
			}
		case <-ticker.C:
			var hb wsMessage
			if _, ok := f.store.Get(sub.code); ok {
				hb = wsMessage{Type: "ping"}
			} else {
				hb = wsMessage{Type: "no_data"}
			}
			payload, _ := json.Marshal(hb)
			_ = sub.conn.SetWriteDeadline(time.Now().Add(subWriteWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				sub.close()
				return
			}
		case <-sub.done:
			return
		}
	}
}
