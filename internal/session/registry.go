package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arenacast/relay/internal/logging"
)

var log = logging.L("session")

// Peer is an attached endpoint tracked by a session: the broadcaster that
// uploads frames, or a viewer holding a WebRTC connection. Peers refer back
// to their session by code, never by pointer, so teardown is a map removal.
type Peer interface {
	ID() string
	Close() error
}

// Session tracks the peers bound to one session code.
type Session struct {
	Code string

	mu           sync.Mutex
	broadcaster  Peer
	viewers      map[string]Peer
	createdAt    time.Time
	lastActivity time.Time

	messageCount       atomic.Int64
	connectionAttempts atomic.Int64
	webrtcEstablished  atomic.Bool
}

// Snapshot is a consistent copy of session state for stats endpoints.
type Snapshot struct {
	Code               string    `json:"code"`
	HasBroadcaster     bool      `json:"has_broadcaster"`
	ViewerCount        int       `json:"viewer_count"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivity       time.Time `json:"last_activity"`
	MessageCount       int64     `json:"message_count"`
	ConnectionAttempts int64     `json:"connection_attempts"`
	WebRTCEstablished  bool      `json:"webrtc_established"`
}

func newSession(code string) *Session {
	now := time.Now()
	return &Session{
		Code:         code,
		viewers:      make(map[string]Peer),
		createdAt:    now,
		lastActivity: now,
	}
}

// Touch records activity so the idle sweep leaves the session alone.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// CountMessage bumps the per-session message counter and touches activity.
func (s *Session) CountMessage() {
	s.messageCount.Add(1)
	s.Touch()
}

// CountConnectionAttempt bumps the offer/connect counter.
func (s *Session) CountConnectionAttempt() {
	s.connectionAttempts.Add(1)
}

// MarkEstablished records that at least one offer/answer exchange completed.
func (s *Session) MarkEstablished() {
	s.webrtcEstablished.Store(true)
}

// Viewers returns a snapshot of the attached viewer peers.
func (s *Session) Viewers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]Peer, 0, len(s.viewers))
	for _, p := range s.viewers {
		peers = append(peers, p)
	}
	return peers
}

// ViewerCount returns the number of attached viewers.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Empty reports whether the session has no broadcaster and no viewers.
func (s *Session) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcaster == nil && len(s.viewers) == 0
}

// IdleFor returns how long ago the session last saw activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Snapshot copies the observable session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Code:           s.Code,
		HasBroadcaster: s.broadcaster != nil,
		ViewerCount:    len(s.viewers),
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
	}
	s.mu.Unlock()

	snap.MessageCount = s.messageCount.Load()
	snap.ConnectionAttempts = s.connectionAttempts.Load()
	snap.WebRTCEstablished = s.webrtcEstablished.Load()
	return snap
}

// Registry maintains the code -> Session map and enforces the caps.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	maxCount   int
	maxViewers int
}

// NewRegistry creates a registry capped at maxSessions sessions with at most
// maxViewers viewers each.
func NewRegistry(maxSessions, maxViewers int) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		maxCount:   maxSessions,
		maxViewers: maxViewers,
	}
}

// GetOrCreate returns the session for code, creating it on first access.
func (r *Registry) GetOrCreate(code string) (*Session, error) {
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[code]; ok {
		return s, nil
	}
	if len(r.sessions) >= r.maxCount {
		return nil, ErrTooManySessions
	}

	s := newSession(code)
	r.sessions[code] = s
	log.Info("session created", logging.KeySession, code)
	return s, nil
}

// Get returns the session for code if it exists.
func (r *Registry) Get(code string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[code]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Codes returns the codes of all live sessions.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.sessions))
	for code := range r.sessions {
		codes = append(codes, code)
	}
	return codes
}

// AttachBroadcaster binds p as the session's broadcaster. An existing
// broadcaster is replaced (last writer wins) and closed after the lock is
// released.
func (r *Registry) AttachBroadcaster(s *Session, p Peer) {
	s.mu.Lock()
	replaced := s.broadcaster
	s.broadcaster = p
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if replaced != nil && replaced.ID() != p.ID() {
		log.Info("broadcaster replaced",
			logging.KeySession, s.Code,
			"previous", replaced.ID(),
		)
		_ = replaced.Close()
	}
}

// AttachViewer adds a viewer peer, enforcing the per-session cap under the
// session lock so concurrent attaches can never exceed it.
func (r *Registry) AttachViewer(s *Session, p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.viewers) >= r.maxViewers {
		return ErrSessionFull
	}
	s.viewers[p.ID()] = p
	s.lastActivity = time.Now()
	return nil
}

// Detach removes a peer from the session by id. Safe to call repeatedly;
// the watchdog and connection-state hooks may race to remove the same peer.
func (r *Registry) Detach(s *Session, id string) {
	s.mu.Lock()
	if s.broadcaster != nil && s.broadcaster.ID() == id {
		s.broadcaster = nil
	}
	delete(s.viewers, id)
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Remove deletes the session and returns its peers so the caller can close
// them outside any lock. Returns nil if the code is unknown.
func (r *Registry) Remove(code string) []Peer {
	r.mu.Lock()
	s, ok := r.sessions[code]
	if ok {
		delete(r.sessions, code)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	s.mu.Lock()
	peers := make([]Peer, 0, len(s.viewers)+1)
	if s.broadcaster != nil {
		peers = append(peers, s.broadcaster)
		s.broadcaster = nil
	}
	for id, p := range s.viewers {
		peers = append(peers, p)
		delete(s.viewers, id)
	}
	s.mu.Unlock()

	log.Info("session removed", logging.KeySession, code, "peers", len(peers))
	return peers
}

// Sweep removes sessions that are empty and idle longer than timeout.
// Returns the number removed.
func (r *Registry) Sweep(timeout time.Duration) int {
	r.mu.Lock()
	var expired []string
	for code, s := range r.sessions {
		if s.Empty() && s.IdleFor() > timeout {
			expired = append(expired, code)
		}
	}
	for _, code := range expired {
		delete(r.sessions, code)
	}
	r.mu.Unlock()

	for _, code := range expired {
		log.Info("idle session swept", logging.KeySession, code)
	}
	return len(expired)
}

// CloseAll tears down every session and closes every peer. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		peers := make([]Peer, 0, len(s.viewers)+1)
		if s.broadcaster != nil {
			peers = append(peers, s.broadcaster)
			s.broadcaster = nil
		}
		for id, p := range s.viewers {
			peers = append(peers, p)
			delete(s.viewers, id)
		}
		s.mu.Unlock()

		for _, p := range peers {
			_ = p.Close()
		}
	}
}

// Snapshots returns a stats snapshot for every live session.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}
