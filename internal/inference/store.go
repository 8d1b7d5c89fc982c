package inference

import (
	"sync"
	"time"
)

// Result is the published outcome of one detector pass over a frame.
// AnnotatedFrame is raw JPEG internally; encoding/json renders it base64 at
// the API boundary.
type Result struct {
	Detections      []Detection `json:"detections"`
	InferenceTimeMs float64     `json:"inference_time_ms"`
	ImageWidth      int         `json:"image_width"`
	ImageHeight     int         `json:"image_height"`
	AnnotatedFrame  []byte      `json:"annotated_frame,omitempty"`
	TimerRemaining  *int        `json:"timer_remaining_s,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Store holds the latest result per session code with a TTL. Writes are
// compare-and-set on timestamp so an inference that completes out of order
// can never clobber a newer result.
type Store struct {
	ttl time.Duration
	mu  sync.RWMutex
	m   map[string]Result
}

// NewStore creates a result store whose entries expire ttl after their
// result timestamp.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl: ttl,
		m:   make(map[string]Result),
	}
}

// Save stores r for code unless a result with a newer timestamp is already
// present. Reports whether the write took effect.
func (s *Store) Save(code string, r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.m[code]; ok && existing.Timestamp.After(r.Timestamp) {
		return false
	}
	s.m[code] = r
	return true
}

// Get returns the current result for code. Expired entries read as absent.
func (s *Store) Get(code string) (Result, bool) {
	s.mu.RLock()
	r, ok := s.m[code]
	s.mu.RUnlock()

	if !ok || s.expired(r, time.Now()) {
		return Result{}, false
	}
	return r, true
}

// ListActive returns the codes holding a non-expired result.
func (s *Store) ListActive() []string {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := make([]string, 0, len(s.m))
	for code, r := range s.m {
		if !s.expired(r, now) {
			codes = append(codes, code)
		}
	}
	return codes
}

// Delete removes the result for code.
func (s *Store) Delete(code string) {
	s.mu.Lock()
	delete(s.m, code)
	s.mu.Unlock()
}

// SweepExpired drops expired entries and returns how many were removed.
func (s *Store) SweepExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, r := range s.m {
		if s.expired(r, now) {
			delete(s.m, code)
			removed++
		}
	}
	return removed
}

// Count returns the number of stored entries, expired or not.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *Store) expired(r Result, now time.Time) bool {
	return now.Sub(r.Timestamp) > s.ttl
}
