package framestore

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrInvalidJPEG is returned for payloads that do not start with the JPEG
// start-of-image marker.
var ErrInvalidJPEG = errors.New("invalid jpeg payload")

// Quality is the broadcaster-requested relay quality tier. It travels with
// each frame so the producer can react when the broadcaster switches tiers.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ParseQuality maps a header value to a tier, defaulting to medium for
// absent or unknown values.
func ParseQuality(s string) Quality {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return QualityLow
	case "high":
		return QualityHigh
	default:
		return QualityMedium
	}
}

// Entry is the latest frame stored for a session code.
type Entry struct {
	JPEG    []byte
	SavedAt time.Time
	Quality Quality
}

// Age returns how long ago the entry was saved.
func (e Entry) Age() time.Duration {
	return time.Since(e.SavedAt)
}

type slot struct {
	mu sync.RWMutex
	e  Entry
}

// Store keeps at most one frame per session code. Writes replace the entry
// atomically; readers always observe a complete payload. Locking is per code
// so uploads for different sessions never contend.
type Store struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

func New() *Store {
	return &Store{slots: make(map[string]*slot)}
}

// ValidJPEG reports whether b starts with the JPEG SOI marker (FF D8).
func ValidJPEG(b []byte) bool {
	return len(b) >= 2 && b[0] == 0xFF && b[1] == 0xD8
}

// Save stores jpeg as the latest frame for code. The store takes ownership
// of the slice; callers must not modify it afterwards. The timestamp is
// assigned here so freshness is measured against the server clock.
func (s *Store) Save(code string, jpeg []byte, q Quality) error {
	if !ValidJPEG(jpeg) {
		return ErrInvalidJPEG
	}

	sl := s.slot(code)
	sl.mu.Lock()
	sl.e = Entry{JPEG: jpeg, SavedAt: time.Now(), Quality: q}
	sl.mu.Unlock()
	return nil
}

// GetLatest returns the current frame for code, if any. The returned bytes
// are shared and must be treated as read-only.
func (s *Store) GetLatest(code string) (Entry, bool) {
	s.mu.RLock()
	sl, ok := s.slots[code]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	sl.mu.RLock()
	e := sl.e
	sl.mu.RUnlock()
	if e.JPEG == nil {
		return Entry{}, false
	}
	return e, true
}

// Age returns the age of the latest frame for code.
func (s *Store) Age(code string) (time.Duration, bool) {
	e, ok := s.GetLatest(code)
	if !ok {
		return 0, false
	}
	return e.Age(), true
}

// Delete removes the frame entry for code.
func (s *Store) Delete(code string) {
	s.mu.Lock()
	delete(s.slots, code)
	s.mu.Unlock()
}

// Codes lists the codes that currently hold a frame.
func (s *Store) Codes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes := make([]string, 0, len(s.slots))
	for code := range s.slots {
		codes = append(codes, code)
	}
	return codes
}

// Count returns the number of codes holding a frame.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

func (s *Store) slot(code string) *slot {
	s.mu.RLock()
	sl, ok := s.slots[code]
	s.mu.RUnlock()
	if ok {
		return sl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok = s.slots[code]; ok {
		return sl
	}
	sl = &slot{}
	s.slots[code] = sl
	return sl
}
