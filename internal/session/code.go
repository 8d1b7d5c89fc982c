package session

import "errors"

// Sentinel errors surfaced by the registry. HTTP and WebSocket boundaries
// translate these to status codes.
var (
	ErrInvalidCode     = errors.New("invalid session code")
	ErrSessionFull     = errors.New("session full")
	ErrTooManySessions = errors.New("session limit reached")
)

// ValidCode reports whether s is a well-formed session code: exactly four
// decimal digits. "0000" is valid; "999" and "12345" are not.
func ValidCode(s string) bool {
	if len(s) != 4 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
