package memory

import (
	"strings"

	"github.com/google/uuid"
)

// Session is an opaque, validated session handle. Every short-term and
// long-term operation takes a Session rather than a bare string so that
// cross-session access is a type-shaped mistake instead of a runtime filter.
// The zero Session is invalid and rejected by every operation.
type Session struct {
	id string
}

const maxSessionIDLen = 128

// NewSession validates id and wraps it in a handle.
func NewSession(id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, &ValidationError{Field: "session_id", Reason: "empty"}
	}
	if len(id) > maxSessionIDLen {
		return Session{}, &ValidationError{Field: "session_id", Reason: "too long"}
	}
	for _, r := range id {
		if !sessionIDRune(r) {
			return Session{}, &ValidationError{Field: "session_id", Reason: "contains disallowed characters"}
		}
	}
	return Session{id: id}, nil
}

// NewRandomSession creates a handle with a fresh random id.
func NewRandomSession() Session {
	return Session{id: "sess-" + uuid.NewString()}
}

// ID returns the session identifier.
func (s Session) ID() string { return s.id }

// Valid reports whether the handle was produced by a constructor.
func (s Session) Valid() bool { return s.id != "" }

func sessionIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.' || r == ':':
		return true
	}
	return false
}
