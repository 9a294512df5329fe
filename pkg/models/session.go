// Package models contains the persistent domain entities and request/response
// shapes shared across the store, engine, and HTTP layers.
package models

import "time"

// SessionStatus is the lifecycle state of a participant session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusEnded     SessionStatus = "ended"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// IsValid reports whether s is a known session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusActive, SessionStatusEnded, SessionStatusAbandoned:
		return true
	}
	return false
}

// Terminal reports whether the status is absorbing.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusEnded || s == SessionStatusAbandoned
}

// Session is the per-participant runtime document. It is owned by the store;
// the engine mutates it only through versioned (CAS) writes.
type Session struct {
	SessionID     string         `json:"sessionId"`
	ConfigID      string         `json:"configId"`
	ParticipantID string         `json:"participantId,omitempty"`
	CurrentPageID string         `json:"currentPageId"`
	Status        SessionStatus  `json:"status"`
	UserState     map[string]any `json:"userState"`
	GroupID       string         `json:"groupId,omitempty"`

	// EventCursor is the last push-stream sequence acknowledged by the client.
	EventCursor int64 `json:"eventCursor"`
	// NextSequence is the next event sequence to allocate (sequences start at 1).
	NextSequence int64 `json:"-"`
	// Version is the optimistic-concurrency counter for CAS writes.
	Version int64 `json:"-"`

	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
}

// Clone returns a deep copy so callers can mutate snapshots freely.
func (s *Session) Clone() *Session {
	cp := *s
	cp.UserState = CloneState(s.UserState)
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// CloneState deep-copies a state map (maps only; scalar and slice values are
// shared, which is safe because state values are treated as immutable).
func CloneState(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = CloneState(sub)
			continue
		}
		out[k] = v
	}
	return out
}
