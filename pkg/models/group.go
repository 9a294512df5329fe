package models

import "time"

// Group is a fixed-size set of sessions formed atomically by the matchmaker.
// Groups are never re-opened; member departure marks the session, not the group.
type Group struct {
	GroupID          string         `json:"groupId"`
	PoolID           string         `json:"poolId"`
	ConfigID         string         `json:"configId"`
	MemberSessionIDs []string       `json:"memberSessionIds"`
	Treatment        string         `json:"treatment,omitempty"`
	SharedState      map[string]any `json:"sharedState,omitempty"`
	ChatGroupID      string         `json:"chatGroupId"`
	// NextChatSequence allocates the per-group chat message order (starts at 1).
	NextChatSequence int64 `json:"-"`
	// Version is the optimistic-concurrency counter for CAS writes.
	Version   int64      `json:"-"`
	ChatEnded bool       `json:"chatEnded"`
	CreatedAt time.Time  `json:"createdAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// HasMember reports whether sessionID belongs to the group.
func (g *Group) HasMember(sessionID string) bool {
	for _, id := range g.MemberSessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// PoolEntry is a persisted matchmaking queue entry. The in-memory queue is
// rebuilt from these rows after a restart.
type PoolEntry struct {
	SessionID  string    `json:"sessionId"`
	ConfigID   string    `json:"configId"`
	PoolID     string    `json:"poolId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}
