package models

import "time"

// SenderKind identifies who authored a chat message.
type SenderKind string

const (
	SenderParticipant SenderKind = "participant"
	SenderAgent       SenderKind = "agent"
	SenderSystem      SenderKind = "system"
)

// IsValid reports whether k is a known sender kind.
func (k SenderKind) IsValid() bool {
	switch k {
	case SenderParticipant, SenderAgent, SenderSystem:
		return true
	}
	return false
}

// ChatMessage is one persisted message in a group chat room. Sequence is
// strictly total per group and identical for every member.
type ChatMessage struct {
	MessageID  string     `json:"messageId"`
	GroupID    string     `json:"groupId"`
	SenderKind SenderKind `json:"senderKind"`
	// SenderID is a session id for participants, an agent id for agents,
	// and empty for system notices.
	SenderID  string    `json:"senderId,omitempty"`
	Body      string    `json:"body"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"createdAt"`
}
