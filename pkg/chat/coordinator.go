// Package chat sequences group chat rooms: participant, agent, and system
// messages get a strictly total per-group order, are persisted before any
// member sees them, and fan out through the push layer to every member
// session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/experiment"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

// defaultMaxMessageLen bounds participant messages when the chat component
// does not declare its own limit.
const defaultMaxMessageLen = 2000

// Listener observes room activity. The agent runtime registers one so agent
// workers wake on participant messages and stand down when the chat ends.
type Listener interface {
	OnParticipantMessage(groupID string, msg *models.ChatMessage)
	OnChatEnded(groupID string)
}

// Publisher fans events out to session subscribers.
type Publisher interface {
	Publish(sessionID string, events []*models.Event)
}

// ConfigSource resolves compiled configs.
type ConfigSource interface {
	Config(ctx context.Context, configID string) (*experiment.Config, error)
}

// Coordinator owns message ordering and delivery for all chat rooms.
type Coordinator struct {
	store     store.Store
	publisher Publisher
	configs   ConfigSource
	logger    *slog.Logger

	mu       sync.RWMutex
	listener Listener
}

// New creates a Coordinator. Call SetListener before agents join rooms.
func New(st store.Store, pub Publisher, configs ConfigSource, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		publisher: pub,
		configs:   configs,
		logger:    logger.With("component", "chat"),
	}
}

// SetListener wires the agent runtime. Called once during startup.
func (c *Coordinator) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *Coordinator) getListener() Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listener
}

// SendMessage validates, persists, and fans out one message. Participant
// senders must be current members, identified by session id; the sender sees
// its own message confirmed on the push stream, never in the POST response
// ahead of persistence. Replaying the sender's idempotency key returns the
// original message.
func (c *Coordinator) SendMessage(ctx context.Context, groupID string, senderKind models.SenderKind, senderID, body, idempotencyKey string) (*models.ChatMessage, bool, error) {
	group, err := c.loadGroup(ctx, groupID)
	if err != nil {
		return nil, false, err
	}
	if group.ChatEnded {
		return nil, false, engine.Errorf(engine.CodeGone, "chat has ended")
	}
	if senderKind == models.SenderParticipant {
		if !group.HasMember(senderID) {
			return nil, false, engine.Errorf(engine.CodeForbidden, "sender is not a member of this group")
		}
		if idempotencyKey != "" {
			if prior, err := c.replayedMessage(ctx, senderID, idempotencyKey); err != nil {
				return nil, false, err
			} else if prior != nil {
				return prior, true, nil
			}
		}
	}
	if err := c.validateBody(ctx, group, body); err != nil {
		return nil, false, err
	}

	msg, err := c.store.AppendChatMessage(ctx, &models.ChatMessage{
		MessageID:  uuid.New().String(),
		GroupID:    groupID,
		SenderKind: senderKind,
		SenderID:   senderID,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to persist chat message: %w", err)
	}

	c.fanOut(ctx, group, msg, senderID, idempotencyKey)

	if senderKind == models.SenderParticipant {
		if l := c.getListener(); l != nil {
			l.OnParticipantMessage(groupID, msg)
		}
	}
	return msg, false, nil
}

// replayedMessage reconstructs a prior SendMessage outcome from the sender's
// event log.
func (c *Coordinator) replayedMessage(ctx context.Context, sessionID, key string) (*models.ChatMessage, error) {
	ev, err := c.store.CheckIdempotency(ctx, sessionID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	msg := &models.ChatMessage{GroupID: str(ev.Data["groupId"]), MessageID: str(ev.Data["messageId"]), Body: str(ev.Data["body"])}
	msg.SenderKind = models.SenderKind(str(ev.Data["senderKind"]))
	msg.SenderID = str(ev.Data["senderId"])
	switch seq := ev.Data["groupSequence"].(type) {
	case int64:
		msg.Sequence = seq
	case float64: // JSON round-trip through the store
		msg.Sequence = int64(seq)
	}
	return msg, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func (c *Coordinator) validateBody(ctx context.Context, group *models.Group, body string) error {
	if body == "" {
		return engine.Errorf(engine.CodeInvalidEvent, "message body is empty")
	}
	limit := defaultMaxMessageLen
	if cfg, err := c.configs.Config(ctx, group.ConfigID); err == nil {
		if props := chatProps(cfg); props != nil && props.MaxMessageLen > 0 {
			limit = props.MaxMessageLen
		}
	}
	if len(body) > limit {
		return engine.Errorf(engine.CodeInvalidEvent, "message exceeds the %d character limit", limit)
	}
	return nil
}

// chatProps finds the config's chat component, if any page carries one.
func chatProps(cfg *experiment.Config) *experiment.ChatProps {
	for _, p := range cfg.Pages {
		if comp := p.ChatComponent(); comp != nil {
			return comp.Chat
		}
	}
	return nil
}

// fanOut appends the message event to every member session and publishes it.
// Agent-authored messages go out as agent_message, everything else as
// chat_message. Only the sender's copy carries the idempotency key.
func (c *Coordinator) fanOut(ctx context.Context, group *models.Group, msg *models.ChatMessage, senderSessionID, idempotencyKey string) {
	data := map[string]any{
		"messageId":     msg.MessageID,
		"groupId":       msg.GroupID,
		"senderKind":    string(msg.SenderKind),
		"senderId":      msg.SenderID,
		"body":          msg.Body,
		"groupSequence": msg.Sequence,
	}
	eventType := models.EventTypeChatMessage
	if msg.SenderKind == models.SenderAgent {
		eventType = models.EventTypeAgentMessage
		data["agentId"] = msg.SenderID
	}
	for _, memberID := range group.MemberSessionIDs {
		key := ""
		if memberID == senderSessionID {
			key = idempotencyKey
		}
		events, err := c.store.AppendEvents(ctx, memberID, []*models.Event{{
			Type:           eventType,
			ComponentID:    msg.GroupID,
			Data:           data,
			IdempotencyKey: key,
		}})
		if err != nil {
			c.logger.Warn("Failed to deliver chat message to member",
				"group_id", group.GroupID, "session_id", memberID, "error", err)
			continue
		}
		c.publisher.Publish(memberID, events)
	}
}

// ReplayHistory returns the persisted messages after a group sequence, for
// clients re-entering a room.
func (c *Coordinator) ReplayHistory(ctx context.Context, groupID string, afterSequence int64) ([]*models.ChatMessage, error) {
	if _, err := c.loadGroup(ctx, groupID); err != nil {
		return nil, err
	}
	msgs, err := c.store.ListChatMessagesAfter(ctx, groupID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	return msgs, nil
}

// Typing broadcasts an ephemeral typing indicator to the other members.
// Nothing is persisted.
func (c *Coordinator) Typing(ctx context.Context, groupID, senderSessionID string) error {
	group, err := c.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !group.HasMember(senderSessionID) {
		return engine.Errorf(engine.CodeForbidden, "sender is not a member of this group")
	}
	data := map[string]any{"groupId": groupID, "senderId": senderSessionID}
	for _, memberID := range group.MemberSessionIDs {
		if memberID == senderSessionID {
			continue
		}
		c.publisher.Publish(memberID, []*models.Event{{
			SessionID: memberID,
			Type:      models.EventTypeTyping,
			Timestamp: time.Now().UTC(),
			Data:      data,
		}})
	}
	return nil
}

// EndChat marks the room terminal and notifies every member. Further
// SendMessage calls fail with gone; the page's continue button takes over.
// EndedBy is an agent id when a tool call closed the room, empty for the
// idle sweeper.
func (c *Coordinator) EndChat(ctx context.Context, groupID, endedBy string) error {
	for {
		group, err := c.loadGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if group.ChatEnded {
			return nil
		}
		ended := true
		_, err = c.store.UpdateGroup(ctx, groupID, group.Version, store.GroupPatch{ChatEnded: &ended})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to end chat: %w", err)
		}

		data := map[string]any{"groupId": groupID}
		if endedBy != "" {
			data["endedBy"] = endedBy
		}
		for _, memberID := range group.MemberSessionIDs {
			events, err := c.store.AppendEvents(ctx, memberID, []*models.Event{{
				Type:        models.EventTypeChatEnded,
				ComponentID: groupID,
				Data:        data,
			}})
			if err != nil {
				c.logger.Warn("Failed to deliver chat_ended",
					"group_id", groupID, "session_id", memberID, "error", err)
				continue
			}
			c.publisher.Publish(memberID, events)
		}

		if l := c.getListener(); l != nil {
			l.OnChatEnded(groupID)
		}
		c.logger.Info("Chat ended", "group_id", groupID, "ended_by", endedBy)
		return nil
	}
}

func (c *Coordinator) loadGroup(ctx context.Context, groupID string) (*models.Group, error) {
	group, err := c.store.GetGroup(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.Errorf(engine.CodeNotFound, "group %q not found", groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group: %w", err)
	}
	return group, nil
}
