// Package agents hosts the server-side AI chat participants. Each agent in a
// formed group gets its own worker goroutine that reacts to participant
// messages, streams model output to the room, and dispatches model-invoked
// tool calls back into the session engine.
package agents

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/experiment"
	"github.com/pairit-lab/pairit/pkg/llm"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

// ChatService is the slice of the chat coordinator agent workers use.
type ChatService interface {
	SendMessage(ctx context.Context, groupID string, senderKind models.SenderKind, senderID, body, idempotencyKey string) (*models.ChatMessage, bool, error)
	ReplayHistory(ctx context.Context, groupID string, afterSequence int64) ([]*models.ChatMessage, error)
	EndChat(ctx context.Context, groupID, endedBy string) error
}

// SessionEngine is the slice of the session engine agent workers drive.
type SessionEngine interface {
	ApplyServerEvent(ctx context.Context, sessionID string, ev engine.ServerEvent) (*engine.Snapshot, error)
	PublishEphemeral(sessionID string, eventType string, data map[string]any)
}

// GroupStore is the slice of the persistence layer workers use to surface
// agent status in group shared state. Optional; nil skips the writes.
type GroupStore interface {
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	UpdateGroup(ctx context.Context, groupID string, expectedVersion int64, patch store.GroupPatch) (*models.Group, error)
}

// LLMFactory resolves a model identifier to a provider. Defaults to
// llm.ForModel; tests substitute a fake.
type LLMFactory func(model string) (llm.LLM, error)

// Manager spawns and tracks agent workers per group. It listens to the
// matchmaker for group formation and to the chat coordinator for room
// activity.
type Manager struct {
	engine  SessionEngine
	chat    ChatService
	groups  GroupStore
	factory LLMFactory
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]map[string]*worker // groupID → agentID → worker
	closed  bool
}

// NewManager creates a Manager. A nil factory uses llm.ForModel.
func NewManager(eng SessionEngine, chatSvc ChatService, factory LLMFactory, logger *slog.Logger) *Manager {
	if factory == nil {
		factory = llm.ForModel
	}
	return &Manager{
		engine:  eng,
		chat:    chatSvc,
		factory: factory,
		logger:  logger.With("component", "agents"),
		workers: make(map[string]map[string]*worker),
	}
}

// SetGroupStore wires the persistence layer for agent-status writes. Called
// once during startup, before any group forms.
func (m *Manager) SetGroupStore(gs GroupStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = gs
}

// OnGroupFormed spawns a worker per agent listed on the config's chat
// component. When the component declares agentStarts, the first agent is
// woken immediately to open the conversation.
func (m *Manager) OnGroupFormed(group *models.Group, cfg *experiment.Config) {
	props := chatProps(cfg)
	if props == nil || len(props.AgentIDs) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.workers[group.GroupID] == nil {
		m.workers[group.GroupID] = make(map[string]*worker)
	}
	for i, agentID := range props.AgentIDs {
		if _, exists := m.workers[group.GroupID][agentID]; exists {
			continue
		}
		agent, ok := cfg.Agent(agentID)
		if !ok {
			m.logger.Warn("Chat component references unknown agent",
				"group_id", group.GroupID, "agent_id", agentID)
			continue
		}
		model, err := m.factory(agent.Model)
		if err != nil {
			m.logger.Error("Failed to build model provider for agent",
				"agent_id", agentID, "model", agent.Model, "error", err)
			continue
		}
		w := newWorker(m.engine, m.chat, m.groups, group, agent, model, m.logger)
		m.workers[group.GroupID][agentID] = w
		w.start()
		m.logger.Info("Agent worker spawned",
			"group_id", group.GroupID, "agent_id", agentID, "model", agent.Model)

		if props.AgentStarts && i == 0 {
			w.signal()
		}
	}
}

// OnParticipantMessage wakes every agent worker in the group. Agent and
// system messages never arrive here, so agents cannot trigger each other.
func (m *Manager) OnParticipantMessage(groupID string, _ *models.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers[groupID] {
		w.signal()
	}
}

// OnChatEnded stops the group's workers without waiting for an in-flight
// turn; the workers exit once their current turn completes.
func (m *Manager) OnChatEnded(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers[groupID] {
		w.stop()
	}
	delete(m.workers, groupID)
}

// WorkerCount reports live workers for a group.
func (m *Manager) WorkerCount(groupID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers[groupID])
}

// Shutdown stops all workers and waits for their turns to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	var all []*worker
	for _, group := range m.workers {
		for _, w := range group {
			all = append(all, w)
		}
	}
	m.workers = make(map[string]map[string]*worker)
	m.mu.Unlock()

	for _, w := range all {
		w.stop()
	}
	for _, w := range all {
		w.wait()
	}
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
