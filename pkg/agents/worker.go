package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/experiment"
	"github.com/pairit-lab/pairit/pkg/llm"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

const (
	// turnTimeout caps one full agent turn, tool continuations included.
	turnTimeout = 60 * time.Second
	// dormantThreshold is the number of consecutive failed turns after which
	// the agent stops auto-responding in the group.
	dormantThreshold = 3
	// maxToolRounds bounds tool-call continuations within a single turn.
	maxToolRounds = 8

	agentMaxTokens = 1024

	unavailableNotice = "The assistant is unavailable; the conversation can continue."
)

// worker is one agent seated in one group. Turns run strictly sequentially;
// wakes arriving mid-turn coalesce into a single follow-up turn against the
// then-current history.
type worker struct {
	engine SessionEngine
	chat   ChatService
	groups GroupStore
	group  *models.Group
	agent  *experiment.AgentDef
	model  llm.LLM
	tools  []llm.Tool
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	failures int
	dormant  bool
}

func newWorker(eng SessionEngine, chatSvc ChatService, groups GroupStore, group *models.Group, agent *experiment.AgentDef, model llm.LLM, logger *slog.Logger) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		engine: eng,
		chat:   chatSvc,
		groups: groups,
		group:  group,
		agent:  agent,
		model:  model,
		tools:  buildToolSchemas(agent),
		logger: logger.With("group_id", group.GroupID, "agent_id", agent.ID),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

func (w *worker) start() {
	w.wg.Add(1)
	go w.run()
}

// signal requests a turn. Signals during a turn coalesce.
func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// stop cancels the group-lifetime context. It does not wait; a worker must
// be able to stop itself from inside its own turn (end_chat).
func (w *worker) stop() {
	w.stopOnce.Do(w.cancel)
}

func (w *worker) wait() {
	w.wg.Wait()
}

func (w *worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
			if w.dormant {
				continue
			}
			if err := w.takeTurn(); err != nil {
				w.failures++
				w.reportFailure(err)
				if w.failures >= dormantThreshold {
					w.dormant = true
					w.logger.Warn("Agent marked dormant after repeated failures",
						"failures", w.failures)
					w.markDormant()
				}
			} else {
				w.failures = 0
			}
		}
	}
}

// takeTurn runs one completion, streaming deltas to the room, and loops
// through tool continuations until the model produces a plain text turn.
func (w *worker) takeTurn() error {
	ctx, cancel := context.WithTimeout(w.ctx, turnTimeout)
	defer cancel()

	transcript, err := w.buildTranscript(ctx)
	if err != nil {
		return err
	}

	invalidCalls := 0
	for round := 0; round < maxToolRounds; round++ {
		response, err := w.streamCompletion(ctx, transcript)
		if err != nil {
			return err
		}

		if text := response.Text(); text != "" {
			if _, _, err := w.chat.SendMessage(ctx, w.group.GroupID, models.SenderAgent, w.agent.ID, text, ""); err != nil {
				if engine.CodeOf(err) == engine.CodeGone {
					// Room closed mid-turn; nothing left to say.
					return nil
				}
				return fmt.Errorf("failed to persist agent message: %w", err)
			}
		}

		calls := response.ToolCalls()
		if len(calls) == 0 {
			return nil
		}

		assistant := &llm.Message{Role: llm.Assistant}
		if text := response.Text(); text != "" {
			assistant.Content = append(assistant.Content, &llm.TextContent{Text: text})
		}
		results := make([]*llm.ToolResultContent, 0, len(calls))
		ended := false
		for _, call := range calls {
			assistant.Content = append(assistant.Content, call)
			result := w.dispatchTool(ctx, call)
			results = append(results, result)
			if result.IsError {
				invalidCalls++
			}
			if call.Name == toolEndChat && !result.IsError {
				ended = true
			}
		}
		if ended {
			return nil
		}
		if invalidCalls > 1 {
			// The model got one retry after a bad call; drop the turn.
			w.emitAgentError("repeated invalid tool calls")
			return nil
		}
		transcript = append(transcript, assistant, llm.NewToolResultMessage(results...))
	}
	return errors.New("tool continuation limit reached")
}

// streamCompletion issues one completion, broadcasting text deltas as
// ephemeral agent_message_delta events.
func (w *worker) streamCompletion(ctx context.Context, transcript []*llm.Message) (*llm.Response, error) {
	opts := []llm.GenerateOption{llm.WithMaxTokens(agentMaxTokens)}
	if w.agent.SystemPrompt != "" {
		opts = append(opts, llm.WithSystemPrompt(w.agent.SystemPrompt))
	}
	if len(w.tools) > 0 {
		opts = append(opts, llm.WithTools(w.tools...))
	}

	stream, err := w.model.Stream(ctx, transcript, opts...)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer func() { _ = stream.Close() }()

	var response *llm.Response
	for {
		ev, ok := stream.Next(ctx)
		if !ok {
			break
		}
		switch ev.Type {
		case llm.EventTextDelta:
			w.broadcastDelta(ev.TextDelta)
		case llm.EventResponse:
			response = ev.Response
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("completion stream failed: %w", err)
	}
	if response == nil {
		return nil, errors.New("completion stream ended without a response")
	}
	return response, nil
}

func (w *worker) broadcastDelta(chunk string) {
	data := map[string]any{
		"agentId": w.agent.ID,
		"groupId": w.group.GroupID,
		"chunk":   chunk,
	}
	for _, member := range w.group.MemberSessionIDs {
		w.engine.PublishEphemeral(member, models.EventTypeAgentMessageDelta, data)
	}
}

// buildTranscript converts the persisted room history into a model
// transcript: this agent's messages become assistant turns, everything else
// becomes attributed user turns. Consecutive same-role turns are merged
// because the providers require alternation.
func (w *worker) buildTranscript(ctx context.Context) ([]*llm.Message, error) {
	history, err := w.chat.ReplayHistory(ctx, w.group.GroupID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	var transcript []*llm.Message
	appendTurn := func(role llm.Role, text string) {
		if n := len(transcript); n > 0 && transcript[n-1].Role == role {
			transcript[n-1].Content = append(transcript[n-1].Content, &llm.TextContent{Text: "\n" + text})
			return
		}
		transcript = append(transcript, &llm.Message{Role: role, Content: []llm.Content{&llm.TextContent{Text: text}}})
	}
	for _, msg := range history {
		if msg.SenderKind == models.SenderAgent && msg.SenderID == w.agent.ID {
			appendTurn(llm.Assistant, msg.Body)
			continue
		}
		label := msg.SenderID
		if msg.SenderKind == models.SenderSystem {
			label = "system"
		}
		appendTurn(llm.User, fmt.Sprintf("%s: %s", label, msg.Body))
	}
	if len(transcript) == 0 || transcript[len(transcript)-1].Role == llm.Assistant {
		appendTurn(llm.User, "The conversation is open. Continue it with your next message.")
	}
	return transcript, nil
}

// reportFailure posts the one-line system notice to the room and persists an
// agent_error event for every member. Runs on a fresh context because the
// turn's context is typically already dead.
func (w *worker) reportFailure(turnErr error) {
	w.logger.Error("Agent turn failed", "error", turnErr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, _, err := w.chat.SendMessage(ctx, w.group.GroupID, models.SenderSystem, "", unavailableNotice, ""); err != nil {
		w.logger.Warn("Failed to post unavailability notice", "error", err)
	}
	w.emitAgentErrorCtx(ctx, turnErr.Error())
}

// markDormant records the status in group shared state so clients and data
// exports can see the room lost its agent.
func (w *worker) markDormant() {
	if w.groups == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	write := store.StateWrite{Path: "agents." + w.agent.ID + ".dormant", Value: true}
	for attempt := 0; attempt < 3; attempt++ {
		group, err := w.groups.GetGroup(ctx, w.group.GroupID)
		if err != nil {
			w.logger.Warn("Failed to load group for dormancy write", "error", err)
			return
		}
		_, err = w.groups.UpdateGroup(ctx, group.GroupID, group.Version, store.GroupPatch{
			SharedWrites: []store.StateWrite{write},
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			w.logger.Warn("Failed to record agent dormancy", "error", err)
		}
		return
	}
}

func (w *worker) emitAgentError(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.emitAgentErrorCtx(ctx, reason)
}

func (w *worker) emitAgentErrorCtx(ctx context.Context, reason string) {
	data := map[string]any{
		"agentId": w.agent.ID,
		"groupId": w.group.GroupID,
		"error":   reason,
	}
	for _, member := range w.group.MemberSessionIDs {
		if _, err := w.engine.ApplyServerEvent(ctx, member, engine.ServerEvent{
			Type:        models.EventTypeAgentError,
			ComponentID: w.agent.ID,
			Data:        data,
		}); err != nil {
			w.logger.Warn("Failed to persist agent_error",
				"session_id", member, "error", err)
		}
	}
}
