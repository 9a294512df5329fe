package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/experiment"
	"github.com/pairit-lab/pairit/pkg/llm"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

// Built-in tool names.
const (
	toolEndChat     = "end_chat"
	toolAssignState = "assign_state"
)

// buildToolSchemas assembles the built-in tools plus the agent's declared
// custom tools.
func buildToolSchemas(agent *experiment.AgentDef) []llm.Tool {
	tools := []llm.Tool{
		{
			Name:        toolEndChat,
			Description: "End the chat for all participants. Call this when the conversation has reached its conclusion.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        toolAssignState,
			Description: "Write a value into participant state. Applies to every group member unless sessionId targets one.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":      map[string]any{"type": "string", "description": "State path, e.g. user_state.offer"},
					"value":     map[string]any{"description": "The value to write"},
					"sessionId": map[string]any{"type": "string", "description": "Optional member session id"},
				},
				"required": []any{"path"},
			},
		},
	}
	for _, def := range agent.Tools {
		schema := def.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, llm.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return tools
}

// dispatchTool executes one model-invoked tool call and returns the result
// to feed back to the model. Failures surface as error results and persisted
// tool_error events, never as participant-visible failures.
func (w *worker) dispatchTool(ctx context.Context, call *llm.ToolUseContent) *llm.ToolResultContent {
	args := map[string]any{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return w.toolError(ctx, call, fmt.Sprintf("arguments are not a JSON object: %v", err))
		}
	}

	switch call.Name {
	case toolEndChat:
		// Recorded first: EndChat stops this worker, cancelling the turn
		// context before any post-call write could land.
		w.recordToolCall(ctx, call, args, "chat ended")
		if err := w.chat.EndChat(ctx, w.group.GroupID, w.agent.ID); err != nil {
			return w.toolError(ctx, call, fmt.Sprintf("end_chat failed: %v", err))
		}
		return &llm.ToolResultContent{ToolUseID: call.ID, Content: "The chat has been ended."}

	case toolAssignState:
		return w.assignState(ctx, call, args)

	default:
		def := w.customTool(call.Name)
		if def == nil {
			return w.toolError(ctx, call, fmt.Sprintf("unknown tool %q", call.Name))
		}
		if err := validateToolArgs(def.Parameters, args); err != nil {
			return w.toolError(ctx, call, err.Error())
		}
		if def.Effect == experiment.ToolEffectAssignState {
			writes := make([]store.StateWrite, 0, len(args))
			for name, value := range args {
				writes = append(writes, store.StateWrite{Path: "user_state." + name, Value: value})
			}
			if err := w.applyToMembers(ctx, call, args, "", writes); err != nil {
				return w.toolError(ctx, call, err.Error())
			}
			return &llm.ToolResultContent{ToolUseID: call.ID, Content: "State updated."}
		}
		// Effect "none": hand the validated arguments back for continuation.
		w.recordToolCall(ctx, call, args, "")
		echo, _ := json.Marshal(args)
		return &llm.ToolResultContent{ToolUseID: call.ID, Content: string(echo)}
	}
}

func (w *worker) customTool(name string) *experiment.ToolDef {
	for _, def := range w.agent.Tools {
		if def.Name == name {
			return def
		}
	}
	return nil
}

// assignState handles the built-in assign_state tool: one declared
// user_state field, written to every member or to the targeted one.
func (w *worker) assignState(ctx context.Context, call *llm.ToolUseContent, args map[string]any) *llm.ToolResultContent {
	path, _ := args["path"].(string)
	if !strings.HasPrefix(path, "user_state.") {
		return w.toolError(ctx, call, `"path" must start with "user_state."`)
	}
	target, _ := args["sessionId"].(string)
	if target != "" && !w.group.HasMember(target) {
		return w.toolError(ctx, call, fmt.Sprintf("session %q is not a member of this group", target))
	}

	writes := []store.StateWrite{{Path: path, Value: args["value"]}}
	if err := w.applyToMembers(ctx, call, args, target, writes); err != nil {
		return w.toolError(ctx, call, err.Error())
	}
	return &llm.ToolResultContent{ToolUseID: call.ID, Content: "State updated."}
}

// applyToMembers writes state through the engine, persisting a tool_call
// event alongside. An empty target means all members.
func (w *worker) applyToMembers(ctx context.Context, call *llm.ToolUseContent, args map[string]any, target string, writes []store.StateWrite) error {
	members := w.group.MemberSessionIDs
	if target != "" {
		members = []string{target}
	}
	data := w.toolEventData(call, args)
	data["result"] = "ok"
	for _, member := range members {
		if _, err := w.engine.ApplyServerEvent(ctx, member, engine.ServerEvent{
			Type:        models.EventTypeToolCall,
			ComponentID: w.agent.ID,
			Data:        data,
			StateWrites: writes,
		}); err != nil {
			return fmt.Errorf("state write rejected for session %s: %v", member, err)
		}
	}
	return nil
}

// recordToolCall persists a successful side-effect-free tool_call event for
// every member.
func (w *worker) recordToolCall(ctx context.Context, call *llm.ToolUseContent, args map[string]any, result string) {
	data := w.toolEventData(call, args)
	if result != "" {
		data["result"] = result
	}
	for _, member := range w.group.MemberSessionIDs {
		if _, err := w.engine.ApplyServerEvent(ctx, member, engine.ServerEvent{
			Type:        models.EventTypeToolCall,
			ComponentID: w.agent.ID,
			Data:        data,
		}); err != nil {
			w.logger.Warn("Failed to persist tool_call",
				"session_id", member, "tool", call.Name, "error", err)
		}
	}
}

// toolError persists a tool_error event and returns the error result the
// model sees.
func (w *worker) toolError(ctx context.Context, call *llm.ToolUseContent, reason string) *llm.ToolResultContent {
	w.logger.Warn("Tool call rejected", "tool", call.Name, "reason", reason)

	data := w.toolEventData(call, nil)
	data["error"] = reason
	for _, member := range w.group.MemberSessionIDs {
		if _, err := w.engine.ApplyServerEvent(ctx, member, engine.ServerEvent{
			Type:        models.EventTypeToolError,
			ComponentID: w.agent.ID,
			Data:        data,
		}); err != nil {
			w.logger.Warn("Failed to persist tool_error",
				"session_id", member, "tool", call.Name, "error", err)
		}
	}
	return &llm.ToolResultContent{ToolUseID: call.ID, Content: reason, IsError: true}
}

func (w *worker) toolEventData(call *llm.ToolUseContent, args map[string]any) map[string]any {
	data := map[string]any{
		"agentId": w.agent.ID,
		"groupId": w.group.GroupID,
		"tool":    call.Name,
	}
	if args != nil {
		data["arguments"] = args
	} else if len(call.Input) > 0 {
		data["arguments"] = string(call.Input)
	}
	return data
}

// validateToolArgs checks arguments against the declared JSON Schema:
// required fields must be present and declared property types must match.
// Undeclared arguments pass through, matching JSON Schema defaults.
func validateToolArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if _, present := args[name]; name != "" && !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}
	properties, _ := schema["properties"].(map[string]any)
	for name, value := range args {
		prop, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := prop["type"].(string)
		if declared == "" {
			continue
		}
		if !matchesJSONType(declared, value) {
			return fmt.Errorf("argument %q must be of type %s", name, declared)
		}
	}
	return nil
}

func matchesJSONType(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}
