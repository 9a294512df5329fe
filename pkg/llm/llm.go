// Package llm is a thin provider-agnostic layer over the model SDKs. Agent
// workers speak this interface; the concrete provider is chosen per agent
// from the model identifier in the experiment config.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	User      Role = "user"
	Assistant Role = "assistant"
)

// LLM generates model responses from a conversation transcript.
type LLM interface {
	// Name identifies the provider for logging.
	Name() string

	// Generate returns a complete response in one call.
	Generate(ctx context.Context, messages []*Message, opts ...GenerateOption) (*Response, error)

	// Stream returns a response incrementally. Providers without true
	// streaming support return a single-shot stream wrapping Generate.
	Stream(ctx context.Context, messages []*Message, opts ...GenerateOption) (Stream, error)

	// SupportsStreaming reports whether Stream yields genuine deltas.
	SupportsStreaming() bool
}

// Message is one conversation turn. Content is ordered; a turn may mix text
// with tool use or tool results.
type Message struct {
	Role    Role      `json:"role"`
	Content []Content `json:"content"`
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if t, ok := c.(*TextContent); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// ContentType discriminates content blocks.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

// Content is one block within a message.
type Content interface {
	Type() ContentType
}

type TextContent struct {
	Text string `json:"text"`
}

func (c *TextContent) Type() ContentType { return ContentTypeText }

// ToolUseContent is a model-initiated tool call. Input is the raw JSON
// arguments as produced by the model.
type ToolUseContent struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (c *ToolUseContent) Type() ContentType { return ContentTypeToolUse }

// ToolResultContent reports a tool call outcome back to the model.
type ToolResultContent struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

func (c *ToolResultContent) Type() ContentType { return ContentTypeToolResult }

// NewUserMessage builds a single-text user turn.
func NewUserMessage(text string) *Message {
	return &Message{Role: User, Content: []Content{&TextContent{Text: text}}}
}

// NewAssistantMessage builds a single-text assistant turn.
func NewAssistantMessage(text string) *Message {
	return &Message{Role: Assistant, Content: []Content{&TextContent{Text: text}}}
}

// NewToolResultMessage wraps tool outcomes into the user turn the APIs
// expect after an assistant tool_use turn.
func NewToolResultMessage(results ...*ToolResultContent) *Message {
	content := make([]Content, 0, len(results))
	for _, r := range results {
		content = append(content, r)
	}
	return &Message{Role: User, Content: content}
}

// Tool describes a callable tool advertised to the model. InputSchema is a
// JSON Schema object.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Usage reports token consumption for one generation.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Response is a complete model turn.
type Response struct {
	ID         string    `json:"id,omitempty"`
	Model      string    `json:"model,omitempty"`
	Content    []Content `json:"content"`
	StopReason string    `json:"stopReason,omitempty"`
	Usage      Usage     `json:"usage"`
}

// Text concatenates the response's text blocks.
func (r *Response) Text() string {
	var sb strings.Builder
	for _, c := range r.Content {
		if t, ok := c.(*TextContent); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the response's tool_use blocks in order.
func (r *Response) ToolCalls() []*ToolUseContent {
	var calls []*ToolUseContent
	for _, c := range r.Content {
		if tc, ok := c.(*ToolUseContent); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// GenerateOption configures a single generation.
type GenerateOption func(*GenerateConfig)

// GenerateConfig holds per-call generation parameters.
type GenerateConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    *int
	Temperature  *float64
	Tools        []Tool
}

// Apply runs the options against the config.
func (c *GenerateConfig) Apply(opts ...GenerateOption) {
	for _, opt := range opts {
		opt(c)
	}
}

// WithModel overrides the provider's default model for this call.
func WithModel(model string) GenerateOption {
	return func(c *GenerateConfig) { c.Model = model }
}

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) GenerateOption {
	return func(c *GenerateConfig) { c.SystemPrompt = prompt }
}

// WithMaxTokens sets the completion token cap.
func WithMaxTokens(maxTokens int) GenerateOption {
	return func(c *GenerateConfig) { c.MaxTokens = &maxTokens }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temperature float64) GenerateOption {
	return func(c *GenerateConfig) { c.Temperature = &temperature }
}

// WithTools advertises tools for this call.
func WithTools(tools ...Tool) GenerateOption {
	return func(c *GenerateConfig) { c.Tools = tools }
}
