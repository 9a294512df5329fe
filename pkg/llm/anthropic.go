package llm

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultMaxTokens = 4096

// AnthropicProvider implements LLM on the Claude Messages API.
type AnthropicProvider struct {
	client    sdk.Client
	model     string
	maxTokens int
}

// NewAnthropic builds a Claude-backed provider.
func NewAnthropic(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &AnthropicProvider{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: defaultMaxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) SupportsStreaming() bool { return true }

func (p *AnthropicProvider) Generate(ctx context.Context, messages []*Message, opts ...GenerateOption) (*Response, error) {
	params, err := p.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateAnthropicMessage(msg), nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, messages []*Message, opts ...GenerateOption) (Stream, error) {
	params, err := p.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return &anthropicStream{stream: stream}, nil
}

func (p *AnthropicProvider) buildParams(messages []*Message, opts []GenerateOption) (*sdk.MessageNewParams, error) {
	config := &GenerateConfig{}
	config.Apply(opts...)

	conversation, err := encodeAnthropicMessages(messages)
	if err != nil {
		return nil, err
	}
	model := config.Model
	if model == "" {
		model = p.model
	}
	maxTokens := p.maxTokens
	if config.MaxTokens != nil && *config.MaxTokens > 0 {
		maxTokens = *config.MaxTokens
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if config.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: config.SystemPrompt}}
	}
	if config.Temperature != nil {
		params.Temperature = sdk.Float(*config.Temperature)
	}
	for _, tool := range config.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: tool.InputSchema}, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func encodeAnthropicMessages(messages []*Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, content := range m.Content {
			switch c := content.(type) {
			case *TextContent:
				if c.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(c.Text))
				}
			case *ToolUseContent:
				blocks = append(blocks, sdk.NewToolUseBlock(c.ID, c.Input, c.Name))
			case *ToolResultContent:
				blocks = append(blocks, sdk.NewToolResultBlock(c.ToolUseID, c.Content, c.IsError))
			default:
				return nil, fmt.Errorf("anthropic: unsupported content type %T", content)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case User:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case Assistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return conversation, nil
}

func translateAnthropicMessage(msg *sdk.Message) *Response {
	resp := &Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				resp.Content = append(resp.Content, &TextContent{Text: block.Text})
			}
		case "tool_use":
			resp.Content = append(resp.Content, &ToolUseContent{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	return resp
}

// anthropicStream adapts the SDK event stream, accumulating the full message
// so the terminal event carries the complete response.
type anthropicStream struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	acc    sdk.Message
	done   bool
	err    error
}

func (s *anthropicStream) Next(ctx context.Context) (*Event, bool) {
	if s.done {
		return nil, false
	}
	for s.stream.Next() {
		if err := ctx.Err(); err != nil {
			s.done = true
			s.err = err
			return nil, false
		}
		event := s.stream.Current()
		if err := s.acc.Accumulate(event); err != nil {
			s.done = true
			s.err = fmt.Errorf("anthropic stream accumulate: %w", err)
			return nil, false
		}
		if ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return &Event{Type: EventTextDelta, TextDelta: delta.Text}, true
			}
		}
	}
	s.done = true
	if err := s.stream.Err(); err != nil {
		s.err = err
		return nil, false
	}
	return &Event{Type: EventResponse, Response: translateAnthropicMessage(&s.acc)}, true
}

func (s *anthropicStream) Err() error { return s.err }

func (s *anthropicStream) Close() error { return s.stream.Close() }
