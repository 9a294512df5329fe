package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIProvider implements LLM on the OpenAI Responses API. It does not
// stream; Stream wraps Generate in a single-shot stream.
type OpenAIProvider struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAI builds an OpenAI-backed provider.
func NewOpenAI(apiKey, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &OpenAIProvider{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: defaultMaxTokens,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) SupportsStreaming() bool { return false }

func (p *OpenAIProvider) Generate(ctx context.Context, messages []*Message, opts ...GenerateOption) (*Response, error) {
	params, err := p.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}
	response, err := p.client.Responses.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("openai responses.new: %w", err)
	}
	return translateOpenAIResponse(response), nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, messages []*Message, opts ...GenerateOption) (Stream, error) {
	response, err := p.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	return &singleShotStream{response: response}, nil
}

func (p *OpenAIProvider) buildParams(messages []*Message, opts []GenerateOption) (*responses.ResponseNewParams, error) {
	config := &GenerateConfig{}
	config.Apply(opts...)

	input, err := encodeOpenAIInput(messages)
	if err != nil {
		return nil, err
	}
	model := config.Model
	if model == "" {
		model = p.model
	}
	params := &responses.ResponseNewParams{
		Model: openai.ChatModel(model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: input,
		},
	}
	if config.SystemPrompt != "" {
		params.Instructions = openai.String(config.SystemPrompt)
	}
	if config.MaxTokens != nil && *config.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(*config.MaxTokens))
	} else {
		params.MaxOutputTokens = openai.Int(int64(p.maxTokens))
	}
	if config.Temperature != nil {
		params.Temperature = openai.Float(*config.Temperature)
	}
	for _, tool := range config.Tools {
		params.Tools = append(params.Tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        tool.Name,
				Strict:      openai.Bool(false),
				Description: openai.String(tool.Description),
				Parameters:  tool.InputSchema,
			},
		})
	}
	return params, nil
}

func encodeOpenAIInput(messages []*Message) ([]responses.ResponseInputItemUnionParam, error) {
	var items []responses.ResponseInputItemUnionParam
	for _, m := range messages {
		var content []responses.ResponseInputContentUnionParam
		for _, block := range m.Content {
			switch c := block.(type) {
			case *TextContent:
				content = append(content, responses.ResponseInputContentUnionParam{
					OfInputText: &responses.ResponseInputTextParam{Text: c.Text},
				})
			case *ToolUseContent:
				// The Responses API carries function calls as output items;
				// when replaying the transcript we fold them into text.
				content = append(content, responses.ResponseInputContentUnionParam{
					OfInputText: &responses.ResponseInputTextParam{
						Text: fmt.Sprintf("Tool use: %s %s", c.Name, string(c.Input)),
					},
				})
			case *ToolResultContent:
				content = append(content, responses.ResponseInputContentUnionParam{
					OfInputText: &responses.ResponseInputTextParam{
						Text: fmt.Sprintf("Tool result: %s", c.Content),
					},
				})
			default:
				return nil, fmt.Errorf("openai: unsupported content type %T", block)
			}
		}
		if len(content) == 0 {
			continue
		}
		items = append(items, responses.ResponseInputItemUnionParam{
			OfMessage: &responses.EasyInputMessageParam{
				Role: responses.EasyInputMessageRole(m.Role),
				Content: responses.EasyInputMessageContentUnionParam{
					OfInputItemContentList: content,
				},
			},
		})
	}
	if len(items) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return items, nil
}

func translateOpenAIResponse(response *responses.Response) *Response {
	resp := &Response{
		ID:    response.ID,
		Model: string(response.Model),
		Usage: Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}
	for _, item := range response.Output {
		switch item.Type {
		case "message":
			msg := item.AsMessage()
			for _, content := range msg.Content {
				if content.Type == "output_text" {
					resp.Content = append(resp.Content, &TextContent{Text: content.AsOutputText().Text})
				}
			}
		case "function_call":
			call := item.AsFunctionCall()
			resp.Content = append(resp.Content, &ToolUseContent{
				ID:    call.CallID,
				Name:  call.Name,
				Input: []byte(call.Arguments),
			})
		}
	}
	if len(resp.ToolCalls()) > 0 {
		resp.StopReason = "tool_use"
	} else {
		resp.StopReason = "end_turn"
	}
	return resp
}
