package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tandemhq/tandem/pkg/models"
)

const (
	defaultAnthropicModel   = "claude-sonnet-4-20250514"
	defaultAnthropicWindow  = 200000
	defaultAnthropicMaxTok  = 4096
	minThinkingBudgetTokens = 1024
)

// AnthropicConfig configures the remote adapter.
type AnthropicConfig struct {
	APIKey        string
	Model         string
	ContextWindow int
	MaxTokens     int

	// BaseURL overrides the API endpoint (tests, proxies).
	BaseURL string

	// RequestTimeout bounds each API call. Zero uses the SDK default.
	RequestTimeout time.Duration
}

// AnthropicProvider is the remote backend adapter. Unlike the local
// adapter it uses native tool-use blocks: tool definitions travel in the
// request and tool calls come back as structured content blocks.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	window    int
	maxTokens int
}

// NewAnthropic builds the adapter. Construction is cheap so the pooled
// provider can create one per call.
func NewAnthropic(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	window := cfg.ContextWindow
	if window <= 0 {
		window = defaultAnthropicWindow
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTok
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     model,
		window:    window,
		maxTokens: maxTokens,
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) Model() string        { return p.model }
func (p *AnthropicProvider) ContextWindow() int   { return p.window }
func (p *AnthropicProvider) SupportsVision() bool { return true }

// Chat streams a completion, forwarding text and thinking deltas to the
// request callbacks and assembling tool calls across events.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	var (
		content  strings.Builder
		thinking strings.Builder
		calls    []models.ToolCall
		usage    Usage

		currentTool      *models.ToolCall
		currentToolInput strings.Builder
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(ms.Message.Usage.InputTokens)
			}

		case "content_block_start":
			cb := event.AsContentBlockStart().ContentBlock
			if cb.Type == "tool_use" {
				tu := cb.AsToolUse()
				currentTool = &models.ToolCall{ID: tu.ID, Name: tu.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					if req.OnToken != nil {
						req.OnToken(delta.Text)
					}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinking.WriteString(delta.Thinking)
					if req.OnThinking != nil {
						req.OnThinking(delta.Thinking)
					}
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				args := map[string]any{}
				if s := currentToolInput.String(); s != "" {
					if err := json.Unmarshal([]byte(s), &args); err != nil {
						return nil, NewProviderError(p.Name(),
							fmt.Sprintf("invalid tool input for %s: %v", currentTool.Name, err), err)
					}
				}
				currentTool.Arguments = args
				calls = append(calls, *currentTool)
				currentTool = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, p.mapError(err)
	}

	return &ChatResponse{
		Content:   content.String(),
		ToolCalls: calls,
		Usage:     usage,
		Model:     p.model,
		Thinking:  thinking.String(),
	}, nil
}

func (p *AnthropicProvider) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	system, messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.ThinkingBudget > 0 {
		budget := int64(req.ThinkingBudget)
		if budget < minThinkingBudgetTokens {
			budget = minThinkingBudgetTokens
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// convertMessages extracts the system prompt and maps the rest into
// Anthropic content blocks. Runs of consecutive tool results merge into
// one user message of tool_result blocks, per the API's requirement that
// results for a tool_use turn arrive together.
func (p *AnthropicProvider) convertMessages(msgs []models.Message) (string, []anthropic.MessageParam, error) {
	var system strings.Builder
	var result []anthropic.MessageParam

	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		switch m.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Text())

		case models.RoleUser:
			blocks, err := userBlocks(m)
			if err != nil {
				return "", nil, err
			}
			result = append(result, anthropic.NewUserMessage(blocks...))

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		case models.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			j := i
			for j < len(msgs) && msgs[j].Role == models.RoleTool {
				tr := msgs[j]
				isError := tr.Metadata["is_error"] == "true"
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, isError))
				j++
			}
			result = append(result, anthropic.NewUserMessage(blocks...))
			i = j - 1
		}
	}
	return system.String(), result, nil
}

func userBlocks(m models.Message) ([]anthropic.ContentBlockParamUnion, error) {
	if len(m.Parts) == 0 {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}, nil
	}
	var blocks []anthropic.ContentBlockParamUnion
	for _, part := range m.Parts {
		switch part.Type {
		case models.PartImage:
			mediaType, data, ok := splitDataURL(part.URL)
			if !ok {
				blocks = append(blocks, anthropic.NewTextBlock("[unsupported image reference]"))
				continue
			}
			blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
		default:
			blocks = append(blocks, anthropic.NewTextBlock(part.Text))
		}
	}
	return blocks, nil
}

// splitDataURL decomposes "data:image/png;base64,AAAA" into media type and
// payload.
func splitDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	return mediaType, payload, true
}

func (p *AnthropicProvider) convertTools(defs []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: invalid schema for tool %q: %w", def.Name, err)
			}
		}
		tp := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tp.OfTool != nil && def.Description != "" {
			tp.OfTool.Description = anthropic.String(def.Description)
		}
		tools = append(tools, tp)
	}
	return tools, nil
}

// anthropicErrorPayload mirrors the API's error envelope.
type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) mapError(err error) error {
	var apiErr *anthropic.Error
	msg := err.Error()
	status := 0
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				msg = payload.Error.Message
			}
		}
	}

	if Classify(msg) == KindContextOverflow {
		pt, cs := parseOverflow(msg)
		if cs == 0 {
			cs = p.window
		}
		return &ContextSizeError{PromptTokens: pt, ContextSize: cs}
	}

	pe := NewProviderError(p.Name(), msg, err).WithModel(p.model)
	if status != 0 {
		pe = pe.WithStatus(status)
	}
	return pe
}
