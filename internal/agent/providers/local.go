package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tandemhq/tandem/pkg/models"
)

// LocalConfig configures the local backend adapter.
type LocalConfig struct {
	// BaseURL of the OpenAI-compatible server, e.g. "http://localhost:8080".
	BaseURL string

	// APIKey is optional; most local servers ignore it.
	APIKey string

	Model         string
	ContextWindow int
	Vision        bool
}

// LocalProvider talks to an OpenAI-compatible chat endpoint (llama.cpp,
// vLLM, Ollama's compat layer). Tool calls travel inside free text using
// the <tool_call> marker protocol: the adapter parses markers out of
// completions, reconstructs them when sending prior assistant turns back,
// and merges consecutive tool results into a single <tool_response> user
// turn. Tools are advertised to the model through the system prompt built
// upstream, not through the native tools field.
type LocalProvider struct {
	client        *openai.Client
	model         string
	contextWindow int
	vision        bool
	logger        *slog.Logger
}

// NewLocal builds the adapter. Construction is cheap; no network happens
// until Chat.
func NewLocal(cfg LocalConfig) *LocalProvider {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "none"
	}
	ocfg := openai.DefaultConfig(apiKey)
	ocfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/v1"

	window := cfg.ContextWindow
	if window <= 0 {
		window = 8192
	}
	return &LocalProvider{
		client:        openai.NewClientWithConfig(ocfg),
		model:         cfg.Model,
		contextWindow: window,
		vision:        cfg.Vision,
		logger:        slog.Default(),
	}
}

func (p *LocalProvider) Name() string         { return "local" }
func (p *LocalProvider) Model() string        { return p.model }
func (p *LocalProvider) ContextWindow() int   { return p.contextWindow }
func (p *LocalProvider) SupportsVision() bool { return p.vision }

// Chat sends the conversation and returns the parsed completion. When
// req.OnToken is set the request streams, with tool-call markup suppressed
// from the callback.
func (p *LocalProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	oreq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    p.buildMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var content string
	var usage Usage
	var err error
	if req.OnToken != nil {
		content, usage, err = p.chatStream(ctx, oreq, req.OnToken)
	} else {
		content, usage, err = p.chatOnce(ctx, oreq)
	}
	if err != nil {
		return nil, p.mapError(err)
	}

	cleaned, calls := ParseToolCalls(content)
	return &ChatResponse{
		Content:   cleaned,
		ToolCalls: calls,
		Usage:     usage,
		Model:     p.model,
	}, nil
}

func (p *LocalProvider) chatOnce(ctx context.Context, oreq openai.ChatCompletionRequest) (string, Usage, error) {
	resp, err := p.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return "", Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("backend returned no choices")
	}
	msg := resp.Choices[0].Message
	content := msg.Content

	// Some local servers implement native tool calling. Fold those calls
	// into marker form so one parse path handles both.
	for _, tc := range msg.ToolCalls {
		content += "\n" + nativeCallToMarker(tc)
	}
	usage := Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	return content, usage, nil
}

func (p *LocalProvider) chatStream(ctx context.Context, oreq openai.ChatCompletionRequest, onToken func(string)) (string, Usage, error) {
	oreq.Stream = true
	oreq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return "", Usage{}, err
	}
	defer stream.Close()

	var full strings.Builder
	var usage Usage
	buf := newTagBuffer(onToken)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", Usage{}, err
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		buf.Feed(delta)
	}
	buf.Flush()
	return full.String(), usage, nil
}

// buildMessages converts history into wire form. Assistant tool calls are
// rendered back as markers and runs of tool results collapse into a single
// user turn of <tool_response> blocks.
func (p *LocalProvider) buildMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.Text(),
			})

		case models.RoleUser:
			out = append(out, p.userMessage(m))

		case models.RoleAssistant:
			content := m.Content
			for _, tc := range m.ToolCalls {
				if content != "" {
					content += "\n\n"
				}
				content += FormatToolCallMarker(tc)
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			})

		case models.RoleTool:
			// Consume the whole run of consecutive tool results.
			j := i
			for j < len(msgs) && msgs[j].Role == models.RoleTool {
				j++
			}
			out = append(out, p.toolResultsMessage(msgs[i:j]))
			i = j - 1
		}
	}
	return out
}

func (p *LocalProvider) userMessage(m models.Message) openai.ChatCompletionMessage {
	if len(m.Parts) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content}
	}
	parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case models.PartImage:
			if !p.vision {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: "[image omitted: model does not support vision]",
				})
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    part.URL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		default:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// toolResultsMessage merges one run of tool results into a single user
// turn. Image outputs become image parts when the model supports vision.
func (p *LocalProvider) toolResultsMessage(results []models.Message) openai.ChatCompletionMessage {
	hasImage := false
	for _, m := range results {
		if p.vision && strings.HasPrefix(m.Content, "data:image/") {
			hasImage = true
			break
		}
	}

	if !hasImage {
		blocks := make([]string, 0, len(results))
		for _, m := range results {
			blocks = append(blocks, WrapToolResponse(m.Content))
		}
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: strings.Join(blocks, "\n"),
		}
	}

	parts := make([]openai.ChatMessagePart, 0, len(results))
	for _, m := range results {
		if strings.HasPrefix(m.Content, "data:image/") {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    m.Content,
					Detail: openai.ImageURLDetailAuto,
				},
			})
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: WrapToolResponse(m.Content),
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// mapError classifies transport failures, surfacing context overflow as a
// ContextSizeError so the loop can refit.
func (p *LocalProvider) mapError(err error) error {
	var apiErr *openai.APIError
	msg := err.Error()
	status := 0
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
		status = apiErr.HTTPStatusCode
	}

	if Classify(msg) == KindContextOverflow {
		pt, cs := parseOverflow(msg)
		if cs == 0 {
			cs = p.contextWindow
		}
		return &ContextSizeError{PromptTokens: pt, ContextSize: cs}
	}

	pe := NewProviderError(p.Name(), msg, err).WithModel(p.model)
	if status != 0 {
		pe = pe.WithStatus(status)
	}
	return pe
}

// nativeCallToMarker renders a native OpenAI tool call as a marker block.
func nativeCallToMarker(tc openai.ToolCall) string {
	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			slog.Warn("unparseable native tool call arguments", "tool", tc.Function.Name, "error", err)
		}
	}
	return FormatToolCallMarker(models.ToolCall{
		ID:        orCallID(tc.ID),
		Name:      tc.Function.Name,
		Arguments: args,
	})
}

func orCallID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + uuid.NewString()[:8]
}
