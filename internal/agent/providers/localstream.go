package providers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tandemhq/tandem/pkg/models"
)

// Tool-call marker protocol spoken by the local backend. The model emits
// calls as JSON wrapped in these tags inside free text; results are passed
// back wrapped in response tags.
const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
	toolRespOpen  = "<tool_response>"
	toolRespClose = "</tool_response>"
)

// streamState tracks where the tag suppressor is relative to a marker.
type streamState int

const (
	// statePlain: emitting freely.
	statePlain streamState = iota
	// statePossibleOpen: held-back suffix is a proper prefix of the open tag.
	statePossibleOpen
	// stateInsideTag: between open and close tags; nothing is emitted.
	stateInsideTag
)

// tagBuffer filters a token stream so the user never sees tool-call markup,
// not even a half-printed "<tool_cal". Characters that could begin the open
// tag are buffered until disambiguated; on mismatch the safe prefix is
// flushed and scanning resumes past it.
type tagBuffer struct {
	state   streamState
	pending string
	emit    func(string)
}

func newTagBuffer(emit func(string)) *tagBuffer {
	if emit == nil {
		emit = func(string) {}
	}
	return &tagBuffer{emit: emit}
}

// Feed consumes one streamed chunk. Safe text is forwarded immediately.
func (b *tagBuffer) Feed(chunk string) {
	b.pending += chunk
	for {
		switch b.state {
		case stateInsideTag:
			i := strings.Index(b.pending, toolCallClose)
			if i < 0 {
				return
			}
			b.pending = b.pending[i+len(toolCallClose):]
			b.state = statePlain

		default: // statePlain, statePossibleOpen
			i := strings.IndexByte(b.pending, '<')
			if i < 0 {
				b.emitPending()
				b.state = statePlain
				return
			}
			if i > 0 {
				b.emit(b.pending[:i])
				b.pending = b.pending[i:]
			}
			// pending now starts with '<'.
			if strings.HasPrefix(b.pending, toolCallOpen) {
				b.pending = b.pending[len(toolCallOpen):]
				b.state = stateInsideTag
				continue
			}
			if strings.HasPrefix(toolCallOpen, b.pending) {
				// Could still grow into the open tag; hold it back.
				b.state = statePossibleOpen
				return
			}
			// Mismatch. The '<' was ordinary text.
			b.emit(b.pending[:1])
			b.pending = b.pending[1:]
			b.state = statePlain
		}
	}
}

func (b *tagBuffer) emitPending() {
	if b.pending != "" {
		b.emit(b.pending)
		b.pending = ""
	}
}

// Flush releases any held-back text at end of stream. Text inside an
// unterminated tag stays suppressed; the cut-off call is recovered by the
// parser instead.
func (b *tagBuffer) Flush() {
	if b.state != stateInsideTag {
		b.emitPending()
	}
	b.pending = ""
	b.state = statePlain
}

// toolCallPayload is the JSON body between tool-call tags.
type toolCallPayload struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ParseToolCalls extracts tool-call markers from completed content,
// returning the cleaned text and the calls in emission order. If generation
// was cut off mid-call, a close tag is appended before parsing.
func ParseToolCalls(content string) (string, []models.ToolCall) {
	if strings.Count(content, toolCallOpen) > strings.Count(content, toolCallClose) {
		content += toolCallClose
	}

	var calls []models.ToolCall
	var out strings.Builder
	rest := content
	for {
		i := strings.Index(rest, toolCallOpen)
		if i < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:i])
		rest = rest[i+len(toolCallOpen):]

		j := strings.Index(rest, toolCallClose)
		if j < 0 {
			out.WriteString(rest)
			break
		}
		body := strings.TrimSpace(rest[:j])
		rest = rest[j+len(toolCallClose):]

		var payload toolCallPayload
		if err := json.Unmarshal([]byte(body), &payload); err != nil || payload.Name == "" {
			slog.Warn("dropping malformed tool call", "error", err, "body", truncateForLog(body))
			continue
		}
		calls = append(calls, models.ToolCall{
			ID:        "call_" + uuid.NewString()[:8],
			Name:      payload.Name,
			Arguments: payload.Arguments,
		})
	}
	return strings.TrimSpace(out.String()), calls
}

// FormatToolCallMarker renders a prior tool call back into marker form so
// the model sees its own earlier calls on the next turn.
func FormatToolCallMarker(tc models.ToolCall) string {
	body, err := json.Marshal(toolCallPayload{Name: tc.Name, Arguments: tc.Arguments})
	if err != nil {
		body = []byte(fmt.Sprintf(`{"name":%q}`, tc.Name))
	}
	return toolCallOpen + "\n" + string(body) + "\n" + toolCallClose
}

// WrapToolResponse renders one tool result for the merged user turn.
func WrapToolResponse(output string) string {
	return toolRespOpen + "\n" + output + "\n" + toolRespClose
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
