package agent

import (
	"log/slog"

	"github.com/tandemhq/tandem/pkg/models"
)

// Events is the sink producers attach to a run. Every handler is optional.
// The loop never lets a handler failure escape: panics are swallowed and
// logged so a misbehaving UI cannot corrupt a turn.
type Events struct {
	// OnThinking receives reasoning text as it streams.
	OnThinking func(text string)

	// OnRoutingDecision fires once per run, after the router picks a target.
	OnRoutingDecision func(d RoutingDecision)

	// OnEscalation fires when a weak local reply triggers a remote rerun.
	OnEscalation func(reason string)

	// OnBeforeToolExec gates each tool call. Returning false skips the call;
	// the model sees a "skipped by operator" tool result.
	OnBeforeToolExec func(call models.ToolCall) bool

	// OnToolCallStart fires with the full batch the model requested.
	OnToolCallStart func(calls []models.ToolCall)

	// OnToolCallComplete fires per call once its result is known.
	OnToolCallComplete func(id, name string, result models.ToolResult)

	// OnAfterToolExec fires after a batch finishes executing.
	OnAfterToolExec func(calls []models.ToolCall)

	// OnToken receives response text as it streams.
	OnToken func(text string)

	// OnResponseComplete fires once with the final response.
	OnResponseComplete func(resp *Response)

	// OnError fires when the run fails.
	OnError func(err error)
}

// guard runs fn, absorbing panics from producer handlers.
func guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event handler panicked", "handler", name, "panic", r)
		}
	}()
	fn()
}

func (e *Events) emitThinking(text string) {
	if e != nil && e.OnThinking != nil {
		guard("OnThinking", func() { e.OnThinking(text) })
	}
}

func (e *Events) emitRoutingDecision(d RoutingDecision) {
	if e != nil && e.OnRoutingDecision != nil {
		guard("OnRoutingDecision", func() { e.OnRoutingDecision(d) })
	}
}

func (e *Events) emitEscalation(reason string) {
	if e != nil && e.OnEscalation != nil {
		guard("OnEscalation", func() { e.OnEscalation(reason) })
	}
}

// emitBeforeToolExec defaults to allowing the call when no handler is set
// or the handler panics.
func (e *Events) emitBeforeToolExec(call models.ToolCall) bool {
	if e == nil || e.OnBeforeToolExec == nil {
		return true
	}
	allowed := true
	guard("OnBeforeToolExec", func() { allowed = e.OnBeforeToolExec(call) })
	return allowed
}

func (e *Events) emitToolCallStart(calls []models.ToolCall) {
	if e != nil && e.OnToolCallStart != nil {
		guard("OnToolCallStart", func() { e.OnToolCallStart(calls) })
	}
}

func (e *Events) emitToolCallComplete(id, name string, result models.ToolResult) {
	if e != nil && e.OnToolCallComplete != nil {
		guard("OnToolCallComplete", func() { e.OnToolCallComplete(id, name, result) })
	}
}

func (e *Events) emitAfterToolExec(calls []models.ToolCall) {
	if e != nil && e.OnAfterToolExec != nil {
		guard("OnAfterToolExec", func() { e.OnAfterToolExec(calls) })
	}
}

func (e *Events) emitToken(text string) {
	if e != nil && e.OnToken != nil {
		guard("OnToken", func() { e.OnToken(text) })
	}
}

func (e *Events) emitResponseComplete(resp *Response) {
	if e != nil && e.OnResponseComplete != nil {
		guard("OnResponseComplete", func() { e.OnResponseComplete(resp) })
	}
}

func (e *Events) emitError(err error) {
	if e != nil && e.OnError != nil {
		guard("OnError", func() { e.OnError(err) })
	}
}
