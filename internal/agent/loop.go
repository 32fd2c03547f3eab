package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	agentctx "github.com/tandemhq/tandem/internal/agent/context"
	"github.com/tandemhq/tandem/internal/agent/providers"
	"github.com/tandemhq/tandem/internal/agent/routing"
	"github.com/tandemhq/tandem/internal/memory"
	"github.com/tandemhq/tandem/internal/observability"
	"github.com/tandemhq/tandem/internal/sessions"
	"github.com/tandemhq/tandem/internal/skills"
	"github.com/tandemhq/tandem/internal/tokenizer"
	"github.com/tandemhq/tandem/pkg/models"
)

// RoutingDecision is re-exported so producers only import this package.
type RoutingDecision = routing.Decision

// Response is the outcome of one run.
type Response struct {
	Content   string          `json:"content"`
	Target    routing.Target  `json:"target"`
	Provider  string          `json:"provider"`
	Usage     providers.Usage `json:"usage"`
	Escalated bool            `json:"escalated"`
	Turns     int             `json:"turns"`
	Truncated bool            `json:"truncated,omitempty"`
}

// LoopConfig tunes the turn loop.
type LoopConfig struct {
	// SystemPrompt is the static identity text. Tool and skill catalogs
	// and the running summary are appended per run.
	SystemPrompt string

	// MaxTurns bounds tool-use iterations per run. Zero means 10.
	MaxTurns int

	// ReserveForOutput holds back context tokens for generation.
	ReserveForOutput int

	// MaxToolResultTokens caps any single tool result during fitting.
	MaxToolResultTokens int

	Temperature    float32
	ThinkingBudget int

	// EscalationThreshold is the low-confidence cutoff. Zero means 0.5.
	EscalationThreshold float64

	// RunTimeout bounds a whole run including mutex wait. Zero disables.
	RunTimeout time.Duration
}

// Options wires a Loop's collaborators. Local and Router are required;
// everything else is optional.
type Options struct {
	Local  providers.Provider
	Remote providers.Provider
	Router *routing.Router
	Tools  ToolExecutor

	// Store defaults to an in-memory session store.
	Store sessions.Store

	// Memory enables recall injection and pre-compaction flushing.
	Memory memory.Store

	// Counter, when set, counts the system prompt against the backend's
	// tokenizer during fitting instead of estimating it.
	Counter tokenizer.Counter

	Skills  *skills.Registry
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Config  LoopConfig
}

// Loop orchestrates a session turn: compose, route, iterate with tools,
// escalate if the local answer is weak, persist.
type Loop struct {
	local   providers.Provider
	remote  providers.Provider
	router  *routing.Router
	tools   ToolExecutor
	store   sessions.Store
	memory  memory.Store
	counter tokenizer.Counter
	skills  *skills.Registry
	metrics *observability.Metrics
	logger  *slog.Logger
	cfg     LoopConfig

	mutexes    *sessions.MutexManager
	summarizer *agentctx.Summarizer
	flusher    *agentctx.Flusher
	analyzer   *EscalationAnalyzer
}

// NewLoop builds a Loop.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Local == nil {
		return nil, fmt.Errorf("local provider is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	cfg := opts.Config
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	if cfg.ReserveForOutput <= 0 {
		cfg.ReserveForOutput = 1024
	}
	store := opts.Store
	if store == nil {
		store = sessions.NewMemoryStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	analyzer := NewEscalationAnalyzer()
	if cfg.EscalationThreshold > 0 {
		analyzer.Threshold = cfg.EscalationThreshold
	}
	return &Loop{
		local:      opts.Local,
		remote:     opts.Remote,
		router:     opts.Router,
		tools:      opts.Tools,
		store:      store,
		memory:     opts.Memory,
		counter:    opts.Counter,
		skills:     opts.Skills,
		metrics:    opts.Metrics,
		logger:     logger,
		cfg:        cfg,
		mutexes:    sessions.NewMutexManager(cfg.RunTimeout),
		summarizer: agentctx.NewSummarizer(opts.Local),
		flusher:    agentctx.NewFlusher(opts.Local, 0),
		analyzer:   analyzer,
	}, nil
}

// runState carries one run's mutable conversation state across turns
// and an escalation rerun.
type runState struct {
	session      *models.Session
	msgs         []models.Message
	appended     []models.Message
	summary      string
	systemPrompt string
	defs         []providers.ToolDefinition
	reserve      int
	budget       *TokenBudget
	events       *Events

	// flushed counts the leading dropped messages already flushed and
	// summarized; the dropped prefix only grows within a run.
	flushed int
}

// Run executes one user turn under the session's mutex. Concurrent runs
// against the same key queue in FIFO order.
func (l *Loop) Run(ctx context.Context, sessionKey, userText string, events *Events) (*Response, error) {
	var resp *Response
	queued := time.Now()
	err := l.mutexes.Run(ctx, sessionKey, func(ctx context.Context) error {
		if l.metrics != nil {
			l.metrics.MutexWaitDuration.Observe(time.Since(queued).Seconds())
		}
		var err error
		resp, err = l.run(ctx, sessionKey, userText, events)
		return err
	})
	if err != nil {
		err = wrapRunError(err)
		events.emitError(err)
		return nil, err
	}
	return resp, nil
}

func wrapRunError(err error) error {
	if _, ok := AsAgentError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, sessions.ErrMutexTimeout):
		return NewError(ErrKindMutexTimeout, "session busy", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrKindCancelled, "run cancelled", err)
	default:
		return NewError(ErrKindInternal, "run failed", err)
	}
}

func (l *Loop) run(ctx context.Context, sessionKey, userText string, events *Events) (*Response, error) {
	ctx, span := observability.StartSpan(ctx, "agent.run", attribute.String("session.key", sessionKey))
	defer span.End()

	// Stage 1: compose.
	session, err := l.store.GetOrCreate(ctx, sessionKey)
	if err != nil {
		return nil, NewError(ErrKindInternal, "load session", err)
	}
	history, err := l.store.History(ctx, session.ID, 0)
	if err != nil {
		return nil, NewError(ErrKindInternal, "load history", err)
	}

	st := &runState{
		session:      session,
		msgs:         history,
		summary:      session.Summary,
		systemPrompt: l.composeSystemPrompt(userText, session.Summary),
		reserve:      l.cfg.ReserveForOutput,
		events:       events,
	}
	if l.tools != nil {
		st.defs = l.tools.Definitions()
	}

	if l.memory != nil {
		recalled, err := l.memory.Recall(ctx, userText, memory.DefaultRecallLimit, memory.DefaultRecallThreshold)
		if err != nil {
			l.logger.Warn("memory recall failed", "error", err)
		} else if recalled != "" {
			l.appendMessage(st, agentctx.RecallMessage(recalled))
		}
	}
	l.appendMessage(st, models.Message{Role: models.RoleUser, Content: userText})

	// Stage 2: route.
	decision := l.router.Route(st.msgs)
	events.emitRoutingDecision(decision)
	if l.metrics != nil {
		l.metrics.RoutingDecisions.WithLabelValues(string(decision.Target), decision.Reason).Inc()
	}

	provider := l.local
	if decision.Target == routing.TargetRemote {
		provider = l.remote
	}
	st.budget = NewTokenBudget(provider.ContextWindow())

	// Stage 3: turn loop.
	content, turns, truncated, err := l.runTurns(ctx, st, provider)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Content:   content,
		Target:    decision.Target,
		Provider:  decision.Provider,
		Turns:     turns,
		Truncated: truncated,
	}

	// Stage 4: escalation. Only a local final answer is reconsidered, and
	// only once.
	if decision.Target == routing.TargetLocal && l.remote != nil {
		// A truncated run ended on a tool-call turn.
		if esc := l.analyzer.Analyze(content, -1, truncated); esc.Escalate {
			events.emitEscalation(esc.Reason)
			if l.metrics != nil {
				l.metrics.Escalations.WithLabelValues(esc.Reason).Inc()
			}
			st.budget.SetContextLength(l.remote.ContextWindow())
			content, turns, truncated, err = l.runTurns(ctx, st, l.remote)
			if err != nil {
				return nil, err
			}
			resp.Content = content
			resp.Target = routing.TargetRemote
			resp.Provider = l.remote.Name() + "/" + l.remote.Model()
			resp.Escalated = true
			resp.Turns += turns
			resp.Truncated = truncated
		}
	}

	status := st.budget.Status()
	resp.Usage = providers.Usage{InputTokens: status.TotalInputTokens, OutputTokens: status.TotalOutputTokens}

	// Stage 5: persist. Everything appended this run lands atomically;
	// a failed run never reaches this point, so no partial assistant
	// message is ever stored.
	if err := l.store.Append(ctx, session.ID, st.appended); err != nil {
		return nil, NewError(ErrKindInternal, "persist session", err)
	}
	if st.summary != session.Summary {
		if err := l.store.SetSummary(ctx, session.ID, st.summary); err != nil {
			l.logger.Warn("persist summary failed", "error", err)
		}
	}
	events.emitResponseComplete(resp)
	return resp, nil
}

// appendMessage adds a message to both the working conversation and the
// to-persist list, assigning an ID and timestamp.
func (l *Loop) appendMessage(st *runState, m models.Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	st.msgs = append(st.msgs, m)
	st.appended = append(st.appended, m)
}

func (l *Loop) composeSystemPrompt(userText, summary string) string {
	var b strings.Builder
	b.WriteString(l.cfg.SystemPrompt)

	if l.tools != nil {
		defs := l.tools.Definitions()
		if len(defs) > 0 {
			b.WriteString("\n\n# Tools\nYou may call these tools:\n")
			for _, d := range defs {
				fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
			}
		}
	}
	if l.skills != nil {
		matched := l.skills.Match(userText)
		for _, s := range matched {
			b.WriteString("\n\n# Skill: " + s.Name + "\n")
			b.WriteString(s.Content)
		}
	}
	if summary != "" {
		b.WriteString("\n\n# Earlier conversation (summarized)\n")
		b.WriteString(summary)
	}
	return b.String()
}

// runTurns is stage 3: fit, call, execute tools, repeat.
func (l *Loop) runTurns(ctx context.Context, st *runState, provider providers.Provider) (content string, turns int, truncated bool, err error) {
	for turn := 0; turn < l.cfg.MaxTurns; turn++ {
		resp, err := l.chatOnce(ctx, st, provider)
		if err != nil {
			return "", turn, false, err
		}
		turns = turn + 1

		st.budget.Record(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		if l.metrics != nil {
			l.metrics.LLMTokensUsed.WithLabelValues(provider.Name(), provider.Model(), "prompt").Add(float64(resp.Usage.InputTokens))
			l.metrics.LLMTokensUsed.WithLabelValues(provider.Name(), provider.Model(), "completion").Add(float64(resp.Usage.OutputTokens))
		}
		l.checkBudget(ctx, st)

		if len(resp.ToolCalls) == 0 {
			l.appendMessage(st, models.Message{Role: models.RoleAssistant, Content: resp.Content})
			return resp.Content, turns, false, nil
		}

		l.appendMessage(st, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		st.events.emitToolCallStart(resp.ToolCalls)
		for _, call := range resp.ToolCalls {
			result := l.executeTool(ctx, st, call)
			st.events.emitToolCallComplete(call.ID, call.Name, result)

			meta := map[string]string{"tool": call.Name}
			if !result.Success {
				meta["is_error"] = "true"
			}
			l.appendMessage(st, models.Message{
				Role:       models.RoleTool,
				Content:    result.Output,
				ToolCallID: call.ID,
				Metadata:   meta,
			})
		}
		st.events.emitAfterToolExec(resp.ToolCalls)
		content = resp.Content
	}
	return content, l.cfg.MaxTurns, true, nil
}

// chatOnce fits the conversation and calls the provider, retrying
// retryable failures up to 3 attempts and refitting once on overflow.
func (l *Loop) chatOnce(ctx context.Context, st *runState, provider providers.Provider) (*providers.ChatResponse, error) {
	fitted, err := l.fit(ctx, st, provider)
	if err != nil {
		return nil, err
	}
	req := &providers.ChatRequest{
		Tools:          st.defs,
		Temperature:    l.cfg.Temperature,
		ThinkingBudget: l.cfg.ThinkingBudget,
		OnToken:        st.events.emitToken,
		OnThinking:     st.events.emitThinking,
	}

	refitted := false
	for attempt := 0; attempt < 3; attempt++ {
		req.Messages = fitted
		started := time.Now()
		resp, err := provider.Chat(ctx, req)
		if l.metrics != nil {
			l.metrics.LLMRequestDuration.WithLabelValues(provider.Name(), provider.Model()).Observe(time.Since(started).Seconds())
			status := "success"
			if err != nil {
				status = "error"
			}
			l.metrics.LLMRequestCounter.WithLabelValues(provider.Name(), provider.Model(), status).Inc()
		}
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, NewError(ErrKindCancelled, "provider call cancelled", ctx.Err())
		}

		if ce, ok := providers.IsContextSize(err); ok {
			if refitted {
				return nil, NewError(ErrKindContext, "prompt does not fit after refit", err)
			}
			overflow := ce.PromptTokens - ce.ContextSize
			if overflow <= 0 {
				overflow = st.reserve
			}
			st.reserve += overflow
			l.logger.Info("context overflow, refitting", "overflow", overflow, "reserve", st.reserve)
			fitted, err = l.fit(ctx, st, provider)
			if err != nil {
				return nil, err
			}
			refitted = true
			attempt--
			continue
		}

		kind := providers.ClassifyErr(err)
		if !providers.IsRetryable(kind) || attempt == 2 {
			return nil, NewError(ErrKindProvider, fmt.Sprintf("%s call failed", provider.Name()), err)
		}
		delay := providers.RetryDelay(kind, attempt)
		l.logger.Warn("provider call failed, retrying", "kind", kind, "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewError(ErrKindCancelled, "retry wait cancelled", ctx.Err())
		}
	}
	return nil, NewError(ErrKindProvider, "retries exhausted", nil)
}

// fit trims the conversation to the provider's window. A trimmed prefix
// is flushed to memory first, then folded into the running summary;
// flushing before summarizing keeps literal values out of lossy prose.
func (l *Loop) fit(ctx context.Context, st *runState, provider providers.Provider) ([]models.Message, error) {
	res := agentctx.Fit(ctx, st.systemPrompt, st.msgs, st.defs, agentctx.FitConfig{
		ContextLength:       provider.ContextWindow(),
		ReserveForOutput:    st.reserve,
		MaxToolResultTokens: l.cfg.MaxToolResultTokens,
		Counter:             l.counter,
	})
	if res.Trimmed() {
		if l.metrics != nil {
			l.metrics.ContextTrims.Inc()
		}
		// Only the newly dropped suffix; earlier fits this run already
		// flushed and summarized the rest.
		if len(res.Dropped) > st.flushed {
			newly := res.Dropped[st.flushed:]
			l.flushDropped(ctx, newly)
			st.summary = l.summarizer.Summarize(ctx, newly, st.summary)
			st.flushed = len(res.Dropped)
		}
	}
	system := models.Message{Role: models.RoleSystem, Content: st.systemPrompt}
	return append([]models.Message{system}, res.Messages...), nil
}

func (l *Loop) flushDropped(ctx context.Context, dropped []models.Message) {
	if l.memory == nil {
		return
	}
	for _, entry := range l.flusher.Flush(ctx, dropped) {
		if err := l.memory.Store(ctx, entry); err != nil {
			l.logger.Warn("memory store failed", "key", entry.Key, "error", err)
		}
	}
}

// checkBudget appends warning notices when utilization crosses a
// threshold and compacts the oldest half at critical.
func (l *Loop) checkBudget(ctx context.Context, st *runState) {
	status := st.budget.Status()
	warnHigh := st.budget.ShouldWarnHigh()
	warnCritical := st.budget.ShouldWarnCritical()
	if warnHigh || warnCritical {
		l.appendMessage(st, models.Message{
			Role:    models.RoleSystem,
			Content: fmt.Sprintf("[Context window is %.0f%% full. Older messages may be summarized or trimmed.]", status.Utilization*100),
		})
	}
	if !warnCritical {
		return
	}
	half := len(st.msgs) / 2
	if half == 0 {
		return
	}
	st.summary = l.summarizer.Summarize(ctx, st.msgs[:half], st.summary)
	rest := make([]models.Message, len(st.msgs)-half)
	copy(rest, st.msgs[half:])
	st.msgs = append([]models.Message{agentctx.SummaryMessage(st.summary)}, rest...)
	// The working list was rebuilt; dropped-prefix bookkeeping restarts.
	st.flushed = 0
}

func (l *Loop) executeTool(ctx context.Context, st *runState, call models.ToolCall) models.ToolResult {
	if !st.events.emitBeforeToolExec(call) {
		return models.ToolResult{Success: false, Output: "skipped by operator"}
	}
	if l.tools == nil {
		return models.ToolResult{Success: false, Output: "no tool executor configured"}
	}
	ctx, span := observability.StartSpan(ctx, "agent.tool", attribute.String("tool.name", call.Name))
	defer span.End()
	started := time.Now()
	result := l.tools.Execute(ctx, call)
	if l.metrics != nil {
		l.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(started).Seconds())
		status := "success"
		if !result.Success {
			status = "error"
		}
		l.metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
	}
	return result
}
