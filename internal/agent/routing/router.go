// Package routing decides whether a user turn runs on the local model or
// a remote one, combining heuristics, configured rules, and skill hints.
package routing

import (
	"log/slog"
	"sort"
	"strings"

	agentctx "github.com/tandemhq/tandem/internal/agent/context"
	"github.com/tandemhq/tandem/internal/agent/providers"
	"github.com/tandemhq/tandem/internal/skills"
	"github.com/tandemhq/tandem/pkg/models"
)

// Target names the provider class a turn should run on.
type Target string

const (
	TargetLocal  Target = "local"
	TargetRemote Target = "remote"
)

// Decision is the router's verdict for one turn.
type Decision struct {
	Target     Target  `json:"target"`
	Provider   string  `json:"provider"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Rule is a user-supplied routing rule. Patterns are case-insensitive
// substrings matched against the latest user message. Higher priority
// wins; the built-in default rule has priority 0.
type Rule struct {
	Name     string
	Priority int
	Patterns []string
	Target   Target
}

const (
	priorityAlways       = 100
	priorityLargeContext = 50

	// Conversations estimated above this fraction of the local context
	// window route remote.
	largeContextRatio = 0.8
)

// Config configures a Router. Remote may be nil when no remote provider
// is available.
type Config struct {
	Local  providers.Provider
	Remote providers.Provider

	// AlwaysLocal and AlwaysRemote are pattern lists compiled into
	// priority-100 rules.
	AlwaysLocal  []string
	AlwaysRemote []string

	Rules  []Rule
	Skills *skills.Registry

	// DefaultTarget is returned by the priority-0 rule when nothing else
	// matches. Empty means local.
	DefaultTarget Target

	Logger *slog.Logger
}

// Router selects a target and provider for each turn.
type Router struct {
	local         providers.Provider
	remote        providers.Provider
	rules         []Rule
	skills        *skills.Registry
	defaultTarget Target
	logger        *slog.Logger
}

// NewRouter builds a Router from cfg. cfg.Local must be set.
func NewRouter(cfg Config) *Router {
	rules := make([]Rule, 0, len(cfg.Rules)+2)
	if len(cfg.AlwaysLocal) > 0 {
		rules = append(rules, Rule{Name: "always_local", Priority: priorityAlways, Patterns: cfg.AlwaysLocal, Target: TargetLocal})
	}
	if len(cfg.AlwaysRemote) > 0 {
		rules = append(rules, Rule{Name: "always_remote", Priority: priorityAlways, Patterns: cfg.AlwaysRemote, Target: TargetRemote})
	}
	rules = append(rules, cfg.Rules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	target := cfg.DefaultTarget
	if target == "" {
		target = TargetLocal
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		local:         cfg.Local,
		remote:        cfg.Remote,
		rules:         rules,
		skills:        cfg.Skills,
		defaultTarget: target,
		logger:        logger,
	}
}

// Route decides where the next turn runs, given the conversation so far.
func (r *Router) Route(messages []models.Message) Decision {
	text := lastUserText(messages)
	h := Classify(text)

	d := r.applyRules(text, messages, h)

	// A confident heuristic escalation beats rule output.
	if h.Target == TargetRemote && h.Confidence > 0.70 && d.Target == TargetLocal {
		d = Decision{Target: TargetRemote, Reason: h.Reason, Confidence: h.Confidence}
	}

	if s, ok := r.skillOverride(text); ok {
		d = s
	}

	if d.Target == TargetRemote && r.remote == nil {
		r.logger.Debug("remote target unavailable, falling back", "reason", d.Reason)
		d = Decision{Target: TargetLocal, Reason: "no_remote_provider", Confidence: 0.5}
	}

	p := r.local
	if d.Target == TargetRemote {
		p = r.remote
	}
	d.Provider = p.Name() + "/" + p.Model()
	return d
}

// applyRules returns the highest-priority matching rule's decision. The
// implicit priority-0 default rule yields the heuristic result when it
// agrees with the default target.
func (r *Router) applyRules(text string, messages []models.Message, h Analysis) Decision {
	lower := strings.ToLower(text)
	large := r.largeContext(messages)
	for _, rule := range r.rules {
		// The built-in large-context rule slots in at priority 50.
		if large && rule.Priority <= priorityLargeContext {
			break
		}
		if ruleMatches(rule, lower) {
			return Decision{Target: rule.Target, Reason: rule.Name, Confidence: 0.9}
		}
	}
	if large {
		return Decision{Target: TargetRemote, Reason: "large_context", Confidence: 0.8}
	}
	if h.Target == r.defaultTarget {
		return Decision{Target: h.Target, Reason: h.Reason, Confidence: h.Confidence}
	}
	return Decision{Target: r.defaultTarget, Reason: "default", Confidence: 0.5}
}

func (r *Router) largeContext(messages []models.Message) bool {
	window := r.local.ContextWindow()
	if window <= 0 {
		return false
	}
	total := 0
	for i := range messages {
		total += agentctx.MessageTokens(&messages[i])
	}
	return float64(total) > largeContextRatio*float64(window)
}

func (r *Router) skillOverride(text string) (Decision, bool) {
	if r.skills == nil {
		return Decision{}, false
	}
	for _, s := range r.skills.Match(text) {
		switch s.Complexity {
		case "local":
			return Decision{Target: TargetLocal, Reason: "skill:" + s.Name, Confidence: 0.9}, true
		case "remote":
			return Decision{Target: TargetRemote, Reason: "skill:" + s.Name, Confidence: 0.9}, true
		}
	}
	return Decision{}, false
}

func ruleMatches(rule Rule, lowerText string) bool {
	for _, p := range rule.Patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lowerText, p) {
			return true
		}
	}
	return false
}

func lastUserText(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Text()
		}
	}
	return ""
}
