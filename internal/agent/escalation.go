package agent

import (
	"regexp"
	"strings"
)

// Escalation reasons reported alongside a decision.
const (
	ReasonLowConfidence        = "low_confidence"
	ReasonUncertaintyDetected  = "uncertainty_detected"
	ReasonPotentialCodeErrors  = "potential_code_errors"
	ReasonInsufficientResponse = "insufficient_response"
)

// EscalationDecision is the analyzer's verdict on a local response.
type EscalationDecision struct {
	Escalate   bool
	Reason     string
	Confidence float64
}

var (
	uncertaintyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)i'?m not sure`),
		regexp.MustCompile(`(?i)i don'?t know`),
		regexp.MustCompile(`(?i)i cannot`),
		regexp.MustCompile(`(?i)i'?m unable`),
		regexp.MustCompile(`(?i)this is beyond`),
		regexp.MustCompile(`(?i)i would need more`),
		regexp.MustCompile(`(?i)this requires`),
		regexp.MustCompile(`(?i)i'?m having trouble`),
	}
	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)error:`),
		regexp.MustCompile(`(?i)failed to`),
		regexp.MustCompile(`(?i)cannot parse`),
		regexp.MustCompile(`(?i)invalid`),
		regexp.MustCompile(`(?i)syntax error`),
	}

	fencedCodeRe = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`\n]*`")
)

// EscalationAnalyzer decides whether a local reply is weak enough to
// justify one retry against the remote provider. Code spans are stripped
// before pattern matching so error text inside a code listing does not
// trigger a false escalation.
type EscalationAnalyzer struct {
	// Threshold below which an explicit response confidence escalates.
	Threshold float64
}

// NewEscalationAnalyzer uses the default 0.5 confidence threshold.
func NewEscalationAnalyzer() *EscalationAnalyzer {
	return &EscalationAnalyzer{Threshold: 0.5}
}

// Analyze inspects a local response. confidence < 0 means the provider
// reported none.
func (a *EscalationAnalyzer) Analyze(content string, confidence float64, hasToolCalls bool) EscalationDecision {
	if confidence >= 0 && confidence < a.Threshold {
		return EscalationDecision{Escalate: true, Reason: ReasonLowConfidence, Confidence: confidence}
	}

	prose := stripCode(content)

	matches := 0
	for _, re := range uncertaintyPatterns {
		matches += len(re.FindAllStringIndex(prose, -1))
	}
	if matches >= 2 || (matches >= 1 && len(content) < 200) {
		return EscalationDecision{Escalate: true, Reason: ReasonUncertaintyDetected, Confidence: 0.3}
	}

	for _, re := range errorPatterns {
		if re.MatchString(prose) {
			return EscalationDecision{Escalate: true, Reason: ReasonPotentialCodeErrors, Confidence: 0.4}
		}
	}

	if len(content) < 50 && !hasToolCalls {
		return EscalationDecision{Escalate: true, Reason: ReasonInsufficientResponse, Confidence: 0.5}
	}

	return EscalationDecision{}
}

// stripCode removes fenced blocks and inline spans, leaving only prose.
func stripCode(s string) string {
	s = fencedCodeRe.ReplaceAllString(s, " ")
	s = inlineCodeRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
