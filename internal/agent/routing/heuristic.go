package routing

import (
	"regexp"
	"strings"
)

// Analysis is the heuristic classifier's read on a user message.
type Analysis struct {
	Target     Target
	Reason     string
	Confidence float64
}

var (
	greetingWords = map[string]bool{
		"hi": true, "hello": true, "hey": true, "yo": true, "thanks": true,
		"thank": true, "you": true, "there": true, "morning": true,
		"afternoon": true, "evening": true, "good": true, "bye": true,
		"goodbye": true, "ok": true, "okay": true, "sup": true, "howdy": true,
	}

	strongCodeRe = regexp.MustCompile(`(?i)write (some )?code|create a function|write (unit )?tests|code review|write a (program|script|class|method)|generate (a )?function`)
	weakCodeRe   = regexp.MustCompile(`(?i)\b(implement|refactor|debug|optimize)\b`)
	reasoningRe  = regexp.MustCompile(`(?i)explain in detail|compare and contrast|step[- ]by[- ]step|walk me through|analyze|pros and cons|trade[- ]?offs`)
	toolUseRe    = regexp.MustCompile(`(?i)\b(read|list|show|cat|open) (the )?(file|files|directory|folder)\b|\brun (the )?(command|script|tests?)\b|\bsearch (for|the)\b|\bls\b|\bgrep\b|/[\w./-]+`)
	fencedRe     = regexp.MustCompile("```")
)

// Classify applies the heuristic ladder to the latest user message.
// Buckets are checked in order; the first hit wins.
func Classify(text string) Analysis {
	trimmed := strings.TrimSpace(text)
	words := strings.Fields(trimmed)

	if len(words) <= 3 && len(words) > 0 && isGreeting(words) {
		return Analysis{Target: TargetLocal, Reason: "simple_greeting", Confidence: 0.95}
	}
	if strongCodeRe.MatchString(trimmed) {
		return Analysis{Target: TargetRemote, Reason: "code_generation", Confidence: 0.80}
	}
	if weakCodeRe.MatchString(trimmed) && len(words) > 5 {
		return Analysis{Target: TargetRemote, Reason: "code_generation", Confidence: 0.75}
	}
	if reasoningRe.MatchString(trimmed) && len(words) > 10 {
		return Analysis{Target: TargetRemote, Reason: "complex_reasoning", Confidence: 0.70}
	}
	if toolUseRe.MatchString(trimmed) {
		return Analysis{Target: TargetLocal, Reason: "tool_use", Confidence: 0.60}
	}
	if fencedRe.MatchString(trimmed) {
		return Analysis{Target: TargetRemote, Reason: "code_discussion", Confidence: 0.75}
	}
	if len(words) > 100 {
		return Analysis{Target: TargetRemote, Reason: "long_context", Confidence: 0.60}
	}
	return Analysis{Target: TargetLocal, Reason: "default", Confidence: 0.5}
}

func isGreeting(words []string) bool {
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,!?"))
		if !greetingWords[w] {
			return false
		}
	}
	return true
}
