package service

import (
	"encoding/json"
	"strings"
)

// negativePhrases are checked before positives: "not comprehensive"
// contains "comprehensive", so the order is load-bearing.
var negativePhrases = []string{
	"not comprehensive",
	"isn't comprehensive",
	"is not comprehensive",
	"incomplete",
	"insufficient",
	"does not address",
	"doesn't address",
	"\"comprehensive\": false",
	"\"comprehensive\":false",
}

var positivePhrases = []string{
	"comprehensive",
	"complete",
	"sufficient",
	"adequately",
	"\"comprehensive\": true",
	"\"comprehensive\":true",
}

type selfEvalVerdict struct {
	Comprehensive *bool  `json:"comprehensive"`
	Reason        string `json:"reason"`
}

// ParseSelfEvaluation interprets an evaluator model's reply. Tolerant by
// design: well-formed JSON is preferred, free text is scanned for
// negatives before positives, and anything ambiguous counts as
// comprehensive (fail-open — a broken evaluator must not degrade
// answers).
func ParseSelfEvaluation(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return true
	}

	// Models often wrap JSON in code fences.
	if stripped := stripCodeFence(trimmed); stripped != "" {
		var verdict selfEvalVerdict
		if err := json.Unmarshal([]byte(stripped), &verdict); err == nil && verdict.Comprehensive != nil {
			return *verdict.Comprehensive
		}
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range negativePhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	for _, phrase := range positivePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return true
}

// stripCodeFence unwraps ```json ... ``` fences, returning the inner
// text, or the input unchanged when no fence is present.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
