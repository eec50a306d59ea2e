package briefing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/staffd/internal/importance"
	"github.com/kalambet/staffd/internal/storage"
)

const (
	maxTitleRunes   = 60
	maxSummaryRunes = 280
)

var (
	impactRe         = regexp.MustCompile(`(?i)\bimpact\b|影响`)
	recommendationRe = regexp.MustCompile(`(?i)\brecommend(ation|ed|s)?\b|\bsuggest(ion|ed|s)?\b|\baction items?\b|\bnext steps?\b|建议|应当|需要尽快`)
	linePrefixRe     = regexp.MustCompile(`^[\s#>*\-•]+|^\d+[.)]\s+`)
)

// Normalize trims, lowercases and collapses internal whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ContentHash fingerprints a summary for deduplication.
func ContentHash(summary string) string {
	sum := sha256.Sum256([]byte(Normalize(summary)))
	return hex.EncodeToString(sum[:])
}

// Summarize collapses text to a single paragraph of at most 280 runes.
func Summarize(text string) string {
	return truncate(strings.Join(strings.Fields(text), " "), maxSummaryRunes)
}

// Title returns the first meaningful line of text, stripped of list and
// heading markers, at most 60 runes.
func Title(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(linePrefixRe.ReplaceAllString(strings.TrimSpace(line), ""))
		line = strings.Trim(line, "*_` ")
		if line == "" || !hasLetter(line) {
			continue
		}
		return truncate(line, maxTitleRunes)
	}
	return ""
}

// Impact returns the first line that talks about impact, if any.
func Impact(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if impactRe.MatchString(line) {
			return truncate(strings.TrimSpace(linePrefixRe.ReplaceAllString(strings.TrimSpace(line), "")), maxSummaryRunes)
		}
	}
	return ""
}

// Classify picks the briefing type: P0 results are alerts, results with
// recommendations ask for action, anomalies are insights, the rest are
// summaries.
func Classify(text string, a importance.Assessment) string {
	switch {
	case a.Band == importance.P0:
		return storage.BriefingAlert
	case recommendationRe.MatchString(text):
		return storage.BriefingAction
	case len(a.Signals) > 0 || importance.HasAnomalyMarkers(text):
		return storage.BriefingInsight
	default:
		return storage.BriefingSummary
	}
}

// FollowUpPrompt is the chat prompt pre-filled by the start_conversation
// action, in the language of the analysis.
func FollowUpPrompt(title string) string {
	if isCJK(title) {
		return fmt.Sprintf("请详细说明「%s」的原因、影响和建议的处理步骤。", title)
	}
	return fmt.Sprintf("Tell me more about %q: what caused it, what it affects, and what I should do next.", title)
}

func defaultActions(title, reportRef string) []storage.Action {
	view := storage.Action{Label: "View report", Kind: storage.ActionViewReport}
	if reportRef != "" {
		view.Payload = map[string]string{"report_ref": reportRef}
	}
	return []storage.Action{
		view,
		{Label: "Discuss", Kind: storage.ActionStartConversation, Prompt: FollowUpPrompt(title)},
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func isCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
