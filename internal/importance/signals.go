package importance

import (
	"regexp"
	"strings"
)

var thresholdPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(超过|超出|突破|高于|低于).{0,12}阈值`),
	regexp.MustCompile(`阈值.{0,6}(超过|超出|突破)`),
	regexp.MustCompile(`(?i)exceed(s|ed)?\s+(the\s+)?(\w+\s+)?threshold`),
	regexp.MustCompile(`(?i)threshold\s+(breach|breached|violation|violated|exceeded)`),
	regexp.MustCompile(`(?i)\[threshold\]`),
}

type severityPattern struct {
	re       *regexp.Regexp
	severity string
}

// Ordered most severe first; the first match on a line wins.
var severityPatterns = []severityPattern{
	{regexp.MustCompile(`(?i)\[critical\]|critical:|严重|致命|\bP0\b`), SeverityCritical},
	{regexp.MustCompile(`(?i)\[high\]|severity:\s*high|高危|高风险`), SeverityHigh},
	{regexp.MustCompile(`(?i)\[medium\]|severity:\s*medium|中危|中风险`), SeverityMedium},
	{regexp.MustCompile(`(?i)\[low\]|severity:\s*low|低危|低风险`), SeverityLow},
}

// ExtractSignals derives structured signals from explicit lines in text.
// A line yields at most one signal; threshold violations take precedence
// over severity flags.
func ExtractSignals(text string) []Signal {
	var out []Signal
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if matchAny(thresholdPatterns, line) {
			out = append(out, Signal{Kind: KindThreshold, Line: line})
			continue
		}
		for _, sp := range severityPatterns {
			if sp.re.MatchString(line) {
				out = append(out, Signal{Kind: KindSeverity, Severity: sp.severity, Line: line})
				break
			}
		}
	}
	return out
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
