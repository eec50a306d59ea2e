// Package importance scores agent analysis output for push-worthiness.
//
// Score is a pure function of the analysis text and its structured signals.
// Priority banding is a pure function of the score.
package importance

import (
	"strings"
)

// Signal kinds.
const (
	KindThreshold = "threshold_violation"
	KindSeverity  = "severity"
)

// Severity levels carried by severity signals.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Priority bands.
const (
	P0 = "P0"
	P1 = "P1"
	P2 = "P2"
)

const (
	baseScore       = 0.1
	thresholdWeight = 0.3
	markerWeight    = 0.1
	markerCap       = 0.3
)

var severityWeights = map[string]float64{
	SeverityCritical: 0.4,
	SeverityHigh:     0.25,
	SeverityMedium:   0.1,
	SeverityLow:      0.05,
}

// Signal is one structured anomaly indicator.
type Signal struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity,omitempty"`
	Line     string `json:"line,omitempty"`
}

// Assessment bundles the evaluation of one analysis text.
type Assessment struct {
	Signals []Signal `json:"signals"`
	Score   float64  `json:"score"`
	Band    string   `json:"band"`
}

// anomalyMarkers are matched case-insensitively after all-clear phrases have
// been blanked out. Each distinct marker counts once.
var anomalyMarkers = []string{
	"异常", "告警", "激增", "骤降", "下降", "故障", "超时", "失败率",
	"anomaly", "anomalies", "spike", "outage", "regression", "degraded",
	"incident", "alert", "surge", "drop",
}

// allClearMarkers must be removed before marker scanning so that e.g.
// "无异常" never counts as 异常.
var allClearMarkers = []string{
	"一切正常", "无异常", "没有异常", "未发现异常", "无告警",
	"no anomalies", "no anomaly", "all normal", "all clear", "no alerts",
	"no regression", "no incidents",
}

// Score returns a deterministic importance score in [0,1].
func Score(text string, signals []Signal) float64 {
	s := baseScore
	for _, sig := range signals {
		switch sig.Kind {
		case KindThreshold:
			s += thresholdWeight
		case KindSeverity:
			s += severityWeights[sig.Severity]
		}
	}
	s += markerScore(text)
	return clamp(s)
}

func markerScore(text string) float64 {
	lower := strings.ToLower(text)
	for _, m := range allClearMarkers {
		lower = strings.ReplaceAll(lower, m, " ")
	}
	var total float64
	for _, m := range anomalyMarkers {
		if strings.Contains(lower, m) {
			total += markerWeight
		}
	}
	if total > markerCap {
		total = markerCap
	}
	return total
}

func clamp(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Band maps a score to a priority: >=0.8 P0, >=0.6 P1, else P2.
func Band(score float64) string {
	switch {
	case score >= 0.8:
		return P0
	case score >= 0.6:
		return P1
	default:
		return P2
	}
}

// Evaluate extracts signals from text and scores it.
func Evaluate(text string) Assessment {
	signals := ExtractSignals(text)
	score := Score(text, signals)
	return Assessment{Signals: signals, Score: score, Band: Band(score)}
}

// HasAnomalyMarkers reports whether text mentions an anomaly once all-clear
// phrases are discounted.
func HasAnomalyMarkers(text string) bool {
	return markerScore(text) > 0
}
