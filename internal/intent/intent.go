// Package intent classifies chat messages into background task categories
// with an ordered table of pattern rules.
package intent

import (
	"regexp"
	"strings"

	"github.com/kalambet/staffd/internal/storage"
)

// Type is a task category.
type Type string

const (
	None             Type = ""
	DataAnalysis     Type = "data_analysis"
	ReportGeneration Type = "report_generation"
	MonitoringSetup  Type = "monitoring_setup"
)

// Context carries what the recognizer needs besides the message.
type Context struct {
	AgentID  string
	UserID   string
	Timezone string // IANA name applied to parsed schedules
}

// Intent is the transient result of classifying one message.
type Intent struct {
	Type     Type              `json:"type"`
	Prompt   string            `json:"prompt"`
	Schedule *storage.Schedule `json:"schedule,omitempty"`
	Rule     string            `json:"rule"`
}

type rule struct {
	name    string
	typ     Type
	pattern *regexp.Regexp
}

// rules is evaluated top to bottom; the first match wins. Monitoring rules
// come first because a recurring request usually also names a report or an
// analysis.
var rules = []rule{
	{"monitor_periodic_zh", MonitoringSetup, regexp.MustCompile(`每(天|日|周|星期|礼拜|小时|个小时|隔|\d+\s*(分钟|小时|天))|定时|定期`)},
	{"monitor_verb_zh", MonitoringSetup, regexp.MustCompile(`监控|盯着|盯一下|巡检|持续关注|有异常.{0,6}(告诉|通知|提醒)`)},
	{"monitor_periodic_en", MonitoringSetup, regexp.MustCompile(`(?i)\b(every\s+(\d+\s*)?(minutes?|mins?|hours?|days?|mornings?|evenings?|weeks?|monday|tuesday|wednesday|thursday|friday|saturday|sunday)|hourly|daily)\b`)},
	{"monitor_verb_en", MonitoringSetup, regexp.MustCompile(`(?i)\b(monitor|keep an eye on|watch over|alert me (when|if)|notify me (when|if))\b`)},

	{"report_zh", ReportGeneration, regexp.MustCompile(`(生成|出|写|做|整理|汇总|准备).{0,12}(报告|报表|周报|日报|月报|简报|总结)`)},
	{"report_en", ReportGeneration, regexp.MustCompile(`(?i)\b(generate|create|write|prepare|compile|produce|draft)\b.{0,40}\b(report|summary|digest|brief)\b`)},

	{"analysis_zh", DataAnalysis, regexp.MustCompile(`分析|统计|对比|排查|诊断|复盘|趋势`)},
	{"analysis_en", DataAnalysis, regexp.MustCompile(`(?i)\b(analy[sz]e|analysis|investigate|compare|break\s*down|trends?|statistics|diagnose)\b`)},
}

// Recognize classifies message. It returns false when the message is
// conversational rather than a task.
func Recognize(message string, c Context) (Intent, bool) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return Intent{}, false
	}
	for _, r := range rules {
		if !r.pattern.MatchString(msg) {
			continue
		}
		in := Intent{Type: r.typ, Rule: r.name, Prompt: ResolvePrompt(msg)}
		if r.typ == MonitoringSetup {
			if s, span, ok := parseSchedule(msg, c.Timezone); ok {
				in.Schedule = &s
				if p := ResolvePrompt(strings.Replace(msg, span, " ", 1)); p != "" {
					in.Prompt = p
				}
			}
		}
		return in, true
	}
	return Intent{}, false
}

var courtesyPrefixes = []string{
	"麻烦你", "麻烦", "能不能", "可以帮我", "帮我", "帮忙", "请你", "请",
	"please", "can you", "could you", "would you", "pls",
}

const edgePunct = " \t\r\n,，.。:：;；!！?？、"

// ResolvePrompt strips leading courtesy phrases and edge punctuation.
func ResolvePrompt(message string) string {
	p := strings.Trim(message, edgePunct)
	for changed := true; changed; {
		changed = false
		lower := strings.ToLower(p)
		for _, pre := range courtesyPrefixes {
			if strings.HasPrefix(lower, pre) {
				p = strings.Trim(p[len(pre):], edgePunct)
				changed = true
				break
			}
		}
	}
	return p
}
