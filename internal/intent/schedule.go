package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/staffd/internal/storage"
)

const (
	defaultHour   = 9
	defaultMinute = 0
)

var (
	reZhInterval = regexp.MustCompile(`每隔?\s*(\d+)\s*(分钟|分|个小时|小时|钟头|天)`)
	reEnInterval = regexp.MustCompile(`(?i)\bevery\s+(\d+)\s*(minutes?|mins?|hours?|hrs?|days?)\b`)
	reZhHourly   = regexp.MustCompile(`每(个)?小时|每隔一小时`)
	reEnHourly   = regexp.MustCompile(`(?i)\b(every\s+hour|hourly)\b`)
	reZhWeekly   = regexp.MustCompile(`每(周|星期|礼拜)([一二三四五六日天1-7])?`)
	reEnWeekly   = regexp.MustCompile(`(?i)\b(?:every\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)|weekly)\b`)
	reZhDaily    = regexp.MustCompile(`每(天|日)`)
	reEnDaily    = regexp.MustCompile(`(?i)\b(every\s*day|each\s+day|every\s+morning|daily)\b`)

	// Time of day directly following a frequency phrase.
	reZhTime = regexp.MustCompile(`^\s*(早上|早晨|上午|中午|下午|傍晚|晚上|凌晨)?\s*(\d{1,2})(?:\s*[点點时]\s*(?:(\d{1,2})\s*分?|(半))?|\s*[:：]\s*(\d{2}))`)
	reEnTime = regexp.MustCompile(`(?i)^\s*(at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)?`)
)

var zhWeekdays = map[string]int{
	"一": 1, "二": 2, "三": 3, "四": 4, "五": 5, "六": 6, "日": 0, "天": 0,
	"1": 1, "2": 2, "3": 3, "4": 4, "5": 5, "6": 6, "7": 0,
}

var enWeekdays = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

// ParseSchedule extracts a recurring schedule from a natural-language
// expression such as "every day at 9am" or "每天早上9点". Fixed times become
// cron schedules in timezone; frequencies become interval schedules.
func ParseSchedule(text, timezone string) (storage.Schedule, bool) {
	s, _, ok := parseSchedule(text, timezone)
	return s, ok
}

// parseSchedule also returns the matched span so callers can remove it
// from the task prompt.
func parseSchedule(text, timezone string) (storage.Schedule, string, bool) {
	if m := reZhInterval.FindStringSubmatchIndex(text); m != nil {
		n, _ := strconv.Atoi(text[m[2]:m[3]])
		unit := map[string]time.Duration{"分钟": time.Minute, "分": time.Minute, "个小时": time.Hour, "小时": time.Hour, "钟头": time.Hour, "天": 24 * time.Hour}[text[m[4]:m[5]]]
		return interval(n, unit, timezone, text[m[0]:m[1]])
	}
	if m := reEnInterval.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return interval(n, enUnit(m[2]), timezone, m[0])
	}
	if m := reZhHourly.FindString(text); m != "" {
		return interval(1, time.Hour, timezone, m)
	}
	if m := reEnHourly.FindString(text); m != "" {
		return interval(1, time.Hour, timezone, m)
	}

	if m := reZhWeekly.FindStringSubmatchIndex(text); m != nil {
		dow := 1
		if m[4] >= 0 {
			dow = zhWeekdays[text[m[4]:m[5]]]
		}
		h, min, n, ok := zhTimeOfDay(text[m[1]:])
		if !ok {
			return storage.Schedule{}, "", false
		}
		return cronSchedule(min, h, fmt.Sprint(dow), timezone, text[m[0]:m[1]+n])
	}
	if m := reEnWeekly.FindStringSubmatchIndex(text); m != nil {
		dow := 1
		if m[2] >= 0 {
			dow = enWeekdays[strings.ToLower(text[m[2]:m[3]])]
		}
		h, min, n, ok := enTimeOfDay(text[m[1]:])
		if !ok {
			return storage.Schedule{}, "", false
		}
		return cronSchedule(min, h, fmt.Sprint(dow), timezone, text[m[0]:m[1]+n])
	}

	if m := reZhDaily.FindStringIndex(text); m != nil {
		h, min, n, ok := zhTimeOfDay(text[m[1]:])
		if !ok {
			return storage.Schedule{}, "", false
		}
		return cronSchedule(min, h, "*", timezone, text[m[0]:m[1]+n])
	}
	if m := reEnDaily.FindStringIndex(text); m != nil {
		h, min, n, ok := enTimeOfDay(text[m[1]:])
		if !ok {
			return storage.Schedule{}, "", false
		}
		return cronSchedule(min, h, "*", timezone, text[m[0]:m[1]+n])
	}
	return storage.Schedule{}, "", false
}

func interval(n int, unit time.Duration, timezone, span string) (storage.Schedule, string, bool) {
	d := time.Duration(n) * unit
	if d < time.Minute {
		return storage.Schedule{}, "", false
	}
	return storage.Schedule{Kind: storage.ScheduleInterval, Interval: d, Timezone: timezone}, span, true
}

func cronSchedule(minute, hour int, dow, timezone, span string) (storage.Schedule, string, bool) {
	return storage.Schedule{
		Kind:       storage.ScheduleCron,
		Expression: fmt.Sprintf("%d %d * * %s", minute, hour, dow),
		Timezone:   timezone,
	}, span, true
}

func enUnit(u string) time.Duration {
	switch u = strings.ToLower(u); {
	case strings.HasPrefix(u, "min"):
		return time.Minute
	case strings.HasPrefix(u, "h"):
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// zhTimeOfDay parses a time at the start of s. No time yields the default
// hour; n is the number of bytes consumed.
func zhTimeOfDay(s string) (hour, minute, n int, ok bool) {
	m := reZhTime.FindStringSubmatch(s)
	if m == nil {
		return zhPeriodDefault(s)
	}
	hour, _ = strconv.Atoi(m[2])
	switch {
	case m[3] != "":
		minute, _ = strconv.Atoi(m[3])
	case m[4] != "":
		minute = 30
	case m[5] != "":
		minute, _ = strconv.Atoi(m[5])
	}
	switch m[1] {
	case "下午", "傍晚", "晚上":
		if hour < 12 {
			hour += 12
		}
	case "中午":
		if hour < 11 {
			hour += 12
		}
	case "凌晨":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, 0, false
	}
	return hour, minute, len(m[0]), true
}

// zhPeriodDefault maps a bare period word such as 早上 to an hour.
func zhPeriodDefault(s string) (int, int, int, bool) {
	t := strings.TrimLeft(s, " ")
	skipped := len(s) - len(t)
	for _, p := range []struct {
		word string
		hour int
	}{{"早上", 9}, {"上午", 9}, {"中午", 12}, {"下午", 15}, {"晚上", 20}} {
		if strings.HasPrefix(t, p.word) {
			return p.hour, 0, skipped + len(p.word), true
		}
	}
	return defaultHour, defaultMinute, 0, true
}

func enTimeOfDay(s string) (hour, minute, n int, ok bool) {
	m := reEnTime.FindStringSubmatch(s)
	// A bare number is only a time when introduced by "at" or qualified
	// with am/pm or minutes.
	if m == nil || (m[1] == "" && m[3] == "" && m[4] == "") {
		return defaultHour, defaultMinute, 0, true
	}
	hour, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		minute, _ = strconv.Atoi(m[3])
	}
	switch strings.ToLower(strings.ReplaceAll(m[4], ".", "")) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, 0, false
	}
	return hour, minute, len(m[0]), true
}
