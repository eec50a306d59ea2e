package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/staffd/internal/apperr"
	"github.com/kalambet/staffd/internal/storage"
)

// MinInterval is the shortest accepted interval schedule.
const MinInterval = time.Minute

var ErrInvalidSchedule = errors.New("invalid schedule")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a schedule. Failures are configuration errors.
func Validate(s storage.Schedule) error {
	_, err := next(s, time.Now())
	return err
}

// Next returns the first firing of s strictly after from. Manual schedules
// never fire and yield the zero time.
func Next(s storage.Schedule, from time.Time) (time.Time, error) {
	return next(s, from)
}

func next(s storage.Schedule, from time.Time) (time.Time, error) {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return time.Time{}, invalid("unknown timezone %q", s.Timezone)
		}
	}
	switch s.Kind {
	case storage.ScheduleCron:
		spec, err := cronParser.Parse(strings.TrimSpace(s.Expression))
		if err != nil {
			return time.Time{}, invalid("cron expression %q: %v", s.Expression, err)
		}
		n := spec.Next(from.In(s.Location()))
		if n.IsZero() {
			return time.Time{}, invalid("cron expression %q never fires", s.Expression)
		}
		return n, nil
	case storage.ScheduleInterval:
		if s.Interval < MinInterval {
			return time.Time{}, invalid("interval %v is shorter than %v", s.Interval, MinInterval)
		}
		return from.Add(s.Interval), nil
	case storage.ScheduleManual:
		return time.Time{}, nil
	default:
		return time.Time{}, invalid("unknown schedule kind %q", s.Kind)
	}
}

func invalid(format string, args ...any) error {
	return apperr.Config(fmt.Sprintf(format, args...), ErrInvalidSchedule)
}
