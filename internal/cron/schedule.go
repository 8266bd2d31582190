package cron

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
)

var relativeExpr = regexp.MustCompile(`(?i)^(every|in)\s+(\d+)\s+(minute|minutes|hour|hours|day|days)$`)

// ParseSchedule turns a user-supplied schedule expression into its typed
// form and the first run time after now. Accepted forms:
//
//	"*/5 * * * *"        five-field cron
//	"every 10 minutes"   repeating interval
//	"in 2 hours"         one-shot relative
//	"2026-09-01T09:00:00Z"  one-shot absolute (RFC 3339)
func ParseSchedule(expr string, now time.Time) (Schedule, time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, time.Time{}, fmt.Errorf("schedule is required")
	}

	if m := relativeExpr.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil || n <= 0 {
			return Schedule{}, time.Time{}, fmt.Errorf("invalid count in schedule %q", expr)
		}
		d := time.Duration(n) * unitDuration(m[3])
		if strings.EqualFold(m[1], "every") {
			return Schedule{Type: TypeInterval, Value: expr}, now.Add(d), nil
		}
		return Schedule{Type: TypeAt, Value: now.Add(d).Format(time.RFC3339)}, now.Add(d), nil
	}

	if at, err := time.Parse(time.RFC3339, expr); err == nil {
		if !at.After(now) {
			return Schedule{}, time.Time{}, fmt.Errorf("schedule time %s is in the past", expr)
		}
		return Schedule{Type: TypeAt, Value: expr}, at, nil
	}

	spec, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, time.Time{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return Schedule{Type: TypeCron, Value: expr}, spec.Next(now), nil
}

// Next computes the run after now for a persisted schedule. The second
// return is false for exhausted one-shots. next_run_at advances strictly:
// for cron and interval schedules the result is always after now.
func (s Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Type {
	case TypeAt:
		at, err := time.Parse(time.RFC3339, s.Value)
		if err != nil || !at.After(now) {
			return time.Time{}, false
		}
		return at, true
	case TypeInterval:
		m := relativeExpr.FindStringSubmatch(strings.TrimSpace(s.Value))
		if m == nil {
			return time.Time{}, false
		}
		n, err := strconv.Atoi(m[2])
		if err != nil || n <= 0 {
			return time.Time{}, false
		}
		return now.Add(time.Duration(n) * unitDuration(m[3])), true
	case TypeCron:
		spec, err := cronParser.Parse(s.Value)
		if err != nil {
			return time.Time{}, false
		}
		next := spec.Next(now)
		return next, !next.IsZero()
	}
	return time.Time{}, false
}

func unitDuration(unit string) time.Duration {
	switch strings.ToLower(strings.TrimSuffix(unit, "s")) {
	case "minute":
		return time.Minute
	case "hour":
		return time.Hour
	default:
		return 24 * time.Hour
	}
}
