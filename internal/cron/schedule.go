// Package cron generalizes internal/cron/schedule.go's Schedule
// abstraction from the teacher repo for the two periodic sweeps this
// system needs: the permission-request expiry sweep and the Event
// Hub's heartbeat cadence. Only the "every" and "cron" kinds are kept;
// the teacher's "at" (fire-once) kind has no user here and is
// dropped.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule describes when a periodic task should next run.
type Schedule struct {
	Kind     string // "every" | "cron"
	Every    time.Duration
	CronExpr string
}

// Every builds a fixed-interval schedule.
func Every(d time.Duration) (Schedule, error) {
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be positive")
	}
	return Schedule{Kind: "every", Every: d}, nil
}

// Parse builds a cron-expression schedule, validating it eagerly.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression is required")
	}
	if _, err := parser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return Schedule{Kind: "cron", CronExpr: expr}, nil
}

// Next returns the next run time strictly after now.
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case "every":
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing duration")
		}
		return now.Add(s.Every), true, nil
	case "cron":
		if s.CronExpr == "" {
			return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
		}
		schedule, err := parser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := schedule.Next(now)
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
