package models

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules use the standard 5-field cron format (minute hour day month
// weekday) plus descriptors such as @hourly.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun returns the first activation of expr strictly after reference.
func NextRun(expr string, reference time.Time) (time.Time, error) {
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %w", ErrInvalidSchedule, expr, err)
	}

	return schedule.Next(reference).UTC(), nil
}

// ValidateSchedule checks a cron expression without computing activations.
func ValidateSchedule(expr string) error {
	_, err := NextRun(expr, time.Now())

	return err
}

// IsDue reports whether a recurring workflow should be triggered at now.
func (w *Workflow) IsDue(now time.Time) bool {
	return w.Schedule != "" && w.NextRunAt != nil && !w.NextRunAt.After(now)
}

// AdvanceSchedule moves NextRunAt to the first activation after now. It is a
// no-op for workflows without a schedule.
func (w *Workflow) AdvanceSchedule(now time.Time) error {
	if w.Schedule == "" {
		w.NextRunAt = nil

		return nil
	}

	next, err := NextRun(w.Schedule, now)
	if err != nil {
		return err
	}

	w.NextRunAt = &next

	return nil
}
