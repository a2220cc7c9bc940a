package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentd-io/agentd/pkg/models"
)

// IsOneShot classifies a 5-field cron expression. A job is one-shot iff both
// the day-of-month and month fields are concrete (not "*"); classification is
// a pure function of those two fields.
func IsOneShot(schedule string) bool {
	fields := strings.Fields(schedule)
	if len(fields) != 5 {
		return false
	}
	return fields[2] != "*" && fields[3] != "*"
}

// ResolveOneShot resolves a one-shot cron expression's minute/hour/day/month
// against the current year and returns the absolute fire instant.
//
// The current-year resolution silently mis-schedules a one-shot whose target
// date belongs to a different year (e.g. a job restored from backup long
// after creation). Known defect, kept for compatibility: past instants are
// retired by the caller rather than re-armed to a future year.
func ResolveOneShot(schedule string, now time.Time) (time.Time, error) {
	fields := strings.Fields(schedule)
	if len(fields) != 5 {
		return time.Time{}, fmt.Errorf("%w: schedule %q does not have 5 fields", models.ErrInvalidArgument, schedule)
	}

	minute, err := cronField(fields[0], 0, 59)
	if err != nil {
		return time.Time{}, fmt.Errorf("minute field: %w", err)
	}
	hour, err := cronField(fields[1], 0, 23)
	if err != nil {
		return time.Time{}, fmt.Errorf("hour field: %w", err)
	}
	day, err := cronField(fields[2], 1, 31)
	if err != nil {
		return time.Time{}, fmt.Errorf("day field: %w", err)
	}
	month, err := cronField(fields[3], 1, 12)
	if err != nil {
		return time.Time{}, fmt.Errorf("month field: %w", err)
	}

	return time.Date(now.Year(), time.Month(month), day, hour, minute, 0, 0, now.Location()), nil
}

func cronField(field string, min, max int) (int, error) {
	v, err := strconv.Atoi(field)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a plain integer", models.ErrInvalidArgument, field)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%w: %d out of range [%d,%d]", models.ErrInvalidArgument, v, min, max)
	}
	return v, nil
}
