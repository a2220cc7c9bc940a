package models

import (
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow     Priority = "low"
	PriorityDefault Priority = "default"
	PriorityHigh    Priority = "high"
	PriorityUrgent  Priority = "urgent"
)

// NextRunSanityBound is the farthest ahead a job's nextRun may point. Jobs
// beyond it are treated as misconfigured and excluded from scheduling.
const NextRunSanityBound = 365 * 24 * time.Hour

// Job is a persisted definition of a schedulable unit of work. Timestamps are
// integer milliseconds since epoch; zero means unset.
type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Command     string   `json:"command"`
	Args        string   `json:"args"`
	Schedule    string   `json:"schedule"`
	Enabled     bool     `json:"enabled"`
	Priority    Priority `json:"priority"`
	NotifyOn    string   `json:"notifyOn"`
	Metadata    string   `json:"metadata,omitempty"`
	LastRun     int64    `json:"lastRun,omitempty"`
	NextRun     int64    `json:"nextRun,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NotifyOnEvent reports whether the job's notification policy includes the
// given terminal event ("completion" or "error").
func (j *Job) NotifyOnEvent(event string) bool {
	for _, part := range strings.Split(j.NotifyOn, ",") {
		if strings.TrimSpace(part) == event {
			return true
		}
	}
	return false
}

// NextRunTime returns nextRun as a time, or the zero time when unset.
func (j *Job) NextRunTime() time.Time {
	if j.NextRun == 0 {
		return time.Time{}
	}
	return time.UnixMilli(j.NextRun)
}
