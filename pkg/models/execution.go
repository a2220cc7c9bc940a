package models

import "time"

type ExecutionState string

const (
	ExecRunning   ExecutionState = "running"
	ExecCompleted ExecutionState = "completed"
	ExecFailed    ExecutionState = "failed"
)

// MaxOutputBytes caps the captured output persisted per execution.
const MaxOutputBytes = 64 * 1024

// ExecutionRecord is one run attempt of a Job. Terminal fields (Status beyond
// running, Output, ExitCode, CompletedAt, DurationMs) are written exactly once
// at run end.
type ExecutionRecord struct {
	ID          string         `json:"id"`
	JobID       string         `json:"jobId"`
	Status      ExecutionState `json:"status"`
	Output      string         `json:"output,omitempty"`
	ExitCode    int            `json:"exitCode"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMs  int64          `json:"durationMs"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TruncateOutput bounds captured output to MaxOutputBytes.
func TruncateOutput(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes]
}
