package models

import "time"

type ActivityType string

const (
	ActivityTaskStart          ActivityType = "task_start"
	ActivityTaskComplete       ActivityType = "task_complete"
	ActivityTaskError          ActivityType = "task_error"
	ActivityTaskRetry          ActivityType = "task_retry"
	ActivityAgentStarted       ActivityType = "agent_started"
	ActivityAgentCompleted     ActivityType = "agent_completed"
	ActivityAgentFailed        ActivityType = "agent_failed"
	ActivitySynthesisStarted   ActivityType = "synthesis_started"
	ActivitySynthesisCompleted ActivityType = "synthesis_completed"
	ActivityScheduler          ActivityType = "scheduler"
)

// ActivityEntry is an append-only audit record. ExecutionID is empty for
// scheduler-level events. Never mutated after creation.
type ActivityEntry struct {
	ID          int64                  `json:"id"`
	ExecutionID string                 `json:"executionId,omitempty"`
	Type        ActivityType           `json:"type"`
	Message     string                 `json:"message"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}
