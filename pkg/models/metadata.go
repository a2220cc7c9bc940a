package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JobMetadata is the decoded form of a Job's opaque metadata blob: either
// empty or carrying an agent-pipeline configuration. It is decoded once at
// the execution engine's branch point rather than re-interpreted by each
// consumer.
type JobMetadata struct {
	Agents *PipelineConfig `json:"agents,omitempty"`
}

// ParseMetadata decodes a job's metadata blob. An empty blob yields an empty
// metadata value; malformed JSON is an ErrInvalidArgument.
func ParseMetadata(raw string) (JobMetadata, error) {
	var meta JobMetadata
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &meta); err != nil {
		return JobMetadata{}, fmt.Errorf("%w: malformed job metadata: %v", ErrInvalidArgument, err)
	}
	return meta, nil
}

// Pipeline returns the agent-pipeline configuration when one is present and
// enabled, nil otherwise. Validation is the caller's responsibility.
func (m JobMetadata) Pipeline() *PipelineConfig {
	if m.Agents == nil || !m.Agents.Enabled {
		return nil
	}
	return m.Agents
}
