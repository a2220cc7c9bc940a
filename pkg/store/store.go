package store

import (
	"github.com/agentd-io/agentd/pkg/models"
)

// Store is the durable record of job definitions, execution attempts and the
// append-only activity log. The scheduler consumes the jobs table; it owns
// only the nextRun column. The execution engine is the sole writer of an
// execution's terminal fields.
type Store interface {
	PutJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	ListJobs(enabledOnly bool) ([]*models.Job, error)
	DeleteJob(id string) error
	SetNextRun(id string, nextRun int64) error
	SetLastRun(id string, lastRun int64) error

	CreateExecution(exec *models.ExecutionRecord) error
	GetExecution(id string) (*models.ExecutionRecord, error)
	UpdateExecution(exec *models.ExecutionRecord) error
	ListExecutions(jobID string, limit int) ([]*models.ExecutionRecord, error)

	AppendActivity(entry *models.ActivityEntry) error
	ListActivity(executionID string, limit int) ([]*models.ActivityEntry, error)

	Watch() <-chan JobEvent

	Migrate() error
	Close() error
}

type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventDeleted EventType = "DELETED"
)

// JobEvent is emitted on job CRUD. Scheduler-owned column writes (nextRun,
// lastRun) do not emit events, so a sync never re-triggers itself.
type JobEvent struct {
	Type EventType
	Job  *models.Job
}
