package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentd-io/agentd/pkg/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db       *sql.DB
	mu       sync.RWMutex
	watchers []chan JobEvent
	watchMu  sync.RWMutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		next_run INTEGER NOT NULL DEFAULT 0,
		last_run INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_enabled ON jobs(enabled);
	CREATE INDEX IF NOT EXISTS idx_executions_job_id ON executions(job_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_activity_execution_id ON activity_log(execution_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	isNew := false

	if job.ID == "" {
		job.ID = uuid.New().String()
		job.CreatedAt = now
		isNew = true
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.Priority == "" {
		job.Priority = models.PriorityDefault
	}
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	enabled := 0
	if job.Enabled {
		enabled = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs (id, name, enabled, next_run, last_run, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			next_run = excluded.next_run,
			last_run = excluded.last_run,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, job.ID, job.Name, enabled, job.NextRun, job.LastRun, string(data), now, now)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	evtType := EventUpdated
	if isNew {
		evtType = EventCreated
	}
	s.emit(JobEvent{Type: evtType, Job: job})
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getJobUnlocked(id)
}

func (s *SQLiteStore) getJobUnlocked(id string) (*models.Job, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM jobs WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *SQLiteStore) ListJobs(enabledOnly bool) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT data FROM jobs"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var results []*models.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var job models.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, err
		}
		results = append(results, &job)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getJobUnlocked(id)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	s.emit(JobEvent{Type: EventDeleted, Job: job})
	return nil
}

// SetNextRun updates the scheduler-owned nextRun column. No watch event is
// emitted: the scheduler writes this after every sync.
func (s *SQLiteStore) SetNextRun(id string, nextRun int64) error {
	return s.setRunColumn(id, "nextRun", "next_run", nextRun)
}

// SetLastRun updates a job's lastRun after a run completes. No watch event.
func (s *SQLiteStore) SetLastRun(id string, lastRun int64) error {
	return s.setRunColumn(id, "lastRun", "last_run", lastRun)
}

func (s *SQLiteStore) setRunColumn(id, field, column string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getJobUnlocked(id)
	if err != nil {
		return err
	}
	switch field {
	case "nextRun":
		job.NextRun = value
	case "lastRun":
		job.LastRun = value
	}
	job.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.db.Exec(
		"UPDATE jobs SET "+column+" = ?, data = ?, updated_at = ? WHERE id = ?",
		value, string(data), job.UpdatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", column, err)
	}
	return nil
}

func (s *SQLiteStore) CreateExecution(exec *models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO executions (id, job_id, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.JobID, string(exec.Status), string(data), now, now)
	return err
}

func (s *SQLiteStore) GetExecution(id string) (*models.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM executions WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: execution %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var exec models.ExecutionRecord
	if err := json.Unmarshal([]byte(data), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *SQLiteStore) UpdateExecution(exec *models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		UPDATE executions SET status = ?, data = ?, updated_at = ? WHERE id = ?
	`, string(exec.Status), string(data), exec.UpdatedAt, exec.ID)
	return err
}

func (s *SQLiteStore) ListExecutions(jobID string, limit int) ([]*models.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT data FROM executions"
	args := []interface{}{}
	if jobID != "" {
		query += " WHERE job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.ExecutionRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var exec models.ExecutionRecord
		if err := json.Unmarshal([]byte(data), &exec); err != nil {
			return nil, err
		}
		results = append(results, &exec)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) AppendActivity(entry *models.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata := "{}"
	if entry.Metadata != nil {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal activity metadata: %w", err)
		}
		metadata = string(data)
	}

	res, err := s.db.Exec(`
		INSERT INTO activity_log (execution_id, type, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ExecutionID, string(entry.Type), entry.Message, metadata, entry.CreatedAt)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListActivity(executionID string, limit int) ([]*models.ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, execution_id, type, message, metadata, created_at FROM activity_log"
	args := []interface{}{}
	if executionID != "" {
		query += " WHERE execution_id = ?"
		args = append(args, executionID)
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var typ, metadata string
		if err := rows.Scan(&e.ID, &e.ExecutionID, &typ, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = models.ActivityType(typ)
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, err
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Watch support

func (s *SQLiteStore) Watch() <-chan JobEvent {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	ch := make(chan JobEvent, 100)
	s.watchers = append(s.watchers, ch)
	return ch
}

func (s *SQLiteStore) emit(event JobEvent) {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()

	for _, ch := range s.watchers {
		select {
		case ch <- event:
		default:
			// Drop event if channel is full — non-blocking
		}
	}
}
