// Package scheduler reconciles the job store against a live trigger
// registry: recurring jobs get cron entries, one-shot jobs get absolute-time
// timers, and stale one-shot jobs are retired.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentd-io/agentd/pkg/engine"
	"github.com/agentd-io/agentd/pkg/logging"
	"github.com/agentd-io/agentd/pkg/models"
	"github.com/agentd-io/agentd/pkg/observability"
	"github.com/agentd-io/agentd/pkg/store"
	"github.com/robfig/cron/v3"
)

// Runner is the execution boundary, satisfied by engine.Engine.
type Runner interface {
	ExecuteJobWithRetry(ctx context.Context, jobID string, maxAttempts int) (*engine.RunResult, error)
}

type triggerKind string

const (
	kindOneShot   triggerKind = "one-shot"
	kindRecurring triggerKind = "recurring"
)

// trigger is one live registry entry. The trigger id is the job id: at most
// one live trigger per job, enforced by replace-on-conflict.
type trigger struct {
	jobID    string
	kind     triggerKind
	schedule string
	entryID  cron.EntryID // recurring
	timer    *time.Timer  // one-shot
	fireAt   time.Time    // one-shot
}

// TriggerInfo is a read-only snapshot of one registry entry.
type TriggerInfo struct {
	JobID    string    `json:"jobId"`
	Kind     string    `json:"kind"`
	Schedule string    `json:"schedule"`
	NextFire time.Time `json:"nextFire"`
}

type Scheduler struct {
	store   store.Store
	runner  Runner
	logger  logging.Logger
	metrics *observability.MetricsRegistry

	cron   *cron.Cron
	parser cron.Parser
	now    func() time.Time

	mu       sync.Mutex
	triggers map[string]*trigger

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(st store.Store, runner Runner, logger logging.Logger, metrics *observability.MetricsRegistry) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if metrics == nil {
		metrics = observability.NewMetricsRegistry()
	}
	return &Scheduler{
		store:    st,
		runner:   runner,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		cron:     cron.New(cron.WithParser(parser)),
		parser:   parser,
		now:      time.Now,
		triggers: make(map[string]*trigger),
		stopped:  make(chan struct{}),
	}
}

// Start performs the initial sync, starts the timer service and re-syncs on
// every job mutation reported by the store.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Sync(); err != nil {
		return err
	}
	s.cron.Start()

	go s.watchLoop(ctx, s.store.Watch())
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("scheduler started with %d triggers", s.TriggerCount())
	return nil
}

// Stop halts the timer service. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()

		s.mu.Lock()
		for id, t := range s.triggers {
			if t.timer != nil {
				t.timer.Stop()
			}
			delete(s.triggers, id)
		}
		s.mu.Unlock()

		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done is closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

func (s *Scheduler) watchLoop(ctx context.Context, ch <-chan store.JobEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.logger.Debug("scheduler: job %s %s, re-syncing", evt.Job.ID, evt.Type)
			if err := s.Sync(); err != nil {
				s.logger.Error("scheduler: sync after %s: %v", evt.Type, err)
			}
		}
	}
}

// Sync reconciles the trigger registry against the job store. Runs to
// completion under the registry lock, so it never interleaves with trigger
// management of a concurrent sync. Idempotent: with no store changes a
// second call leaves the registry and every persisted nextRun unchanged.
func (s *Scheduler) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.store.ListJobs(true)
	if err != nil {
		return fmt.Errorf("list enabled jobs: %w", err)
	}
	now := s.now()

	enabled := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		enabled[job.ID] = struct{}{}
	}

	// Disabled and deleted jobs lose their trigger.
	for id, t := range s.triggers {
		if _, ok := enabled[id]; !ok {
			s.removeTriggerLocked(id, t)
			s.logger.Info("scheduler: removed trigger for job %s (disabled or deleted)", id)
		}
	}

	for _, job := range jobs {
		if job.NextRun != 0 && job.NextRunTime().After(now.Add(models.NextRunSanityBound)) {
			s.logger.Warn("scheduler: job %s nextRun %s is more than a year out, skipping",
				job.ID, job.NextRunTime().Format(time.RFC3339))
			continue
		}
		if IsOneShot(job.Schedule) {
			s.armOneShotLocked(job, now)
		} else {
			s.armRecurringLocked(job, now)
		}
	}

	s.metrics.Counter(observability.MetricSchedulerSyncs).Inc()
	s.metrics.Gauge(observability.MetricSchedulerTriggers).Set(int64(len(s.triggers)))
	return nil
}

// armOneShotLocked installs or replaces an absolute-time trigger. A one-shot
// whose resolved instant has already passed is stale: its trigger, if any, is
// removed and the job is never re-armed to a future year.
func (s *Scheduler) armOneShotLocked(job *models.Job, now time.Time) {
	fireAt, err := ResolveOneShot(job.Schedule, now)
	if err != nil {
		s.logger.Warn("scheduler: job %s schedule %q not resolvable as one-shot (%v), arming as recurring",
			job.ID, job.Schedule, err)
		s.armRecurringLocked(job, now)
		return
	}

	if !fireAt.After(now) {
		if t, ok := s.triggers[job.ID]; ok {
			s.removeTriggerLocked(job.ID, t)
		}
		s.logger.Info("scheduler: one-shot job %s target %s already passed, retiring",
			job.ID, fireAt.Format(time.RFC3339))
		s.logActivity(models.ActivityScheduler,
			fmt.Sprintf("one-shot job %q is stale (target %s), trigger removed", job.Name, fireAt.Format(time.RFC3339)),
			map[string]interface{}{"jobId": job.ID})
		return
	}

	if t, ok := s.triggers[job.ID]; ok {
		if t.kind == kindOneShot && t.fireAt.Equal(fireAt) {
			s.persistNextRun(job, fireAt)
			return
		}
		s.removeTriggerLocked(job.ID, t)
	}

	jobID := job.ID
	s.triggers[jobID] = &trigger{
		jobID:    jobID,
		kind:     kindOneShot,
		schedule: job.Schedule,
		fireAt:   fireAt,
		timer: time.AfterFunc(fireAt.Sub(now), func() {
			s.fireOneShot(jobID)
		}),
	}
	s.persistNextRun(job, fireAt)
}

// armRecurringLocked installs or replaces a cron-derived trigger, always
// relative to now. Fires missed while the process was down coalesce into the
// next natural occurrence.
func (s *Scheduler) armRecurringLocked(job *models.Job, now time.Time) {
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		s.logger.Warn("scheduler: job %s has invalid schedule %q: %v", job.ID, job.Schedule, err)
		if t, ok := s.triggers[job.ID]; ok {
			s.removeTriggerLocked(job.ID, t)
		}
		return
	}

	if t, ok := s.triggers[job.ID]; ok {
		if t.kind == kindRecurring && t.schedule == job.Schedule {
			s.persistNextRun(job, s.nextFireLocked(t, now))
			return
		}
		s.removeTriggerLocked(job.ID, t)
	}

	jobID := job.ID
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.runJob(jobID)
	}))
	s.triggers[jobID] = &trigger{
		jobID:    jobID,
		kind:     kindRecurring,
		schedule: job.Schedule,
		entryID:  entryID,
	}
	s.persistNextRun(job, sched.Next(now))
}

// nextFireLocked reads back a trigger's next fire time.
func (s *Scheduler) nextFireLocked(t *trigger, now time.Time) time.Time {
	if t.kind == kindOneShot {
		return t.fireAt
	}
	if entry := s.cron.Entry(t.entryID); !entry.Next.IsZero() {
		return entry.Next
	}
	if sched, err := s.parser.Parse(t.schedule); err == nil {
		return sched.Next(now)
	}
	return time.Time{}
}

func (s *Scheduler) removeTriggerLocked(id string, t *trigger) {
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.kind == kindRecurring {
		s.cron.Remove(t.entryID)
	}
	delete(s.triggers, id)
}

func (s *Scheduler) persistNextRun(job *models.Job, next time.Time) {
	millis := int64(0)
	if !next.IsZero() {
		millis = next.UnixMilli()
	}
	if job.NextRun == millis {
		return
	}
	if err := s.store.SetNextRun(job.ID, millis); err != nil {
		s.logger.Error("scheduler: persist nextRun for %s: %v", job.ID, err)
	}
	job.NextRun = millis
}

// fireOneShot runs a one-shot job once and drops its trigger.
func (s *Scheduler) fireOneShot(jobID string) {
	s.mu.Lock()
	delete(s.triggers, jobID)
	s.mu.Unlock()

	if err := s.store.SetNextRun(jobID, 0); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("scheduler: clear nextRun for %s: %v", jobID, err)
	}
	s.runJob(jobID)
}

// runJob drives the engine for one fire. A fire that overlaps a still-running
// execution of the same job is dropped, not queued.
func (s *Scheduler) runJob(jobID string) {
	result, err := s.runner.ExecuteJobWithRetry(context.Background(), jobID, 0)
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning):
		s.logger.Info("scheduler: dropped fire for job %s, previous run still executing", jobID)
		return
	case errors.Is(err, models.ErrNotFound):
		s.logger.Warn("scheduler: fired job %s no longer exists", jobID)
		return
	case err != nil:
		s.logger.Error("scheduler: job %s run failed: %v", jobID, err)
	default:
		s.logger.Info("scheduler: job %s finished with exit code %d", jobID, result.ExitCode)
	}

	s.refreshNextRun(jobID)
}

// refreshNextRun re-persists nextRun after a recurring fire.
func (s *Scheduler) refreshNextRun(jobID string) {
	s.mu.Lock()
	t, ok := s.triggers[jobID]
	var next time.Time
	if ok && t.kind == kindRecurring {
		next = s.nextFireLocked(t, s.now())
	}
	s.mu.Unlock()

	if !ok || next.IsZero() {
		return
	}
	if err := s.store.SetNextRun(jobID, next.UnixMilli()); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("scheduler: refresh nextRun for %s: %v", jobID, err)
	}
}

func (s *Scheduler) TriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

// Triggers returns a snapshot of the live registry.
func (s *Scheduler) Triggers() []TriggerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	infos := make([]TriggerInfo, 0, len(s.triggers))
	for _, t := range s.triggers {
		infos = append(infos, TriggerInfo{
			JobID:    t.jobID,
			Kind:     string(t.kind),
			Schedule: t.schedule,
			NextFire: s.nextFireLocked(t, now),
		})
	}
	return infos
}

func (s *Scheduler) logActivity(typ models.ActivityType, message string, metadata map[string]interface{}) {
	entry := &models.ActivityEntry{Type: typ, Message: message, Metadata: metadata}
	if err := s.store.AppendActivity(entry); err != nil {
		s.logger.Warn("scheduler: append activity: %v", err)
	}
}
