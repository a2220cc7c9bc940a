// Package engine turns a job id into a finished execution record: it creates
// the execution row, drives the subprocess adapter or the multi-agent
// orchestrator, persists the terminal status, and applies the retry policy.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentd-io/agentd/pkg/agentproc"
	"github.com/agentd-io/agentd/pkg/events"
	"github.com/agentd-io/agentd/pkg/logging"
	"github.com/agentd-io/agentd/pkg/models"
	"github.com/agentd-io/agentd/pkg/notify"
	"github.com/agentd-io/agentd/pkg/observability"
	"github.com/agentd-io/agentd/pkg/orchestrator"
	"github.com/agentd-io/agentd/pkg/store"
)

// ErrAlreadyRunning is returned when a run is requested for a job whose
// previous run has not reached a terminal state. The scheduler drops such
// fires rather than queueing them.
var ErrAlreadyRunning = errors.New("job already running")

// ProcessRunner is the subprocess boundary, satisfied by agentproc.Adapter.
type ProcessRunner interface {
	Run(ctx context.Context, commandline, dir string, timeout time.Duration) (*agentproc.Stream, error)
}

// PipelineRunner is the multi-agent boundary, satisfied by
// orchestrator.Orchestrator.
type PipelineRunner interface {
	ExecuteMultiAgentJob(ctx context.Context, job *models.Job, cfg *models.PipelineConfig, executionID string) (*orchestrator.Result, error)
}

// RunResult is what one ExecuteJob call produced. A non-zero ExitCode with a
// nil error is an ordinary failed run, recoverable via retry.
type RunResult struct {
	ExecutionID string
	Output      string
	ExitCode    int
}

// Config holds engine settings.
type Config struct {
	AgentCommand string
	WorkDir      string        // working directory for single-agent runs
	RunTimeout   time.Duration // wall-clock bound per single-agent run
	MaxAttempts  int
	Backoff      []time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WorkDir == "" {
		out.WorkDir = "."
	}
	if out.RunTimeout <= 0 {
		out.RunTimeout = time.Hour
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if len(out.Backoff) == 0 {
		out.Backoff = agentproc.DefaultBackoff
	}
	return out
}

type Engine struct {
	store     store.Store
	runner    ProcessRunner
	pipelines PipelineRunner
	notifier  notify.Notifier
	mailer    notify.Mailer
	events    events.Sink
	logger    logging.Logger
	metrics   *observability.MetricsRegistry
	cfg       Config

	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(st store.Store, runner ProcessRunner, pipelines PipelineRunner,
	notifier notify.Notifier, mailer notify.Mailer, sink events.Sink,
	logger logging.Logger, metrics *observability.MetricsRegistry, cfg Config) *Engine {
	if notifier == nil {
		notifier = notify.NopNotifier()
	}
	if mailer == nil {
		mailer = notify.NopMailer()
	}
	if metrics == nil {
		metrics = observability.NewMetricsRegistry()
	}
	return &Engine{
		store:     st,
		runner:    runner,
		pipelines: pipelines,
		notifier:  notifier,
		mailer:    mailer,
		events:    events.OrNop(sink),
		logger:    logging.OrNop(logger),
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		sleep:     agentproc.Sleep,
		inflight:  make(map[string]struct{}),
	}
}

// ExecuteJob performs one run attempt. The terminal execution fields and the
// job's lastRun are persisted before any notification side effect and before
// an error is re-raised: a raised error does not mean persistence failed.
func (e *Engine) ExecuteJob(ctx context.Context, jobID string) (*RunResult, error) {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	exec := &models.ExecutionRecord{
		JobID:     job.ID,
		Status:    models.ExecRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateExecution(exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	e.metrics.Counter(observability.MetricEngineRuns).Inc()
	e.metrics.Gauge(observability.MetricEngineActiveRuns).Inc()
	defer e.metrics.Gauge(observability.MetricEngineActiveRuns).Dec()

	e.logActivity(exec.ID, models.ActivityTaskStart,
		fmt.Sprintf("job %q started", job.Name),
		map[string]interface{}{"jobId": job.ID})
	e.events.Publish("task_start", map[string]interface{}{"jobId": job.ID, "executionId": exec.ID})

	output, exitCode, runErr := e.runJob(ctx, job, exec.ID)

	e.finalize(job, exec, output, exitCode, runErr)

	result := &RunResult{ExecutionID: exec.ID, Output: exec.Output, ExitCode: exitCode}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// runJob branches on the job's metadata: a valid enabled agent-pipeline
// configuration delegates to the orchestrator, anything else is a single
// subprocess run.
func (e *Engine) runJob(ctx context.Context, job *models.Job, executionID string) (string, int, error) {
	meta, err := models.ParseMetadata(job.Metadata)
	if err != nil {
		return "", 1, err
	}

	if cfg := meta.Pipeline(); cfg != nil {
		result, err := e.pipelines.ExecuteMultiAgentJob(ctx, job, cfg, executionID)
		if err != nil {
			return "", 1, err
		}
		data, merr := json.MarshalIndent(result, "", "  ")
		if merr != nil {
			data = []byte(result.Status)
		}
		exitCode := 0
		if result.Status != orchestrator.StatusCompleted {
			exitCode = 1
		}
		return string(data), exitCode, nil
	}

	commandline := e.cfg.AgentCommand + " " + agentproc.Quote(taskDescription(job))
	stream, err := e.runner.Run(ctx, commandline, e.cfg.WorkDir, e.cfg.RunTimeout)
	if err != nil {
		return "", 1, err
	}

	var b strings.Builder
	exitCode := 0
	for line := range stream.Lines {
		if agentproc.IsTrailer(line) {
			exitCode = agentproc.ParseExitCode(line)
		}
		if b.Len() < models.MaxOutputBytes {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if err := stream.Err(); err != nil {
		return b.String(), 1, err
	}
	return b.String(), exitCode, nil
}

// finalize writes the terminal execution fields and the job's lastRun in one
// step, then emits the audit entry and best-effort notifications.
func (e *Engine) finalize(job *models.Job, exec *models.ExecutionRecord, output string, exitCode int, runErr error) {
	completed := time.Now().UTC()

	status := models.ExecCompleted
	if runErr != nil || exitCode != 0 {
		status = models.ExecFailed
	}
	if runErr != nil {
		output = output + "\nerror: " + runErr.Error()
	}

	exec.Status = status
	exec.Output = models.TruncateOutput(output)
	exec.ExitCode = exitCode
	exec.CompletedAt = &completed
	exec.DurationMs = completed.Sub(exec.StartedAt).Milliseconds()

	if err := e.store.UpdateExecution(exec); err != nil {
		e.logger.Error("engine: persist execution %s: %v", exec.ID, err)
	}
	if err := e.store.SetLastRun(job.ID, completed.UnixMilli()); err != nil {
		e.logger.Error("engine: persist lastRun for %s: %v", job.ID, err)
	}

	e.metrics.Histogram(observability.MetricEngineDurationMs).Observe(float64(exec.DurationMs))

	if status == models.ExecCompleted {
		e.logActivity(exec.ID, models.ActivityTaskComplete,
			fmt.Sprintf("job %q completed in %dms", job.Name, exec.DurationMs),
			map[string]interface{}{"jobId": job.ID, "exitCode": exitCode})
	} else {
		e.metrics.Counter(observability.MetricEngineFailures).Inc()
		msg := fmt.Sprintf("job %q failed with exit code %d", job.Name, exitCode)
		if runErr != nil {
			msg = fmt.Sprintf("job %q failed: %v", job.Name, runErr)
		}
		e.logActivity(exec.ID, models.ActivityTaskError, msg,
			map[string]interface{}{"jobId": job.ID, "exitCode": exitCode})
	}

	e.events.Publish("task_finished", map[string]interface{}{
		"jobId": job.ID, "executionId": exec.ID, "status": string(status), "exitCode": exitCode,
	})

	e.notifyTerminal(job, exec, status)
}

// notifyTerminal delivers push and email notifications per the job's policy.
// Failures are logged and swallowed; they never override the run's outcome.
func (e *Engine) notifyTerminal(job *models.Job, exec *models.ExecutionRecord, status models.ExecutionState) {
	event := "completion"
	tag := "white_check_mark"
	if status == models.ExecFailed {
		event = "error"
		tag = "rotating_light"
	}
	if !job.NotifyOnEvent(event) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	title := fmt.Sprintf("Job %s %s", job.Name, status)
	snippet := exec.Output
	if len(snippet) > 500 {
		snippet = snippet[:500] + "…"
	}
	if err := e.notifier.Send(ctx, notify.Notification{
		Title:    title,
		Message:  snippet,
		Priority: string(job.Priority),
		Tags:     []string{tag, "agentd"},
	}); err != nil {
		e.logger.Warn("engine: push notification for %s: %v", job.ID, err)
	}

	html := fmt.Sprintf("<h2>%s</h2><pre>%s</pre>", title, snippet)
	if err := e.mailer.Send(ctx, title, html, title+"\n\n"+snippet); err != nil {
		e.logger.Warn("engine: email notification for %s: %v", job.ID, err)
	}
}

// ExecuteJobWithRetry calls ExecuteJob up to maxAttempts times, sleeping the
// backoff ladder between failed attempts. Holding the per-job guard for the
// whole ladder keeps concurrent fires for the same job to at most one run.
func (e *Engine) ExecuteJobWithRetry(ctx context.Context, jobID string, maxAttempts int) (*RunResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}
	if !e.tryAcquire(jobID) {
		e.metrics.Counter(observability.MetricFiresDropped).Inc()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, jobID)
	}
	defer e.release(jobID)

	var (
		result *RunResult
		err    error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = e.ExecuteJob(ctx, jobID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		// Configuration errors cannot be retried away.
		if errors.Is(err, models.ErrInvalidArgument) || errors.Is(err, models.ErrInvalidConfiguration) {
			return result, err
		}
		if err == nil && result.ExitCode == 0 {
			return result, nil
		}
		if attempt == maxAttempts {
			break
		}

		delay := agentproc.BackoffDelay(e.cfg.Backoff, attempt)
		e.metrics.Counter(observability.MetricEngineRetries).Inc()
		executionID := ""
		if result != nil {
			executionID = result.ExecutionID
		}
		e.logActivity(executionID, models.ActivityTaskRetry,
			fmt.Sprintf("attempt %d/%d failed, retrying in %s", attempt, maxAttempts, delay),
			map[string]interface{}{"jobId": jobID, "attempt": attempt, "delaySeconds": delay.Seconds()})

		if serr := e.sleep(ctx, delay); serr != nil {
			return result, serr
		}
	}
	return result, err
}

// Running reports whether a run for the job is currently in flight.
func (e *Engine) Running(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[jobID]
	return ok
}

func (e *Engine) tryAcquire(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[jobID]; ok {
		return false
	}
	e.inflight[jobID] = struct{}{}
	return true
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, jobID)
}

func (e *Engine) logActivity(executionID string, typ models.ActivityType, message string, metadata map[string]interface{}) {
	entry := &models.ActivityEntry{ExecutionID: executionID, Type: typ, Message: message, Metadata: metadata}
	if err := e.store.AppendActivity(entry); err != nil {
		e.logger.Warn("engine: append activity: %v", err)
	}
}

// taskDescription assembles the payload handed to the agent for a
// single-agent job.
func taskDescription(job *models.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", job.Name)
	if job.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", job.Description)
	}
	if job.Command != "" {
		fmt.Fprintf(&b, "\nCommand: %s\n", job.Command)
	}
	if job.Args != "" {
		fmt.Fprintf(&b, "Arguments: %s\n", job.Args)
	}
	return b.String()
}
