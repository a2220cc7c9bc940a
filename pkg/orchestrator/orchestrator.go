// Package orchestrator runs an ordered sequence of cooperating sub-agent
// subprocesses against a shared, file-based workspace, stopping at the first
// failure and optionally synthesizing a final result.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentd-io/agentd/pkg/agentproc"
	"github.com/agentd-io/agentd/pkg/events"
	"github.com/agentd-io/agentd/pkg/logging"
	"github.com/agentd-io/agentd/pkg/models"
)

// ProcessRunner is the subprocess boundary, satisfied by agentproc.Adapter.
type ProcessRunner interface {
	Run(ctx context.Context, commandline, dir string, timeout time.Duration) (*agentproc.Stream, error)
}

// AuditSink records append-only activity entries. Satisfied by store.Store.
// Best-effort: a write failure is logged, never load-bearing.
type AuditSink interface {
	AppendActivity(entry *models.ActivityEntry) error
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is the terminal outcome of one pipeline run.
type Result struct {
	Status          string           `json:"status"`
	CompletedAgents []string         `json:"completedAgents"`
	FailedAgent     string           `json:"failedAgent,omitempty"`
	Error           string           `json:"error,omitempty"`
	Workspace       string           `json:"workspace"`
	Synthesis       *SynthesisResult `json:"synthesis,omitempty"`
}

// Config holds orchestrator settings.
type Config struct {
	WorkspaceRoot    string
	AgentCommand     string
	AgentTimeout     time.Duration
	SynthesisTimeout time.Duration
	MaxAttempts      int
	Backoff          []time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AgentTimeout <= 0 {
		out.AgentTimeout = 30 * time.Minute
	}
	if out.SynthesisTimeout <= 0 {
		out.SynthesisTimeout = 10 * time.Minute
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if len(out.Backoff) == 0 {
		out.Backoff = agentproc.DefaultBackoff
	}
	return out
}

type Orchestrator struct {
	runner ProcessRunner
	audit  AuditSink
	events events.Sink
	logger logging.Logger
	cfg    Config

	sleep func(ctx context.Context, d time.Duration) error
}

func New(runner ProcessRunner, audit AuditSink, sink events.Sink, logger logging.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		runner: runner,
		audit:  audit,
		events: events.OrNop(sink),
		logger: logging.OrNop(logger),
		cfg:    cfg.withDefaults(),
		sleep:  agentproc.Sleep,
	}
}

// ExecuteMultiAgentJob runs the job's agent pipeline. The configuration is
// validated before any side effect; a violation returns
// models.ErrInvalidConfiguration and creates no workspace. An agent failure
// (after its internal retries) stops the pipeline immediately and yields a
// failed Result, not an error.
func (o *Orchestrator) ExecuteMultiAgentJob(ctx context.Context, job *models.Job, cfg *models.PipelineConfig, executionID string) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no pipeline configuration", models.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root := filepath.Join(o.cfg.WorkspaceRoot, fmt.Sprintf("%s-%s", job.ID, executionID))
	ws, err := CreateWorkspace(root, job, cfg.Sequence)
	if err != nil {
		return nil, err
	}
	o.logger.Info("orchestrator: job %s pipeline of %d agents, workspace %s", job.ID, len(cfg.Sequence), root)

	result := &Result{
		Status:          StatusCompleted,
		CompletedAgents: []string{},
		Workspace:       root,
	}

	for _, agent := range cfg.Sequence {
		if err := o.runAgent(ctx, ws, executionID, agent, cfg.Roles[agent]); err != nil {
			result.Status = StatusFailed
			result.FailedAgent = agent
			result.Error = err.Error()
			return result, nil
		}
		result.CompletedAgents = append(result.CompletedAgents, agent)
	}

	if cfg.Synthesize {
		o.logActivity(executionID, models.ActivitySynthesisStarted,
			fmt.Sprintf("synthesis started for job %s", job.ID), nil)
		o.events.Publish("synthesis_started", map[string]interface{}{"jobId": job.ID, "executionId": executionID})

		synth, err := o.Synthesize(ctx, ws)
		if err != nil {
			// All primary work succeeded; the pipeline stays completed.
			synth = &SynthesisResult{Status: StatusFailed, Error: err.Error()}
		}
		result.Synthesis = synth

		o.logActivity(executionID, models.ActivitySynthesisCompleted,
			fmt.Sprintf("synthesis %s for job %s", synth.Status, job.ID),
			map[string]interface{}{"status": synth.Status, "durationMs": synth.DurationMs})
		o.events.Publish("synthesis_completed", map[string]interface{}{
			"jobId": job.ID, "executionId": executionID, "status": synth.Status,
		})
	}

	return result, nil
}

// runAgent executes one pipeline stage with its bounded retry policy. A
// failure here is terminal for the whole pipeline.
func (o *Orchestrator) runAgent(ctx context.Context, ws *Workspace, executionID, agent string, role models.AgentRole) error {
	sc, err := ws.LoadContext()
	if err != nil {
		return err
	}

	instructions := renderInstructions(agent, role, sc)
	if err := ws.WriteInstructions(agent, instructions); err != nil {
		return err
	}

	started := time.Now().UTC()
	if err := ws.WriteAgentStatus(&AgentStatus{Agent: agent, Status: "running", StartedAt: &started}); err != nil {
		return err
	}
	o.logActivity(executionID, models.ActivityAgentStarted,
		fmt.Sprintf("agent %s started", agent), map[string]interface{}{"agent": agent, "role": string(role.Type)})
	o.events.Publish("agent_started", map[string]interface{}{"executionId": executionID, "agent": agent})

	output, exitCode, runErr := o.runWithRetry(ctx, o.cfg.AgentCommand, instructions, ws.AgentDir(agent), o.cfg.AgentTimeout)

	completed := time.Now().UTC()
	if runErr != nil || exitCode != 0 {
		errText := fmt.Sprintf("exit code %d", exitCode)
		if runErr != nil {
			errText = runErr.Error()
		}
		if err := ws.WriteAgentStatus(&AgentStatus{
			Agent: agent, Status: "failed",
			StartedAt: &started, CompletedAt: &completed,
			ExitCode: &exitCode, Error: errText,
		}); err != nil {
			o.logger.Warn("orchestrator: write failed status for %s: %v", agent, err)
		}
		o.logActivity(executionID, models.ActivityAgentFailed,
			fmt.Sprintf("agent %s failed: %s", agent, errText),
			map[string]interface{}{"agent": agent, "exitCode": exitCode})
		o.events.Publish("agent_failed", map[string]interface{}{"executionId": executionID, "agent": agent})
		return fmt.Errorf("%w: agent %s: %s", models.ErrExecutionFailure, agent, errText)
	}

	structured, err := ws.ReadAgentOutput(agent)
	if err != nil {
		o.logger.Warn("orchestrator: read output for %s: %v", agent, err)
	}
	if structured == nil {
		// No output.json; fall back to the captured stream text.
		encoded, _ := json.Marshal(output)
		structured = encoded
	}
	if err := ws.AppendAgentResult(agent, structured); err != nil {
		return err
	}
	if err := ws.WriteAgentStatus(&AgentStatus{
		Agent: agent, Status: "completed",
		StartedAt: &started, CompletedAt: &completed, ExitCode: &exitCode,
	}); err != nil {
		o.logger.Warn("orchestrator: write completed status for %s: %v", agent, err)
	}

	o.logActivity(executionID, models.ActivityAgentCompleted,
		fmt.Sprintf("agent %s completed", agent), map[string]interface{}{"agent": agent})
	o.events.Publish("agent_completed", map[string]interface{}{"executionId": executionID, "agent": agent})
	return nil
}

// runWithRetry drives one subprocess through the retry ladder. The captured
// output and exit code of the last attempt are returned; a nil error with a
// non-zero exit code means the budget was exhausted on ordinary failures.
func (o *Orchestrator) runWithRetry(ctx context.Context, command, payload, dir string, timeout time.Duration) (string, int, error) {
	var (
		output   string
		exitCode int
		lastErr  error
	)

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		output, exitCode, lastErr = o.runOnce(ctx, command, payload, dir, timeout)
		if lastErr == nil && exitCode == 0 {
			return output, 0, nil
		}
		if ctx.Err() != nil {
			return output, exitCode, ctx.Err()
		}
		if attempt < o.cfg.MaxAttempts {
			delay := agentproc.BackoffDelay(o.cfg.Backoff, attempt)
			o.logger.Info("orchestrator: attempt %d/%d failed (exit %d), retrying in %s",
				attempt, o.cfg.MaxAttempts, exitCode, delay)
			if err := o.sleep(ctx, delay); err != nil {
				return output, exitCode, err
			}
		}
	}
	return output, exitCode, lastErr
}

func (o *Orchestrator) runOnce(ctx context.Context, command, payload, dir string, timeout time.Duration) (string, int, error) {
	commandline := command + " " + agentproc.Quote(payload)
	stream, err := o.runner.Run(ctx, commandline, dir, timeout)
	if err != nil {
		return "", -1, err
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
		return b.String(), -1, err
	}
	return b.String(), exitCode, nil
}

func (o *Orchestrator) logActivity(executionID string, typ models.ActivityType, message string, metadata map[string]interface{}) {
	if o.audit == nil {
		return
	}
	entry := &models.ActivityEntry{ExecutionID: executionID, Type: typ, Message: message, Metadata: metadata}
	if err := o.audit.AppendActivity(entry); err != nil {
		o.logger.Warn("orchestrator: append activity: %v", err)
	}
}
