package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentd-io/agentd/pkg/agentproc"
	"github.com/agentd-io/agentd/pkg/models"
	"github.com/agentd-io/agentd/pkg/orchestrator"
	"github.com/agentd-io/agentd/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner plays back one prepared stream per Run call; the last one is
// reused when calls outnumber the script.
type scriptedRunner struct {
	mu          sync.Mutex
	script      []*agentproc.Stream
	calls       int
	lastCommand string
	block       chan struct{}
}

func (r *scriptedRunner) Run(ctx context.Context, commandline, dir string, timeout time.Duration) (*agentproc.Stream, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.calls
	if idx >= len(r.script) {
		idx = len(r.script) - 1
	}
	r.calls++
	r.lastCommand = commandline
	return r.script[idx], nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakePipelines struct {
	result *orchestrator.Result
	calls  int
	gotCfg *models.PipelineConfig
}

func (f *fakePipelines) ExecuteMultiAgentJob(ctx context.Context, job *models.Job, cfg *models.PipelineConfig, executionID string) (*orchestrator.Result, error) {
	f.calls++
	f.gotCfg = cfg
	return f.result, nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "agentd.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return st
}

func putJob(t *testing.T, st *store.SQLiteStore, job *models.Job) *models.Job {
	t.Helper()
	require.NoError(t, st.PutJob(job))
	return job
}

func successStream() *agentproc.Stream {
	return agentproc.NewClosedStream(nil, "hello", "completed, exit code: 0")
}

func failureStream(code string) *agentproc.Stream {
	return agentproc.NewClosedStream(nil, "boom", "failed, exit code: "+code)
}

func newEngine(st *store.SQLiteStore, runner ProcessRunner, pipelines PipelineRunner) *Engine {
	return New(st, runner, pipelines, nil, nil, nil, nil, nil,
		Config{AgentCommand: "agent"})
}

func activityTypes(t *testing.T, st *store.SQLiteStore, executionID string) []models.ActivityType {
	t.Helper()
	entries, err := st.ListActivity(executionID, 0)
	require.NoError(t, err)
	types := make([]models.ActivityType, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.Type)
	}
	return types
}

func TestExecuteJobSuccess(t *testing.T) {
	st := newTestStore(t)
	job := putJob(t, st, &models.Job{Name: "nightly-report", Schedule: "0 9 * * *", Enabled: true})
	runner := &scriptedRunner{script: []*agentproc.Stream{successStream()}}
	eng := newEngine(st, runner, nil)

	result, err := eng.ExecuteJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Output, "hello")
	assert.Contains(t, runner.lastCommand, "nightly-report")

	exec, err := st.GetExecution(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCompleted, exec.Status)
	assert.Equal(t, 0, exec.ExitCode)
	require.NotNil(t, exec.CompletedAt)

	stored, err := st.GetJob(job.ID)
	require.NoError(t, err)
	assert.NotZero(t, stored.LastRun)

	assert.Equal(t,
		[]models.ActivityType{models.ActivityTaskStart, models.ActivityTaskComplete},
		activityTypes(t, st, result.ExecutionID))
}

func TestExecuteJobNonZeroExit(t *testing.T) {
	st := newTestStore(t)
	job := putJob(t, st, &models.Job{Name: "flaky", Schedule: "0 9 * * *", Enabled: true})
	runner := &scriptedRunner{script: []*agentproc.Stream{failureStream("2")}}
	eng := newEngine(st, runner, nil)

	// An ordinary failed run is not an engine error.
	result, err := eng.ExecuteJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ExitCode)

	exec, err := st.GetExecution(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecFailed, exec.Status)
	assert.Equal(t, 2, exec.ExitCode)

	assert.Contains(t, activityTypes(t, st, result.ExecutionID), models.ActivityTaskError)
}

func TestExecuteJobStreamErrorPersistsBeforeRaising(t *testing.T) {
	st := newTestStore(t)
	job := putJob(t, st, &models.Job{Name: "slow", Schedule: "0 9 * * *", Enabled: true})
	runner := &scriptedRunner{script: []*agentproc.Stream{
		agentproc.NewClosedStream(models.ErrTimeout, "started", "failed, exit code: -1"),
	}}
	eng := newEngine(st, runner, nil)

	result, err := eng.ExecuteJob(context.Background(), job.ID)
	require.ErrorIs(t, err, models.ErrTimeout)

	// The terminal record and lastRun are persisted before the error is
	// re-raised.
	exec, gerr := st.GetExecution(result.ExecutionID)
	require.NoError(t, gerr)
	assert.Equal(t, models.ExecFailed, exec.Status)
	assert.Contains(t, exec.Output, "error:")

	stored, gerr := st.GetJob(job.ID)
	require.NoError(t, gerr)
	assert.NotZero(t, stored.LastRun)
}

func TestExecuteJobUnknownJob(t *testing.T) {
	st := newTestStore(t)
	eng := newEngine(st, &scriptedRunner{script: []*agentproc.Stream{successStream()}}, nil)

	_, err := eng.ExecuteJob(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRetryExhaustsBudget(t *testing.T) {
	st := newTestStore(t)
	job := putJob(t, st, &models.Job{Name: "doomed", Schedule: "0 9 * * *", Enabled: true})
	runner := &scriptedRunner{script: []*agentproc.Stream{failureStream("1")}}
	eng := newEngine(st, runner, nil)

	var slept []time.Duration
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		runner.mu.Lock()
		runner.script = append(runner.script, failureStream("1"))
		runner.mu.Unlock()
		return nil
	}

	result, err := eng.ExecuteJobWithRetry(context.Background(), job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)

	assert.Equal(t, 3, runner.callCount())
	assert.Equal(t, []time.Duration{60 * time.Second, 5 * time.Minute}, slept)

	execs, err := st.ListExecutions(job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, execs, 3)

	entries, err := st.ListActivity("", 0)
	require.NoError(t, err)
	retries := 0
	for _, e := range entries {
		if e.Type == models.ActivityTaskRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	st := newTestStore(t)
	job := putJob(t, st, &models.Job{Name: "recovers", Schedule: "0 9 * * *", Enabled: true})
	runner := &scriptedRunner{script: []*agentproc.Stream{failureStream("1"), successStream()}}
	eng := newEngine(st, runner, nil)

	var slept []time.Duration
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	result, err := eng.ExecuteJobWithRetry(context.Background(), job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 2, runner.callCount())
	assert.Equal(t, []time.Duration{60 * time.Second}, slept)
}

func TestRetryAbortsOnMissingJob(t *testing.T) {
	st := newTestStore(t)
	runner := &scriptedRunner{script: []*agentproc.Stream{successStream()}}
	eng := newEngine(st, runner, nil)

	_, err := eng.ExecuteJobWithRetry(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 0, runner.callCount())
}

func TestRetrySkipsConfigurationErrors(t *testing.T) {
	st := newTestStore(t)
	job := putJob(t, st, &models.Job{
		Name:     "misconfigured",
		Schedule: "0 9 * * *",
		Enabled:  true,
		Metadata: `{"agents":`,
	})
	runner := &scriptedRunner{script: []*agentproc.Stream{successStream()}}
	eng := newEngine(st, runner, nil)

	var slept []time.Duration
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	// Malformed metadata fails every attempt identically; the ladder is not
	// walked.
	result, err := eng.ExecuteJobWithRetry(context.Background(), job.ID, 0)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
	assert.Empty(t, slept)

	execs, gerr := st.ListExecutions(job.ID, 0)
	require.NoError(t, gerr)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecFailed, execs[0].Status)
	require.NotNil(t, result)
	assert.Equal(t, execs[0].ID, result.ExecutionID)
}

func TestAtMostOneConcurrentRunPerJob(t *testing.T) {
	st := newTestStore(t)
	job := putJob(t, st, &models.Job{Name: "serial", Schedule: "0 9 * * *", Enabled: true})
	runner := &scriptedRunner{
		script: []*agentproc.Stream{successStream()},
		block:  make(chan struct{}),
	}
	eng := newEngine(st, runner, nil)

	done := make(chan error, 1)
	go func() {
		_, err := eng.ExecuteJobWithRetry(context.Background(), job.ID, 1)
		done <- err
	}()

	require.Eventually(t, func() bool { return eng.Running(job.ID) },
		2*time.Second, 5*time.Millisecond)

	_, err := eng.ExecuteJobWithRetry(context.Background(), job.ID, 1)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(runner.block)
	require.NoError(t, <-done)
	assert.False(t, eng.Running(job.ID))
}

func TestPipelineJobDelegatesToOrchestrator(t *testing.T) {
	st := newTestStore(t)
	job := putJob(t, st, &models.Job{
		Name:     "pipeline",
		Schedule: "0 9 * * *",
		Enabled:  true,
		Metadata: `{"agents":{"enabled":true,"sequence":["research","execute"],"roles":{"research":{"type":"research"},"execute":{"type":"execute"}}}}`,
	})
	runner := &scriptedRunner{script: []*agentproc.Stream{successStream()}}
	pipelines := &fakePipelines{result: &orchestrator.Result{
		Status:          orchestrator.StatusCompleted,
		CompletedAgents: []string{"research", "execute"},
	}}
	eng := newEngine(st, runner, pipelines)

	result, err := eng.ExecuteJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 1, pipelines.calls)
	require.NotNil(t, pipelines.gotCfg)
	assert.Equal(t, []string{"research", "execute"}, pipelines.gotCfg.Sequence)
	// The pipeline job never reaches the single-agent path.
	assert.Equal(t, 0, runner.callCount())
}

func TestPipelineFailureFailsExecution(t *testing.T) {
	st := newTestStore(t)
	job := putJob(t, st, &models.Job{
		Name:     "pipeline",
		Schedule: "0 9 * * *",
		Enabled:  true,
		Metadata: `{"agents":{"enabled":true,"sequence":["research"],"roles":{"research":{"type":"research"}}}}`,
	})
	pipelines := &fakePipelines{result: &orchestrator.Result{
		Status:      orchestrator.StatusFailed,
		FailedAgent: "research",
	}}
	eng := newEngine(st, &scriptedRunner{script: []*agentproc.Stream{successStream()}}, pipelines)

	result, err := eng.ExecuteJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)

	exec, err := st.GetExecution(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecFailed, exec.Status)
}

func TestMalformedMetadataFailsRun(t *testing.T) {
	st := newTestStore(t)
	job := putJob(t, st, &models.Job{
		Name:     "broken",
		Schedule: "0 9 * * *",
		Enabled:  true,
		Metadata: `{"agents":`,
	})
	eng := newEngine(st, &scriptedRunner{script: []*agentproc.Stream{successStream()}}, nil)

	result, err := eng.ExecuteJob(context.Background(), job.ID)
	require.ErrorIs(t, err, models.ErrInvalidArgument)

	exec, gerr := st.GetExecution(result.ExecutionID)
	require.NoError(t, gerr)
	assert.Equal(t, models.ExecFailed, exec.Status)
}
