package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentd-io/agentd/pkg/agentproc"
	"github.com/agentd-io/agentd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc plays back one exit code per Run call (the last is reused) and
// lets tests plant files in the working directory before the "process" ends.
type fakeProc struct {
	mu    sync.Mutex
	calls []procCall
	exits []int
	onRun func(call int, dir string)
}

type procCall struct {
	commandline string
	dir         string
}

func (f *fakeProc) Run(ctx context.Context, commandline, dir string, timeout time.Duration) (*agentproc.Stream, error) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, procCall{commandline: commandline, dir: dir})
	exit := 0
	if len(f.exits) > 0 {
		i := idx
		if i >= len(f.exits) {
			i = len(f.exits) - 1
		}
		exit = f.exits[i]
	}
	hook := f.onRun
	f.mu.Unlock()

	if hook != nil {
		hook(idx, dir)
	}
	trailer := fmt.Sprintf("completed, exit code: %d", exit)
	if exit != 0 {
		trailer = fmt.Sprintf("failed, exit code: %d", exit)
	}
	return agentproc.NewClosedStream(nil, "agent output", trailer), nil
}

func (f *fakeProc) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func pipelineOf(names ...string) *models.PipelineConfig {
	roles := make(map[string]models.AgentRole, len(names))
	for _, n := range names {
		roles[n] = models.AgentRole{Type: models.RoleExecute}
	}
	return &models.PipelineConfig{Enabled: true, Sequence: names, Roles: roles}
}

func newOrchestrator(t *testing.T, proc *fakeProc, maxAttempts int) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()
	o := New(proc, nil, nil, nil, Config{
		WorkspaceRoot: root,
		AgentCommand:  "agent",
		MaxAttempts:   maxAttempts,
	})
	return o, root
}

func readStatus(t *testing.T, wsRoot, agent string) *AgentStatus {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(wsRoot, "agents", agent, "status.json"))
	require.NoError(t, err)
	var status AgentStatus
	require.NoError(t, json.Unmarshal(data, &status))
	return &status
}

func TestInvalidConfigurationCreatesNoWorkspace(t *testing.T) {
	proc := &fakeProc{}
	o, root := newOrchestrator(t, proc, 1)
	job := &models.Job{ID: "job1", Name: "Task"}

	_, err := o.ExecuteMultiAgentJob(context.Background(), job, nil, "exec1")
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)

	_, err = o.ExecuteMultiAgentJob(context.Background(), job,
		&models.PipelineConfig{Enabled: true}, "exec1")
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)

	cfg := pipelineOf("a")
	delete(cfg.Roles, "a")
	_, err = o.ExecuteMultiAgentJob(context.Background(), job, cfg, "exec1")
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)

	_, err = os.Stat(filepath.Join(root, "job1-exec1"))
	assert.True(t, os.IsNotExist(err), "rejected configuration must not create a workspace")
	assert.Equal(t, 0, proc.callCount())
}

func TestPipelineFailFast(t *testing.T) {
	proc := &fakeProc{exits: []int{0, 1}}
	o, _ := newOrchestrator(t, proc, 1)
	job := &models.Job{ID: "job1", Name: "Task"}

	result, err := o.ExecuteMultiAgentJob(context.Background(), job, pipelineOf("a", "b", "c"), "exec1")
	// An agent failure is an outcome, not an orchestrator error.
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "b", result.FailedAgent)
	assert.Equal(t, []string{"a"}, result.CompletedAgents)
	assert.Contains(t, result.Error, "agent b")

	// The third agent is never invoked and its status stays pending.
	assert.Equal(t, 2, proc.callCount())
	assert.Equal(t, "completed", readStatus(t, result.Workspace, "a").Status)
	assert.Equal(t, "failed", readStatus(t, result.Workspace, "b").Status)
	assert.Equal(t, "pending", readStatus(t, result.Workspace, "c").Status)

	ws := &Workspace{Root: result.Workspace}
	sc, err := ws.LoadContext()
	require.NoError(t, err)
	require.Len(t, sc.CompletedAgents, 1)
	assert.Equal(t, "a", sc.CompletedAgents[0].Agent)
}

func TestPipelinePropagatesAgentOutputs(t *testing.T) {
	proc := &fakeProc{}
	proc.onRun = func(call int, dir string) {
		if call == 0 {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "output.json"),
				[]byte(`{"facts":["x"]}`), 0o644))
		}
	}
	o, _ := newOrchestrator(t, proc, 1)
	job := &models.Job{ID: "job1", Name: "Task", Description: "do the thing"}

	result, err := o.ExecuteMultiAgentJob(context.Background(), job, pipelineOf("a", "b"), "exec1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []string{"a", "b"}, result.CompletedAgents)

	ws := &Workspace{Root: result.Workspace}
	sc, err := ws.LoadContext()
	require.NoError(t, err)
	require.Len(t, sc.CompletedAgents, 2)
	assert.JSONEq(t, `{"facts":["x"]}`, string(sc.CompletedAgents[0].Output))

	// The second agent's instructions embed the first agent's output.
	data, err := os.ReadFile(filepath.Join(result.Workspace, "agents", "b", "instructions.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Prior agent outputs")
	assert.Contains(t, string(data), "facts")
}

func TestAgentWithoutOutputFileFallsBackToStreamText(t *testing.T) {
	proc := &fakeProc{}
	o, _ := newOrchestrator(t, proc, 1)
	job := &models.Job{ID: "job1", Name: "Task"}

	result, err := o.ExecuteMultiAgentJob(context.Background(), job, pipelineOf("a"), "exec1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	ws := &Workspace{Root: result.Workspace}
	sc, err := ws.LoadContext()
	require.NoError(t, err)
	require.Len(t, sc.CompletedAgents, 1)
	assert.Contains(t, string(sc.CompletedAgents[0].Output), "agent output")
}

func TestAgentRetriesThenSucceeds(t *testing.T) {
	proc := &fakeProc{exits: []int{1, 0}}
	o, _ := newOrchestrator(t, proc, 3)
	var slept []time.Duration
	o.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	job := &models.Job{ID: "job1", Name: "Task"}

	result, err := o.ExecuteMultiAgentJob(context.Background(), job, pipelineOf("a"), "exec1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, proc.callCount())
	assert.Equal(t, []time.Duration{60 * time.Second}, slept)
}

func TestSynthesisFailureKeepsPipelineCompleted(t *testing.T) {
	// Agent run succeeds, synthesis run fails.
	proc := &fakeProc{exits: []int{0, 1}}
	o, _ := newOrchestrator(t, proc, 1)
	job := &models.Job{ID: "job1", Name: "Task"}

	cfg := pipelineOf("a")
	cfg.Synthesize = true
	result, err := o.ExecuteMultiAgentJob(context.Background(), job, cfg, "exec1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	require.NotNil(t, result.Synthesis)
	assert.Equal(t, StatusFailed, result.Synthesis.Status)
	assert.NotEmpty(t, result.Synthesis.Error)
}

func TestSynthesisReadsFinalResult(t *testing.T) {
	proc := &fakeProc{}
	proc.onRun = func(call int, dir string) {
		if call == 1 { // synthesis runs in the workspace root
			require.NoError(t, os.WriteFile(filepath.Join(dir, "final_result.json"),
				[]byte(`{"synthesis":"combined result"}`), 0o644))
		}
	}
	o, _ := newOrchestrator(t, proc, 1)
	job := &models.Job{ID: "job1", Name: "Task"}

	cfg := pipelineOf("a")
	cfg.Synthesize = true
	result, err := o.ExecuteMultiAgentJob(context.Background(), job, cfg, "exec1")
	require.NoError(t, err)
	require.NotNil(t, result.Synthesis)
	assert.Equal(t, StatusCompleted, result.Synthesis.Status)
	assert.Equal(t, "combined result", result.Synthesis.Synthesis)
}

func TestSynthesisWithoutFinalResultIsEmptyButCompleted(t *testing.T) {
	proc := &fakeProc{}
	o, _ := newOrchestrator(t, proc, 1)
	job := &models.Job{ID: "job1", Name: "Task"}

	cfg := pipelineOf("a")
	cfg.Synthesize = true
	result, err := o.ExecuteMultiAgentJob(context.Background(), job, cfg, "exec1")
	require.NoError(t, err)
	require.NotNil(t, result.Synthesis)
	assert.Equal(t, StatusCompleted, result.Synthesis.Status)
	assert.Empty(t, result.Synthesis.Synthesis)
}

func TestSynthesizeRequiresCompletedAgents(t *testing.T) {
	proc := &fakeProc{}
	o, root := newOrchestrator(t, proc, 1)
	job := &models.Job{ID: "job1", Name: "Task"}

	ws, err := CreateWorkspace(filepath.Join(root, "manual"), job, nil)
	require.NoError(t, err)

	_, err = o.Synthesize(context.Background(), ws)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	assert.Equal(t, 0, proc.callCount())
}

func TestRenderInstructionsCustomRole(t *testing.T) {
	sc := &SharedContext{TaskName: "Task"}
	out := renderInstructions("worker", models.AgentRole{
		Type:         models.RoleCustom,
		Instructions: "count the widgets",
	}, sc)
	assert.Contains(t, out, "count the widgets")
	assert.Contains(t, out, "output.json")
	assert.NotContains(t, out, "Prior agent outputs")
}

func TestReadFinalResultFormats(t *testing.T) {
	ws := &Workspace{Root: t.TempDir()}
	path := filepath.Join(ws.Root, "final_result.json")

	assert.Empty(t, ws.ReadFinalResult())

	require.NoError(t, os.WriteFile(path, []byte(`{"synthesis":"structured"}`), 0o644))
	assert.Equal(t, "structured", ws.ReadFinalResult())

	require.NoError(t, os.WriteFile(path, []byte(`"plain string"`), 0o644))
	assert.Equal(t, "plain string", ws.ReadFinalResult())

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	assert.Empty(t, ws.ReadFinalResult())
}
