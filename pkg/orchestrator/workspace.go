package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentd-io/agentd/pkg/models"
)

// Workspace is the execution-scoped directory tree shared by all agents in
// one pipeline run:
//
//	{root}/task.json                      job snapshot
//	{root}/shared/context.json            accumulating shared state
//	{root}/agents/{name}/instructions.md  rendered instructions
//	{root}/agents/{name}/status.json      per-agent status document
//	{root}/agents/{name}/output.json      agent-written structured output
//	{root}/final_result.json              synthesis-written result
//
// The workspace is written throughout the run and never deleted by this
// system; it is retained for audit and debugging.
type Workspace struct {
	Root string
}

// SharedContext is the accumulating shared-state document. Later agents see
// the outputs of all earlier agents through it. Read-modify-write without
// locking is valid only because agents run strictly sequentially; parallel
// agent execution would require per-agent result slots merged afterwards.
type SharedContext struct {
	TaskID          string        `json:"taskId"`
	TaskName        string        `json:"taskName"`
	TaskDescription string        `json:"taskDescription"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	CompletedAgents []AgentResult `json:"completedAgents"`
}

type AgentResult struct {
	Agent       string          `json:"agent"`
	Output      json.RawMessage `json:"output"`
	CompletedAt time.Time       `json:"completedAt"`
}

// AgentStatus is the per-agent status document.
type AgentStatus struct {
	Agent       string     `json:"agent"`
	Status      string     `json:"status"` // pending|running|completed|failed
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// CreateWorkspace builds the directory tree for one pipeline run and writes
// the job snapshot plus the initial shared context.
func CreateWorkspace(root string, job *models.Job, agents []string) (*Workspace, error) {
	ws := &Workspace{Root: root}

	if err := os.MkdirAll(filepath.Join(root, "shared"), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	for _, name := range agents {
		if err := os.MkdirAll(ws.AgentDir(name), 0o755); err != nil {
			return nil, fmt.Errorf("create agent dir %q: %w", name, err)
		}
	}

	if err := ws.writeJSON(filepath.Join(root, "task.json"), job); err != nil {
		return nil, err
	}

	initial := &SharedContext{
		TaskID:          job.ID,
		TaskName:        job.Name,
		TaskDescription: job.Description,
		UpdatedAt:       time.Now().UTC(),
		CompletedAgents: []AgentResult{},
	}
	if err := ws.SaveContext(initial); err != nil {
		return nil, err
	}

	for _, name := range agents {
		if err := ws.WriteAgentStatus(&AgentStatus{Agent: name, Status: "pending"}); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

func (w *Workspace) AgentDir(name string) string {
	return filepath.Join(w.Root, "agents", name)
}

func (w *Workspace) contextPath() string {
	return filepath.Join(w.Root, "shared", "context.json")
}

func (w *Workspace) LoadContext() (*SharedContext, error) {
	data, err := os.ReadFile(w.contextPath())
	if err != nil {
		return nil, fmt.Errorf("read shared context: %w", err)
	}
	var sc SharedContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse shared context: %w", err)
	}
	return &sc, nil
}

func (w *Workspace) SaveContext(sc *SharedContext) error {
	sc.UpdatedAt = time.Now().UTC()
	return w.writeJSON(w.contextPath(), sc)
}

// AppendAgentResult records a completed agent's output in the shared context.
func (w *Workspace) AppendAgentResult(agent string, output json.RawMessage) error {
	sc, err := w.LoadContext()
	if err != nil {
		return err
	}
	sc.CompletedAgents = append(sc.CompletedAgents, AgentResult{
		Agent:       agent,
		Output:      output,
		CompletedAt: time.Now().UTC(),
	})
	return w.SaveContext(sc)
}

func (w *Workspace) WriteInstructions(agent, instructions string) error {
	path := filepath.Join(w.AgentDir(agent), "instructions.md")
	if err := os.WriteFile(path, []byte(instructions), 0o644); err != nil {
		return fmt.Errorf("write instructions for %q: %w", agent, err)
	}
	return nil
}

func (w *Workspace) WriteAgentStatus(status *AgentStatus) error {
	return w.writeJSON(filepath.Join(w.AgentDir(status.Agent), "status.json"), status)
}

// ReadAgentOutput returns the agent-written output.json, or nil when absent.
func (w *Workspace) ReadAgentOutput(agent string) (json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(w.AgentDir(agent), "output.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

// ReadFinalResult returns the synthesis-written final_result.json content, or
// empty when absent or malformed. Absent synthesis output is not a failure of
// the synthesis process.
func (w *Workspace) ReadFinalResult() string {
	data, err := os.ReadFile(filepath.Join(w.Root, "final_result.json"))
	if err != nil {
		return ""
	}
	var doc struct {
		Synthesis string `json:"synthesis"`
	}
	if err := json.Unmarshal(data, &doc); err == nil && doc.Synthesis != "" {
		return doc.Synthesis
	}
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		return plain
	}
	return ""
}

func (w *Workspace) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
