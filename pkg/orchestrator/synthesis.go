package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/agentd-io/agentd/pkg/models"
)

// SynthesisResult is the outcome of the optional synthesis step.
type SynthesisResult struct {
	Status     string `json:"status"`
	Synthesis  string `json:"synthesis,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// Synthesize runs a single subprocess over the whole workspace to combine
// every completed agent's output. It fails immediately, spawning nothing,
// when the shared context lists zero completed agents. After a zero-exit run
// an absent or malformed final_result.json still reports completed with an
// empty synthesis.
func (o *Orchestrator) Synthesize(ctx context.Context, ws *Workspace) (*SynthesisResult, error) {
	sc, err := ws.LoadContext()
	if err != nil {
		return nil, err
	}
	if len(sc.CompletedAgents) == 0 {
		return nil, fmt.Errorf("%w: no completed agents to synthesize", models.ErrInvalidArgument)
	}

	prompt := renderSynthesisPrompt(sc)
	start := time.Now()

	_, exitCode, runErr := o.runWithRetry(ctx, o.cfg.AgentCommand, prompt, ws.Root, o.cfg.SynthesisTimeout)
	durationMs := time.Since(start).Milliseconds()

	if runErr != nil || exitCode != 0 {
		errText := fmt.Sprintf("exit code %d", exitCode)
		if runErr != nil {
			errText = runErr.Error()
		}
		o.logger.Warn("orchestrator: synthesis failed after %d attempts: %s", o.cfg.MaxAttempts, errText)
		return &SynthesisResult{Status: StatusFailed, DurationMs: durationMs, Error: errText}, nil
	}

	return &SynthesisResult{
		Status:     StatusCompleted,
		Synthesis:  ws.ReadFinalResult(),
		DurationMs: durationMs,
	}, nil
}
