package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentd-io/agentd/pkg/models"
)

// renderInstructions produces the instruction payload for one agent from its
// role and the current shared context. Built-in templates exist for the
// research, execute and review roles; a custom role carries its own literal
// instructions. Later agents see the accumulated outputs of every earlier
// agent, which is how the pipeline composes work.
func renderInstructions(agent string, role models.AgentRole, sc *SharedContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Agent: %s\n\n", agent)
	fmt.Fprintf(&b, "## Task\n\n%s", sc.TaskName)
	if sc.TaskDescription != "" {
		fmt.Fprintf(&b, "\n\n%s", sc.TaskDescription)
	}
	b.WriteString("\n\n")

	switch role.Type {
	case models.RoleResearch:
		b.WriteString("## Role: Research\n\n")
		b.WriteString("Investigate the task above. Gather the relevant facts, constraints and\n")
		b.WriteString("existing state. Do not make changes. Write your findings as JSON to\n")
		b.WriteString("output.json in your working directory.\n")
	case models.RoleExecute:
		b.WriteString("## Role: Execute\n\n")
		b.WriteString("Carry out the task above, building on the prior agents' findings below.\n")
		b.WriteString("Write a JSON summary of what you did to output.json in your working\n")
		b.WriteString("directory.\n")
	case models.RoleReview:
		b.WriteString("## Role: Review\n\n")
		b.WriteString("Review the work recorded by the prior agents below. Verify correctness\n")
		b.WriteString("and completeness, and note any problems. Write your review as JSON to\n")
		b.WriteString("output.json in your working directory.\n")
	case models.RoleCustom:
		b.WriteString("## Instructions\n\n")
		b.WriteString(role.Instructions)
		b.WriteString("\n\nWrite your result as JSON to output.json in your working directory.\n")
	}

	if len(sc.CompletedAgents) > 0 {
		b.WriteString("\n## Prior agent outputs\n")
		for _, r := range sc.CompletedAgents {
			fmt.Fprintf(&b, "\n### %s (completed %s)\n\n```json\n%s\n```\n",
				r.Agent, r.CompletedAt.Format("2006-01-02 15:04:05 MST"), compactJSON(r.Output))
		}
	}

	return b.String()
}

// renderSynthesisPrompt embeds the original task and every completed agent's
// recorded output into one final prompt.
func renderSynthesisPrompt(sc *SharedContext) string {
	var b strings.Builder

	b.WriteString("# Synthesis\n\n")
	fmt.Fprintf(&b, "## Original task\n\n%s", sc.TaskName)
	if sc.TaskDescription != "" {
		fmt.Fprintf(&b, "\n\n%s", sc.TaskDescription)
	}
	b.WriteString("\n\n## Agent outputs\n")
	for _, r := range sc.CompletedAgents {
		fmt.Fprintf(&b, "\n### %s\n\n```json\n%s\n```\n", r.Agent, compactJSON(r.Output))
	}
	b.WriteString("\nCombine the outputs above into a single coherent result for the user.\n")
	b.WriteString("Write it as {\"synthesis\": \"...\"} to final_result.json in your working\n")
	b.WriteString("directory.\n")

	return b.String()
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
