package orchestrator

import (
	"fmt"
	"strings"

	"github.com/voidwalker/autopilot/internal/instance"
	"github.com/voidwalker/autopilot/internal/plan"
	"github.com/voidwalker/autopilot/internal/runtime"
	"github.com/voidwalker/autopilot/internal/session"
)

// systemPrompt states the role and the output contract. The exact wording
// matters less than the contract: report exactly one status per turn via
// report_status, for the current step only.
const systemPrompt = `You are an automation operator controlling a remote browser instance.
You work through a plan one step at a time. This turn you execute exactly one step.

Use the tools to act on the instance. When the step is done, failed, or blocked,
call report_status exactly once with:
- event: one of step_completed, step_failed, step_canceled, plan_failed,
  plan_new_required, session_acquired, session_needed, session_saved,
  user_attention_required
- step: the order number of the step you were given
- message: a short human-readable summary of what happened

Never report a step other than the one you were given. Never invent results.
If a site demands a login you do not have, report session_needed.`

// turnTools is the tool set offered to the agent each turn.
func turnTools(caps instance.Capabilities) []runtime.ToolDef {
	defs := []runtime.ToolDef{
		{
			Name:        instance.ToolComputer,
			Description: "Control the instance browser: navigate, click, type, press, scroll, wait, content, back, screenshot.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type": "string",
						"enum": []string{"navigate", "click", "type", "press", "scroll", "wait", "content", "back", "screenshot"},
					},
					"url":          map[string]any{"type": "string"},
					"selector":     map[string]any{"type": "string"},
					"text":         map[string]any{"type": "string"},
					"x":            map[string]any{"type": "integer"},
					"y":            map[string]any{"type": "integer"},
					"wait_seconds": map[string]any{"type": "integer"},
				},
				"required": []string{"action"},
			},
		},
	}
	if caps.Shell {
		defs = append(defs, runtime.ToolDef{
			Name:        instance.ToolShell,
			Description: "Execute a shell command on the instance.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
				},
				"required": []string{"command"},
			},
		})
	}
	if caps.FileEdit {
		defs = append(defs, runtime.ToolDef{
			Name:        instance.ToolEditFile,
			Description: "Write a file on the instance. Overwrites existing content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		})
	}
	if caps.WebSearch {
		defs = append(defs, runtime.ToolDef{
			Name:        instance.ToolWebSearch,
			Description: "Search the web for real-time information.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		})
	}
	return defs
}

// buildUserPrompt assembles the per-turn instructions: plan and step text,
// recent history, session availability, and the caller's note.
func buildUserPrompt(p *plan.Plan, st *plan.Step, history []string, rec session.Reconciliation, userNote string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Plan: %s (step %d of %d)\n\n", p.Title, st.Order, p.TotalSteps)
	fmt.Fprintf(&b, "Current step %d: %s\n%s\n", st.Order, st.Title, st.Instructions)

	if len(history) > 0 {
		b.WriteString("\nWhat happened in earlier turns (newest first):\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s\n", truncate(h, 300))
		}
	}

	if len(rec.Available) > 0 || len(rec.Missing) > 0 || len(rec.Expired) > 0 {
		b.WriteString("\nAuthentication sessions:\n")
		for _, m := range rec.Available {
			fmt.Fprintf(&b, "- %s (%s): available, already logged in\n", m.Required.Platform, m.Required.Domain)
		}
		for _, m := range rec.Expired {
			fmt.Fprintf(&b, "- %s (%s): session expired, report session_needed if required\n", m.Required.Platform, m.Required.Domain)
		}
		for _, r := range rec.Missing {
			fmt.Fprintf(&b, "- %s (%s): no session stored, report session_needed if required\n", r.Platform, r.Domain)
		}
	}

	if userNote != "" {
		fmt.Fprintf(&b, "\nNote from the user: %s\n", userNote)
	}

	return b.String()
}

// stepMentions reports whether the step text targets the given requirement.
func stepMentions(st *plan.Step, req session.Required) bool {
	text := strings.ToLower(st.Title + " " + st.Instructions)
	return strings.Contains(text, strings.ToLower(req.Platform)) ||
		strings.Contains(text, strings.ToLower(req.Domain))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
