package runner

import (
	"encoding/json"
	"fmt"
	"strings"
)

type RepoSpec struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}

type StepSpec struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	Skill        string `json:"skill,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// JobPayload is the agent-task document carried in a job's payload field.
type JobPayload struct {
	Objective string     `json:"objective"`
	Repo      RepoSpec   `json:"repo,omitempty"`
	Skill     string     `json:"skill,omitempty"`
	Steps     []StepSpec `json:"steps,omitempty"`
}

type ResolvedStep struct {
	ID           string
	Index        int
	Name         string
	Skill        string
	Instructions string
}

func ParsePayload(raw json.RawMessage) (JobPayload, error) {
	var p JobPayload
	if len(raw) == 0 {
		return p, fmt.Errorf("job payload is empty")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid job payload: %w", err)
	}
	if strings.TrimSpace(p.Objective) == "" {
		return p, fmt.Errorf("job payload has no objective")
	}
	return p, nil
}

// ResolveSteps normalizes the payload's step list. A payload without steps
// becomes a single step carrying the objective. Steps without an id get a
// positional one, and steps without a skill inherit the payload-level skill.
func ResolveSteps(p JobPayload) []ResolvedStep {
	specs := p.Steps
	if len(specs) == 0 {
		specs = []StepSpec{{Instructions: p.Objective}}
	}
	out := make([]ResolvedStep, 0, len(specs))
	for i, s := range specs {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}
		skill := strings.TrimSpace(s.Skill)
		if skill == "" {
			skill = strings.TrimSpace(p.Skill)
		}
		out = append(out, ResolvedStep{
			ID:           id,
			Index:        i,
			Name:         strings.TrimSpace(s.Name),
			Skill:        skill,
			Instructions: strings.TrimSpace(s.Instructions),
		})
	}
	return out
}

// ComposeInstructions builds the text handed to the step runtime. The task
// objective is always included so a step never runs without overall context.
func ComposeInstructions(objective string, step ResolvedStep) string {
	objective = strings.TrimSpace(objective)
	var b strings.Builder
	b.WriteString("Task objective:\n")
	b.WriteString(objective)
	b.WriteString("\n\n")
	title := step.Name
	if title == "" {
		title = step.ID
	}
	fmt.Fprintf(&b, "Step %d: %s\n", step.Index+1, title)
	if step.Instructions == "" || step.Instructions == objective {
		b.WriteString("(same as task objective; no additional step-specific instructions)")
	} else {
		b.WriteString(step.Instructions)
	}
	return b.String()
}
