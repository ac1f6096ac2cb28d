package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
)

// Attempt is one execution of one step handed to the runtime adapter.
type Attempt struct {
	JobID        string
	Step         ResolvedStep
	Number       int
	WorkspaceDir string
	Instructions string
	// Pulse must be called whenever the runtime makes observable progress,
	// typically on every chunk of output. It feeds the idle watchdog.
	Pulse func()
}

// Result is what the runtime reports back. ExitCode below zero means the
// runtime never reported one.
type Result struct {
	ExitCode int
	Message  string
	Hint     string
	Summary  string
	Output   []byte
}

// Adapter runs a single step attempt inside the workspace. Implementations
// must honor ctx cancellation; the watchdog kills stuck attempts through it.
type Adapter interface {
	Run(ctx context.Context, a Attempt) (Result, error)
}

// CommandAdapter executes a configured shell command for every attempt. Step
// details are passed through the environment, and the command may report a
// structured outcome by writing JSON to the file named in
// AGENTQ_OUTCOME_FILE.
type CommandAdapter struct {
	Command string
}

func NewCommandAdapter(command string) (*CommandAdapter, error) {
	if command == "" {
		return nil, fmt.Errorf("runner command is not configured")
	}
	return &CommandAdapter{Command: command}, nil
}

type commandOutcome struct {
	Message string `json:"message,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Summary string `json:"summary,omitempty"`
}

func (c *CommandAdapter) Run(ctx context.Context, a Attempt) (Result, error) {
	scratch, err := os.MkdirTemp("", "agentq-attempt-")
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	defer os.RemoveAll(scratch)

	instructionsFile := filepath.Join(scratch, "instructions.txt")
	if err := os.WriteFile(instructionsFile, []byte(a.Instructions), 0o600); err != nil {
		return Result{ExitCode: -1}, err
	}
	outcomeFile := filepath.Join(scratch, "outcome.json")

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.Command)
	cmd.Dir = a.WorkspaceDir
	cmd.Env = append(os.Environ(),
		"AGENTQ_JOB_ID="+a.JobID,
		"AGENTQ_STEP_ID="+a.Step.ID,
		"AGENTQ_STEP_INDEX="+strconv.Itoa(a.Step.Index),
		"AGENTQ_STEP_SKILL="+a.Step.Skill,
		"AGENTQ_STEP_ATTEMPT="+strconv.Itoa(a.Number),
		"AGENTQ_INSTRUCTIONS_FILE="+instructionsFile,
		"AGENTQ_OUTCOME_FILE="+outcomeFile,
	)
	out := &pulseBuffer{pulse: a.Pulse}
	cmd.Stdout = out
	cmd.Stderr = out

	runErr := cmd.Run()
	result := Result{ExitCode: 0, Output: out.Bytes()}
	if runErr != nil {
		result.ExitCode = -1
		if ee, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = ee.ExitCode()
		}
		result.Message = runErr.Error()
	}
	if raw, err := os.ReadFile(outcomeFile); err == nil {
		var oc commandOutcome
		if json.Unmarshal(raw, &oc) == nil {
			if oc.Message != "" {
				result.Message = oc.Message
			}
			result.Hint = oc.Hint
			result.Summary = oc.Summary
		}
	}
	if result.Message == "" && result.ExitCode != 0 {
		result.Message = fmt.Sprintf("step runtime exited with code %d", result.ExitCode)
	}
	return result, nil
}

// pulseBuffer collects runtime output and pulses the watchdog on every
// write.
type pulseBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	pulse func()
}

func (b *pulseBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	n, err := b.buf.Write(p)
	b.mu.Unlock()
	if b.pulse != nil {
		b.pulse()
	}
	return n, err
}

func (b *pulseBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}
