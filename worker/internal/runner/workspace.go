package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/checkpoint"
)

// Workspace is the git working tree a job's steps execute in. Each finished
// step is committed so per-step patches stay isolated, and baseRef marks the
// state before any step ran.
type Workspace struct {
	dir     string
	baseRef string
}

func PrepareWorkspace(ctx context.Context, root, jobID string, repo RepoSpec) (*Workspace, error) {
	dir := filepath.Join(root, jobID)
	fresh := false
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		fresh = true
	}
	if fresh {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		if strings.TrimSpace(repo.URL) != "" {
			args := []string{"clone", repo.URL, dir}
			if strings.TrimSpace(repo.Branch) != "" {
				args = []string{"clone", "--branch", repo.Branch, repo.URL, dir}
			}
			if out, err := gitRun(ctx, "", args...); err != nil {
				return nil, fmt.Errorf("git clone failed: %v (%s)", err, out)
			}
		} else {
			if out, err := gitRun(ctx, dir, "init"); err != nil {
				return nil, fmt.Errorf("git init failed: %v (%s)", err, out)
			}
			if out, err := gitCommit(ctx, dir, "workspace init", true); err != nil {
				return nil, fmt.Errorf("initial commit failed: %v (%s)", err, out)
			}
		}
	}
	base, err := gitRun(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve base ref: %v (%s)", err, base)
	}
	return &Workspace{dir: dir, baseRef: strings.TrimSpace(base)}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// CapturePatch stages everything and returns the pending diff plus the list
// of changed files. The index is left staged; CommitStep or DiscardChanges
// decides what happens to it.
func (w *Workspace) CapturePatch(ctx context.Context) ([]byte, []string, error) {
	if out, err := gitRun(ctx, w.dir, "add", "-A"); err != nil {
		return nil, nil, fmt.Errorf("git add failed: %v (%s)", err, out)
	}
	patch, err := gitRun(ctx, w.dir, "diff", "--cached")
	if err != nil {
		return nil, nil, fmt.Errorf("git diff failed: %v (%s)", err, patch)
	}
	names, err := gitRun(ctx, w.dir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, nil, fmt.Errorf("git diff --name-only failed: %v (%s)", err, names)
	}
	var changed []string
	for _, line := range strings.Split(names, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			changed = append(changed, line)
		}
	}
	return []byte(patch), changed, nil
}

func (w *Workspace) CommitStep(ctx context.Context, stepID string) error {
	out, err := gitCommit(ctx, w.dir, "step "+stepID, true)
	if err != nil {
		return fmt.Errorf("commit step: %v (%s)", err, out)
	}
	return nil
}

// DiscardChanges drops all uncommitted work, returning the tree to the last
// committed step. This is the soft reset.
func (w *Workspace) DiscardChanges(ctx context.Context) error {
	if out, err := gitRun(ctx, w.dir, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("git reset failed: %v (%s)", err, out)
	}
	if out, err := gitRun(ctx, w.dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("git clean failed: %v (%s)", err, out)
	}
	return nil
}

func (w *Workspace) ApplyPatch(ctx context.Context, patch []byte) error {
	if len(bytes.TrimSpace(patch)) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "apply", "--allow-empty", "--whitespace=nowarn", "-")
	cmd.Dir = w.dir
	cmd.Stdin = bytes.NewReader(patch)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git apply failed: %v (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// FinalPatch is the cumulative diff of every committed step against the
// workspace's starting state.
func (w *Workspace) FinalPatch(ctx context.Context) ([]byte, error) {
	patch, err := gitRun(ctx, w.dir, "diff", w.baseRef, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("git diff base failed: %v (%s)", err, patch)
	}
	return []byte(patch), nil
}

// Rebuild deletes the working tree and rebuilds it from scratch, replaying
// the verified patches of every step finished before stopIndex. A checkpoint
// whose stored hash no longer matches its patch aborts the rebuild.
func (w *Workspace) Rebuild(ctx context.Context, store *checkpoint.Store, jobID string, repo RepoSpec, stopIndex int) error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	rebuilt, err := PrepareWorkspace(ctx, filepath.Dir(w.dir), jobID, repo)
	if err != nil {
		return err
	}
	w.baseRef = rebuilt.baseRef

	cps, err := store.ListCheckpoints(jobID)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		if cp.StepIndex >= stopIndex {
			continue
		}
		patch, err := store.LoadVerifiedPatch(jobID, cp)
		if err != nil {
			return err
		}
		if err := w.ApplyPatch(ctx, patch); err != nil {
			return fmt.Errorf("replay step %d: %w", cp.StepIndex, err)
		}
		if out, err := gitRun(ctx, w.dir, "add", "-A"); err != nil {
			return fmt.Errorf("stage replay: %v (%s)", err, out)
		}
		if err := w.CommitStep(ctx, cp.StepID); err != nil {
			return err
		}
	}
	return nil
}

func gitRun(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func gitCommit(ctx context.Context, dir, message string, allowEmpty bool) (string, error) {
	args := []string{
		"-c", "user.email=agentq@localhost",
		"-c", "user.name=agentq",
		"commit", "-m", message,
	}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	return gitRun(ctx, dir, args...)
}
