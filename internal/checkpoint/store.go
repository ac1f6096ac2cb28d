// Package checkpoint persists per-step artifacts under a job-scoped
// filesystem root: a patch plus a metadata document per successfully
// completed step, and one record per attempt. All writes are append-only;
// nothing here is ever mutated after the fact.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	stepMetaDir    = "state/steps"
	attemptDir     = "state/self_heal"
	stepPatchDir   = "patches/steps"
	stepLogDir     = "logs/steps"
	finalPatchName = "changes.patch"
)

// StepCheckpoint describes one step's successful output. DiffHash is the
// sha256 of the patch body and is verified again before replay.
type StepCheckpoint struct {
	StepID       string    `json:"stepId"`
	StepIndex    int       `json:"stepIndex"`
	Attempt      int       `json:"attempt"`
	DiffHash     string    `json:"diffHash"`
	ChangedFiles []string  `json:"changedFiles"`
	Summary      string    `json:"summary"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// HashMismatchError is fatal: a stored patch no longer matches the hash
// recorded at checkpoint time. Replay must stop and report it.
type HashMismatchError struct {
	JobID     string
	StepIndex int
	Want      string
	Got       string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("checkpoint patch hash mismatch for job %s step %d: recorded %s, computed %s",
		e.JobID, e.StepIndex, e.Want, e.Got)
}

type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifact root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// JobPath returns the job's artifact directory, rejecting ids that would
// escape the root.
func (s *Store) JobPath(jobID string) (string, error) {
	if strings.TrimSpace(jobID) == "" {
		return "", fmt.Errorf("job id must not be empty")
	}
	if filepath.IsAbs(jobID) {
		return "", fmt.Errorf("job id must be a relative path without traversal components")
	}
	for _, part := range strings.Split(filepath.ToSlash(jobID), "/") {
		if part == ".." {
			return "", fmt.Errorf("job id must be a relative path without traversal components")
		}
	}
	path := filepath.Join(s.root, jobID)
	if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("job path resolves outside artifact root")
	}
	return path, nil
}

func (s *Store) artifactPath(jobID, name string) (string, error) {
	jobPath, err := s.JobPath(jobID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("artifact name must not be empty")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("artifact name must be a relative path without traversal components")
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", fmt.Errorf("artifact name must be a relative path without traversal components")
		}
	}
	dest := filepath.Join(jobPath, filepath.FromSlash(name))
	if !strings.HasPrefix(dest, jobPath+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path resolves outside job directory")
	}
	return dest, nil
}

// WriteArtifact stores an arbitrary named artifact under the job directory.
func (s *Store) WriteArtifact(jobID, name string, data []byte) (string, error) {
	dest, err := s.artifactPath(jobID, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

func (s *Store) ReadArtifact(jobID, name string) ([]byte, error) {
	path, err := s.artifactPath(jobID, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// DiffHash is the content hash recorded with every checkpoint.
func DiffHash(patch []byte) string {
	sum := sha256.Sum256(patch)
	return hex.EncodeToString(sum[:])
}

func stepMetaName(index int) string  { return fmt.Sprintf("%s/step-%04d.json", stepMetaDir, index) }
func stepPatchName(index int) string { return fmt.Sprintf("%s/step-%04d.patch", stepPatchDir, index) }
func stepLogName(index int) string   { return fmt.Sprintf("%s/step-%04d.log", stepLogDir, index) }

// SaveCheckpoint persists the patch and metadata pair for a successfully
// completed step. The recorded diff hash is always computed from the patch
// body handed in, never trusted from the caller.
func (s *Store) SaveCheckpoint(jobID string, cp StepCheckpoint, patch []byte) error {
	cp.DiffHash = DiffHash(patch)
	if cp.FinishedAt.IsZero() {
		cp.FinishedAt = time.Now().UTC()
	}
	cp.ChangedFiles = dedupeOrdered(cp.ChangedFiles)
	if _, err := s.WriteArtifact(jobID, stepPatchName(cp.StepIndex), patch); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	_, err = s.WriteArtifact(jobID, stepMetaName(cp.StepIndex), meta)
	return err
}

// ListCheckpoints returns every stored checkpoint ordered by step index.
func (s *Store) ListCheckpoints(jobID string) ([]StepCheckpoint, error) {
	jobPath, err := s.JobPath(jobID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(jobPath, filepath.FromSlash(stepMetaDir))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]StepCheckpoint, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var cp StepCheckpoint
		if err := json.Unmarshal(b, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", e.Name(), err)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// LoadVerifiedPatch reads a checkpoint's patch and verifies its content
// hash against the recorded one. A mismatch is returned as
// *HashMismatchError and must never be skipped.
func (s *Store) LoadVerifiedPatch(jobID string, cp StepCheckpoint) ([]byte, error) {
	patch, err := s.ReadArtifact(jobID, stepPatchName(cp.StepIndex))
	if err != nil {
		return nil, err
	}
	got := DiffHash(patch)
	if got != cp.DiffHash {
		return nil, &HashMismatchError{JobID: jobID, StepIndex: cp.StepIndex, Want: cp.DiffHash, Got: got}
	}
	return patch, nil
}

// SaveAttemptRecord persists one attempt's audit record, successful or
// not. The sequence must be
// unique per step for the job's lifetime; callers use a counter that keeps
// growing across workspace rebuilds so no record ever lands on an earlier
// one's file.
func (s *Store) SaveAttemptRecord(jobID string, stepIndex, sequence int, record any) error {
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s/attempt-%04d-%04d.json", attemptDir, stepIndex, sequence)
	_, err = s.WriteArtifact(jobID, name, b)
	return err
}

// AppendStepLog appends runtime output to the step's log file.
func (s *Store) AppendStepLog(jobID string, stepIndex int, chunk []byte) error {
	dest, err := s.artifactPath(jobID, stepLogName(stepIndex))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(chunk)
	return err
}

// SaveFinalPatch stores the job's cumulative diff produced at publish time.
func (s *Store) SaveFinalPatch(jobID string, patch []byte) (string, error) {
	return s.WriteArtifact(jobID, finalPatchName, patch)
}

func dedupeOrdered(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
