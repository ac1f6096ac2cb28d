package selfheal

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAttemptBudget   = errors.New("attempt budget exhausted")
	ErrHardResetBudget = errors.New("hard reset budget exhausted")
	ErrNoActiveStep    = errors.New("BeginStep must be called before NewAttempt")
)

// AttemptRecord is persisted per attempt, successful or not, and feeds both
// audit artifacts and telemetry. Attempt counts against the per-step budget
// and restarts at 1 after a workspace rebuild; Sequence only ever grows for
// a given step, so every record lands in its own artifact file.
type AttemptRecord struct {
	StepID               string       `json:"stepId"`
	StepIndex            int          `json:"stepIndex"`
	Attempt              int          `json:"attempt"`
	Sequence             int          `json:"sequence"`
	StartedAt            time.Time    `json:"startedAt"`
	FinishedAt           time.Time    `json:"finishedAt,omitempty"`
	Succeeded            bool         `json:"succeeded"`
	FailureClass         FailureClass `json:"failureClass,omitempty"`
	FailureSignature     string       `json:"failureSignature,omitempty"`
	FailureSignatureHash string       `json:"failureSignatureHash,omitempty"`
	DiffHash             string       `json:"diffHash,omitempty"`
	ChangedFiles         []string     `json:"changedFiles,omitempty"`
	Strategy             Strategy     `json:"strategy"`
	WallClockSeconds     float64      `json:"wallClockSeconds"`
	IdleSeconds          float64      `json:"idleSeconds"`
}

// StepAttemptState tracks one step's attempts: how many are consumed and
// whether consecutive failures are making progress.
type StepAttemptState struct {
	StepID                string
	StepIndex             int
	AttemptsConsumed      int
	ConsecutiveNoProgress int
	lastSignature         *Signature
	lastDiffHash          string
}

// NextAttempt reserves the next attempt number, enforcing the budget.
func (s *StepAttemptState) NextAttempt(maxAttempts int) (int, error) {
	if s.AttemptsConsumed >= maxAttempts {
		return 0, fmt.Errorf("%w for %s (max=%d)", ErrAttemptBudget, s.StepID, maxAttempts)
	}
	s.AttemptsConsumed++
	return s.AttemptsConsumed, nil
}

// RecordFailure tracks the failure signature and diff hash. noProgress is
// true when the failure matches the previous one exactly (same fingerprint
// and same diff); diffUnchanged is true when the diff hash alone matches the
// previous failure's, which is what the classifier's unchanged-diff rules
// key on.
func (s *StepAttemptState) RecordFailure(signature *Signature, diffHash string) (noProgress, diffUnchanged bool) {
	diffUnchanged = s.lastDiffHash != "" && diffHash == s.lastDiffHash
	noProgress = signature != nil && s.lastSignature != nil &&
		signature.Matches(s.lastSignature) && diffHash == s.lastDiffHash
	if noProgress {
		s.ConsecutiveNoProgress++
	} else if signature != nil {
		s.ConsecutiveNoProgress = 1
	} else {
		s.ConsecutiveNoProgress = 0
	}
	s.lastSignature = signature
	s.lastDiffHash = diffHash
	return noProgress, diffUnchanged
}

func (s *StepAttemptState) ResetNoProgress() {
	s.ConsecutiveNoProgress = 0
	s.lastSignature = nil
	s.lastDiffHash = ""
}

// Controller coordinates the per-step attempt budget and the per-job hard
// reset budget. One controller lives for the duration of one claimed job.
type Controller struct {
	cfg            Config
	redactor       *Redactor
	resetsConsumed int
	active         *StepAttemptState
	sequences      map[int]int
}

func NewController(cfg Config, redactor *Redactor) *Controller {
	if redactor == nil {
		redactor = RedactorFromEnviron()
	}
	return &Controller{cfg: cfg.normalized(), redactor: redactor, sequences: make(map[int]int)}
}

func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) ActiveStep() *StepAttemptState { return c.active }

// BeginStep starts fresh budget and progress tracking for a step. Record
// sequences are kept; a step restarted after a rebuild appends new records
// instead of overwriting earlier ones.
func (c *Controller) BeginStep(stepID string, stepIndex int) {
	c.active = &StepAttemptState{StepID: stepID, StepIndex: stepIndex}
}

// NewAttempt reserves an attempt slot on the active step and returns the
// record to be finalized at attempt end.
func (c *Controller) NewAttempt() (AttemptRecord, error) {
	if c.active == nil {
		return AttemptRecord{}, ErrNoActiveStep
	}
	n, err := c.active.NextAttempt(c.cfg.StepMaxAttempts)
	if err != nil {
		return AttemptRecord{}, err
	}
	c.sequences[c.active.StepIndex]++
	return AttemptRecord{
		StepID:    c.active.StepID,
		StepIndex: c.active.StepIndex,
		Attempt:   n,
		Sequence:  c.sequences[c.active.StepIndex],
		StartedAt: time.Now().UTC(),
		Strategy:  StrategyNone,
	}, nil
}

func (c *Controller) ResetAfterSuccess() {
	if c.active != nil {
		c.active.ResetNoProgress()
	}
}

func (c *Controller) CanHardReset() bool {
	return c.resetsConsumed < c.cfg.HardResetBudget
}

func (c *Controller) ConsumeHardReset() error {
	if c.resetsConsumed >= c.cfg.HardResetBudget {
		return fmt.Errorf("%w (max=%d)", ErrHardResetBudget, c.cfg.HardResetBudget)
	}
	c.resetsConsumed++
	return nil
}

func (c *Controller) HardResetsConsumed() int { return c.resetsConsumed }

func (c *Controller) BuildSignature(in SignatureInput) *Signature {
	return BuildSignature(in, c.redactor)
}

func (c *Controller) Scrub(text string) string {
	return c.redactor.Scrub(text)
}
