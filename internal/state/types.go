package state

import "time"

// Job lifecycle statuses. Terminal states are final except dead_letter,
// which an admin requeue may move back to queued.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_letter"
)

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// RecoveryRequest is an operator-issued recovery override. At most one is
// pending per job; a new request replaces the prior one wholesale.
type RecoveryRequest struct {
	Action      string    `json:"action"`
	StepID      string    `json:"stepId,omitempty"`
	Strategy    string    `json:"strategy,omitempty"`
	RequestedBy string    `json:"requestedBy"`
	Reason      string    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ControlState is the live-control sub-document on a job. Version increments
// on every control write so readers can detect changes without comparing
// individual flags.
type ControlState struct {
	Version         int64            `json:"version"`
	Paused          bool             `json:"paused"`
	Takeover        bool             `json:"takeover"`
	CancelRequested bool             `json:"cancelRequested"`
	Recovery        *RecoveryRequest `json:"recovery,omitempty"`
}

type OperatorMessage struct {
	From      string    `json:"from"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type JobRecord struct {
	ID                   string
	Type                 string
	Status               string
	Priority             int
	Payload              string
	RequiredCapabilities []string
	Attempt              int
	MaxAttempts          int
	Retryable            bool
	ClaimedBy            string
	LeaseExpiresAt       time.Time
	NextAttemptAt        time.Time
	ResultSummary        string
	ErrorMessage         string
	ArtifactsPath        string
	Control              ControlState
	Messages             []OperatorMessage
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            time.Time
	FinishedAt           time.Time
}

// ClaimParams narrows the queued set a claim call may consider.
type ClaimParams struct {
	WorkerID     string
	LeaseSeconds int
	AllowedTypes []string
	Capabilities []string
	Now          time.Time
}

type JobQuery struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

type JobEventRecord struct {
	ID        int64
	JobID     string
	Kind      string
	Message   string
	Actor     string
	CreatedAt time.Time
}

// ControlEventRecord is the append-only audit row for operator control
// actions. EventHash chains over PrevHash so tampering is detectable.
type ControlEventRecord struct {
	ID          int64
	JobID       string
	Action      string
	StepID      string
	Strategy    string
	Reason      string
	Actor       string
	PayloadHash string
	PrevHash    string
	EventHash   string
	CreatedAt   time.Time
}

// SystemState is the global pause flag returned with every claim response.
type SystemState struct {
	Paused    bool
	Version   int64
	UpdatedBy string
	Reason    string
	UpdatedAt time.Time
}
