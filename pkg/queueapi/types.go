// Package queueapi holds the wire types shared by the gateway, the worker
// agent and the CLI.
package queueapi

import (
	"encoding/json"
	"time"
)

type SubmitJobRequest struct {
	ID                   string          `json:"id,omitempty"`
	Type                 string          `json:"type"`
	Priority             int             `json:"priority,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	MaxAttempts          int             `json:"max_attempts,omitempty"`
}

type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

type RecoveryView struct {
	Action      string `json:"action"`
	StepID      string `json:"step_id,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

type LiveControlView struct {
	Version         int64         `json:"version"`
	Paused          bool          `json:"paused"`
	Takeover        bool          `json:"takeover"`
	CancelRequested bool          `json:"cancel_requested"`
	Recovery        *RecoveryView `json:"recovery,omitempty"`
}

type OperatorMessageView struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

type JobView struct {
	ID                   string                `json:"id"`
	Type                 string                `json:"type"`
	Status               string                `json:"status"`
	Priority             int                   `json:"priority"`
	Payload              json.RawMessage       `json:"payload,omitempty"`
	RequiredCapabilities []string              `json:"required_capabilities,omitempty"`
	Attempt              int                   `json:"attempt"`
	MaxAttempts          int                   `json:"max_attempts"`
	Retryable            bool                  `json:"retryable"`
	ClaimedBy            string                `json:"claimed_by,omitempty"`
	LeaseExpiresAt       string                `json:"lease_expires_at,omitempty"`
	NextAttemptAt        string                `json:"next_attempt_at,omitempty"`
	ResultSummary        string                `json:"result_summary,omitempty"`
	ErrorMessage         string                `json:"error_message,omitempty"`
	ArtifactsPath        string                `json:"artifacts_path,omitempty"`
	LiveControl          LiveControlView       `json:"live_control"`
	Messages             []OperatorMessageView `json:"messages,omitempty"`
	CreatedAt            string                `json:"created_at"`
	UpdatedAt            string                `json:"updated_at"`
	StartedAt            string                `json:"started_at,omitempty"`
	FinishedAt           string                `json:"finished_at,omitempty"`
}

type SystemStateView struct {
	Paused    bool   `json:"paused"`
	Version   int64  `json:"version"`
	UpdatedBy string `json:"updated_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type ClaimRequest struct {
	WorkerID     string   `json:"worker_id"`
	LeaseSeconds int      `json:"lease_seconds"`
	AllowedTypes []string `json:"allowed_types,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type ClaimResponse struct {
	Job         *JobView        `json:"job"`
	SystemState SystemStateView `json:"system_state"`
}

type HeartbeatRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds"`
}

type HeartbeatResponse struct {
	Job         JobView         `json:"job"`
	LiveControl LiveControlView `json:"live_control"`
}

type CompleteJobRequest struct {
	WorkerID      string `json:"worker_id"`
	Result        string `json:"result,omitempty"`
	ArtifactsPath string `json:"artifacts_path,omitempty"`
}

type FailJobRequest struct {
	WorkerID  string `json:"worker_id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

type AckCancelRequest struct {
	WorkerID string `json:"worker_id"`
}

type AckRecoveryRequest struct {
	WorkerID string `json:"worker_id"`
	Action   string `json:"action"`
}

type ControlRequest struct {
	Action   string `json:"action"`
	StepID   string `json:"step_id,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type OperatorMessageRequest struct {
	Text string `json:"text"`
}

type JobEvent struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Message   string `json:"message,omitempty"`
	Actor     string `json:"actor,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ListJobEventsResponse struct {
	JobID  string     `json:"job_id"`
	Events []JobEvent `json:"events"`
}

type ControlEvent struct {
	ID        int64  `json:"id"`
	JobID     string `json:"job_id"`
	Action    string `json:"action"`
	StepID    string `json:"step_id,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Actor     string `json:"actor,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
	EventHash string `json:"event_hash,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ListControlEventsResponse struct {
	JobID  string         `json:"job_id,omitempty"`
	Events []ControlEvent `json:"events"`
}

type ListJobsResponse struct {
	Returned int       `json:"returned"`
	Jobs     []JobView `json:"jobs"`
}

type RequeueDeadLettersRequest struct {
	JobIDs       []string `json:"job_ids"`
	DryRun       bool     `json:"dry_run,omitempty"`
	ConfirmToken string   `json:"confirm_token,omitempty"`
}

type RequeueDeadLettersResponse struct {
	DryRun    bool `json:"dry_run,omitempty"`
	Requested int  `json:"requested"`
	Requeued  int  `json:"requeued"`
}

type SystemPauseRequest struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

func RFC3339Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
