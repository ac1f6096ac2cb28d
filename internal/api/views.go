package api

import (
	"encoding/json"

	"github.com/MoonLadderStudios/MoonMind-sub003/internal/state"
	"github.com/MoonLadderStudios/MoonMind-sub003/pkg/queueapi"
)

func jobView(job state.JobRecord) queueapi.JobView {
	view := queueapi.JobView{
		ID:                   job.ID,
		Type:                 job.Type,
		Status:               string(job.Status),
		Priority:             job.Priority,
		RequiredCapabilities: job.RequiredCapabilities,
		Attempt:              job.Attempt,
		MaxAttempts:          job.MaxAttempts,
		Retryable:            job.Retryable,
		ClaimedBy:            job.ClaimedBy,
		LeaseExpiresAt:       queueapi.FormatTime(job.LeaseExpiresAt),
		NextAttemptAt:        queueapi.FormatTime(job.NextAttemptAt),
		ResultSummary:        job.ResultSummary,
		ErrorMessage:         job.ErrorMessage,
		ArtifactsPath:        job.ArtifactsPath,
		LiveControl:          controlView(job.Control),
		CreatedAt:            queueapi.FormatTime(job.CreatedAt),
		UpdatedAt:            queueapi.FormatTime(job.UpdatedAt),
		StartedAt:            queueapi.FormatTime(job.StartedAt),
		FinishedAt:           queueapi.FormatTime(job.FinishedAt),
	}
	if job.Payload != "" {
		view.Payload = json.RawMessage(job.Payload)
	}
	for _, m := range job.Messages {
		view.Messages = append(view.Messages, queueapi.OperatorMessageView{
			From:      m.From,
			Text:      m.Text,
			CreatedAt: queueapi.FormatTime(m.CreatedAt),
		})
	}
	return view
}

func controlView(c state.ControlState) queueapi.LiveControlView {
	view := queueapi.LiveControlView{
		Version:         c.Version,
		Paused:          c.Paused,
		Takeover:        c.Takeover,
		CancelRequested: c.CancelRequested,
	}
	if c.Recovery != nil {
		view.Recovery = &queueapi.RecoveryView{
			Action:      c.Recovery.Action,
			StepID:      c.Recovery.StepID,
			Strategy:    c.Recovery.Strategy,
			RequestedBy: c.Recovery.RequestedBy,
			Reason:      c.Recovery.Reason,
			UpdatedAt:   queueapi.FormatTime(c.Recovery.UpdatedAt),
		}
	}
	return view
}

func systemStateView(s state.SystemState) queueapi.SystemStateView {
	return queueapi.SystemStateView{
		Paused:    s.Paused,
		Version:   s.Version,
		UpdatedBy: s.UpdatedBy,
		Reason:    s.Reason,
		UpdatedAt: queueapi.FormatTime(s.UpdatedAt),
	}
}

func jobEventViews(events []state.JobEventRecord) []queueapi.JobEvent {
	out := make([]queueapi.JobEvent, 0, len(events))
	for _, e := range events {
		out = append(out, queueapi.JobEvent{
			ID:        e.ID,
			Kind:      e.Kind,
			Message:   e.Message,
			Actor:     e.Actor,
			CreatedAt: queueapi.FormatTime(e.CreatedAt),
		})
	}
	return out
}

func controlEventViews(events []state.ControlEventRecord) []queueapi.ControlEvent {
	out := make([]queueapi.ControlEvent, 0, len(events))
	for _, e := range events {
		out = append(out, queueapi.ControlEvent{
			ID:        e.ID,
			JobID:     e.JobID,
			Action:    e.Action,
			StepID:    e.StepID,
			Strategy:  e.Strategy,
			Reason:    e.Reason,
			Actor:     e.Actor,
			PrevHash:  e.PrevHash,
			EventHash: e.EventHash,
			CreatedAt: queueapi.FormatTime(e.CreatedAt),
		})
	}
	return out
}
