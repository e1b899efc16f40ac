// Package events defines event types for run lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/caldera-ci/caldera/pkg/models"
)

// EventType identifies one run lifecycle event.
type EventType string

// Topic is the event bus topic run lifecycle events are published on.
const Topic = "caldera.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunAdmittedEvent          EventType = "run.admitted"
	RunStageFinishedEvent     EventType = "run.stage.finished"
	RunAwaitingApprovalEvent  EventType = "run.awaiting_approval"
	RunSucceededEvent         EventType = "run.succeeded"
	RunFailedEvent            EventType = "run.failed"
	RunCancelledEvent         EventType = "run.cancelled"
)

// BaseEvent carries the fields common to every run lifecycle event.
type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      int64          `json:"run_id"`
	PipelineID string         `json:"pipeline_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent creates the common event envelope.
func NewBaseEvent(eventType EventType, runID int64, pipelineID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		RunID:      runID,
		PipelineID: pipelineID,
		Metadata:   make(map[string]any),
	}
}

// RunAdmitted is published when the scheduler admits a run.
type RunAdmitted struct {
	BaseEvent

	Environment string             `json:"environment"`
	Branch      string             `json:"branch"`
	TriggerKind models.TriggerKind `json:"trigger_kind"`
}

func (e RunAdmitted) GetType() EventType { return RunAdmittedEvent }

// RunStageFinished is published after every stage outcome, including skips.
type RunStageFinished struct {
	BaseEvent

	StageName string             `json:"stage_name"`
	Status    models.StageStatus `json:"status"`
	Duration  time.Duration      `json:"duration"`
	Error     string             `json:"error,omitempty"`
}

func (e RunStageFinished) GetType() EventType { return RunStageFinishedEvent }

// RunAwaitingApproval is published when a run pauses at an approval gate.
type RunAwaitingApproval struct {
	BaseEvent

	StageName   string    `json:"stage_name"`
	Environment string    `json:"environment"`
	Deadline    time.Time `json:"deadline"`
}

func (e RunAwaitingApproval) GetType() EventType { return RunAwaitingApprovalEvent }

// RunSucceeded is published on terminal success.
type RunSucceeded struct {
	BaseEvent

	Duration       time.Duration `json:"duration"`
	StagesExecuted int           `json:"stages_executed"`
}

func (e RunSucceeded) GetType() EventType { return RunSucceededEvent }

// RunFailed is published on terminal failure.
type RunFailed struct {
	BaseEvent

	StageName string        `json:"stage_name,omitempty"`
	Error     string        `json:"error"`
	Duration  time.Duration `json:"duration"`
}

func (e RunFailed) GetType() EventType { return RunFailedEvent }

// RunCancelled is published when a run is cancelled at an approval gate.
type RunCancelled struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e RunCancelled) GetType() EventType { return RunCancelledEvent }
