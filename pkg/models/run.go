package models

import "time"

// RunParameters is the validated parameter set a run executes with.
// Immutable once produced by the resolver.
type RunParameters struct {
	Environment string            `json:"environment" validate:"required"`
	Branch      string            `json:"branch"      validate:"required"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusSucceeded        RunStatus = "succeeded"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
)

// IsTerminal reports whether a run in this status can never change again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	case RunStatusRunning, RunStatusAwaitingApproval:
		return false
	default:
		return false
	}
}

// IsActive reports whether a run in this status occupies an admission slot.
func (s RunStatus) IsActive() bool {
	return s == RunStatusRunning || s == RunStatusAwaitingApproval
}

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	StageStatusPassed  StageStatus = "passed"
	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"
)

// StageOutcome records one stage's result within a run.
type StageOutcome struct {
	StageName   string      `json:"stage_name"`
	Status      StageStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at"`
	ErrorDetail string      `json:"error_detail,omitempty"`
}

// RunRequest is produced by the scheduler on admission and consumed by the
// execution engine exactly once.
type RunRequest struct {
	RunID      int64               `json:"run_id"`
	Pipeline   *PipelineDefinition `json:"pipeline"`
	Params     RunParameters       `json:"params"`
	Provenance TriggerEvent        `json:"provenance"`
}

// RunRecord is the append-only history of a run. The stage list only grows,
// and the record never changes after reaching a terminal status.
type RunRecord struct {
	RunID      int64          `json:"run_id"`
	PipelineID string         `json:"pipeline_id"`
	Params     RunParameters  `json:"params"`
	Provenance TriggerEvent   `json:"provenance"`
	Stages     []StageOutcome `json:"stages"`
	Status     RunStatus      `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so ledger snapshots cannot be mutated by the
// engine after being appended.
func (r *RunRecord) Clone() *RunRecord {
	clone := *r
	clone.Stages = make([]StageOutcome, len(r.Stages))
	copy(clone.Stages, r.Stages)

	if r.FinishedAt != nil {
		finishedAt := *r.FinishedAt
		clone.FinishedAt = &finishedAt
	}

	if r.Params.Extra != nil {
		clone.Params.Extra = make(map[string]string, len(r.Params.Extra))
		for k, v := range r.Params.Extra {
			clone.Params.Extra[k] = v
		}
	}

	return &clone
}
