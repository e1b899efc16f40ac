package web

// ManualTriggerRequest starts a run with explicit user-chosen parameters.
type ManualTriggerRequest struct {
	PipelineID  string            `json:"pipeline_id" validate:"required"`
	Environment string            `json:"environment" validate:"required"`
	Branch      string            `json:"branch"      validate:"required"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// SCMTriggerRequest is the push notification shape SCM hosts deliver.
type SCMTriggerRequest struct {
	PipelineID string `json:"pipeline_id" validate:"required"`
	Branch     string `json:"branch"      validate:"required"`
	CommitRef  string `json:"commit_ref,omitempty"`
}

// CronTriggerRequest fires a configured schedule out of band.
type CronTriggerRequest struct {
	ScheduleID string `json:"schedule_id" validate:"required"`
}

// TriggerResponse acknowledges an admitted run.
type TriggerResponse struct {
	RunID       int64  `json:"run_id"`
	PipelineID  string `json:"pipeline_id"`
	Environment string `json:"environment"`
	Branch      string `json:"branch"`
}
