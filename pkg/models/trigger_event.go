package models

import "time"

// TriggerKind discriminates the supported trigger sources. New sources are
// added as new kinds, not new ad-hoc integrations.
type TriggerKind string

const (
	TriggerKindManual   TriggerKind = "manual"
	TriggerKindSCMPush  TriggerKind = "scm_push"
	TriggerKindCron     TriggerKind = "cron"
	TriggerKindUpstream TriggerKind = "upstream"
	TriggerKindWebhook  TriggerKind = "webhook"
)

// TriggerEvent is the normalized form every trigger source is reduced to.
// It is created by the intake, consumed once by the parameter resolver, and
// kept on the run record as provenance.
type TriggerEvent struct {
	ID         string      `json:"id"`
	Kind       TriggerKind `json:"kind"`
	PipelineID string      `json:"pipeline_id"`
	Timestamp  time.Time   `json:"timestamp"`

	// Environment and Branch are set for kinds that carry explicit values
	// (manual, upstream, webhook). SCM pushes carry only Branch; cron ticks
	// carry neither and resolve through their schedule binding.
	Environment string `json:"environment,omitempty"`
	Branch      string `json:"branch,omitempty"`

	// CommitRef is set for SCM push events.
	CommitRef string `json:"commit_ref,omitempty"`

	// ScheduleID is set for cron tick events.
	ScheduleID string `json:"schedule_id,omitempty"`

	// SourceJobID is set for upstream completion events.
	SourceJobID string `json:"source_job_id,omitempty"`

	// Extra carries arbitrary key/value parameters supplied by the source.
	Extra map[string]string `json:"extra,omitempty"`

	// Raw preserves the source payload for auditing.
	Raw map[string]any `json:"raw,omitempty"`
}
