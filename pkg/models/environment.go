// Package models defines the core domain models for pipeline run orchestration.
package models

// EnvironmentProfile is a named deployment target with its configuration
// values and admission policy. Profiles are immutable after load and safely
// shared across concurrent runs.
type EnvironmentProfile struct {
	ID              string            `json:"id"                yaml:"id"                validate:"required"`
	Config          map[string]string `json:"config"            yaml:"config"`
	RequireApproval bool              `json:"require_approval"  yaml:"require_approval"`

	// ConcurrencyLimit caps how many runs targeting this environment may be
	// in Running or AwaitingApproval at once. Zero means unlimited, except
	// for approval-required profiles which default to one.
	ConcurrencyLimit int `json:"concurrency_limit" yaml:"concurrency_limit" validate:"gte=0"`

	// ApprovalTimeoutSeconds bounds how long a run may sit at an approval
	// gate before it fails. Zero selects the engine default.
	ApprovalTimeoutSeconds int `json:"approval_timeout_seconds" yaml:"approval_timeout_seconds" validate:"gte=0"`
}

// EffectiveConcurrencyLimit resolves the admission limit for this profile.
// Approval-required profiles are serialized by default.
func (p *EnvironmentProfile) EffectiveConcurrencyLimit() int {
	if p.ConcurrencyLimit == 0 && p.RequireApproval {
		return 1
	}

	return p.ConcurrencyLimit
}
