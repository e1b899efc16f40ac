package models

// PipelineDefinition is an ordered list of stages executed for each admitted
// run. Definitions are immutable after load.
type PipelineDefinition struct {
	ID          string            `json:"id"          yaml:"id"          validate:"required"`
	Name        string            `json:"name"        yaml:"name"        validate:"required,min=3"`
	Description string            `json:"description" yaml:"description"`
	Stages      []StageDefinition `json:"stages"      yaml:"stages"      validate:"required,min=1,dive"`
}

// StageDefinition describes one stage of a pipeline. The action reference is
// opaque to the orchestrator; it names a delegate in the action registry.
type StageDefinition struct {
	Name      string `json:"name"       yaml:"name"       validate:"required"`
	ActionRef string `json:"action_ref" yaml:"action_ref" validate:"required"`

	// When guards the stage. A nil predicate always runs the stage.
	When *PredicateSpec `json:"when,omitempty" yaml:"when,omitempty"`

	// Predicate is the compiled form of When, resolved once at config load.
	Predicate Predicate `json:"-" yaml:"-"`

	// ApprovalGate marks the stage where approval-required environments
	// pause until an external approval arrives. Ignored for profiles
	// without RequireApproval.
	ApprovalGate bool `json:"approval_gate,omitempty" yaml:"approval_gate,omitempty"`

	// Configuration is passed through to the action delegate.
	Configuration map[string]any `json:"configuration,omitempty" yaml:"configuration,omitempty"`
}

// HasApprovalGate reports whether any stage of the pipeline is an approval
// gate.
func (p *PipelineDefinition) HasApprovalGate() bool {
	for _, stage := range p.Stages {
		if stage.ApprovalGate {
			return true
		}
	}

	return false
}

// StageByName returns the stage with the given name.
func (p *PipelineDefinition) StageByName(name string) (StageDefinition, bool) {
	for _, stage := range p.Stages {
		if stage.Name == name {
			return stage, true
		}
	}

	return StageDefinition{}, false
}
