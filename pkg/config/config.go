// Package config loads and holds the orchestrator configuration document:
// environment profiles, pipeline definitions, and trigger bindings. The
// store is read-only after load and safely shared across concurrent runs.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/itchyny/gojq"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/caldera-ci/caldera/pkg/models"
)

var (
	// ErrEnvironmentNotFound indicates an environment profile is not defined.
	ErrEnvironmentNotFound = errors.New("environment not found")

	// ErrPipelineNotFound indicates a pipeline definition is not defined.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrScheduleNotFound indicates a cron schedule binding is not defined.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrWebhookSourceNotFound indicates a webhook source is not defined.
	ErrWebhookSourceNotFound = errors.New("webhook source not found")
)

// ScheduleBinding statically binds a cron schedule to a pipeline and a fixed
// environment/branch pair.
type ScheduleBinding struct {
	ID          string `json:"id"          yaml:"id"          validate:"required"`
	Cron        string `json:"cron"        yaml:"cron"        validate:"required"`
	PipelineID  string `json:"pipeline_id" yaml:"pipeline_id" validate:"required"`
	Environment string `json:"environment" yaml:"environment" validate:"required"`
	Branch      string `json:"branch"      yaml:"branch"      validate:"required"`
}

// WebhookSource describes one generic webhook endpoint: which pipeline it
// feeds and where in the payload the run parameters live. Paths are jq
// expressions compiled once at load.
type WebhookSource struct {
	ID         string `json:"id"          yaml:"id"          validate:"required"`
	PipelineID string `json:"pipeline_id" yaml:"pipeline_id" validate:"required"`

	// EnvironmentPath and BranchPath are required field paths; a payload
	// missing either is rejected before any run is created.
	EnvironmentPath string `json:"environment_path" yaml:"environment_path" validate:"required"`
	BranchPath      string `json:"branch_path"      yaml:"branch_path"      validate:"required"`

	// ExtraPaths maps extra parameter names to optional field paths.
	ExtraPaths map[string]string `json:"extra_paths,omitempty" yaml:"extra_paths,omitempty"`

	// Schema optionally validates the payload shape before extraction.
	Schema map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Triggers groups the trigger source bindings.
type Triggers struct {
	// BranchEnvironments maps pushed branches to target environments.
	BranchEnvironments map[string]string `json:"branch_environments" yaml:"branch_environments"`

	Schedules []ScheduleBinding `json:"schedules" yaml:"schedules" validate:"dive"`
	Webhooks  []WebhookSource   `json:"webhooks"  yaml:"webhooks"  validate:"dive"`
}

// Document is the top-level configuration file shape.
type Document struct {
	Environments []models.EnvironmentProfile `json:"environments" yaml:"environments" validate:"required,min=1,dive"`
	Pipelines    []models.PipelineDefinition `json:"pipelines"    yaml:"pipelines"    validate:"required,min=1,dive"`
	Triggers     Triggers                    `json:"triggers"     yaml:"triggers"`
}

// Store is the immutable, indexed view of a loaded Document.
type Store struct {
	environments map[string]*models.EnvironmentProfile
	pipelines    map[string]*models.PipelineDefinition
	schedules    map[string]*ScheduleBinding
	webhooks     map[string]*WebhookSource
	branchEnvs   map[string]string
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Store, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(body)
}

// Parse validates a raw configuration document and builds the store.
func Parse(body []byte) (*Store, error) {
	var doc Document

	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config document: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid config document: %w", err)
	}

	store := &Store{
		environments: make(map[string]*models.EnvironmentProfile, len(doc.Environments)),
		pipelines:    make(map[string]*models.PipelineDefinition, len(doc.Pipelines)),
		schedules:    make(map[string]*ScheduleBinding, len(doc.Triggers.Schedules)),
		webhooks:     make(map[string]*WebhookSource, len(doc.Triggers.Webhooks)),
		branchEnvs:   doc.Triggers.BranchEnvironments,
	}

	for i := range doc.Environments {
		env := doc.Environments[i]
		if _, exists := store.environments[env.ID]; exists {
			return nil, fmt.Errorf("duplicate environment profile %q", env.ID)
		}

		store.environments[env.ID] = &env
	}

	for i := range doc.Pipelines {
		pipeline := doc.Pipelines[i]
		if _, exists := store.pipelines[pipeline.ID]; exists {
			return nil, fmt.Errorf("duplicate pipeline %q", pipeline.ID)
		}

		if err := compilePredicates(&pipeline); err != nil {
			return nil, err
		}

		store.pipelines[pipeline.ID] = &pipeline
	}

	if err := store.indexTriggers(&doc.Triggers); err != nil {
		return nil, err
	}

	return store, nil
}

// compilePredicates resolves every stage guard to its compiled form, so
// malformed predicates surface at startup rather than mid-run and stages
// never re-parse configuration while executing.
func compilePredicates(pipeline *models.PipelineDefinition) error {
	for i := range pipeline.Stages {
		stage := &pipeline.Stages[i]
		if stage.When == nil {
			continue
		}

		predicate, err := stage.When.Compile()
		if err != nil {
			return fmt.Errorf("pipeline %q stage %q: invalid predicate: %w", pipeline.ID, stage.Name, err)
		}

		stage.Predicate = predicate
	}

	return nil
}

func (s *Store) indexTriggers(triggers *Triggers) error {
	for branch, envID := range triggers.BranchEnvironments {
		if _, ok := s.environments[envID]; !ok {
			return fmt.Errorf("branch mapping %q: %w: %q", branch, ErrEnvironmentNotFound, envID)
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	for i := range triggers.Schedules {
		schedule := triggers.Schedules[i]

		if _, err := parser.Parse(schedule.Cron); err != nil {
			return fmt.Errorf("schedule %q: invalid cron expression %q: %w", schedule.ID, schedule.Cron, err)
		}

		if _, ok := s.pipelines[schedule.PipelineID]; !ok {
			return fmt.Errorf("schedule %q: %w: %q", schedule.ID, ErrPipelineNotFound, schedule.PipelineID)
		}

		if _, ok := s.environments[schedule.Environment]; !ok {
			return fmt.Errorf("schedule %q: %w: %q", schedule.ID, ErrEnvironmentNotFound, schedule.Environment)
		}

		s.schedules[schedule.ID] = &schedule
	}

	for i := range triggers.Webhooks {
		webhook := triggers.Webhooks[i]

		if _, ok := s.pipelines[webhook.PipelineID]; !ok {
			return fmt.Errorf("webhook %q: %w: %q", webhook.ID, ErrPipelineNotFound, webhook.PipelineID)
		}

		for name, path := range webhookPaths(&webhook) {
			if _, err := gojq.Parse(path); err != nil {
				return fmt.Errorf("webhook %q: invalid %s path %q: %w", webhook.ID, name, path, err)
			}
		}

		s.webhooks[webhook.ID] = &webhook
	}

	return nil
}

func webhookPaths(webhook *WebhookSource) map[string]string {
	paths := map[string]string{
		"environment": webhook.EnvironmentPath,
		"branch":      webhook.BranchPath,
	}

	for name, path := range webhook.ExtraPaths {
		paths["extra."+name] = path
	}

	return paths
}

// Environment returns the profile for the given identifier.
func (s *Store) Environment(id string) (*models.EnvironmentProfile, error) {
	env, ok := s.environments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEnvironmentNotFound, id)
	}

	return env, nil
}

// Pipeline returns the definition for the given identifier.
func (s *Store) Pipeline(id string) (*models.PipelineDefinition, error) {
	pipeline, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPipelineNotFound, id)
	}

	return pipeline, nil
}

// Pipelines returns every pipeline definition.
func (s *Store) Pipelines() []*models.PipelineDefinition {
	pipelines := make([]*models.PipelineDefinition, 0, len(s.pipelines))
	for _, pipeline := range s.pipelines {
		pipelines = append(pipelines, pipeline)
	}

	return pipelines
}

// EnvironmentForBranch resolves a pushed branch to its mapped environment.
func (s *Store) EnvironmentForBranch(branch string) (string, bool) {
	envID, ok := s.branchEnvs[branch]

	return envID, ok
}

// Schedule returns the cron binding for the given identifier.
func (s *Store) Schedule(id string) (*ScheduleBinding, error) {
	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrScheduleNotFound, id)
	}

	return schedule, nil
}

// Schedules returns every cron binding.
func (s *Store) Schedules() []*ScheduleBinding {
	schedules := make([]*ScheduleBinding, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		schedules = append(schedules, schedule)
	}

	return schedules
}

// WebhookSources returns every webhook source.
func (s *Store) WebhookSources() []*WebhookSource {
	webhooks := make([]*WebhookSource, 0, len(s.webhooks))
	for _, webhook := range s.webhooks {
		webhooks = append(webhooks, webhook)
	}

	return webhooks
}

// WebhookSource returns the webhook source for the given identifier.
func (s *Store) WebhookSource(id string) (*WebhookSource, error) {
	webhook, ok := s.webhooks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWebhookSourceNotFound, id)
	}

	return webhook, nil
}
