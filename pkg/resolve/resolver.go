// Package resolve derives validated run parameters from normalized trigger
// events. Resolution is deterministic for a given event and config snapshot.
package resolve

import (
	"errors"
	"fmt"

	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/models"
)

var (
	// ErrNoMapping indicates a pushed branch with no mapped environment.
	ErrNoMapping = errors.New("no environment mapping for branch")

	// ErrUnknownEnvironment indicates an environment absent from the config store.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrInvalidParameter indicates a parameter that fails validation.
	ErrInvalidParameter = errors.New("invalid run parameter")

	// ErrUnknownTriggerKind indicates an event kind the resolver does not handle.
	ErrUnknownTriggerKind = errors.New("unknown trigger kind")
)

// Resolver turns trigger events into run parameters using the config store.
type Resolver struct {
	store *config.Store
}

// NewResolver creates a resolver over the loaded configuration.
func NewResolver(store *config.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve derives the environment, branch and extra parameters for an event
// targeting the given pipeline. It validates that the environment exists and
// the branch is non-empty before anything reaches admission.
func (r *Resolver) Resolve(event models.TriggerEvent, pipeline *models.PipelineDefinition) (models.RunParameters, error) {
	if pipeline == nil {
		return models.RunParameters{}, fmt.Errorf("%w: pipeline is required", ErrInvalidParameter)
	}

	var params models.RunParameters

	switch event.Kind {
	case models.TriggerKindManual, models.TriggerKindUpstream, models.TriggerKindWebhook:
		// These kinds carry explicit values on the event itself.
		params = models.RunParameters{
			Environment: event.Environment,
			Branch:      event.Branch,
			Extra:       event.Extra,
		}
	case models.TriggerKindSCMPush:
		envID, ok := r.store.EnvironmentForBranch(event.Branch)
		if !ok {
			return models.RunParameters{}, fmt.Errorf("%w: %q", ErrNoMapping, event.Branch)
		}

		params = models.RunParameters{
			Environment: envID,
			Branch:      event.Branch,
		}
	case models.TriggerKindCron:
		schedule, err := r.store.Schedule(event.ScheduleID)
		if err != nil {
			return models.RunParameters{}, fmt.Errorf("%w: schedule %q", ErrInvalidParameter, event.ScheduleID)
		}

		params = models.RunParameters{
			Environment: schedule.Environment,
			Branch:      schedule.Branch,
		}
	default:
		return models.RunParameters{}, fmt.Errorf("%w: %q", ErrUnknownTriggerKind, event.Kind)
	}

	if params.Branch == "" {
		return models.RunParameters{}, fmt.Errorf("%w: branch must be non-empty", ErrInvalidParameter)
	}

	if _, err := r.store.Environment(params.Environment); err != nil {
		return models.RunParameters{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, params.Environment)
	}

	return params, nil
}
