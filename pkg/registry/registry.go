// Package registry resolves stage action references to their delegates.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/caldera-ci/caldera/pkg/protocol"
)

// Registry holds the registered action factories.
type Registry struct {
	logger          *slog.Logger
	actionFactories map[string]protocol.ActionFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:          logger,
		actionFactories: make(map[string]protocol.ActionFactory),
	}
}

func (r *Registry) RegisterAction(actionFactory protocol.ActionFactory) {
	r.actionFactories[actionFactory.ID()] = actionFactory
}

// CreateAction instantiates the delegate for an action reference.
func (r *Registry) CreateAction(actionRef string, config map[string]any) (protocol.Action, error) {
	factory, ok := r.actionFactories[actionRef]
	if !ok {
		return nil, fmt.Errorf("action %q not registered", actionRef)
	}

	return factory.Create(config)
}

// AvailableActions returns the registered action references.
func (r *Registry) AvailableActions() []string {
	refs := make([]string, 0, len(r.actionFactories))
	for ref := range r.actionFactories {
		refs = append(refs, ref)
	}

	return refs
}

// HealthCheck reports whether the registry is usable.
func (r *Registry) HealthCheck() (string, bool) {
	if len(r.actionFactories) == 0 {
		return "no actions registered", false
	}

	return "ok", true
}
