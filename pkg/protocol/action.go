// Package protocol defines the contracts between the orchestrator core and
// its external collaborators.
package protocol

import (
	"context"
	"log/slog"

	"github.com/caldera-ci/caldera/pkg/models"
)

// Action is the delegate a stage's work is handed to. Build, test, deploy
// and notification logic all live behind this seam; the orchestrator core
// never shells out or makes network calls itself.
type Action interface {
	Execute(ctx context.Context, params models.RunParameters, logger *slog.Logger) (map[string]any, error)
}

// ActionFactory creates actions from stage configuration.
type ActionFactory interface {
	Create(config map[string]any) (Action, error)
	ID() string
}
