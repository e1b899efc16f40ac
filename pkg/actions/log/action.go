package log_action

import (
	"context"
	"log/slog"

	"github.com/caldera-ci/caldera/pkg/models"
	"github.com/caldera-ci/caldera/pkg/protocol"
)

func NewLogActionFactory() *LogActionFactory {
	return &LogActionFactory{}
}

type LogActionFactory struct{}

func (*LogActionFactory) ID() string {
	return "log"
}

func (f *LogActionFactory) Create(config map[string]any) (protocol.Action, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewLogAction(config), nil
}

// LogAction writes a configured message to the run log. Useful as a
// placeholder stage and for smoke-testing pipeline definitions.
type LogAction struct {
	Message string
	Level   string
}

func NewLogAction(config map[string]any) *LogAction {
	message, _ := config["message"].(string)

	level, _ := config["level"].(string)
	if level == "" {
		level = "info"
	}

	return &LogAction{
		Message: message,
		Level:   level,
	}
}

func (a *LogAction) Execute(_ context.Context, params models.RunParameters, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("action_type", "log")

	attrs := []any{
		"message", a.Message,
		"environment", params.Environment,
		"branch", params.Branch,
	}

	switch a.Level {
	case "debug":
		logger.Debug("Log stage", attrs...)
	case "warn", "warning":
		logger.Warn("Log stage", attrs...)
	case "error":
		logger.Error("Log stage", attrs...)
	default:
		logger.Info("Log stage", attrs...)
	}

	return map[string]any{
		"message": a.Message,
		"level":   a.Level,
	}, nil
}
