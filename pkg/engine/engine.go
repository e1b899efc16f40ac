// Package engine drives admitted runs through their pipeline's stage list
// and writes every outcome to the run ledger.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/eventbus"
	"github.com/caldera-ci/caldera/pkg/events"
	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/models"
	"github.com/caldera-ci/caldera/pkg/otelhelper"
	"github.com/caldera-ci/caldera/pkg/registry"
)

// DefaultApprovalTimeout bounds approval gates for profiles that do not set
// their own window.
const DefaultApprovalTimeout = 30 * time.Minute

// Engine executes admitted runs. Each run is driven to a terminal status by
// exactly one Execute call.
type Engine struct {
	store     *config.Store
	ledger    ledger.Ledger
	registry  *registry.Registry
	publisher eventbus.EventPublisher
	logger    *slog.Logger
	tracer    trace.Tracer

	approvalTimeout time.Duration

	mu       sync.Mutex
	controls map[int64]*runControl
}

func NewEngine(store *config.Store, led ledger.Ledger, reg *registry.Registry, publisher eventbus.EventPublisher, logger *slog.Logger) *Engine {
	return &Engine{
		store:           store,
		ledger:          led,
		registry:        reg,
		publisher:       publisher,
		logger:          logger.With("module", "engine"),
		approvalTimeout: DefaultApprovalTimeout,
		controls:        make(map[int64]*runControl),
	}
}

// WithTracer enables span emission for run and stage execution.
func (e *Engine) WithTracer(tracer trace.Tracer) *Engine {
	e.tracer = tracer

	return e
}

// Execute walks the pipeline's stage list for an admitted run and returns the
// run's terminal status. The terminal transition is appended to the ledger
// exactly once, together with the stage outcome that caused it.
func (e *Engine) Execute(ctx context.Context, request *models.RunRequest) (models.RunStatus, error) {
	pipeline := request.Pipeline

	logger := e.logger.With(
		"run_id", request.RunID,
		"pipeline_id", pipeline.ID,
		"environment", request.Params.Environment,
		"branch", request.Params.Branch)

	profile, err := e.store.Environment(request.Params.Environment)
	if err != nil {
		return "", fmt.Errorf("failed to look up environment profile: %w", err)
	}

	record, err := e.ledger.RunByID(ctx, request.RunID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch run record: %w", err)
	}

	if e.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "run.execute",
			attribute.Int64(otelhelper.RunIDKey, request.RunID),
			attribute.String(otelhelper.PipelineIDKey, pipeline.ID),
			attribute.String(otelhelper.EnvironmentKey, request.Params.Environment),
			attribute.String(otelhelper.BranchKey, request.Params.Branch),
			attribute.String(otelhelper.TriggerKindKey, string(request.Provenance.Kind)))
		defer span.End()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gates := 0

	if profile.RequireApproval {
		for _, stage := range pipeline.Stages {
			if stage.ApprovalGate {
				gates++
			}
		}
	}

	ctrl := e.registerControl(request.RunID, cancel, gates)
	defer e.unregisterControl(request.RunID)

	e.publish(ctx, request.RunID, events.RunAdmitted{
		BaseEvent:   events.NewBaseEvent(events.RunAdmittedEvent, request.RunID, pipeline.ID),
		Environment: request.Params.Environment,
		Branch:      request.Params.Branch,
		TriggerKind: request.Provenance.Kind,
	})

	logger.Info("Starting run execution", "stages", len(pipeline.Stages))

	for _, stage := range pipeline.Stages {
		if ctrl.isCancelled() {
			return e.finalize(ctx, logger, record, models.RunStatusCancelled, "cancelled before stage "+stage.Name)
		}

		stageLogger := logger.With("stage", stage.Name, "action_ref", stage.ActionRef)

		if stage.Predicate != nil && !stage.Predicate.Evaluate(request.Params) {
			now := time.Now().UTC()
			outcome := models.StageOutcome{
				StageName: stage.Name,
				Status:    models.StageStatusSkipped,
				StartedAt: now,
				EndedAt:   now,
			}

			if err := e.appendStage(ctx, record, outcome); err != nil {
				return "", err
			}

			stageLogger.Info("Stage skipped by predicate")

			continue
		}

		if stage.ApprovalGate && profile.RequireApproval {
			status, err := e.awaitApproval(ctx, runCtx, ctrl, logger, record, profile, stage)
			if status != "" || err != nil {
				return status, err
			}
		}

		outcome := e.invokeAction(runCtx, stage, request.Params, stageLogger)

		if outcome.Status == models.StageStatusFailed {
			if ctrl.isCancelled() {
				return e.finalize(ctx, logger, record, models.RunStatusCancelled, "cancelled during stage "+stage.Name)
			}

			record.Stages = append(record.Stages, outcome)

			return e.failRun(ctx, logger, record, stage.Name, fmt.Errorf("%s", outcome.ErrorDetail))
		}

		if err := e.appendStage(ctx, record, outcome); err != nil {
			return "", err
		}

		stageLogger.Info("Stage passed", "duration", outcome.EndedAt.Sub(outcome.StartedAt))
	}

	return e.finalize(ctx, logger, record, models.RunStatusSucceeded, "")
}

// awaitApproval parks the run at an approval gate. It returns an empty status
// when the run may proceed; any other status is terminal.
func (e *Engine) awaitApproval(ctx, runCtx context.Context, ctrl *runControl, logger *slog.Logger, record *models.RunRecord, profile *models.EnvironmentProfile, stage models.StageDefinition) (models.RunStatus, error) {
	timeout := e.approvalTimeout
	if profile.ApprovalTimeoutSeconds > 0 {
		timeout = time.Duration(profile.ApprovalTimeoutSeconds) * time.Second
	}

	deadline := time.Now().UTC().Add(timeout)

	record.Status = models.RunStatusAwaitingApproval
	if err := e.ledger.Append(ctx, record); err != nil {
		return "", fmt.Errorf("failed to record awaiting approval: %w", err)
	}

	e.publish(ctx, record.RunID, events.RunAwaitingApproval{
		BaseEvent:   events.NewBaseEvent(events.RunAwaitingApprovalEvent, record.RunID, record.PipelineID),
		StageName:   stage.Name,
		Environment: record.Params.Environment,
		Deadline:    deadline,
	})

	logger.Info("Run awaiting approval", "stage", stage.Name, "deadline", deadline)

	gate := ctrl.openGate()
	defer ctrl.closeGate()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-gate:
		switch d {
		case decisionApproved:
			record.Status = models.RunStatusRunning
			if err := e.ledger.Append(ctx, record); err != nil {
				return "", fmt.Errorf("failed to record approval: %w", err)
			}

			logger.Info("Run approved", "stage", stage.Name)

			return "", nil
		case decisionRejected:
			return e.finalize(ctx, logger, record, models.RunStatusCancelled, "approval rejected at stage "+stage.Name)
		case decisionCancelled:
			return e.finalize(ctx, logger, record, models.RunStatusCancelled, "cancelled at approval gate "+stage.Name)
		}

		return "", nil
	case <-timer.C:
		now := time.Now().UTC()
		record.Stages = append(record.Stages, models.StageOutcome{
			StageName:   stage.Name,
			Status:      models.StageStatusFailed,
			StartedAt:   now,
			EndedAt:     now,
			ErrorDetail: ErrApprovalTimeout.Error(),
		})

		status, err := e.failRun(ctx, logger, record, stage.Name, ErrApprovalTimeout)
		if err != nil {
			return status, err
		}

		return status, ErrApprovalTimeout
	case <-runCtx.Done():
		return e.finalize(ctx, logger, record, models.RunStatusCancelled, "cancelled at approval gate "+stage.Name)
	}
}

// invokeAction runs the stage's delegate and converts the result into a
// stage outcome with start and end timestamps.
func (e *Engine) invokeAction(ctx context.Context, stage models.StageDefinition, params models.RunParameters, logger *slog.Logger) models.StageOutcome {
	if e.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "stage.execute",
			attribute.String(otelhelper.StageNameKey, stage.Name),
			attribute.String(otelhelper.ActionRefKey, stage.ActionRef))
		defer span.End()
	}

	outcome := models.StageOutcome{
		StageName: stage.Name,
		Status:    models.StageStatusPassed,
		StartedAt: time.Now().UTC(),
	}

	action, err := e.registry.CreateAction(stage.ActionRef, stage.Configuration)
	if err != nil {
		outcome.Status = models.StageStatusFailed
		outcome.ErrorDetail = err.Error()
		outcome.EndedAt = time.Now().UTC()

		return outcome
	}

	if _, err := action.Execute(ctx, params, logger); err != nil {
		outcome.Status = models.StageStatusFailed
		outcome.ErrorDetail = err.Error()
	}

	outcome.EndedAt = time.Now().UTC()

	return outcome
}

// appendStage records one non-terminal stage outcome and publishes the
// matching event.
func (e *Engine) appendStage(ctx context.Context, record *models.RunRecord, outcome models.StageOutcome) error {
	record.Stages = append(record.Stages, outcome)

	if err := e.ledger.Append(ctx, record); err != nil {
		return fmt.Errorf("failed to record stage outcome: %w", err)
	}

	e.publish(ctx, record.RunID, events.RunStageFinished{
		BaseEvent: events.NewBaseEvent(events.RunStageFinishedEvent, record.RunID, record.PipelineID),
		StageName: outcome.StageName,
		Status:    outcome.Status,
		Duration:  outcome.EndedAt.Sub(outcome.StartedAt),
		Error:     outcome.ErrorDetail,
	})

	return nil
}

func (e *Engine) failRun(ctx context.Context, logger *slog.Logger, record *models.RunRecord, stageName string, cause error) (models.RunStatus, error) {
	now := time.Now().UTC()
	record.Status = models.RunStatusFailed
	record.FinishedAt = &now

	if err := e.ledger.Append(ctx, record); err != nil {
		return "", fmt.Errorf("failed to record run failure: %w", err)
	}

	if n := len(record.Stages); n > 0 {
		last := record.Stages[n-1]
		e.publish(ctx, record.RunID, events.RunStageFinished{
			BaseEvent: events.NewBaseEvent(events.RunStageFinishedEvent, record.RunID, record.PipelineID),
			StageName: last.StageName,
			Status:    last.Status,
			Duration:  last.EndedAt.Sub(last.StartedAt),
			Error:     last.ErrorDetail,
		})
	}

	e.publish(ctx, record.RunID, events.RunFailed{
		BaseEvent: events.NewBaseEvent(events.RunFailedEvent, record.RunID, record.PipelineID),
		StageName: stageName,
		Error:     cause.Error(),
		Duration:  now.Sub(record.CreatedAt),
	})

	logger.Error("Run failed", "stage", stageName, "error", cause)

	return models.RunStatusFailed, nil
}

// finalize writes the terminal transition for succeeded and cancelled runs.
func (e *Engine) finalize(ctx context.Context, logger *slog.Logger, record *models.RunRecord, status models.RunStatus, reason string) (models.RunStatus, error) {
	now := time.Now().UTC()
	record.Status = status
	record.FinishedAt = &now

	if err := e.ledger.Append(ctx, record); err != nil {
		return "", fmt.Errorf("failed to record terminal status: %w", err)
	}

	switch status {
	case models.RunStatusSucceeded:
		e.publish(ctx, record.RunID, events.RunSucceeded{
			BaseEvent:      events.NewBaseEvent(events.RunSucceededEvent, record.RunID, record.PipelineID),
			Duration:       now.Sub(record.CreatedAt),
			StagesExecuted: len(record.Stages),
		})

		logger.Info("Run succeeded", "stages", len(record.Stages))
	case models.RunStatusCancelled:
		e.publish(ctx, record.RunID, events.RunCancelled{
			BaseEvent: events.NewBaseEvent(events.RunCancelledEvent, record.RunID, record.PipelineID),
			Reason:    reason,
		})

		logger.Info("Run cancelled", "reason", reason)
	}

	return status, nil
}

func (e *Engine) publish(ctx context.Context, runID int64, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, strconv.FormatInt(runID, 10), event); err != nil {
		e.logger.Error("Failed to publish run event", "run_id", runID, "event_type", event.GetType(), "error", err)
	}
}
