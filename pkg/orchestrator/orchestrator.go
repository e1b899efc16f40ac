// Package orchestrator wires the trigger path end to end: intake, parameter
// resolution, admission and execution.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/engine"
	"github.com/caldera-ci/caldera/pkg/intake"
	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/models"
	"github.com/caldera-ci/caldera/pkg/resolve"
	"github.com/caldera-ci/caldera/pkg/scheduler"
)

// Orchestrator drives a raw trigger input through normalization, resolution
// and admission, then executes admitted runs asynchronously.
type Orchestrator struct {
	store     *config.Store
	intake    *intake.Intake
	resolver  *resolve.Resolver
	scheduler *scheduler.Scheduler
	engine    *engine.Engine
	ledger    ledger.Ledger
	logger    *slog.Logger

	wg sync.WaitGroup
}

func New(store *config.Store, in *intake.Intake, resolver *resolve.Resolver, sched *scheduler.Scheduler, eng *engine.Engine, led ledger.Ledger, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		intake:    in,
		resolver:  resolver,
		scheduler: sched,
		engine:    eng,
		ledger:    led,
		logger:    logger.With("module", "orchestrator"),
	}
}

// Trigger processes one raw trigger input. Admission is synchronous so the
// caller learns immediately whether a run was created; execution happens in
// the background.
func (o *Orchestrator) Trigger(ctx context.Context, raw any) (*models.RunRequest, error) {
	event, err := o.intake.Normalize(raw)
	if err != nil {
		return nil, err
	}

	pipeline, err := o.store.Pipeline(event.PipelineID)
	if err != nil {
		return nil, err
	}

	params, err := o.resolver.Resolve(event, pipeline)
	if err != nil {
		return nil, err
	}

	request, err := o.scheduler.Admit(ctx, pipeline, params, event)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		// Execution outlives the trigger request.
		status, err := o.engine.Execute(context.WithoutCancel(ctx), request)
		if err != nil {
			o.logger.Error("Run finished with error",
				"run_id", request.RunID,
				"status", status,
				"error", err)

			return
		}

		o.logger.Info("Run finished", "run_id", request.RunID, "status", status)
	}()

	return request, nil
}

// HandleTrigger adapts Trigger to the source callback contract.
func (o *Orchestrator) HandleTrigger(ctx context.Context, raw any) error {
	_, err := o.Trigger(ctx, raw)

	return err
}

// Approve releases a run waiting at its approval gate. Unknown runs report
// ErrRunNotFound, finished ones ErrAlreadyResolved.
func (o *Orchestrator) Approve(ctx context.Context, runID int64) error {
	if err := o.checkActive(ctx, runID); err != nil {
		return err
	}

	return o.engine.Approve(runID)
}

// Reject resolves a waiting approval gate negatively.
func (o *Orchestrator) Reject(ctx context.Context, runID int64) error {
	if err := o.checkActive(ctx, runID); err != nil {
		return err
	}

	return o.engine.Reject(runID)
}

// Cancel stops an active run.
func (o *Orchestrator) Cancel(ctx context.Context, runID int64) error {
	if err := o.checkActive(ctx, runID); err != nil {
		return err
	}

	return o.engine.Cancel(runID)
}

func (o *Orchestrator) checkActive(ctx context.Context, runID int64) error {
	record, err := o.ledger.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	if record.Status.IsTerminal() {
		return fmt.Errorf("%w: run %d is %s", engine.ErrAlreadyResolved, runID, record.Status)
	}

	return nil
}

// Wait blocks until every in-flight run reaches a terminal status. Used on
// shutdown after the trigger sources have stopped.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
