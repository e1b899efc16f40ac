// Package scheduler admits trigger events into runs. It is the only place a
// RunRecord is created, and the only place the per-environment concurrency
// limits are enforced.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/models"
)

// ErrConcurrencyLimitExceeded is returned when all admission slots for a
// (pipeline, environment) pair are occupied. The caller may retry later; the
// scheduler never queues rejected events.
var ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")

func IsConcurrencyLimitExceeded(err error) bool {
	return errors.Is(err, ErrConcurrencyLimitExceeded)
}

type slotKey struct {
	pipelineID  string
	environment string
}

// slot serializes admissions for one (pipeline, environment) pair so the
// count-then-append sequence is atomic within this process.
type slot struct {
	mu           sync.Mutex
	lastAdmitted time.Time
}

// Scheduler applies admission control and creates the run records that the
// execution engine drives.
type Scheduler struct {
	store  *config.Store
	ledger ledger.Ledger
	logger *slog.Logger

	mu    sync.Mutex
	slots map[slotKey]*slot
}

func NewScheduler(store *config.Store, led ledger.Ledger, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		ledger: led,
		logger: logger.With("module", "scheduler"),
		slots:  make(map[slotKey]*slot),
	}
}

func (s *Scheduler) slotFor(pipelineID, environment string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := slotKey{pipelineID: pipelineID, environment: environment}

	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{}
		s.slots[key] = sl
	}

	return sl
}

// Admit decides whether a resolved trigger event becomes a run. On success a
// RunRecord exists in the ledger before the RunRequest is returned, so a
// concurrent Admit for the same slot always sees it when counting.
func (s *Scheduler) Admit(ctx context.Context, pipeline *models.PipelineDefinition, params models.RunParameters, provenance models.TriggerEvent) (*models.RunRequest, error) {
	profile, err := s.store.Environment(params.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to look up environment profile: %w", err)
	}

	sl := s.slotFor(pipeline.ID, params.Environment)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	limit := profile.EffectiveConcurrencyLimit()
	if limit > 0 {
		active, err := s.ledger.CountActive(ctx, pipeline.ID, params.Environment)
		if err != nil {
			return nil, fmt.Errorf("failed to count active runs: %w", err)
		}

		if active >= limit {
			return nil, fmt.Errorf("%w: %d of %d slots in use for pipeline %q environment %q",
				ErrConcurrencyLimitExceeded, active, limit, pipeline.ID, params.Environment)
		}
	}

	runID, err := s.ledger.NextRunID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate run id: %w", err)
	}

	status := models.RunStatusRunning
	if profile.RequireApproval && pipeline.HasApprovalGate() {
		status = models.RunStatusAwaitingApproval
	}

	record := &models.RunRecord{
		RunID:      runID,
		PipelineID: pipeline.ID,
		Params:     params,
		Provenance: provenance,
		Stages:     []models.StageOutcome{},
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.ledger.Append(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record admitted run: %w", err)
	}

	if !sl.lastAdmitted.IsZero() && provenance.Timestamp.Before(sl.lastAdmitted) {
		s.logger.Warn("Admitted event older than previous admission for slot",
			"pipeline_id", pipeline.ID,
			"environment", params.Environment,
			"event_timestamp", provenance.Timestamp,
			"previous_timestamp", sl.lastAdmitted)
	}

	sl.lastAdmitted = provenance.Timestamp

	s.logger.Info("Run admitted",
		"run_id", runID,
		"pipeline_id", pipeline.ID,
		"environment", params.Environment,
		"trigger_kind", provenance.Kind,
		"status", status)

	return &models.RunRequest{
		RunID:      runID,
		Pipeline:   pipeline,
		Params:     params,
		Provenance: provenance,
	}, nil
}
