// Package ledger provides the append-only run history abstraction. Run
// identifiers are monotonic and never reused, and a run's stage list never
// shrinks between two queries of the same identifier.
package ledger

import (
	"context"
	"time"

	"github.com/caldera-ci/caldera/pkg/models"
)

// Filter narrows ListRuns results. Zero-valued fields match everything.
type Filter struct {
	PipelineID  string
	Environment string
	Status      models.RunStatus
	Since       time.Time
	Limit       int
	Offset      int
}

// Matches reports whether a record passes the filter.
func (f Filter) Matches(record *models.RunRecord) bool {
	if f.PipelineID != "" && record.PipelineID != f.PipelineID {
		return false
	}

	if f.Environment != "" && record.Params.Environment != f.Environment {
		return false
	}

	if f.Status != "" && record.Status != f.Status {
		return false
	}

	if !f.Since.IsZero() && record.CreatedAt.Before(f.Since) {
		return false
	}

	return true
}

// Ledger is the persistence contract for run records.
type Ledger interface {
	// NextRunID allocates a new monotonic run identifier.
	NextRunID(ctx context.Context) (int64, error)

	// Append persists a snapshot of the record. Appending over a run that
	// already reached a terminal status fails with ErrRunFinalized.
	Append(ctx context.Context, record *models.RunRecord) error

	// RunByID returns the latest snapshot of a run.
	RunByID(ctx context.Context, runID int64) (*models.RunRecord, error)

	// ListRuns returns matching records ordered by run ID descending.
	ListRuns(ctx context.Context, filter Filter) ([]*models.RunRecord, error)

	// CountActive counts records for (pipeline, environment) currently in
	// Running or AwaitingApproval.
	CountActive(ctx context.Context, pipelineID, environment string) (int, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
