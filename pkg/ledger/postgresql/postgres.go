// Package postgresql provides a PostgreSQL ledger implementation.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/ledger/sqlbase"
	"github.com/caldera-ci/caldera/pkg/models"
)

// Ledger implements ledger.Ledger on PostgreSQL. Run identifiers come from a
// database sequence, so they are monotonic and never reused even across
// concurrent orchestrator instances.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger connects, migrates and returns a PostgreSQL-backed ledger.
func NewLedger(ctx context.Context, logger *slog.Logger, databaseURL string) (*Ledger, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	if err := migrationManager.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Ledger{db: database, logger: logger}, nil
}

// NextRunID allocates the next identifier from the run sequence.
func (l *Ledger) NextRunID(ctx context.Context) (int64, error) {
	var runID int64

	err := l.db.QueryRowContext(ctx, "SELECT nextval('run_ids')").Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate run id: %w", err)
	}

	return runID, nil
}

// Append upserts the latest snapshot of the record. The WHERE clause rejects
// writes over finalized runs and shrinking stage lists at the database, so
// the append-only guarantees hold across concurrent instances.
func (l *Ledger) Append(ctx context.Context, record *models.RunRecord) error {
	stages, err := json.Marshal(record.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages for run %d: %w", record.RunID, err)
	}

	params, err := json.Marshal(record.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params for run %d: %w", record.RunID, err)
	}

	provenance, err := json.Marshal(record.Provenance)
	if err != nil {
		return fmt.Errorf("failed to marshal provenance for run %d: %w", record.RunID, err)
	}

	var finishedAt sql.NullTime
	if record.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *record.FinishedAt, Valid: true}
	}

	result, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, pipeline_id, environment, params, provenance, stages, stage_count, status, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE
		SET stages = EXCLUDED.stages,
		    stage_count = EXCLUDED.stage_count,
		    status = EXCLUDED.status,
		    finished_at = EXCLUDED.finished_at
		WHERE runs.status IN ('running', 'awaiting_approval')
		  AND runs.stage_count <= EXCLUDED.stage_count`,
		record.RunID,
		record.PipelineID,
		record.Params.Environment,
		params,
		provenance,
		stages,
		len(record.Stages),
		string(record.Status),
		record.CreatedAt,
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append run %d: %w", record.RunID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check append result for run %d: %w", record.RunID, err)
	}

	if affected == 0 {
		return l.classifyRejectedAppend(ctx, record)
	}

	return nil
}

// classifyRejectedAppend distinguishes the two ways the guarded upsert can
// reject a snapshot.
func (l *Ledger) classifyRejectedAppend(ctx context.Context, record *models.RunRecord) error {
	existing, err := l.RunByID(ctx, record.RunID)
	if err != nil {
		return err
	}

	if existing.Status.IsTerminal() {
		return fmt.Errorf("run %d: %w", record.RunID, ledger.ErrRunFinalized)
	}

	return fmt.Errorf("run %d: %w", record.RunID, ledger.ErrStageListShrunk)
}

// RunByID returns the latest snapshot of a run.
func (l *Ledger) RunByID(ctx context.Context, runID int64) (*models.RunRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT run_id, pipeline_id, params, provenance, stages, status, created_at, finished_at
		FROM runs WHERE run_id = $1`, runID)

	record, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", runID, ledger.ErrRunNotFound)
	}

	return record, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.RunRecord, error) {
	var (
		record     models.RunRecord
		params     []byte
		provenance []byte
		stages     []byte
		status     string
		finishedAt sql.NullTime
	)

	err := row.Scan(&record.RunID, &record.PipelineID, &params, &provenance, &stages, &status, &record.CreatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(params, &record.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params for run %d: %w", record.RunID, err)
	}

	if err := json.Unmarshal(provenance, &record.Provenance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provenance for run %d: %w", record.RunID, err)
	}

	if err := json.Unmarshal(stages, &record.Stages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages for run %d: %w", record.RunID, err)
	}

	record.Status = models.RunStatus(status)

	if finishedAt.Valid {
		record.FinishedAt = &finishedAt.Time
	}

	return &record, nil
}

// ListRuns returns matching records ordered by run ID descending.
func (l *Ledger) ListRuns(ctx context.Context, filter ledger.Filter) ([]*models.RunRecord, error) {
	query := `
		SELECT run_id, pipeline_id, params, provenance, stages, status, created_at, finished_at
		FROM runs
		WHERE ($1 = '' OR pipeline_id = $1)
		  AND ($2 = '' OR environment = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		ORDER BY run_id DESC`

	var since sql.NullTime
	if !filter.Since.IsZero() {
		since = sql.NullTime{Time: filter.Since, Valid: true}
	}

	args := []any{filter.PipelineID, filter.Environment, string(filter.Status), since}

	if filter.Limit > 0 {
		query += " LIMIT $5 OFFSET $6"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	records := make([]*models.RunRecord, 0)

	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return records, nil
}

// CountActive counts runs for (pipeline, environment) in Running or
// AwaitingApproval.
func (l *Ledger) CountActive(ctx context.Context, pipelineID, environment string) (int, error) {
	var count int

	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE pipeline_id = $1 AND environment = $2
		  AND status IN ('running', 'awaiting_approval')`,
		pipelineID, environment).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs: %w", err)
	}

	return count, nil
}

// HealthCheck verifies the database connection is healthy.
func (l *Ledger) HealthCheck(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (l *Ledger) Close(_ context.Context) error {
	if l.db != nil {
		if err := l.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
