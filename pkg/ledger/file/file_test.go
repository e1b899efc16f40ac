package file

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/models"
)

func newRecord(runID int64, status models.RunStatus) *models.RunRecord {
	return &models.RunRecord{
		RunID:      runID,
		PipelineID: "deploy-service",
		Params: models.RunParameters{
			Environment: "dev",
			Branch:      "dev",
		},
		Provenance: models.TriggerEvent{
			Kind:      models.TriggerKindManual,
			Timestamp: time.Now().UTC(),
		},
		Stages:    []models.StageOutcome{},
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestNextRunID_MonotonicAcrossInstances(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	led := NewLedger(root)

	first, err := led.NextRunID(ctx)
	require.NoError(t, err)

	second, err := led.NextRunID(ctx)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	// A fresh instance over the same root continues the sequence.
	reopened := NewLedger(root)

	third, err := reopened.NextRunID(ctx)
	require.NoError(t, err)
	assert.Greater(t, third, second)
}

func TestAppend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	led := NewLedger(t.TempDir())

	record := newRecord(1, models.RunStatusRunning)
	record.Stages = append(record.Stages, models.StageOutcome{
		StageName: "build",
		Status:    models.StageStatusPassed,
		StartedAt: time.Now().UTC(),
		EndedAt:   time.Now().UTC(),
	})

	require.NoError(t, led.Append(ctx, record))

	fetched, err := led.RunByID(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, record.RunID, fetched.RunID)
	assert.Equal(t, record.PipelineID, fetched.PipelineID)
	assert.Equal(t, record.Status, fetched.Status)
	require.Len(t, fetched.Stages, 1)
	assert.Equal(t, "build", fetched.Stages[0].StageName)
	assert.Equal(t, models.StageStatusPassed, fetched.Stages[0].Status)
}

func TestAppend_RejectsFinalizedRun(t *testing.T) {
	ctx := context.Background()
	led := NewLedger(t.TempDir())

	record := newRecord(1, models.RunStatusSucceeded)
	now := time.Now().UTC()
	record.FinishedAt = &now

	require.NoError(t, led.Append(ctx, record))

	record.Status = models.RunStatusRunning
	err := led.Append(ctx, record)
	assert.ErrorIs(t, err, ledger.ErrRunFinalized)
}

func TestAppend_RejectsShrunkStageList(t *testing.T) {
	ctx := context.Background()
	led := NewLedger(t.TempDir())

	record := newRecord(1, models.RunStatusRunning)
	record.Stages = []models.StageOutcome{
		{StageName: "build", Status: models.StageStatusPassed},
		{StageName: "test", Status: models.StageStatusPassed},
	}
	require.NoError(t, led.Append(ctx, record))

	shrunk := newRecord(1, models.RunStatusRunning)
	shrunk.Stages = []models.StageOutcome{
		{StageName: "build", Status: models.StageStatusPassed},
	}

	err := led.Append(ctx, shrunk)
	assert.ErrorIs(t, err, ledger.ErrStageListShrunk)
}

func TestRunByID_NotFound(t *testing.T) {
	led := NewLedger(t.TempDir())

	_, err := led.RunByID(context.Background(), 99)
	assert.ErrorIs(t, err, ledger.ErrRunNotFound)
	assert.True(t, ledger.IsRunNotFound(err))
}

func TestListRuns_FilterAndPagination(t *testing.T) {
	ctx := context.Background()
	led := NewLedger(t.TempDir())

	for i := int64(1); i <= 5; i++ {
		record := newRecord(i, models.RunStatusSucceeded)
		if i%2 == 0 {
			record.Params.Environment = "prod"
		}

		require.NoError(t, led.Append(ctx, record))
	}

	all, err := led.ListRuns(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(5), all[0].RunID)

	prodOnly, err := led.ListRuns(ctx, ledger.Filter{Environment: "prod"})
	require.NoError(t, err)
	assert.Len(t, prodOnly, 2)

	page, err := led.ListRuns(ctx, ledger.Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].RunID)
	assert.Equal(t, int64(3), page[1].RunID)
}

func TestCountActive(t *testing.T) {
	ctx := context.Background()
	led := NewLedger(t.TempDir())

	require.NoError(t, led.Append(ctx, newRecord(1, models.RunStatusRunning)))
	require.NoError(t, led.Append(ctx, newRecord(2, models.RunStatusAwaitingApproval)))
	require.NoError(t, led.Append(ctx, newRecord(3, models.RunStatusSucceeded)))

	other := newRecord(4, models.RunStatusRunning)
	other.PipelineID = "other-pipeline"
	require.NoError(t, led.Append(ctx, other))

	count, err := led.CountActive(ctx, "deploy-service", "dev")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
