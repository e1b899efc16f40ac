package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/ledger/file"
	"github.com/caldera-ci/caldera/pkg/models"
)

const testDocument = `
environments:
  - id: dev
  - id: prod
    require_approval: true
  - id: staging
    concurrency_limit: 2

pipelines:
  - id: deploy-service
    name: Deploy service
    stages:
      - name: build
        action_ref: log
      - name: deploy
        action_ref: log
        approval_gate: true
`

func newTestScheduler(t *testing.T) (*Scheduler, *config.Store) {
	t.Helper()

	store, err := config.Parse([]byte(testDocument))
	require.NoError(t, err)

	led := file.NewLedger(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	return NewScheduler(store, led, logger), store
}

func event(environment, branch string) models.TriggerEvent {
	return models.TriggerEvent{
		ID:          "evt-1",
		Kind:        models.TriggerKindManual,
		PipelineID:  "deploy-service",
		Environment: environment,
		Branch:      branch,
		Timestamp:   time.Now().UTC(),
	}
}

func params(environment string) models.RunParameters {
	return models.RunParameters{Environment: environment, Branch: "main"}
}

func TestAdmit_CreatesRunRecord(t *testing.T) {
	ctx := context.Background()
	sched, store := newTestScheduler(t)

	pipeline, err := store.Pipeline("deploy-service")
	require.NoError(t, err)

	request, err := sched.Admit(ctx, pipeline, params("dev"), event("dev", "main"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), request.RunID)
	assert.Equal(t, pipeline, request.Pipeline)

	record, err := sched.ledger.RunByID(ctx, request.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, record.Status)
	assert.Empty(t, record.Stages)
}

func TestAdmit_ApprovalRequiredStartsAwaitingApproval(t *testing.T) {
	ctx := context.Background()
	sched, store := newTestScheduler(t)

	pipeline, err := store.Pipeline("deploy-service")
	require.NoError(t, err)

	request, err := sched.Admit(ctx, pipeline, params("prod"), event("prod", "main"))
	require.NoError(t, err)

	record, err := sched.ledger.RunByID(ctx, request.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAwaitingApproval, record.Status)
}

func TestAdmit_RejectsWhenProdSlotOccupied(t *testing.T) {
	ctx := context.Background()
	sched, store := newTestScheduler(t)

	pipeline, err := store.Pipeline("deploy-service")
	require.NoError(t, err)

	_, err = sched.Admit(ctx, pipeline, params("prod"), event("prod", "main"))
	require.NoError(t, err)

	_, err = sched.Admit(ctx, pipeline, params("prod"), event("prod", "main"))
	assert.ErrorIs(t, err, ErrConcurrencyLimitExceeded)
	assert.True(t, IsConcurrencyLimitExceeded(err))
}

func TestAdmit_UnlimitedEnvironment(t *testing.T) {
	ctx := context.Background()
	sched, store := newTestScheduler(t)

	pipeline, err := store.Pipeline("deploy-service")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := sched.Admit(ctx, pipeline, params("dev"), event("dev", "main"))
		require.NoError(t, err)
	}
}

func TestAdmit_UnknownEnvironment(t *testing.T) {
	ctx := context.Background()
	sched, store := newTestScheduler(t)

	pipeline, err := store.Pipeline("deploy-service")
	require.NoError(t, err)

	_, err = sched.Admit(ctx, pipeline, params("qa"), event("qa", "main"))
	assert.ErrorIs(t, err, config.ErrEnvironmentNotFound)
}

func TestAdmit_NeverExceedsLimitUnderContention(t *testing.T) {
	ctx := context.Background()
	sched, store := newTestScheduler(t)

	pipeline, err := store.Pipeline("deploy-service")
	require.NoError(t, err)

	const attempts = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := sched.Admit(ctx, pipeline, params("staging"), event("staging", "main")); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	// Admitted runs stay active because nothing executes them here, so the
	// staging limit of two is the hard ceiling.
	assert.Equal(t, 2, admitted)

	count, err := sched.ledger.CountActive(ctx, pipeline.ID, "staging")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAdmit_RunIDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	sched, store := newTestScheduler(t)

	pipeline, err := store.Pipeline("deploy-service")
	require.NoError(t, err)

	var lastID int64

	for i := 0; i < 3; i++ {
		request, err := sched.Admit(ctx, pipeline, params("dev"), event("dev", "main"))
		require.NoError(t, err)
		assert.Greater(t, request.RunID, lastID)

		lastID = request.RunID
	}
}
