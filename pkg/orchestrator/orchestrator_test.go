package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/engine"
	"github.com/caldera-ci/caldera/pkg/intake"
	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/ledger/file"
	"github.com/caldera-ci/caldera/pkg/models"
	"github.com/caldera-ci/caldera/pkg/protocol"
	"github.com/caldera-ci/caldera/pkg/registry"
	"github.com/caldera-ci/caldera/pkg/resolve"
	"github.com/caldera-ci/caldera/pkg/scheduler"
)

const testDocument = `
environments:
  - id: dev
  - id: prod
    require_approval: true

pipelines:
  - id: deploy-service
    name: Deploy service
    stages:
      - name: build
        action_ref: ok
      - name: test
        action_ref: ok
      - name: deploy
        action_ref: ok

triggers:
  branch_environments:
    dev: dev
  webhooks:
    - id: github
      pipeline_id: deploy-service
      environment_path: .environment
      branch_path: .ref
`

type okAction struct{}

func (okAction) Execute(_ context.Context, _ models.RunParameters, _ *slog.Logger) (map[string]any, error) {
	return map[string]any{}, nil
}

type okFactory struct{}

func (okFactory) ID() string { return "ok" }

func (okFactory) Create(_ map[string]any) (protocol.Action, error) {
	return okAction{}, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, ledger.Ledger) {
	t.Helper()

	store, err := config.Parse([]byte(testDocument))
	require.NoError(t, err)

	led := file.NewLedger(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	reg := registry.NewRegistry(logger)
	reg.RegisterAction(okFactory{})

	in, err := intake.NewIntake(store, logger)
	require.NoError(t, err)

	resolver := resolve.NewResolver(store)
	sched := scheduler.NewScheduler(store, led, logger)
	eng := engine.NewEngine(store, led, reg, nil, logger)

	return New(store, in, resolver, sched, eng, led, logger), led
}

func TestTrigger_SCMPushRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	orch, led := newTestOrchestrator(t)

	request, err := orch.Trigger(ctx, intake.SCMPush{
		PipelineID: "deploy-service",
		Branch:     "dev",
		CommitRef:  "abc1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "dev", request.Params.Environment)

	orch.Wait()

	record, err := led.RunByID(ctx, request.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, record.Status)
	require.Len(t, record.Stages, 3)

	for _, outcome := range record.Stages {
		assert.Equal(t, models.StageStatusPassed, outcome.Status)
	}

	assert.Equal(t, models.TriggerKindSCMPush, record.Provenance.Kind)
	assert.Equal(t, "abc1234", record.Provenance.CommitRef)
}

func TestTrigger_ProdSlotOccupiedRejectsSecondRun(t *testing.T) {
	ctx := context.Background()
	orch, led := newTestOrchestrator(t)

	// Occupy the single prod slot with a run nothing will ever finish.
	runID, err := led.NextRunID(ctx)
	require.NoError(t, err)
	require.NoError(t, led.Append(ctx, &models.RunRecord{
		RunID:      runID,
		PipelineID: "deploy-service",
		Params:     models.RunParameters{Environment: "prod", Branch: "main"},
		Stages:     []models.StageOutcome{},
		Status:     models.RunStatusRunning,
		CreatedAt:  time.Now().UTC(),
	}))

	_, err = orch.Trigger(ctx, intake.Manual{
		PipelineID:  "deploy-service",
		Environment: "prod",
		Branch:      "main",
	})
	assert.ErrorIs(t, err, scheduler.ErrConcurrencyLimitExceeded)
}

func TestTrigger_WebhookMissingFieldCreatesNoRun(t *testing.T) {
	ctx := context.Background()
	orch, led := newTestOrchestrator(t)

	_, err := orch.Trigger(ctx, intake.WebhookDelivery{
		SourceID: "github",
		Payload:  map[string]any{"ref": "dev"},
	})
	assert.ErrorIs(t, err, intake.ErrMissingField)

	runs, err := led.ListRuns(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestTrigger_UnmappedBranchCreatesNoRun(t *testing.T) {
	ctx := context.Background()
	orch, led := newTestOrchestrator(t)

	_, err := orch.Trigger(ctx, intake.SCMPush{
		PipelineID: "deploy-service",
		Branch:     "feature/x",
	})
	assert.ErrorIs(t, err, resolve.ErrNoMapping)

	runs, err := led.ListRuns(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestApprove_TerminalRunAlreadyResolved(t *testing.T) {
	ctx := context.Background()
	orch, led := newTestOrchestrator(t)

	runID, err := led.NextRunID(ctx)
	require.NoError(t, err)

	finished := time.Now().UTC()
	require.NoError(t, led.Append(ctx, &models.RunRecord{
		RunID:      runID,
		PipelineID: "deploy-service",
		Params:     models.RunParameters{Environment: "dev", Branch: "dev"},
		Stages:     []models.StageOutcome{},
		Status:     models.RunStatusSucceeded,
		CreatedAt:  finished,
		FinishedAt: &finished,
	}))

	err = orch.Approve(ctx, runID)
	assert.ErrorIs(t, err, engine.ErrAlreadyResolved)
}

func TestApprove_UnknownRun(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	err := orch.Approve(context.Background(), 99)
	assert.True(t, ledger.IsRunNotFound(err))
}
