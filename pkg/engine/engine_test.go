package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-ci/caldera/pkg/channels/gochannel"
	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/eventbus"
	"github.com/caldera-ci/caldera/pkg/events"
	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/ledger/file"
	"github.com/caldera-ci/caldera/pkg/models"
	"github.com/caldera-ci/caldera/pkg/protocol"
	"github.com/caldera-ci/caldera/pkg/registry"
)

const testDocument = `
environments:
  - id: dev
  - id: prod
    require_approval: true
    approval_timeout_seconds: 1

pipelines:
  - id: three-stage
    name: Three stages
    stages:
      - name: build
        action_ref: ok
      - name: test
        action_ref: ok
      - name: deploy
        action_ref: ok

  - id: fail-first
    name: Failing first stage
    stages:
      - name: build
        action_ref: fail
      - name: deploy
        action_ref: ok

  - id: skip-stage
    name: Conditional stage
    stages:
      - name: build
        action_ref: ok
      - name: release
        action_ref: ok
        when:
          kind: branch_equals
          value: release
      - name: notify
        action_ref: ok

  - id: gated
    name: Gated deploy
    stages:
      - name: build
        action_ref: ok
      - name: deploy
        action_ref: ok
        approval_gate: true

  - id: gated-slow
    name: Gated slow build
    stages:
      - name: build
        action_ref: slow
      - name: deploy
        action_ref: ok
        approval_gate: true
`

type stubAction struct {
	err   error
	delay time.Duration
}

func (a *stubAction) Execute(ctx context.Context, _ models.RunParameters, _ *slog.Logger) (map[string]any, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if a.err != nil {
		return nil, a.err
	}

	return map[string]any{}, nil
}

type stubFactory struct {
	id    string
	err   error
	delay time.Duration
}

func (f *stubFactory) ID() string { return f.id }

func (f *stubFactory) Create(_ map[string]any) (protocol.Action, error) {
	return &stubAction{err: f.err, delay: f.delay}, nil
}

type fixture struct {
	engine *Engine
	store  *config.Store
	ledger ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := config.Parse([]byte(testDocument))
	require.NoError(t, err)

	led := file.NewLedger(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	reg := registry.NewRegistry(logger)
	reg.RegisterAction(&stubFactory{id: "ok"})
	reg.RegisterAction(&stubFactory{id: "fail", err: errors.New("build broke")})
	reg.RegisterAction(&stubFactory{id: "slow", delay: 500 * time.Millisecond})

	return &fixture{
		engine: NewEngine(store, led, reg, nil, logger),
		store:  store,
		ledger: led,
	}
}

func (f *fixture) admit(t *testing.T, pipelineID, environment string) *models.RunRequest {
	t.Helper()

	ctx := context.Background()

	pipeline, err := f.store.Pipeline(pipelineID)
	require.NoError(t, err)

	runID, err := f.ledger.NextRunID(ctx)
	require.NoError(t, err)

	record := &models.RunRecord{
		RunID:      runID,
		PipelineID: pipelineID,
		Params:     models.RunParameters{Environment: environment, Branch: "main"},
		Provenance: models.TriggerEvent{Kind: models.TriggerKindManual, Timestamp: time.Now().UTC()},
		Stages:     []models.StageOutcome{},
		Status:     models.RunStatusRunning,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.ledger.Append(ctx, record))

	return &models.RunRequest{
		RunID:      runID,
		Pipeline:   pipeline,
		Params:     record.Params,
		Provenance: record.Provenance,
	}
}

func (f *fixture) record(t *testing.T, runID int64) *models.RunRecord {
	t.Helper()

	record, err := f.ledger.RunByID(context.Background(), runID)
	require.NoError(t, err)

	return record
}

func (f *fixture) waitForStatus(t *testing.T, runID int64, status models.RunStatus) {
	t.Helper()

	require.Eventually(t, func() bool {
		record, err := f.ledger.RunByID(context.Background(), runID)

		return err == nil && record.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecute_ThreeStageSuccess(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "three-stage", "dev")

	status, err := f.engine.Execute(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, status)

	record := f.record(t, request.RunID)
	assert.Equal(t, models.RunStatusSucceeded, record.Status)
	require.NotNil(t, record.FinishedAt)
	require.Len(t, record.Stages, 3)

	for _, outcome := range record.Stages {
		assert.Equal(t, models.StageStatusPassed, outcome.Status)
		assert.False(t, outcome.EndedAt.Before(outcome.StartedAt))
	}
}

func TestExecute_FirstStageFailureHaltsRun(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "fail-first", "dev")

	status, err := f.engine.Execute(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, status)

	record := f.record(t, request.RunID)
	assert.Equal(t, models.RunStatusFailed, record.Status)
	require.Len(t, record.Stages, 1)
	assert.Equal(t, "build", record.Stages[0].StageName)
	assert.Equal(t, models.StageStatusFailed, record.Stages[0].Status)
	assert.Equal(t, "build broke", record.Stages[0].ErrorDetail)
}

func TestExecute_PredicateSkipsStage(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "skip-stage", "dev")

	status, err := f.engine.Execute(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, status)

	record := f.record(t, request.RunID)
	require.Len(t, record.Stages, 3)
	assert.Equal(t, models.StageStatusPassed, record.Stages[0].Status)
	assert.Equal(t, models.StageStatusSkipped, record.Stages[1].Status)
	assert.Equal(t, models.StageStatusPassed, record.Stages[2].Status)
}

func TestExecute_ApprovalGateIgnoredWithoutRequireApproval(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "gated", "dev")

	status, err := f.engine.Execute(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, status)
}

func TestExecute_ApprovalTimeout(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "gated", "prod")

	status, err := f.engine.Execute(context.Background(), request)
	assert.ErrorIs(t, err, ErrApprovalTimeout)
	assert.Equal(t, models.RunStatusFailed, status)

	record := f.record(t, request.RunID)
	assert.Equal(t, models.RunStatusFailed, record.Status)

	last := record.Stages[len(record.Stages)-1]
	assert.Equal(t, "deploy", last.StageName)
	assert.Equal(t, models.StageStatusFailed, last.Status)
	assert.Equal(t, ErrApprovalTimeout.Error(), last.ErrorDetail)
}

func TestExecute_ApprovedRunProceeds(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "gated", "prod")

	done := make(chan models.RunStatus, 1)

	go func() {
		status, _ := f.engine.Execute(context.Background(), request)
		done <- status
	}()

	f.waitForStatus(t, request.RunID, models.RunStatusAwaitingApproval)
	require.NoError(t, f.engine.Approve(request.RunID))

	select {
	case status := <-done:
		assert.Equal(t, models.RunStatusSucceeded, status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after approval")
	}

	record := f.record(t, request.RunID)
	require.Len(t, record.Stages, 2)
	assert.Equal(t, models.StageStatusPassed, record.Stages[1].Status)
}

func TestExecute_RejectedRunIsCancelled(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "gated", "prod")

	done := make(chan models.RunStatus, 1)

	go func() {
		status, _ := f.engine.Execute(context.Background(), request)
		done <- status
	}()

	f.waitForStatus(t, request.RunID, models.RunStatusAwaitingApproval)
	require.NoError(t, f.engine.Reject(request.RunID))

	select {
	case status := <-done:
		assert.Equal(t, models.RunStatusCancelled, status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after rejection")
	}
}

func TestExecute_CancelledAtGate(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "gated", "prod")

	done := make(chan models.RunStatus, 1)

	go func() {
		status, _ := f.engine.Execute(context.Background(), request)
		done <- status
	}()

	f.waitForStatus(t, request.RunID, models.RunStatusAwaitingApproval)
	require.NoError(t, f.engine.Cancel(request.RunID))

	select {
	case status := <-done:
		assert.Equal(t, models.RunStatusCancelled, status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}

	record := f.record(t, request.RunID)
	assert.Equal(t, models.RunStatusCancelled, record.Status)
	require.NotNil(t, record.FinishedAt)
}

func TestExecute_PublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	received := make(chan events.EventType, 16)
	handler := func(eventType events.EventType) eventbus.EventHandler {
		return func(_ context.Context, _ any) error {
			received <- eventType

			return nil
		}
	}

	require.NoError(t, bus.Handle(events.RunAdmittedEvent, handler(events.RunAdmittedEvent)))
	require.NoError(t, bus.Handle(events.RunStageFinishedEvent, handler(events.RunStageFinishedEvent)))
	require.NoError(t, bus.Handle(events.RunSucceededEvent, handler(events.RunSucceededEvent)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	f.engine.publisher = bus

	request := f.admit(t, "three-stage", "dev")

	status, err := f.engine.Execute(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, status)

	counts := make(map[events.EventType]int)

	for len(counts) < 3 || counts[events.RunStageFinishedEvent] < 3 {
		select {
		case eventType := <-received:
			counts[eventType]++
		case <-time.After(5 * time.Second):
			t.Fatalf("missing lifecycle events, got %v", counts)
		}
	}

	assert.Equal(t, 1, counts[events.RunAdmittedEvent])
	assert.Equal(t, 3, counts[events.RunStageFinishedEvent])
	assert.Equal(t, 1, counts[events.RunSucceededEvent])
}

func TestApprove_BeforeRunParksAtGate(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "gated-slow", "prod")

	done := make(chan models.RunStatus, 1)

	go func() {
		status, _ := f.engine.Execute(context.Background(), request)
		done <- status
	}()

	// Approve while the build stage is still running; the decision is
	// latched and consumed the moment the run parks at its gate.
	require.Eventually(t, func() bool {
		return f.engine.Approve(request.RunID) == nil
	}, 2*time.Second, 5*time.Millisecond)

	err := f.engine.Reject(request.RunID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	select {
	case status := <-done:
		assert.Equal(t, models.RunStatusSucceeded, status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after early approval")
	}

	record := f.record(t, request.RunID)
	assert.Equal(t, models.RunStatusSucceeded, record.Status)
	require.Len(t, record.Stages, 2)
	assert.Equal(t, models.StageStatusPassed, record.Stages[1].Status)
}

func TestReject_BeforeRunParksAtGate(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "gated-slow", "prod")

	done := make(chan models.RunStatus, 1)

	go func() {
		status, _ := f.engine.Execute(context.Background(), request)
		done <- status
	}()

	require.Eventually(t, func() bool {
		return f.engine.Reject(request.RunID) == nil
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case status := <-done:
		assert.Equal(t, models.RunStatusCancelled, status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after early rejection")
	}

	record := f.record(t, request.RunID)
	assert.Equal(t, models.RunStatusCancelled, record.Status)
}

func TestApprove_WithoutWaitingRun(t *testing.T) {
	f := newFixture(t)

	err := f.engine.Approve(42)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.True(t, IsAlreadyResolved(err))
}

func TestApprove_SecondDecisionLoses(t *testing.T) {
	f := newFixture(t)
	request := f.admit(t, "gated", "prod")

	done := make(chan struct{})

	go func() {
		_, _ = f.engine.Execute(context.Background(), request)
		close(done)
	}()

	f.waitForStatus(t, request.RunID, models.RunStatusAwaitingApproval)
	require.NoError(t, f.engine.Approve(request.RunID))

	err := f.engine.Reject(request.RunID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	<-done
}
