// Package file provides a file-backed ledger implementation. Each run is one
// JSON document under the root directory; the monotonic counter lives in its
// own file.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/models"
)

// Ledger implements ledger.Ledger on the local file system.
type Ledger struct {
	root string

	// counterMu serializes run ID allocation; runLocks serializes appends
	// per run identifier while leaving different runs concurrent.
	counterMu sync.Mutex
	runLocks  sync.Map // int64 -> *sync.Mutex
}

// NewLedger creates a file-backed ledger rooted at the given directory.
// A "file://" prefix on the root is accepted and stripped.
func NewLedger(root string) *Ledger {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Ledger{root: cleanRoot}
}

func (l *Ledger) runsDir() string {
	return filepath.Join(l.root, "runs")
}

func (l *Ledger) counterPath() string {
	return filepath.Join(l.root, "run_counter")
}

func (l *Ledger) runLock(runID int64) *sync.Mutex {
	lock, _ := l.runLocks.LoadOrStore(runID, &sync.Mutex{})

	return lock.(*sync.Mutex)
}

// NextRunID allocates the next monotonic run identifier, persisting the
// counter so identifiers are never reused across restarts.
func (l *Ledger) NextRunID(_ context.Context) (int64, error) {
	l.counterMu.Lock()
	defer l.counterMu.Unlock()

	if err := os.MkdirAll(l.root, 0750); err != nil {
		return 0, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	var current int64

	body, err := os.ReadFile(l.counterPath())
	if err == nil {
		current, err = strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt run counter: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to read run counter: %w", err)
	}

	next := current + 1

	err = os.WriteFile(l.counterPath(), []byte(strconv.FormatInt(next, 10)), 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to persist run counter: %w", err)
	}

	return next, nil
}

// Append persists a snapshot of the record, enforcing the append-only
// guarantees: finalized runs reject further appends and stage lists never
// shrink.
func (l *Ledger) Append(ctx context.Context, record *models.RunRecord) error {
	lock := l.runLock(record.RunID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := l.readRun(record.RunID)
	if err != nil && !ledger.IsRunNotFound(err) {
		return err
	}

	if existing != nil {
		if existing.Status.IsTerminal() {
			return fmt.Errorf("run %d: %w", record.RunID, ledger.ErrRunFinalized)
		}

		if len(record.Stages) < len(existing.Stages) {
			return fmt.Errorf("run %d: %w", record.RunID, ledger.ErrStageListShrunk)
		}
	}

	if err := os.MkdirAll(l.runsDir(), 0750); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run %d: %w", record.RunID, err)
	}

	path := filepath.Join(l.runsDir(), strconv.FormatInt(record.RunID, 10)+".json")

	return os.WriteFile(path, data, 0600)
}

func (l *Ledger) readRun(runID int64) (*models.RunRecord, error) {
	path := filepath.Join(l.runsDir(), strconv.FormatInt(runID, 10)+".json")

	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %d: %w", runID, ledger.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to read run %d: %w", runID, err)
	}

	var record models.RunRecord

	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %d: %w", runID, err)
	}

	return &record, nil
}

// RunByID returns the latest snapshot of a run.
func (l *Ledger) RunByID(_ context.Context, runID int64) (*models.RunRecord, error) {
	return l.readRun(runID)
}

// ListRuns returns matching records ordered by run ID descending.
func (l *Ledger) ListRuns(_ context.Context, filter ledger.Filter) ([]*models.RunRecord, error) {
	entries, err := os.ReadDir(l.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.RunRecord{}, nil
		}

		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	records := make([]*models.RunRecord, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		runID, err := strconv.ParseInt(strings.TrimSuffix(entry.Name(), ".json"), 10, 64)
		if err != nil {
			continue
		}

		record, err := l.readRun(runID)
		if err != nil {
			continue
		}

		if filter.Matches(record) {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].RunID > records[j].RunID
	})

	return paginate(records, filter), nil
}

func paginate(records []*models.RunRecord, filter ledger.Filter) []*models.RunRecord {
	if filter.Offset > 0 {
		if filter.Offset >= len(records) {
			return []*models.RunRecord{}
		}

		records = records[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(records) {
		records = records[:filter.Limit]
	}

	return records
}

// CountActive counts runs for (pipeline, environment) in Running or
// AwaitingApproval.
func (l *Ledger) CountActive(ctx context.Context, pipelineID, environment string) (int, error) {
	records, err := l.ListRuns(ctx, ledger.Filter{PipelineID: pipelineID, Environment: environment})
	if err != nil {
		return 0, err
	}

	count := 0

	for _, record := range records {
		if record.Status.IsActive() {
			count++
		}
	}

	return count, nil
}

// HealthCheck verifies the root directory exists.
func (l *Ledger) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(l.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close is a no-op for file-backed ledgers.
func (l *Ledger) Close(_ context.Context) error {
	return nil
}
