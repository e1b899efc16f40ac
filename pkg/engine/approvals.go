package engine

import (
	"context"
	"sync"
)

type decision string

const (
	decisionApproved  decision = "approved"
	decisionRejected  decision = "rejected"
	decisionCancelled decision = "cancelled"
)

// runControl is the engine's handle on one in-flight run. It carries the
// cancellation hook for the run's context, the channel a parked run consumes
// its approval decision on, and the latch for a decision that arrives while
// the run is still executing the stages before its gate.
type runControl struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	gate      chan decision
	pending   decision
	gatesLeft int
	cancelled bool
}

// openGate prepares the channel the parked run receives its decision on. A
// decision latched before the run parked is consumed immediately.
func (c *runControl) openGate() chan decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	gate := make(chan decision, 1)

	if c.pending != "" {
		gate <- c.pending
		c.pending = ""
		c.gatesLeft--

		return gate
	}

	c.gate = gate

	return gate
}

func (c *runControl) closeGate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gate = nil
}

// resolve delivers a decision to a parked run, or latches it for the next
// approval gate when the run has not parked yet. It reports false when the
// run has no unresolved gate left.
func (c *runControl) resolve(d decision) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelled || c.gatesLeft == 0 {
		return false
	}

	if c.gate != nil {
		c.gate <- d
		c.gate = nil
		c.gatesLeft--

		return true
	}

	if c.pending != "" {
		return false
	}

	c.pending = d

	return true
}

// cancelRun releases a parked run immediately; a run inside a stage action
// has its context cancelled and finalizes once the action returns.
func (c *runControl) cancelRun() {
	c.mu.Lock()

	if c.gate != nil {
		c.gate <- decisionCancelled
		c.gate = nil
		c.gatesLeft--
		c.mu.Unlock()

		return
	}

	c.cancelled = true
	c.mu.Unlock()

	c.cancel()
}

func (c *runControl) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cancelled
}

func (e *Engine) registerControl(runID int64, cancel context.CancelFunc, gates int) *runControl {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctrl := &runControl{cancel: cancel, gatesLeft: gates}
	e.controls[runID] = ctrl

	return ctrl
}

func (e *Engine) unregisterControl(runID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.controls, runID)
}

func (e *Engine) control(runID int64) (*runControl, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctrl, ok := e.controls[runID]

	return ctrl, ok
}

// Approve releases a run waiting at its approval gate. An approval that
// arrives while the run is still executing the stages before its gate is
// latched and consumed the moment the run parks.
func (e *Engine) Approve(runID int64) error {
	ctrl, ok := e.control(runID)
	if !ok || !ctrl.resolve(decisionApproved) {
		return ErrAlreadyResolved
	}

	return nil
}

// Reject resolves an approval gate negatively. The run ends Cancelled. Like
// Approve, a rejection ahead of the gate is latched.
func (e *Engine) Reject(runID int64) error {
	ctrl, ok := e.control(runID)
	if !ok || !ctrl.resolve(decisionRejected) {
		return ErrAlreadyResolved
	}

	return nil
}

// Cancel stops an active run. A run parked at an approval gate is released
// immediately; a run inside a stage action has its context cancelled and
// finalizes once the action returns.
func (e *Engine) Cancel(runID int64) error {
	ctrl, ok := e.control(runID)
	if !ok {
		return ErrAlreadyResolved
	}

	ctrl.cancelRun()

	return nil
}
