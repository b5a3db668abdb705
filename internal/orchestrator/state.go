// Package orchestrator brings pipeline modules up in dependency order,
// watches their health, and restarts or degrades them on failure
// (spec.md §4.2): a ticker-driven liveness sweep feeds a health-check
// loop, and each module runs its own
// NotStarted/Starting/Running/Stopping/Stopped|Failed state machine.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/skelly-jelly/pipeline/internal/model"
)

// ModuleState is one state in the per-module machine (spec.md §4.2).
type ModuleState string

const (
	StateNotStarted ModuleState = "not_started"
	StateStarting   ModuleState = "starting"
	StateRunning    ModuleState = "running"
	StateStopping   ModuleState = "stopping"
	StateStopped    ModuleState = "stopped"
	StateFailed     ModuleState = "failed"
)

// StopReason records why a module reached StateStopped.
type StopReason string

const (
	StopRequested     StopReason = "requested"
	StopForcedTimeout StopReason = "ForcedTimeout"
)

// moduleRecord tracks one module's runtime state. All fields are guarded by
// the owning Orchestrator's mu.
type moduleRecord struct {
	id    model.ModuleId
	state ModuleState

	since time.Time

	lastHealth      model.HealthStatusKind
	consecutiveFails int

	stopReason StopReason
	lastErr    error

	recoveryAttempts int
}

// transitionError reports an illegal state transition; the orchestrator
// never guesses a recovery strategy (spec.md §4.2), so this is always a bug
// to surface rather than paper over.
type transitionError struct {
	from, to ModuleState
	module   model.ModuleId
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("orchestrator: module %s cannot transition %s -> %s", e.module, e.from, e.to)
}

var validTransitions = map[ModuleState]map[ModuleState]bool{
	StateNotStarted: {StateStarting: true},
	StateStarting:    {StateRunning: true, StateFailed: true},
	StateRunning:     {StateFailed: true, StateStopping: true},
	StateStopping:    {StateStopped: true, StateFailed: true},
	StateFailed:      {StateStarting: true, StateStopped: true},
	// Stopped only reopens via SystemRestart's cold start (spec.md §4.2).
	StateStopped: {StateStarting: true},
}

func (r *moduleRecord) transition(to ModuleState) error {
	allowed := validTransitions[r.state]
	if !allowed[to] {
		return &transitionError{from: r.state, to: to, module: r.id}
	}
	r.state = to
	r.since = time.Now()
	return nil
}

type stateSnapshot struct {
	mu      sync.RWMutex
	records map[model.ModuleId]*moduleRecord
}

func newStateSnapshot() *stateSnapshot {
	return &stateSnapshot{records: make(map[model.ModuleId]*moduleRecord)}
}

func (s *stateSnapshot) get(id model.ModuleId) *moduleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

func (s *stateSnapshot) ensure(id model.ModuleId) *moduleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		r = &moduleRecord{id: id, state: StateNotStarted, since: time.Now()}
		s.records[id] = r
	}
	return r
}
