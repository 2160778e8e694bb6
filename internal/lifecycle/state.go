// Package lifecycle drives managed folders through their indexing states:
// one orchestrator per folder, coordinated by a Manager.
package lifecycle

import (
	"sync"

	"go.uber.org/zap"
)

// State is a folder's position in its indexing lifecycle.
type State string

const (
	// StateScanning enumerates the folder and diffs it against the index.
	StateScanning State = "scanning"
	// StateIndexing drains the task queue produced by the last scan.
	StateIndexing State = "indexing"
	// StateActive is steady state: index current, watching for changes.
	StateActive State = "active"
	// StateError is a halt after an unrecoverable failure; leaving it
	// requires an explicit retry.
	StateError State = "error"
)

// transitions is the full set of legal moves. Everything absent is
// forbidden, including self-transitions.
var transitions = map[State][]State{
	StateScanning: {StateIndexing, StateActive, StateError},
	StateIndexing: {StateActive, StateError},
	StateActive:   {StateScanning},
	StateError:    {StateScanning},
}

// Machine is one folder's state machine. It only validates moves; the
// orchestrator decides when to make them.
type Machine struct {
	mu       sync.RWMutex
	state    State
	previous State
	log      *zap.Logger
}

// NewMachine starts in StateScanning, the entry state for every folder.
func NewMachine(log *zap.Logger) *Machine {
	return &Machine{state: StateScanning, log: log}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Previous returns the state before the last transition, empty before the
// first one.
func (m *Machine) Previous() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previous
}

// CanTransitionTo reports whether moving to next is legal from the current
// state.
func (m *Machine) CanTransitionTo(next State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return canMove(m.state, next)
}

// TransitionTo attempts the move and reports whether it happened. Illegal
// moves are logged and leave the state untouched.
func (m *Machine) TransitionTo(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canMove(m.state, next) {
		m.log.Warn("illegal state transition rejected",
			zap.String("from", string(m.state)),
			zap.String("to", string(next)))
		return false
	}
	m.previous = m.state
	m.state = next
	m.log.Debug("state transition",
		zap.String("from", string(m.previous)),
		zap.String("to", string(next)))
	return true
}

func canMove(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
