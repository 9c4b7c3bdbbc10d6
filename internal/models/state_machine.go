// Package models provides data structures and state management for trading positions.
package models

import (
	"fmt"
	"time"
)

// PositionState represents where a position sits in its lifecycle.
type PositionState string

const (
	// StateWaiting means no work is in flight; the strategy is waiting for
	// its entry window.
	StateWaiting PositionState = "waiting"
	// StateSearching means strike selection is running against fresh chains.
	StateSearching PositionState = "searching"
	// StateEntering means the opening combo order is working at the broker.
	StateEntering PositionState = "entering"
	// StateMonitoring means the position is filled and exit conditions are
	// being evaluated each cycle.
	StateMonitoring PositionState = "monitoring"
	// StateExiting means the closing combo order is working at the broker.
	StateExiting PositionState = "exiting"
	// StateCompleted is terminal: closed, abandoned, or never filled.
	StateCompleted PositionState = "completed"
	// StateError is parked for manual intervention; the bot stops touching
	// the position's orders.
	StateError PositionState = "error"
)

// StateTransition defines one legal edge in the lifecycle.
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions enumerates every legal lifecycle edge. Anything not in
// this table is rejected, which is what keeps a crashed-and-restarted bot
// from resubmitting orders for a position in an unexpected state.
var ValidTransitions = []StateTransition{
	{StateWaiting, StateSearching, "entry_window_open", "Entry window reached, begin strike selection"},
	{StateSearching, StateEntering, "strikes_selected", "All legs resolved, submit opening order"},
	{StateSearching, StateWaiting, "selection_failed", "No acceptable strikes, retry next window"},

	{StateEntering, StateMonitoring, "entry_filled", "Opening order completely filled"},
	{StateEntering, StateCompleted, "entry_not_filled", "Price ladder exhausted without a fill"},
	{StateEntering, StateError, "order_rejected", "Broker rejected the opening order"},
	{StateEntering, StateError, "entry_error", "Opening order failed"},

	{StateMonitoring, StateExiting, "exit_triggered", "Exit condition met, submit closing order"},

	{StateExiting, StateCompleted, "position_closed", "Closing order completely filled"},
	{StateExiting, StateError, "manual_control", "Exit attempts exhausted, order left for manual handling"},
	{StateExiting, StateError, "exit_error", "Closing order failed"},

	{StateError, StateCompleted, "force_close", "Position resolved outside the bot"},
	{StateError, StateWaiting, "manual_intervention", "Operator cleared the error"},
}

// maxErrorRecoveries bounds how many times an operator can bounce a position
// out of the error state before it must be force closed.
const maxErrorRecoveries = 3

// StateMachine tracks and validates position lifecycle transitions.
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[PositionState]int
	currentState    PositionState
	previousState   PositionState
}

// NewStateMachine creates a state machine in the waiting state.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateWaiting,
		previousState:   StateWaiting,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionState]int),
	}
}

// GetCurrentState returns the current state.
func (sm *StateMachine) GetCurrentState() PositionState {
	return sm.currentState
}

// GetPreviousState returns the previous state.
func (sm *StateMachine) GetPreviousState() PositionState {
	return sm.previousState
}

// IsValidTransition checks whether a transition is legal without taking it.
func (sm *StateMachine) IsValidTransition(to PositionState, condition string) error {
	if !sm.isTransitionDefined(to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition %q",
			sm.currentState, to, condition)
	}
	return sm.validateTransitionLimits(to)
}

func (sm *StateMachine) isTransitionDefined(to PositionState, condition string) bool {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return true
		}
	}
	return false
}

func (sm *StateMachine) validateTransitionLimits(to PositionState) error {
	if to == StateWaiting && sm.currentState == StateError &&
		sm.transitionCount[StateError] > maxErrorRecoveries {
		return fmt.Errorf("maximum error recoveries (%d) exceeded", maxErrorRecoveries)
	}
	return nil
}

// Transition moves to a new state after validating the edge.
func (sm *StateMachine) Transition(to PositionState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times the machine has entered a state.
func (sm *StateMachine) GetTransitionCount(state PositionState) int {
	return sm.transitionCount[state]
}

// IsTerminal reports whether the lifecycle has finished.
func (sm *StateMachine) IsTerminal() bool {
	return sm.currentState == StateCompleted
}

// IsWorkingOrder reports whether an order is live at the broker in the
// current state.
func (sm *StateMachine) IsWorkingOrder() bool {
	return sm.currentState == StateEntering || sm.currentState == StateExiting
}

// GetStateDescription returns a human-readable description of the current state.
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateWaiting:
		return "Waiting for entry window"
	case StateSearching:
		return "Running strike selection"
	case StateEntering:
		return "Opening order working at broker"
	case StateMonitoring:
		return "Position open, evaluating exit conditions"
	case StateExiting:
		return "Closing order working at broker"
	case StateCompleted:
		return "Lifecycle complete"
	case StateError:
		return "Error state - manual intervention required"
	default:
		return "Unknown state"
	}
}

// ValidateStateConsistency ensures the machine's bookkeeping is coherent,
// used after loading persisted positions.
func (sm *StateMachine) ValidateStateConsistency() error {
	total := 0
	for _, count := range sm.transitionCount {
		total += count
	}

	if total == 0 && sm.currentState == StateWaiting && sm.previousState == StateWaiting {
		return nil
	}
	if sm.transitionTime.IsZero() && total > 0 {
		return fmt.Errorf("missing transition time: transitionTime is zero")
	}
	if sm.currentState == sm.previousState && sm.transitionCount[sm.currentState] == 0 && total > 0 {
		return fmt.Errorf("current and previous states are both %s but no transition into it was recorded", sm.currentState)
	}
	return nil
}

// Copy creates a deep copy of the StateMachine.
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	out := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}
	out.transitionCount = make(map[PositionState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		out.transitionCount[k] = v
	}
	return out
}

// RestoreState forces the machine to a persisted state without walking the
// transition table. Only the storage layer should use this.
func (sm *StateMachine) RestoreState(current, previous PositionState) {
	sm.currentState = current
	sm.previousState = previous
	if sm.transitionCount == nil {
		sm.transitionCount = make(map[PositionState]int)
	}
	if current != StateWaiting && sm.transitionCount[current] == 0 {
		sm.transitionCount[current] = 1
	}
	sm.transitionTime = time.Now().UTC()
}
