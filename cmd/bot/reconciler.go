package main

import (
	"log"
	"sync"

	"github.com/rhiggins/spx-autotrader/internal/models"
	"github.com/rhiggins/spx-autotrader/internal/storage"
)

// Reconciler sweeps stored positions at the start of each cycle and sorts out
// anything the last run left behind. Working orders do not survive a restart:
// the broker session that placed them is gone, so a position persisted in
// entering or exiting has an order whose fate is unknown. Those positions are
// parked in the error state under manual control rather than guessed at.
type Reconciler struct {
	storage     storage.Interface
	logger      *log.Logger
	restartOnce sync.Once
}

// NewReconciler creates a position reconciler.
func NewReconciler(storage storage.Interface, logger *log.Logger) *Reconciler {
	return &Reconciler{storage: storage, logger: logger}
}

// Reconcile filters stored positions down to the ones the trading loop may
// act on. Terminal positions are dropped from the working set; in-flight
// positions are parked; monitoring and already-parked positions pass through.
func (r *Reconciler) Reconcile(positions []*models.Position) []*models.Position {
	active := make([]*models.Position, 0, len(positions))

	for _, pos := range positions {
		switch state := pos.GetCurrentState(); state {
		case models.StateCompleted:
			continue

		case models.StateEntering, models.StateExiting:
			r.restartOnce.Do(func() {
				r.logger.Printf("Found positions with working orders from a previous run; parking them")
			})
			r.park(pos, state)
			active = append(active, pos)

		case models.StateMonitoring, models.StateError:
			active = append(active, pos)

		default:
			// Waiting and searching positions are never persisted; seeing
			// one means the store was edited by hand. Leave it alone.
			r.logger.Printf("Position %s in unexpected stored state %s, skipping", shortID(pos.ID), state)
		}
	}

	return active
}

// park moves an in-flight position to the error state and flags it for the
// operator. The order it was working may or may not have filled; only the
// broker knows, and resolving that is a human decision.
func (r *Reconciler) park(pos *models.Position, from models.PositionState) {
	condition := "entry_error"
	if from == models.StateExiting {
		condition = "exit_error"
	}

	pos.ManualControl = true
	if err := pos.TransitionState(models.StateError, condition); err != nil {
		r.logger.Printf("Failed to park position %s: %v", shortID(pos.ID), err)
		return
	}
	if err := r.storage.SavePosition(pos); err != nil {
		r.logger.Printf("Failed to save parked position %s: %v", shortID(pos.ID), err)
		return
	}
	r.logger.Printf("Position %s parked for manual control (was %s, order fate unknown)",
		shortID(pos.ID), from)
}
