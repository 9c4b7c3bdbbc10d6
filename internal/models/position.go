package models

import (
	"fmt"
	"math"
	"time"
)

const sharesPerContract = 100.0

// Leg is one resolved contract inside a multi-leg position. Ratio is the
// per-combo direction and size: positive for long legs, negative for short,
// with magnitude for ratio spreads (a butterfly body is -2).
type Leg struct {
	Name           string    `json:"name"`
	ContractSymbol string    `json:"contract_symbol"`
	Right          string    `json:"right"`
	Expiry         time.Time `json:"expiry"`
	Strike         float64   `json:"strike"`
	Ratio          int       `json:"ratio"`
	EntryDelta     float64   `json:"entry_delta"`
	EntryMid       float64   `json:"entry_mid"`
}

// IsLong reports whether the leg is bought when opening the position.
func (l *Leg) IsLong() bool {
	return l.Ratio > 0
}

// Fill records the broker's execution report for one leg of a combo order.
type Fill struct {
	OrderID   int       `json:"order_id"`
	Leg       string    `json:"leg"`
	Price     float64   `json:"price"`
	Quantity  int       `json:"quantity"`
	Remaining int       `json:"remaining"`
	Timestamp time.Time `json:"timestamp"`
}

// Position represents a multi-leg option position with state management.
type Position struct {
	StateMachine *StateMachine `json:"-"`     // Runtime only, excluded from persistence
	State        PositionState `json:"state"` // Canonical persisted state

	ID       string `json:"id"`
	Strategy string `json:"strategy"`
	Symbol   string `json:"symbol"`
	Quantity int    `json:"quantity"`

	Legs         []Leg           `json:"legs"`
	Fills        map[string]Fill `json:"fills,omitempty"`
	ClosingFills map[string]Fill `json:"closing_fills,omitempty"`

	EntryOrderID int       `json:"entry_order_id,omitempty"`
	ExitOrderID  int       `json:"exit_order_id,omitempty"`
	EntryTime    time.Time `json:"entry_time,omitempty"`
	ExitTime     time.Time `json:"exit_time,omitempty"`
	// EntryNet and ExitNet are signed per-combo prices: positive when the
	// package costs money (debit), negative when it pays (credit).
	EntryNet        float64   `json:"entry_net"`
	ExitNet         float64   `json:"exit_net"`
	ExitReason      string    `json:"exit_reason,omitempty"`
	EntryUnderlying float64   `json:"entry_underlying"`
	AttemptID       int64     `json:"attempt_id,omitempty"`
	PriceAttempts   int       `json:"price_attempts"`
	LastPriceUpdate time.Time `json:"last_price_update,omitempty"`
	ManualControl   bool      `json:"manual_control"`
	CurrentPnL      float64   `json:"current_pnl"`
	PositionDelta   float64   `json:"position_delta"`
}

// NewPosition creates a position in the waiting state.
func NewPosition(id, strategy, symbol string, quantity int) *Position {
	return &Position{
		ID:           id,
		Strategy:     strategy,
		Symbol:       symbol,
		Quantity:     quantity,
		Fills:        make(map[string]Fill),
		ClosingFills: make(map[string]Fill),
		StateMachine: NewStateMachine(),
		State:        StateWaiting,
	}
}

// ensureMachine lazily rebuilds the runtime state machine after the position
// was loaded from storage, seeding it from the canonical persisted state.
func (p *Position) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachine()
		if p.State != "" && p.State != StateWaiting {
			p.StateMachine.RestoreState(p.State, p.State)
		}
	}
	return p.StateMachine
}

// GetCurrentState returns the live state, preferring the runtime machine.
func (p *Position) GetCurrentState() PositionState {
	return p.ensureMachine().GetCurrentState()
}

// TransitionState moves the position to a new state and keeps the canonical
// persisted state in sync.
func (p *Position) TransitionState(to PositionState, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	p.State = to

	if to == StateMonitoring && p.EntryTime.IsZero() {
		p.EntryTime = time.Now().UTC()
	}
	if to == StateCompleted && p.ExitTime.IsZero() {
		p.ExitTime = time.Now().UTC()
	}
	return nil
}

// LegByName looks up a leg by its logical name.
func (p *Position) LegByName(name string) (*Leg, bool) {
	for i := range p.Legs {
		if p.Legs[i].Name == name {
			return &p.Legs[i], true
		}
	}
	return nil, false
}

// RecordFill stores an execution report for an opening leg. Remaining
// quantity only ever shrinks; a stale report arriving late must not undo a
// completed fill.
func (p *Position) RecordFill(f Fill) {
	if p.Fills == nil {
		p.Fills = make(map[string]Fill)
	}
	if prev, ok := p.Fills[f.Leg]; ok && f.Remaining > prev.Remaining {
		return
	}
	p.Fills[f.Leg] = f
}

// RecordClosingFill stores an execution report for a closing leg.
func (p *Position) RecordClosingFill(f Fill) {
	if p.ClosingFills == nil {
		p.ClosingFills = make(map[string]Fill)
	}
	if prev, ok := p.ClosingFills[f.Leg]; ok && f.Remaining > prev.Remaining {
		return
	}
	p.ClosingFills[f.Leg] = f
}

// IsFullyFilled reports whether every leg's opening order has zero remaining.
func (p *Position) IsFullyFilled() bool {
	return fillsComplete(p.Legs, p.Fills)
}

// IsFullyClosed reports whether every leg's closing order has zero remaining.
func (p *Position) IsFullyClosed() bool {
	return fillsComplete(p.Legs, p.ClosingFills)
}

func fillsComplete(legs []Leg, fills map[string]Fill) bool {
	if len(legs) == 0 {
		return false
	}
	for i := range legs {
		f, ok := fills[legs[i].Name]
		if !ok || f.Remaining != 0 {
			return false
		}
	}
	return true
}

// NetFromFills computes the signed per-combo price realized by a fill set:
// long leg prices add, short leg prices subtract, weighted by ratio.
func (p *Position) NetFromFills(fills map[string]Fill) (float64, bool) {
	if !fillsComplete(p.Legs, fills) {
		return 0, false
	}
	net := 0.0
	for i := range p.Legs {
		leg := &p.Legs[i]
		net += float64(leg.Ratio) * fills[leg.Name].Price
	}
	return net, true
}

// RealizedPnL returns the closed position's profit in dollars. The package
// was acquired at EntryNet and disposed of at ExitNet, so the difference
// times contract multiplier and quantity is the result for both debit and
// credit structures.
func (p *Position) RealizedPnL() float64 {
	return (p.ExitNet - p.EntryNet) * sharesPerContract * float64(p.Quantity)
}

// UnrealizedPnL returns open profit given the current per-combo market price.
func (p *Position) UnrealizedPnL(currentNet float64) float64 {
	return (currentNet - p.EntryNet) * sharesPerContract * float64(p.Quantity)
}

// EntryPremium returns the absolute dollars paid or received at entry, the
// base for percentage profit targets.
func (p *Position) EntryPremium() float64 {
	return math.Abs(p.EntryNet) * sharesPerContract * float64(p.Quantity)
}

// ShortExpiry returns the earliest leg expiry, the relevant date for
// time-based exits on calendars.
func (p *Position) ShortExpiry() time.Time {
	var out time.Time
	for i := range p.Legs {
		if out.IsZero() || p.Legs[i].Expiry.Before(out) {
			out = p.Legs[i].Expiry
		}
	}
	return out
}

// LongExpiry returns the latest leg expiry.
func (p *Position) LongExpiry() time.Time {
	var out time.Time
	for i := range p.Legs {
		if p.Legs[i].Expiry.After(out) {
			out = p.Legs[i].Expiry
		}
	}
	return out
}

// ValidateState checks cross-field invariants for the current state, used
// after loading persisted positions.
func (p *Position) ValidateState() error {
	if p.ID == "" {
		return fmt.Errorf("position missing ID")
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s: quantity %d must be positive", p.ID, p.Quantity)
	}

	state := p.GetCurrentState()
	switch state {
	case StateWaiting, StateSearching:
		if len(p.Fills) > 0 {
			return fmt.Errorf("position %s: fills recorded before entry in state %s", p.ID, state)
		}
	case StateEntering:
		if len(p.Legs) == 0 {
			return fmt.Errorf("position %s: entering with no legs", p.ID)
		}
		if p.EntryOrderID == 0 {
			return fmt.Errorf("position %s: entering with no order ID", p.ID)
		}
	case StateMonitoring:
		if !p.IsFullyFilled() {
			return fmt.Errorf("position %s: monitoring but not fully filled", p.ID)
		}
	case StateExiting:
		if !p.IsFullyFilled() {
			return fmt.Errorf("position %s: exiting but never fully filled", p.ID)
		}
		if p.ExitOrderID == 0 {
			return fmt.Errorf("position %s: exiting with no order ID", p.ID)
		}
	case StateCompleted, StateError:
		// Terminal bookkeeping is advisory only.
	default:
		return fmt.Errorf("position %s: unknown state %s", p.ID, state)
	}
	return nil
}

// Copy returns a deep copy safe to hand across goroutine boundaries.
func (p *Position) Copy() *Position {
	if p == nil {
		return nil
	}
	out := *p
	out.StateMachine = p.StateMachine.Copy()
	out.Legs = append([]Leg(nil), p.Legs...)
	out.Fills = copyFills(p.Fills)
	out.ClosingFills = copyFills(p.ClosingFills)
	return &out
}

func copyFills(in map[string]Fill) map[string]Fill {
	if in == nil {
		return nil
	}
	out := make(map[string]Fill, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
