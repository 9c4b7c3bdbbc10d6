package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rhiggins/spx-autotrader/internal/broker"
	"github.com/rhiggins/spx-autotrader/internal/models"
	"github.com/rhiggins/spx-autotrader/internal/util"
)

// ResultStatus is the terminal outcome of working one order. Exhausting the
// ladder surfaces as a status, never as an error: not filling is an expected
// outcome.
type ResultStatus string

const (
	// ResultFilled means every leg completed.
	ResultFilled ResultStatus = "filled"
	// ResultNotFilled means the ladder ran out of attempts and the last
	// order was cancelled.
	ResultNotFilled ResultStatus = "not_filled"
	// ResultRejected means the broker refused an order outright.
	ResultRejected ResultStatus = "rejected"
)

// Result reports how working an order ended.
type Result struct {
	Status      ResultStatus
	OrderID     int
	Attempts    int
	FinalLimit  float64
	RealizedNet float64
	Fills       map[string]models.Fill
	Reason      string
}

// AuditSink receives the price trail while an order is worked. The storage
// layer implements it; tests use an in-memory recorder.
type AuditSink interface {
	RecordPriceAdjustment(attemptID int64, oldPrice, newPrice float64, step int) error
}

// LadderConfig shapes the price improvement ladder. Every attempt works the
// order for its window, then cancels and reprices one increment toward a
// fill. The increment is computed once from the base price: a configured
// percentage, nickel rounded, floored at one nickel. Because the base is on
// the nickel grid and the increment is too, every rung lands exactly on the
// grid with no per-step re-rounding.
type LadderConfig struct {
	Windows       []time.Duration
	IncrementPct  float64
	CancelAckWait time.Duration
}

// DefaultLadder mirrors the standard entry protocol: five 60 second windows
// improving 1% per step.
func DefaultLadder() LadderConfig {
	return LadderConfig{
		Windows:       []time.Duration{time.Minute, time.Minute, time.Minute, time.Minute, time.Minute},
		IncrementPct:  0.01,
		CancelAckWait: time.Second,
	}
}

// ExitLadder is the tighter protocol for closing orders: three windows, then
// the position goes to manual control.
func ExitLadder() LadderConfig {
	return LadderConfig{
		Windows:       []time.Duration{time.Minute, time.Minute, time.Minute},
		IncrementPct:  0.01,
		CancelAckWait: time.Second,
	}
}

// Validate rejects ladders that could never work an order.
func (c *LadderConfig) Validate() error {
	if len(c.Windows) == 0 {
		return fmt.Errorf("orders: ladder has no windows")
	}
	for _, w := range c.Windows {
		if w <= 0 {
			return fmt.Errorf("orders: ladder window %v must be positive", w)
		}
	}
	if c.IncrementPct < 0 || c.IncrementPct > 0.5 {
		return fmt.Errorf("orders: increment_pct %.3f out of range", c.IncrementPct)
	}
	return nil
}

// Increment computes the per-step dollar increment for a base price.
func (c *LadderConfig) Increment(base float64) float64 {
	abs := base
	if abs < 0 {
		abs = -abs
	}
	incr := util.RoundToNickel(abs * c.IncrementPct)
	if incr < util.NickelTick {
		incr = util.NickelTick
	}
	return incr
}

// Controller works combo orders through the price improvement ladder. It is
// driven synchronously by the trading loop and is the sole consumer of the
// connector's event stream while an order is working.
type Controller struct {
	connector broker.Connector
	audit     AuditSink
	logger    *log.Logger
	cfg       LadderConfig

	// Sink receives events that belong to other orders so they are not
	// lost while this controller is waiting. Optional.
	Sink func(broker.OrderEvent)
}

// NewController creates a controller. A nil audit sink disables the price
// trail; a nil logger falls back to the default.
func NewController(connector broker.Connector, audit AuditSink, cfg LadderConfig, logger *log.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{connector: connector, audit: audit, logger: logger, cfg: cfg}, nil
}

// Execute works the order until it fills, is rejected, or the ladder runs
// out. The returned error covers transport and context failures only; every
// market outcome arrives in the Result.
func (ctrl *Controller) Execute(ctx context.Context, order *Order, attemptID int64) (*Result, error) {
	base := order.NetLimit
	incr := ctrl.cfg.Increment(base)
	prevLimit := base

	for attempt := 0; attempt < len(ctrl.cfg.Windows); attempt++ {
		// Signed prices step up for both sides: a debit pays more, a
		// credit demands less.
		limit := util.AddTicks(base, incr, attempt)

		orderID, err := ctrl.connector.SubmitComboOrder(ctx, order.Legs, limit, order.Quantity, order.Tag)
		if err != nil {
			if errors.Is(err, broker.ErrOrderRejected) {
				ctrl.logger.Printf("[%s] order rejected at %.2f: %v", order.Tag, limit, err)
				return &Result{
					Status:     ResultRejected,
					Attempts:   attempt + 1,
					FinalLimit: limit,
					Reason:     err.Error(),
				}, nil
			}
			return nil, fmt.Errorf("submit %s: %w", order.Tag, err)
		}

		if attempt > 0 && ctrl.audit != nil {
			if err := ctrl.audit.RecordPriceAdjustment(attemptID, prevLimit, limit, attempt); err != nil {
				ctrl.logger.Printf("[%s] price adjustment audit failed: %v", order.Tag, err)
			}
		}
		prevLimit = limit
		ctrl.logger.Printf("[%s] attempt %d/%d working order %d at %.2f",
			order.Tag, attempt+1, len(ctrl.cfg.Windows), orderID, limit)

		outcome, fills, err := ctrl.awaitFill(ctx, order, orderID, ctrl.cfg.Windows[attempt])
		if err != nil {
			return nil, err
		}

		switch outcome {
		case awaitFilled:
			net := realizedNet(order, fills)
			return &Result{
				Status:      ResultFilled,
				OrderID:     orderID,
				Attempts:    attempt + 1,
				FinalLimit:  limit,
				RealizedNet: net,
				Fills:       fills,
			}, nil
		case awaitRejected:
			return &Result{
				Status:     ResultRejected,
				OrderID:    orderID,
				Attempts:   attempt + 1,
				FinalLimit: limit,
				Reason:     "rejected while working",
			}, nil
		case awaitExpired:
			filled, err := ctrl.cancelAndConfirm(ctx, order, orderID, fills)
			if err != nil {
				return nil, err
			}
			if filled {
				return &Result{
					Status:      ResultFilled,
					OrderID:     orderID,
					Attempts:    attempt + 1,
					FinalLimit:  limit,
					RealizedNet: realizedNet(order, fills),
					Fills:       fills,
				}, nil
			}
		}
	}

	return &Result{
		Status:     ResultNotFilled,
		Attempts:   len(ctrl.cfg.Windows),
		FinalLimit: prevLimit,
	}, nil
}

type awaitOutcome int

const (
	awaitFilled awaitOutcome = iota
	awaitRejected
	awaitExpired
)

// awaitFill consumes the connector's event stream until the order fills, is
// rejected, or the window expires. Events for other orders go to the sink.
func (ctrl *Controller) awaitFill(ctx context.Context, order *Order, orderID int, window time.Duration) (awaitOutcome, map[string]models.Fill, error) {
	fills := make(map[string]models.Fill)
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return awaitExpired, fills, ctx.Err()
		case <-timer.C:
			return awaitExpired, fills, nil
		case ev, ok := <-ctrl.connector.Events():
			if !ok {
				return awaitExpired, fills, fmt.Errorf("orders: event stream closed while working order %d", orderID)
			}
			if ev.OrderID != orderID {
				ctrl.dispatchForeign(ev)
				continue
			}
			switch ev.Status {
			case broker.StatusRejected:
				return awaitRejected, fills, nil
			case broker.StatusCancelled:
				// Broker-side cancel while waiting: treat as expired so
				// the ladder moves on.
				return awaitExpired, fills, nil
			case broker.StatusFilled, broker.StatusPartiallyFilled:
				if recordFill(fills, ev) && allLegsFilled(order, fills) {
					return awaitFilled, fills, nil
				}
			}
		}
	}
}

// recordFill folds one execution report into the fill map, ignoring reports
// that would move remaining quantity backwards. Reports true when the event
// carried a leg.
func recordFill(fills map[string]models.Fill, ev broker.OrderEvent) bool {
	if ev.Leg == "" {
		return false
	}
	prev, seen := fills[ev.Leg]
	if seen && ev.RemainingQty > prev.Remaining {
		return false
	}
	fills[ev.Leg] = models.Fill{
		OrderID:   ev.OrderID,
		Leg:       ev.Leg,
		Price:     ev.AvgFillPrice,
		Quantity:  ev.FilledQty,
		Remaining: ev.RemainingQty,
		Timestamp: ev.Timestamp,
	}
	return true
}

// cancelAndConfirm cancels a working order and waits briefly for the ack so
// the next rung never has two live orders racing each other. A fill can race
// the cancel: execution reports for the order keep accumulating into fills
// during the wait, and a completed order reports filled instead of cancelled
// so the ladder never resubmits on top of a live position.
func (ctrl *Controller) cancelAndConfirm(ctx context.Context, order *Order, orderID int, fills map[string]models.Fill) (bool, error) {
	if err := ctrl.connector.CancelOrder(ctx, orderID); err != nil {
		return false, fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	timer := time.NewTimer(ctrl.cfg.CancelAckWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			ctrl.logger.Printf("[%s] no cancel ack for order %d within %v, proceeding",
				order.Tag, orderID, ctrl.cfg.CancelAckWait)
			return false, nil
		case ev, ok := <-ctrl.connector.Events():
			if !ok {
				return false, nil
			}
			if ev.OrderID != orderID {
				ctrl.dispatchForeign(ev)
				continue
			}
			switch ev.Status {
			case broker.StatusCancelled:
				return false, nil
			case broker.StatusFilled, broker.StatusPartiallyFilled:
				if recordFill(fills, ev) && allLegsFilled(order, fills) {
					ctrl.logger.Printf("[%s] order %d filled while cancelling", order.Tag, orderID)
					return true, nil
				}
			}
		}
	}
}

func (ctrl *Controller) dispatchForeign(ev broker.OrderEvent) {
	if ctrl.Sink != nil {
		ctrl.Sink(ev)
		return
	}
	ctrl.logger.Printf("dropping event for order %d (status %s): no sink", ev.OrderID, ev.Status)
}

func allLegsFilled(order *Order, fills map[string]models.Fill) bool {
	for _, leg := range order.Legs {
		f, ok := fills[leg.Name]
		if !ok || f.Remaining != 0 {
			return false
		}
	}
	return true
}

// realizedNet recomputes the signed per-combo price from leg fills.
func realizedNet(order *Order, fills map[string]models.Fill) float64 {
	net := 0.0
	for _, leg := range order.Legs {
		net += float64(leg.Ratio) * fills[leg.Name].Price
	}
	return net
}
