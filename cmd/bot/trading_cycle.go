package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rhiggins/spx-autotrader/internal/broker"
	"github.com/rhiggins/spx-autotrader/internal/chain"
	"github.com/rhiggins/spx-autotrader/internal/models"
	"github.com/rhiggins/spx-autotrader/internal/orders"
	"github.com/rhiggins/spx-autotrader/internal/storage"
	"github.com/rhiggins/spx-autotrader/internal/strategy"
)

// TradingCycle is one pass of the trading loop: refresh marks on open
// positions, run exits, then look for new entries. The loop is the single
// writer for every position; nothing else mutates them.
type TradingCycle struct {
	bot        *Bot
	reconciler *Reconciler

	// enteredOn tracks the last date each strategy attempted an entry, so a
	// ladder that ran out does not rearm within the same window.
	enteredOn map[string]string
}

// NewTradingCycle creates a cycle handler.
func NewTradingCycle(bot *Bot) *TradingCycle {
	tc := &TradingCycle{
		bot:        bot,
		reconciler: NewReconciler(bot.storage, bot.logger),
		enteredOn:  make(map[string]string),
	}
	bot.entryCtrl.Sink = tc.handleForeignEvent
	bot.exitCtrl.Sink = tc.handleForeignEvent
	return tc
}

// Run executes one trading cycle.
func (tc *TradingCycle) Run(ctx context.Context) {
	now := time.Now().In(tc.bot.loc)

	if !tc.bot.config.IsWithinTradingHours(now) {
		tc.bot.logger.Printf("Outside trading hours (%s - %s), skipping cycle",
			tc.bot.config.Schedule.TradingStart, tc.bot.config.Schedule.TradingEnd)
		return
	}

	tc.bot.logger.Println("Starting trading cycle...")

	positions, err := tc.bot.storage.GetOpenPositions()
	if err != nil {
		tc.bot.logger.Printf("Failed to load open positions: %v", err)
		return
	}
	positions = tc.reconciler.Reconcile(positions)
	tc.bot.logger.Printf("Currently managing %d position(s)", len(positions))

	dailyPnL := tc.dailyPnL(now, positions)

	tc.monitorPositions(ctx, now, positions, dailyPnL)
	tc.checkEntries(ctx, now, positions, dailyPnL)

	tc.bot.logger.Println("Trading cycle complete")
}

// dailyPnL is the account's realized P&L for the eastern date plus the open
// positions' marks from the previous refresh.
func (tc *TradingCycle) dailyPnL(now time.Time, positions []*models.Position) float64 {
	realized, err := tc.bot.storage.GetDailyPnL(now.Format("2006-01-02"))
	if err != nil {
		tc.bot.logger.Printf("Failed to load daily P&L: %v", err)
	}
	total := realized
	for _, pos := range positions {
		if pos.GetCurrentState() == models.StateMonitoring {
			total += pos.CurrentPnL
		}
	}
	return total
}

func (tc *TradingCycle) monitorPositions(ctx context.Context, now time.Time, positions []*models.Position, dailyPnL float64) {
	for _, pos := range positions {
		if pos.GetCurrentState() != models.StateMonitoring || pos.ManualControl {
			continue
		}

		cfg, ok := tc.strategyFor(pos.Strategy)
		if !ok {
			tc.bot.logger.Printf("Position %s references unknown strategy %q, leaving untouched",
				shortID(pos.ID), pos.Strategy)
			continue
		}

		marks, err := tc.refreshMarks(ctx, pos, cfg)
		if err != nil {
			tc.bot.logger.Printf("Failed to refresh marks for position %s: %v", shortID(pos.ID), err)
			continue
		}
		if err := tc.bot.storage.SavePosition(pos); err != nil {
			tc.bot.logger.Printf("Failed to save marks for position %s: %v", shortID(pos.ID), err)
		}

		evaluator := strategy.NewExitEvaluator(cfg, tc.bot.config.Risk.MaxDailyLoss)
		decision := evaluator.Evaluate(now, pos, dailyPnL)
		if !decision.Exit {
			tc.bot.logger.Printf("Position %s holding: net=%.2f pnl=$%.2f delta=%.2f",
				shortID(pos.ID), marks.net, pos.CurrentPnL, pos.PositionDelta)
			continue
		}

		tc.bot.logger.Printf("Exit signal for position %s: %s", shortID(pos.ID), decision.Reason)
		tc.executeExit(ctx, pos, cfg, marks, decision.Reason)
	}
}

// positionMarks carries one refresh's per-leg records and the combo net.
type positionMarks struct {
	records map[string]chain.Record
	net     float64
}

// refreshMarks reprices every leg from fresh snapshots and updates the
// position's mark fields.
func (tc *TradingCycle) refreshMarks(ctx context.Context, pos *models.Position, cfg *strategy.Config) (*positionMarks, error) {
	snaps := make(map[string]*chain.Snapshot)
	marks := &positionMarks{records: make(map[string]chain.Record, len(pos.Legs))}

	delta := 0.0
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		key := leg.Expiry.Format("2006-01-02")
		snap, ok := snaps[key]
		if !ok {
			var err error
			snap, err = tc.bot.connector.GetOptionChain(ctx, cfg.ChainSymbol, leg.Expiry)
			if err != nil {
				return nil, fmt.Errorf("fetching chain for %s: %w", key, err)
			}
			snaps[key] = snap
		}
		rec, ok := snap.AtStrike(chain.Right(leg.Right), leg.Strike)
		if !ok {
			return nil, fmt.Errorf("leg %s: strike %.0f missing from %s chain", leg.Name, leg.Strike, key)
		}
		marks.records[leg.Name] = *rec
		marks.net += float64(leg.Ratio) * rec.MidPrice()
		delta += float64(leg.Ratio) * rec.Delta
	}

	pos.CurrentPnL = pos.UnrealizedPnL(marks.net)
	pos.PositionDelta = delta
	pos.LastPriceUpdate = time.Now().UTC()
	return marks, nil
}

func (tc *TradingCycle) executeExit(ctx context.Context, pos *models.Position, cfg *strategy.Config, marks *positionMarks, reason strategy.ExitReason) {
	quotes := make([]orders.LegQuote, 0, len(pos.Legs))
	for i := range pos.Legs {
		rec := marks.records[pos.Legs[i].Name]
		quotes = append(quotes, orders.LegQuote{Leg: pos.Legs[i], Bid: rec.Bid, Ask: rec.Ask})
	}
	order, err := orders.BuildOrder(quotes, pos.Quantity, true, cfg.Name+"-exit")
	if err != nil {
		tc.bot.logger.Printf("Failed to build closing order for position %s: %v", shortID(pos.ID), err)
		return
	}

	if err := pos.TransitionState(models.StateExiting, "exit_triggered"); err != nil {
		tc.bot.logger.Printf("Position %s: %v", shortID(pos.ID), err)
		return
	}
	pos.ExitReason = string(reason)
	tc.bot.logger.Printf("Closing position %s: %s", shortID(pos.ID), order.Describe())

	attemptID, err := tc.bot.storage.RecordTradeAttempt(&storage.TradeAttempt{
		PositionID: pos.ID,
		Strategy:   cfg.Name,
		Symbol:     cfg.Symbol,
		Structure:  string(cfg.Type) + "_close",
		Quantity:   pos.Quantity,
		BasePrice:  order.NetLimit,
		Status:     storage.AttemptWorking,
	})
	if err != nil {
		tc.bot.logger.Printf("Failed to record closing attempt: %v", err)
	}

	var result *orders.Result
	err = tc.bot.retry.Do(ctx, fmt.Sprintf("close position %s", shortID(pos.ID)), func(ctx context.Context) error {
		var execErr error
		result, execErr = tc.bot.exitCtrl.Execute(ctx, order, attemptID)
		return execErr
	})
	if err != nil {
		tc.bot.logger.Printf("Closing order failed for position %s: %v", shortID(pos.ID), err)
		tc.parkPosition(pos, "exit_error")
		tc.updateAttempt(attemptID, storage.AttemptNotFilled, err.Error(), 0, 0)
		return
	}

	switch result.Status {
	case orders.ResultFilled:
		pos.ExitOrderID = result.OrderID
		pos.ExitNet = result.RealizedNet
		for _, f := range result.Fills {
			pos.RecordClosingFill(f)
		}
		if err := pos.TransitionState(models.StateCompleted, "position_closed"); err != nil {
			tc.bot.logger.Printf("Position %s: %v", shortID(pos.ID), err)
		}
		pnl := pos.RealizedPnL()
		pos.CurrentPnL = pnl
		tc.bot.logger.Printf("Position %s closed at %.2f, P&L $%.2f (%s)",
			shortID(pos.ID), result.RealizedNet, pnl, reason)
		tc.updateAttempt(attemptID, storage.AttemptFilled, string(reason), result.RealizedNet, result.OrderID)
		if err := tc.bot.storage.AddDailyPnL(time.Now().In(tc.bot.loc).Format("2006-01-02"), pnl); err != nil {
			tc.bot.logger.Printf("Failed to record daily P&L: %v", err)
		}

	case orders.ResultNotFilled:
		tc.bot.logger.Printf("Exit ladder exhausted for position %s after %d attempts, parking for manual control",
			shortID(pos.ID), result.Attempts)
		pos.ManualControl = true
		pos.PriceAttempts = result.Attempts
		tc.parkPosition(pos, "manual_control")
		tc.updateAttempt(attemptID, storage.AttemptNotFilled, "ladder exhausted", result.FinalLimit, 0)
		return

	case orders.ResultRejected:
		tc.bot.logger.Printf("Closing order rejected for position %s: %s", shortID(pos.ID), result.Reason)
		tc.parkPosition(pos, "exit_error")
		tc.updateAttempt(attemptID, storage.AttemptRejected, result.Reason, result.FinalLimit, result.OrderID)
		return
	}

	if err := tc.bot.storage.SavePosition(pos); err != nil {
		tc.bot.logger.Printf("Failed to save position %s: %v", shortID(pos.ID), err)
	}
}

// parkPosition moves a position to the error state and persists it. Parked
// positions are never touched again without operator action.
func (tc *TradingCycle) parkPosition(pos *models.Position, condition string) {
	if err := pos.TransitionState(models.StateError, condition); err != nil {
		tc.bot.logger.Printf("Position %s: %v", shortID(pos.ID), err)
	}
	if err := tc.bot.storage.SavePosition(pos); err != nil {
		tc.bot.logger.Printf("Failed to save parked position %s: %v", shortID(pos.ID), err)
	}
}

func (tc *TradingCycle) checkEntries(ctx context.Context, now time.Time, positions []*models.Position, dailyPnL float64) {
	if limit := tc.bot.config.Risk.MaxDailyLoss; limit > 0 && dailyPnL <= -limit {
		tc.bot.logger.Printf("Daily loss limit reached ($%.2f), no new entries", dailyPnL)
		return
	}
	open := 0
	for _, pos := range positions {
		if pos.GetCurrentState() == models.StateMonitoring {
			open++
		}
	}
	if open >= tc.bot.config.Risk.MaxOpenPositions {
		tc.bot.logger.Printf("Maximum positions (%d) reached, not checking for new entries",
			tc.bot.config.Risk.MaxOpenPositions)
		return
	}

	today := now.Format("2006-01-02")
	for i := range tc.bot.strategies {
		cfg := &tc.bot.strategies[i]
		if tc.enteredOn[cfg.Name] == today {
			continue
		}
		if !cfg.InEntryWindow(now) {
			continue
		}
		if tc.hasOpenPosition(positions, cfg.Name) {
			continue
		}
		if tc.runEntry(ctx, now, cfg) {
			tc.enteredOn[cfg.Name] = today
		}
	}
}

// runEntry isolates one strategy's entry attempt so a panic in selection or
// pricing cannot take down the whole loop. It reports whether the attempt
// consumed today's entry window; a transient infrastructure failure leaves
// the window open for the next cycle, while a panic latches it so a broken
// strategy cannot retry itself every few seconds.
func (tc *TradingCycle) runEntry(ctx context.Context, now time.Time, cfg *strategy.Config) (consumed bool) {
	defer func() {
		if r := recover(); r != nil {
			tc.bot.logger.Printf("[%s] entry panicked: %v", cfg.Name, r)
			consumed = true
		}
	}()
	return tc.executeEntry(ctx, now, cfg)
}

func (tc *TradingCycle) hasOpenPosition(positions []*models.Position, strategyName string) bool {
	for _, pos := range positions {
		if pos.Strategy == strategyName && !pos.ManualControl {
			return true
		}
	}
	return false
}

func (tc *TradingCycle) strategyFor(name string) (*strategy.Config, bool) {
	for i := range tc.bot.strategies {
		if tc.bot.strategies[i].Name == name {
			return &tc.bot.strategies[i], true
		}
	}
	return nil, false
}

// executeEntry runs one strategy's entry attempt. It reports whether the
// attempt consumed today's entry window: anything the market said no to does,
// a failure to reach the market does not.
func (tc *TradingCycle) executeEntry(ctx context.Context, now time.Time, cfg *strategy.Config) bool {
	tc.bot.logger.Printf("[%s] entry window open, selecting strikes...", cfg.Name)

	pos := models.NewPosition(uuid.New().String(), cfg.Name, cfg.Symbol, cfg.Quantity)
	if err := pos.TransitionState(models.StateSearching, "entry_window_open"); err != nil {
		tc.bot.logger.Printf("[%s] %v", cfg.Name, err)
		return true
	}

	legs, underlying, err := tc.selectLegs(ctx, now, cfg)
	if err != nil {
		if terr := pos.TransitionState(models.StateWaiting, "selection_failed"); terr != nil {
			tc.bot.logger.Printf("[%s] %v", cfg.Name, terr)
		}
		var selErr *strategy.SelectionError
		if errors.As(err, &selErr) && selErr.Kind == strategy.FailureChainUnavailable {
			tc.bot.logger.Printf("[%s] chain unavailable, retrying next cycle: %v", cfg.Name, err)
			return false
		}
		tc.bot.logger.Printf("[%s] selection failed: %v", cfg.Name, err)
		return true
	}

	quotes := make([]orders.LegQuote, 0, len(legs))
	for _, rl := range legs {
		leg := models.Leg{
			Name:           rl.Name,
			ContractSymbol: rl.Record.OSISymbol(),
			Right:          string(rl.Record.Right),
			Expiry:         rl.Record.Expiry,
			Strike:         rl.Record.Strike,
			Ratio:          rl.Ratio,
			EntryDelta:     rl.Record.Delta,
			EntryMid:       rl.Record.MidPrice(),
		}
		pos.Legs = append(pos.Legs, leg)
		quotes = append(quotes, orders.LegQuote{Leg: leg, Bid: rl.Record.Bid, Ask: rl.Record.Ask})
	}

	order, err := orders.BuildOrder(quotes, cfg.Quantity, false, cfg.Name)
	if err != nil {
		tc.bot.logger.Printf("[%s] failed to build order: %v", cfg.Name, err)
		if terr := pos.TransitionState(models.StateWaiting, "selection_failed"); terr != nil {
			tc.bot.logger.Printf("[%s] %v", cfg.Name, terr)
		}
		return true
	}

	if reason, ok := tc.priceAcceptable(cfg, order); !ok {
		tc.bot.logger.Printf("[%s] order price unacceptable: %s", cfg.Name, reason)
		if terr := pos.TransitionState(models.StateWaiting, "selection_failed"); terr != nil {
			tc.bot.logger.Printf("[%s] %v", cfg.Name, terr)
		}
		return true
	}

	pos.EntryUnderlying = underlying
	tc.bot.logger.Printf("[%s] submitting: %s", cfg.Name, order.Describe())

	attemptID, err := tc.bot.storage.RecordTradeAttempt(&storage.TradeAttempt{
		PositionID: pos.ID,
		Strategy:   cfg.Name,
		Symbol:     cfg.Symbol,
		Structure:  string(cfg.Type),
		Quantity:   cfg.Quantity,
		BasePrice:  order.NetLimit,
		Status:     storage.AttemptWorking,
	})
	if err != nil {
		tc.bot.logger.Printf("[%s] failed to record attempt: %v", cfg.Name, err)
	}
	pos.AttemptID = attemptID
	for _, rl := range legs {
		if err := tc.bot.storage.RecordOptionLeg(attemptID, &storage.OptionLeg{
			Name:           rl.Name,
			ContractSymbol: rl.Record.OSISymbol(),
			Right:          string(rl.Record.Right),
			Expiry:         rl.Record.Expiry,
			Strike:         rl.Record.Strike,
			Ratio:          rl.Ratio,
			Delta:          rl.Record.Delta,
			Bid:            rl.Record.Bid,
			Ask:            rl.Record.Ask,
		}); err != nil {
			tc.bot.logger.Printf("[%s] failed to record leg audit: %v", cfg.Name, err)
		}
	}

	if err := pos.TransitionState(models.StateEntering, "strikes_selected"); err != nil {
		tc.bot.logger.Printf("[%s] %v", cfg.Name, err)
		return true
	}

	result, err := tc.bot.entryCtrl.Execute(ctx, order, attemptID)
	if err != nil {
		tc.bot.logger.Printf("[%s] entry order failed: %v", cfg.Name, err)
		tc.parkPosition(pos, "entry_error")
		tc.updateAttempt(attemptID, storage.AttemptNotFilled, err.Error(), 0, 0)
		return true
	}

	switch result.Status {
	case orders.ResultFilled:
		pos.EntryOrderID = result.OrderID
		pos.EntryNet = result.RealizedNet
		pos.PriceAttempts = result.Attempts
		for _, f := range result.Fills {
			pos.RecordFill(f)
		}
		if err := pos.TransitionState(models.StateMonitoring, "entry_filled"); err != nil {
			tc.bot.logger.Printf("[%s] %v", cfg.Name, err)
		}
		tc.bot.logger.Printf("[%s] position %s opened at %.2f after %d attempt(s)",
			cfg.Name, shortID(pos.ID), result.RealizedNet, result.Attempts)
		tc.updateAttempt(attemptID, storage.AttemptFilled, "", result.RealizedNet, result.OrderID)
		if err := tc.bot.storage.SavePosition(pos); err != nil {
			tc.bot.logger.Printf("[%s] failed to save position: %v", cfg.Name, err)
		}

	case orders.ResultNotFilled:
		tc.bot.logger.Printf("[%s] entry ladder exhausted after %d attempts, no trade today",
			cfg.Name, result.Attempts)
		if err := pos.TransitionState(models.StateCompleted, "entry_not_filled"); err != nil {
			tc.bot.logger.Printf("[%s] %v", cfg.Name, err)
		}
		tc.updateAttempt(attemptID, storage.AttemptNotFilled, "ladder exhausted", result.FinalLimit, 0)
		if err := tc.bot.storage.SavePosition(pos); err != nil {
			tc.bot.logger.Printf("[%s] failed to save position: %v", cfg.Name, err)
		}

	case orders.ResultRejected:
		tc.bot.logger.Printf("[%s] entry order rejected: %s", cfg.Name, result.Reason)
		tc.parkPosition(pos, "order_rejected")
		tc.updateAttempt(attemptID, storage.AttemptRejected, result.Reason, result.FinalLimit, result.OrderID)
	}
	return true
}

// selectLegs fetches the snapshots a strategy needs and resolves its legs.
func (tc *TradingCycle) selectLegs(ctx context.Context, now time.Time, cfg *strategy.Config) ([]strategy.ResolvedLeg, float64, error) {
	underlying, err := tc.bot.connector.GetUnderlyingPrice(ctx, cfg.Symbol)
	if err != nil {
		tc.bot.logger.Printf("[%s] no underlying quote, falling back to chain estimate: %v", cfg.Name, err)
		underlying = 0
	}

	frontExpiry := strategy.ExpiryFromDTE(now, cfg.ShortDTE)
	front, err := tc.bot.connector.GetOptionChain(ctx, cfg.ChainSymbol, frontExpiry)
	if err != nil {
		return nil, 0, &strategy.SelectionError{
			Strategy: cfg.Name,
			Kind:     strategy.FailureChainUnavailable,
			Err:      fmt.Errorf("fetching front chain: %w", err),
		}
	}

	var back *chain.Snapshot
	if cfg.Type == strategy.TypeDoubleCalendar {
		backExpiry := strategy.ExpiryFromDTE(now, cfg.LongDTE)
		back, err = tc.bot.connector.GetOptionChain(ctx, cfg.ChainSymbol, backExpiry)
		if err != nil {
			return nil, 0, &strategy.SelectionError{
				Strategy: cfg.Name,
				Kind:     strategy.FailureChainUnavailable,
				Err:      fmt.Errorf("fetching back chain: %w", err),
			}
		}
	}

	legs, err := tc.bot.selector.Select(cfg, front, back, underlying)
	if err != nil {
		var selErr *strategy.SelectionError
		if errors.As(err, &selErr) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("selection: %w", err)
	}
	return legs, underlying, nil
}

// priceAcceptable enforces the configured price bound on the opening combo.
func (tc *TradingCycle) priceAcceptable(cfg *strategy.Config, order *orders.Order) (string, bool) {
	if cfg.Type.IsDebit() {
		if order.NetLimit <= 0 {
			return fmt.Sprintf("debit structure priced as credit (%.2f)", order.NetLimit), false
		}
		if order.NetLimit > cfg.MaxDebit {
			return fmt.Sprintf("debit %.2f exceeds max %.2f", order.NetLimit, cfg.MaxDebit), false
		}
		return "", true
	}
	credit := -order.NetLimit
	if credit < cfg.MinCredit {
		return fmt.Sprintf("credit %.2f below min %.2f", credit, cfg.MinCredit), false
	}
	return "", true
}

func (tc *TradingCycle) updateAttempt(attemptID int64, status, reason string, finalPrice float64, orderID int) {
	if attemptID == 0 {
		return
	}
	if err := tc.bot.storage.UpdateTradeAttempt(attemptID, status, reason, finalPrice, orderID); err != nil {
		tc.bot.logger.Printf("Failed to update trade attempt %d: %v", attemptID, err)
	}
}

// handleForeignEvent receives execution reports that arrive while no matching
// order is being worked, typically late acks for already-abandoned orders.
// They are logged and dropped; reconciliation parks anything left ambiguous.
func (tc *TradingCycle) handleForeignEvent(ev broker.OrderEvent) {
	tc.bot.logger.Printf("Unmatched order event: order=%d status=%s leg=%s", ev.OrderID, ev.Status, ev.Leg)
}
