package strategy

import (
	"time"

	"github.com/rhiggins/spx-autotrader/internal/models"
)

// ExitReason names which rule fired. The checks run in a fixed priority
// order and the first hit wins, so a day that trips both the loss limit and
// a profit target always reports the loss limit.
type ExitReason string

const (
	ExitDailyLoss    ExitReason = "daily_loss_limit"
	ExitDelta        ExitReason = "delta_threshold"
	ExitProfitTarget ExitReason = "profit_target"
	ExitTime         ExitReason = "time_exit"
)

// ExitDecision is the evaluator's verdict for one cycle.
type ExitDecision struct {
	Exit   bool
	Reason ExitReason
}

// ExitEvaluator applies the configured exit rules to an open position.
type ExitEvaluator struct {
	cfg *Config
	// maxDailyLoss is a positive dollar amount; the account-wide rule
	// triggers once the day's losses reach it.
	maxDailyLoss float64
}

// NewExitEvaluator builds an evaluator for one strategy instance.
func NewExitEvaluator(cfg *Config, maxDailyLoss float64) *ExitEvaluator {
	return &ExitEvaluator{cfg: cfg, maxDailyLoss: maxDailyLoss}
}

// Evaluate runs the exit rules in priority order:
//
//  1. account daily loss limit
//  2. position delta threshold
//  3. profit target (absolute dollars, then percent of entry premium)
//  4. time exit
//
// dailyPnL is the account's realized plus unrealized P&L for the day. now is
// eastern time.
func (e *ExitEvaluator) Evaluate(now time.Time, pos *models.Position, dailyPnL float64) ExitDecision {
	if e.maxDailyLoss > 0 && dailyPnL <= -e.maxDailyLoss {
		return ExitDecision{Exit: true, Reason: ExitDailyLoss}
	}

	if th := e.cfg.Exit.AbsDeltaThreshold; th > 0 {
		if pos.PositionDelta >= th || pos.PositionDelta <= -th {
			return ExitDecision{Exit: true, Reason: ExitDelta}
		}
	}

	if t := e.cfg.Exit.ProfitTarget; t > 0 && pos.CurrentPnL >= t {
		return ExitDecision{Exit: true, Reason: ExitProfitTarget}
	}
	if pct := e.cfg.Exit.ProfitTargetPct; pct > 0 {
		if premium := pos.EntryPremium(); premium > 0 && pos.CurrentPnL >= premium*pct {
			return ExitDecision{Exit: true, Reason: ExitProfitTarget}
		}
	}

	if e.timeExitDue(now, pos) {
		return ExitDecision{Exit: true, Reason: ExitTime}
	}

	return ExitDecision{}
}

// timeExitDue checks whether the configured wall-clock exit has passed on
// its reference day. On any day after the reference day the exit is overdue
// and fires immediately.
func (e *ExitEvaluator) timeExitDue(now time.Time, pos *models.Position) bool {
	te := e.cfg.Exit.TimeExit
	if te.Time == "" {
		return false
	}
	ct, err := parseClock(te.Time)
	if err != nil {
		return false
	}

	var refDay time.Time
	switch te.Reference {
	case RefShortExpiry:
		refDay = pos.ShortExpiry()
	case RefLongExpiry:
		refDay = pos.LongExpiry()
	case RefEntryDay:
		refDay = pos.EntryTime
	default:
		return false
	}
	if refDay.IsZero() {
		return false
	}

	deadline := time.Date(refDay.Year(), refDay.Month(), refDay.Day(),
		ct.hour, ct.minute, 0, 0, now.Location())
	return !now.Before(deadline)
}
