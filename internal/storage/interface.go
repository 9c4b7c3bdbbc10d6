// Package storage persists positions, trade attempts, and their audit trail
// in SQLite.
package storage

import (
	"time"

	"github.com/rhiggins/spx-autotrader/internal/models"
)

// TradeAttempt is one recorded try at opening a structure, whether or not
// it filled.
type TradeAttempt struct {
	ID         int64
	PositionID string
	Strategy   string
	Symbol     string
	Structure  string
	Quantity   int
	BasePrice  float64
	FinalPrice float64
	Status     string
	Reason     string
	OrderID    int
	CreatedAt  time.Time
	FilledAt   time.Time
}

// Attempt statuses.
const (
	AttemptWorking   = "working"
	AttemptFilled    = "filled"
	AttemptNotFilled = "not_filled"
	AttemptRejected  = "rejected"
)

// OptionLeg is the audit record of one resolved leg at attempt time.
type OptionLeg struct {
	Name           string
	ContractSymbol string
	Right          string
	Expiry         time.Time
	Strike         float64
	Ratio          int
	Delta          float64
	Bid            float64
	Ask            float64
}

// PriceAdjustment is one rung of the price improvement ladder.
type PriceAdjustment struct {
	AttemptID int64
	OldPrice  float64
	NewPrice  float64
	Step      int
	CreatedAt time.Time
}

// Interface defines the contract for trade persistence.
//
// Implementations must be safe for concurrent use: the trading loop and the
// dashboard read and write from different goroutines.
type Interface interface {
	// Attempt auditing
	RecordTradeAttempt(a *TradeAttempt) (int64, error)
	UpdateTradeAttempt(id int64, status, reason string, finalPrice float64, orderID int) error
	RecordOptionLeg(attemptID int64, leg *OptionLeg) error
	RecordPriceAdjustment(attemptID int64, oldPrice, newPrice float64, step int) error
	GetPriceAdjustments(attemptID int64) ([]PriceAdjustment, error)
	GetRecentAttempts(limit int) ([]TradeAttempt, error)

	// Position management
	SavePosition(pos *models.Position) error
	GetPositionByID(id string) (*models.Position, error)
	GetOpenPositions() ([]*models.Position, error)
	GetPositionHistory(limit int) ([]*models.Position, error)

	// Daily account P&L, keyed by eastern date "2006-01-02".
	AddDailyPnL(date string, pnl float64) error
	GetDailyPnL(date string) (float64, error)

	Close() error
}

// NewStorage opens the SQLite-backed implementation.
func NewStorage(path string) (Interface, error) {
	return NewSQLiteStorage(path)
}

// Ensure implementations satisfy Interface.
var (
	_ Interface = (*SQLiteStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
