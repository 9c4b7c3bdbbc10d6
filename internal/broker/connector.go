// Package broker defines the connector interface the trading engine talks
// to, plus the circuit breaker decorator that guards every call.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rhiggins/spx-autotrader/internal/chain"
)

// ErrNotConnected is returned when a call is made before Connect succeeds.
var ErrNotConnected = errors.New("broker: not connected")

// ErrOrderRejected wraps broker-side rejections of an order submission, as
// opposed to transport failures that are worth retrying.
var ErrOrderRejected = errors.New("broker: order rejected")

// OrderStatus is the lifecycle state of a working order.
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "submitted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Contract identifies one option contract.
type Contract struct {
	Symbol string
	Expiry time.Time
	Strike float64
	Right  chain.Right
}

// OSISymbol renders the contract in OSI format.
func (c Contract) OSISymbol() string {
	return chain.FormatOSI(c.Symbol, c.Expiry, c.Right, c.Strike)
}

func (c Contract) String() string {
	return fmt.Sprintf("%s %s %s%.0f", c.Symbol, c.Expiry.Format("2006-01-02"), c.Right, c.Strike)
}

// ComboLeg is one leg of a multi-leg order. Ratio is signed: positive buys,
// negative sells, magnitude for ratio legs.
type ComboLeg struct {
	Name     string
	Contract Contract
	Ratio    int
}

// Quote is a top-of-book snapshot for one contract.
type Quote struct {
	Bid  float64
	Ask  float64
	Last float64
}

// Mid returns the bid/ask midpoint, falling back to last.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// OrderEvent is an execution report pushed by the connector. Leg carries the
// logical leg name when the connector can attribute the report to one leg;
// an empty Leg applies to the whole combo.
type OrderEvent struct {
	OrderID      int
	Leg          string
	Status       OrderStatus
	FilledQty    int
	RemainingQty int
	AvgFillPrice float64
	Reason       string
	Timestamp    time.Time
}

// Connector is the broker surface the engine depends on. Implementations
// deliver execution reports on the Events channel; the trading loop is the
// only consumer.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool

	// GetOptionChain fetches a snapshot of one expiry with greeks.
	GetOptionChain(ctx context.Context, symbol string, expiry time.Time) (*chain.Snapshot, error)
	// GetQuote fetches top-of-book for a single contract.
	GetQuote(ctx context.Context, c Contract) (*Quote, error)
	// GetUnderlyingPrice returns the index spot.
	GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error)

	// SubmitComboOrder places a native multi-leg limit order and returns the
	// broker order ID. netLimit is signed: positive pays a debit, negative
	// demands a credit. Rejections return an error wrapping ErrOrderRejected.
	SubmitComboOrder(ctx context.Context, legs []ComboLeg, netLimit float64, quantity int, tag string) (int, error)
	// CancelOrder requests cancellation; confirmation arrives as an event.
	CancelOrder(ctx context.Context, orderID int) error

	// Events is the connector's execution report stream.
	Events() <-chan OrderEvent
}
