// Package sim is a paper-trading broker. It generates synthetic SPX chains
// and fills combo orders against its own pricing model, so the full entry,
// ladder, and exit flow runs without a live feed.
package sim

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rhiggins/spx-autotrader/internal/broker"
	"github.com/rhiggins/spx-autotrader/internal/chain"
	"github.com/rhiggins/spx-autotrader/internal/util"
)

const (
	// deltaDecay controls how fast |delta| falls off per point away from the
	// money. Tuned so the usual short-strike deltas land within about a
	// hundred points of spot and adjacent strikes carry distinct premiums.
	deltaDecay = 0.008
	// chainHalfWidth is how far above and below spot strikes are generated.
	chainHalfWidth = 500.0
	// minPremium floors generated option prices.
	minPremium = 0.05
	// defaultFillDelay is how long a marketable order rests before filling.
	defaultFillDelay = 50 * time.Millisecond
)

type workingOrder struct {
	legs     []broker.ComboLeg
	netLimit float64
	quantity int
	status   broker.OrderStatus
}

// Connector implements broker.Connector against a synthetic market. The
// underlying follows a small random walk; option prices come from a rough
// premium model keyed off delta and time to expiry.
type Connector struct {
	mu        sync.Mutex
	connected bool
	logger    *log.Logger
	rng       *rand.Rand

	spot float64
	vol  float64 // annualized, e.g. 0.15

	nextOrderID int
	orders      map[int]*workingOrder
	events      chan broker.OrderEvent

	// FillDelay is how long a marketable order rests before the fill events
	// are emitted. Tests shorten it.
	FillDelay time.Duration
	// RejectNext makes the next submission fail with ErrOrderRejected.
	RejectNext bool
}

var _ broker.Connector = (*Connector)(nil)

// NewConnector builds a simulated market. seed zero seeds from the clock.
func NewConnector(logger *log.Logger, seed int64) *Connector {
	if logger == nil {
		logger = log.Default()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- simulated market, not security sensitive
	return &Connector{
		logger:      logger,
		rng:         rng,
		spot:        6500 + rng.Float64()*100,
		vol:         0.12 + rng.Float64()*0.10,
		nextOrderID: 1000,
		orders:      make(map[int]*workingOrder),
		events:      make(chan broker.OrderEvent, 64),
		FillDelay:   defaultFillDelay,
	}
}

func (c *Connector) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.logger.Printf("sim broker connected, spot=%.2f vol=%.1f%%", c.spot, c.vol*100)
	return nil
}

func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connector) Events() <-chan broker.OrderEvent {
	return c.events
}

// GetUnderlyingPrice returns the simulated spot, advancing the random walk.
func (c *Connector) GetUnderlyingPrice(_ context.Context, _ string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0, broker.ErrNotConnected
	}
	c.spot += (c.rng.Float64() - 0.5) * 4
	return c.spot, nil
}

// GetOptionChain generates one expiry's records on the 5-point strike grid
// around spot.
func (c *Connector) GetOptionChain(_ context.Context, symbol string, expiry time.Time) (*chain.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, broker.ErrNotConnected
	}

	start := util.RoundToStrike(c.spot) - chainHalfWidth
	end := util.RoundToStrike(c.spot) + chainHalfWidth

	var records []chain.Record
	for strike := start; strike <= end+util.NickelTick; strike += util.StrikeGrid {
		for _, right := range []chain.Right{chain.Put, chain.Call} {
			records = append(records, c.record(symbol, expiry, strike, right))
		}
	}
	return chain.NewSnapshot(symbol, expiry, records), nil
}

// GetQuote prices one contract from the same model the chain uses.
func (c *Connector) GetQuote(_ context.Context, contract broker.Contract) (*broker.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, broker.ErrNotConnected
	}
	r := c.record(contract.Symbol, contract.Expiry, contract.Strike, contract.Right)
	return &broker.Quote{Bid: r.Bid, Ask: r.Ask, Last: r.Last}, nil
}

// record prices one contract. Caller holds the lock.
func (c *Connector) record(symbol string, expiry time.Time, strike float64, right chain.Right) chain.Record {
	distance := math.Abs(strike - c.spot)
	decay := math.Exp(-distance * deltaDecay)

	var delta float64
	if right == chain.Put {
		delta = -0.5 * decay
		if strike > c.spot {
			delta = -0.5 * (1 + (1 - decay))
			if delta < -0.99 {
				delta = -0.99
			}
		}
	} else {
		delta = 0.5 * decay
		if strike < c.spot {
			delta = 0.5 * (1 + (1 - decay))
			if delta > 0.99 {
				delta = 0.99
			}
		}
	}

	// Floor time value at a full day so near-dated chains keep enough
	// premium structure for spreads to price wider than their bid/ask cost.
	hours := time.Until(expiry).Hours()
	if hours < 24 {
		hours = 24
	}
	timeValue := hours / (365 * 24)
	premium := math.Max(minPremium, c.vol*math.Sqrt(timeValue)*c.spot*0.4*math.Abs(delta))
	premium = util.RoundToNickel(premium)

	bid := math.Max(0, premium-util.NickelTick)
	ask := premium + util.NickelTick

	return chain.Record{
		Symbol:       symbol,
		Expiry:       expiry,
		Strike:       strike,
		Right:        right,
		Bid:          bid,
		Ask:          ask,
		Last:         premium,
		Volume:       c.rng.Int63n(10000),
		OpenInterest: c.rng.Int63n(50000),
		Delta:        delta,
		Gamma:        0.001 * decay,
		Theta:        -0.05 * c.vol * premium,
		Vega:         0.10 * c.vol * c.spot * 0.01,
		ImpliedVol:   c.vol,
	}
}

// executableNet is the signed per-unit cost of crossing the spread right now:
// buys lift the ask, sells hit the bid. Caller holds the lock.
func (c *Connector) executableNet(legs []broker.ComboLeg) float64 {
	net := 0.0
	for _, leg := range legs {
		r := c.record(leg.Contract.Symbol, leg.Contract.Expiry, leg.Contract.Strike, leg.Contract.Right)
		if leg.Ratio > 0 {
			net += float64(leg.Ratio) * r.Ask
		} else {
			net += float64(leg.Ratio) * r.Bid
		}
	}
	return util.RoundToNickel(net)
}

// legPrice is the side-appropriate execution price for one leg. Caller holds
// the lock.
func (c *Connector) legPrice(leg broker.ComboLeg) float64 {
	r := c.record(leg.Contract.Symbol, leg.Contract.Expiry, leg.Contract.Strike, leg.Contract.Right)
	if leg.Ratio > 0 {
		return r.Ask
	}
	return r.Bid
}

// SubmitComboOrder accepts the order, emits a submitted event, and fills it
// after FillDelay if the limit is marketable against the synthetic book.
// Non-marketable orders rest until cancelled.
func (c *Connector) SubmitComboOrder(_ context.Context, legs []broker.ComboLeg, netLimit float64, quantity int, tag string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0, broker.ErrNotConnected
	}
	if len(legs) == 0 {
		return 0, fmt.Errorf("sim: %w: order has no legs", broker.ErrOrderRejected)
	}
	if quantity <= 0 {
		return 0, fmt.Errorf("sim: %w: quantity %d", broker.ErrOrderRejected, quantity)
	}
	if c.RejectNext {
		c.RejectNext = false
		return 0, fmt.Errorf("sim: %w: forced rejection", broker.ErrOrderRejected)
	}

	c.nextOrderID++
	id := c.nextOrderID
	c.orders[id] = &workingOrder{
		legs:     legs,
		netLimit: netLimit,
		quantity: quantity,
		status:   broker.StatusSubmitted,
	}
	c.logger.Printf("sim order %d submitted: %d legs net=%.2f qty=%d tag=%s", id, len(legs), netLimit, quantity, tag)
	c.emit(broker.OrderEvent{OrderID: id, Status: broker.StatusSubmitted, Timestamp: time.Now()})

	go c.tryFill(id)
	return id, nil
}

func (c *Connector) tryFill(id int) {
	time.Sleep(c.fillDelay())

	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[id]
	if !ok || order.status != broker.StatusSubmitted {
		return
	}
	market := c.executableNet(order.legs)
	// Signed prices: paying at least what the book demands fills.
	if order.netLimit < market {
		return
	}

	order.status = broker.StatusFilled
	for _, leg := range order.legs {
		qty := order.quantity * abs(leg.Ratio)
		c.emit(broker.OrderEvent{
			OrderID:      id,
			Leg:          leg.Name,
			Status:       broker.StatusFilled,
			FilledQty:    qty,
			RemainingQty: 0,
			AvgFillPrice: c.legPrice(leg),
			Timestamp:    time.Now(),
		})
	}
	c.emit(broker.OrderEvent{OrderID: id, Status: broker.StatusFilled, Timestamp: time.Now()})
	c.logger.Printf("sim order %d filled at market net %.2f (limit %.2f)", id, market, order.netLimit)
}

func (c *Connector) fillDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FillDelay
}

// CancelOrder cancels a resting order; cancelling an already filled or
// unknown order is a no-op so cancel races stay harmless.
func (c *Connector) CancelOrder(_ context.Context, orderID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return broker.ErrNotConnected
	}
	order, ok := c.orders[orderID]
	if !ok || order.status != broker.StatusSubmitted {
		return nil
	}
	order.status = broker.StatusCancelled
	c.emit(broker.OrderEvent{OrderID: orderID, Status: broker.StatusCancelled, Timestamp: time.Now()})
	return nil
}

// emit drops events when the buffer is full rather than blocking under the
// lock. The trading loop drains the channel far faster than the sim fills.
func (c *Connector) emit(ev broker.OrderEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Printf("sim event buffer full, dropping %s for order %d", ev.Status, ev.OrderID)
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
