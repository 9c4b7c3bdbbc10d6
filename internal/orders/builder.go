// Package orders builds multi-leg combo orders and works them through a
// price improvement ladder until they fill or run out of attempts.
package orders

import (
	"fmt"
	"strings"

	"github.com/rhiggins/spx-autotrader/internal/broker"
	"github.com/rhiggins/spx-autotrader/internal/chain"
	"github.com/rhiggins/spx-autotrader/internal/models"
	"github.com/rhiggins/spx-autotrader/internal/util"
)

// LegQuote pairs a position leg with its current top of book.
type LegQuote struct {
	Leg models.Leg
	Bid float64
	Ask float64
}

// Order is a priced combo ready for submission. NetLimit is signed:
// positive pays a debit, negative demands a credit.
type Order struct {
	Legs     []broker.ComboLeg
	NetLimit float64
	Quantity int
	Closing  bool
	Tag      string
}

// IsCredit reports whether the order demands money in.
func (o *Order) IsCredit() bool {
	return o.NetLimit < 0
}

// Describe renders the order for logs.
func (o *Order) Describe() string {
	parts := make([]string, 0, len(o.Legs))
	for _, l := range o.Legs {
		verb := "BUY"
		if l.Ratio < 0 {
			verb = "SELL"
		}
		n := l.Ratio
		if n < 0 {
			n = -n
		}
		parts = append(parts, fmt.Sprintf("%s %dx %s", verb, n, l.Contract))
	}
	side := "debit"
	limit := o.NetLimit
	if o.IsCredit() {
		side = "credit"
		limit = -limit
	}
	return fmt.Sprintf("%s [%s] %.2f %s x%d", o.Tag, strings.Join(parts, ", "), limit, side, o.Quantity)
}

// BuildOrder prices a combo from per-leg quotes using marketable sides: buys
// at the ask, sells at the bid. The signed net is rounded to the nickel grid
// before it becomes the ladder's base price. Closing flips every leg.
func BuildOrder(quotes []LegQuote, quantity int, closing bool, tag string) (*Order, error) {
	if len(quotes) == 0 {
		return nil, fmt.Errorf("orders: no legs to build")
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("orders: quantity %d must be positive", quantity)
	}

	legs := make([]broker.ComboLeg, 0, len(quotes))
	net := 0.0
	for _, q := range quotes {
		ratio := q.Leg.Ratio
		if closing {
			ratio = -ratio
		}
		if ratio == 0 {
			return nil, fmt.Errorf("orders: leg %s has zero ratio", q.Leg.Name)
		}
		if q.Bid < 0 || q.Ask <= 0 || q.Ask < q.Bid {
			return nil, fmt.Errorf("orders: leg %s has unusable quote %.2f/%.2f", q.Leg.Name, q.Bid, q.Ask)
		}

		price := q.Bid
		if ratio > 0 {
			price = q.Ask
		}
		net += float64(ratio) * price

		legs = append(legs, broker.ComboLeg{
			Name: q.Leg.Name,
			Contract: broker.Contract{
				Symbol: contractRoot(q.Leg.ContractSymbol),
				Expiry: q.Leg.Expiry,
				Strike: q.Leg.Strike,
				Right:  chain.Right(q.Leg.Right),
			},
			Ratio: ratio,
		})
	}

	return &Order{
		Legs:     legs,
		NetLimit: util.RoundToNickel(net),
		Quantity: quantity,
		Closing:  closing,
		Tag:      tag,
	}, nil
}

// contractRoot strips the OSI date/right/strike suffix, leaving the chain
// root the leg was resolved from.
func contractRoot(osi string) string {
	if len(osi) > 15 {
		return osi[:len(osi)-15]
	}
	return osi
}
