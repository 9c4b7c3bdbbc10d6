// Package util provides common utility functions for price and strike math.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// NickelTick is the minimum price increment accepted for SPX combo orders.
const NickelTick = 0.05

// StrikeGrid is the strike spacing used by SPX option chains.
const StrikeGrid = 5.0

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// Decimal arithmetic avoids the float drift that would make 1.15 come back
// as 1.1500000000000001.
func RoundToTick(x, tick float64) float64 {
	return applyTick(x, tick, func(q decimal.Decimal) decimal.Decimal {
		return q.Round(0)
	})
}

// FloorToTick rounds x down to the nearest tick increment.
func FloorToTick(x, tick float64) float64 {
	return applyTick(x, tick, func(q decimal.Decimal) decimal.Decimal {
		return q.Floor()
	})
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	return applyTick(x, tick, func(q decimal.Decimal) decimal.Decimal {
		return q.Ceil()
	})
}

func applyTick(x, tick float64, quantize func(decimal.Decimal) decimal.Decimal) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	dx := decimal.NewFromFloat(x)
	dt := decimal.NewFromFloat(tick)
	f, _ := quantize(dx.Div(dt)).Mul(dt).Float64()
	return f
}

// RoundToNickel rounds a price to the nearest $0.05.
func RoundToNickel(x float64) float64 {
	return RoundToTick(x, NickelTick)
}

// RoundToStrike rounds a price to the nearest 5-point strike grid level.
func RoundToStrike(x float64) float64 {
	return RoundToTick(x, StrikeGrid)
}

// AddTicks returns base + n*increment. Summing decimals keeps a multi step
// price ladder exact instead of accumulating float error.
func AddTicks(base, increment float64, n int) float64 {
	if math.IsNaN(base) || math.IsInf(base, 0) {
		return base
	}
	db := decimal.NewFromFloat(base)
	di := decimal.NewFromFloat(increment).Mul(decimal.NewFromInt(int64(n)))
	f, _ := db.Add(di).Float64()
	return f
}
