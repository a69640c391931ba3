// Package geometry defines the grid-geometry calculator the core consumes
// to seed a grid's initial VIRTUAL levels and to align an observed price
// to the nearest grid level, plus an arithmetic-spaced reference
// implementation built on pkg/tradingutils's price-level math.
package geometry

import (
	"github.com/shopspring/decimal"

	"gridcore/pkg/tradingutils"
)

// Calculator computes grid price levels. Consumed by the Strategy Engine
// at grid construction; the Sync Engine does not use it.
type Calculator interface {
	// BuyLevels returns count price levels below anchor, nearest first.
	BuyLevels(anchor, interval decimal.Decimal, count int) []decimal.Decimal
	// SellLevels returns count price levels above anchor, nearest first.
	SellLevels(anchor, interval decimal.Decimal, count int) []decimal.Decimal
	// Nearest aligns price to the nearest grid level given anchor/interval.
	Nearest(price, anchor, interval decimal.Decimal) decimal.Decimal
}

// Arithmetic is a fixed-interval grid: level i is anchor +/- i*interval.
type Arithmetic struct{}

// NewArithmetic returns the reference Calculator implementation.
func NewArithmetic() Arithmetic { return Arithmetic{} }

func (Arithmetic) BuyLevels(anchor, interval decimal.Decimal, count int) []decimal.Decimal {
	levels := tradingutils.CalculatePriceLevels(anchor, interval.Neg(), count)
	return levels
}

func (Arithmetic) SellLevels(anchor, interval decimal.Decimal, count int) []decimal.Decimal {
	return tradingutils.CalculatePriceLevels(anchor, interval, count)
}

func (Arithmetic) Nearest(price, anchor, interval decimal.Decimal) decimal.Decimal {
	return tradingutils.FindNearestGridPrice(price, anchor, interval)
}
