package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderBookSnapshot is a timestamped view of the top of a venue's book.
// Bids are sorted descending, asks ascending.
type OrderBookSnapshot struct {
	Exchange  string
	Pair      Pair
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the highest bid and whether one exists.
func (s OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask and whether one exists.
func (s OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Age returns how old the snapshot is at now.
func (s OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// IsStale reports whether the snapshot is older than maxAge. A zero maxAge
// disables the check.
func (s OrderBookSnapshot) IsStale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && s.Age(now) > maxAge
}

// Crossed reports a book whose best bid is at or above its best ask.
func (s OrderBookSnapshot) Crossed() bool {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	return okBid && okAsk && bid.Price.GreaterThanOrEqual(ask.Price)
}

func (s OrderBookSnapshot) levels(side Side) []PriceLevel {
	// Buying consumes asks, selling consumes bids.
	if side == SideBuy {
		return s.Asks
	}
	return s.Bids
}

// DepthUSD sums the quote notional available on the side a taker of the given
// side would hit, stopping once limitUSD is reached. A zero limit sums the
// whole side.
func (s OrderBookSnapshot) DepthUSD(side Side, limitUSD decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range s.levels(side) {
		total = total.Add(lvl.Price.Mul(lvl.Qty))
		if limitUSD.IsPositive() && total.GreaterThanOrEqual(limitUSD) {
			return limitUSD
		}
	}
	return total
}

// VWAP walks the book for a taker order worth notional quote units and returns
// the average fill price and the base quantity obtained. ok is false when the
// book cannot absorb the notional.
func (s OrderBookSnapshot) VWAP(side Side, notional decimal.Decimal) (price, qty decimal.Decimal, ok bool) {
	remaining := notional
	qty = decimal.Zero
	for _, lvl := range s.levels(side) {
		if !remaining.IsPositive() {
			break
		}
		lvlNotional := lvl.Price.Mul(lvl.Qty)
		if lvlNotional.GreaterThanOrEqual(remaining) {
			qty = qty.Add(remaining.Div(lvl.Price))
			remaining = decimal.Zero
			break
		}
		qty = qty.Add(lvl.Qty)
		remaining = remaining.Sub(lvlNotional)
	}
	if remaining.IsPositive() || qty.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	return notional.Sub(remaining).Div(qty), qty, true
}
