package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a raw gross spread between two venues for one pair.
type Opportunity struct {
	Pair         Pair
	BuyExchange  string
	SellExchange string
	BuyAsk       decimal.Decimal
	SellBid      decimal.Decimal
	GrossPct     decimal.Decimal
	BuyBook      OrderBookSnapshot
	SellBook     OrderBookSnapshot
	DetectedAt   time.Time
}

// Asset is the token being moved between venues.
func (o Opportunity) Asset() string {
	return o.Pair.Base
}

// PathKey identifies the direction of the trade independent of prices.
func (o Opportunity) PathKey() string {
	return o.Pair.String() + ":" + o.BuyExchange + "->" + o.SellExchange
}

// FeeBreakdown is the cost side of a plan in percent of notional.
type FeeBreakdown struct {
	BuyTakerPct  decimal.Decimal
	SellTakerPct decimal.Decimal
	NetworkPct   decimal.Decimal
	NetworkFee   decimal.Decimal // in asset units
}

// Total returns the sum of all fee percentages.
func (f FeeBreakdown) Total() decimal.Decimal {
	return f.BuyTakerPct.Add(f.SellTakerPct).Add(f.NetworkPct)
}

// ExecutionPlan is a vetted opportunity ready for the executor. It is never
// mutated after creation.
type ExecutionPlan struct {
	ID          string
	Opportunity Opportunity
	// Route is the withdrawal side on the buy exchange; DestRoute is the
	// matching deposit side on the sell exchange.
	Route                NetworkRoute
	DestRoute            NetworkRoute
	GrossPct             decimal.Decimal
	NetProfitPct         decimal.Decimal
	Fees                 FeeBreakdown
	NotionalUSD          decimal.Decimal
	BaseAmount           decimal.Decimal
	LiquidityHeadroomUSD decimal.Decimal
	CreatedAt            time.Time
}

// Asset is the token traded by the plan.
func (p ExecutionPlan) Asset() string {
	return p.Opportunity.Pair.Base
}

// Quote is the quote asset spent on the buy venue.
func (p ExecutionPlan) Quote() string {
	return p.Opportunity.Pair.Quote
}
