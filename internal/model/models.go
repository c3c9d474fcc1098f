package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SubAccount is the kind of account a balance lives in on a venue.
type SubAccount string

const (
	SubAccountSpot    SubAccount = "spot"
	SubAccountFunding SubAccount = "funding"
	SubAccountTrading SubAccount = "trading"
)

// Pair is a base/quote trading pair such as BTC/USDT.
type Pair struct {
	Base  string
	Quote string
}

// ParsePair parses "BASE/QUOTE". It returns false for anything else.
func ParsePair(s string) (Pair, bool) {
	base, quote, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || base == "" || quote == "" {
		return Pair{}, false
	}
	return Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}, true
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Market describes a pair as listed on one exchange.
type Market struct {
	Pair         Pair
	Tradable     bool
	MinQty       decimal.Decimal
	MinNotional  decimal.Decimal
	QtyPrecision int32
}

// PriceLevel is a single price/quantity entry of an order book side.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Side is an order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest is what the executor and rebalancer hand to a venue.
type OrderRequest struct {
	Pair   Pair
	Side   Side
	Amount decimal.Decimal // base quantity
	Type   OrderType
	Price  decimal.Decimal // limit orders only
	// ClientID lets a venue deduplicate retried submissions.
	ClientID string
}

// OrderResult is a venue's answer to an order submission.
type OrderResult struct {
	OrderID  string
	Filled   decimal.Decimal // base quantity filled
	AvgPrice decimal.Decimal
	Fee      decimal.Decimal // in quote
}

// Notional returns filled quantity times average price.
func (r OrderResult) Notional() decimal.Decimal {
	return r.Filled.Mul(r.AvgPrice)
}

// WithdrawRequest asks a venue to send funds on a given network.
type WithdrawRequest struct {
	Asset   string
	Network string
	Amount  decimal.Decimal
	Address string
	Memo    string
	// Destination names the receiving exchange; informational for live venues.
	Destination string
}

// WithdrawResult carries the reference used to follow the transfer.
type WithdrawResult struct {
	ReferenceID string
	Fee         decimal.Decimal
}

// DepositState is the lifecycle of an incoming transfer.
type DepositState string

const (
	DepositPending   DepositState = "pending"
	DepositConfirmed DepositState = "confirmed"
	DepositFailed    DepositState = "failed"
)

// DepositStatus is reported by the destination venue for a reference id.
type DepositStatus struct {
	ReferenceID string
	State       DepositState
	Amount      decimal.Decimal
	Reason      string
	UpdatedAt   time.Time
}

// BalanceKey identifies one capital bucket.
type BalanceKey struct {
	Exchange   string
	SubAccount SubAccount
	Asset      string
}

func (k BalanceKey) String() string {
	return k.Exchange + "/" + string(k.SubAccount) + "/" + k.Asset
}

// Balance is the state of one bucket. Locked is the sum of active reservations.
type Balance struct {
	Key       BalanceKey
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Free returns Available minus Locked.
func (b Balance) Free() decimal.Decimal {
	return b.Available.Sub(b.Locked)
}

// PriceTick is a top-of-book update pushed by a venue stream.
type PriceTick struct {
	Exchange string
	Pair     Pair
	Bid      decimal.Decimal
	BidQty   decimal.Decimal
	Ask      decimal.Decimal
	AskQty   decimal.Decimal
	Time     time.Time
}
