package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"crossarb/internal/model"
)

// Client defines the standard interface for all exchange clients. Scanner,
// analyzer, rebalancer and executor depend on nothing else from a venue.
type Client interface {
	Name() string
	Markets(ctx context.Context) ([]model.Market, error)
	GetOrderBook(ctx context.Context, pair model.Pair, depth int) (model.OrderBookSnapshot, error)
	GetBalances(ctx context.Context, sub model.SubAccount) (map[string]model.Balance, error)
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
	Withdraw(ctx context.Context, req model.WithdrawRequest) (model.WithdrawResult, error)
	GetDepositStatus(ctx context.Context, referenceID string) (model.DepositStatus, error)
}

// InternalTransferer is implemented by venues with several sub-accounts.
type InternalTransferer interface {
	InternalTransfer(ctx context.Context, asset string, amount decimal.Decimal, from, to model.SubAccount) error
}

// DepositAddresser is implemented by venues that can hand out deposit
// addresses programmatically.
type DepositAddresser interface {
	DepositAddress(ctx context.Context, asset, network string) (string, error)
}

// TickerStream pushes top-of-book updates for a set of pairs.
type TickerStream interface {
	Name() string
	StartStream(ctx context.Context, ticks chan<- model.PriceTick, pairs []model.Pair) error
}
