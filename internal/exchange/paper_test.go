package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossarb/internal/model"
)

var btcUSDT = model.Pair{Base: "BTC", Quote: "USDT"}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newPaperPair(t *testing.T) (*PaperNetwork, *Paper, *Paper) {
	t.Helper()
	route := model.NetworkRoute{Active: true, WithdrawEnabled: true, DepositEnabled: true, WithdrawFee: d("0.0005"), Confirm: model.ConfirmFast}
	net := NewPaperNetwork(func(token, exchange, network string) (model.NetworkRoute, bool) {
		return route, token == "BTC" && network == "BTC"
	})
	net.SetDelay(model.ConfirmFast, 0)
	a := NewPaper("alpha", PaperOptions{TakerFeePercent: d("0.1")}, net)
	b := NewPaper("beta", PaperOptions{TakerFeePercent: d("0.1")}, net)
	return net, a, b
}

func TestPaper_MarketOrdersWalkTheBook(t *testing.T) {
	_, a, _ := newPaperPair(t)
	a.SetBook(model.OrderBookSnapshot{
		Pair: btcUSDT,
		Bids: []model.PriceLevel{{Price: d("99"), Qty: d("1")}},
		Asks: []model.PriceLevel{{Price: d("100"), Qty: d("1")}, {Price: d("102"), Qty: d("1")}},
	})
	a.Credit(model.SubAccountSpot, "usdt", d("1000"))
	ctx := context.Background()

	t.Run("buy across two levels", func(t *testing.T) {
		res, err := a.PlaceOrder(ctx, model.OrderRequest{Pair: btcUSDT, Side: model.SideBuy, Amount: d("1.5"), Type: model.OrderTypeMarket})
		require.NoError(t, err)
		assert.True(t, d("1.5").Equal(res.Filled))
		assert.True(t, d("151").Equal(res.Notional()))
		assert.True(t, d("0.151").Equal(res.Fee))

		bal, err := a.GetBalances(ctx, model.SubAccountSpot)
		require.NoError(t, err)
		assert.True(t, d("848.849").Equal(bal["USDT"].Available), bal["USDT"].Available.String())
		assert.True(t, d("1.5").Equal(bal["BTC"].Available))
	})

	t.Run("sell more than bids gives a partial fill", func(t *testing.T) {
		res, err := a.PlaceOrder(ctx, model.OrderRequest{Pair: btcUSDT, Side: model.SideSell, Amount: d("1.5"), Type: model.OrderTypeMarket})
		require.NoError(t, err)
		assert.True(t, d("1").Equal(res.Filled))
		assert.True(t, d("99").Equal(res.AvgPrice))
	})

	t.Run("insufficient quote", func(t *testing.T) {
		poor := NewPaper("poor", PaperOptions{}, nil)
		poor.SetBook(model.OrderBookSnapshot{Pair: btcUSDT, Asks: []model.PriceLevel{{Price: d("100"), Qty: d("1")}}})
		poor.Credit(model.SubAccountSpot, "USDT", d("10"))
		_, err := poor.PlaceOrder(ctx, model.OrderRequest{Pair: btcUSDT, Side: model.SideBuy, Amount: d("1"), Type: model.OrderTypeMarket})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("unknown pair", func(t *testing.T) {
		_, err := a.GetOrderBook(ctx, model.Pair{Base: "ETH", Quote: "USDT"}, 5)
		assert.ErrorIs(t, err, ErrUnknownPair)
	})
}

func TestPaper_StaticBooksAreStampedOnRead(t *testing.T) {
	_, a, _ := newPaperPair(t)
	a.SetBook(model.OrderBookSnapshot{Pair: btcUSDT, Asks: []model.PriceLevel{{Price: d("1"), Qty: d("1")}}})
	book, err := a.GetOrderBook(context.Background(), btcUSDT, 10)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), book.Timestamp, time.Second)
	assert.Equal(t, "alpha", book.Exchange)
}

func TestPaperNetwork_WithdrawalSettlesOnce(t *testing.T) {
	net, a, b := newPaperPair(t)
	ctx := context.Background()
	a.Credit(model.SubAccountSpot, "BTC", d("1"))

	res, err := a.Withdraw(ctx, model.WithdrawRequest{Asset: "BTC", Network: "BTC", Amount: d("0.5"), Address: PaperAddress("beta", "BTC", "BTC")})
	require.NoError(t, err)
	assert.True(t, d("0.0005").Equal(res.Fee))

	_, err = a.GetDepositStatus(ctx, res.ReferenceID)
	assert.ErrorIs(t, err, ErrUnknownReference, "status is only known to the destination")

	for range 2 {
		st, err := b.GetDepositStatus(ctx, res.ReferenceID)
		require.NoError(t, err)
		assert.Equal(t, model.DepositConfirmed, st.State)
		assert.True(t, d("0.4995").Equal(st.Amount))
	}
	bal, _ := b.GetBalances(ctx, model.SubAccountSpot)
	assert.True(t, d("0.4995").Equal(bal["BTC"].Available))

	t.Run("failed deposit refunds the source", func(t *testing.T) {
		net.FailDeposits("beta", true)
		res, err := a.Withdraw(ctx, model.WithdrawRequest{Asset: "BTC", Network: "BTC", Amount: d("0.5"), Destination: "beta"})
		require.NoError(t, err)
		st, err := b.GetDepositStatus(ctx, res.ReferenceID)
		require.NoError(t, err)
		assert.Equal(t, model.DepositFailed, st.State)
		bal, _ := a.GetBalances(ctx, model.SubAccountSpot)
		assert.True(t, d("0.5").Equal(bal["BTC"].Available))
	})
}

func TestPaperNetwork_PendingUntilDelay(t *testing.T) {
	net, a, b := newPaperPair(t)
	net.SetDelay(model.ConfirmFast, time.Hour)
	a.Credit(model.SubAccountSpot, "BTC", d("1"))
	res, err := a.Withdraw(context.Background(), model.WithdrawRequest{Asset: "BTC", Network: "BTC", Amount: d("0.5"), Destination: "beta"})
	require.NoError(t, err)
	st, err := b.GetDepositStatus(context.Background(), res.ReferenceID)
	require.NoError(t, err)
	assert.Equal(t, model.DepositPending, st.State)
}

func TestPaper_ApplyTickerUsesSyntheticDepth(t *testing.T) {
	p := NewPaper("gamma", PaperOptions{SyntheticDepthUSD: d("10000")}, nil)
	p.ApplyTicker(model.PriceTick{Pair: btcUSDT, Bid: d("100"), BidQty: d("1"), Ask: d("101"), AskQty: d("500")})
	book, err := p.GetOrderBook(context.Background(), btcUSDT, 1)
	require.NoError(t, err)
	assert.True(t, d("100").Equal(book.Bids[0].Qty))
	assert.True(t, d("500").Equal(book.Asks[0].Qty))
}
