package exchange_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crossarb/internal/exchange"
	"crossarb/internal/exchange/exchangetest"
	"crossarb/internal/model"
)

func fastLimit() exchange.LimitConfig {
	return exchange.LimitConfig{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestLimited_RetriesTransientReads(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	m := exchangetest.NewMockClient("alpha")
	pair := model.Pair{Base: "BTC", Quote: "USDT"}
	m.On("GetOrderBook", mock.Anything, pair, 5).Return(model.OrderBookSnapshot{}, exchange.ErrTimeout).Twice()
	m.On("GetOrderBook", mock.Anything, pair, 5).Return(model.OrderBookSnapshot{Pair: pair}, nil).Once()

	l := exchange.NewLimited(m, fastLimit(), logger)
	book, err := l.GetOrderBook(context.Background(), pair, 5)
	require.NoError(t, err)
	assert.Equal(t, pair, book.Pair)
	m.AssertNumberOfCalls(t, "GetOrderBook", 3)
}

func TestLimited_GivesUpAfterMaxTries(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	m := exchangetest.NewMockClient("alpha")
	m.On("GetBalances", mock.Anything, model.SubAccountSpot).Return(nil, exchange.ErrTransient)

	l := exchange.NewLimited(m, fastLimit(), logger)
	_, err := l.GetBalances(context.Background(), model.SubAccountSpot)
	assert.ErrorIs(t, err, exchange.ErrTransient)
	m.AssertNumberOfCalls(t, "GetBalances", 3)
}

func TestLimited_PermanentErrorsAreNotRetried(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	m := exchangetest.NewMockClient("alpha")
	m.On("Withdraw", mock.Anything, mock.Anything).Return(model.WithdrawResult{}, exchange.ErrRejected)

	l := exchange.NewLimited(m, fastLimit(), logger)
	_, err := l.Withdraw(context.Background(), model.WithdrawRequest{Asset: "BTC"})
	assert.ErrorIs(t, err, exchange.ErrRejected)
	m.AssertNumberOfCalls(t, "Withdraw", 1)
}

func TestLimited_OrdersOnlyResentWhenNotExecuted(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	t.Run("timeout is not resent", func(t *testing.T) {
		m := exchangetest.NewMockClient("alpha")
		m.On("PlaceOrder", mock.Anything, mock.Anything).Return(model.OrderResult{}, exchange.ErrTimeout)
		_, err := exchange.NewLimited(m, fastLimit(), logger).PlaceOrder(context.Background(), model.OrderRequest{})
		assert.ErrorIs(t, err, exchange.ErrTimeout)
		m.AssertNumberOfCalls(t, "PlaceOrder", 1)
	})

	t.Run("rate limit is resent", func(t *testing.T) {
		m := exchangetest.NewMockClient("alpha")
		m.On("PlaceOrder", mock.Anything, mock.Anything).Return(model.OrderResult{}, exchange.ErrRateLimited).Once()
		m.On("PlaceOrder", mock.Anything, mock.Anything).Return(model.OrderResult{OrderID: "1"}, nil).Once()
		res, err := exchange.NewLimited(m, fastLimit(), logger).PlaceOrder(context.Background(), model.OrderRequest{})
		require.NoError(t, err)
		assert.Equal(t, "1", res.OrderID)
	})
}

func TestLimited_OptionalCapabilities(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	l := exchange.NewLimited(exchangetest.NewMockClient("alpha"), fastLimit(), logger)
	_, err := l.DepositAddress(context.Background(), "BTC", "BTC")
	assert.ErrorIs(t, err, exchange.ErrUnsupported)
}
