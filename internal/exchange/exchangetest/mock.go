// Package exchangetest provides a testify mock of exchange.Client.
package exchangetest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"crossarb/internal/model"
)

type MockClient struct {
	mock.Mock
	name string
}

func NewMockClient(name string) *MockClient {
	return &MockClient{name: name}
}

func (m *MockClient) Name() string {
	return m.name
}

func (m *MockClient) Markets(ctx context.Context) ([]model.Market, error) {
	args := m.Called(ctx)
	markets, _ := args.Get(0).([]model.Market)
	return markets, args.Error(1)
}

func (m *MockClient) GetOrderBook(ctx context.Context, pair model.Pair, depth int) (model.OrderBookSnapshot, error) {
	args := m.Called(ctx, pair, depth)
	return args.Get(0).(model.OrderBookSnapshot), args.Error(1)
}

func (m *MockClient) GetBalances(ctx context.Context, sub model.SubAccount) (map[string]model.Balance, error) {
	args := m.Called(ctx, sub)
	balances, _ := args.Get(0).(map[string]model.Balance)
	return balances, args.Error(1)
}

func (m *MockClient) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(model.OrderResult), args.Error(1)
}

func (m *MockClient) Withdraw(ctx context.Context, req model.WithdrawRequest) (model.WithdrawResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(model.WithdrawResult), args.Error(1)
}

func (m *MockClient) GetDepositStatus(ctx context.Context, referenceID string) (model.DepositStatus, error) {
	args := m.Called(ctx, referenceID)
	return args.Get(0).(model.DepositStatus), args.Error(1)
}
