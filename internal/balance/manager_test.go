package balance

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crossarb/internal/exchange"
	"crossarb/internal/exchange/exchangetest"
	"crossarb/internal/metrics"
	"crossarb/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newManager(t *testing.T, usdt string) (*Manager, *exchange.Paper) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	venue := exchange.NewPaper("alpha", exchange.PaperOptions{}, nil)
	venue.Credit(model.SubAccountSpot, "USDT", d(usdt))
	m := NewManager(Config{
		ReservationTTL: time.Hour,
		Accounts:       map[string][]model.SubAccount{"alpha": {model.SubAccountSpot}},
	}, map[string]exchange.Client{"alpha": venue}, metrics.New(prometheus.NewRegistry()), logger)
	require.NoError(t, m.Refresh(context.Background(), "alpha", model.SubAccountSpot))
	return m, venue
}

func TestManager_ReserveIsExclusiveUnderConcurrency(t *testing.T) {
	m, _ := newManager(t, "100")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []model.Reservation
		refused int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := m.Reserve("alpha", model.SubAccountSpot, "USDT", d("10"), "plan")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrInsufficientFunds)
				refused++
				return
			}
			granted = append(granted, r)
		}()
	}
	wg.Wait()

	assert.Len(t, granted, 10)
	assert.Equal(t, 40, refused)
	assert.True(t, m.Available("alpha", model.SubAccountSpot, "USDT").IsZero())

	total := decimal.Zero
	for _, r := range granted {
		total = total.Add(r.Amount)
	}
	assert.True(t, d("100").Equal(total))
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	m, _ := newManager(t, "100")
	r, err := m.Reserve("alpha", model.SubAccountSpot, "usdt", d("60"), "plan")
	require.NoError(t, err)
	assert.True(t, d("40").Equal(m.Available("alpha", model.SubAccountSpot, "USDT")))

	assert.True(t, m.Release(r.ID))
	assert.False(t, m.Release(r.ID))
	assert.False(t, m.Release("never-issued"))
	assert.True(t, d("100").Equal(m.Available("alpha", model.SubAccountSpot, "USDT")))
}

func TestManager_ExpiredReservationsFreeCapital(t *testing.T) {
	m, _ := newManager(t, "100")
	now := time.Now()
	m.now = func() time.Time { return now }

	r, err := m.Reserve("alpha", model.SubAccountSpot, "USDT", d("100"), "plan")
	require.NoError(t, err)
	_, err = m.Reserve("alpha", model.SubAccountSpot, "USDT", d("1"), "other")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	m.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.True(t, d("100").Equal(m.Available("alpha", model.SubAccountSpot, "USDT")))
	assert.Equal(t, 1, m.Sweep())
	assert.False(t, m.Release(r.ID), "release after expiry is a no-op")
}

func TestManager_ExtendKeepsReservation(t *testing.T) {
	m, _ := newManager(t, "100")
	now := time.Now()
	m.now = func() time.Time { return now }
	r, err := m.Reserve("alpha", model.SubAccountSpot, "USDT", d("50"), "plan")
	require.NoError(t, err)

	m.now = func() time.Time { return now.Add(50 * time.Minute) }
	require.NoError(t, m.Extend(r.ID, time.Hour))
	m.now = func() time.Time { return now.Add(90 * time.Minute) }
	assert.True(t, d("50").Equal(m.Available("alpha", model.SubAccountSpot, "USDT")))
	assert.ErrorIs(t, m.Extend("missing", time.Hour), ErrUnknownReservation)
}

func TestManager_ConsumeKeepsRefreshConsistent(t *testing.T) {
	m, venue := newManager(t, "100")
	r, err := m.Reserve("alpha", model.SubAccountSpot, "USDT", d("60"), "plan")
	require.NoError(t, err)

	// The venue spends 55 of the 60 held.
	require.NoError(t, venue.InternalTransfer(context.Background(), "USDT", d("55"), model.SubAccountSpot, model.SubAccountFunding))
	require.NoError(t, m.Consume(r.ID, d("55")))
	assert.True(t, d("40").Equal(m.Available("alpha", model.SubAccountSpot, "USDT")))

	assert.NoError(t, m.Refresh(context.Background(), "alpha", model.SubAccountSpot))
	assert.True(t, m.Release(r.ID))
	assert.True(t, d("45").Equal(m.Available("alpha", model.SubAccountSpot, "USDT")))
}

func TestManager_RefreshBelowLockedIsAnomaly(t *testing.T) {
	m, venue := newManager(t, "100")
	var hooked []*AnomalyError
	m.OnAnomaly(func(a *AnomalyError) { hooked = append(hooked, a) })

	_, err := m.Reserve("alpha", model.SubAccountSpot, "USDT", d("80"), "plan")
	require.NoError(t, err)
	require.NoError(t, venue.InternalTransfer(context.Background(), "USDT", d("50"), model.SubAccountSpot, model.SubAccountFunding))

	err = m.Refresh(context.Background(), "alpha", model.SubAccountSpot)
	var anomaly *AnomalyError
	require.ErrorAs(t, err, &anomaly)
	assert.True(t, d("50").Equal(anomaly.Available))
	assert.True(t, d("80").Equal(anomaly.Locked))
	require.Len(t, hooked, 1)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, d("50").Equal(snap[0].Available), "stored as reported, never clamped")
	assert.True(t, d("-30").Equal(snap[0].Free()))
}

func TestManager_RefreshZeroesVanishedAssets(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	client := exchangetest.NewMockClient("beta")
	client.On("GetBalances", mock.Anything, model.SubAccountSpot).Return(map[string]model.Balance{
		"ETH": {Available: d("2")},
	}, nil).Once()
	client.On("GetBalances", mock.Anything, model.SubAccountSpot).Return(map[string]model.Balance{}, nil).Once()

	m := NewManager(Config{}, map[string]exchange.Client{"beta": client}, nil, logger)
	require.NoError(t, m.Refresh(context.Background(), "beta", model.SubAccountSpot))
	assert.True(t, d("2").Equal(m.Available("beta", model.SubAccountSpot, "ETH")))
	require.NoError(t, m.Refresh(context.Background(), "beta", model.SubAccountSpot))
	assert.True(t, m.Available("beta", model.SubAccountSpot, "ETH").IsZero())
}

func TestManager_RefreshErrors(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	client := exchangetest.NewMockClient("beta")
	client.On("GetBalances", mock.Anything, model.SubAccountSpot).Return(nil, exchange.ErrTimeout)
	m := NewManager(Config{}, map[string]exchange.Client{"beta": client}, nil, logger)

	err := m.Refresh(context.Background(), "beta", model.SubAccountSpot)
	assert.ErrorIs(t, err, exchange.ErrTimeout)
	assert.True(t, errors.Is(m.Refresh(context.Background(), "gamma", model.SubAccountSpot), ErrUnknownExchange))
}

func TestManager_Reservations(t *testing.T) {
	m, _ := newManager(t, "100")
	_, err := m.Reserve("alpha", model.SubAccountSpot, "USDT", d("10"), "p1")
	require.NoError(t, err)
	_, err = m.Reserve("alpha", model.SubAccountSpot, "USDT", d("20"), "p2")
	require.NoError(t, err)

	rs := m.Reservations()
	require.Len(t, rs, 2)
	assert.ElementsMatch(t, []string{"p1", "p2"}, []string{rs[0].PlanID, rs[1].PlanID})

	_, err = m.Reserve("alpha", model.SubAccountSpot, "USDT", decimal.Zero, "p3")
	assert.Error(t, err)
}
