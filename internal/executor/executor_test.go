package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crossarb/internal/balance"
	"crossarb/internal/exchange"
	"crossarb/internal/feecatalog"
	"crossarb/internal/lock"
	"crossarb/internal/model"
	"crossarb/internal/rebalancer"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var btc = model.Pair{Base: "BTC", Quote: "USDT"}

type MockRechecker struct {
	mock.Mock
}

func (m *MockRechecker) Recheck(ctx context.Context, plan model.ExecutionPlan) (model.ExecutionPlan, error) {
	args := m.Called(ctx, plan)
	return args.Get(0).(model.ExecutionPlan), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, event, text string) {
	m.Called(ctx, event, text)
}

type memRecorder struct {
	mu       sync.Mutex
	entries  []model.TradeEntry
	onRecord func(model.TradeEntry)
}

func (r *memRecorder) Record(ctx context.Context, e model.TradeEntry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	hook := r.onRecord
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	return nil
}

// blockingLocker parks Acquire until the caller's context ends.
type blockingLocker struct {
	entered chan struct{}
}

func (l *blockingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.entered <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func netRoute(token, ex, network, fee, min string, precision int32) model.NetworkRoute {
	return model.NetworkRoute{
		Token: token, Exchange: ex, Network: network,
		Active: true, DepositEnabled: true, WithdrawEnabled: true,
		WithdrawFee: d(fee), MinWithdraw: d(min), WithdrawPrecision: precision, Confirm: model.ConfirmFast,
	}
}

type fixture struct {
	network  *exchange.PaperNetwork
	alpha    *exchange.Paper
	beta     *exchange.Paper
	ledger   *balance.Manager
	routes   *feecatalog.Catalog
	checker  *MockRechecker
	notifier *MockNotifier
	recorder *memRecorder
	cfg      Config
	deps     Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	routes := feecatalog.New([]model.NetworkRoute{
		netRoute("BTC", "alpha", "BTC", "0.0005", "0.001", 4),
		netRoute("BTC", "beta", "BTC", "0.0005", "0.001", 4),
		netRoute("USDT", "alpha", "TRC20", "1", "10", 2),
		netRoute("USDT", "beta", "TRC20", "1", "10", 2),
	})
	network := exchange.NewPaperNetwork(routes.Lookup)
	network.SetDelay(model.ConfirmFast, 0)
	alpha := exchange.NewPaper("alpha", exchange.PaperOptions{}, network)
	beta := exchange.NewPaper("beta", exchange.PaperOptions{}, network)
	alpha.SetBook(model.OrderBookSnapshot{
		Pair: btc,
		Bids: []model.PriceLevel{{Price: d("99"), Qty: d("10")}},
		Asks: []model.PriceLevel{{Price: d("100"), Qty: d("10")}},
	})
	beta.SetBook(model.OrderBookSnapshot{
		Pair: btc,
		Bids: []model.PriceLevel{{Price: d("102"), Qty: d("10")}},
		Asks: []model.PriceLevel{{Price: d("103"), Qty: d("10")}},
	})
	clients := map[string]exchange.Client{"alpha": alpha, "beta": beta}

	accounts := []model.SubAccount{model.SubAccountSpot, model.SubAccountFunding}
	ledger := balance.NewManager(balance.Config{
		ReservationTTL: time.Hour,
		Accounts:       map[string][]model.SubAccount{"alpha": accounts, "beta": accounts},
	}, clients, nil, logger)
	mover := rebalancer.New(rebalancer.Config{
		PollInterval:    time.Millisecond,
		MaxPollInterval: 2 * time.Millisecond,
		MaxPolls:        2,
		DepositTimeout:  time.Second,
		QuoteAsset:      "USDT",
		Venues: map[string]rebalancer.Venue{
			"alpha": {Accounts: accounts},
			"beta":  {Accounts: accounts},
		},
	}, clients, ledger, routes, nil, logger)

	f := &fixture{
		network:  network,
		alpha:    alpha,
		beta:     beta,
		ledger:   ledger,
		routes:   routes,
		checker:  &MockRechecker{},
		notifier: &MockNotifier{},
		recorder: &memRecorder{},
	}
	f.cfg = Config{
		MaxConcurrentPlans: 4,
		FillTolerance:      d("0.01"),
		TransferRetries:    1,
		SellRetries:        2,
		RetryInterval:      time.Millisecond,
		MaxRetryInterval:   2 * time.Millisecond,
		PathLockTTL:        time.Minute,
		HoldTTL:            time.Hour,
	}
	f.deps = Deps{
		Clients:  clients,
		Ledger:   ledger,
		Mover:    mover,
		Checker:  f.checker,
		Locker:   lock.NewLocal(),
		Recorder: f.recorder,
		Notifier: f.notifier,
		Logger:   logger,
	}
	return f
}

func (f *fixture) executor() *Executor {
	return New(f.cfg, f.deps)
}

func (f *fixture) plan(t *testing.T) model.ExecutionPlan {
	t.Helper()
	route, ok := f.routes.Lookup("BTC", "alpha", "BTC")
	require.True(t, ok)
	dest, ok := f.routes.Lookup("BTC", "beta", "BTC")
	require.True(t, ok)
	return model.ExecutionPlan{
		ID: uuid.NewString(),
		Opportunity: model.Opportunity{
			Pair: btc, BuyExchange: "alpha", SellExchange: "beta",
			BuyAsk: d("100"), SellBid: d("102"), GrossPct: d("2"),
		},
		Route:        route,
		DestRoute:    dest,
		GrossPct:     d("2"),
		NetProfitPct: d("1.5"),
		NotionalUSD:  d("100"),
		BaseAmount:   d("1"),
		CreatedAt:    time.Now(),
	}
}

func (f *fixture) balance(t *testing.T, p *exchange.Paper, asset string) decimal.Decimal {
	t.Helper()
	bal, err := p.GetBalances(context.Background(), model.SubAccountSpot)
	require.NoError(t, err)
	return bal[asset].Available
}

// assertLifecycle checks every step is a legal transition and that exactly
// one terminal state was reached.
func assertLifecycle(t *testing.T, rec model.TradeRecord) {
	t.Helper()
	states := rec.States()
	require.NotEmpty(t, states)
	assert.Equal(t, model.StatePlanned, states[0])
	terminal := 0
	for i, s := range states {
		if s.Terminal() {
			terminal++
		}
		if i > 0 {
			assert.True(t, allowed(states[i-1], s), "%s -> %s", states[i-1], s)
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Equal(t, states[len(states)-1], rec.State)
}

func TestExecute_Settles(t *testing.T) {
	f := newFixture(t)
	f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
	f.ledger.RefreshAll(context.Background())

	plan := f.plan(t)
	rec := f.executor().Execute(context.Background(), plan)

	assertLifecycle(t, rec)
	assert.Equal(t, []model.State{
		model.StatePlanned, model.StateFundsReserved, model.StateBuySubmitted, model.StateBuyFilled,
		model.StateTransferInitiated, model.StateTransferConfirmed, model.StateSellSubmitted,
		model.StateSellFilled, model.StateSettled,
	}, rec.States())
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
	assert.Empty(t, rec.Error)

	last := rec.Entries[len(rec.Entries)-1]
	assert.True(t, d("100").Equal(last.Amounts["cost"]))
	assert.True(t, d("101.949").Equal(last.Amounts["proceeds"]))
	assert.True(t, d("1.949").Equal(last.Amounts["pnl"]))

	assert.True(t, d("900").Equal(f.balance(t, f.alpha, "USDT")))
	assert.True(t, d("101.949").Equal(f.balance(t, f.beta, "USDT")))
	assert.True(t, f.balance(t, f.beta, "BTC").IsZero())
	assert.Empty(t, f.ledger.Reservations(), "every hold is released")

	f.recorder.mu.Lock()
	assert.Len(t, f.recorder.entries, len(rec.Entries))
	f.recorder.mu.Unlock()
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)

	for _, e := range rec.Entries {
		assert.Equal(t, plan.ID, e.PlanID)
		assert.Equal(t, "BTC", e.Network)
	}
	assert.NotEmpty(t, rec.Entries[3].OrderRefs["buyOrder"])
	assert.NotEmpty(t, rec.Entries[4].OrderRefs["transfer"])
}

func TestExecute_AbortsWithoutFunds(t *testing.T) {
	f := newFixture(t)
	f.alpha.Credit(model.SubAccountSpot, "USDT", d("50"))
	f.ledger.RefreshAll(context.Background())

	rec := f.executor().Execute(context.Background(), f.plan(t))

	assertLifecycle(t, rec)
	assert.Equal(t, []model.State{model.StatePlanned, model.StateAborted}, rec.States())
	assert.Equal(t, model.OutcomeAborted, rec.Outcome)
	assert.Contains(t, rec.Error, "insufficient")
	assert.True(t, f.balance(t, f.alpha, "BTC").IsZero(), "no order placed")
	f.checker.AssertNotCalled(t, "Recheck", mock.Anything, mock.Anything)
}

func TestExecute_JITFunding(t *testing.T) {
	t.Run("funds the shortfall and rechecks before buying", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.JITFunding = true
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("50"))
		f.beta.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())

		plan := f.plan(t)
		f.checker.On("Recheck", mock.Anything, mock.MatchedBy(func(p model.ExecutionPlan) bool { return p.ID == plan.ID })).
			Return(plan, nil).Once()

		rec := f.executor().Execute(context.Background(), plan)

		assertLifecycle(t, rec)
		require.Equal(t, model.StateSettled, rec.State, rec.Error)
		assert.NotEmpty(t, rec.Entries[1].OrderRefs["funding"])
		f.checker.AssertExpectations(t)
		// 51 sent from beta (50 plus the network fee), 100 spent on the buy
		assert.True(t, f.balance(t, f.alpha, "USDT").IsZero())
		assert.True(t, d("949").Add(d("101.949")).Equal(f.balance(t, f.beta, "USDT")))
	})

	t.Run("aborts when the recheck rejects", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.JITFunding = true
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("50"))
		f.beta.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())

		f.checker.On("Recheck", mock.Anything, mock.Anything).
			Return(model.ExecutionPlan{}, errors.New("spread narrowed")).Once()

		rec := f.executor().Execute(context.Background(), f.plan(t))

		assertLifecycle(t, rec)
		assert.Equal(t, model.StateAborted, rec.State)
		assert.Contains(t, rec.Error, "recheck after funding")
		assert.True(t, f.balance(t, f.alpha, "BTC").IsZero())
		assert.Empty(t, f.ledger.Reservations())

		aborted := rec.Entries[len(rec.Entries)-1]
		assert.NotEmpty(t, aborted.OrderRefs["funding"], "the move that already happened is on record")
		assert.True(t, aborted.Amounts["funded"].IsPositive())
		assert.True(t, f.balance(t, f.alpha, "USDT").GreaterThan(d("50")))
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t)
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("50"))
		f.beta.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())

		rec := f.executor().Execute(context.Background(), f.plan(t))
		assert.Equal(t, model.StateAborted, rec.State)
		assert.True(t, d("1000").Equal(f.balance(t, f.beta, "USDT")))
	})
}

func TestExecute_BuyFailures(t *testing.T) {
	t.Run("rejected order", func(t *testing.T) {
		f := newFixture(t)
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())

		plan := f.plan(t)
		plan.Opportunity.Pair = model.Pair{Base: "ETH", Quote: "USDT"}
		rec := f.executor().Execute(context.Background(), plan)

		assertLifecycle(t, rec)
		assert.Equal(t, []model.State{
			model.StatePlanned, model.StateFundsReserved, model.StateBuySubmitted, model.StateAborted,
		}, rec.States())
		assert.Contains(t, rec.Error, "buy")
		assert.Empty(t, f.ledger.Reservations())
		assert.True(t, d("1000").Equal(f.ledger.Available("alpha", model.SubAccountSpot, "USDT")))
	})

	t.Run("fill below tolerance", func(t *testing.T) {
		f := newFixture(t)
		f.alpha.SetBook(model.OrderBookSnapshot{
			Pair: btc,
			Bids: []model.PriceLevel{{Price: d("99"), Qty: d("10")}},
			Asks: []model.PriceLevel{{Price: d("100"), Qty: d("0.5")}},
		})
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())

		rec := f.executor().Execute(context.Background(), f.plan(t))

		assertLifecycle(t, rec)
		assert.Equal(t, model.StateAborted, rec.State)
		last := rec.Entries[len(rec.Entries)-1]
		assert.True(t, d("0.5").Equal(last.Amounts["bought"]))
		assert.NotEmpty(t, last.OrderRefs["buyOrder"])
		assert.Empty(t, f.ledger.Reservations())
	})
}

// lostReply is a venue whose order responses never arrive. The order runs
// on the inner client when execute is set.
type lostReply struct {
	exchange.Client
	execute     bool
	err         error
	balancesErr error
}

func (c *lostReply) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	if c.execute {
		if _, err := c.Client.PlaceOrder(ctx, req); err != nil {
			return model.OrderResult{}, err
		}
	}
	return model.OrderResult{}, c.err
}

func (c *lostReply) GetBalances(ctx context.Context, sub model.SubAccount) (map[string]model.Balance, error) {
	if c.balancesErr != nil {
		return nil, c.balancesErr
	}
	return c.Client.GetBalances(ctx, sub)
}

func TestExecute_AmbiguousBuy(t *testing.T) {
	setup := func(t *testing.T, venue *lostReply) *fixture {
		f := newFixture(t)
		venue.Client = f.alpha
		f.deps.Clients = map[string]exchange.Client{"alpha": venue, "beta": f.beta}
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())
		return f
	}

	t.Run("timeout after the order filled strands what was bought", func(t *testing.T) {
		f := setup(t, &lostReply{execute: true, err: exchange.ErrTimeout})
		f.notifier.On("Notify", mock.Anything, "stranded", mock.AnythingOfType("string")).Once()

		rec := f.executor().Execute(context.Background(), f.plan(t))

		assertLifecycle(t, rec)
		assert.Equal(t, []model.State{
			model.StatePlanned, model.StateFundsReserved, model.StateBuySubmitted, model.StateStranded,
		}, rec.States())
		assert.Equal(t, model.OutcomeStranded, rec.Outcome)
		assert.Contains(t, rec.Error, "order executed")
		last := rec.Entries[len(rec.Entries)-1]
		assert.True(t, d("1").Equal(last.Amounts["held"]))
		assert.True(t, d("1").Equal(f.balance(t, f.alpha, "BTC")))
		assert.Empty(t, f.ledger.Reservations())
		f.notifier.AssertExpectations(t)
	})

	t.Run("timeout with nothing bought aborts", func(t *testing.T) {
		f := setup(t, &lostReply{err: exchange.ErrTimeout})

		rec := f.executor().Execute(context.Background(), f.plan(t))

		assertLifecycle(t, rec)
		assert.Equal(t, model.StateAborted, rec.State)
		assert.Contains(t, rec.Error, "balance unchanged")
		assert.True(t, d("1000").Equal(f.ledger.Available("alpha", model.SubAccountSpot, "USDT")))
		f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rate limited aborts without checking", func(t *testing.T) {
		f := setup(t, &lostReply{err: exchange.ErrRateLimited, balancesErr: errors.New("unreachable")})

		rec := f.executor().Execute(context.Background(), f.plan(t))

		assertLifecycle(t, rec)
		assert.Equal(t, model.StateAborted, rec.State)
		assert.Equal(t, model.OutcomeAborted, rec.Outcome)
	})

	t.Run("unreadable balance strands", func(t *testing.T) {
		f := setup(t, &lostReply{err: exchange.ErrTransient, balancesErr: errors.New("venue down")})
		f.notifier.On("Notify", mock.Anything, "stranded", mock.AnythingOfType("string")).Once()

		rec := f.executor().Execute(context.Background(), f.plan(t))

		assertLifecycle(t, rec)
		assert.Equal(t, model.StateStranded, rec.State)
		assert.Contains(t, rec.Error, "unverifiable")
		f.notifier.AssertExpectations(t)
	})
}

func TestExecute_Strands(t *testing.T) {
	t.Run("deposit failed", func(t *testing.T) {
		f := newFixture(t)
		f.network.FailDeposits("beta", true)
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())
		f.notifier.On("Notify", mock.Anything, "stranded", mock.AnythingOfType("string")).Once()

		rec := f.executor().Execute(context.Background(), f.plan(t))

		assertLifecycle(t, rec)
		assert.Equal(t, model.StateStranded, rec.State)
		assert.Equal(t, model.OutcomeStranded, rec.Outcome)
		states := rec.States()
		assert.Equal(t, model.StateTransferInitiated, states[len(states)-2])
		assert.Contains(t, rec.Error, "failed")
		assert.Empty(t, f.ledger.Reservations())
		f.notifier.AssertExpectations(t)
	})

	t.Run("deposit still pending after retries", func(t *testing.T) {
		f := newFixture(t)
		f.network.SetDelay(model.ConfirmFast, time.Hour)
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())
		f.notifier.On("Notify", mock.Anything, "stranded", mock.AnythingOfType("string")).Once()

		rec := f.executor().Execute(context.Background(), f.plan(t))

		assertLifecycle(t, rec)
		assert.Equal(t, model.StateStranded, rec.State)
		assert.Contains(t, rec.Error, "unconfirmed")
		last := rec.Entries[len(rec.Entries)-1]
		assert.True(t, d("1").Equal(last.Amounts["inTransit"]))
	})

	t.Run("sell keeps failing", func(t *testing.T) {
		f := newFixture(t)
		f.beta.SetBook(model.OrderBookSnapshot{
			Pair: btc,
			Asks: []model.PriceLevel{{Price: d("103"), Qty: d("10")}},
		})
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())
		f.notifier.On("Notify", mock.Anything, "stranded", mock.AnythingOfType("string")).Once()

		rec := f.executor().Execute(context.Background(), f.plan(t))

		assertLifecycle(t, rec)
		assert.Equal(t, model.StateStranded, rec.State)
		states := rec.States()
		assert.Equal(t, model.StateSellSubmitted, states[len(states)-2])
		assert.True(t, d("0.9995").Equal(f.balance(t, f.beta, "BTC")), "asset held at destination")
		assert.Empty(t, f.ledger.Reservations())
	})
}

func TestExecute_PathLockHeld(t *testing.T) {
	f := newFixture(t)
	f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
	f.ledger.RefreshAll(context.Background())
	locker := lock.NewLocal()
	f.deps.Locker = locker

	plan := f.plan(t)
	unlock, err := locker.Acquire(context.Background(), plan.Opportunity.PathKey(), time.Minute)
	require.NoError(t, err)
	defer unlock()

	rec := f.executor().Execute(context.Background(), plan)
	assert.Equal(t, []model.State{model.StatePlanned, model.StateAborted}, rec.States())
	assert.Contains(t, rec.Error, "path lock")
}

func TestCancel(t *testing.T) {
	t.Run("unknown plan", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.executor().Cancel("nope"), ErrUnknownPlan)
	})

	t.Run("before the buy aborts cleanly", func(t *testing.T) {
		f := newFixture(t)
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())
		locker := &blockingLocker{entered: make(chan struct{}, 1)}
		f.deps.Locker = locker
		exec := f.executor()

		plan := f.plan(t)
		require.NoError(t, exec.Submit(context.Background(), plan))
		<-locker.entered
		assert.Len(t, exec.Active(), 1)

		require.NoError(t, exec.Cancel(plan.ID))
		exec.Wait()

		rec, ok := exec.Lookup(plan.ID)
		require.True(t, ok)
		assertLifecycle(t, rec)
		assert.Equal(t, model.StateAborted, rec.State)
		assert.Empty(t, exec.Active())
		assert.True(t, f.balance(t, f.alpha, "BTC").IsZero())
	})

	t.Run("refused once the buy is submitted", func(t *testing.T) {
		f := newFixture(t)
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())
		exec := f.executor()

		plan := f.plan(t)
		var cancelErr error
		f.recorder.onRecord = func(e model.TradeEntry) {
			if e.State == model.StateBuySubmitted {
				cancelErr = exec.Cancel(plan.ID)
			}
		}

		rec := exec.Execute(context.Background(), plan)
		assert.ErrorIs(t, cancelErr, ErrNotCancellable)
		assert.Equal(t, model.StateSettled, rec.State)
	})

	t.Run("shutdown after the buy still reaches a terminal state", func(t *testing.T) {
		f := newFixture(t)
		f.alpha.Credit(model.SubAccountSpot, "USDT", d("1000"))
		f.ledger.RefreshAll(context.Background())
		exec := f.executor()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.recorder.onRecord = func(e model.TradeEntry) {
			if e.State == model.StateBuySubmitted {
				cancel()
			}
		}

		rec := exec.Execute(ctx, f.plan(t))
		assertLifecycle(t, rec)
		assert.Equal(t, model.StateSettled, rec.State)
	})
}

func TestSubmit_Busy(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxConcurrentPlans = 1
	locker := &blockingLocker{entered: make(chan struct{}, 1)}
	f.deps.Locker = locker
	exec := f.executor()

	first := f.plan(t)
	require.NoError(t, exec.Submit(context.Background(), first))
	<-locker.entered

	assert.ErrorIs(t, exec.Submit(context.Background(), f.plan(t)), ErrBusy)

	require.NoError(t, exec.Cancel(first.ID))
	exec.Wait()
	assert.Empty(t, exec.Active())
}

func TestAllowed(t *testing.T) {
	assert.True(t, allowed(model.StatePlanned, model.StateFundsReserved))
	assert.True(t, allowed(model.StateBuySubmitted, model.StateAborted))
	assert.True(t, allowed(model.StateBuySubmitted, model.StateStranded))
	assert.False(t, allowed(model.StateBuyFilled, model.StateAborted), "capital moved")
	assert.False(t, allowed(model.StateSettled, model.StateStranded))
	assert.False(t, allowed(model.StateStranded, model.StatePlanned))
	assert.False(t, allowed(model.StateTransferConfirmed, model.StateBuyFilled))
}
