// Package executor drives admitted plans through buy, transfer and sell,
// appending an audit entry at every step.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"crossarb/internal/balance"
	"crossarb/internal/exchange"
	"crossarb/internal/lock"
	"crossarb/internal/metrics"
	"crossarb/internal/model"
	"crossarb/internal/rebalancer"
)

var (
	ErrBusy              = errors.New("executor: too many plans in flight")
	ErrNotCancellable    = errors.New("executor: plan can no longer be cancelled")
	ErrUnknownPlan       = errors.New("executor: unknown plan")
	ErrDuplicatePlan     = errors.New("executor: plan already running")
	ErrInvalidTransition = errors.New("executor: invalid transition")

	errCancelled   = errors.New("cancelled before buy")
	errPending     = errors.New("transfer still pending")
	errPartialSell = errors.New("sell partially filled")
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Ledger is the balance manager view the executor uses.
type Ledger interface {
	Available(exchange string, sub model.SubAccount, asset string) decimal.Decimal
	Reserve(exchange string, sub model.SubAccount, asset string, amount decimal.Decimal, planID string) (model.Reservation, error)
	Release(id string) bool
	Consume(id string, amount decimal.Decimal) error
	Extend(id string, ttl time.Duration) error
	Refresh(ctx context.Context, exchange string, sub model.SubAccount) error
	RefreshAsync(exchange string, sub model.SubAccount)
}

// Mover moves capital between venues.
type Mover interface {
	Venue(name string) rebalancer.Venue
	Initiate(ctx context.Context, req rebalancer.TransferRequest) (rebalancer.Transfer, error)
	Await(ctx context.Context, t rebalancer.Transfer) rebalancer.TransferResult
	Fund(ctx context.Context, req rebalancer.FundRequest) (rebalancer.TransferResult, error)
}

// Rechecker re-validates a plan against fresh books.
type Rechecker interface {
	Recheck(ctx context.Context, plan model.ExecutionPlan) (model.ExecutionPlan, error)
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e model.TradeEntry) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, text string)
}

// Config holds the limits and retry settings of an Executor.
type Config struct {
	MaxConcurrentPlans int
	// FillTolerance is the fraction of an order that may stay unfilled.
	FillTolerance    decimal.Decimal
	TransferRetries  uint
	SellRetries      uint
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	MaxRetryElapsed  time.Duration
	PathLockTTL      time.Duration
	// HoldTTL extends every reservation of a plan on each transition.
	HoldTTL      time.Duration
	JITFunding   bool
	KeepFinished int
}

// Deps are the collaborators of an Executor. Recorder, Notifier and Metrics
// are optional.
type Deps struct {
	Clients  map[string]exchange.Client
	Ledger   Ledger
	Mover    Mover
	Checker  Rechecker
	Locker   lock.Locker
	Recorder Recorder
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type run struct {
	mu        sync.Mutex
	record    model.TradeRecord
	cancelled bool
	cancel    context.CancelFunc
	holds     []string
	unlock    func()
}

func (r *run) plan() model.ExecutionPlan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Plan
}

func (r *run) setPlan(p model.ExecutionPlan) {
	r.mu.Lock()
	r.record.Plan = p
	r.mu.Unlock()
}

func (r *run) hold(id string) {
	r.mu.Lock()
	r.holds = append(r.holds, id)
	r.mu.Unlock()
}

func (r *run) snapshot() model.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record
	rec.Entries = append([]model.TradeEntry(nil), r.record.Entries...)
	return rec
}

// Executor runs ExecutionPlans to exactly one terminal state.
type Executor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	slots chan struct{}
	wg    conc.WaitGroup

	mu       sync.Mutex
	active   map[string]*run
	finished []model.TradeRecord
}

// New returns an Executor, filling unset limits with defaults.
func New(cfg Config, deps Deps) *Executor {
	if cfg.MaxConcurrentPlans <= 0 {
		cfg.MaxConcurrentPlans = 1
	}
	if cfg.KeepFinished <= 0 {
		cfg.KeepFinished = 256
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = time.Hour
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Executor{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "executor")),
		now:    time.Now,
		slots:  make(chan struct{}, cfg.MaxConcurrentPlans),
		active: make(map[string]*run),
	}
}

// Submit starts plan in the background. It returns ErrBusy when
// MaxConcurrentPlans plans are already in flight.
func (e *Executor) Submit(ctx context.Context, plan model.ExecutionPlan) error {
	select {
	case e.slots <- struct{}{}:
	default:
		return ErrBusy
	}
	r, err := e.register(plan)
	if err != nil {
		<-e.slots
		return err
	}
	e.wg.Go(func() {
		defer func() { <-e.slots }()
		e.execute(ctx, r)
	})
	return nil
}

// Execute runs plan to a terminal state and returns its record. It does not
// count against MaxConcurrentPlans.
func (e *Executor) Execute(ctx context.Context, plan model.ExecutionPlan) model.TradeRecord {
	r, err := e.register(plan)
	if err != nil {
		return model.TradeRecord{Plan: plan, Error: err.Error()}
	}
	return e.execute(ctx, r)
}

// Wait blocks until every submitted plan has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Cancel calls off a plan that has not submitted its buy yet.
func (e *Executor) Cancel(planID string) error {
	e.mu.Lock()
	r, ok := e.active[planID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownPlan
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !cancellable(r.record.State) {
		return fmt.Errorf("%w: plan %s is %s", ErrNotCancellable, planID, r.record.State)
	}
	r.cancelled = true
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Active lists the records of plans still in flight, oldest first.
func (e *Executor) Active() []model.TradeRecord {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]model.TradeRecord, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Lookup returns an in-flight or recently finished record.
func (e *Executor) Lookup(planID string) (model.TradeRecord, bool) {
	e.mu.Lock()
	r, ok := e.active[planID]
	if !ok {
		defer e.mu.Unlock()
		for i := len(e.finished) - 1; i >= 0; i-- {
			if e.finished[i].Plan.ID == planID {
				return e.finished[i], true
			}
		}
		return model.TradeRecord{}, false
	}
	e.mu.Unlock()
	return r.snapshot(), true
}

func (e *Executor) register(plan model.ExecutionPlan) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[plan.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePlan, plan.ID)
	}
	r := &run{record: model.TradeRecord{Plan: plan, StartedAt: e.now()}}
	e.active[plan.ID] = r
	return r, nil
}

func (e *Executor) execute(ctx context.Context, r *run) model.TradeRecord {
	pre, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	if r.cancelled {
		cancel()
	}
	r.mu.Unlock()

	e.deps.Metrics.PlanStarted()
	e.start(ctx, r)
	e.drive(pre, ctx, r)
	e.finish(ctx, r)
	return r.snapshot()
}

func (e *Executor) start(ctx context.Context, r *run) {
	r.mu.Lock()
	entry := newEntry(r.record.Plan, model.StatePlanned, e.now())
	entry.Amounts = map[string]decimal.Decimal{
		"notional": r.record.Plan.NotionalUSD,
		"base":     r.record.Plan.BaseAmount,
		"netPct":   r.record.Plan.NetProfitPct,
	}
	r.record.State = model.StatePlanned
	r.record.Entries = append(r.record.Entries, entry)
	r.mu.Unlock()
	e.persist(ctx, entry)
}

// drive walks the happy path and stops at the first failure, which leaves the
// run in ABORTED or STRANDED. pre is cancelled by Cancel and by shutdown;
// everything after the buy is submitted runs detached from it.
func (e *Executor) drive(pre, ctx context.Context, r *run) {
	plan := r.plan()

	unlock, err := e.deps.Locker.Acquire(pre, plan.Opportunity.PathKey(), e.cfg.PathLockTTL)
	if err != nil {
		e.abort(ctx, r, fmt.Errorf("path lock: %w", err), nil)
		return
	}
	r.mu.Lock()
	r.unlock = unlock
	r.mu.Unlock()

	quoteHold, reserved, funded, err := e.reserveQuote(pre, r)
	if err != nil {
		e.abort(ctx, r, err, funded.record)
		return
	}
	err = e.advance(ctx, r, model.StateFundsReserved, func(en *model.TradeEntry) {
		en.Amounts = map[string]decimal.Decimal{"reserved": reserved}
		funded.record(en)
	})
	if err != nil {
		e.abort(ctx, r, err, nil)
		return
	}

	if err := e.advance(ctx, r, model.StateBuySubmitted, nil); err != nil {
		e.abort(ctx, r, err, nil)
		return
	}
	live := context.WithoutCancel(ctx)

	bought, ok := e.buy(live, r, quoteHold)
	if !ok {
		return
	}
	received, ok := e.transfer(live, r, bought)
	if !ok {
		return
	}
	e.sell(live, r, bought, received)
}

// funding is a JIT move made on behalf of a plan. It is recorded on the plan
// even when the plan aborts afterwards.
type funding struct {
	ref    string
	amount decimal.Decimal
}

func fundingOf(res rebalancer.TransferResult) funding {
	amount := res.Received
	if amount.IsZero() {
		amount = res.Transfer.Amount
	}
	return funding{ref: res.Transfer.ReferenceID, amount: amount}
}

func (f funding) record(en *model.TradeEntry) {
	if f.ref == "" {
		return
	}
	if en.OrderRefs == nil {
		en.OrderRefs = make(map[string]string)
	}
	en.OrderRefs["funding"] = f.ref
	if en.Amounts == nil {
		en.Amounts = make(map[string]decimal.Decimal)
	}
	en.Amounts["funded"] = f.amount
}

// reserveQuote holds the notional plus the buy fee on the buy venue. With JIT
// funding a shortfall is moved in first and the plan re-checked, since prices
// may have moved while the funds were in transit. Once a move was submitted
// its funding is returned on every path, errors included.
func (e *Executor) reserveQuote(pre context.Context, r *run) (string, decimal.Decimal, funding, error) {
	if err := pre.Err(); err != nil {
		return "", decimal.Zero, funding{}, errCancelled
	}
	plan := r.plan()
	buy := strings.ToLower(plan.Opportunity.BuyExchange)
	sub := e.deps.Mover.Venue(buy).TradingAccount
	amount := quoteNeeded(plan)

	res, err := e.deps.Ledger.Reserve(buy, sub, plan.Quote(), amount, plan.ID)
	if err == nil {
		r.hold(res.ID)
		return res.ID, amount, funding{}, nil
	}
	if !errors.Is(err, balance.ErrInsufficientFunds) || !e.cfg.JITFunding {
		return "", decimal.Zero, funding{}, fmt.Errorf("reserve %s: %w", plan.Quote(), err)
	}

	short := amount.Sub(e.deps.Ledger.Available(buy, sub, plan.Quote()))
	e.logger.Info("jit funding",
		slog.String("plan_id", plan.ID),
		slog.String("exchange", buy),
		slog.String("asset", plan.Quote()),
		slog.String("shortfall", short.String()))
	moved, err := e.deps.Mover.Fund(pre, rebalancer.FundRequest{
		Exchange:   buy,
		SubAccount: sub,
		Asset:      plan.Quote(),
		Amount:     short,
		PlanID:     plan.ID,
	})
	funded := fundingOf(moved)
	if err != nil {
		return "", decimal.Zero, funded, fmt.Errorf("jit funding: %w", err)
	}
	if pre.Err() != nil {
		return "", decimal.Zero, funded, errCancelled
	}
	var anomaly *balance.AnomalyError
	if err := e.deps.Ledger.Refresh(pre, buy, sub); err != nil && !errors.As(err, &anomaly) {
		return "", decimal.Zero, funded, fmt.Errorf("refresh after funding: %w", err)
	}
	fresh, err := e.deps.Checker.Recheck(pre, plan)
	if err != nil {
		return "", decimal.Zero, funded, fmt.Errorf("recheck after funding: %w", err)
	}
	r.setPlan(fresh)

	amount = quoteNeeded(fresh)
	res, err = e.deps.Ledger.Reserve(buy, sub, fresh.Quote(), amount, fresh.ID)
	if err != nil {
		return "", decimal.Zero, funded, fmt.Errorf("reserve %s after funding: %w", fresh.Quote(), err)
	}
	r.hold(res.ID)
	return res.ID, amount, funded, nil
}

// buy places the market buy. A rejected or short fill is a clean abort. When
// the venue gives no definite answer the base balance decides: an increase
// strands the plan with what was acquired, as does a balance that cannot be
// read.
func (e *Executor) buy(ctx context.Context, r *run, quoteHold string) (model.OrderResult, bool) {
	plan := r.plan()
	buy := strings.ToLower(plan.Opportunity.BuyExchange)
	client, ok := e.deps.Clients[buy]
	if !ok {
		e.abort(ctx, r, fmt.Errorf("unknown exchange %q", buy), nil)
		return model.OrderResult{}, false
	}
	sub := e.deps.Mover.Venue(buy).TradingAccount
	before, beforeErr := baseAvailable(ctx, client, sub, plan.Asset())

	fill, err := client.PlaceOrder(ctx, model.OrderRequest{
		Pair:     plan.Opportunity.Pair,
		Side:     model.SideBuy,
		Amount:   plan.BaseAmount,
		Type:     model.OrderTypeMarket,
		ClientID: plan.ID + "-buy",
	})
	if err != nil {
		cause := fmt.Errorf("buy: %w", err)
		if !exchange.IsTransient(err) || errors.Is(err, exchange.ErrRateLimited) {
			e.abort(ctx, r, cause, nil)
			return model.OrderResult{}, false
		}
		after, afterErr := baseAvailable(ctx, client, sub, plan.Asset())
		if beforeErr != nil || afterErr != nil {
			e.strand(ctx, r, fmt.Errorf("%w: %s balance unverifiable", cause, plan.Asset()), nil)
			return model.OrderResult{}, false
		}
		if acquired := after.Sub(before); acquired.IsPositive() {
			if err := e.deps.Ledger.Consume(quoteHold, acquired.Mul(plan.Opportunity.BuyAsk)); err != nil {
				e.logger.Warn("consume quote reservation", slog.String("plan_id", plan.ID), slog.String("error", err.Error()))
			}
			e.strand(ctx, r, fmt.Errorf("%w: order executed", cause), map[string]decimal.Decimal{"held": acquired})
			return model.OrderResult{}, false
		}
		e.abort(ctx, r, fmt.Errorf("%w: %s balance unchanged", cause, plan.Asset()), nil)
		return model.OrderResult{}, false
	}
	cost := fill.Notional().Add(fill.Fee)
	if fill.Filled.IsPositive() {
		if err := e.deps.Ledger.Consume(quoteHold, cost); err != nil {
			e.logger.Warn("consume quote reservation", slog.String("plan_id", plan.ID), slog.String("error", err.Error()))
		}
	}

	amounts := map[string]decimal.Decimal{
		"bought":   fill.Filled,
		"avgPrice": fill.AvgPrice,
		"cost":     cost,
		"fee":      fill.Fee,
	}
	refs := map[string]string{"buyOrder": fill.OrderID}
	minFill := plan.BaseAmount.Mul(one.Sub(e.cfg.FillTolerance))
	if fill.Filled.LessThan(minFill) {
		e.abort(ctx, r, fmt.Errorf("buy filled %s of %s", fill.Filled, plan.BaseAmount), func(en *model.TradeEntry) {
			en.Amounts = amounts
			en.OrderRefs = refs
		})
		return fill, false
	}
	err = e.advance(ctx, r, model.StateBuyFilled, func(en *model.TradeEntry) {
		en.Amounts = amounts
		en.OrderRefs = refs
	})
	if err != nil {
		e.strand(ctx, r, err, amounts)
		return fill, false
	}
	return fill, true
}

func baseAvailable(ctx context.Context, client exchange.Client, sub model.SubAccount, asset string) (decimal.Decimal, error) {
	bal, err := client.GetBalances(ctx, sub)
	if err != nil {
		return decimal.Zero, err
	}
	return bal[asset].Available, nil
}

// transfer moves the bought asset to the sell venue. Anything short of a
// confirmed deposit strands the plan.
func (e *Executor) transfer(ctx context.Context, r *run, bought model.OrderResult) (decimal.Decimal, bool) {
	plan := r.plan()
	buy := strings.ToLower(plan.Opportunity.BuyExchange)
	sell := strings.ToLower(plan.Opportunity.SellExchange)
	asset := plan.Asset()
	venue := e.deps.Mover.Venue(buy)
	logger := e.logger.With(slog.String("plan_id", plan.ID))

	var anomaly *balance.AnomalyError
	if err := e.deps.Ledger.Refresh(ctx, buy, venue.TradingAccount); err != nil && !errors.As(err, &anomaly) {
		logger.Warn("refresh before transfer", slog.String("error", err.Error()))
	}
	baseHold := ""
	if res, err := e.deps.Ledger.Reserve(buy, venue.TradingAccount, asset, bought.Filled, plan.ID); err != nil {
		logger.Warn("hold bought asset", slog.String("error", err.Error()))
	} else {
		r.hold(res.ID)
		baseHold = res.ID
	}

	held := map[string]decimal.Decimal{"held": bought.Filled}
	t, err := e.deps.Mover.Initiate(ctx, rebalancer.TransferRequest{
		Asset:   asset,
		Amount:  bought.Filled,
		From:    buy,
		FromSub: venue.TradingAccount,
		To:      sell,
		Route:   plan.Route,
		PlanID:  plan.ID,
	})
	if err != nil {
		e.strand(ctx, r, fmt.Errorf("initiate transfer: %w", err), held)
		return decimal.Zero, false
	}
	if baseHold != "" {
		if err := e.deps.Ledger.Consume(baseHold, t.Amount); err != nil {
			logger.Warn("consume asset reservation", slog.String("error", err.Error()))
		}
	}
	err = e.advance(ctx, r, model.StateTransferInitiated, func(en *model.TradeEntry) {
		en.Amounts = map[string]decimal.Decimal{"sent": t.Amount, "fee": t.Fee}
		en.OrderRefs = map[string]string{"transfer": t.ReferenceID}
	})
	if err != nil {
		e.strand(ctx, r, err, held)
		return decimal.Zero, false
	}

	var last rebalancer.TransferResult
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		last = e.deps.Mover.Await(ctx, t)
		switch last.Status {
		case rebalancer.StatusCompleted:
			return struct{}{}, nil
		case rebalancer.StatusFailed:
			return struct{}{}, backoff.Permanent(errors.New(last.Reason))
		default:
			return struct{}{}, errPending
		}
	}, e.retryOptions(e.cfg.TransferRetries, func(err error, wait time.Duration) {
		logger.Warn("transfer not confirmed, polling again",
			slog.String("reference_id", t.ReferenceID),
			slog.Duration("wait", wait))
	})...)

	inTransit := map[string]decimal.Decimal{"inTransit": t.Amount}
	switch last.Status {
	case rebalancer.StatusCompleted:
	case rebalancer.StatusFailed:
		e.strand(ctx, r, fmt.Errorf("transfer %s failed: %s", t.ReferenceID, last.Reason), inTransit)
		return decimal.Zero, false
	default:
		reason := "transfer still pending"
		if err != nil {
			reason = err.Error()
		}
		e.strand(ctx, r, fmt.Errorf("transfer %s unconfirmed after retries: %s", t.ReferenceID, reason), inTransit)
		return decimal.Zero, false
	}

	err = e.advance(ctx, r, model.StateTransferConfirmed, func(en *model.TradeEntry) {
		en.Amounts = map[string]decimal.Decimal{"received": last.Received}
		en.OrderRefs = map[string]string{"transfer": t.ReferenceID}
	})
	if err != nil {
		e.strand(ctx, r, err, map[string]decimal.Decimal{"held": last.Received})
		return decimal.Zero, false
	}
	return last.Received, true
}

// sell disposes of the received asset, retrying the remainder until it is
// within tolerance.
func (e *Executor) sell(ctx context.Context, r *run, bought model.OrderResult, received decimal.Decimal) {
	plan := r.plan()
	sell := strings.ToLower(plan.Opportunity.SellExchange)
	asset := plan.Asset()
	sub := e.deps.Mover.Venue(sell).TradingAccount
	logger := e.logger.With(slog.String("plan_id", plan.ID))

	client, ok := e.deps.Clients[sell]
	if !ok {
		e.strand(ctx, r, fmt.Errorf("unknown exchange %q", sell), map[string]decimal.Decimal{"held": received})
		return
	}

	var anomaly *balance.AnomalyError
	if err := e.deps.Ledger.Refresh(ctx, sell, sub); err != nil && !errors.As(err, &anomaly) {
		logger.Warn("refresh before sell", slog.String("error", err.Error()))
	}
	sellHold := ""
	if res, err := e.deps.Ledger.Reserve(sell, sub, asset, received, plan.ID); err != nil {
		logger.Warn("hold received asset", slog.String("error", err.Error()))
	} else {
		r.hold(res.ID)
		sellHold = res.ID
	}

	if err := e.advance(ctx, r, model.StateSellSubmitted, nil); err != nil {
		e.strand(ctx, r, err, map[string]decimal.Decimal{"held": received})
		return
	}

	remaining := received
	sold, gross, fees := decimal.Zero, decimal.Zero, decimal.Zero
	var orders []string
	tolerance := received.Mul(e.cfg.FillTolerance)
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		fill, err := client.PlaceOrder(ctx, model.OrderRequest{
			Pair:     plan.Opportunity.Pair,
			Side:     model.SideSell,
			Amount:   remaining,
			Type:     model.OrderTypeMarket,
			ClientID: fmt.Sprintf("%s-sell-%d", plan.ID, attempt),
		})
		if err != nil {
			return struct{}{}, err
		}
		orders = append(orders, fill.OrderID)
		sold = sold.Add(fill.Filled)
		gross = gross.Add(fill.Notional())
		fees = fees.Add(fill.Fee)
		remaining = remaining.Sub(fill.Filled)
		if sellHold != "" && fill.Filled.IsPositive() {
			if err := e.deps.Ledger.Consume(sellHold, fill.Filled); err != nil {
				logger.Warn("consume sell reservation", slog.String("error", err.Error()))
			}
		}
		if remaining.GreaterThan(tolerance) {
			return struct{}{}, errPartialSell
		}
		return struct{}{}, nil
	}, e.retryOptions(e.cfg.SellRetries, func(err error, wait time.Duration) {
		logger.Warn("sell failed, retrying", slog.String("error", err.Error()), slog.Duration("wait", wait))
	})...)
	if err != nil {
		e.strand(ctx, r, fmt.Errorf("sell: %w", err), map[string]decimal.Decimal{"held": remaining, "sold": sold})
		return
	}

	proceeds := gross.Sub(fees)
	err = e.advance(ctx, r, model.StateSellFilled, func(en *model.TradeEntry) {
		en.Amounts = map[string]decimal.Decimal{"sold": sold, "proceeds": proceeds, "fee": fees}
		en.OrderRefs = map[string]string{"sellOrder": strings.Join(orders, ",")}
	})
	if err != nil {
		e.strand(ctx, r, err, map[string]decimal.Decimal{"sold": sold})
		return
	}

	cost := bought.Notional().Add(bought.Fee)
	err = e.advance(ctx, r, model.StateSettled, func(en *model.TradeEntry) {
		en.Amounts = map[string]decimal.Decimal{"cost": cost, "proceeds": proceeds, "pnl": proceeds.Sub(cost)}
	})
	if err != nil {
		logger.Error("settle plan", slog.String("error", err.Error()))
	}
}

func (e *Executor) retryOptions(retries uint, notify backoff.Notify) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInterval
	b.MaxInterval = e.cfg.MaxRetryInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(retries + 1),
		backoff.WithMaxElapsedTime(e.cfg.MaxRetryElapsed),
		backoff.WithNotify(notify),
	}
}

// advance appends the entry for to, refusing transitions the state machine
// does not allow. Moving to BUY_SUBMITTED also fails once the plan has been
// cancelled; both checks happen under the run lock that Cancel takes.
func (e *Executor) advance(ctx context.Context, r *run, to model.State, fill func(*model.TradeEntry)) error {
	r.mu.Lock()
	from := r.record.State
	if !allowed(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == model.StateBuySubmitted && r.cancelled {
		r.mu.Unlock()
		return errCancelled
	}
	entry := newEntry(r.record.Plan, to, e.now())
	if fill != nil {
		fill(&entry)
	}
	if to.Terminal() {
		entry.Outcome = model.OutcomeFor(to)
		r.record.Outcome = entry.Outcome
		r.record.EndedAt = entry.Timestamp
		r.record.Error = entry.Error
	}
	r.record.State = to
	r.record.Entries = append(r.record.Entries, entry)
	holds := append([]string(nil), r.holds...)
	r.mu.Unlock()

	e.persist(ctx, entry)
	if e.cfg.HoldTTL > 0 && !to.Terminal() {
		for _, id := range holds {
			_ = e.deps.Ledger.Extend(id, e.cfg.HoldTTL)
		}
	}
	return nil
}

func (e *Executor) abort(ctx context.Context, r *run, cause error, fill func(*model.TradeEntry)) {
	err := e.advance(ctx, r, model.StateAborted, func(en *model.TradeEntry) {
		if fill != nil {
			fill(en)
		}
		en.Error = cause.Error()
	})
	if err != nil {
		e.logger.Error("abort plan", slog.String("cause", cause.Error()), slog.String("error", err.Error()))
	}
}

func (e *Executor) strand(ctx context.Context, r *run, cause error, amounts map[string]decimal.Decimal) {
	err := e.advance(ctx, r, model.StateStranded, func(en *model.TradeEntry) {
		en.Amounts = amounts
		en.Error = cause.Error()
	})
	if err != nil {
		e.logger.Error("strand plan", slog.String("cause", cause.Error()), slog.String("error", err.Error()))
	}
}

func (e *Executor) persist(ctx context.Context, entry model.TradeEntry) {
	if e.deps.Recorder == nil {
		return
	}
	if err := e.deps.Recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("record trade entry",
			slog.String("plan_id", entry.PlanID),
			slog.String("state", string(entry.State)),
			slog.String("error", err.Error()))
	}
}

// finish releases whatever the plan still holds, exactly once, and retires
// the run.
func (e *Executor) finish(ctx context.Context, r *run) {
	r.mu.Lock()
	state := r.record.State
	r.mu.Unlock()
	if !state.Terminal() {
		cause := errors.New("executor stopped before a terminal state")
		if cancellable(state) || state == model.StateBuySubmitted {
			e.abort(ctx, r, cause, nil)
		} else {
			e.strand(ctx, r, cause, nil)
		}
	}

	r.mu.Lock()
	holds, unlock := r.holds, r.unlock
	r.holds, r.unlock = nil, nil
	r.mu.Unlock()
	for _, id := range holds {
		e.deps.Ledger.Release(id)
	}
	if unlock != nil {
		unlock()
	}

	rec := r.snapshot()
	plan := rec.Plan
	buy := strings.ToLower(plan.Opportunity.BuyExchange)
	sell := strings.ToLower(plan.Opportunity.SellExchange)
	e.deps.Ledger.RefreshAsync(buy, e.deps.Mover.Venue(buy).TradingAccount)
	e.deps.Ledger.RefreshAsync(sell, e.deps.Mover.Venue(sell).TradingAccount)
	e.deps.Metrics.PlanFinished(string(rec.State), rec.EndedAt.Sub(rec.StartedAt))

	e.mu.Lock()
	delete(e.active, plan.ID)
	e.finished = append(e.finished, rec)
	if over := len(e.finished) - e.cfg.KeepFinished; over > 0 {
		e.finished = append([]model.TradeRecord(nil), e.finished[over:]...)
	}
	e.mu.Unlock()

	attrs := []any{
		slog.String("plan_id", plan.ID),
		slog.String("path", plan.Opportunity.PathKey()),
		slog.String("state", string(rec.State)),
		slog.String("outcome", string(rec.Outcome)),
		slog.Duration("duration", rec.EndedAt.Sub(rec.StartedAt)),
	}
	switch rec.State {
	case model.StateSettled:
		e.logger.Info("plan settled", attrs...)
	case model.StateAborted:
		e.logger.Info("plan aborted", append(attrs, slog.String("error", rec.Error))...)
	default:
		e.logger.Error("plan stranded, manual reconciliation required", append(attrs, slog.String("error", rec.Error))...)
		if e.deps.Notifier != nil {
			e.deps.Notifier.Notify(context.WithoutCancel(ctx), "stranded", fmt.Sprintf(
				"STRANDED plan %s: %s %s -> %s on %s: %s",
				plan.ID, plan.Asset(), buy, sell, plan.Route.Network, rec.Error))
		}
	}
}

func newEntry(plan model.ExecutionPlan, state model.State, ts time.Time) model.TradeEntry {
	return model.TradeEntry{
		PlanID:       plan.ID,
		Timestamp:    ts,
		State:        state,
		ExchangeBuy:  strings.ToLower(plan.Opportunity.BuyExchange),
		ExchangeSell: strings.ToLower(plan.Opportunity.SellExchange),
		Asset:        plan.Asset(),
		Network:      plan.Route.Network,
	}
}

// quoteNeeded is the quote amount to hold for a plan: notional plus the buy
// taker fee.
func quoteNeeded(plan model.ExecutionPlan) decimal.Decimal {
	return plan.NotionalUSD.Mul(one.Add(plan.Fees.BuyTakerPct.Div(hundred))).Round(8)
}
