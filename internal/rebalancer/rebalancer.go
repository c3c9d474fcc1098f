package rebalancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/internal/metrics"
	"crossarb/internal/model"
)

var (
	ErrBelowMinimum     = errors.New("rebalancer: amount below minimum withdrawal")
	ErrNoDepositAddress = errors.New("rebalancer: no deposit address")
	ErrNoSource         = errors.New("rebalancer: no funding source")
	ErrUnknownExchange  = errors.New("rebalancer: unknown exchange")

	errStillPending = errors.New("deposit still pending")
)

// Ledger is the balance manager view the rebalancer uses.
type Ledger interface {
	Available(exchange string, sub model.SubAccount, asset string) decimal.Decimal
	Reserve(exchange string, sub model.SubAccount, asset string, amount decimal.Decimal, planID string) (model.Reservation, error)
	Release(id string) bool
	Consume(id string, amount decimal.Decimal) error
	Refresh(ctx context.Context, exchange string, sub model.SubAccount) error
	RefreshAsync(exchange string, sub model.SubAccount)
}

// Routes is the fee catalog view the rebalancer uses.
type Routes interface {
	Lookup(token, exchange, network string) (model.NetworkRoute, bool)
	RoutesFor(token, exchange string) []model.NetworkRoute
}

// Venue is the account layout of one exchange.
type Venue struct {
	TradingAccount  model.SubAccount
	WithdrawAccount model.SubAccount
	Accounts        []model.SubAccount
	// DepositAddresses is keyed by asset then network.
	DepositAddresses map[string]map[string]string
}

// Config is the subset of settings the rebalancer needs.
type Config struct {
	DepositTimeout   time.Duration
	PollInterval     time.Duration
	MaxPollInterval  time.Duration
	MaxPolls         uint
	QuoteAsset       string
	DustThresholdUSD decimal.Decimal
	DustInterval     time.Duration
	Venues           map[string]Venue
}

// Status is the outcome of awaiting a transfer.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// TransferRequest moves Amount of Asset from one exchange to another over
// Route, which must be the withdrawal side on From.
type TransferRequest struct {
	Asset   string
	Amount  decimal.Decimal
	From    string
	FromSub model.SubAccount
	To      string
	Route   model.NetworkRoute
	PlanID  string
}

// Transfer is an initiated withdrawal.
type Transfer struct {
	Request     TransferRequest
	ReferenceID string
	Amount      decimal.Decimal // sent, after precision rounding
	Fee         decimal.Decimal
	Address     string
	InitiatedAt time.Time
}

// TransferResult is Completed with the received amount, Pending with the
// reference to follow, or Failed with a reason.
type TransferResult struct {
	Status   Status
	Transfer Transfer
	Received decimal.Decimal
	Reason   string
}

// Rebalancer moves capital between sub-accounts and exchanges.
type Rebalancer struct {
	cfg     Config
	clients map[string]exchange.Client
	ledger  Ledger
	routes  Routes
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a rebalancer.
func New(cfg Config, clients map[string]exchange.Client, ledger Ledger, routes Routes, m *metrics.Metrics, logger *slog.Logger) *Rebalancer {
	venues := make(map[string]Venue, len(cfg.Venues))
	for name, v := range cfg.Venues {
		addrs := make(map[string]map[string]string, len(v.DepositAddresses))
		for asset, nets := range v.DepositAddresses {
			byNet := make(map[string]string, len(nets))
			for n, addr := range nets {
				byNet[strings.ToUpper(n)] = addr
			}
			addrs[strings.ToUpper(asset)] = byNet
		}
		v.DepositAddresses = addrs
		if v.TradingAccount == "" {
			v.TradingAccount = model.SubAccountSpot
		}
		if v.WithdrawAccount == "" {
			v.WithdrawAccount = v.TradingAccount
		}
		venues[strings.ToLower(name)] = v
	}
	cfg.Venues = venues
	return &Rebalancer{
		cfg:     cfg,
		clients: clients,
		ledger:  ledger,
		routes:  routes,
		logger:  logger.With(slog.String("component", "rebalancer")),
		metrics: m,
		now:     time.Now,
	}
}

func (r *Rebalancer) client(name string) (exchange.Client, error) {
	c, ok := r.clients[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
	return c, nil
}

// Venue returns the account layout of an exchange.
func (r *Rebalancer) Venue(name string) Venue {
	if v, ok := r.cfg.Venues[strings.ToLower(name)]; ok {
		return v
	}
	return Venue{TradingAccount: model.SubAccountSpot, WithdrawAccount: model.SubAccountSpot}
}

// Initiate moves funds to the withdraw account when needed, rounds the amount
// to the route's precision and submits the withdrawal.
func (r *Rebalancer) Initiate(ctx context.Context, req TransferRequest) (Transfer, error) {
	src, err := r.client(req.From)
	if err != nil {
		return Transfer{}, err
	}
	if _, err := r.client(req.To); err != nil {
		return Transfer{}, err
	}
	venue := r.Venue(req.From)
	asset := strings.ToUpper(req.Asset)

	amount := req.Route.RoundAmount(req.Amount)
	if !amount.IsPositive() || amount.LessThan(req.Route.MinWithdraw) {
		return Transfer{}, fmt.Errorf("%w: %s %s < %s on %s", ErrBelowMinimum, amount, asset, req.Route.MinWithdraw, req.Route.Network)
	}

	address, err := r.depositAddress(ctx, req.To, asset, req.Route.Network)
	if err != nil {
		return Transfer{}, err
	}

	if req.FromSub != "" && req.FromSub != venue.WithdrawAccount {
		t, ok := src.(exchange.InternalTransferer)
		if !ok {
			return Transfer{}, fmt.Errorf("rebalancer: %s cannot move funds from %s: %w", req.From, req.FromSub, exchange.ErrUnsupported)
		}
		if err := t.InternalTransfer(ctx, asset, amount, req.FromSub, venue.WithdrawAccount); err != nil {
			return Transfer{}, fmt.Errorf("rebalancer: internal transfer on %s: %w", req.From, err)
		}
		r.ledger.RefreshAsync(req.From, req.FromSub)
	}

	res, err := src.Withdraw(ctx, model.WithdrawRequest{
		Asset:       asset,
		Network:     req.Route.Network,
		Amount:      amount,
		Address:     address,
		Destination: strings.ToLower(req.To),
	})
	if err != nil {
		return Transfer{}, fmt.Errorf("rebalancer: withdraw %s from %s: %w", asset, req.From, err)
	}
	r.ledger.RefreshAsync(req.From, venue.WithdrawAccount)

	t := Transfer{
		Request:     req,
		ReferenceID: res.ReferenceID,
		Amount:      amount,
		Fee:         res.Fee,
		Address:     address,
		InitiatedAt: r.now(),
	}
	r.logger.Info("transfer initiated",
		slog.String("plan_id", req.PlanID),
		slog.String("asset", asset),
		slog.String("from", req.From), slog.String("to", req.To),
		slog.String("network", req.Route.Network),
		slog.String("amount", amount.String()),
		slog.String("reference_id", res.ReferenceID))
	return t, nil
}

func (r *Rebalancer) depositAddress(ctx context.Context, to, asset, network string) (string, error) {
	dst, err := r.client(to)
	if err != nil {
		return "", err
	}
	if a, ok := dst.(exchange.DepositAddresser); ok {
		addr, err := a.DepositAddress(ctx, asset, network)
		if err == nil && addr != "" {
			return addr, nil
		}
		if err != nil && !errors.Is(err, exchange.ErrUnsupported) {
			return "", fmt.Errorf("rebalancer: deposit address on %s: %w", to, err)
		}
	}
	if addr := r.Venue(to).DepositAddresses[strings.ToUpper(asset)][strings.ToUpper(network)]; addr != "" {
		return addr, nil
	}
	return "", fmt.Errorf("%w: %s %s on %s", ErrNoDepositAddress, asset, network, to)
}

// Await polls the destination with exponential backoff until the deposit
// confirms, fails, or the poll budget runs out.
func (r *Rebalancer) Await(ctx context.Context, t Transfer) TransferResult {
	dst, err := r.client(t.Request.To)
	if err != nil {
		return TransferResult{Status: StatusFailed, Transfer: t, Reason: err.Error()}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.PollInterval
	b.MaxInterval = r.cfg.MaxPollInterval
	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if r.cfg.MaxPolls > 0 {
		opts = append(opts, backoff.WithMaxTries(r.cfg.MaxPolls))
	}
	if r.cfg.DepositTimeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.cfg.DepositTimeout))
	}

	var last model.DepositStatus
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		st, err := dst.GetDepositStatus(ctx, t.ReferenceID)
		if err != nil {
			// Destinations may not know a reference until the chain sees it.
			return struct{}{}, err
		}
		last = st
		switch st.State {
		case model.DepositConfirmed:
			return struct{}{}, nil
		case model.DepositFailed:
			return struct{}{}, backoff.Permanent(fmt.Errorf("deposit failed: %s", st.Reason))
		default:
			return struct{}{}, errStillPending
		}
	}, opts...)

	switch {
	case err == nil:
		r.metrics.RecordTransfer(string(StatusCompleted))
		r.ledger.RefreshAsync(t.Request.To, r.Venue(t.Request.To).TradingAccount)
		received := last.Amount
		if !received.IsPositive() {
			received = t.Amount.Sub(t.Fee)
		}
		r.logger.Info("transfer confirmed", slog.String("reference_id", t.ReferenceID), slog.String("received", received.String()))
		return TransferResult{Status: StatusCompleted, Transfer: t, Received: received}
	case last.State == model.DepositFailed:
		r.metrics.RecordTransfer(string(StatusFailed))
		r.logger.Error("transfer failed", slog.String("reference_id", t.ReferenceID), slog.String("reason", last.Reason))
		return TransferResult{Status: StatusFailed, Transfer: t, Reason: last.Reason}
	default:
		r.metrics.RecordTransfer(string(StatusPending))
		r.logger.Warn("transfer still pending", slog.String("reference_id", t.ReferenceID), slog.String("error", err.Error()))
		return TransferResult{Status: StatusPending, Transfer: t, Reason: err.Error()}
	}
}

// Transfer initiates then awaits. An initiation error is a Failed result.
func (r *Rebalancer) Transfer(ctx context.Context, req TransferRequest) TransferResult {
	t, err := r.Initiate(ctx, req)
	if err != nil {
		r.metrics.RecordTransfer(string(StatusFailed))
		return TransferResult{Status: StatusFailed, Transfer: Transfer{Request: req}, Reason: err.Error()}
	}
	return r.Await(ctx, t)
}

// FundRequest asks for Amount of Asset to be available on Exchange/SubAccount.
type FundRequest struct {
	Exchange   string
	SubAccount model.SubAccount
	Asset      string
	Amount     decimal.Decimal
	PlanID     string
}

// Fund covers a shortfall just in time: first from another sub-account of
// the same exchange, then from another exchange over the cheapest route.
// The source is reserved for the duration of the move.
func (r *Rebalancer) Fund(ctx context.Context, req FundRequest) (TransferResult, error) {
	asset := strings.ToUpper(req.Asset)
	target := strings.ToLower(req.Exchange)

	for _, sub := range r.Venue(target).Accounts {
		if sub == req.SubAccount || r.ledger.Available(target, sub, asset).LessThan(req.Amount) {
			continue
		}
		return r.fundInternal(ctx, target, sub, req)
	}

	src, ok := r.cheapestSource(asset, target, req.Amount)
	if !ok {
		return TransferResult{}, fmt.Errorf("%w: %s %s for %s", ErrNoSource, req.Amount, asset, target)
	}
	res, err := r.ledger.Reserve(src.exchange, src.sub, asset, src.send, req.PlanID)
	if err != nil {
		return TransferResult{}, fmt.Errorf("rebalancer: reserve funding source: %w", err)
	}
	defer r.ledger.Release(res.ID)

	result := r.Transfer(ctx, TransferRequest{
		Asset:   asset,
		Amount:  src.send,
		From:    src.exchange,
		FromSub: src.sub,
		To:      target,
		Route:   src.route,
		PlanID:  req.PlanID,
	})
	if result.Transfer.ReferenceID != "" && result.Status != StatusFailed {
		if err := r.ledger.Consume(res.ID, result.Transfer.Amount); err != nil {
			r.logger.Warn("consume funding reservation", slog.String("error", err.Error()))
		}
	}
	r.ledger.RefreshAsync(src.exchange, src.sub)
	r.ledger.RefreshAsync(target, req.SubAccount)
	if result.Status != StatusCompleted {
		return result, fmt.Errorf("rebalancer: funding transfer %s: %s", result.Status, result.Reason)
	}
	return result, nil
}

func (r *Rebalancer) fundInternal(ctx context.Context, ex string, from model.SubAccount, req FundRequest) (TransferResult, error) {
	asset := strings.ToUpper(req.Asset)
	c, err := r.client(ex)
	if err != nil {
		return TransferResult{}, err
	}
	t, ok := c.(exchange.InternalTransferer)
	if !ok {
		return TransferResult{}, fmt.Errorf("rebalancer: %s: %w", ex, exchange.ErrUnsupported)
	}
	res, err := r.ledger.Reserve(ex, from, asset, req.Amount, req.PlanID)
	if err != nil {
		return TransferResult{}, fmt.Errorf("rebalancer: reserve %s/%s: %w", ex, from, err)
	}
	defer r.ledger.Release(res.ID)

	if err := t.InternalTransfer(ctx, asset, req.Amount, from, req.SubAccount); err != nil {
		return TransferResult{}, fmt.Errorf("rebalancer: internal transfer on %s: %w", ex, err)
	}
	if err := r.ledger.Consume(res.ID, req.Amount); err != nil {
		r.logger.Warn("consume funding reservation", slog.String("error", err.Error()))
	}
	if err := r.ledger.Refresh(ctx, ex, req.SubAccount); err != nil {
		r.logger.Debug("refresh after internal funding", slog.String("error", err.Error()))
	}
	r.ledger.RefreshAsync(ex, from)
	r.logger.Info("funded from sibling account", slog.String("exchange", ex), slog.String("from", string(from)), slog.String("to", string(req.SubAccount)), slog.String("amount", req.Amount.String()))
	return TransferResult{
		Status:   StatusCompleted,
		Transfer: Transfer{Request: TransferRequest{Asset: asset, Amount: req.Amount, From: ex, FromSub: from, To: ex}, Amount: req.Amount},
		Received: req.Amount,
	}, nil
}

type source struct {
	exchange string
	sub      model.SubAccount
	route    model.NetworkRoute
	send     decimal.Decimal
	cost     decimal.Decimal
}

// cheapestSource finds another exchange that can send amount plus its fee
// over a route the target accepts.
func (r *Rebalancer) cheapestSource(asset, target string, amount decimal.Decimal) (source, bool) {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	var best source
	found := false
	for _, name := range names {
		if name == target {
			continue
		}
		venue := r.Venue(name)
		for _, rt := range r.routes.RoutesFor(asset, name) {
			if !rt.CanWithdraw() {
				continue
			}
			dest, ok := r.routes.Lookup(asset, target, rt.Network)
			if !ok || !dest.CanDeposit() {
				continue
			}
			send := roundUp(amount.Add(rt.WithdrawFee), rt.WithdrawPrecision)
			if send.LessThan(rt.MinWithdraw) {
				send = rt.MinWithdraw
			}
			for _, sub := range accountsFor(venue) {
				if r.ledger.Available(name, sub, asset).LessThan(send) {
					continue
				}
				if !found || rt.WithdrawFee.LessThan(best.cost) {
					best = source{exchange: name, sub: sub, route: rt, send: send, cost: rt.WithdrawFee}
					found = true
				}
				break
			}
		}
	}
	return best, found
}

func accountsFor(v Venue) []model.SubAccount {
	out := []model.SubAccount{v.WithdrawAccount}
	for _, s := range append([]model.SubAccount{v.TradingAccount}, v.Accounts...) {
		if s != v.WithdrawAccount {
			out = append(out, s)
		}
	}
	return out
}

func roundUp(d decimal.Decimal, places int32) decimal.Decimal {
	t := d.Truncate(places)
	if t.Equal(d) {
		return t
	}
	return t.Add(decimal.New(1, -places))
}
