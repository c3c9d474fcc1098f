package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/model"
)

var hundred = decimal.NewFromInt(100)

// RouteFunc resolves the withdrawal metadata for a token on a network.
type RouteFunc func(token, exchange, network string) (model.NetworkRoute, bool)

// PaperNetwork carries simulated withdrawals between paper venues. A deposit
// becomes visible at the destination once its confirm-class delay elapsed.
type PaperNetwork struct {
	mu        sync.Mutex
	venues    map[string]*Paper
	transfers map[string]*paperTransfer
	delays    map[model.ConfirmClass]time.Duration
	failing   map[string]bool
	routes    RouteFunc
	now       func() time.Time
}

type paperTransfer struct {
	id      string
	from    string
	to      string
	asset   string
	amount  decimal.Decimal // net of fee
	gross   decimal.Decimal
	readyAt time.Time
	state   model.DepositState
	reason  string
}

// NewPaperNetwork returns a network with fast/medium/slow delays of 2s/10s/30s.
func NewPaperNetwork(routes RouteFunc) *PaperNetwork {
	return &PaperNetwork{
		venues:    make(map[string]*Paper),
		transfers: make(map[string]*paperTransfer),
		delays: map[model.ConfirmClass]time.Duration{
			model.ConfirmFast:   2 * time.Second,
			model.ConfirmMedium: 10 * time.Second,
			model.ConfirmSlow:   30 * time.Second,
		},
		failing: make(map[string]bool),
		routes:  routes,
		now:     time.Now,
	}
}

// SetDelay overrides the confirmation delay of a class.
func (n *PaperNetwork) SetDelay(class model.ConfirmClass, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delays[class] = d
}

// FailDeposits makes deposits into venue fail and refunds their source.
func (n *PaperNetwork) FailDeposits(venue string, fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[strings.ToLower(venue)] = fail
}

func (n *PaperNetwork) attach(p *Paper) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.venues[p.name] = p
}

func (n *PaperNetwork) send(from *Paper, req model.WithdrawRequest, fee decimal.Decimal, class model.ConfirmClass) (string, error) {
	to := strings.ToLower(req.Destination)
	if to == "" {
		to = venueFromAddress(req.Address)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.venues[to]; !ok {
		return "", fmt.Errorf("%w: no paper venue behind address %q", ErrRejected, req.Address)
	}
	t := &paperTransfer{
		id:      uuid.NewString(),
		from:    from.name,
		to:      to,
		asset:   req.Asset,
		amount:  req.Amount.Sub(fee),
		gross:   req.Amount,
		readyAt: n.now().Add(n.delays[class]),
		state:   model.DepositPending,
	}
	n.transfers[t.id] = t
	return t.id, nil
}

// settle advances a transfer and credits or refunds exactly once.
func (n *PaperNetwork) settle(venue, ref string) (model.DepositStatus, error) {
	n.mu.Lock()
	t, ok := n.transfers[ref]
	if !ok || t.to != venue {
		n.mu.Unlock()
		return model.DepositStatus{}, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
	}
	now := n.now()
	var credit func()
	if t.state == model.DepositPending && !now.Before(t.readyAt) {
		if n.failing[t.to] {
			t.state = model.DepositFailed
			t.reason = "deposit rejected by destination"
			src := n.venues[t.from]
			credit = func() { src.credit(src.withdrawAccount, t.asset, t.gross) }
		} else {
			t.state = model.DepositConfirmed
			dst := n.venues[t.to]
			credit = func() { dst.credit(dst.tradingAccount, t.asset, t.amount) }
		}
	}
	status := model.DepositStatus{
		ReferenceID: t.id,
		State:       t.state,
		Amount:      t.amount,
		Reason:      t.reason,
		UpdatedAt:   now,
	}
	n.mu.Unlock()
	if credit != nil {
		credit()
	}
	return status, nil
}

// PaperAddress is the deposit address a paper venue hands out.
func PaperAddress(venue, asset, network string) string {
	return "paper:" + strings.ToLower(venue) + ":" + strings.ToUpper(asset) + ":" + strings.ToUpper(network)
}

func venueFromAddress(addr string) string {
	parts := strings.Split(addr, ":")
	if len(parts) < 2 || parts[0] != "paper" {
		return ""
	}
	return parts[1]
}

// PaperOptions configures a simulated venue.
type PaperOptions struct {
	TakerFeePercent decimal.Decimal
	TradingAccount  model.SubAccount
	WithdrawAccount model.SubAccount
	// SyntheticDepthUSD is the minimum quote depth given to each side of a
	// ticker-fed book.
	SyntheticDepthUSD decimal.Decimal
}

// Paper is an in-memory venue. Market orders walk the current book and pay
// the taker fee in quote; fills do not deplete the book. Deposits land in
// the trading account.
type Paper struct {
	name            string
	takerPct        decimal.Decimal
	tradingAccount  model.SubAccount
	withdrawAccount model.SubAccount
	syntheticDepth  decimal.Decimal
	network         *PaperNetwork

	mu       sync.RWMutex
	books    map[model.Pair]model.OrderBookSnapshot
	markets  map[model.Pair]model.Market
	balances map[model.SubAccount]map[string]decimal.Decimal
	now      func() time.Time
}

// NewPaper creates a paper venue and attaches it to network.
func NewPaper(name string, opts PaperOptions, network *PaperNetwork) *Paper {
	if opts.TradingAccount == "" {
		opts.TradingAccount = model.SubAccountSpot
	}
	if opts.WithdrawAccount == "" {
		opts.WithdrawAccount = opts.TradingAccount
	}
	p := &Paper{
		name:            strings.ToLower(name),
		takerPct:        opts.TakerFeePercent,
		tradingAccount:  opts.TradingAccount,
		withdrawAccount: opts.WithdrawAccount,
		syntheticDepth:  opts.SyntheticDepthUSD,
		network:         network,
		books:           make(map[model.Pair]model.OrderBookSnapshot),
		markets:         make(map[model.Pair]model.Market),
		balances:        make(map[model.SubAccount]map[string]decimal.Decimal),
		now:             time.Now,
	}
	if network != nil {
		network.attach(p)
	}
	return p
}

func (p *Paper) Name() string { return p.name }

// SetBook installs a book. A zero timestamp marks it static: it is stamped
// with the current time on every read.
func (p *Paper) SetBook(book model.OrderBookSnapshot) {
	book.Exchange = p.name
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books[book.Pair] = book
	if _, ok := p.markets[book.Pair]; !ok {
		p.markets[book.Pair] = model.Market{Pair: book.Pair, Tradable: true}
	}
}

// SetMarket overrides listing metadata for a pair.
func (p *Paper) SetMarket(m model.Market) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markets[m.Pair] = m
}

// ApplyTicker turns a top-of-book tick into a one-level book per side.
func (p *Paper) ApplyTicker(tick model.PriceTick) {
	level := func(price, qty decimal.Decimal) []model.PriceLevel {
		if !price.IsPositive() {
			return nil
		}
		if p.syntheticDepth.IsPositive() {
			qty = decimal.Max(qty, p.syntheticDepth.Div(price))
		}
		return []model.PriceLevel{{Price: price, Qty: qty}}
	}
	ts := tick.Time
	if ts.IsZero() {
		ts = p.now()
	}
	p.SetBook(model.OrderBookSnapshot{
		Pair:      tick.Pair,
		Bids:      level(tick.Bid, tick.BidQty),
		Asks:      level(tick.Ask, tick.AskQty),
		Timestamp: ts,
	})
}

// Credit adds amount to a sub-account balance.
func (p *Paper) Credit(sub model.SubAccount, asset string, amount decimal.Decimal) {
	p.credit(sub, strings.ToUpper(asset), amount)
}

func (p *Paper) credit(sub model.SubAccount, asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(sub, asset, amount)
}

func (p *Paper) addLocked(sub model.SubAccount, asset string, amount decimal.Decimal) {
	acct, ok := p.balances[sub]
	if !ok {
		acct = make(map[string]decimal.Decimal)
		p.balances[sub] = acct
	}
	acct[asset] = acct[asset].Add(amount)
}

func (p *Paper) debitLocked(sub model.SubAccount, asset string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	have := p.balances[sub][asset]
	if have.LessThan(amount) {
		return fmt.Errorf("%w: %s/%s/%s has %s, needs %s", ErrInsufficientBalance, p.name, sub, asset, have, amount)
	}
	p.balances[sub][asset] = have.Sub(amount)
	return nil
}

func (p *Paper) Markets(ctx context.Context) ([]model.Market, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Market, 0, len(p.markets))
	for _, m := range p.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.String() < out[j].Pair.String() })
	return out, nil
}

func (p *Paper) GetOrderBook(ctx context.Context, pair model.Pair, depth int) (model.OrderBookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderBookSnapshot{}, err
	}
	p.mu.RLock()
	book, ok := p.books[pair]
	p.mu.RUnlock()
	if !ok {
		return model.OrderBookSnapshot{}, fmt.Errorf("%w: %s on %s", ErrUnknownPair, pair, p.name)
	}
	if book.Timestamp.IsZero() {
		book.Timestamp = p.now()
	}
	book.Bids = truncate(book.Bids, depth)
	book.Asks = truncate(book.Asks, depth)
	return book, nil
}

func truncate(levels []model.PriceLevel, depth int) []model.PriceLevel {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return append([]model.PriceLevel(nil), levels...)
}

func (p *Paper) GetBalances(ctx context.Context, sub model.SubAccount) (map[string]model.Balance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.now()
	out := make(map[string]model.Balance, len(p.balances[sub]))
	for asset, amt := range p.balances[sub] {
		out[asset] = model.Balance{
			Key:       model.BalanceKey{Exchange: p.name, SubAccount: sub, Asset: asset},
			Available: amt,
			UpdatedAt: now,
		}
	}
	return out, nil
}

// walk consumes up to qty base units from levels and returns filled base and
// spent quote.
func walk(levels []model.PriceLevel, qty decimal.Decimal) (filled, quote decimal.Decimal) {
	remaining := qty
	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lvl.Qty)
		filled = filled.Add(take)
		quote = quote.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}
	return filled, quote
}

func (p *Paper) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderResult{}, err
	}
	if !req.Amount.IsPositive() {
		return model.OrderResult{}, fmt.Errorf("%w: non-positive amount %s", ErrRejected, req.Amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	book, ok := p.books[req.Pair]
	if !ok {
		return model.OrderResult{}, fmt.Errorf("%w: %s on %s", ErrUnknownPair, req.Pair, p.name)
	}
	levels := book.Asks
	if req.Side == model.SideSell {
		levels = book.Bids
	}
	if req.Type == model.OrderTypeLimit && req.Price.IsPositive() {
		levels = limitLevels(levels, req.Side, req.Price)
	}
	filled, quote := walk(levels, req.Amount)
	if filled.IsZero() {
		return model.OrderResult{}, fmt.Errorf("%w: no liquidity for %s %s on %s", ErrRejected, req.Side, req.Pair, p.name)
	}
	fee := quote.Mul(p.takerPct).Div(hundred)

	switch req.Side {
	case model.SideBuy:
		if err := p.debitLocked(p.tradingAccount, req.Pair.Quote, quote.Add(fee)); err != nil {
			return model.OrderResult{}, err
		}
		p.addLocked(p.tradingAccount, req.Pair.Base, filled)
	case model.SideSell:
		if err := p.debitLocked(p.tradingAccount, req.Pair.Base, filled); err != nil {
			return model.OrderResult{}, err
		}
		p.addLocked(p.tradingAccount, req.Pair.Quote, quote.Sub(fee))
	default:
		return model.OrderResult{}, fmt.Errorf("%w: unknown side %q", ErrRejected, req.Side)
	}

	return model.OrderResult{
		OrderID:  uuid.NewString(),
		Filled:   filled,
		AvgPrice: quote.Div(filled),
		Fee:      fee,
	}, nil
}

func limitLevels(levels []model.PriceLevel, side model.Side, limit decimal.Decimal) []model.PriceLevel {
	out := levels[:0:0]
	for _, lvl := range levels {
		if side == model.SideBuy && lvl.Price.GreaterThan(limit) {
			break
		}
		if side == model.SideSell && lvl.Price.LessThan(limit) {
			break
		}
		out = append(out, lvl)
	}
	return out
}

func (p *Paper) InternalTransfer(ctx context.Context, asset string, amount decimal.Decimal, from, to model.SubAccount) error {
	asset = strings.ToUpper(asset)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.debitLocked(from, asset, amount); err != nil {
		return err
	}
	p.addLocked(to, asset, amount)
	return nil
}

func (p *Paper) DepositAddress(ctx context.Context, asset, network string) (string, error) {
	return PaperAddress(p.name, asset, network), nil
}

func (p *Paper) Withdraw(ctx context.Context, req model.WithdrawRequest) (model.WithdrawResult, error) {
	if p.network == nil {
		return model.WithdrawResult{}, fmt.Errorf("%w: %s is not attached to a paper network", ErrUnsupported, p.name)
	}
	fee, class := decimal.Zero, model.ConfirmMedium
	if p.network.routes != nil {
		if r, ok := p.network.routes(req.Asset, p.name, req.Network); ok {
			if !r.CanWithdraw() {
				return model.WithdrawResult{}, fmt.Errorf("%w: withdrawals of %s on %s are disabled", ErrRejected, req.Asset, req.Network)
			}
			if r.MinWithdraw.IsPositive() && req.Amount.LessThan(r.MinWithdraw) {
				return model.WithdrawResult{}, fmt.Errorf("%w: %s below minimum %s", ErrRejected, req.Amount, r.MinWithdraw)
			}
			fee, class = r.WithdrawFee, r.Confirm
		}
	}
	if req.Amount.LessThanOrEqual(fee) {
		return model.WithdrawResult{}, fmt.Errorf("%w: amount %s does not cover fee %s", ErrRejected, req.Amount, fee)
	}

	p.mu.Lock()
	err := p.debitLocked(p.withdrawAccount, req.Asset, req.Amount)
	p.mu.Unlock()
	if err != nil {
		return model.WithdrawResult{}, err
	}

	ref, err := p.network.send(p, req, fee, class)
	if err != nil {
		p.credit(p.withdrawAccount, req.Asset, req.Amount)
		return model.WithdrawResult{}, err
	}
	return model.WithdrawResult{ReferenceID: ref, Fee: fee}, nil
}

func (p *Paper) GetDepositStatus(ctx context.Context, referenceID string) (model.DepositStatus, error) {
	if p.network == nil {
		return model.DepositStatus{}, fmt.Errorf("%w: %s", ErrUnknownReference, referenceID)
	}
	return p.network.settle(p.name, referenceID)
}

var (
	_ Client             = (*Paper)(nil)
	_ InternalTransferer = (*Paper)(nil)
	_ DepositAddresser   = (*Paper)(nil)
)
