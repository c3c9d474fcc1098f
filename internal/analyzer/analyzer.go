package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"crossarb/internal/exchange"
	"crossarb/internal/metrics"
	"crossarb/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Routes is the fee catalog view the analyzer needs.
type Routes interface {
	Lookup(token, exchange, network string) (model.NetworkRoute, bool)
	RoutesFor(token, exchange string) []model.NetworkRoute
}

// Config is the subset of settings the analyzer needs.
type Config struct {
	NotionalUSD     decimal.Decimal
	MaxGrossPct     decimal.Decimal
	MinProfitNetPct decimal.Decimal
	MinLiquidityUSD decimal.Decimal
	QuoteMaxAge     time.Duration
	BookDepth       int
	// TakerFeePct is keyed by exchange name.
	TakerFeePct map[string]decimal.Decimal
	Workers     int
}

// Analyzer turns raw opportunities into execution plans. It only reads.
type Analyzer struct {
	cfg     Config
	policy  Policy
	routes  Routes
	clients map[string]exchange.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an analyzer.
func New(cfg Config, policy Policy, routes Routes, clients map[string]exchange.Client, m *metrics.Metrics, logger *slog.Logger) *Analyzer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Analyzer{
		cfg:     cfg,
		policy:  policy,
		routes:  routes,
		clients: clients,
		logger:  logger.With(slog.String("component", "analyzer")),
		metrics: m,
		now:     time.Now,
	}
}

// Evaluate checks the ceiling, policy, liquidity, network and net profit of
// opp, then re-reads both books before admitting it. Every refusal is a
// *Rejection.
func (a *Analyzer) Evaluate(ctx context.Context, opp model.Opportunity) (model.ExecutionPlan, error) {
	plan, err := a.evaluate(ctx, opp)
	if err != nil {
		a.observe(opp, err)
		return model.ExecutionPlan{}, err
	}
	f, _ := plan.NetProfitPct.Float64()
	a.metrics.RecordAdmitted(f)
	a.logger.Info("plan admitted",
		slog.String("plan_id", plan.ID),
		slog.String("path", opp.PathKey()),
		slog.String("network", plan.Route.Network),
		slog.String("gross_pct", plan.GrossPct.StringFixed(4)),
		slog.String("net_pct", plan.NetProfitPct.StringFixed(4)))
	return plan, nil
}

func (a *Analyzer) observe(opp model.Opportunity, err error) {
	if reason, ok := ReasonOf(err); ok {
		a.metrics.RecordRejection(string(reason))
		a.logger.Debug("opportunity rejected", slog.String("path", opp.PathKey()), slog.String("reason", string(reason)), slog.String("error", err.Error()))
		return
	}
	a.logger.Warn("opportunity evaluation failed", slog.String("path", opp.PathKey()), slog.String("error", err.Error()))
}

func (a *Analyzer) evaluate(ctx context.Context, opp model.Opportunity) (model.ExecutionPlan, error) {
	asset := strings.ToUpper(opp.Asset())
	buy, sell := strings.ToLower(opp.BuyExchange), strings.ToLower(opp.SellExchange)

	if opp.GrossPct.GreaterThanOrEqual(a.cfg.MaxGrossPct) {
		return model.ExecutionPlan{}, reject(ReasonAnomaly, "gross %s%% at or above ceiling %s%%", opp.GrossPct.StringFixed(4), a.cfg.MaxGrossPct)
	}
	if a.policy.AssetBlocked(asset) {
		return model.ExecutionPlan{}, reject(ReasonBlacklisted, "asset %s", asset)
	}
	for _, ex := range []string{buy, sell} {
		if a.policy.ExchangeBlocked(ex) {
			return model.ExecutionPlan{}, reject(ReasonBlacklisted, "exchange %s", ex)
		}
	}

	liq, err := a.liquidity(opp.BuyBook, opp.SellBook)
	if err != nil {
		return model.ExecutionPlan{}, err
	}

	route, dest, err := a.selectNetwork(asset, buy, sell, liq.base, liq.buyPrice)
	if err != nil {
		return model.ExecutionPlan{}, err
	}

	fees := a.fees(buy, sell, route, liq.buyPrice)
	net := opp.GrossPct.Sub(fees.Total())
	if net.LessThan(a.cfg.MinProfitNetPct) {
		return model.ExecutionPlan{}, reject(ReasonBelowThreshold, "net %s%% below %s%%", net.StringFixed(4), a.cfg.MinProfitNetPct)
	}

	plan := model.ExecutionPlan{
		ID:                   uuid.NewString(),
		Opportunity:          opp,
		Route:                route,
		DestRoute:            dest,
		GrossPct:             opp.GrossPct,
		NetProfitPct:         net,
		Fees:                 fees,
		NotionalUSD:          a.cfg.NotionalUSD,
		BaseAmount:           liq.base,
		LiquidityHeadroomUSD: liq.headroom,
		CreatedAt:            a.now(),
	}
	return a.Recheck(ctx, plan)
}

type liquidity struct {
	buyPrice decimal.Decimal
	base     decimal.Decimal
	headroom decimal.Decimal
}

// liquidity requires both sides to absorb the notional and to carry at least
// the configured minimum depth.
func (a *Analyzer) liquidity(buyBook, sellBook model.OrderBookSnapshot) (liquidity, error) {
	notional := a.cfg.NotionalUSD
	depthBuy := buyBook.DepthUSD(model.SideBuy, decimal.Zero)
	depthSell := sellBook.DepthUSD(model.SideSell, decimal.Zero)
	thin := decimal.Min(depthBuy, depthSell)
	// Depth must cover the notional and strictly exceed the liquidity floor.
	if thin.LessThan(notional) || thin.LessThanOrEqual(a.cfg.MinLiquidityUSD) {
		return liquidity{}, reject(ReasonInsufficientLiquidity, "depth buy %s sell %s, need %s and more than %s",
			depthBuy.StringFixed(2), depthSell.StringFixed(2), notional, a.cfg.MinLiquidityUSD)
	}
	price, base, ok := buyBook.VWAP(model.SideBuy, notional)
	if !ok {
		return liquidity{}, reject(ReasonInsufficientLiquidity, "buy book cannot fill %s", notional)
	}
	return liquidity{
		buyPrice: price,
		base:     base,
		headroom: thin.Sub(notional),
	}, nil
}

// selectNetwork picks the cheapest eligible route; ties go to the faster
// confirmation class, then the network name.
func (a *Analyzer) selectNetwork(asset, buy, sell string, base, buyPrice decimal.Decimal) (model.NetworkRoute, model.NetworkRoute, error) {
	candidates := a.routes.RoutesFor(asset, buy)
	forced, isForced := a.policy.Forced(asset)

	var (
		best, bestDest model.NetworkRoute
		found          bool
		bestCost       decimal.Decimal
		blocked        int
		considered     int
	)
	for _, r := range candidates {
		if isForced && r.Network != forced {
			continue
		}
		if !r.CanWithdraw() || a.policy.NetworkRestricted(asset, r.Network) {
			continue
		}
		dest, ok := a.routes.Lookup(asset, sell, r.Network)
		if !ok || !dest.CanDeposit() {
			continue
		}
		if base.LessThan(r.MinWithdraw) {
			continue
		}
		if dest.MinDeposit.IsPositive() && base.Sub(r.WithdrawFee).LessThan(dest.MinDeposit) {
			continue
		}
		considered++
		if a.policy.PathBlocked(asset, buy, sell, r.Network) {
			blocked++
			continue
		}
		cost := r.WithdrawFee.Mul(buyPrice)
		if !found || better(cost, r, bestCost, best) {
			best, bestDest, bestCost, found = r, dest, cost, true
		}
	}
	if !found {
		if considered > 0 && blocked == considered {
			return model.NetworkRoute{}, model.NetworkRoute{}, reject(ReasonBlacklisted, "%s %s->%s blacklisted on every network", asset, buy, sell)
		}
		detail := fmt.Sprintf("%s %s->%s among %d routes", asset, buy, sell, len(candidates))
		if isForced {
			detail += " (forced " + forced + ")"
		}
		return model.NetworkRoute{}, model.NetworkRoute{}, reject(ReasonNoEligibleNetwork, "%s", detail)
	}
	return best, bestDest, nil
}

func better(cost decimal.Decimal, r model.NetworkRoute, bestCost decimal.Decimal, best model.NetworkRoute) bool {
	if c := cost.Cmp(bestCost); c != 0 {
		return c < 0
	}
	if r.Confirm != best.Confirm {
		return r.Confirm < best.Confirm
	}
	return r.Network < best.Network
}

func (a *Analyzer) fees(buy, sell string, route model.NetworkRoute, buyPrice decimal.Decimal) model.FeeBreakdown {
	networkUSD := route.WithdrawFee.Mul(buyPrice)
	return model.FeeBreakdown{
		BuyTakerPct:  a.cfg.TakerFeePct[buy],
		SellTakerPct: a.cfg.TakerFeePct[sell],
		NetworkPct:   networkUSD.Div(a.cfg.NotionalUSD).Mul(hundred),
		NetworkFee:   route.WithdrawFee,
	}
}

// Recheck re-reads both books and recomputes the plan on fresh prices on its
// chosen network. It rejects stale or vanished quotes and spreads that
// narrowed below the threshold.
func (a *Analyzer) Recheck(ctx context.Context, plan model.ExecutionPlan) (model.ExecutionPlan, error) {
	opp := plan.Opportunity
	buyBook, err := a.fresh(ctx, opp.BuyExchange, opp.Pair)
	if err != nil {
		return model.ExecutionPlan{}, err
	}
	sellBook, err := a.fresh(ctx, opp.SellExchange, opp.Pair)
	if err != nil {
		return model.ExecutionPlan{}, err
	}

	ask, _ := buyBook.BestAsk()
	bid, _ := sellBook.BestBid()
	gross := bid.Price.Sub(ask.Price).Div(ask.Price).Mul(hundred)
	if gross.GreaterThanOrEqual(a.cfg.MaxGrossPct) {
		return model.ExecutionPlan{}, reject(ReasonAnomaly, "fresh gross %s%% at or above ceiling", gross.StringFixed(4))
	}
	liq, err := a.liquidity(buyBook, sellBook)
	if err != nil {
		return model.ExecutionPlan{}, err
	}
	fees := a.fees(strings.ToLower(opp.BuyExchange), strings.ToLower(opp.SellExchange), plan.Route, liq.buyPrice)
	net := gross.Sub(fees.Total())
	if net.LessThan(a.cfg.MinProfitNetPct) {
		return model.ExecutionPlan{}, reject(ReasonBelowThreshold, "spread narrowed: net %s%% below %s%%", net.StringFixed(4), a.cfg.MinProfitNetPct)
	}
	if liq.base.LessThan(plan.Route.MinWithdraw) {
		return model.ExecutionPlan{}, reject(ReasonNoEligibleNetwork, "amount %s below min withdraw %s on %s", liq.base, plan.Route.MinWithdraw, plan.Route.Network)
	}

	opp.BuyBook, opp.SellBook = buyBook, sellBook
	opp.BuyAsk, opp.SellBid = ask.Price, bid.Price
	opp.GrossPct = gross
	plan.Opportunity = opp
	plan.GrossPct = gross
	plan.NetProfitPct = net
	plan.Fees = fees
	plan.BaseAmount = liq.base
	plan.LiquidityHeadroomUSD = liq.headroom
	return plan, nil
}

func (a *Analyzer) fresh(ctx context.Context, ex string, pair model.Pair) (model.OrderBookSnapshot, error) {
	client, ok := a.clients[strings.ToLower(ex)]
	if !ok {
		return model.OrderBookSnapshot{}, fmt.Errorf("analyzer: unknown exchange %q", ex)
	}
	book, err := client.GetOrderBook(ctx, pair, a.cfg.BookDepth)
	if err != nil {
		return model.OrderBookSnapshot{}, reject(ReasonStaleQuote, "re-read %s %s: %v", ex, pair, err)
	}
	now := a.now()
	if book.IsStale(now, a.cfg.QuoteMaxAge) {
		return model.OrderBookSnapshot{}, reject(ReasonStaleQuote, "%s %s book is %s old", ex, pair, book.Age(now).Round(time.Millisecond))
	}
	_, hasBid := book.BestBid()
	_, hasAsk := book.BestAsk()
	if !hasBid || !hasAsk || book.Crossed() {
		return model.OrderBookSnapshot{}, reject(ReasonStaleQuote, "%s %s book is empty or crossed", ex, pair)
	}
	return book, nil
}

// Run evaluates opportunities from in with a bounded worker pool and hands
// admitted plans to admit until in is closed or ctx ends.
func (a *Analyzer) Run(ctx context.Context, in <-chan model.Opportunity, admit func(context.Context, model.ExecutionPlan)) error {
	p := pool.New().WithMaxGoroutines(a.cfg.Workers)
	defer p.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case opp, ok := <-in:
			if !ok {
				return nil
			}
			p.Go(func() {
				plan, err := a.Evaluate(ctx, opp)
				if err != nil {
					return
				}
				admit(ctx, plan)
			})
		}
	}
}
