package rebalancer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/balance"
	"crossarb/internal/model"
)

const dustPlanID = "dust"

// DustResult describes one small position considered for consolidation.
type DustResult struct {
	Exchange string
	Asset    string
	Qty      decimal.Decimal
	ValueUSD decimal.Decimal
	Sold     bool
	Proceeds decimal.Decimal
	Reason   string
}

// ConsolidateDust sells every non-quote position of each trading account
// whose unreserved value is below the dust threshold.
func (r *Rebalancer) ConsolidateDust(ctx context.Context) []DustResult {
	quote := strings.ToUpper(r.cfg.QuoteAsset)
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []DustResult
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		out = append(out, r.dustOn(ctx, name, quote)...)
	}
	return out
}

func (r *Rebalancer) dustOn(ctx context.Context, name, quote string) []DustResult {
	client := r.clients[name]
	sub := r.Venue(name).TradingAccount
	logger := r.logger.With(slog.String("exchange", name))

	var anomaly *balance.AnomalyError
	if err := r.ledger.Refresh(ctx, name, sub); err != nil && !errors.As(err, &anomaly) {
		logger.Warn("dust: balance refresh failed", slog.String("error", err.Error()))
		return nil
	}
	balances, err := client.GetBalances(ctx, sub)
	if err != nil {
		logger.Warn("dust: balances unavailable", slog.String("error", err.Error()))
		return nil
	}
	markets, err := client.Markets(ctx)
	if err != nil {
		logger.Warn("dust: markets unavailable", slog.String("error", err.Error()))
		return nil
	}
	byPair := make(map[model.Pair]model.Market, len(markets))
	for _, m := range markets {
		byPair[m.Pair] = m
	}

	assets := make([]string, 0, len(balances))
	for asset := range balances {
		assets = append(assets, strings.ToUpper(asset))
	}
	sort.Strings(assets)

	var out []DustResult
	for _, asset := range assets {
		if asset == quote {
			continue
		}
		qty := r.ledger.Available(name, sub, asset)
		if !qty.IsPositive() {
			continue
		}
		res := DustResult{Exchange: name, Asset: asset, Qty: qty}
		pair := model.Pair{Base: asset, Quote: quote}
		market, ok := byPair[pair]
		if !ok || !market.Tradable {
			res.Reason = "no tradable market"
			out = append(out, res)
			continue
		}
		book, err := client.GetOrderBook(ctx, pair, 5)
		if err != nil {
			res.Reason = "order book unavailable"
			out = append(out, res)
			continue
		}
		bid, ok := book.BestBid()
		if !ok {
			res.Reason = "no bids"
			out = append(out, res)
			continue
		}
		if market.QtyPrecision > 0 {
			qty = qty.Truncate(market.QtyPrecision)
			res.Qty = qty
		}
		res.ValueUSD = qty.Mul(bid.Price)
		if res.ValueUSD.GreaterThanOrEqual(r.cfg.DustThresholdUSD) {
			continue
		}
		if !qty.IsPositive() || qty.LessThan(market.MinQty) || res.ValueUSD.LessThan(market.MinNotional) {
			res.Reason = "below venue minimum"
			out = append(out, res)
			continue
		}
		out = append(out, r.sellDust(ctx, name, sub, pair, res))
	}
	return out
}

func (r *Rebalancer) sellDust(ctx context.Context, name string, sub model.SubAccount, pair model.Pair, res DustResult) DustResult {
	reservation, err := r.ledger.Reserve(name, sub, pair.Base, res.Qty, dustPlanID)
	if err != nil {
		res.Reason = "reserved by a plan"
		return res
	}
	defer r.ledger.Release(reservation.ID)

	fill, err := r.clients[name].PlaceOrder(ctx, model.OrderRequest{
		Pair:   pair,
		Side:   model.SideSell,
		Amount: res.Qty,
		Type:   model.OrderTypeMarket,
	})
	if err != nil {
		res.Reason = err.Error()
		r.logger.Warn("dust sell failed", slog.String("exchange", name), slog.String("asset", pair.Base), slog.String("error", err.Error()))
		return res
	}
	if err := r.ledger.Consume(reservation.ID, fill.Filled); err != nil {
		r.logger.Warn("consume dust reservation", slog.String("error", err.Error()))
	}
	r.ledger.RefreshAsync(name, sub)
	r.metrics.RecordDustSold(name)

	res.Sold = true
	res.Proceeds = fill.Notional().Sub(fill.Fee)
	r.logger.Info("dust sold", slog.String("exchange", name), slog.String("asset", pair.Base),
		slog.String("qty", fill.Filled.String()), slog.String("proceeds", res.Proceeds.String()))
	return res
}

// RunDust consolidates dust every DustInterval until ctx ends.
func (r *Rebalancer) RunDust(ctx context.Context) error {
	if r.cfg.DustInterval <= 0 || !r.cfg.DustThresholdUSD.IsPositive() {
		return nil
	}
	ticker := time.NewTicker(r.cfg.DustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			results := r.ConsolidateDust(ctx)
			sold := 0
			for _, res := range results {
				if res.Sold {
					sold++
				}
			}
			r.logger.Info("dust consolidation finished", slog.Int("positions", len(results)), slog.Int("sold", sold))
		}
	}
}
