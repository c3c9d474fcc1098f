package exchange

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/model"
)

// Constructor builds a live venue client from its configuration.
type Constructor func(name string, cfg config.ExchangeConfig, logger *slog.Logger) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a live client available under name. It is meant to be called
// from an init function of the package implementing the venue.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = c
}

// Registered lists venue names with a live constructor.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewClient creates a new exchange client based on the mode and configuration.
// Dry-run always yields a paper venue attached to network.
func NewClient(name, mode string, cfg config.ExchangeConfig, network *PaperNetwork, logger *slog.Logger) (Client, error) {
	name = strings.ToLower(name)
	switch mode {
	case config.ModeDryRun:
		return NewPaperFromConfig(name, cfg, network), nil
	case config.ModeLive:
		registryMu.RLock()
		ctor, ok := registry[name]
		registryMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("exchange: no live client registered for %q (have %v)", name, Registered())
		}
		return ctor(name, cfg, logger)
	default:
		return nil, fmt.Errorf("exchange: unknown mode %q", mode)
	}
}

// NewPaperFromConfig builds a paper venue seeded with the configured
// balances and static books.
func NewPaperFromConfig(name string, cfg config.ExchangeConfig, network *PaperNetwork) *Paper {
	p := NewPaper(name, PaperOptions{
		TakerFeePercent:   decimal.NewFromFloat(cfg.TakerFeePercent),
		TradingAccount:    model.SubAccount(cfg.TradingSubAccount()),
		WithdrawAccount:   model.SubAccount(cfg.WithdrawSubAccount()),
		SyntheticDepthUSD: decimal.NewFromFloat(cfg.Paper.SyntheticDepthUSD),
	}, network)

	for sub, assets := range cfg.Paper.Balances {
		for asset, amount := range assets {
			p.Credit(model.SubAccount(strings.ToLower(sub)), asset, decimal.NewFromFloat(amount))
		}
	}
	for key, book := range cfg.Paper.Books {
		pair, ok := model.ParsePair(key)
		if !ok {
			continue
		}
		bid, ask := decimal.NewFromFloat(book.Bid), decimal.NewFromFloat(book.Ask)
		depth := decimal.NewFromFloat(book.Depth)
		snap := model.OrderBookSnapshot{Pair: pair}
		if bid.IsPositive() {
			snap.Bids = []model.PriceLevel{{Price: bid, Qty: depth.Div(bid)}}
		}
		if ask.IsPositive() {
			snap.Asks = []model.PriceLevel{{Price: ask, Qty: depth.Div(ask)}}
		}
		p.SetBook(snap)
	}
	return p
}

// NewStream creates the public ticker stream for a venue, if one exists.
func NewStream(name string, logger *slog.Logger) (TickerStream, error) {
	switch strings.ToLower(name) {
	case "kraken":
		return NewKrakenStream(logger), nil
	case "binance":
		return NewBinanceStream(logger), nil
	default:
		return nil, fmt.Errorf("unknown exchange stream: %s", name)
	}
}
