package scanner

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"crossarb/internal/exchange"
	"crossarb/internal/metrics"
	"crossarb/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Config is the subset of settings the scanner needs.
type Config struct {
	// Pairs restricts scanning; empty means every pair listed on two venues.
	Pairs                []model.Pair
	Interval             time.Duration
	BookDepth            int
	QuoteMaxAge          time.Duration
	FetchTimeout         time.Duration
	MaxConcurrentFetches int
	MinGrossPct          decimal.Decimal
	MaxGrossPct          decimal.Decimal
}

// Scanner polls order books of every venue listing a pair and emits gross
// spreads between them.
type Scanner struct {
	cfg     Config
	clients []exchange.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	out     chan model.Opportunity
	now     func() time.Time

	venues map[model.Pair][]exchange.Client
}

// New creates a scanner over clients.
func New(cfg Config, clients []exchange.Client, m *metrics.Metrics, logger *slog.Logger) *Scanner {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = len(clients)
	}
	return &Scanner{
		cfg:     cfg,
		clients: clients,
		logger:  logger.With(slog.String("component", "scanner")),
		metrics: m,
		out:     make(chan model.Opportunity, 64),
		now:     time.Now,
	}
}

// Opportunities is the stream consumed by the analyzer.
func (s *Scanner) Opportunities() <-chan model.Opportunity {
	return s.out
}

// Discover intersects the venues' tradable markets with the configured pairs
// and keeps pairs listed on at least two venues.
func (s *Scanner) Discover(ctx context.Context) map[model.Pair][]exchange.Client {
	wanted := make(map[model.Pair]bool, len(s.cfg.Pairs))
	for _, p := range s.cfg.Pairs {
		wanted[p] = true
	}

	listed := make(map[model.Pair][]exchange.Client)
	for _, c := range s.clients {
		markets, err := c.Markets(ctx)
		if err != nil {
			s.metrics.RecordFetchError(c.Name())
			s.logger.Warn("market discovery failed", slog.String("exchange", c.Name()), slog.String("error", err.Error()))
			continue
		}
		for _, m := range markets {
			if !m.Tradable || (len(wanted) > 0 && !wanted[m.Pair]) {
				continue
			}
			listed[m.Pair] = append(listed[m.Pair], c)
		}
	}
	for pair, venues := range listed {
		if len(venues) < 2 {
			delete(listed, pair)
		}
	}
	s.venues = listed
	return listed
}

type fetchResult struct {
	book model.OrderBookSnapshot
	ok   bool
}

// ScanPair runs one cycle for pair and returns the spreads inside the
// configured band.
func (s *Scanner) ScanPair(ctx context.Context, pair model.Pair) []model.Opportunity {
	venues, ok := s.venues[pair]
	if !ok {
		venues = s.clients
	}

	p := pool.NewWithResults[fetchResult]().WithMaxGoroutines(s.cfg.MaxConcurrentFetches)
	for _, c := range venues {
		p.Go(func() fetchResult {
			return s.fetch(ctx, c, pair)
		})
	}

	now := s.now()
	var books []model.OrderBookSnapshot
	for _, r := range p.Wait() {
		if !r.ok {
			continue
		}
		if r.book.IsStale(now, s.cfg.QuoteMaxAge) {
			s.logger.Debug("skipping stale book", slog.String("exchange", r.book.Exchange), slog.String("pair", pair.String()), slog.Duration("age", r.book.Age(now)))
			continue
		}
		if _, hasBid := r.book.BestBid(); !hasBid {
			continue
		}
		if _, hasAsk := r.book.BestAsk(); !hasAsk || r.book.Crossed() {
			continue
		}
		books = append(books, r.book)
	}
	sort.Slice(books, func(i, j int) bool { return books[i].Exchange < books[j].Exchange })

	var opps []model.Opportunity
	for _, buy := range books {
		for _, sell := range books {
			if buy.Exchange == sell.Exchange {
				continue
			}
			if opp, ok := s.spread(pair, buy, sell, now); ok {
				opps = append(opps, opp)
			}
		}
	}
	return opps
}

func (s *Scanner) fetch(ctx context.Context, c exchange.Client, pair model.Pair) fetchResult {
	fctx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}
	book, err := c.GetOrderBook(fctx, pair, s.cfg.BookDepth)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.RecordFetchError(c.Name())
			s.logger.Warn("order book fetch failed", slog.String("exchange", c.Name()), slog.String("pair", pair.String()), slog.String("error", err.Error()))
		}
		return fetchResult{}
	}
	if book.Exchange == "" {
		book.Exchange = c.Name()
	}
	return fetchResult{book: book, ok: true}
}

// spread computes the gross percentage of buying on buy and selling on sell.
func (s *Scanner) spread(pair model.Pair, buy, sell model.OrderBookSnapshot, now time.Time) (model.Opportunity, bool) {
	ask, _ := buy.BestAsk()
	bid, _ := sell.BestBid()
	gross := bid.Price.Sub(ask.Price).Div(ask.Price).Mul(hundred)
	if !gross.GreaterThan(s.cfg.MinGrossPct) {
		return model.Opportunity{}, false
	}
	if gross.GreaterThanOrEqual(s.cfg.MaxGrossPct) {
		s.metrics.RecordAnomaly(pair.String())
		s.logger.Warn("spread above sanity ceiling discarded",
			slog.String("pair", pair.String()),
			slog.String("buy", buy.Exchange), slog.String("sell", sell.Exchange),
			slog.String("gross_pct", gross.StringFixed(4)))
		return model.Opportunity{}, false
	}
	return model.Opportunity{
		Pair:         pair,
		BuyExchange:  buy.Exchange,
		SellExchange: sell.Exchange,
		BuyAsk:       ask.Price,
		SellBid:      bid.Price,
		GrossPct:     gross,
		BuyBook:      buy,
		SellBook:     sell,
		DetectedAt:   now,
	}, true
}

// Run discovers pairs and scans each one on its own loop until ctx ends.
func (s *Scanner) Run(ctx context.Context) error {
	defer close(s.out)
	pairs := s.Discover(ctx)
	if len(pairs) == 0 {
		s.logger.Warn("no pair is tradable on two venues, scanner idle")
		<-ctx.Done()
		return nil
	}
	s.logger.Info("scanner started", slog.Int("pairs", len(pairs)), slog.Duration("interval", s.cfg.Interval))

	var wg conc.WaitGroup
	for pair := range pairs {
		wg.Go(func() {
			s.loop(ctx, pair)
		})
	}
	wg.Wait()
	return nil
}

func (s *Scanner) loop(ctx context.Context, pair model.Pair) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		for _, opp := range s.ScanPair(ctx, pair) {
			s.metrics.RecordOpportunity(pair.String())
			select {
			case s.out <- opp:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
