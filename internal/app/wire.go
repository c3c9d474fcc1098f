package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"crossarb/internal/analyzer"
	"crossarb/internal/archive"
	"crossarb/internal/balance"
	"crossarb/internal/config"
	"crossarb/internal/database"
	"crossarb/internal/exchange"
	"crossarb/internal/executor"
	"crossarb/internal/feecatalog"
	"crossarb/internal/lock"
	"crossarb/internal/metrics"
	"crossarb/internal/model"
	"crossarb/internal/notify"
	"crossarb/internal/rebalancer"
	"crossarb/internal/scanner"
	"crossarb/internal/server"
	"crossarb/internal/tradelog"
)

// Components is the wired object graph. Repo is nil when no database is
// configured; Network and Papers are only set in dry-run mode.
type Components struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Catalog  *feecatalog.Store
	Network  *exchange.PaperNetwork
	Papers   map[string]*exchange.Paper
	Clients  map[string]exchange.Client
	Pairs    []model.Pair

	Balances   *balance.Manager
	Scanner    *scanner.Scanner
	Analyzer   *analyzer.Analyzer
	Rebalancer *rebalancer.Rebalancer
	Executor   *executor.Executor

	TradeLog *tradelog.Log
	Repo     *database.PostgresRepository
	Locker   lock.Locker
	Notifier *notify.Notifier
	Server   *server.Server
}

func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Wire builds every component from cfg. The returned cleanup releases what
// was opened, in reverse order, and must be called after the executor drained.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Components, func(), error) {
		cleanup()
		return nil, nil, err
	}

	c := &Components{
		Registry: prometheus.NewRegistry(),
		Papers:   make(map[string]*exchange.Paper),
		Clients:  make(map[string]exchange.Client),
	}
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.New(c.Registry)

	// --- Fee catalog ---
	if cfg.FeeCatalogPath != "" {
		store, err := feecatalog.Open(cfg.FeeCatalogPath, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: fee catalog: %w", err))
		}
		store.OnReload(c.Metrics.RecordCatalogReload)
		c.Catalog = store
	} else {
		logger.Warn("no fee catalog configured, every transfer route will be rejected")
		c.Catalog = feecatalog.NewStatic(feecatalog.New(nil))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	c.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Exchanges ---
	if cfg.Mode == config.ModeDryRun {
		c.Network = exchange.NewPaperNetwork(c.Catalog.Lookup)
	}
	names := make([]string, 0, len(cfg.Exchanges))
	for name := range cfg.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)

	accounts := make(map[string][]model.SubAccount, len(names))
	venues := make(map[string]rebalancer.Venue, len(names))
	takerFees := make(map[string]decimal.Decimal, len(names))
	clients := make([]exchange.Client, 0, len(names))
	for _, name := range names {
		ex := cfg.Exchanges[name]
		key := strings.ToLower(name)

		client, err := exchange.NewClient(key, cfg.Mode, ex, c.Network, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: exchange %s: %w", key, err))
		}
		if p, ok := client.(*exchange.Paper); ok {
			c.Papers[key] = p
		}
		limited := exchange.NewLimited(client, exchange.LimitConfig{
			PerSecond: ex.RateLimitPerSec,
			Burst:     ex.RateLimitBurst,
			MaxTries:  ex.MaxRetries,
		}, logger)
		c.Clients[key] = limited
		clients = append(clients, limited)

		var subs []model.SubAccount
		for _, a := range ex.Accounts() {
			subs = append(subs, model.SubAccount(strings.ToLower(a)))
		}
		accounts[key] = subs
		venues[key] = rebalancer.Venue{
			TradingAccount:   model.SubAccount(strings.ToLower(ex.TradingSubAccount())),
			WithdrawAccount:  model.SubAccount(strings.ToLower(ex.WithdrawSubAccount())),
			Accounts:         subs,
			DepositAddresses: ex.DepositAddresses,
		}
		takerFees[key] = dec(ex.TakerFeePercent)
	}

	for _, p := range cfg.Arbitrage.Pairs {
		if pair, ok := model.ParsePair(p); ok {
			c.Pairs = append(c.Pairs, pair)
		}
	}

	// --- Balances ---
	c.Balances = balance.NewManager(balance.Config{
		RefreshInterval: cfg.Balance.RefreshInterval,
		ReservationTTL:  cfg.Balance.ReservationTTL,
		Accounts:        accounts,
	}, c.Clients, c.Metrics, logger)
	c.Balances.OnAnomaly(func(a *balance.AnomalyError) {
		go c.Notifier.Notify(context.Background(), notify.EventBalanceAnomaly, a.Error())
	})

	// --- Discovery ---
	a := cfg.Arbitrage
	c.Scanner = scanner.New(scanner.Config{
		Pairs:                c.Pairs,
		Interval:             a.ScanInterval,
		BookDepth:            a.BookDepth,
		QuoteMaxAge:          a.QuoteMaxAge,
		FetchTimeout:         a.FetchTimeout,
		MaxConcurrentFetches: a.MaxConcurrentFetches,
		MinGrossPct:          dec(a.MinGrossPct),
		MaxGrossPct:          dec(a.MaxGrossPct),
	}, clients, c.Metrics, logger)
	c.Analyzer = analyzer.New(analyzer.Config{
		NotionalUSD:     dec(a.TradeNotionalUSD),
		MaxGrossPct:     dec(a.MaxGrossPct),
		MinProfitNetPct: dec(a.MinProfitNetPct),
		MinLiquidityUSD: dec(a.MinLiquidityUSD),
		QuoteMaxAge:     a.QuoteMaxAge,
		BookDepth:       a.BookDepth,
		TakerFeePct:     takerFees,
		Workers:         a.AnalyzerWorkers,
	}, analyzer.NewPolicy(cfg.Policy), c.Catalog, c.Clients, c.Metrics, logger)

	// --- Capital movement ---
	rb := cfg.Rebalance
	c.Rebalancer = rebalancer.New(rebalancer.Config{
		DepositTimeout:   rb.DepositTimeout,
		PollInterval:     rb.PollInterval,
		MaxPollInterval:  rb.MaxPollInterval,
		MaxPolls:         rb.MaxPolls,
		QuoteAsset:       strings.ToUpper(a.QuoteAsset),
		DustThresholdUSD: dec(rb.DustThresholdUSD),
		DustInterval:     rb.DustInterval,
		Venues:           venues,
	}, c.Clients, c.Balances, c.Catalog, c.Metrics, logger)

	// --- Audit trail ---
	hist, err := tradelog.Open(cfg.History.Dir, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: trade log: %w", err))
	}
	closers = append(closers, func() {
		if err := hist.Close(); err != nil {
			logger.Error("close trade log", slog.String("error", err.Error()))
		}
	})
	c.TradeLog = hist

	if cfg.History.Archive.Bucket != "" {
		arc, err := archive.New(ctx, cfg.History.Archive, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: archive: %w", err))
		}
		hist.OnRotate(arc.Hook(ctx))
	}

	recorders := []tradelog.Recorder{hist}
	if cfg.Database.Enabled {
		if err := database.Migrate(ctx, cfg.Database.DSN(), logger); err != nil {
			return fail(fmt.Errorf("wire: migrations: %w", err))
		}
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pool.Close)
		c.Repo = &database.PostgresRepository{Pool: pool}
		recorders = append(recorders, c.Repo)
	}

	// --- Path lock ---
	if cfg.Redis.Addr != "" {
		rdb, err := lock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rdb.Close() })
		c.Locker = lock.NewRedis(rdb)
	} else {
		c.Locker = lock.NewLocal()
	}

	// --- Execution ---
	ex := cfg.Execution
	c.Executor = executor.New(executor.Config{
		MaxConcurrentPlans: ex.MaxConcurrentPlans,
		FillTolerance:      dec(ex.FillTolerancePct).Div(decimal.NewFromInt(100)),
		TransferRetries:    ex.TransferRetries,
		SellRetries:        ex.SellRetries,
		RetryInterval:      ex.RetryInterval,
		MaxRetryInterval:   ex.MaxRetryInterval,
		PathLockTTL:        ex.PathLockTTL,
		HoldTTL:            cfg.Balance.ReservationTTL,
		JITFunding:         rb.JITFunding,
	}, executor.Deps{
		Clients:  c.Clients,
		Ledger:   c.Balances,
		Mover:    c.Rebalancer,
		Checker:  c.Analyzer,
		Locker:   c.Locker,
		Recorder: tradelog.Multi(recorders...),
		Notifier: c.Notifier,
		Metrics:  c.Metrics,
		Logger:   logger,
	})

	// --- Operator API ---
	var history server.History = hist
	if c.Repo != nil {
		history = c.Repo
	}
	c.Server = server.New(c.Executor, c.Balances, history, c.Registry, logger)

	return c, cleanup, nil
}

// streamPairs are the pairs subscribed on public ticker streams: the
// configured pairs, or every pair with a static paper book.
func streamPairs(cfg *config.Config, configured []model.Pair) []model.Pair {
	if len(configured) > 0 {
		return configured
	}
	seen := make(map[model.Pair]bool)
	var out []model.Pair
	for _, ex := range cfg.Exchanges {
		for key := range ex.Paper.Books {
			if p, ok := model.ParsePair(key); ok && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
