// Package app wires the bot together and runs its loops until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"crossarb/internal/config"
	"crossarb/internal/exchange"
	"crossarb/internal/executor"
	"crossarb/internal/model"
)

// App owns the configuration and the cleanup functions registered while
// wiring.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run wires the components and blocks until ctx is cancelled or a loop fails.
// Plans past their buy are allowed to reach a terminal state before it returns.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting crossarb",
		slog.String("mode", a.cfg.Mode),
		slog.Int("exchanges", len(a.cfg.Exchanges)),
		slog.Float64("notional_usd", a.cfg.Arbitrage.TradeNotionalUSD))

	c, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	err = a.run(ctx, c)
	a.logger.Info("waiting for in-flight plans", slog.Int("active", len(c.Executor.Active())))
	c.Executor.Wait()
	return err
}

func (a *App) run(ctx context.Context, c *Components) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.Balances.Run(ctx) })
	g.Go(func() error { return c.Scanner.Run(ctx) })
	g.Go(func() error { return c.Analyzer.Run(ctx, c.Scanner.Opportunities(), a.admit(c.Executor)) })
	g.Go(func() error { return c.Rebalancer.RunDust(ctx) })
	g.Go(func() error { return c.Catalog.Watch(ctx, a.cfg.FeeCatalogReload) })

	a.startStreams(ctx, g, c)
	if addr := a.cfg.Server.Addr; addr != "" {
		g.Go(func() error { return c.Server.Run(ctx, addr) })
	}
	return g.Wait()
}

// admit hands analyzer output to the executor. A full executor drops the
// plan; the scanner will report the spread again if it persists.
func (a *App) admit(exec *executor.Executor) func(context.Context, model.ExecutionPlan) {
	return func(ctx context.Context, plan model.ExecutionPlan) {
		err := exec.Submit(ctx, plan)
		switch {
		case err == nil:
		case errors.Is(err, executor.ErrBusy), errors.Is(err, executor.ErrDuplicatePlan):
			a.logger.Debug("plan not admitted", slog.String("plan_id", plan.ID), slog.String("reason", err.Error()))
		default:
			a.logger.Warn("submit plan", slog.String("plan_id", plan.ID), slog.String("error", err.Error()))
		}
	}
}

// startStreams feeds live public tickers into paper venues that ask for it.
func (a *App) startStreams(ctx context.Context, g *errgroup.Group, c *Components) {
	var names []string
	for name, p := range c.Papers {
		if ex, ok := a.exchangeConfig(name); ok && ex.Paper.Stream && p != nil {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)

	pairs := streamPairs(a.cfg, c.Pairs)
	ticks := make(chan model.PriceTick, 256)
	for _, name := range names {
		stream, err := exchange.NewStream(name, a.logger)
		if err != nil {
			a.logger.Warn("no ticker stream for paper venue, using static books",
				slog.String("exchange", name), slog.String("error", err.Error()))
			continue
		}
		g.Go(func() error { return stream.StartStream(ctx, ticks, pairs) })
	}
	g.Go(func() error {
		exchange.FeedPaper(ctx, ticks, c.Papers)
		return nil
	})
}

func (a *App) exchangeConfig(name string) (config.ExchangeConfig, bool) {
	for n, ex := range a.cfg.Exchanges {
		if n == name || strings.ToLower(n) == name {
			return ex, true
		}
	}
	return config.ExchangeConfig{}, false
}

// Close runs the registered cleanup functions in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
