// Command crossarb scans exchanges for cross-venue spreads and executes the
// profitable ones, paper-trading in dry-run mode.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"crossarb/internal/app"
	"crossarb/internal/config"
)

type overrides struct {
	mode         string
	feeCatalog   string
	credentials  string
	notional     float64
	minProfit    float64
	maxProfit    float64
	minLiquidity float64
}

func main() {
	var o overrides
	configPath := flag.String("config", ".", "config file, or directory holding config.yaml")
	flag.StringVar(&o.mode, "mode", "", "dry-run or live")
	flag.StringVar(&o.feeCatalog, "fee-catalog", "", "fee catalog file (.yaml, .json or .toml)")
	flag.StringVar(&o.credentials, "credentials", "", "dotenv file with <EXCHANGE>_API_KEY and <EXCHANGE>_API_SECRET")
	flag.Float64Var(&o.notional, "notional", 0, "trade notional in USD")
	flag.Float64Var(&o.minProfit, "min-profit", 0, "minimum net profit in percent")
	flag.Float64Var(&o.maxProfit, "max-profit", 0, "gross spread ceiling in percent")
	flag.Float64Var(&o.minLiquidity, "min-liquidity", 0, "minimum book depth in USD")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if err := o.apply(&cfg, set); err != nil {
		log.Fatalf("cannot load credentials: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logger.Debug("config loaded", slog.Any("config", cfg.Redacted()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(&cfg, logger)
	defer a.Close()
	if err := a.Run(ctx); err != nil {
		logger.Error("crossarb stopped", slog.String("error", err.Error()))
		a.Close()
		os.Exit(1)
	}
	logger.Info("crossarb stopped")
}

// apply copies explicitly set flags over the loaded configuration.
func (o overrides) apply(cfg *config.Config, set map[string]bool) error {
	if set["mode"] {
		cfg.Mode = o.mode
	}
	if set["fee-catalog"] {
		cfg.FeeCatalogPath = o.feeCatalog
	}
	if set["notional"] {
		cfg.Arbitrage.TradeNotionalUSD = o.notional
	}
	if set["min-profit"] {
		cfg.Arbitrage.MinProfitNetPct = o.minProfit
	}
	if set["max-profit"] {
		cfg.Arbitrage.MaxGrossPct = o.maxProfit
	}
	if set["min-liquidity"] {
		cfg.Arbitrage.MinLiquidityUSD = o.minLiquidity
	}
	if set["credentials"] {
		cfg.CredentialsPath = o.credentials
		return cfg.LoadCredentials()
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
