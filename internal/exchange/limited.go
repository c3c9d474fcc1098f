package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"crossarb/internal/model"
)

// LimitConfig is a venue's request budget and retry policy.
type LimitConfig struct {
	PerSecond       float64
	Burst           int
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Limited wraps a Client with a token-bucket rate limiter and bounded retries
// of transient errors. Orders and withdrawals are only resent when the venue
// signalled it did not execute them.
type Limited struct {
	inner   Client
	limiter *rate.Limiter
	cfg     LimitConfig
	logger  *slog.Logger
}

// NewLimited decorates c. A non-positive PerSecond disables rate limiting.
func NewLimited(c Client, cfg LimitConfig, logger *slog.Logger) *Limited {
	limit := rate.Inf
	if cfg.PerSecond > 0 {
		limit = rate.Limit(cfg.PerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return &Limited{
		inner:   c,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "exchange"), slog.String("exchange", c.Name())),
	}
}

// Unwrap returns the decorated client.
func (l *Limited) Unwrap() Client {
	return l.inner
}

func call[T any](ctx context.Context, l *Limited, op string, idempotent bool, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.InitialInterval
	b.MaxInterval = l.cfg.MaxInterval

	res, err := backoff.Retry(ctx, func() (T, error) {
		var zero T
		if err := l.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsTransient(err) || (!idempotent && !notExecuted(err)) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(l.cfg.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			l.logger.Debug("retrying venue call", slog.String("op", op), slog.Duration("wait", wait), slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", l.inner.Name(), op, err)
	}
	return res, nil
}

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) Markets(ctx context.Context) ([]model.Market, error) {
	return call(ctx, l, "markets", true, l.inner.Markets)
}

func (l *Limited) GetOrderBook(ctx context.Context, pair model.Pair, depth int) (model.OrderBookSnapshot, error) {
	return call(ctx, l, "order book", true, func(ctx context.Context) (model.OrderBookSnapshot, error) {
		return l.inner.GetOrderBook(ctx, pair, depth)
	})
}

func (l *Limited) GetBalances(ctx context.Context, sub model.SubAccount) (map[string]model.Balance, error) {
	return call(ctx, l, "balances", true, func(ctx context.Context) (map[string]model.Balance, error) {
		return l.inner.GetBalances(ctx, sub)
	})
}

func (l *Limited) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	return call(ctx, l, "place order", false, func(ctx context.Context) (model.OrderResult, error) {
		return l.inner.PlaceOrder(ctx, req)
	})
}

func (l *Limited) Withdraw(ctx context.Context, req model.WithdrawRequest) (model.WithdrawResult, error) {
	return call(ctx, l, "withdraw", false, func(ctx context.Context) (model.WithdrawResult, error) {
		return l.inner.Withdraw(ctx, req)
	})
}

func (l *Limited) GetDepositStatus(ctx context.Context, referenceID string) (model.DepositStatus, error) {
	return call(ctx, l, "deposit status", true, func(ctx context.Context) (model.DepositStatus, error) {
		return l.inner.GetDepositStatus(ctx, referenceID)
	})
}

// InternalTransfer forwards to the inner client or returns ErrUnsupported.
func (l *Limited) InternalTransfer(ctx context.Context, asset string, amount decimal.Decimal, from, to model.SubAccount) error {
	t, ok := l.inner.(InternalTransferer)
	if !ok {
		return ErrUnsupported
	}
	_, err := call(ctx, l, "internal transfer", false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.InternalTransfer(ctx, asset, amount, from, to)
	})
	return err
}

// DepositAddress forwards to the inner client or returns ErrUnsupported.
func (l *Limited) DepositAddress(ctx context.Context, asset, network string) (string, error) {
	a, ok := l.inner.(DepositAddresser)
	if !ok {
		return "", ErrUnsupported
	}
	return call(ctx, l, "deposit address", true, func(ctx context.Context) (string, error) {
		return a.DepositAddress(ctx, asset, network)
	})
}

var (
	_ Client             = (*Limited)(nil)
	_ InternalTransferer = (*Limited)(nil)
	_ DepositAddresser   = (*Limited)(nil)
)
