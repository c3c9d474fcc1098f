package exchange

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"crossarb/internal/model"
)

const maxReconnectInterval = 16 * time.Second

// errStreamHealthy marks a session that delivered data before it dropped, so
// the reconnect delay starts over.
var errStreamHealthy = errors.New("stream dropped after delivering data")

// reconnectLoop runs session until ctx ends, backing off between failures.
func reconnectLoop(ctx context.Context, logger *slog.Logger, session func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = maxReconnectInterval
	for {
		err := session(ctx)
		if ctx.Err() != nil {
			logger.Info("stream stopped")
			return nil
		}
		if errors.Is(err, errStreamHealthy) {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = maxReconnectInterval
		}
		logger.Warn("stream disconnected, reconnecting", slog.String("error", errString(err)), slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// emit delivers a tick unless ctx ends first.
func emit(ctx context.Context, ticks chan<- model.PriceTick, tick model.PriceTick) bool {
	select {
	case ticks <- tick:
		return true
	case <-ctx.Done():
		return false
	}
}

// FeedPaper copies ticks into the paper venue of the same name.
func FeedPaper(ctx context.Context, ticks <-chan model.PriceTick, venues map[string]*Paper) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticks:
			if p, ok := venues[tick.Exchange]; ok {
				p.ApplyTicker(tick)
			}
		}
	}
}
