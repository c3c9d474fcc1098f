package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"crossarb/internal/model"
)

const binanceStreamURL = "wss://stream.binance.com:9443/stream?streams="

// BinanceStream pushes Binance bookTicker updates.
type BinanceStream struct {
	logger *slog.Logger
	url    string
}

// NewBinanceStream creates a new BinanceStream.
func NewBinanceStream(logger *slog.Logger) *BinanceStream {
	return &BinanceStream{
		logger: logger.With(slog.String("component", "stream"), slog.String("exchange", "binance")),
		url:    binanceStreamURL,
	}
}

func (b *BinanceStream) Name() string {
	return "binance"
}

type binanceEnvelope struct {
	Stream string            `json:"stream"`
	Data   binanceBookTicker `json:"data"`
}

type binanceBookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	BidQty string `json:"B"`
	Ask    string `json:"a"`
	AskQty string `json:"A"`
}

func binanceSymbol(p model.Pair) string {
	return p.Base + p.Quote
}

// StartStream subscribes to the combined bookTicker stream of all pairs and
// reconnects with exponential backoff until ctx is cancelled.
func (b *BinanceStream) StartStream(ctx context.Context, ticks chan<- model.PriceTick, pairs []model.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	bySymbol := make(map[string]model.Pair, len(pairs))
	streams := make([]string, 0, len(pairs))
	for _, p := range pairs {
		bySymbol[binanceSymbol(p)] = p
		streams = append(streams, strings.ToLower(binanceSymbol(p))+"@bookTicker")
	}
	url := b.url + strings.Join(streams, "/")

	return reconnectLoop(ctx, b.logger, func(ctx context.Context) error {
		b.logger.Info("connecting to websocket", slog.String("url", url))
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer c.Close()
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()

		delivered := false
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				if delivered {
					return fmt.Errorf("%w: %v", errStreamHealthy, err)
				}
				return fmt.Errorf("read: %w", err)
			}
			tick, ok, err := parseBinanceTicker(message, bySymbol)
			if err != nil {
				b.logger.Warn("failed to parse message", slog.String("error", err.Error()))
				continue
			}
			if !ok {
				continue
			}
			if !emit(ctx, ticks, tick) {
				return nil
			}
			delivered = true
		}
	})
}

func parseBinanceTicker(message []byte, bySymbol map[string]model.Pair) (model.PriceTick, bool, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return model.PriceTick{}, false, err
	}
	pair, ok := bySymbol[strings.ToUpper(env.Data.Symbol)]
	if !ok {
		return model.PriceTick{}, false, nil
	}
	fields := [4]decimal.Decimal{}
	for i, s := range []string{env.Data.Bid, env.Data.BidQty, env.Data.Ask, env.Data.AskQty} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return model.PriceTick{}, false, fmt.Errorf("binance %s: %w", env.Data.Symbol, err)
		}
		fields[i] = d
	}
	return model.PriceTick{
		Exchange: "binance",
		Pair:     pair,
		Bid:      fields[0],
		BidQty:   fields[1],
		Ask:      fields[2],
		AskQty:   fields[3],
		Time:     time.Now(),
	}, true, nil
}
