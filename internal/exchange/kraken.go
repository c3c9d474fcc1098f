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

const krakenStreamURL = "wss://ws.kraken.com"

// KrakenStream pushes Kraken ticker updates.
type KrakenStream struct {
	logger *slog.Logger
	url    string
}

// NewKrakenStream creates a new KrakenStream.
func NewKrakenStream(logger *slog.Logger) *KrakenStream {
	return &KrakenStream{
		logger: logger.With(slog.String("component", "stream"), slog.String("exchange", "kraken")),
		url:    krakenStreamURL,
	}
}

func (k *KrakenStream) Name() string {
	return "kraken"
}

// krakenAsset maps common tickers to Kraken's websocket names.
func krakenAsset(a string) string {
	switch a {
	case "BTC":
		return "XBT"
	case "DOGE":
		return "XDG"
	default:
		return a
	}
}

func krakenPair(p model.Pair) string {
	return krakenAsset(p.Base) + "/" + krakenAsset(p.Quote)
}

type krakenTicker struct {
	Ask []any `json:"a"`
	Bid []any `json:"b"`
}

func krakenDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	default:
		return decimal.Zero, fmt.Errorf("unexpected value %v", v)
	}
}

// StartStream subscribes to the ticker channel of all pairs and reconnects
// with exponential backoff until ctx is cancelled.
func (k *KrakenStream) StartStream(ctx context.Context, ticks chan<- model.PriceTick, pairs []model.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	byName := make(map[string]model.Pair, len(pairs))
	names := make([]string, 0, len(pairs))
	for _, p := range pairs {
		byName[krakenPair(p)] = p
		names = append(names, krakenPair(p))
	}
	subscription := map[string]any{
		"event":        "subscribe",
		"pair":         names,
		"subscription": map[string]string{"name": "ticker"},
	}

	return reconnectLoop(ctx, k.logger, func(ctx context.Context) error {
		k.logger.Info("connecting to websocket", slog.String("url", k.url))
		c, _, err := websocket.DefaultDialer.DialContext(ctx, k.url, nil)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer c.Close()
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()

		if err := c.WriteJSON(subscription); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}

		delivered := false
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				if delivered {
					return fmt.Errorf("%w: %v", errStreamHealthy, err)
				}
				return fmt.Errorf("read: %w", err)
			}
			tick, ok, err := parseKrakenTicker(message, byName)
			if err != nil {
				k.logger.Warn("failed to parse message", slog.String("error", err.Error()))
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

// parseKrakenTicker decodes [channelID, {a, b, ...}, "ticker", "XBT/USDT"].
// Event objects such as heartbeats and subscription status are ignored.
func parseKrakenTicker(message []byte, byName map[string]model.Pair) (model.PriceTick, bool, error) {
	if len(message) == 0 || message[0] != '[' {
		return model.PriceTick{}, false, nil
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		return model.PriceTick{}, false, err
	}
	if len(frame) < 4 {
		return model.PriceTick{}, false, nil
	}
	var channel, name string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || channel != "ticker" {
		return model.PriceTick{}, false, nil
	}
	if err := json.Unmarshal(frame[len(frame)-1], &name); err != nil {
		return model.PriceTick{}, false, err
	}
	pair, ok := byName[strings.ToUpper(name)]
	if !ok {
		return model.PriceTick{}, false, nil
	}
	var t krakenTicker
	if err := json.Unmarshal(frame[1], &t); err != nil {
		return model.PriceTick{}, false, err
	}
	// a and b are [price, wholeLotVolume, lotVolume].
	if len(t.Ask) < 3 || len(t.Bid) < 3 {
		return model.PriceTick{}, false, fmt.Errorf("kraken %s: short ticker", name)
	}
	fields := [4]decimal.Decimal{}
	for i, v := range []any{t.Bid[0], t.Bid[2], t.Ask[0], t.Ask[2]} {
		d, err := krakenDecimal(v)
		if err != nil {
			return model.PriceTick{}, false, fmt.Errorf("kraken %s: %w", name, err)
		}
		fields[i] = d
	}
	return model.PriceTick{
		Exchange: "kraken",
		Pair:     pair,
		Bid:      fields[0],
		BidQty:   fields[1],
		Ask:      fields[2],
		AskQty:   fields[3],
		Time:     time.Now(),
	}, true, nil
}
