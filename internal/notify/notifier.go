// Package notify fans operator alerts out to chat senders, filtered by event.
package notify

import (
	"context"
	"log/slog"
	"strings"
)

// Event names raised by the bot.
const (
	EventStranded       = "stranded"
	EventBalanceAnomaly = "balance_anomaly"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every sender. With no events configured every event
// passes.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers text for event. Sender failures are logged, never returned:
// an alert must not change the outcome of the operation that raised it.
func (n *Notifier) Notify(ctx context.Context, event, text string) {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return
	}
	title := titleFor(event)
	for _, s := range n.senders {
		if err := s.Send(ctx, title, text); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("event", event))
	}
}

func titleFor(event string) string {
	switch event {
	case EventStranded:
		return "Trade stranded"
	case EventBalanceAnomaly:
		return "Balance anomaly"
	default:
		return strings.ReplaceAll(event, "_", " ")
	}
}
