package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/tunnel"
)

const defaultNotifyBuffer = 512

// Notification types published on wlantunnel:notify:<slot>.
const (
	NotifyTransition    = "transition"
	NotifyUnthrottled   = "unthrottled"
	NotifyRetryEligible = "retry_eligible"
)

// Notification is the payload published for slot notifications.
type Notification struct {
	Type     string           `json:"type"`
	Slot     int              `json:"slot"`
	APN      string           `json:"apn"`
	TunnelID string           `json:"tunnel_id,omitempty"`
	From     tunnel.State     `json:"from,omitempty"`
	To       tunnel.State     `json:"to,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Event    domain.EventKind `json:"event,omitempty"`
	At       time.Time        `json:"at"`
}

// Publisher publishes slot notifications. Its notifier methods never
// block; notifications are dropped when the buffer is full.
type Publisher struct {
	queue   chan Notification
	publish func(ctx context.Context, channel string, v any) error
	now     func() time.Time
	logger  *slog.Logger
}

func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		queue:  make(chan Notification, defaultNotifyBuffer),
		now:    time.Now,
		logger: logger.With("component", "notify-publisher"),
	}
	if client != nil {
		p.publish = client.PublishJSON
	}
	return p
}

func (p *Publisher) OnTransition(t tunnel.Transition) {
	p.enqueue(Notification{
		Type:     NotifyTransition,
		Slot:     t.Key.Slot,
		APN:      t.Key.APN,
		TunnelID: t.TunnelID,
		From:     t.From,
		To:       t.To,
		Reason:   t.Reason,
		At:       t.Timestamp,
	})
}

func (p *Publisher) OnUnthrottled(key domain.SessionKey, event domain.EventKind) {
	p.enqueue(Notification{Type: NotifyUnthrottled, Slot: key.Slot, APN: key.APN, Event: event, At: p.now()})
}

func (p *Publisher) OnRetryEligible(key domain.SessionKey) {
	p.enqueue(Notification{Type: NotifyRetryEligible, Slot: key.Slot, APN: key.APN, At: p.now()})
}

func (p *Publisher) enqueue(n Notification) {
	select {
	case p.queue <- n:
	default:
		p.logger.Warn("notification dropped, buffer full", "type", n.Type, "slot", n.Slot, "apn", n.APN)
	}
}

// Run publishes queued notifications until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-p.queue:
			if err := p.publish(ctx, notifyChannel(n.Slot), n); err != nil {
				p.logger.Warn("publish notification failed", "type", n.Type, "error", err)
			}
		}
	}
}
