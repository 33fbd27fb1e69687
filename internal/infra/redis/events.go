package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
)

// Dispatcher routes an event to its slot.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event) error
}

// EventSubscriber feeds platform events published on
// wlantunnel:events:<slot> into the slot loops.
type EventSubscriber struct {
	client     *Client
	dispatcher Dispatcher
	slots      []int
	now        func() time.Time
	logger     *slog.Logger
}

func NewEventSubscriber(client *Client, dispatcher Dispatcher, slots []int, logger *slog.Logger) *EventSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSubscriber{
		client:     client,
		dispatcher: dispatcher,
		slots:      slots,
		now:        time.Now,
		logger:     logger.With("component", "event-subscriber"),
	}
}

// Run subscribes and dispatches until ctx is cancelled.
func (s *EventSubscriber) Run(ctx context.Context) error {
	channels := make([]string, 0, len(s.slots))
	for _, slot := range s.slots {
		channels = append(channels, eventsChannel(slot))
	}

	sub := s.client.rdb.Subscribe(ctx, channels...)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	s.logger.Info("subscribed to events", "channels", channels)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.handle(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				s.logger.Warn("dropped event", "channel", msg.Channel, "error", err)
			}
		}
	}
}

func (s *EventSubscriber) handle(ctx context.Context, channel string, payload []byte) error {
	ev, err := decodeEvent(channel, payload)
	if err != nil {
		return err
	}
	ev.ReceivedAt = s.now()
	return s.dispatcher.Dispatch(ctx, ev)
}

// decodeEvent parses an event payload. The channel decides the slot.
func decodeEvent(channel string, payload []byte) (domain.Event, error) {
	slot, err := slotFromChannel(channel)
	if err != nil {
		return domain.Event{}, err
	}
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if ev.Kind == "" {
		return domain.Event{}, fmt.Errorf("event without kind on %s", channel)
	}
	ev.Slot = slot
	return ev, nil
}
