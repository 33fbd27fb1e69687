package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/tunnel"
)

const defaultCommandBuffer = 256

// ErrBridgeBusy is returned when the command buffer is full.
var ErrBridgeBusy = errors.New("negotiator command buffer full")

// Command operations sent to the external IKE negotiator.
const (
	OpBringUp = "bring_up"
	OpClose   = "close"
)

// Result types reported by the external IKE negotiator.
const (
	ResultOpened = "opened"
	ResultClosed = "closed"
)

// Command is published on wlantunnel:negotiator:<slot>:commands.
type Command struct {
	Op       string                 `json:"op"`
	Slot     int                    `json:"slot"`
	APN      string                 `json:"apn"`
	Request  *tunnel.BringUpRequest `json:"request,omitempty"`
	Force    bool                   `json:"force,omitempty"`
	IssuedAt time.Time              `json:"issued_at"`
}

// WireError is the JSON form of a negotiator failure.
type WireError struct {
	Kind         string `json:"kind"`
	Code         int    `json:"code,omitempty"`
	BackoffTimer []byte `json:"backoff_timer,omitempty"`
	Message      string `json:"message,omitempty"`
}

// TunnelError converts the wire form. Unknown kinds become internal errors.
func (w *WireError) TunnelError() domain.TunnelError {
	if w == nil {
		return domain.NoError()
	}
	kind, ok := domain.ParseErrorKind(w.Kind)
	msg := w.Message
	if !ok && msg == "" {
		msg = w.Kind
	}
	return domain.TunnelError{Kind: kind, Code: w.Code, BackoffTimer: w.BackoffTimer, Message: msg}
}

// Result is published by the negotiator on wlantunnel:negotiator:<slot>:results.
type Result struct {
	Type       string             `json:"type"`
	APN        string             `json:"apn"`
	Properties *tunnel.Properties `json:"properties,omitempty"`
	Error      *WireError         `json:"error,omitempty"`
}

// TunnelSink receives negotiator results for one slot.
type TunnelSink interface {
	TunnelOpened(ctx context.Context, apn string, props tunnel.Properties) error
	TunnelClosed(ctx context.Context, apn string, err domain.TunnelError) error
}

// SinkLookup returns the sink of a slot.
type SinkLookup func(slot int) (TunnelSink, bool)

// Bridge implements tunnel.Negotiator over Redis pub/sub. Commands are
// buffered so the slot loop never waits on Redis.
type Bridge struct {
	client   *Client
	slots    []int
	lookup   SinkLookup
	commands chan Command
	publish  func(ctx context.Context, channel string, v any) error
	now      func() time.Time
	logger   *slog.Logger
}

func NewBridge(client *Client, slots []int, lookup SinkLookup, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		client:   client,
		slots:    slots,
		lookup:   lookup,
		commands: make(chan Command, defaultCommandBuffer),
		now:      time.Now,
		logger:   logger.With("component", "negotiator-bridge"),
	}
	if client != nil {
		b.publish = client.PublishJSON
	}
	return b
}

func (b *Bridge) BringUp(_ context.Context, key domain.SessionKey, req tunnel.BringUpRequest) error {
	return b.enqueue(Command{Op: OpBringUp, Slot: key.Slot, APN: key.APN, Request: &req, IssuedAt: b.now()})
}

func (b *Bridge) CloseTunnel(_ context.Context, key domain.SessionKey, force bool) error {
	return b.enqueue(Command{Op: OpClose, Slot: key.Slot, APN: key.APN, Force: force, IssuedAt: b.now()})
}

func (b *Bridge) enqueue(cmd Command) error {
	select {
	case b.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("%s %s: %w", cmd.Op, cmd.APN, ErrBridgeBusy)
	}
}

// Run publishes commands and consumes results until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	channels := make([]string, 0, len(b.slots))
	for _, slot := range b.slots {
		channels = append(channels, resultChannel(slot))
	}
	sub := b.client.rdb.Subscribe(ctx, channels...)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe negotiator results: %w", err)
	}
	b.logger.Info("negotiator bridge ready", "channels", channels)

	results := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-b.commands:
			if err := b.publish(ctx, commandChannel(cmd.Slot), cmd); err != nil {
				b.fail(ctx, cmd, err)
			}
		case msg, ok := <-results:
			if !ok {
				return nil
			}
			if err := b.handleResult(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				b.logger.Warn("dropped negotiator result", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// fail reports an undeliverable bring-up back to its slot so the session
// does not stay pending.
func (b *Bridge) fail(ctx context.Context, cmd Command, err error) {
	b.logger.Error("publish command failed", "op", cmd.Op, "slot", cmd.Slot, "apn", cmd.APN, "error", err)
	sink, ok := b.lookup(cmd.Slot)
	if !ok {
		return
	}
	tunnelErr := domain.TunnelError{Kind: domain.ErrorKindInternal, Message: err.Error()}
	if cmd.Op == OpClose {
		tunnelErr = domain.NoError()
	}
	if err := sink.TunnelClosed(ctx, cmd.APN, tunnelErr); err != nil {
		b.logger.Warn("report failed command", "apn", cmd.APN, "error", err)
	}
}

func (b *Bridge) handleResult(ctx context.Context, channel string, payload []byte) error {
	slot, err := slotFromChannel(channel)
	if err != nil {
		return err
	}
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	if res.APN == "" {
		return errors.New("result without apn")
	}
	sink, ok := b.lookup(slot)
	if !ok {
		return fmt.Errorf("unknown slot %d", slot)
	}

	switch res.Type {
	case ResultOpened:
		var props tunnel.Properties
		if res.Properties != nil {
			props = *res.Properties
		}
		return sink.TunnelOpened(ctx, res.APN, props)
	case ResultClosed:
		return sink.TunnelClosed(ctx, res.APN, res.Error.TunnelError())
	default:
		return fmt.Errorf("unknown result type %q", res.Type)
	}
}
