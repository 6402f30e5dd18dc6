package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/metrics"
	"github.com/Naammmdz/naver-hackathon-2025-sub004/internal/protocol"
)

const DefaultChannel = "collab:metadata"

// Notifier pushes a frame to every live session of a room.
type Notifier interface {
	Notify(roomKey string, frame []byte)
}

type Config struct {
	Channel string
	Logger  *slog.Logger
}

type Bridge struct {
	bus      Bus
	notifier Notifier
	channel  string
	logger   *slog.Logger
}

func New(bus Bus, notifier Notifier, config Config) *Bridge {
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		bus:      bus,
		notifier: notifier,
		channel:  config.Channel,
		logger:   logger.With("component", "bridge", "channel", config.Channel),
	}
}

// Run relays events until ctx ends or the subscription closes.
func (b *Bridge) Run(ctx context.Context) error {
	messages, err := b.bus.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}
	b.logger.Info("metadata bridge subscribed")
	for raw := range messages {
		if err := b.relay(raw); err != nil {
			b.logger.Warn("dropping metadata event", "error", err)
		}
	}
	return ctx.Err()
}

func (b *Bridge) relay(raw []byte) error {
	ev, err := ParseEvent(raw)
	if err != nil {
		metrics.BridgeEvents.WithLabelValues("invalid").Inc()
		return err
	}
	n := protocol.Notification{RoomKey: ev.RoomKey, EventType: ev.EventType}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &n.Payload); err != nil {
			metrics.BridgeEvents.WithLabelValues("invalid").Inc()
			return errors.Join(ErrInvalidEvent, err)
		}
	}
	frame, err := protocol.EncodeNotification(n)
	if err != nil {
		metrics.BridgeEvents.WithLabelValues("invalid").Inc()
		return err
	}
	b.notifier.Notify(ev.RoomKey, frame)
	metrics.BridgeEvents.WithLabelValues("relayed").Inc()
	b.logger.Debug("relayed metadata event", "room", ev.RoomKey, "event_type", ev.EventType)
	return nil
}

// Publish validates ev and puts it on the bus.
func (b *Bridge) Publish(ctx context.Context, ev Event) error {
	raw, err := ev.Encode()
	if err != nil {
		return err
	}
	return b.bus.Publish(ctx, b.channel, raw)
}
