package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/dandantas/metronome/internal/bus"
	"github.com/dandantas/metronome/internal/model"
)

// Bridge exposes a Transport as a tick bus so coordinators can subscribe to
// cluster-wide topics the same way they subscribe locally
type Bridge struct {
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
}

var (
	_ bus.Subscriber = (*Bridge)(nil)
	_ bus.Publisher  = (*Bridge)(nil)
)

// NewBridge wraps t
func NewBridge(t Transport, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{transport: t, timeout: 5 * time.Second, logger: logger}
}

// Subscribe decodes ticks published on topic and hands them to h
func (b *Bridge) Subscribe(topic, group string, h bus.Handler) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	return b.transport.Subscribe(ctx, topic, group, func(payload []byte) {
		tick, err := DecodeTick(payload)
		if err != nil {
			b.logger.Warn("Dropping undecodable tick", "topic", topic, "error", err)
			return
		}
		h(tick)
	})
}

// Publish encodes tick onto topic
func (b *Bridge) Publish(topic string, tick model.Tick) bool {
	payload, err := EncodeTick(tick)
	if err != nil {
		b.logger.Warn("Failed to encode tick", "topic", topic, "tick_id", tick.ID, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if err := b.transport.Publish(ctx, topic, payload); err != nil {
		b.logger.Warn("Failed to publish tick", "topic", topic, "tick_id", tick.ID, "error", err)
		return false
	}
	return true
}
