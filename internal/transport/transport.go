// Package transport moves encoded ticks between processes. A Transport is a
// pub/sub bus with optional consumer groups, a Queue is a shared FIFO with
// at-least-once delivery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dandantas/metronome/internal/model"
	"go.mongodb.org/mongo-driver/bson"
)

// ErrClosed is returned by operations on a closed transport or queue
var ErrClosed = errors.New("transport: closed")

// Handler receives a published payload
type Handler func(payload []byte)

// Transport publishes payloads to channels
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers every payload on channel to h when group is empty,
	// otherwise each payload goes to one subscriber of the group across all
	// processes. The returned function unsubscribes.
	Subscribe(ctx context.Context, channel, group string, h Handler) (func(), error)
	Close() error
}

// Queue is a shared FIFO
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) error
	// Dequeue returns ok=false when the queue is empty
	Dequeue(ctx context.Context) (payload []byte, ok bool, err error)
	Close() error
}

// wireTick is the encoded form of a tick
type wireTick struct {
	ID        string                 `bson:"id"`
	Timestamp int64                  `bson:"ts"` // Unix milliseconds
	Tags      map[string]interface{} `bson:"tags,omitempty"`
}

// EncodeTick serializes a tick. First-time ticks are local only and are
// rejected.
func EncodeTick(tick model.Tick) ([]byte, error) {
	if tick.FirstTime {
		return nil, errors.New("first-time ticks are not sent across processes")
	}
	data, err := bson.Marshal(wireTick{
		ID:        tick.ID,
		Timestamp: tick.Timestamp.UnixMilli(),
		Tags:      tick.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tick: %w", err)
	}
	return data, nil
}

// DecodeTick parses a payload produced by EncodeTick
func DecodeTick(payload []byte) (model.Tick, error) {
	var w wireTick
	if err := bson.Unmarshal(payload, &w); err != nil {
		return model.Tick{}, fmt.Errorf("failed to decode tick: %w", err)
	}
	if w.ID == "" {
		return model.Tick{}, errors.New("failed to decode tick: missing id")
	}
	return model.Tick{
		ID:        w.ID,
		Timestamp: time.UnixMilli(w.Timestamp),
		Tags:      w.Tags,
	}, nil
}
