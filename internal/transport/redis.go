package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// RedisOption configures the Redis transport
type RedisOption func(*RedisTransport)

// WithRedisPrefix sets the key prefix for channels and streams
func WithRedisPrefix(prefix string) RedisOption {
	return func(t *RedisTransport) { t.prefix = prefix }
}

// WithRedisLogger sets a custom logger
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(t *RedisTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithRedisBlock sets how long a group read blocks before checking for shutdown
func WithRedisBlock(d time.Duration) RedisOption {
	return func(t *RedisTransport) {
		if d > 0 {
			t.block = d
		}
	}
}

// RedisTransport is a Transport over Redis. Every publication goes to a
// pub/sub channel for group-less subscribers and to a stream read through
// consumer groups for grouped ones.
type RedisTransport struct {
	client   redis.UniversalClient
	consumer string
	prefix   string
	maxLen   int64
	block    time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel []func()
	closed bool
	wg     sync.WaitGroup
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport creates a transport. consumer names this process inside
// consumer groups. The caller owns the client lifecycle.
func NewRedisTransport(client redis.UniversalClient, consumer string, opts ...RedisOption) *RedisTransport {
	t := &RedisTransport{
		client:   client,
		consumer: consumer,
		prefix:   "metronome:",
		maxLen:   1000,
		block:    200 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *RedisTransport) channelKey(channel string) string { return t.prefix + "ch:" + channel }
func (t *RedisTransport) streamKey(channel string) string  { return t.prefix + "stream:" + channel }

// Publish sends payload on the channel and appends it to the channel's stream
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}

	pipe := t.client.Pipeline()
	pipe.Publish(ctx, t.channelKey(channel), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: t.streamKey(channel),
		MaxLen: t.maxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts delivering channel payloads to h
func (t *RedisTransport) Subscribe(ctx context.Context, channel, group string, h Handler) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	var stop func()
	var err error
	if group == "" {
		stop, err = t.subscribeBroadcast(ctx, channel, h)
	} else {
		stop, err = t.subscribeGroup(ctx, channel, group, h)
	}
	if err != nil {
		return nil, err
	}

	var once sync.Once
	unsubscribe := func() { once.Do(stop) }
	t.cancel = append(t.cancel, unsubscribe)
	return unsubscribe, nil
}

func (t *RedisTransport) subscribeBroadcast(ctx context.Context, channel string, h Handler) (func(), error) {
	ps := t.client.Subscribe(ctx, t.channelKey(channel))
	// Wait for the subscription to be confirmed so no publication is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	ch := ps.Channel()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for msg := range ch {
			h([]byte(msg.Payload))
		}
	}()

	return func() {
		if err := ps.Close(); err != nil {
			t.logger.Debug("Failed to close redis subscription", "channel", channel, "error", err)
		}
	}, nil
}

func (t *RedisTransport) subscribeGroup(ctx context.Context, channel, group string, h Handler) (func(), error) {
	stream := t.streamKey(channel)
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s on %s: %w", group, channel, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(done)
		t.readGroup(readCtx, stream, group, h)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// readGroup consumes the stream as t.consumer until ctx is canceled
func (t *RedisTransport) readGroup(ctx context.Context, stream, group string, h Handler) {
	for ctx.Err() == nil {
		res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: t.consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    t.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			t.logger.Warn("Redis group read failed", "stream", stream, "group", group, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(t.block):
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				if payload, ok := msg.Values[payloadField].(string); ok {
					h([]byte(payload))
				}
				if err := t.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil && ctx.Err() == nil {
					t.logger.Warn("Redis ack failed", "stream", stream, "id", msg.ID, "error", err)
				}
			}
		}
	}
}

// Close stops every subscription. The client stays open.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancels := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	t.wg.Wait()
	return nil
}

func (t *RedisTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// RedisQueue is a Queue over a Redis list
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue stored under key
func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

// Enqueue appends payload to the list tail
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", q.key, err)
	}
	return nil
}

// Dequeue pops the list head
func (q *RedisQueue) Dequeue(ctx context.Context) ([]byte, bool, error) {
	data, err := q.client.LPop(ctx, q.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to dequeue from %s: %w", q.key, err)
	}
	return data, true, nil
}

// Close is a no-op, the caller owns the client
func (q *RedisQueue) Close() error { return nil }
