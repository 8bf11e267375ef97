package tick

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dandantas/metronome/internal/bus"
	"github.com/dandantas/metronome/internal/lock"
	"github.com/dandantas/metronome/internal/model"
	"github.com/dandantas/metronome/internal/transport"
)

// Relay defaults
const (
	DefaultRelayLockKey = "tick-relay-lock"
	DefaultRelayChannel = "ticks"
	DefaultRelayLockTTL = 5 * time.Second
	DefaultPollInterval = time.Second
)

// RelayConfig configures the transport relayed fan-outs
type RelayConfig struct {
	LockID       string // Holder id of this process, usually its node address
	LockKey      string
	LockTTL      time.Duration
	Channel      string        // Pub/sub channel
	PollInterval time.Duration // Queue poll interval
	Logger       *slog.Logger
}

func (c *RelayConfig) setDefaults() {
	if c.LockKey == "" {
		c.LockKey = DefaultRelayLockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultRelayLockTTL
	}
	if c.Channel == "" {
		c.Channel = DefaultRelayChannel
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// relay is the shared half of the relayed fan-outs: it gates publishing on
// the relay lock and re-broadcasts received ticks on the local bus
type relay struct {
	cfg   RelayConfig
	lock  lock.Provider
	local bus.Publisher

	mu     sync.Mutex
	lastID string
	lastTs time.Time
}

// acquire takes or refreshes the relay lock
func (r *relay) acquire() bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LockTTL)
	defer cancel()
	return r.lock.TryLock(ctx, r.cfg.LockKey, r.cfg.LockID, r.cfg.LockTTL)
}

// release drops the relay lock if this process holds it
func (r *relay) release() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LockTTL)
	defer cancel()
	if !r.lock.Unlock(ctx, r.cfg.LockKey, r.cfg.LockID) {
		r.cfg.Logger.Debug("Relay lock not released", "lock_key", r.cfg.LockKey)
	}
}

// receive re-broadcasts a relayed tick unless it repeats or predates the
// last one seen
func (r *relay) receive(payload []byte) {
	tick, err := transport.DecodeTick(payload)
	if err != nil {
		r.cfg.Logger.Warn("Dropping undecodable relayed tick", "error", err)
		return
	}

	// Drop repeats and anything older than the last relayed tick
	r.mu.Lock()
	if tick.ID == r.lastID || !tick.Timestamp.After(r.lastTs) {
		r.mu.Unlock()
		return
	}
	r.lastID = tick.ID
	r.lastTs = tick.Timestamp
	r.mu.Unlock()

	publishBoth(r.local, tick)
}

// PubSubRelay publishes ticks on a pub/sub channel while holding the relay
// lock; every process re-broadcasts what it receives on its local bus
type PubSubRelay struct {
	relay
	transport   transport.Transport
	unsubscribe func()
}

var _ FanOut = (*PubSubRelay)(nil)

// NewPubSubRelay creates a pub/sub relayed fan-out
func NewPubSubRelay(t transport.Transport, l lock.Provider, local bus.Publisher, cfg RelayConfig) *PubSubRelay {
	cfg.setDefaults()
	return &PubSubRelay{
		relay:     relay{cfg: cfg, lock: l, local: local},
		transport: t,
	}
}

// Start subscribes to the relay channel
func (f *PubSubRelay) Start(ctx context.Context) error {
	unsubscribe, err := f.transport.Subscribe(ctx, f.cfg.Channel, "", f.receive)
	if err != nil {
		return err
	}
	f.unsubscribe = unsubscribe
	return nil
}

// Stop unsubscribes and releases the relay lock best-effort
func (f *PubSubRelay) Stop() {
	if f.unsubscribe != nil {
		f.unsubscribe()
	}
	f.release()
}

// FanOut publishes tick on the channel when this process holds the lock
func (f *PubSubRelay) FanOut(tick model.Tick) bool {
	// Only the lock holder relays
	if !f.acquire() {
		return false
	}

	payload, err := transport.EncodeTick(tick)
	if err != nil {
		f.cfg.Logger.Warn("Failed to encode tick", "tick_id", tick.ID, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.LockTTL)
	defer cancel()
	if err := f.transport.Publish(ctx, f.cfg.Channel, payload); err != nil {
		f.cfg.Logger.Warn("Failed to relay tick", "tick_id", tick.ID, "error", err)
		return false
	}
	return true
}

// QueueRelay enqueues ticks while holding the relay lock. Processes poll the
// queue and re-broadcast what they dequeue, so each tick reaches the local
// bus of one process.
type QueueRelay struct {
	relay
	queue transport.Queue

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ FanOut = (*QueueRelay)(nil)

// NewQueueRelay creates a queue relayed fan-out
func NewQueueRelay(q transport.Queue, l lock.Provider, local bus.Publisher, cfg RelayConfig) *QueueRelay {
	cfg.setDefaults()
	return &QueueRelay{
		relay:    relay{cfg: cfg, lock: l, local: local},
		queue:    q,
		stopChan: make(chan struct{}),
	}
}

// Start begins polling the queue
func (f *QueueRelay) Start(ctx context.Context) error {
	f.wg.Add(1)
	go f.poll(ctx)
	return nil
}

// Stop ends polling and releases the relay lock best-effort
func (f *QueueRelay) Stop() {
	// Signal stop
	f.stopOnce.Do(func() { close(f.stopChan) })

	// Wait for the poller to exit
	f.wg.Wait()
	f.release()
}

// FanOut enqueues tick when this process holds the lock
func (f *QueueRelay) FanOut(tick model.Tick) bool {
	// Only the lock holder enqueues
	if !f.acquire() {
		return false
	}

	payload, err := transport.EncodeTick(tick)
	if err != nil {
		f.cfg.Logger.Warn("Failed to encode tick", "tick_id", tick.ID, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.LockTTL)
	defer cancel()
	if err := f.queue.Enqueue(ctx, payload); err != nil {
		f.cfg.Logger.Warn("Failed to enqueue tick", "tick_id", tick.ID, "error", err)
		return false
	}
	return true
}

func (f *QueueRelay) poll(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.drain(ctx)
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain dequeues until the queue is empty
func (f *QueueRelay) drain(ctx context.Context) {
	for {
		payload, ok, err := f.queue.Dequeue(ctx)
		if err != nil {
			f.cfg.Logger.Warn("Failed to dequeue tick", "error", err)
			return
		}
		if !ok {
			return
		}
		f.receive(payload)
	}
}
