package transport

import (
	"context"
	"sync"
)

type hubSub struct {
	id uint64
	h  Handler
}

type hubGroup struct {
	subs []hubSub
	next int
}

// Hub is an in-process Transport shared by several engines in one binary
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[string]*hubGroup
	seq      uint64
	closed   bool
}

var _ Transport = (*Hub)(nil)

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[string]*hubGroup)}
}

// Publish delivers payload synchronously to the channel's subscribers
func (h *Hub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	var targets []Handler
	for group, g := range h.channels[channel] {
		if len(g.subs) == 0 {
			continue
		}
		if group == "" {
			for _, s := range g.subs {
				targets = append(targets, s.h)
			}
			continue
		}
		g.next %= len(g.subs)
		targets = append(targets, g.subs[g.next].h)
		g.next++
	}
	h.mu.Unlock()

	for _, fn := range targets {
		data := make([]byte, len(payload))
		copy(data, payload)
		fn(data)
	}
	return nil
}

// Subscribe registers fn on channel under group
func (h *Hub) Subscribe(_ context.Context, channel, group string, fn Handler) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	groups, ok := h.channels[channel]
	if !ok {
		groups = make(map[string]*hubGroup)
		h.channels[channel] = groups
	}
	g, ok := groups[group]
	if !ok {
		g = &hubGroup{}
		groups[group] = g
	}
	h.seq++
	id := h.seq
	g.subs = append(g.subs, hubSub{id: id, h: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range g.subs {
			if s.id == id {
				g.subs = append(g.subs[:i:i], g.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Close drops every subscription
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.channels = make(map[string]map[string]*hubGroup)
	return nil
}

// MemoryQueue is an in-process Queue
type MemoryQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Enqueue appends payload
func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	q.items = append(q.items, data)
	return nil
}

// Dequeue pops the oldest payload
func (q *MemoryQueue) Dequeue(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false, ErrClosed
	}
	if len(q.items) == 0 {
		return nil, false, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true, nil
}

// Len returns the number of queued payloads
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further use
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
