// Package bus is the in-process tick bus coordinators subscribe to.
//
// Subscribers join a topic under a group. A tick published on a topic is
// handed to one subscriber of every named group, rotating between them, and
// to every subscriber that joined without a group.
package bus

import (
	"sync"

	"github.com/dandantas/metronome/internal/model"
)

// Topics
const (
	// TopicTick carries ticks meant for one subscriber per group
	TopicTick = "tick"
	// TopicTickAll carries ticks meant for every subscriber
	TopicTickAll = "tick-all"
)

// Handler receives ticks. It runs on the publisher's goroutine, so a handler
// running its job synchronously delays the remaining subscribers of that tick.
type Handler func(tick model.Tick)

// Subscriber registers tick handlers
type Subscriber interface {
	// Subscribe joins topic under group, an empty group receives every tick.
	// The returned function unsubscribes.
	Subscribe(topic, group string, h Handler) (func(), error)
}

// Publisher delivers ticks to a topic's subscribers
type Publisher interface {
	// Publish reports whether at least one subscriber received the tick
	Publish(topic string, tick model.Tick) bool
}

type subscription struct {
	id      uint64
	handler Handler
}

type groupState struct {
	subs []*subscription
	next int
}

// Bus is a Subscriber and Publisher local to the process
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[string]*groupState
	seq    uint64
}

var (
	_ Subscriber = (*Bus)(nil)
	_ Publisher  = (*Bus)(nil)
)

// New creates an empty bus
func New() *Bus {
	return &Bus{topics: make(map[string]map[string]*groupState)}
}

// Subscribe adds h to topic under group
func (b *Bus) Subscribe(topic, group string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	groups, ok := b.topics[topic]
	if !ok {
		groups = make(map[string]*groupState)
		b.topics[topic] = groups
	}
	g, ok := groups[group]
	if !ok {
		g = &groupState{}
		groups[group] = g
	}

	b.seq++
	sub := &subscription{id: b.seq, handler: h}
	g.subs = append(g.subs, sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, group, sub.id) })
	}, nil
}

func (b *Bus) unsubscribe(topic, group string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.topics[topic][group]
	if !ok {
		return
	}
	for i, s := range g.subs {
		if s.id == id {
			g.subs = append(g.subs[:i:i], g.subs[i+1:]...)
			break
		}
	}
	if len(g.subs) == 0 {
		delete(b.topics[topic], group)
	}
}

// Publish hands tick to the topic's subscribers
func (b *Bus) Publish(topic string, tick model.Tick) bool {
	targets := b.targets(topic)
	for _, h := range targets {
		h(tick)
	}
	return len(targets) > 0
}

// targets picks the handlers for one publication
func (b *Bus) targets(topic string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Handler
	for group, g := range b.topics[topic] {
		if len(g.subs) == 0 {
			continue
		}
		if group == "" {
			for _, s := range g.subs {
				out = append(out, s.handler)
			}
			continue
		}
		g.next %= len(g.subs)
		out = append(out, g.subs[g.next].handler)
		g.next++
	}
	return out
}

// Subscribers returns the number of subscriptions on topic
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, g := range b.topics[topic] {
		n += len(g.subs)
	}
	return n
}
