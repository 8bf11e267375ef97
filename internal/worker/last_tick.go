package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dandantas/metronome/internal/model"
	"github.com/dandantas/metronome/internal/replica"
)

const lastTickElement = "last-tick"

// LastTickStore keeps the most recent processed tick per key
type LastTickStore interface {
	Load(ctx context.Context, key string) (model.Tick, bool, error)
	// Save records tick unless a newer one is already stored
	Save(ctx context.Context, key string, tick model.Tick) error
}

// MemoryLastTicks is a process-local LastTickStore
type MemoryLastTicks struct {
	mu    sync.Mutex
	ticks map[string]model.Tick
}

var _ LastTickStore = (*MemoryLastTicks)(nil)

// NewMemoryLastTicks creates an empty store
func NewMemoryLastTicks() *MemoryLastTicks {
	return &MemoryLastTicks{ticks: make(map[string]model.Tick)}
}

// Load returns the tick stored under key
func (m *MemoryLastTicks) Load(_ context.Context, key string) (model.Tick, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.ticks[key]
	return t, ok, nil
}

// Save stores tick if it is newer
func (m *MemoryLastTicks) Save(_ context.Context, key string, tick model.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.ticks[key]; ok && !current.Timestamp.Before(tick.Timestamp) {
		return nil
	}
	m.ticks[key] = tick
	return nil
}

// ReplicatedLastTicks keeps last ticks in the replicated store so every
// replica of a job shares the same floor
type ReplicatedLastTicks struct {
	store replica.Store
	read  replica.ReadConsistency
	write replica.WriteConsistency
}

var _ LastTickStore = (*ReplicatedLastTicks)(nil)

// NewReplicatedLastTicks creates a store with the given consistency levels
func NewReplicatedLastTicks(store replica.Store, read replica.ReadConsistency, write replica.WriteConsistency) *ReplicatedLastTicks {
	return &ReplicatedLastTicks{store: store, read: read, write: write}
}

// Load reads the tick stored under key
func (r *ReplicatedLastTicks) Load(ctx context.Context, key string) (model.Tick, bool, error) {
	values, err := r.store.Get(ctx, key, r.read)
	if err != nil {
		if errors.Is(err, replica.ErrNotFound) {
			return model.Tick{}, false, nil
		}
		return model.Tick{}, false, err
	}
	return decodeLastTick(values)
}

// Save keeps the newer of the stored and the given tick. The merge is
// commutative, so concurrent saves converge on the newest tick.
func (r *ReplicatedLastTicks) Save(ctx context.Context, key string, tick model.Tick) error {
	el, err := replica.NewElement(lastTickElement, tick, time.Time{})
	if err != nil {
		return err
	}
	return r.store.Update(ctx, key, func(current replica.Values, found bool) (replica.Values, bool) {
		if found {
			if stored, ok, err := decodeLastTick(current); err == nil && ok && !stored.Timestamp.Before(tick.Timestamp) {
				return current, true
			}
		}
		return replica.Values{el}, true
	}, r.write)
}

func decodeLastTick(values replica.Values) (model.Tick, bool, error) {
	el, ok := values.Get(lastTickElement)
	if !ok {
		return model.Tick{}, false, nil
	}
	var t model.Tick
	if err := el.Decode(&t); err != nil {
		return model.Tick{}, false, err
	}
	return t, true, nil
}
