// Package memory is an in-process replica.Store with several replicas and a
// configurable propagation lag, for single binary deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dandantas/metronome/internal/replica"
)

type entry struct {
	values  replica.Values
	version int64
	deleted bool
}

// Cluster holds every replica's state. Versions are cluster-wide and
// monotonic, so propagation is last-writer-wins per key.
type Cluster struct {
	mu       sync.Mutex
	replicas []map[string]entry
	version  int64
	lag      time.Duration
	closed   bool
	timers   map[*time.Timer]struct{}
}

// NewCluster creates a cluster of n replicas. Local writes reach the other
// replicas after lag; majority and all writes reach every replica at once.
func NewCluster(n int, lag time.Duration) *Cluster {
	if n < 1 {
		n = 1
	}
	c := &Cluster{
		replicas: make([]map[string]entry, n),
		lag:      lag,
		timers:   make(map[*time.Timer]struct{}),
	}
	for i := range c.replicas {
		c.replicas[i] = make(map[string]entry)
	}
	return c
}

// Size returns the number of replicas
func (c *Cluster) Size() int {
	return len(c.replicas)
}

// Replica returns a store bound to replica i
func (c *Cluster) Replica(i int) *Replica {
	return &Replica{cluster: c, index: i % len(c.replicas)}
}

// Close cancels pending propagation
func (c *Cluster) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}

// Replica is a replica.Store bound to one replica of a Cluster
type Replica struct {
	cluster *Cluster
	index   int
}

var _ replica.Store = (*Replica)(nil)

// Update applies merge to this replica's current view of key
func (r *Replica) Update(ctx context.Context, key string, merge replica.MergeFunc, consistency replica.WriteConsistency) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := r.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.replicas[r.index][key]
	found := ok && !current.deleted
	var currentValues replica.Values
	if found {
		currentValues = current.values.Clone()
	}

	next, keep := merge(currentValues, found)
	if !keep && !found {
		return nil
	}

	c.version++
	e := entry{version: c.version, deleted: !keep}
	if keep {
		e.values = next.Clone()
		if e.values == nil {
			e.values = replica.Values{}
		}
	}

	c.replicas[r.index][key] = e
	if consistency == replica.WriteLocal && c.lag > 0 {
		c.propagateLater(r.index, key, e)
		return nil
	}
	for i := range c.replicas {
		c.apply(i, key, e)
	}
	return nil
}

// Get reads key from this replica, or the newest version across replicas for
// majority and all reads
func (r *Replica) Get(ctx context.Context, key string, consistency replica.ReadConsistency) (replica.Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := r.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.replicas[r.index][key]
	if consistency != replica.ReadLocal {
		for i := range c.replicas {
			if other, found := c.replicas[i][key]; found && other.version > e.version {
				e, ok = other, true
			}
		}
	}
	if !ok || e.deleted {
		return nil, replica.ErrNotFound
	}
	return e.values.Clone(), nil
}

// apply installs e on replica i unless it already holds a newer version
// Caller holds c.mu
func (c *Cluster) apply(i int, key string, e entry) {
	if current, ok := c.replicas[i][key]; ok && current.version >= e.version {
		return
	}
	c.replicas[i][key] = e
}

// propagateLater ships e to every other replica after the lag
// Caller holds c.mu
func (c *Cluster) propagateLater(from int, key string, e entry) {
	if c.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(c.lag, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		delete(c.timers, t)
		for i := range c.replicas {
			if i != from {
				c.apply(i, key, e)
			}
		}
	})
	c.timers[t] = struct{}{}
}
