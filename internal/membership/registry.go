package membership

import (
	"context"
	"sync"
	"time"

	"github.com/dandantas/metronome/internal/model"
)

// Registry is the authoritative member list a Watcher polls
type Registry interface {
	// Heartbeat registers m or refreshes its last_seen, returning the stored
	// member with its join order
	Heartbeat(ctx context.Context, m model.Member) (model.Member, error)
	List(ctx context.Context) ([]model.Member, error)
	Remove(ctx context.Context, address string) error
}

// MemoryRegistry is a Registry for processes sharing one address space
type MemoryRegistry struct {
	mu      sync.Mutex
	members map[string]model.Member
	nextUp  int64
	now     func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		members: make(map[string]model.Member),
		now:     time.Now,
	}
}

// Heartbeat registers or refreshes m
func (r *MemoryRegistry) Heartbeat(_ context.Context, m model.Member) (model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.members[m.Address]; ok {
		existing.Roles = m.Roles
		existing.LastSeen = now
		r.members[m.Address] = existing
		return existing, nil
	}

	r.nextUp++
	m.UpNumber = r.nextUp
	m.JoinedAt = now
	m.LastSeen = now
	r.members[m.Address] = m
	return m, nil
}

// List returns every registered member
func (r *MemoryRegistry) List(_ context.Context) ([]model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out, nil
}

// Remove deletes a member
func (r *MemoryRegistry) Remove(_ context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, address)
	return nil
}
