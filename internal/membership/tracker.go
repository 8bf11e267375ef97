// Package membership tracks cluster members per role and derives each
// role's leader, the oldest surviving member.
package membership

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dandantas/metronome/internal/model"
)

// snapshot is an immutable view of the membership. Writers build a new one
// and swap it in, so readers never see a partially applied change.
type snapshot struct {
	members map[string]model.Member   // by address
	roles   map[string][]model.Member // oldest first
}

func emptySnapshot() *snapshot {
	return &snapshot{
		members: map[string]model.Member{},
		roles:   map[string][]model.Member{},
	}
}

// Tracker holds per-role ordered member sets. Mutations are serialized,
// queries read the current snapshot without locking.
type Tracker struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.snap.Store(emptySnapshot())
	return t
}

// AddMember adds m to RoleAll and each of its roles. Re-adding a known
// address replaces its entry.
func (t *Tracker) AddMember(m model.Member) {
	t.mu.Lock()
	defer t.mu.Unlock()

	members := t.copyMembers()
	members[m.Address] = m
	t.snap.Store(build(members))
}

// RemoveMember removes the member with m's address from every role
func (t *Tracker) RemoveMember(m model.Member) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.snap.Load().members[m.Address]; !ok {
		return
	}
	members := t.copyMembers()
	delete(members, m.Address)
	t.snap.Store(build(members))
}

// Reset replaces the whole membership with members
func (t *Tracker) Reset(members []model.Member) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byAddress := make(map[string]model.Member, len(members))
	for _, m := range members {
		byAddress[m.Address] = m
	}
	t.snap.Store(build(byAddress))
}

// LeaderOf returns the oldest member of role
func (t *Tracker) LeaderOf(role string) (model.Member, bool) {
	members := t.snap.Load().roles[role]
	if len(members) == 0 {
		return model.Member{}, false
	}
	return members[0], true
}

// IsLeader reports whether address is the leader of role
func (t *Tracker) IsLeader(role, address string) bool {
	leader, ok := t.LeaderOf(role)
	return ok && leader.Address == address
}

// MembersOf returns role's members, oldest first
func (t *Tracker) MembersOf(role string) []model.Member {
	members := t.snap.Load().roles[role]
	out := make([]model.Member, len(members))
	copy(out, members)
	return out
}

// Member looks up a member by address
func (t *Tracker) Member(address string) (model.Member, bool) {
	m, ok := t.snap.Load().members[address]
	return m, ok
}

// Roles returns every role with at least one member, sorted
func (t *Tracker) Roles() []string {
	roles := t.snap.Load().roles
	out := make([]string, 0, len(roles))
	for r := range roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// copyMembers copies the current member map, caller holds t.mu
func (t *Tracker) copyMembers() map[string]model.Member {
	current := t.snap.Load().members
	members := make(map[string]model.Member, len(current)+1)
	for k, v := range current {
		members[k] = v
	}
	return members
}

func build(members map[string]model.Member) *snapshot {
	s := &snapshot{
		members: members,
		roles:   make(map[string][]model.Member),
	}
	for _, m := range members {
		for _, role := range m.AllRoles() {
			s.roles[role] = append(s.roles[role], m)
		}
	}
	for _, list := range s.roles {
		sort.Slice(list, func(i, j int) bool {
			return list[i].IsOlderThan(list[j])
		})
	}
	return s
}
