package model

import (
	"sort"
	"time"
)

// RoleAll is the synthetic role every member belongs to
const RoleAll = "all"

// Member is a node of the cluster
type Member struct {
	Address  string    `json:"address" bson:"address"`
	Roles    []string  `json:"roles" bson:"roles"`
	UpNumber int64     `json:"up_number" bson:"up_number"` // Join order, lower is older
	JoinedAt time.Time `json:"joined_at" bson:"joined_at"`
	LastSeen time.Time `json:"last_seen" bson:"last_seen"` // Last heartbeat
}

// IsOlderThan orders members by join order, ties broken by address
func (m Member) IsOlderThan(other Member) bool {
	if m.UpNumber != other.UpNumber {
		return m.UpNumber < other.UpNumber
	}
	return m.Address < other.Address
}

// AllRoles returns the member's declared roles plus RoleAll, sorted and deduplicated
func (m Member) AllRoles() []string {
	seen := map[string]bool{RoleAll: true}
	roles := []string{RoleAll}
	for _, r := range m.Roles {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// HasRole reports whether the member belongs to role
func (m Member) HasRole(role string) bool {
	if role == RoleAll {
		return true
	}
	for _, r := range m.Roles {
		if r == role {
			return true
		}
	}
	return false
}
