// Package replica defines the contract of the eventually consistent
// multi-map that backs weak locks and shared last-tick markers.
//
// A key maps to a set of elements. Writers never mutate a set in place:
// they submit a MergeFunc that computes the next set from whatever set the
// store currently holds for the key. Stores may apply merges on one replica
// and propagate later, so a successful Update says nothing about what other
// replicas observe. Callers that need ownership guarantees read back.
package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrNotFound is returned by Get when the key holds no set
var ErrNotFound = errors.New("replica: key not found")

// ReadConsistency is how many replicas a read consults
type ReadConsistency int

const (
	ReadLocal ReadConsistency = iota
	ReadMajority
	ReadAll
)

func (c ReadConsistency) String() string {
	switch c {
	case ReadLocal:
		return "local"
	case ReadMajority:
		return "majority"
	case ReadAll:
		return "all"
	}
	return fmt.Sprintf("read(%d)", int(c))
}

// WriteConsistency is how many replicas a write reaches before Update returns
type WriteConsistency int

const (
	WriteLocal WriteConsistency = iota
	WriteMajority
	WriteAll
)

func (c WriteConsistency) String() string {
	switch c {
	case WriteLocal:
		return "local"
	case WriteMajority:
		return "majority"
	case WriteAll:
		return "all"
	}
	return fmt.Sprintf("write(%d)", int(c))
}

// Element is one member of a key's set. Identity is Key only.
type Element struct {
	Key       string    `bson:"key"`
	Data      bson.Raw  `bson:"data"`
	ExpiresAt time.Time `bson:"expires_at,omitempty"` // Zero means the element never expires
}

// NewElement encodes v as the element's payload
func NewElement(key string, v interface{}, expiresAt time.Time) (Element, error) {
	data, err := bson.Marshal(v)
	if err != nil {
		return Element{}, fmt.Errorf("failed to encode element %s: %w", key, err)
	}
	return Element{Key: key, Data: data, ExpiresAt: expiresAt}, nil
}

// Decode unmarshals the element's payload into v
func (e Element) Decode(v interface{}) error {
	if err := bson.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode element %s: %w", e.Key, err)
	}
	return nil
}

// Values is the set stored under a key
type Values []Element

// Contains reports whether an element with the given key is present
func (v Values) Contains(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Get returns the element with the given key
func (v Values) Get(key string) (Element, bool) {
	for _, e := range v {
		if e.Key == key {
			return e, true
		}
	}
	return Element{}, false
}

// Clone returns a deep copy, dropping duplicate keys (first one wins)
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	seen := make(map[string]bool, len(v))
	out := make(Values, 0, len(v))
	for _, e := range v {
		if seen[e.Key] {
			continue
		}
		seen[e.Key] = true
		data := make(bson.Raw, len(e.Data))
		copy(data, e.Data)
		out = append(out, Element{Key: e.Key, Data: data, ExpiresAt: e.ExpiresAt})
	}
	return out
}

// MaxExpiry returns the latest element expiry, or zero when any element
// never expires or the set is empty
func (v Values) MaxExpiry() time.Time {
	var max time.Time
	for _, e := range v {
		if e.ExpiresAt.IsZero() {
			return time.Time{}
		}
		if e.ExpiresAt.After(max) {
			max = e.ExpiresAt
		}
	}
	return max
}

// MergeFunc computes the next set for a key. found is false when the key is
// absent, in which case current is nil. Returning keep=false removes the key.
// Returning (current, found) leaves the key unchanged.
type MergeFunc func(current Values, found bool) (next Values, keep bool)

// Store is a replicated multi-map client bound to one replica
type Store interface {
	Update(ctx context.Context, key string, merge MergeFunc, consistency WriteConsistency) error
	Get(ctx context.Context, key string, consistency ReadConsistency) (Values, error)
}
