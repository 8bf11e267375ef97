package model

import (
	"time"

	"github.com/google/uuid"
)

// TagSenderAddr is attached to every tick, holding the address of the node
// whose clock produced it
const TagSenderAddr = "sender_addr"

// Tick is a timestamped scheduling heartbeat. Ticks are immutable once created.
type Tick struct {
	ID        string                 `json:"id" bson:"id"`
	Timestamp time.Time              `json:"timestamp" bson:"timestamp"`
	Tags      map[string]interface{} `json:"tags,omitempty" bson:"tags,omitempty"`

	// FirstTime marks the synthetic startup tick that bypasses admission.
	// It never crosses a process boundary.
	FirstTime bool `json:"-" bson:"-"`
}

// NewTick creates a tick stamped with the current time
func NewTick(tags map[string]interface{}) Tick {
	return NewTickAt(time.Now(), tags)
}

// NewTickAt creates a tick with an explicit timestamp
func NewTickAt(ts time.Time, tags map[string]interface{}) Tick {
	copied := make(map[string]interface{}, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	return Tick{
		ID:        uuid.New().String(),
		Timestamp: ts,
		Tags:      copied,
	}
}

// NewFirstTimeTick creates the synthetic tick a coordinator fires at startup
func NewFirstTimeTick() Tick {
	t := NewTick(nil)
	t.FirstTime = true
	return t
}

// Tag returns a tag value as a string, or "" if it is absent or not a string
func (t Tick) Tag(key string) string {
	if v, ok := t.Tags[key].(string); ok {
		return v
	}
	return ""
}

// Age returns how long ago the tick was produced
func (t Tick) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}
