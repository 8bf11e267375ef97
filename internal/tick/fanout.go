package tick

import (
	"log/slog"

	"github.com/dandantas/metronome/internal/bus"
	"github.com/dandantas/metronome/internal/membership"
	"github.com/dandantas/metronome/internal/model"
)

// publishBoth sends tick to the one-per-group and the broadcast topics
func publishBoth(p bus.Publisher, tick model.Tick) bool {
	one := p.Publish(bus.TopicTick, tick)
	all := p.Publish(bus.TopicTickAll, tick)
	return one || all
}

// SingleProcess publishes every tick to the local bus
type SingleProcess struct {
	local bus.Publisher
}

var _ FanOut = (*SingleProcess)(nil)

// NewSingleProcess creates a single process fan-out
func NewSingleProcess(local bus.Publisher) *SingleProcess {
	return &SingleProcess{local: local}
}

// FanOut publishes tick locally
func (f *SingleProcess) FanOut(tick model.Tick) bool {
	return publishBoth(f.local, tick)
}

// LeaderGated publishes ticks cluster-wide only while this node is the
// leader of RoleAll, so an N node cluster carries one tick stream
type LeaderGated struct {
	tracker *membership.Tracker
	address string
	cluster bus.Publisher
	logger  *slog.Logger
}

var _ FanOut = (*LeaderGated)(nil)

// NewLeaderGated creates a leader gated fan-out publishing on cluster
func NewLeaderGated(tracker *membership.Tracker, address string, cluster bus.Publisher, logger *slog.Logger) *LeaderGated {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderGated{
		tracker: tracker,
		address: address,
		cluster: cluster,
		logger:  logger,
	}
}

// FanOut publishes tick when this node leads
func (f *LeaderGated) FanOut(tick model.Tick) bool {
	if !f.tracker.IsLeader(model.RoleAll, f.address) {
		return false
	}
	return publishBoth(f.cluster, tick)
}
