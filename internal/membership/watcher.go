package membership

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dandantas/metronome/internal/model"
)

// EventType is a membership change kind
type EventType string

const (
	EventMemberUp          EventType = "member_up"
	EventMemberUnreachable EventType = "member_unreachable"
	EventMemberRemoved     EventType = "member_removed"
)

// Event is a membership change observed by a Watcher
type Event struct {
	Type   EventType
	Member model.Member
}

// WatcherConfig tunes heartbeat and failure detection
type WatcherConfig struct {
	Heartbeat        time.Duration // Self heartbeat and poll interval
	UnreachableAfter time.Duration // Silence before a member is reported unreachable
	RemoveAfter      time.Duration // Silence before a member is removed
	ResyncEvery      time.Duration // Full reset and replay interval
}

// Watcher keeps a Tracker in line with a Registry: it heartbeats the local
// member, polls the registry, and turns differences into events.
type Watcher struct {
	address  string
	self     model.Member
	registry Registry
	tracker  *Tracker
	cfg      WatcherConfig
	logger   *slog.Logger
	now      func() time.Time
	listener func(Event)

	mu          sync.Mutex
	unreachable map[string]bool
	lastResync  time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for self
func NewWatcher(self model.Member, registry Registry, tracker *Tracker, cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 2 * time.Second
	}
	if cfg.UnreachableAfter <= 0 {
		cfg.UnreachableAfter = 5 * cfg.Heartbeat
	}
	if cfg.RemoveAfter < cfg.UnreachableAfter {
		cfg.RemoveAfter = 3 * cfg.UnreachableAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		address:     self.Address,
		self:        self,
		registry:    registry,
		tracker:     tracker,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		unreachable: make(map[string]bool),
		stopChan:    make(chan struct{}),
	}
}

// OnEvent sets a listener called for every emitted event. Call before Start.
func (w *Watcher) OnEvent(fn func(Event)) {
	w.listener = fn
}

// Start registers the local member, performs a first sync and polls in the
// background
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.heartbeat(ctx); err != nil {
		return err
	}
	if err := w.Resync(ctx); err != nil {
		return err
	}

	self := w.Self()
	w.logger.Info("Membership watcher started",
		"node", self.Address,
		"roles", self.Roles,
		"up_number", self.UpNumber,
		"heartbeat", w.cfg.Heartbeat,
	)

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop ends polling and deregisters the local member best-effort
func (w *Watcher) Stop(ctx context.Context) {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()

	if err := w.registry.Remove(ctx, w.address); err != nil {
		w.logger.Warn("Failed to deregister member", "node", w.address, "error", err)
	}
	w.logger.Info("Membership watcher stopped", "node", w.address)
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.heartbeat(ctx); err != nil {
				w.logger.Warn("Membership heartbeat failed", "node", w.address, "error", err)
			}
			w.mu.Lock()
			resync := w.cfg.ResyncEvery > 0 && w.now().Sub(w.lastResync) >= w.cfg.ResyncEvery
			w.mu.Unlock()

			var err error
			if resync {
				err = w.Resync(ctx)
			} else {
				err = w.Poll(ctx)
			}
			if err != nil {
				w.logger.Warn("Membership poll failed", "node", w.address, "error", err)
			}
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) heartbeat(ctx context.Context) error {
	stored, err := w.registry.Heartbeat(ctx, w.Self())
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.self = stored
	w.mu.Unlock()
	return nil
}

// Poll reads the registry once and applies differences to the tracker
func (w *Watcher) Poll(ctx context.Context) error {
	listed, err := w.registry.List(ctx)
	if err != nil {
		return err
	}

	now := w.now()
	seen := make(map[string]bool, len(listed))

	for _, m := range listed {
		silence := now.Sub(m.LastSeen)

		switch {
		case silence > w.cfg.RemoveAfter:
			// Left for dead; any node may clean it up
			if err := w.registry.Remove(ctx, m.Address); err != nil {
				w.logger.Warn("Failed to remove dead member", "member", m.Address, "error", err)
			}
			continue
		case silence > w.cfg.UnreachableAfter:
			w.markUnreachable(m)
		default:
			w.clearUnreachable(m)
		}

		seen[m.Address] = true
		if _, known := w.tracker.Member(m.Address); !known {
			w.tracker.AddMember(m)
			w.emit(Event{Type: EventMemberUp, Member: m})
		}
	}

	for _, m := range w.tracker.MembersOf(model.RoleAll) {
		if !seen[m.Address] {
			w.tracker.RemoveMember(m)
			w.mu.Lock()
			delete(w.unreachable, m.Address)
			w.mu.Unlock()
			w.emit(Event{Type: EventMemberRemoved, Member: m})
		}
	}

	return nil
}

// Resync resets the tracker and replays the registry's current members
func (w *Watcher) Resync(ctx context.Context) error {
	listed, err := w.registry.List(ctx)
	if err != nil {
		return err
	}

	now := w.now()
	live := make([]model.Member, 0, len(listed))
	for _, m := range listed {
		if now.Sub(m.LastSeen) <= w.cfg.RemoveAfter {
			live = append(live, m)
		}
	}
	w.tracker.Reset(live)

	w.mu.Lock()
	w.lastResync = now
	w.mu.Unlock()

	w.logger.Debug("Membership resynced", "node", w.address, "members", len(live))
	return nil
}

func (w *Watcher) markUnreachable(m model.Member) {
	w.mu.Lock()
	already := w.unreachable[m.Address]
	w.unreachable[m.Address] = true
	w.mu.Unlock()

	if !already {
		w.emit(Event{Type: EventMemberUnreachable, Member: m})
	}
}

func (w *Watcher) clearUnreachable(m model.Member) {
	w.mu.Lock()
	delete(w.unreachable, m.Address)
	w.mu.Unlock()
}

func (w *Watcher) emit(e Event) {
	w.logger.Info("Membership event",
		"event", e.Type,
		"member", e.Member.Address,
		"up_number", e.Member.UpNumber,
	)
	if w.listener != nil {
		w.listener(e)
	}
}

// Self returns the local member as last stored in the registry
func (w *Watcher) Self() model.Member {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.self
}
