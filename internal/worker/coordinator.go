// Package worker runs job bodies on due ticks under a coordination policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dandantas/metronome/internal/bus"
	"github.com/dandantas/metronome/internal/evaluator"
	"github.com/dandantas/metronome/internal/lock"
	"github.com/dandantas/metronome/internal/model"
)

// DefaultUnlockDelay is how long a global lock is kept after the body returns
const DefaultUnlockDelay = time.Second

// Options are a coordinator's collaborators
type Options struct {
	LocalLocks  lock.Provider // Process-local locks, defaults to a private LocalLock
	GlobalLock  lock.Provider // Cluster lock, required for global singleton jobs
	LastTicks   LastTickStore // Shared last-tick floor for global singleton jobs
	Pool        *Pool         // Deliver ticks through the pool, nil runs them on the caller
	Evaluator   *evaluator.Evaluator
	OnBusy      BusyFunc
	OnFinish    FinishFunc
	UnlockDelay time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

type counters struct {
	accepted     atomic.Int64
	executed     atomic.Int64
	failed       atomic.Int64
	busyLocal    atomic.Int64
	busyGlobal   atomic.Int64
	staleDropped atomic.Int64
	running      atomic.Int64
}

// Coordinator receives ticks for one job, admits due ones in timestamp
// order, and runs the body as its policy allows
type Coordinator struct {
	spec   model.JobSpec
	body   JobFunc
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	last           *model.Tick // Newest admitted tick
	firstTimeDone  bool
	acceptedNormal bool
	stopped        bool
	pending        map[string]*time.Timer // Delayed global unlocks by lock id
	unsubscribe    func()

	inflight sync.WaitGroup
	stats    counters
}

// NewCoordinator creates a coordinator for a resolved job
func NewCoordinator(spec model.JobSpec, body JobFunc, opts Options) (*Coordinator, error) {
	if body == nil {
		return nil, fmt.Errorf("job %s: body is required", spec.Name)
	}
	if spec.Schedule == nil {
		return nil, fmt.Errorf("job %s: schedule is required", spec.Name)
	}
	if spec.Policy.IsGlobal() && opts.GlobalLock == nil {
		return nil, fmt.Errorf("job %s: global singleton needs a cluster lock", spec.Name)
	}
	if spec.Location == nil {
		spec.Location = time.Local
	}

	if opts.LocalLocks == nil {
		opts.LocalLocks = lock.NewLocalLock()
	}
	if opts.LastTicks == nil {
		opts.LastTicks = NewMemoryLastTicks()
	}
	if opts.Evaluator == nil {
		opts.Evaluator = evaluator.NewEvaluator(opts.Logger)
	}
	if opts.UnlockDelay <= 0 {
		opts.UnlockDelay = DefaultUnlockDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job", spec.Name)

	c := &Coordinator{
		spec:    spec,
		body:    body,
		opts:    opts,
		logger:  logger,
		pending: make(map[string]*time.Timer),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if c.opts.OnBusy == nil {
		c.opts.OnBusy = c.logBusy
	}
	return c, nil
}

// Name returns the job name
func (c *Coordinator) Name() string {
	return c.spec.Name
}

// Spec returns the resolved job configuration
func (c *Coordinator) Spec() model.JobSpec {
	return c.spec
}

// Eligible reports whether a node with the given roles may run the job
func (c *Coordinator) Eligible(nodeRoles []string) bool {
	return Eligible(c.spec, nodeRoles)
}

// Eligible reports whether a node with nodeRoles may run spec. A job without
// roles runs everywhere.
func Eligible(spec model.JobSpec, nodeRoles []string) bool {
	if len(spec.Roles) == 0 {
		return true
	}
	node := model.Member{Roles: nodeRoles}
	for _, r := range spec.Roles {
		if node.HasRole(r) {
			return true
		}
	}
	return false
}

// Start subscribes to ticks and fires the first-time tick when configured.
// Global singleton jobs take one tick per group, the others every tick.
func (c *Coordinator) Start(sub bus.Subscriber) error {
	topic, group := bus.TopicTickAll, ""
	if c.spec.Policy.IsGlobal() {
		topic, group = bus.TopicTick, c.spec.Name
	}

	unsubscribe, err := sub.Subscribe(topic, group, c.HandleTick)
	if err != nil {
		return fmt.Errorf("job %s: failed to subscribe: %w", c.spec.Name, err)
	}

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.logger.Info("Job coordinator started",
		"schedule", c.spec.Schedule.String(),
		"policy", c.spec.Policy,
		"topic", topic,
	)

	if c.spec.RunFirstTime {
		c.HandleTick(model.NewFirstTimeTick())
	}
	return nil
}

// Stop unsubscribes, waits for admitted ticks to finish, and releases
// pending global locks at once. Bodies are never interrupted.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	// Stop receiving ticks
	if unsubscribe != nil {
		unsubscribe()
	}

	// Wait for in-flight executions
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Timeout waiting for running job bodies")
	}

	// Release delayed global unlocks now
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*time.Timer)
	c.mu.Unlock()

	for lockID, t := range pending {
		if t.Stop() {
			c.releaseGlobal(lockID)
		}
	}

	c.cancel()
	c.logger.Info("Job coordinator stopped")
}

// HandleTick delivers a tick, on the pool when one is configured
func (c *Coordinator) HandleTick(tick model.Tick) {
	if c.opts.Pool == nil {
		c.process(tick)
		return
	}

	err := c.opts.Pool.Submit(Task{
		Job:    c.spec.Name,
		TickID: tick.ID,
		Run:    func() { c.process(tick) },
	})
	if err != nil {
		c.logger.Warn("Failed to queue tick", "tick_id", tick.ID, "error", err)
	}
}

// process runs the admission check, the policy, and records the tick
func (c *Coordinator) process(tick model.Tick) {
	if !c.admit(tick) {
		return
	}
	defer c.inflight.Done()

	c.dispatch(tick)

	// Share the tick so other processes drop it and anything older
	if !tick.FirstTime && c.spec.Policy.IsGlobal() {
		ctx, cancel := context.WithTimeout(c.ctx, c.spec.LockTTL)
		defer cancel()
		if err := c.opts.LastTicks.Save(ctx, c.spec.LastTickKey(), tick); err != nil {
			c.logger.Warn("Failed to record last tick", "tick_id", tick.ID, "error", err)
		}
	}
}

// IsTickMatched reports whether tick would pass admission now, without
// recording anything
func (c *Coordinator) IsTickMatched(tick model.Tick) bool {
	if tick.FirstTime {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.firstTimeDone && !c.acceptedNormal
	}

	shared, _ := c.sharedFloor()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkLocked(tick, shared) == nil
}

var (
	errLate        = errors.New("late")
	errNotNewer    = errors.New("not newer than last tick")
	errNotDue      = errors.New("not due")
	errTagMismatch = errors.New("tags do not match")
	errStopped     = errors.New("stopped")
)

// admit checks tick and, when it passes, makes it the newest admitted tick
// and counts it in flight. The check and the update happen under one lock so
// an older or repeated tick can never be admitted after a newer one.
func (c *Coordinator) admit(tick model.Tick) bool {
	if tick.FirstTime {
		c.mu.Lock()
		defer c.mu.Unlock()
		// Startup only: never after a normal tick has been admitted
		if c.stopped || c.firstTimeDone || c.acceptedNormal {
			return false
		}
		c.firstTimeDone = true
		c.stats.accepted.Add(1)
		c.inflight.Add(1)
		return true
	}

	shared, err := c.sharedFloor()
	if err != nil {
		c.logger.Warn("Failed to read last tick", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(tick, shared); err != nil {
		if errors.Is(err, errLate) || errors.Is(err, errNotNewer) {
			c.stats.staleDropped.Add(1)
			c.logger.Debug("Dropping stale tick", "tick_id", tick.ID, "reason", err.Error())
		}
		return false
	}

	t := tick
	c.last = &t
	c.acceptedNormal = true
	c.firstTimeDone = true
	c.stats.accepted.Add(1)
	c.inflight.Add(1)
	return true
}

// checkLocked applies the lateness, ordering, schedule and tag checks.
// Caller holds c.mu.
func (c *Coordinator) checkLocked(tick model.Tick, shared *model.Tick) error {
	if c.stopped {
		return errStopped
	}
	if tick.Age(c.opts.Now()) > c.spec.LateTickThreshold {
		return errLate
	}
	if c.last != nil && !c.last.Timestamp.Before(tick.Timestamp) {
		return errNotNewer
	}
	if shared != nil && !shared.Timestamp.Before(tick.Timestamp) {
		return errNotNewer
	}
	if !c.spec.Schedule.Matches(tick.Timestamp.In(c.spec.Location)) {
		return errNotDue
	}
	if !c.opts.Evaluator.Matches(c.spec.TagRules, tick) {
		return errTagMismatch
	}
	return nil
}

// sharedFloor reads the cluster-wide last tick of a global singleton job
func (c *Coordinator) sharedFloor() (*model.Tick, error) {
	if !c.spec.Policy.IsGlobal() {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.spec.LockTTL)
	defer cancel()

	t, ok, err := c.opts.LastTicks.Load(ctx, c.spec.LastTickKey())
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

// dispatch runs the body as the policy allows
func (c *Coordinator) dispatch(tick model.Tick) {
	ctx := c.ctx
	key := c.spec.LockKey()

	switch c.spec.Policy {
	case model.PolicyLocalSingleton, model.PolicyGlobalSingleton:
		// One copy per process first
		localID := uuid.New().String()
		if !c.opts.LocalLocks.TryLock(ctx, key, localID, c.spec.LockTTL) {
			c.busy(tick, false)
			return
		}
		defer c.opts.LocalLocks.Unlock(context.Background(), key, localID)

		if c.spec.Policy == model.PolicyLocalSingleton {
			c.execute(tick, "")
			return
		}

		// Then one copy per cluster, released after UnlockDelay
		lockID := uuid.New().String()
		if !c.opts.GlobalLock.TryLock(ctx, key, lockID, c.spec.LockTTL) {
			c.busy(tick, true)
			return
		}
		defer c.scheduleUnlock(lockID)
		c.execute(tick, lockID)

	default:
		c.execute(tick, "")
	}
}

// execute runs the body once, capturing errors and panics
func (c *Coordinator) execute(tick model.Tick, lockID string) {
	c.stats.running.Add(1)
	defer c.stats.running.Add(-1)

	run := Run{Job: c.spec.Name, Tick: tick, LockID: lockID}
	start := time.Now()
	err := c.runBody(run)
	duration := time.Since(start)
	if c.opts.OnFinish != nil {
		c.opts.OnFinish(run, start, duration, err)
	}

	if err != nil {
		c.stats.failed.Add(1)
		c.logger.Error("Job execution failed",
			"tick_id", tick.ID,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return
	}

	c.stats.executed.Add(1)
	c.logger.Debug("Job execution completed",
		"tick_id", tick.ID,
		"first_time", tick.FirstTime,
		"duration_ms", duration.Milliseconds(),
	)
}

func (c *Coordinator) runBody(run Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return c.body(c.ctx, run)
}

// scheduleUnlock releases the global lock after the unlock delay on its own
// goroutine, or at once when the coordinator is stopping
func (c *Coordinator) scheduleUnlock(lockID string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.releaseGlobal(lockID)
		return
	}
	c.pending[lockID] = time.AfterFunc(c.opts.UnlockDelay, func() {
		c.mu.Lock()
		delete(c.pending, lockID)
		c.mu.Unlock()
		c.releaseGlobal(lockID)
	})
	c.mu.Unlock()
}

func (c *Coordinator) releaseGlobal(lockID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.spec.LockTTL)
	defer cancel()

	if !c.opts.GlobalLock.Unlock(ctx, c.spec.LockKey(), lockID) {
		c.logger.Debug("Global lock not confirmed released", "lock_key", c.spec.LockKey(), "lock_id", lockID)
	}
}

func (c *Coordinator) busy(tick model.Tick, global bool) {
	if global {
		c.stats.busyGlobal.Add(1)
	} else {
		c.stats.busyLocal.Add(1)
	}
	c.opts.OnBusy(c.spec.Name, tick, global)
}

func (c *Coordinator) logBusy(job string, tick model.Tick, global bool) {
	scope := "local"
	if global {
		scope = "global"
	}
	c.logger.Warn("Job busy, skipping tick", "tick_id", tick.ID, "scope", scope)
}

// Stats returns a snapshot of the job's counters
func (c *Coordinator) Stats() model.JobStats {
	s := model.JobStats{
		Name:         c.spec.Name,
		Schedule:     c.spec.Schedule.String(),
		Policy:       c.spec.Policy,
		Accepted:     c.stats.accepted.Load(),
		Executed:     c.stats.executed.Load(),
		Failed:       c.stats.failed.Load(),
		BusyLocal:    c.stats.busyLocal.Load(),
		BusyGlobal:   c.stats.busyGlobal.Load(),
		StaleDropped: c.stats.staleDropped.Load(),
		Running:      c.stats.running.Load(),
	}

	c.mu.Lock()
	if c.last != nil {
		s.LastTickID = c.last.ID
		at := c.last.Timestamp
		s.LastTickAt = &at
	}
	c.mu.Unlock()

	if next := c.spec.Schedule.Next(c.opts.Now().In(c.spec.Location)); !next.IsZero() {
		s.NextRunAt = &next
	}
	return s
}
