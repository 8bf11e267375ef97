// Package scheduler owns the job coordinators of one process: it registers
// code-defined and persisted jobs, subscribes them to ticks and reports
// their state.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dandantas/metronome/internal/bus"
	"github.com/dandantas/metronome/internal/lock"
	"github.com/dandantas/metronome/internal/model"
	"github.com/dandantas/metronome/internal/worker"
)

var (
	// ErrDuplicateJob is returned when a job name is already registered
	ErrDuplicateJob = errors.New("job already registered")
	// ErrUnknownJob is returned when unregistering a job that is not registered
	ErrUnknownJob = errors.New("job not registered")
	// ErrStarted is returned when starting a running engine
	ErrStarted = errors.New("engine already started")
)

// DefinitionSource lists the persisted jobs that should be running
type DefinitionSource interface {
	ListEnabled(ctx context.Context) ([]model.JobDefinition, error)
}

// BodyFactory builds the body of a persisted job
type BodyFactory func(def model.JobDefinition) worker.JobFunc

// RunRecorder stores job run history
type RunRecorder interface {
	Create(ctx context.Context, run *model.JobRun) error
}

// Options are the engine's collaborators
type Options struct {
	Address      string         // This node's address, recorded on runs
	Roles        []string       // This node's roles, gating role-restricted jobs
	Bus          bus.Subscriber // Where coordinators subscribe to ticks
	GlobalLock   lock.Provider
	LastTicks    worker.LastTickStore
	Pool         *worker.Pool // Used by async jobs
	Defaults     model.JobConfig
	UnlockDelay  time.Duration
	Definitions  DefinitionSource
	Bodies       BodyFactory
	Runs         RunRecorder
	SyncInterval time.Duration
	OnBusy       worker.BusyFunc
	Logger       *slog.Logger
}

type job struct {
	coordinator *worker.Coordinator
	definition  bool   // Registered from a persisted definition
	signature   string // Definition content the job was built from
}

// Engine runs a set of job coordinators
type Engine struct {
	opts       Options
	logger     *slog.Logger
	localLocks *lock.LocalLock

	mu       sync.Mutex
	jobs     map[string]*job
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	records  sync.WaitGroup
}

// NewEngine creates a new engine
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:       opts,
		logger:     logger,
		localLocks: lock.NewLocalLock(),
		jobs:       make(map[string]*job),
		stopChan:   make(chan struct{}),
	}
}

// Register adds a job. Unset config fields take the engine's declared
// defaults. A job restricted to roles this node lacks is skipped.
func (e *Engine) Register(name string, cfg model.JobConfig, body worker.JobFunc) error {
	return e.register(name, cfg, body, false, "")
}

func (e *Engine) register(name string, cfg model.JobConfig, body worker.JobFunc, definition bool, signature string) error {
	spec, err := cfg.Resolve(name, e.opts.Defaults)
	if err != nil {
		return err
	}
	if !worker.Eligible(spec, e.opts.Roles) {
		e.logger.Debug("Job not eligible on this node, skipping",
			"job", name,
			"job_roles", spec.Roles,
			"node_roles", e.opts.Roles,
		)
		return nil
	}

	opts := worker.Options{
		LocalLocks:  e.localLocks,
		GlobalLock:  e.opts.GlobalLock,
		LastTicks:   e.opts.LastTicks,
		OnBusy:      e.opts.OnBusy,
		UnlockDelay: e.opts.UnlockDelay,
		Logger:      e.logger,
	}
	// Lock verification can take seconds, keep it off the publisher
	if spec.Async || spec.Policy.IsGlobal() {
		opts.Pool = e.opts.Pool
	}
	if e.opts.Runs != nil {
		opts.OnFinish = e.recordRun
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	coordinator, err := worker.NewCoordinator(spec, body, opts)
	if err != nil {
		return err
	}
	if e.started {
		if err := coordinator.Start(e.opts.Bus); err != nil {
			return err
		}
	}
	e.jobs[name] = &job{coordinator: coordinator, definition: definition, signature: signature}

	e.logger.Info("Job registered",
		"job", name,
		"schedule", spec.Schedule.String(),
		"policy", spec.Policy,
		"async", opts.Pool != nil,
	)
	return nil
}

// Unregister stops a job and removes it. Running bodies finish first.
func (e *Engine) Unregister(ctx context.Context, name string) error {
	e.mu.Lock()
	j, ok := e.jobs[name]
	if ok {
		delete(e.jobs, name)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	j.coordinator.Stop(ctx)
	e.logger.Info("Job unregistered", "job", name)
	return nil
}

// Jobs returns the stats of every registered job, sorted by name
func (e *Engine) Jobs() []model.JobStats {
	e.mu.Lock()
	coordinators := make([]*worker.Coordinator, 0, len(e.jobs))
	for _, j := range e.jobs {
		coordinators = append(coordinators, j.coordinator)
	}
	e.mu.Unlock()

	stats := make([]model.JobStats, 0, len(coordinators))
	for _, c := range coordinators {
		stats = append(stats, c.Stats())
	}
	sort.Slice(stats, func(i, k int) bool { return stats[i].Name < stats[k].Name })
	return stats
}

// Start subscribes every registered job and, when a definition source is
// configured, loads persisted jobs and keeps them in sync
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrStarted
	}
	e.started = true
	for name, j := range e.jobs {
		if err := j.coordinator.Start(e.opts.Bus); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to start job %s: %w", name, err)
		}
	}
	count := len(e.jobs)
	e.mu.Unlock()

	e.logger.Info("Starting scheduler engine",
		"node", e.opts.Address,
		"roles", e.opts.Roles,
		"jobs", count,
	)

	if e.opts.Definitions == nil {
		return nil
	}
	if err := e.SyncDefinitions(ctx); err != nil {
		e.logger.Error("Failed to load job definitions", "error", err)
	}
	if e.opts.SyncInterval > 0 {
		e.wg.Add(1)
		go e.run(ctx)
	}
	return nil
}

// run periodically re-syncs persisted job definitions
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.SyncDefinitions(ctx); err != nil {
				e.logger.Error("Failed to sync job definitions", "error", err)
			}
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts definition syncing and stops every coordinator, waiting for
// running bodies until ctx is done
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stopChan)
	coordinators := make([]*worker.Coordinator, 0, len(e.jobs))
	for _, j := range e.jobs {
		coordinators = append(coordinators, j.coordinator)
	}
	e.mu.Unlock()

	e.logger.Info("Stopping scheduler engine", "node", e.opts.Address)
	e.wg.Wait()

	var wg sync.WaitGroup
	for _, c := range coordinators {
		wg.Add(1)
		go func(c *worker.Coordinator) {
			defer wg.Done()
			c.Stop(ctx)
		}(c)
	}
	wg.Wait()
	e.records.Wait()

	e.logger.Info("Scheduler engine stopped", "node", e.opts.Address)
}

// SyncDefinitions registers new or changed persisted jobs and unregisters
// the ones that were deleted or disabled
func (e *Engine) SyncDefinitions(ctx context.Context) error {
	if e.opts.Definitions == nil || e.opts.Bodies == nil {
		return errors.New("no job definition source configured")
	}

	defs, err := e.opts.Definitions.ListEnabled(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(defs))
	for _, def := range defs {
		wanted[def.Name] = true
		if err := e.syncDefinition(ctx, def); err != nil {
			e.logger.Error("Failed to register job definition", "job", def.Name, "error", err)
		}
	}

	e.mu.Lock()
	var stale []string
	for name, j := range e.jobs {
		if j.definition && !wanted[name] {
			stale = append(stale, name)
		}
	}
	e.mu.Unlock()

	for _, name := range stale {
		if err := e.Unregister(ctx, name); err != nil && !errors.Is(err, ErrUnknownJob) {
			return err
		}
	}
	return nil
}

func (e *Engine) syncDefinition(ctx context.Context, def model.JobDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	signature, err := definitionSignature(def)
	if err != nil {
		return err
	}

	e.mu.Lock()
	existing, ok := e.jobs[def.Name]
	e.mu.Unlock()

	if ok {
		if !existing.definition {
			e.logger.Warn("Job definition shadowed by a registered job", "job", def.Name)
			return nil
		}
		if existing.signature == signature {
			return nil
		}
		if err := e.Unregister(ctx, def.Name); err != nil && !errors.Is(err, ErrUnknownJob) {
			return err
		}
	}

	return e.register(def.Name, def.Config(), e.opts.Bodies(def), true, signature)
}

func definitionSignature(def model.JobDefinition) (string, error) {
	def.Metadata = model.Metadata{}
	data, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("failed to encode job definition %s: %w", def.Name, err)
	}
	return string(data), nil
}

// recordRun stores a finished run without holding up the coordinator
func (e *Engine) recordRun(run worker.Run, started time.Time, duration time.Duration, runErr error) {
	record := &model.JobRun{
		Job:        run.Job,
		TickID:     run.Tick.ID,
		TickAt:     run.Tick.Timestamp,
		FirstTime:  run.Tick.FirstTime,
		Node:       e.opts.Address,
		LockID:     run.LockID,
		Status:     model.RunSucceeded,
		StartedAt:  started.UTC(),
		DurationMs: duration.Milliseconds(),
	}
	if runErr != nil {
		record.Status = model.RunFailed
		record.Error = runErr.Error()
	}

	e.records.Add(1)
	go func() {
		defer e.records.Done()
		if err := e.opts.Runs.Create(context.Background(), record); err != nil {
			e.logger.Warn("Failed to record job run", "job", run.Job, "tick_id", run.Tick.ID, "error", err)
		}
	}()
}
