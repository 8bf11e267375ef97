// Package tick produces the cluster's tick stream and decides which
// processes publish it.
package tick

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dandantas/metronome/internal/model"
)

// FanOut hands a freshly produced tick on. It reports whether the tick was
// delivered anywhere.
type FanOut interface {
	FanOut(tick model.Tick) bool
}

// SourceConfig configures a Source
type SourceConfig struct {
	Address    string        // Stamped on ticks as sender_addr
	Interval   time.Duration // Defaults to one second
	RenewEvery time.Duration // Clock renewal period, defaults to 24h
	Logger     *slog.Logger
}

// Source is a periodic clock producing ticks. The clock is a robfig/cron
// runner and is replaced every RenewEvery so firing never silently stops
// over long uptimes.
type Source struct {
	fanOut FanOut
	cfg    SourceConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	runner  *cron.Cron
	renew   *time.Timer
	emitted uint64
}

// NewSource creates a stopped source
func NewSource(fanOut FanOut, cfg SourceConfig) *Source {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		fanOut: fanOut,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start begins producing ticks
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("tick source already running")
	}

	s.runner = s.newRunner()
	s.runner.Start()
	s.renew = time.AfterFunc(s.cfg.RenewEvery, s.renewClock)
	s.running = true

	s.logger.Info("Tick source started",
		"node", s.cfg.Address,
		"interval", s.cfg.Interval,
		"renew_every", s.cfg.RenewEvery,
	)
	return nil
}

// Stop cancels the clock and waits for in-flight fan-outs
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.renew.Stop()
	runner := s.runner
	s.runner = nil
	s.mu.Unlock()

	<-runner.Stop().Done()
	s.logger.Info("Tick source stopped", "node", s.cfg.Address)
}

// Running reports whether the clock is running
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Emitted returns the number of ticks produced so far
func (s *Source) Emitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

func (s *Source) newRunner() *cron.Cron {
	logger := cronLogger{s.logger}
	runner := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	runner.Schedule(every(s.cfg.Interval), cron.FuncJob(s.emit))
	return runner
}

// renewClock swaps in a fresh runner before stopping the old one, so no
// firing window is missed
func (s *Source) renewClock() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	old := s.runner
	s.runner = s.newRunner()
	s.runner.Start()
	s.renew = time.AfterFunc(s.cfg.RenewEvery, s.renewClock)
	s.mu.Unlock()

	old.Stop()
	s.logger.Info("Tick clock renewed", "node", s.cfg.Address)
}

// emit runs on the runner's goroutine for each firing
func (s *Source) emit() {
	tick := model.NewTickAt(s.now(), map[string]interface{}{
		model.TagSenderAddr: s.cfg.Address,
	})

	s.mu.Lock()
	s.emitted++
	s.mu.Unlock()

	if !s.fanOut.FanOut(tick) {
		s.logger.Debug("Tick not delivered", "tick_id", tick.ID)
	}
}

// every returns robfig's constant delay schedule for whole seconds, and a
// boundary aligned one for shorter intervals
func every(d time.Duration) cron.Schedule {
	if d >= time.Second && d%time.Second == 0 {
		return cron.Every(d)
	}
	return alignedEvery(d)
}

type alignedEvery time.Duration

func (a alignedEvery) Next(t time.Time) time.Time {
	d := time.Duration(a)
	return t.Truncate(d).Add(d)
}

// cronLogger routes robfig/cron's logging to slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
