package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/metronome/internal/bus"
	"github.com/dandantas/metronome/internal/lock"
	"github.com/dandantas/metronome/internal/model"
	"github.com/dandantas/metronome/internal/schedule"
	"github.com/dandantas/metronome/internal/worker"
)

type fakeDefinitions struct {
	mu   sync.Mutex
	defs []model.JobDefinition
	err  error
}

func (f *fakeDefinitions) ListEnabled(context.Context) ([]model.JobDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.JobDefinition(nil), f.defs...), f.err
}

func (f *fakeDefinitions) set(defs ...model.JobDefinition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defs = defs
}

type fakeRuns struct {
	mu   sync.Mutex
	runs []model.JobRun
}

func (f *fakeRuns) Create(_ context.Context, run *model.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *run)
	return nil
}

func noop(context.Context, worker.Run) error { return nil }

func definition(name, sched string) model.JobDefinition {
	return model.JobDefinition{
		Name:     name,
		Enabled:  true,
		Schedule: sched,
		Webhook:  model.Webhook{URL: "http://example.com/" + name},
	}
}

func TestEngine_RegisterValidation(t *testing.T) {
	e := NewEngine(Options{Bus: bus.New()})

	require.NoError(t, e.Register("a", model.JobConfig{Schedule: "* * *"}, noop))
	assert.ErrorIs(t, e.Register("a", model.JobConfig{Schedule: "* * *"}, noop), ErrDuplicateJob)
	assert.ErrorIs(t, e.Register("b", model.JobConfig{Schedule: "61 * *"}, noop), schedule.ErrInvalidSchedule)
	assert.Error(t, e.Register("c", model.JobConfig{}, noop), "no schedule anywhere")
	assert.Error(t, e.Register("d", model.JobConfig{Schedule: "* * *", Policy: model.PolicyGlobalSingleton}, noop),
		"global singleton without a cluster lock")

	assert.ErrorIs(t, e.Unregister(context.Background(), "missing"), ErrUnknownJob)
	require.Len(t, e.Jobs(), 1)
}

func TestEngine_DeclaredDefaults(t *testing.T) {
	e := NewEngine(Options{
		Bus:      bus.New(),
		Defaults: model.JobConfig{Schedule: "*/10 * *", Policy: model.PolicyLocalSingleton},
	})

	require.NoError(t, e.Register("defaulted", model.JobConfig{}, noop))
	require.NoError(t, e.Register("explicit", model.JobConfig{Policy: model.PolicyTakeAllTasks}, noop))

	jobs := e.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "defaulted", jobs[0].Name)
	assert.Equal(t, model.PolicyLocalSingleton, jobs[0].Policy)
	assert.Equal(t, model.PolicyTakeAllTasks, jobs[1].Policy)
	assert.Equal(t, jobs[0].Schedule, jobs[1].Schedule)
}

func TestEngine_SkipsIneligibleJobs(t *testing.T) {
	e := NewEngine(Options{Bus: bus.New(), Roles: []string{"api"}})

	require.NoError(t, e.Register("batch", model.JobConfig{Schedule: "* * *", Roles: []string{"worker"}}, noop))
	require.NoError(t, e.Register("web", model.JobConfig{Schedule: "* * *", Roles: []string{"api"}}, noop))

	jobs := e.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "web", jobs[0].Name)
}

func TestEngine_StartDeliversTicks(t *testing.T) {
	b := bus.New()
	runs := &fakeRuns{}
	e := NewEngine(Options{Bus: b, Address: "node-a", Runs: runs})

	var before, after atomic.Int32
	require.NoError(t, e.Register("before", model.JobConfig{Schedule: "* * *"}, func(context.Context, worker.Run) error {
		before.Add(1)
		return nil
	}))

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrStarted)

	require.NoError(t, e.Register("after", model.JobConfig{Schedule: "* * *"}, func(context.Context, worker.Run) error {
		after.Add(1)
		return errors.New("failed")
	}))

	b.Publish(bus.TopicTickAll, model.NewTick(nil))
	e.Stop(context.Background())

	assert.Equal(t, int32(1), before.Load())
	assert.Equal(t, int32(1), after.Load())
	assert.Equal(t, 0, b.Subscribers(bus.TopicTickAll))

	runs.mu.Lock()
	defer runs.mu.Unlock()
	require.Len(t, runs.runs, 2)
	statuses := map[string]string{}
	for _, r := range runs.runs {
		assert.Equal(t, "node-a", r.Node)
		statuses[r.Job] = r.Status
	}
	assert.Equal(t, model.RunSucceeded, statuses["before"])
	assert.Equal(t, model.RunFailed, statuses["after"])
}

func TestEngine_GlobalSingletonRunsOffPublisher(t *testing.T) {
	b := bus.New()
	pool := worker.NewPool(2, 10)
	pool.Start()
	defer pool.Stop()

	e := NewEngine(Options{
		Bus:        b,
		GlobalLock: lock.NewLocalLock(),
		LastTicks:  worker.NewMemoryLastTicks(),
		Pool:       pool,
	})

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, e.Register("g", model.JobConfig{Schedule: "* * *", Policy: "GLOBAL_SINGLETON"}, func(context.Context, worker.Run) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, e.Start(context.Background()))

	published := make(chan struct{})
	go func() {
		b.Publish(bus.TopicTick, model.NewTick(nil))
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a global singleton body")
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("body never ran")
	}
	close(release)
	e.Stop(context.Background())

	jobs := e.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(1), jobs[0].Executed)
}

func TestEngine_SyncDefinitions(t *testing.T) {
	defs := &fakeDefinitions{}
	var built atomic.Int32
	e := NewEngine(Options{
		Bus:         bus.New(),
		Definitions: defs,
		Bodies: func(model.JobDefinition) worker.JobFunc {
			built.Add(1)
			return noop
		},
	})
	ctx := context.Background()

	require.NoError(t, e.Register("code", model.JobConfig{Schedule: "* * *"}, noop))

	defs.set(definition("hook", "*/5 * *"), definition("code", "* * *"))
	require.NoError(t, e.SyncDefinitions(ctx))
	assert.Len(t, e.Jobs(), 2, "a definition never replaces a code job")
	assert.Equal(t, int32(1), built.Load())

	// unchanged definitions are left alone
	require.NoError(t, e.SyncDefinitions(ctx))
	assert.Equal(t, int32(1), built.Load())

	defs.set(definition("hook", "*/10 * *"))
	require.NoError(t, e.SyncDefinitions(ctx))
	assert.Equal(t, int32(2), built.Load())
	jobs := e.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "*/10 * * * * *", jobs[1].Schedule)

	defs.set()
	require.NoError(t, e.SyncDefinitions(ctx))
	jobs = e.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "code", jobs[0].Name)
}

func TestEngine_SyncDefinitionsErrors(t *testing.T) {
	e := NewEngine(Options{Bus: bus.New()})
	assert.Error(t, e.SyncDefinitions(context.Background()))

	defs := &fakeDefinitions{err: errors.New("mongo down")}
	e = NewEngine(Options{Bus: bus.New(), Definitions: defs, Bodies: func(model.JobDefinition) worker.JobFunc { return noop }})
	assert.EqualError(t, e.SyncDefinitions(context.Background()), "mongo down")

	// an invalid definition is skipped, the rest still load
	bad := definition("bad", "not a schedule")
	defs.err = nil
	defs.set(bad, definition("good", "* * *"))
	require.NoError(t, e.SyncDefinitions(context.Background()))
	jobs := e.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "good", jobs[0].Name)
}
