package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/metronome/internal/bus"
	"github.com/dandantas/metronome/internal/lock"
	"github.com/dandantas/metronome/internal/model"
	"github.com/dandantas/metronome/internal/replica"
	"github.com/dandantas/metronome/internal/replica/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var base = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func resolve(t *testing.T, name string, cfg model.JobConfig) model.JobSpec {
	t.Helper()
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	spec, err := cfg.Resolve(name, model.JobConfig{})
	require.NoError(t, err)
	return spec
}

func counting(n *atomic.Int32) JobFunc {
	return func(context.Context, Run) error {
		n.Add(1)
		return nil
	}
}

func TestCoordinator_AdmissionIsMonotonic(t *testing.T) {
	clock := newFakeClock(base.Add(10 * time.Second))
	var runs atomic.Int32
	c, err := NewCoordinator(resolve(t, "j", model.JobConfig{Schedule: "* * *"}), counting(&runs), Options{Now: clock.Now})
	require.NoError(t, err)

	ticks := make([]model.Tick, 5)
	for i := range ticks {
		ticks[i] = model.NewTickAt(base.Add(time.Duration(i)*time.Second), nil)
	}
	for _, tick := range ticks {
		c.HandleTick(tick)
		c.HandleTick(tick)
	}
	assert.Equal(t, int32(5), runs.Load())

	// an older tick arriving late is dropped
	c.HandleTick(ticks[2])
	c.HandleTick(model.NewTickAt(base.Add(3*time.Second), nil))
	assert.Equal(t, int32(5), runs.Load())

	stats := c.Stats()
	assert.Equal(t, int64(5), stats.Accepted)
	assert.Equal(t, int64(5), stats.Executed)
	assert.Equal(t, int64(7), stats.StaleDropped)
	assert.Equal(t, ticks[4].ID, stats.LastTickID)
}

func TestCoordinator_LateTickRejected(t *testing.T) {
	clock := newFakeClock(base)
	var runs atomic.Int32
	c, err := NewCoordinator(resolve(t, "j", model.JobConfig{Schedule: "* * *"}), counting(&runs), Options{Now: clock.Now})
	require.NoError(t, err)

	late := model.NewTickAt(base.Add(-31*time.Second), nil)
	assert.False(t, c.IsTickMatched(late))
	c.HandleTick(late)

	edge := model.NewTickAt(base.Add(-30*time.Second), nil)
	assert.True(t, c.IsTickMatched(edge))
	c.HandleTick(edge)

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int64(1), c.Stats().StaleDropped)
}

func TestCoordinator_ScheduleGate(t *testing.T) {
	clock := newFakeClock(base.Add(time.Minute))
	var runs atomic.Int32
	c, err := NewCoordinator(resolve(t, "j", model.JobConfig{Schedule: "*/5 * *"}), counting(&runs), Options{Now: clock.Now})
	require.NoError(t, err)

	for s := 31; s <= 59; s++ {
		c.HandleTick(model.NewTickAt(base.Add(time.Duration(s)*time.Second), nil))
	}
	// 35, 40, 45, 50, 55
	assert.Equal(t, int32(5), runs.Load())
	assert.Equal(t, int64(0), c.Stats().StaleDropped)
}

func TestCoordinator_TagRules(t *testing.T) {
	clock := newFakeClock(base)
	var runs atomic.Int32
	spec := resolve(t, "j", model.JobConfig{
		Schedule: "* * *",
		TagRules: []model.Rule{{Name: "from a", Expression: "$.sender_addr", Operator: "eq", ExpectedValue: "a"}},
	})
	c, err := NewCoordinator(spec, counting(&runs), Options{Now: clock.Now})
	require.NoError(t, err)

	c.HandleTick(model.NewTickAt(base.Add(-2*time.Second), map[string]interface{}{model.TagSenderAddr: "b"}))
	c.HandleTick(model.NewTickAt(base.Add(-time.Second), map[string]interface{}{model.TagSenderAddr: "a"}))
	assert.Equal(t, int32(1), runs.Load())
}

func TestCoordinator_FirstTimeTick(t *testing.T) {
	b := bus.New()
	var firstTime, normal atomic.Int32
	body := func(_ context.Context, run Run) error {
		if run.Tick.FirstTime {
			firstTime.Add(1)
		} else {
			normal.Add(1)
		}
		return nil
	}

	// a schedule that never matches "now" still fires once at startup
	spec := resolve(t, "j", model.JobConfig{Schedule: "0 0 0 1 1 *", RunFirstTime: model.Bool(true)})
	c, err := NewCoordinator(spec, body, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Start(b))
	defer c.Stop(context.Background())

	assert.Equal(t, int32(1), firstTime.Load())

	c.HandleTick(model.NewFirstTimeTick())
	assert.Equal(t, int32(1), firstTime.Load(), "first-time tick fires at most once")
}

func TestCoordinator_FirstTimeTickNeverAfterNormalTick(t *testing.T) {
	clock := newFakeClock(base)
	var firstTime atomic.Int32
	body := func(_ context.Context, run Run) error {
		if run.Tick.FirstTime {
			firstTime.Add(1)
		}
		return nil
	}
	c, err := NewCoordinator(resolve(t, "j", model.JobConfig{Schedule: "* * *"}), body, Options{Now: clock.Now})
	require.NoError(t, err)

	c.HandleTick(model.NewTickAt(base, nil))
	assert.False(t, c.IsTickMatched(model.NewFirstTimeTick()))
	c.HandleTick(model.NewFirstTimeTick())
	assert.Equal(t, int32(0), firstTime.Load())
}

func TestCoordinator_LocalSingletonExclusive(t *testing.T) {
	policies := []model.CoordinationPolicy{model.PolicyLocalSingleton, "LOCAL_SINGLETON", "local-singleton"}
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) {
			clock := newFakeClock(base.Add(20 * time.Second))
			var current, maxSeen, runs atomic.Int32
			body := func(context.Context, Run) error {
				n := current.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				current.Add(-1)
				runs.Add(1)
				return nil
			}

			var busy atomic.Int32
			c, err := NewCoordinator(resolve(t, "j", model.JobConfig{
				Schedule: "* * *",
				Policy:   policy,
			}), body, Options{
				Now:    clock.Now,
				OnBusy: func(_ string, _ model.Tick, global bool) { assert.False(t, global); busy.Add(1) },
			})
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					c.HandleTick(model.NewTickAt(base.Add(time.Duration(i)*time.Second), nil))
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), maxSeen.Load())
			assert.GreaterOrEqual(t, runs.Load(), int32(1))
			stats := c.Stats()
			assert.Equal(t, stats.Accepted, stats.Executed+stats.BusyLocal)
			assert.Equal(t, int64(busy.Load()), stats.BusyLocal)
		})
	}
}

func TestCoordinator_GlobalBusyWhenAnotherHolds(t *testing.T) {
	cluster := memory.NewCluster(2, 0)
	defer cluster.Close()
	clock := newFakeClock(base)

	spec := resolve(t, "report", model.JobConfig{Schedule: "* * *", Policy: model.PolicyGlobalSingleton})
	other := lock.NewWeakLock(cluster.Replica(1))
	require.True(t, other.TryLock(context.Background(), spec.LockKey(), "elsewhere", time.Minute))

	var globalBusy atomic.Int32
	var runs atomic.Int32
	c, err := NewCoordinator(spec, counting(&runs), Options{
		GlobalLock: lock.NewWeakLock(cluster.Replica(0)),
		LastTicks:  NewReplicatedLastTicks(cluster.Replica(0), replica.ReadMajority, replica.WriteMajority),
		Now:        clock.Now,
		OnBusy: func(_ string, _ model.Tick, global bool) {
			if global {
				globalBusy.Add(1)
			}
		},
	})
	require.NoError(t, err)

	c.HandleTick(model.NewTickAt(base, nil))
	assert.Equal(t, int32(0), runs.Load())
	assert.Equal(t, int32(1), globalBusy.Load())
	assert.Equal(t, int64(1), c.Stats().BusyGlobal)
}

func TestCoordinator_FailingBodyReleasesLock(t *testing.T) {
	cluster := memory.NewCluster(1, 0)
	defer cluster.Close()
	clock := newFakeClock(base)
	weak := lock.NewWeakLock(cluster.Replica(0))

	spec := resolve(t, "j", model.JobConfig{Schedule: "* * *", Policy: model.PolicyGlobalSingleton})
	calls := 0
	body := func(_ context.Context, run Run) error {
		calls++
		assert.NotEmpty(t, run.LockID)
		if calls == 1 {
			panic("boom")
		}
		return errors.New("failed")
	}
	c, err := NewCoordinator(spec, body, Options{
		GlobalLock:  weak,
		Now:         clock.Now,
		UnlockDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	c.HandleTick(model.NewTickAt(base, nil))
	assert.Eventually(t, func() bool {
		_, held, err := weak.Get(context.Background(), spec.LockKey())
		return err == nil && !held
	}, time.Second, 5*time.Millisecond)

	clock.Set(base.Add(time.Second))
	c.HandleTick(model.NewTickAt(base.Add(time.Second), nil))

	stats := c.Stats()
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(0), stats.Executed)
}

func TestCoordinator_StopReleasesPendingUnlocks(t *testing.T) {
	cluster := memory.NewCluster(1, 0)
	defer cluster.Close()
	weak := lock.NewWeakLock(cluster.Replica(0))
	clock := newFakeClock(base)

	spec := resolve(t, "j", model.JobConfig{Schedule: "* * *", Policy: model.PolicyGlobalSingleton})
	var runs atomic.Int32
	c, err := NewCoordinator(spec, counting(&runs), Options{
		GlobalLock:  weak,
		Now:         clock.Now,
		UnlockDelay: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(bus.New()))

	c.HandleTick(model.NewTickAt(base, nil))
	_, held, err := weak.Get(context.Background(), spec.LockKey())
	require.NoError(t, err)
	assert.True(t, held, "unlock is delayed")

	c.Stop(context.Background())
	_, held, err = weak.Get(context.Background(), spec.LockKey())
	require.NoError(t, err)
	assert.False(t, held)

	c.HandleTick(model.NewTickAt(base.Add(time.Second), nil))
	assert.Equal(t, int32(1), runs.Load(), "stopped coordinators admit nothing")
}

func TestCoordinator_PoolDelivery(t *testing.T) {
	pool := NewPool(2, 10)
	pool.Start()
	defer pool.Stop()

	clock := newFakeClock(base)
	var runs atomic.Int32
	c, err := NewCoordinator(resolve(t, "j", model.JobConfig{Schedule: "* * *"}), counting(&runs), Options{
		Pool: pool,
		Now:  clock.Now,
	})
	require.NoError(t, err)

	c.HandleTick(model.NewTickAt(base, nil))
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_SubscribesByPolicy(t *testing.T) {
	b := bus.New()
	cluster := memory.NewCluster(1, 0)
	defer cluster.Close()

	global, err := NewCoordinator(resolve(t, "g", model.JobConfig{Schedule: "* * *", Policy: model.PolicyGlobalSingleton}),
		func(context.Context, Run) error { return nil }, Options{GlobalLock: lock.NewWeakLock(cluster.Replica(0))})
	require.NoError(t, err)
	all, err := NewCoordinator(resolve(t, "a", model.JobConfig{Schedule: "* * *"}),
		func(context.Context, Run) error { return nil }, Options{})
	require.NoError(t, err)

	require.NoError(t, global.Start(b))
	require.NoError(t, all.Start(b))
	assert.Equal(t, 1, b.Subscribers(bus.TopicTick))
	assert.Equal(t, 1, b.Subscribers(bus.TopicTickAll))

	global.Stop(context.Background())
	all.Stop(context.Background())
	assert.Equal(t, 0, b.Subscribers(bus.TopicTick)+b.Subscribers(bus.TopicTickAll))
}

func TestNewCoordinator_Validation(t *testing.T) {
	spec := resolve(t, "j", model.JobConfig{Schedule: "* * *", Policy: model.PolicyGlobalSingleton})
	_, err := NewCoordinator(spec, func(context.Context, Run) error { return nil }, Options{})
	assert.Error(t, err)

	_, err = NewCoordinator(spec, nil, Options{GlobalLock: lock.NewLocalLock()})
	assert.Error(t, err)

	upper := resolve(t, "j", model.JobConfig{Schedule: "* * *", Policy: "GLOBAL_SINGLETON"})
	_, err = NewCoordinator(upper, func(context.Context, Run) error { return nil }, Options{})
	assert.Error(t, err)
}

func TestCoordinator_Eligible(t *testing.T) {
	c, err := NewCoordinator(resolve(t, "j", model.JobConfig{Schedule: "* * *", Roles: []string{"worker"}}),
		func(context.Context, Run) error { return nil }, Options{})
	require.NoError(t, err)

	assert.True(t, c.Eligible([]string{"api", "worker"}))
	assert.False(t, c.Eligible([]string{"api"}))
	assert.False(t, c.Eligible(nil))
}

func TestReplicatedLastTicks_KeepsNewest(t *testing.T) {
	cluster := memory.NewCluster(2, 0)
	defer cluster.Close()
	ctx := context.Background()

	a := NewReplicatedLastTicks(cluster.Replica(0), replica.ReadMajority, replica.WriteMajority)
	b := NewReplicatedLastTicks(cluster.Replica(1), replica.ReadMajority, replica.WriteMajority)

	_, ok, err := a.Load(ctx, "j-last-tick")
	require.NoError(t, err)
	assert.False(t, ok)

	newer := model.NewTickAt(base.Add(time.Second), nil)
	older := model.NewTickAt(base, nil)
	require.NoError(t, a.Save(ctx, "j-last-tick", newer))
	require.NoError(t, b.Save(ctx, "j-last-tick", older))

	got, ok, err := b.Load(ctx, "j-last-tick")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer.ID, got.ID)
}

type interval struct {
	node       int
	start, end time.Time
}

// Three processes share a replicated store and receive every tick. Over a
// simulated minute of a */5 schedule each boundary tick runs exactly once
// and runs never overlap.
func TestCoordinator_GlobalSingletonAcrossProcesses(t *testing.T) {
	const (
		step        = 50 * time.Millisecond // one simulated second
		bodyTime    = 2 * step
		unlockDelay = step
	)

	cluster := memory.NewCluster(3, 0)
	defer cluster.Close()
	clock := newFakeClock(base)

	var mu sync.Mutex
	var runs []interval
	var counter atomic.Int32

	coordinators := make([]*Coordinator, 3)
	for i := range coordinators {
		i := i
		spec := resolve(t, "report", model.JobConfig{
			Schedule: "*/5 * *",
			Policy:   model.PolicyGlobalSingleton,
			LockTTL:  5 * time.Second,
		})
		body := func(_ context.Context, run Run) error {
			start := time.Now()
			counter.Add(1)
			time.Sleep(bodyTime)
			mu.Lock()
			runs = append(runs, interval{node: i, start: start, end: time.Now()})
			mu.Unlock()
			return nil
		}
		c, err := NewCoordinator(spec, body, Options{
			GlobalLock:  lock.NewWeakLock(cluster.Replica(i)),
			LastTicks:   NewReplicatedLastTicks(cluster.Replica(i), replica.ReadMajority, replica.WriteMajority),
			UnlockDelay: unlockDelay,
			Now:         clock.Now,
		})
		require.NoError(t, err)
		coordinators[i] = c
	}

	var wg sync.WaitGroup
	for s := 0; s < 60; s++ {
		now := base.Add(time.Duration(s) * time.Second)
		clock.Set(now)
		tick := model.NewTickAt(now, nil)
		for _, c := range coordinators {
			wg.Add(1)
			go func(c *Coordinator) {
				defer wg.Done()
				c.HandleTick(tick)
			}(c)
		}
		time.Sleep(step)
	}
	wg.Wait()
	for _, c := range coordinators {
		c.Stop(context.Background())
	}

	assert.Equal(t, int32(12), counter.Load())

	sort.Slice(runs, func(i, j int) bool { return runs[i].start.Before(runs[j].start) })
	for i := 1; i < len(runs); i++ {
		assert.False(t, runs[i].start.Before(runs[i-1].end), "runs %d and %d overlap", i-1, i)
	}

	var executed int64
	for _, c := range coordinators {
		executed += c.Stats().Executed
	}
	assert.Equal(t, int64(12), executed)
}

func TestCoordinator_OnFinishReportsOutcome(t *testing.T) {
	clock := newFakeClock(base)
	var outcomes []error
	c, err := NewCoordinator(resolve(t, "j", model.JobConfig{Schedule: "* * *"}),
		func(_ context.Context, run Run) error {
			if run.Tick.Timestamp.Equal(base) {
				return errors.New("bad tick")
			}
			return nil
		},
		Options{
			Now: clock.Now,
			OnFinish: func(run Run, started time.Time, _ time.Duration, err error) {
				assert.Equal(t, "j", run.Job)
				assert.False(t, started.IsZero())
				outcomes = append(outcomes, err)
			},
		})
	require.NoError(t, err)

	c.HandleTick(model.NewTickAt(base, nil))
	clock.Set(base.Add(time.Second))
	c.HandleTick(model.NewTickAt(base.Add(time.Second), nil))

	require.Len(t, outcomes, 2)
	assert.EqualError(t, outcomes[0], "bad tick")
	assert.NoError(t, outcomes[1])
}
