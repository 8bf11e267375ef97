package worker

import (
	"context"
	"time"

	"github.com/dandantas/metronome/internal/model"
)

// JobFunc is a job body. Returned errors and panics are logged and counted,
// never propagated.
type JobFunc func(ctx context.Context, run Run) error

// Run describes one execution of a job body
type Run struct {
	Job    string
	Tick   model.Tick
	LockID string // Weak lock holder id, set for global singleton jobs
}

// Task is a unit of pool work
type Task struct {
	Job    string
	TickID string
	Run    func()
}

// BusyFunc is called when a due tick is skipped because the job is already
// running. global distinguishes another process holding the cluster lock
// from this process being busy.
type BusyFunc func(job string, tick model.Tick, global bool)

// FinishFunc is called after every body execution with its outcome
type FinishFunc func(run Run, started time.Time, duration time.Duration, err error)
