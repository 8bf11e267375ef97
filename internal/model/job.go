package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/dandantas/metronome/internal/schedule"
)

// Hard-coded job defaults, used when neither the registration nor the
// declared defaults set a value
const (
	DefaultLockTTL           = 10 * time.Second
	DefaultLateTickThreshold = 30 * time.Second
	DefaultPolicy            = PolicyTakeAllTasks
)

// JobConfig is what a caller passes at registration time. Zero values mean
// "not set" and fall back to the declared defaults, then to the hard-coded ones.
type JobConfig struct {
	Schedule          string
	Policy            CoordinationPolicy
	LockTTL           time.Duration
	LateTickThreshold time.Duration
	RunFirstTime      *bool
	Async             *bool
	Roles             []string // Only run on nodes having one of these roles
	TagRules          []Rule
	Location          *time.Location // Location ticks are matched in
}

// JobSpec is a fully resolved, validated job configuration
type JobSpec struct {
	Name              string
	Schedule          *schedule.Schedule
	Policy            CoordinationPolicy
	LockTTL           time.Duration
	LateTickThreshold time.Duration
	RunFirstTime      bool
	Async             bool
	Roles             []string
	TagRules          []Rule
	Location          *time.Location
}

// Resolve applies precedence explicit > declared > hard-coded and parses the
// schedule. Schedule errors surface here, never at match time.
func (c JobConfig) Resolve(name string, declared JobConfig) (JobSpec, error) {
	if name == "" {
		return JobSpec{}, errors.New("job name is required")
	}

	spec := JobSpec{
		Name:              name,
		Policy:            firstPolicy(c.Policy, declared.Policy, DefaultPolicy),
		LockTTL:           firstDuration(c.LockTTL, declared.LockTTL, DefaultLockTTL),
		LateTickThreshold: firstDuration(c.LateTickThreshold, declared.LateTickThreshold, DefaultLateTickThreshold),
		RunFirstTime:      firstBool(c.RunFirstTime, declared.RunFirstTime),
		Async:             firstBool(c.Async, declared.Async),
		Roles:             c.Roles,
		TagRules:          c.TagRules,
		Location:          c.Location,
	}
	if len(spec.Roles) == 0 {
		spec.Roles = declared.Roles
	}
	if spec.Location == nil {
		spec.Location = declared.Location
	}
	if spec.Location == nil {
		spec.Location = time.Local
	}

	text := c.Schedule
	if text == "" {
		text = declared.Schedule
	}
	if text == "" {
		return JobSpec{}, fmt.Errorf("job %s: no schedule defined", name)
	}
	sched, err := schedule.Parse(text)
	if err != nil {
		return JobSpec{}, fmt.Errorf("job %s: %w", name, err)
	}
	spec.Schedule = sched

	policy, err := ParsePolicy(string(spec.Policy))
	if err != nil {
		return JobSpec{}, fmt.Errorf("job %s: %w", name, err)
	}
	if policy == "" {
		policy = DefaultPolicy
	}
	spec.Policy = policy
	for i := range spec.TagRules {
		if err := spec.TagRules[i].Validate(); err != nil {
			return JobSpec{}, fmt.Errorf("job %s: rule %s: %w", name, spec.TagRules[i].Name, err)
		}
	}

	return spec, nil
}

// LockKey is the weak-lock key for the job's global singleton lock
func (s JobSpec) LockKey() string {
	return s.Name + "-lock"
}

// LastTickKey is the replicated-store key holding the job's last processed tick
func (s JobSpec) LastTickKey() string {
	return s.Name + "-last-tick"
}

func firstPolicy(values ...CoordinationPolicy) CoordinationPolicy {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstBool(values ...*bool) bool {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return false
}

// Bool returns a pointer to b, for optional JobConfig fields
func Bool(b bool) *bool {
	return &b
}
