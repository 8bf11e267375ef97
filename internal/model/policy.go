package model

import (
	"fmt"
	"strings"
)

// CoordinationPolicy governs how many copies of a job may run at once
type CoordinationPolicy string

const (
	// PolicyTakeAllTasks runs the job on every tick delivery, with no limit
	PolicyTakeAllTasks CoordinationPolicy = "take_all_tasks"
	// PolicyLocalSingleton allows at most one running copy per process
	PolicyLocalSingleton CoordinationPolicy = "local_singleton"
	// PolicyGlobalSingleton allows at most one running copy per cluster
	PolicyGlobalSingleton CoordinationPolicy = "global_singleton"
)

// ParsePolicy accepts the policy names case-insensitively, with '-' or '_'
func ParsePolicy(s string) (CoordinationPolicy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch CoordinationPolicy(normalized) {
	case PolicyTakeAllTasks, PolicyLocalSingleton, PolicyGlobalSingleton:
		return CoordinationPolicy(normalized), nil
	case "":
		return "", nil
	}
	return "", fmt.Errorf("invalid coordination policy: %s (must be 'take_all_tasks', 'local_singleton', or 'global_singleton')", s)
}

// IsGlobal reports whether the policy coordinates across the cluster
func (p CoordinationPolicy) IsGlobal() bool {
	return p == PolicyGlobalSingleton
}
