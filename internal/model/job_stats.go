package model

import "time"

// JobStats is a point-in-time view of a registered job's counters
type JobStats struct {
	Name         string             `json:"name"`
	Schedule     string             `json:"schedule"`
	Policy       CoordinationPolicy `json:"policy"`
	Accepted     int64              `json:"accepted"`
	Executed     int64              `json:"executed"`
	Failed       int64              `json:"failed"`
	BusyLocal    int64              `json:"busy_local"`
	BusyGlobal   int64              `json:"busy_global"`
	StaleDropped int64              `json:"stale_dropped"`
	Running      int64              `json:"running"`
	LastTickID   string             `json:"last_tick_id,omitempty"`
	LastTickAt   *time.Time         `json:"last_tick_at,omitempty"`
	NextRunAt    *time.Time         `json:"next_run_at,omitempty"`
}
