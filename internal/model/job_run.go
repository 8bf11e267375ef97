package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Job run statuses
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// JobRun records one execution of a job body
type JobRun struct {
	ID         primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Job        string             `json:"job" bson:"job"`
	TickID     string             `json:"tick_id" bson:"tick_id"`
	TickAt     time.Time          `json:"tick_at" bson:"tick_at"`
	FirstTime  bool               `json:"first_time" bson:"first_time"`
	Node       string             `json:"node" bson:"node"`
	LockID     string             `json:"lock_id,omitempty" bson:"lock_id,omitempty"`
	Status     string             `json:"status" bson:"status"`
	Error      string             `json:"error,omitempty" bson:"error,omitempty"`
	StartedAt  time.Time          `json:"started_at" bson:"started_at"`
	DurationMs int64              `json:"duration_ms" bson:"duration_ms"`
}
