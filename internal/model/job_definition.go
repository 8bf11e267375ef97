package model

import (
	"errors"
	"time"

	"github.com/dandantas/metronome/internal/schedule"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JobDefinition is a persisted webhook job
type JobDefinition struct {
	ID                  primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Name                string             `json:"name" bson:"name"`
	Description         string             `json:"description,omitempty" bson:"description,omitempty"`
	Enabled             bool               `json:"enabled" bson:"enabled"`
	Schedule            string             `json:"schedule" bson:"schedule"`
	Policy              CoordinationPolicy `json:"policy,omitempty" bson:"policy,omitempty"`
	LockTTLMs           int64              `json:"lock_ttl_ms,omitempty" bson:"lock_ttl_ms,omitempty"`
	LateTickThresholdMs int64              `json:"late_tick_threshold_ms,omitempty" bson:"late_tick_threshold_ms,omitempty"`
	RunFirstTime        bool               `json:"run_first_time" bson:"run_first_time"`
	Roles               []string           `json:"roles,omitempty" bson:"roles,omitempty"`
	TagRules            []Rule             `json:"tag_rules,omitempty" bson:"tag_rules,omitempty"`
	Webhook             Webhook            `json:"webhook" bson:"webhook"`
	Metadata            Metadata           `json:"metadata" bson:"metadata"`
}

// Validate validates the job definition
func (d *JobDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("job name is required")
	}
	if len(d.Name) > 255 {
		return errors.New("job name must be 255 characters or less")
	}

	if _, err := schedule.Parse(d.Schedule); err != nil {
		return err
	}

	policy, err := ParsePolicy(string(d.Policy))
	if err != nil {
		return err
	}
	d.Policy = policy

	if d.LockTTLMs < 0 || d.LateTickThresholdMs < 0 {
		return errors.New("lock_ttl_ms and late_tick_threshold_ms must not be negative")
	}

	for i, rule := range d.TagRules {
		if err := rule.Validate(); err != nil {
			return errors.New("rule " + rule.Name + " validation failed: " + err.Error())
		}
		d.TagRules[i] = rule
	}

	return d.Webhook.Validate()
}

// Config converts the definition into a registration config
func (d *JobDefinition) Config() JobConfig {
	return JobConfig{
		Schedule:          d.Schedule,
		Policy:            d.Policy,
		LockTTL:           time.Duration(d.LockTTLMs) * time.Millisecond,
		LateTickThreshold: time.Duration(d.LateTickThresholdMs) * time.Millisecond,
		RunFirstTime:      Bool(d.RunFirstTime),
		Roles:             d.Roles,
		TagRules:          d.TagRules,
	}
}
