package webhook

import (
	"time"

	"github.com/dandantas/metronome/internal/worker"
)

// TickPayload is the JSON body a webhook job sends for a due tick
type TickPayload struct {
	Job           string                 `json:"job"`
	TickID        string                 `json:"tick_id"`
	Timestamp     string                 `json:"timestamp"`
	FirstTime     bool                   `json:"first_time"`
	LockID        string                 `json:"lock_id,omitempty"`
	Tags          map[string]interface{} `json:"tags,omitempty"`
	Metadata      map[string]interface{} `json:"metadata"`
	CorrelationID string                 `json:"correlation_id"`
}

// FormatTickPayload builds the payload for one job run
func FormatTickPayload(run worker.Run, node, correlationID string) TickPayload {
	ts := run.Tick.Timestamp
	if run.Tick.FirstTime {
		ts = time.Now()
	}

	return TickPayload{
		Job:           run.Job,
		TickID:        run.Tick.ID,
		Timestamp:     ts.UTC().Format(time.RFC3339Nano),
		FirstTime:     run.Tick.FirstTime,
		LockID:        run.LockID,
		Tags:          run.Tick.Tags,
		CorrelationID: correlationID,
		Metadata: map[string]interface{}{
			"service": "metronome",
			"node":    node,
			"sent_at": "", // Will be set by dispatcher
		},
	}
}
