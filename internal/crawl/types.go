// Package crawl defines core types shared across subsystems.
package crawl

import (
	"time"
)

// Payload is the schema-less record that flows between pipeline stages.
// Stages are composed freely, so the payload stays an open string-keyed
// map rather than a rigid struct.
type Payload map[string]any

// String returns the named field as a string, if present.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the named field as an int, if present. JSON round-trips
// turn numbers into float64, so both forms are accepted.
func (p Payload) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy so emissions cannot mutate the parent
// stage's view of the record.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Job is one unit of stage work owned by the queue between enqueue and
// dispatch.
type Job struct {
	Crawler string  `json:"crawler"`
	RunID   string  `json:"run_id"`
	Stage   string  `json:"stage"`
	Data    Payload `json:"data"`
	Attempt int     `json:"attempt"`
}

// Run captures the per-run execution settings shared by every job
// dispatched under one run identifier.
type Run struct {
	ID              string
	Crawler         string
	StartedAt       time.Time
	Incremental     bool
	ContinueOnError bool
	MaxRuntime      time.Duration
}

// Deadline returns the wall-clock instant after which no new job may
// start, or the zero time when the run is unbounded.
func (r Run) Deadline() time.Time {
	if r.MaxRuntime <= 0 {
		return time.Time{}
	}
	return r.StartedAt.Add(r.MaxRuntime)
}

// Expired reports whether max_runtime has elapsed. Executing jobs are
// never interrupted; this only gates the start of new ones.
func (r Run) Expired(now time.Time) bool {
	deadline := r.Deadline()
	return !deadline.IsZero() && now.After(deadline)
}

// JobState is the dispatcher-side lifecycle of a single job.
type JobState string

// Job states reported by the dispatcher.
const (
	JobReceived  JobState = "received"
	JobExecuting JobState = "executing"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobSkipped   JobState = "skipped"
)
