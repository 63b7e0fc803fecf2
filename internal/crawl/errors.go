package crawl

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable marks a tag store backend failure. Dedup callers
// treat it as "not cached" unless the store is configured strict.
var ErrStoreUnavailable = errors.New("tag store unavailable")

// ConfigError is raised during crawler load; the run never starts.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Msg
}

// Configf builds a ConfigError.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// OpError wraps an error raised by a stage operation. Recovery is
// governed by the run's continue_on_error policy.
type OpError struct {
	Crawler string
	Stage   string
	Err     error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("operation %s/%s: %v", e.Crawler, e.Stage, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// QueueError wraps a job queue failure; it always halts the run.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}
