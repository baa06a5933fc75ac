package transfer

import "time"

// Metrics receives transfer outcomes. Outcome labels are fixed strings.
type Metrics interface {
	ObserveUpload(outcome string, bytes int64, lockWait time.Duration)
	ObserveGate(outcome string, wait time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveUpload(string, int64, time.Duration) {}
func (nopMetrics) ObserveGate(string, time.Duration)          {}

// outcome labels
const (
	OutcomePublished = "published"
	OutcomeConflict  = "conflict"
	OutcomeInvalid   = "invalid"
	OutcomeStream    = "stream_error"
	OutcomeTimeout   = "timeout"
	OutcomeCanceled  = "canceled"
	OutcomeError     = "error"
	OutcomeReady     = "ready"
	OutcomeNotReady  = "not_ready"
	OutcomeNotFound  = "not_found"
)
