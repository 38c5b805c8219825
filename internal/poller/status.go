package poller

import (
	"time"

	"tacitus/internal/tacitus"
)

// Status is a point-in-time view of a poller, served by the status API
type Status struct {
	Resource            tacitus.Resource `json:"resource"`
	State               string           `json:"state"`
	Interval            string           `json:"interval"`
	Records             int              `json:"records"`
	Fetches             int              `json:"fetches"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastSuccess         *time.Time       `json:"last_success,omitempty"`
	LastFailure         *time.Time       `json:"last_failure,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
}

// Status returns the poller's current status
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := Status{
		Resource:            p.resource,
		State:               p.stateLocked().String(),
		Interval:            p.interval.String(),
		Records:             p.snapshot.Len(),
		Fetches:             p.fetches,
		ConsecutiveFailures: p.failures,
	}

	if !p.lastSuccess.IsZero() {
		t := p.lastSuccess
		status.LastSuccess = &t
	}
	if !p.lastFailure.IsZero() {
		t := p.lastFailure
		status.LastFailure = &t
	}
	if p.lastErr != nil {
		status.LastError = p.lastErr.Error()
	}

	return status
}
