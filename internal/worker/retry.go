package worker

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"discourse/backend/features/job"
)

// RetryPolicy decides whether a failed execution goes back to pending.
// The zero value disables retries, so every failure is terminal.
type RetryPolicy struct {
	Enabled   bool
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ShouldRetry reports whether rec should be rescheduled after err.
// Unknown kinds and undecodable payloads are never retried.
func (p RetryPolicy) ShouldRetry(rec *job.Record, err error) bool {
	if !p.Enabled || err == nil || job.Permanent(err) {
		return false
	}
	return rec.Retries < rec.MaxRetries
}

// Delay returns the wait before attempt number retries+1, doubling from
// BaseDelay and capped at MaxDelay.
func (p RetryPolicy) Delay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 10 * time.Second
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}
