// Package retry provides the shared retry and pacing primitives used by the
// embedding, vector-store and metadata-store adapters.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class categorizes an error for retry purposes. Only RateLimit and
// Connection failures are retried.
type Class int

const (
	// ClassOther is a permanent failure; it surfaces immediately.
	ClassOther Class = iota
	// ClassRateLimit is a throttling response from the backend.
	ClassRateLimit
	// ClassConnection is a transport or 5xx-class failure.
	ClassConnection
)

// Classifier maps an error to its retry class.
type Classifier func(error) Class

// Policy controls the exponential backoff schedule.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// Base is the initial backoff delay.
	Base time.Duration
	// Max caps the backoff delay.
	Max time.Duration
}

// DefaultPolicy matches the adapters' contract: base 0.5s, cap 4s, 3 retries.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Base: 500 * time.Millisecond, Max: 4 * time.Second}
}

// Do runs op, retrying transient failures per the policy. Non-transient
// errors (ClassOther) surface immediately. The last error is returned when
// retries are exhausted or ctx is done.
func Do(ctx context.Context, p Policy, classify Classifier, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if classify(err) == ClassOther {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx))
}
