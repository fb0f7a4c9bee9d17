package executor

import (
	"math"
	"time"

	"github.com/joao-brasil/connpool/pkg/bucket"
)

// Policy bounds retries of pool exhaustion.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the sleep after the first timed-out attempt; it doubles each retry.
	BaseDelay time.Duration
	// MaxDelay caps a single sleep. Zero leaves growth uncapped.
	MaxDelay time.Duration
}

// PolicyFromBucket reads the retry settings of a bucket.
func PolicyFromBucket(b *bucket.Bucket) Policy {
	return Policy{
		MaxRetries: b.Retry.MaxRetries,
		BaseDelay:  b.Retry.BaseDelay,
		MaxDelay:   b.Retry.MaxDelay,
	}
}

// Delay returns the backoff slept after attempt k (0-based): BaseDelay * 2^k,
// clamped to MaxDelay and saturating at the largest duration.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 0 {
		return 0
	}

	d := p.BaseDelay
	for range attempt {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// TotalBackoff returns the sleep accumulated before the run is abandoned
// when every attempt times out.
func (p Policy) TotalBackoff() time.Duration {
	var total time.Duration
	for k := range p.MaxRetries {
		d := p.Delay(k)
		if total > math.MaxInt64-d {
			return math.MaxInt64
		}
		total += d
	}
	return total
}
