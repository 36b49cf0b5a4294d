package queue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy implements core.RetryPolicy with jittered
// exponential backoff: base * 2^(attempt-1), plus up to 30% random
// jitter, capped at a ceiling. The jitter desynchronizes retries across
// tasks that failed against the same rate-limited upstream.
type ExponentialRetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		baseDelay: 500 * time.Millisecond,
		maxDelay:  30 * time.Second,
	}
}

// NewRetryPolicy builds a policy with explicit base and ceiling.
func NewRetryPolicy(base, ceiling time.Duration) *ExponentialRetryPolicy {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	return &ExponentialRetryPolicy{baseDelay: base, maxDelay: ceiling}
}

// NextDelay returns the wait duration applied after the attempt-th
// failure. attempt is 1-based.
func (p *ExponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jittered := time.Duration(delay) + p.randomJitter(time.Duration(delay*0.3))
	if jittered > p.maxDelay {
		return p.maxDelay
	}
	return jittered
}

// BaseDelay exposes the un-jittered base for tests and stats.
func (p *ExponentialRetryPolicy) BaseDelay() time.Duration { return p.baseDelay }

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
