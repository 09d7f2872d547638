package weft

import "time"

// RetryBuilder builds a RetryPolicy fluently:
//
//	policy := weft.Retries(3).BaseDelay(200 * time.Millisecond).Policy()
type RetryBuilder struct {
	p RetryPolicy
}

// Retries starts a policy allowing maxRetries instance-level restarts.
func Retries(maxRetries int) RetryBuilder {
	return RetryBuilder{p: RetryPolicy{MaxRetries: maxRetries}}
}

// BaseDelay sets the backoff base. Delay before retry n is
// base * 2^n, jittered by the engine's configured factor.
func (b RetryBuilder) BaseDelay(d time.Duration) RetryBuilder {
	b.p.BaseDelay = d
	return b
}

// Policy returns the built RetryPolicy.
func (b RetryBuilder) Policy() RetryPolicy {
	return b.p
}

// NoRetry is a policy that disables instance-level retry for a template
// even when the engine has retry enabled.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 0}
}
