package reqpipeline

// RetryPolicy is per-request mutable state driving timeout/backoff. The
// growth of currentTimeoutMs happens before the attempt-count check, which
// is deliberate: a rejected final retry still leaves the timeout mutated.
type RetryPolicy struct {
	currentTimeoutMs int64
	currentRetries   int
	maxRetries       int
	backoffMult      float64
}

const (
	defaultTimeoutMs  = 2500
	defaultMaxRetries = 0
	defaultBackoff    = 1.0
)

// NewRetryPolicy returns the default policy: 2500ms timeout, 0 retries,
// 1.0 multiplier (timeout doubles on any retry attempt, though the
// default retry budget of zero means no attempt is ever retried).
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		currentTimeoutMs: defaultTimeoutMs,
		maxRetries:       defaultMaxRetries,
		backoffMult:      defaultBackoff,
	}
}

// NewRetryPolicyWith builds a policy with explicit knobs.
func NewRetryPolicyWith(timeoutMs int64, maxRetries int, backoffMult float64) *RetryPolicy {
	return &RetryPolicy{
		currentTimeoutMs: timeoutMs,
		maxRetries:       maxRetries,
		backoffMult:      backoffMult,
	}
}

// CurrentTimeoutMs is the timeout the transport must honor for the next
// attempt.
func (p *RetryPolicy) CurrentTimeoutMs() int64 { return p.currentTimeoutMs }

// CurrentRetryCount is the number of retries already consumed.
func (p *RetryPolicy) CurrentRetryCount() int { return p.currentRetries }

// Retry grows the timeout, increments the retry count, and returns nil
// if an attempt remains; it returns err unchanged once the retry budget
// is exhausted, by which point
// currentTimeoutMs has already been mutated for this (rejected) attempt.
func (p *RetryPolicy) Retry(err error) error {
	p.currentRetries++
	p.currentTimeoutMs += int64(float64(p.currentTimeoutMs) * p.backoffMult)
	if p.currentRetries > p.maxRetries {
		return err
	}
	return nil
}
