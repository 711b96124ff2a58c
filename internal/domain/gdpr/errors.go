package gdpr

import (
	"fmt"
	"strings"
	"time"
)

var (
	// ErrVerificationFailed covers both a wrong token and an expired one; the
	// caller never learns which.
	ErrVerificationFailed = fmt.Errorf("identity verification failed")
	ErrRequestNotFound    = fmt.Errorf("lifecycle request not found")
	ErrSubjectNotFound    = fmt.Errorf("data subject not found")
	// ErrRequestInFlight rejects a new request while another one for the same
	// subject is already processing.
	ErrRequestInFlight = fmt.Errorf("a request for this subject is already processing")
)

type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid request transition %s -> %s", e.From, e.To)
}

// RateLimitedError tells the caller exactly when the trailing 24 h window
// rolls enough to admit a retry.
type RateLimitedError struct {
	RequestType string
	RetryAfter  time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s requests, retry after %s", e.RequestType, e.RetryAfter)
}

// EligibilityError carries every outstanding obligation at once so the
// subject can resolve them in a single pass.
type EligibilityError struct {
	Blockers []string
}

func (e *EligibilityError) Error() string {
	return "erasure blocked: " + strings.Join(e.Blockers, "; ")
}
