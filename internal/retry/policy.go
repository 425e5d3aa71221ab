package retry

import (
	"math/rand"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
)

const (
	DefaultBaseDelay       = 60 * time.Second
	DefaultMaxDelay        = 1200 * time.Second
	DefaultMaxAttempts     = 5
	DefaultAuthMaxAttempts = 3
)

// Decision is the policy verdict for a failed push attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

const (
	ReasonPermanentError    = "permanent_error"
	ReasonAttemptsExhausted = "attempts_exhausted"
	ReasonAuthExhausted     = "auth_exhausted"
)

// Policy decides, given a failed attempt, whether and when to retry. It is a
// pure function of attempt number and error kind, independently testable
// without I/O.
type Policy struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	AuthMaxAttempts int

	randFloat func() float64
}

func NewPolicy(baseDelay, maxDelay time.Duration, maxAttempts, authMaxAttempts int) *Policy {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay < baseDelay {
		maxDelay = DefaultMaxDelay
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if authMaxAttempts < 1 {
		authMaxAttempts = DefaultAuthMaxAttempts
	}

	return &Policy{
		BaseDelay:       baseDelay,
		MaxDelay:        maxDelay,
		MaxAttempts:     maxAttempts,
		AuthMaxAttempts: authMaxAttempts,
		randFloat:       rand.Float64,
	}
}

// Decide maps a completed attempt number and its error kind to a decision.
// Permanent errors are terminal on first occurrence; auth errors get a
// smaller attempt budget; everything else retries until MaxAttempts.
func (p *Policy) Decide(attempt int, kind domain.ErrorKind) Decision {
	if kind == domain.ErrorKindPermanent {
		return Decision{Reason: ReasonPermanentError}
	}
	if kind == domain.ErrorKindAuth && attempt >= p.AuthMaxAttempts {
		return Decision{Reason: ReasonAuthExhausted}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Reason: ReasonAttemptsExhausted}
	}

	return Decision{Retry: true, Delay: p.BackoffDelay(attempt)}
}

// BackoffDelay computes min(MaxDelay, BaseDelay * 2^(attempt-1)) plus a
// jitter drawn uniformly from [0, delay/10).
func (p *Policy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}

	jitter := time.Duration(0)
	if p.randFloat != nil {
		jitter = time.Duration(p.randFloat() * float64(delay) * 0.1)
	}

	return delay + jitter
}
