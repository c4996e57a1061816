package worker

import (
	"math"
	"time"

	trigger "github.com/goliatone/go-trigger"
)

// RetryStrategy returns the delay before a failed job runs again. attempt
// starts at 0 for the first failure.
type RetryStrategy interface {
	Delay(attempt int, err error) time.Duration
}

// RetryDecision is the outcome of a retry check.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
}

// RetryDecider lets a strategy refuse retries for specific errors.
type RetryDecider interface {
	Decide(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy for a decision, falling back to Delay.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		strategy = NoDelayStrategy{}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.Decide(attempt, err)
	}
	return RetryDecision{ShouldRetry: !IsPermanent(err), Delay: strategy.Delay(attempt, err)}
}

// IsPermanent reports errors that retrying cannot fix: malformed jobs,
// subjects that no longer exist and unknown actions.
func IsPermanent(err error) bool {
	for _, code := range []string{
		trigger.ErrCodeInvalidJob,
		trigger.ErrCodeSubjectNotObject,
		trigger.ErrCodeSubjectNotSupported,
		trigger.ErrCodeActionNotFound,
	} {
		if trigger.HasCode(err, code) {
			return true
		}
	}
	return false
}

// NoDelayStrategy retries on the next poll.
type NoDelayStrategy struct{}

func (NoDelayStrategy) Delay(int, error) time.Duration { return 0 }

// ExponentialBackoffStrategy grows the delay by Factor per attempt, capped
// at Max when Max is positive.
//
//	worker.WithRetryStrategy(worker.ExponentialBackoffStrategy{
//	    Base:   30 * time.Second,
//	    Factor: 2,
//	    Max:    time.Hour,
//	})
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) Delay(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	return time.Duration(delay)
}
