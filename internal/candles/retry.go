package candles

import (
	"context"
	"errors"
	"net/http"
	"time"
)

type Action int

const (
	// Advance moves on to the next chunk with the data received.
	Advance Action = iota
	// Retry repeats the same chunk after Backoff.
	Retry
	// Skip moves on to the next chunk without data.
	Skip
)

func (a Action) String() string {
	switch a {
	case Advance:
		return "advance"
	case Retry:
		return "retry"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action  Action
	Backoff time.Duration
	Reason  string
}

// RetryPolicy classifies the outcome of a chunk request. Retries are not capped
// here, the fetcher's request ceiling bounds them.
type RetryPolicy struct {
	RateLimitBackoff time.Duration
	TimeoutBackoff   time.Duration
	Retryable        func(status int) bool
}

func DefaultRetryable(status int) bool {
	return status == http.StatusTooManyRequests
}

type statusCoder interface {
	HTTPStatus() int
}

type timeouter interface {
	Timeout() bool
}

func (p RetryPolicy) Decide(err error) Decision {
	if err == nil {
		return Decision{Action: Advance}
	}

	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if retryable(sc.HTTPStatus()) {
			return Decision{Action: Retry, Backoff: p.RateLimitBackoff, Reason: "rate limited"}
		}
		return Decision{Action: Skip, Reason: err.Error()}
	}

	if IsTimeout(err) {
		return Decision{Action: Retry, Backoff: p.TimeoutBackoff, Reason: "timeout"}
	}

	return Decision{Action: Skip, Reason: err.Error()}
}

func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}
