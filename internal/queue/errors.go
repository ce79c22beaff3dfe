package queue

import (
	"errors"
	"fmt"
	"time"
)

// ErrSupplierUnavailable is returned synchronously from QueuePartEnrichment
// when the named supplier has no registered queue. Never retried.
var ErrSupplierUnavailable = errors.New("supplier unavailable")

// RateLimitError is raised inside the processing loop when the oracle denies
// a request. It is absorbed by requeue + backoff and never reaches callers.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}
