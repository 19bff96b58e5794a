// Sentinel errors for webhook dispatch.

package webhook

import "errors"

var (
	// ErrBreakerOpen is returned when an endpoint's circuit breaker is open
	// and a delivery is skipped rather than attempted.
	ErrBreakerOpen = errors.New("webhook: circuit breaker open for endpoint")

	// ErrNonRetriable marks a delivery outcome the dispatcher must not
	// schedule a retry for: a non-2xx status that is neither 5xx nor 429,
	// or a retriable failure that has just disabled the endpoint.
	ErrNonRetriable = errors.New("webhook: non-retriable delivery failure")
)
