package client

import (
	"fmt"
	"time"

	"scenedb/pkg/models"
)

// TransportError wraps a network failure: the request may or may not have
// reached the server, so callers retry with the same idempotency key.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ConflictError reports an optimistic-concurrency rejection. Latest is the
// server's current copy.
type ConflictError struct {
	Latest          models.Scene
	YourBaseVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: server has v%d, write based on v%d",
		e.Latest.Version, e.YourBaseVersion)
}

// RateLimitedError reports a 429 with the server's requested backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// APIError covers all other non-2xx responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// Temporary reports whether the error is worth retrying server-side (5xx).
func (e *APIError) Temporary() bool { return e.Status >= 500 }
