// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

package remote

import (
	"errors"
	"fmt"
	"time"
)

// TransientError marks a remote failure that is expected to clear on its own:
// a rate-limit rejection (HTTP 429) or a server-side transient (5xx).
// The scheduler retries these; nothing else in the system does.
type TransientError struct {
	// Status is the HTTP status code, or 0 for non-HTTP transport failures.
	Status int
	// RetryAfter is the server-suggested wait, when the response carried one.
	// Zero means the caller chooses its own backoff.
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient remote failure (status %d, retry after %s): %v", e.Status, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transient remote failure (status %d): %v", e.Status, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a remote failure that retrying cannot fix, such as a
// 4xx response other than 429. It surfaces to the caller immediately.
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent remote failure (status %d): %v", e.Status, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// StorageError marks a failure writing to the order or status store. The
// engine treats these as non-retryable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter extracts the server-suggested wait from a transient error chain.
// Returns 0 when the error is not transient or carries no suggestion.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
