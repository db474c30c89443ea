package store

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks a driver call that could not reach its store
	// (timeout, connection refused, backend error). Callers treat it as
	// recoverable and fall back to the other store.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned by callers once a business key is missing
	// from both stores.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEmail is returned by SaveUser when the email already
	// belongs to a different user id. Each driver enforces it natively:
	// Postgres by unique index, Redis by reserving the index key.
	ErrDuplicateEmail = errors.New("email belongs to another user")
)

// unavailable wraps a backend failure with the driver name and the
// ErrUnavailable sentinel.
func unavailable(driver string, err error) error {
	return fmt.Errorf("%s: %w: %v", driver, ErrUnavailable, err)
}

// IsUnavailable reports whether err is a store-reachability failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
