package app

import "errors"

var (
	// ErrEmailTaken indicates the canonical email already has a record.
	ErrEmailTaken = errors.New("email already registered")
	// ErrAlreadyResolved indicates a password-reset request reached a
	// terminal status; transitions out of it are refused.
	ErrAlreadyResolved = errors.New("reset request already resolved")
	// ErrNotOwner indicates the caller does not own the record.
	ErrNotOwner = errors.New("not the record owner")
	// ErrQuotaExceeded indicates the anonymous per-IP allowance is spent.
	ErrQuotaExceeded = errors.New("anonymous quota exceeded")
)
