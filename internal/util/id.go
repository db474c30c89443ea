package util

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewRequestID returns a UUID for request correlation.
func NewRequestID() string {
	return uuid.NewString()
}

// NowUTC returns the current time truncated to microseconds. Postgres
// keeps microsecond precision, so sub-microsecond timestamps would read
// back as spurious divergence between the stores.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
