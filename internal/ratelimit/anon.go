// Package ratelimit gates unauthenticated QR generation per client IP.
// The counter lives in both stores through the facade, so the quota holds
// across restarts and store failovers. The counter only ever increases,
// so there is no reset window.
package ratelimit

import (
	"context"

	"qrforge/pkg/domain"
)

// UsageCounter is the slice of the facade the limiter needs.
type UsageCounter interface {
	IncrUsage(ctx context.Context, ip string) domain.Result[domain.AnonymousUsage]
}

// AnonQuota is a lifetime per-IP allowance for anonymous callers.
type AnonQuota struct {
	counter UsageCounter
	limit   int64
}

// NewAnonQuota builds the limiter. limit <= 0 disables anonymous access.
func NewAnonQuota(counter UsageCounter, limit int64) *AnonQuota {
	return &AnonQuota{counter: counter, limit: limit}
}

// Allow consumes one unit of quota for ip. It fails closed: when the
// counter cannot be bumped on the primary store the request is denied.
func (q *AnonQuota) Allow(ctx context.Context, ip string) (bool, error) {
	if q.limit <= 0 {
		return false, nil
	}
	res := q.counter.IncrUsage(ctx, ip)
	if !res.Success {
		return false, res.Err()
	}
	return res.Data.Count <= q.limit, nil
}
