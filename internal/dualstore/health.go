package dualstore

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthReport is the outcome of probing both stores.
type HealthReport struct {
	Primary   bool      `json:"primary"`
	Secondary bool      `json:"secondary"`
	Errors    []string  `json:"errors,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Healthy reports overall health: both stores reachable.
func (r HealthReport) Healthy() bool { return r.Primary && r.Secondary }

// CheckHealth probes both drivers concurrently, each under its own timeout,
// so total latency is bounded by the slower probe rather than the sum.
// It never returns an error; failures land in the report.
func (f *Facade) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{CheckedAt: time.Now().UTC()}
	var primaryErr, secondaryErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pctx, cancel := context.WithTimeout(gctx, f.healthTimeout)
		defer cancel()
		primaryErr = f.primary.Ping(pctx)
		return nil
	})
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(gctx, f.healthTimeout)
		defer cancel()
		secondaryErr = f.secondary.Ping(sctx)
		return nil
	})
	_ = g.Wait()

	report.Primary = primaryErr == nil
	report.Secondary = secondaryErr == nil
	if primaryErr != nil {
		report.Errors = append(report.Errors, primaryErr.Error())
	}
	if secondaryErr != nil {
		report.Errors = append(report.Errors, secondaryErr.Error())
	}
	return report
}
