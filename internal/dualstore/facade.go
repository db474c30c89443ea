// Package dualstore keeps two heterogeneous stores answering for the same
// logical records: writes go primary-first with the secondary repaired in
// the background, reads fall back from primary to secondary.
package dualstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"qrforge/internal/store"
	"qrforge/pkg/domain"
)

// ErrBothStoresFailed is surfaced when neither store could answer. The
// operation fails but the process keeps serving.
var ErrBothStoresFailed = errors.New("both stores failed")

// Repairer accepts a discrepancy for background reconciliation.
type Repairer interface {
	Enqueue(ctx context.Context, entity domain.Entity, key string) error
}

// Config wires the facade.
type Config struct {
	Primary   store.Driver
	Secondary store.Driver
	// Timeout bounds every driver call. Defaults to 3s.
	Timeout time.Duration
	// HealthTimeout bounds each liveness probe. Defaults to 4s.
	HealthTimeout time.Duration
	// Repairs receives discrepancies from failed secondary writes. Optional;
	// without it repairs wait for the next sync batch.
	Repairs Repairer
	// AsyncSecondaryWrites detaches the secondary write from the request so
	// primary latency alone is user-visible. Tests keep it off for
	// determinism.
	AsyncSecondaryWrites bool
}

// Facade is the per-entity operation set the application layer calls.
// Which store is primary is fixed by configuration and never renegotiated.
type Facade struct {
	primary       store.Driver
	secondary     store.Driver
	timeout       time.Duration
	healthTimeout time.Duration
	repairs       Repairer
	asyncWrites   bool
}

// New builds the facade.
func New(cfg Config) *Facade {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 4 * time.Second
	}
	return &Facade{
		primary:       cfg.Primary,
		secondary:     cfg.Secondary,
		timeout:       timeout,
		healthTimeout: healthTimeout,
		repairs:       cfg.Repairs,
		asyncWrites:   cfg.AsyncSecondaryWrites,
	}
}

// users

func (f *Facade) SaveUser(ctx context.Context, u domain.User) domain.Result[domain.User] {
	// Users repair by their business key, the canonical email.
	err := f.writeBoth(ctx, domain.EntityUser, strings.ToLower(u.Email), func(ctx context.Context, d store.Driver) error {
		return d.SaveUser(ctx, u)
	})
	if err != nil {
		return domain.Fail[domain.User](err)
	}
	return domain.Ok(u, domain.SourcePrimary)
}

func (f *Facade) GetUserByID(ctx context.Context, id string) domain.Result[domain.User] {
	return readOne(f, ctx, func(ctx context.Context, d store.Driver) (domain.User, bool, error) {
		return d.GetUserByID(ctx, id)
	})
}

func (f *Facade) GetUserByEmail(ctx context.Context, email string) domain.Result[domain.User] {
	return readOne(f, ctx, func(ctx context.Context, d store.Driver) (domain.User, bool, error) {
		return d.GetUserByEmail(ctx, email)
	})
}

func (f *Facade) ListUsers(ctx context.Context) domain.Result[[]domain.User] {
	return readList(f, ctx, func(ctx context.Context, d store.Driver) ([]domain.User, error) {
		return d.ListUsers(ctx, time.Time{})
	})
}

func (f *Facade) DeleteUser(ctx context.Context, id string) domain.Result[struct{}] {
	err := f.writeBoth(ctx, domain.EntityUser, id, func(ctx context.Context, d store.Driver) error {
		return d.DeleteUser(ctx, id)
	})
	if err != nil {
		return domain.Fail[struct{}](err)
	}
	return domain.Ok(struct{}{}, domain.SourcePrimary)
}

// qr codes

func (f *Facade) SaveQRCode(ctx context.Context, qr domain.QRCode) domain.Result[domain.QRCode] {
	err := f.writeBoth(ctx, domain.EntityQR, qr.ID, func(ctx context.Context, d store.Driver) error {
		return d.SaveQRCode(ctx, qr)
	})
	if err != nil {
		return domain.Fail[domain.QRCode](err)
	}
	return domain.Ok(qr, domain.SourcePrimary)
}

func (f *Facade) GetQRCode(ctx context.Context, id string) domain.Result[domain.QRCode] {
	return readOne(f, ctx, func(ctx context.Context, d store.Driver) (domain.QRCode, bool, error) {
		return d.GetQRCode(ctx, id)
	})
}

func (f *Facade) ListQRCodesByOwner(ctx context.Context, ownerID string) domain.Result[[]domain.QRCode] {
	return readList(f, ctx, func(ctx context.Context, d store.Driver) ([]domain.QRCode, error) {
		return d.ListQRCodesByOwner(ctx, ownerID)
	})
}

func (f *Facade) DeleteQRCode(ctx context.Context, id string) domain.Result[struct{}] {
	err := f.writeBoth(ctx, domain.EntityQR, id, func(ctx context.Context, d store.Driver) error {
		return d.DeleteQRCode(ctx, id)
	})
	if err != nil {
		return domain.Fail[struct{}](err)
	}
	return domain.Ok(struct{}{}, domain.SourcePrimary)
}

// anonymous usage

// IncrUsage bumps the per-IP counter on both stores. The returned count is
// the primary's; divergence reconciles to the max of the two.
func (f *Facade) IncrUsage(ctx context.Context, ip string) domain.Result[domain.AnonymousUsage] {
	at := time.Now().UTC()
	var count int64
	err := f.writeBoth(ctx, domain.EntityUsage, ip, func(ctx context.Context, d store.Driver) error {
		n, err := d.IncrUsage(ctx, ip, at)
		if err != nil {
			return err
		}
		if d == f.primary {
			count = n
		}
		return nil
	})
	if err != nil {
		return domain.Fail[domain.AnonymousUsage](err)
	}
	return domain.Ok(domain.AnonymousUsage{IP: ip, Count: count, UpdatedAt: at}, domain.SourcePrimary)
}

func (f *Facade) GetUsage(ctx context.Context, ip string) domain.Result[domain.AnonymousUsage] {
	return readOne(f, ctx, func(ctx context.Context, d store.Driver) (domain.AnonymousUsage, bool, error) {
		return d.GetUsage(ctx, ip)
	})
}

// password reset requests

func (f *Facade) SaveResetRequest(ctx context.Context, r domain.PasswordResetRequest) domain.Result[domain.PasswordResetRequest] {
	err := f.writeBoth(ctx, domain.EntityReset, r.ID, func(ctx context.Context, d store.Driver) error {
		return d.SaveResetRequest(ctx, r)
	})
	if err != nil {
		return domain.Fail[domain.PasswordResetRequest](err)
	}
	return domain.Ok(r, domain.SourcePrimary)
}

func (f *Facade) GetResetRequest(ctx context.Context, id string) domain.Result[domain.PasswordResetRequest] {
	return readOne(f, ctx, func(ctx context.Context, d store.Driver) (domain.PasswordResetRequest, bool, error) {
		return d.GetResetRequest(ctx, id)
	})
}

func (f *Facade) ListResetRequests(ctx context.Context) domain.Result[[]domain.PasswordResetRequest] {
	return readList(f, ctx, func(ctx context.Context, d store.Driver) ([]domain.PasswordResetRequest, error) {
		return d.ListResetRequests(ctx, time.Time{})
	})
}

// write/read plumbing

// writeBoth applies a write primary-first. Primary failure fails the
// operation and the secondary is never touched, so the stores cannot
// disagree about which one is authoritative. A failed secondary write is
// recorded as a discrepancy and never blocks the caller.
func (f *Facade) writeBoth(ctx context.Context, entity domain.Entity, key string, write func(context.Context, store.Driver) error) error {
	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := write(pctx, f.primary); err != nil {
		return fmt.Errorf("primary write: %w", err)
	}

	applySecondary := func() {
		sctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		if err := write(sctx, f.secondary); err != nil {
			slog.Warn("secondary write failed, recording discrepancy",
				"entity", entity, "key", key, "err", err)
			f.recordDiscrepancy(entity, key)
		}
	}
	if f.asyncWrites {
		go applySecondary()
	} else {
		applySecondary()
	}
	return nil
}

func (f *Facade) recordDiscrepancy(entity domain.Entity, key string) {
	if f.repairs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.repairs.Enqueue(ctx, entity, key); err != nil {
		// Left for the next sync batch to pick up by watermark.
		slog.Warn("repair enqueue failed", "entity", entity, "key", key, "err", err)
	}
}

// readOne queries the primary and falls back to the secondary on failure or
// miss. Only both stores failing fails the read.
func readOne[T any](f *Facade, ctx context.Context, get func(context.Context, store.Driver) (T, bool, error)) domain.Result[T] {
	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	v, ok, perr := get(pctx, f.primary)
	cancel()
	if perr == nil && ok {
		return domain.Ok(v, domain.SourcePrimary)
	}

	sctx, cancel := context.WithTimeout(ctx, f.timeout)
	v, ok, serr := get(sctx, f.secondary)
	cancel()
	if serr == nil && ok {
		return domain.Ok(v, domain.SourceSecondary)
	}

	if perr != nil && serr != nil {
		return domain.Fail[T](fmt.Errorf("%w: primary: %v; secondary: %v", ErrBothStoresFailed, perr, serr))
	}
	return domain.Fail[T](store.ErrNotFound)
}

// readList is readOne for collection queries; an empty primary answer also
// falls back, and an empty answer from both stores is a success.
func readList[T any](f *Facade, ctx context.Context, list func(context.Context, store.Driver) ([]T, error)) domain.Result[[]T] {
	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	pv, perr := list(pctx, f.primary)
	cancel()
	if perr == nil && len(pv) > 0 {
		return domain.Ok(pv, domain.SourcePrimary)
	}

	sctx, cancel := context.WithTimeout(ctx, f.timeout)
	sv, serr := list(sctx, f.secondary)
	cancel()
	if serr == nil && len(sv) > 0 {
		return domain.Ok(sv, domain.SourceSecondary)
	}

	if perr != nil && serr != nil {
		return domain.Fail[[]T](fmt.Errorf("%w: primary: %v; secondary: %v", ErrBothStoresFailed, perr, serr))
	}
	if perr == nil {
		return domain.Ok(pv, domain.SourcePrimary)
	}
	return domain.Ok(sv, domain.SourceSecondary)
}
