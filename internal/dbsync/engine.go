// Package dbsync runs the background batch process that detects and
// resolves divergence between the two stores. Records are matched by
// business key, never by either store's native primary key. The engine is
// single-flight within the process; running more than one process instance
// with the engine enabled is an operational constraint, not something
// coordinated here.
package dbsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"qrforge/internal/store"
	"qrforge/pkg/domain"
)

// ErrBatchRunning is returned when a batch is requested while the previous
// one is still executing. The ticker treats it as a skipped tick.
var ErrBatchRunning = errors.New("sync batch already running")

// Config wires the engine.
type Config struct {
	Primary   store.Driver
	Secondary store.Driver
	// Interval between batch cycles. Defaults to 5m.
	Interval time.Duration
	// Timeout bounds every driver call. Defaults to 3s.
	Timeout time.Duration
	// Overlap is subtracted from each new watermark so records written
	// while a batch ran are re-examined next cycle. Defaults to 30s.
	Overlap time.Duration
	// Policy resolves diverged records. Defaults to LastWriterWins.
	Policy Policy
	// QueueDepth reports the repair queue backlog for status snapshots.
	QueueDepth func(ctx context.Context) int64
}

// Engine reconciles the two stores on a timer.
type Engine struct {
	primary   store.Driver
	secondary store.Driver
	interval  time.Duration
	timeout   time.Duration
	overlap   time.Duration
	policy    Policy
	status    statusHolder
	depth     func(ctx context.Context) int64

	mu        sync.Mutex
	watermark time.Time
}

// New builds the engine. The first batch runs with a zero watermark and
// scans everything.
func New(cfg Config) *Engine {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	overlap := cfg.Overlap
	if overlap <= 0 {
		overlap = 30 * time.Second
	}
	policy := cfg.Policy
	if policy == nil {
		policy = LastWriterWins{}
	}
	return &Engine{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		interval:  interval,
		timeout:   timeout,
		overlap:   overlap,
		policy:    policy,
		depth:     cfg.QueueDepth,
	}
}

// Start launches the periodic loop; it stops when ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.RunBatch(ctx); err != nil {
					if errors.Is(err, ErrBatchRunning) {
						slog.Debug("sync tick skipped, batch still running")
						continue
					}
					slog.Error("sync batch failed", "err", err)
				}
			}
		}
	}()
}

// Status returns a consistent snapshot for the status endpoint.
func (e *Engine) Status(ctx context.Context) domain.SyncStatus {
	st := e.status.snapshot()
	if e.depth != nil {
		st.QueueDepth = e.depth(ctx)
	}
	return st
}

// RunBatch executes one full cycle over every entity type. Per-record
// failures are counted and skipped; the batch always completes with
// partial progress. Only an already-running batch is reported as an error.
func (e *Engine) RunBatch(ctx context.Context) (domain.SyncStats, error) {
	if !e.status.tryBegin() {
		return domain.SyncStats{}, ErrBatchRunning
	}
	if ctx.Err() != nil {
		e.status.abort()
		return domain.SyncStats{}, ctx.Err()
	}

	start := time.Now().UTC()
	e.mu.Lock()
	since := e.watermark
	e.mu.Unlock()

	var stats domain.SyncStats
	complete := true
	for _, entity := range domain.Entities {
		complete = e.runEntity(ctx, entity, since, &stats) && complete
	}

	// A failed listing means changes may have gone unseen; keeping the old
	// watermark lets the next cycle rescan them.
	if complete {
		e.mu.Lock()
		e.watermark = start.Add(-e.overlap)
		e.mu.Unlock()
	}

	e.status.finish(stats, time.Now().UTC())
	slog.Info("sync batch complete",
		"compared", stats.Compared,
		"repaired", stats.Repaired,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stats, nil
}

// runEntity dispatches one entity type through the generic diff loop.
func (e *Engine) runEntity(ctx context.Context, entity domain.Entity, since time.Time, stats *domain.SyncStats) bool {
	switch entity {
	case domain.EntityUser:
		return syncEntity(ctx, e, userOps(e), since, stats)
	case domain.EntityQR:
		return syncEntity(ctx, e, qrOps(e), since, stats)
	case domain.EntityUsage:
		return syncEntity(ctx, e, usageOps(e), since, stats)
	case domain.EntityReset:
		return syncEntity(ctx, e, resetOps(e), since, stats)
	}
	return true
}

// ReconcileKey reconciles a single record now. The repair queue uses it to
// re-apply writes the secondary store missed.
func (e *Engine) ReconcileKey(ctx context.Context, entity domain.Entity, key string) error {
	var stats domain.SyncStats
	switch entity {
	case domain.EntityUser:
		return reconcileOne(ctx, e, userOps(e), key, &stats)
	case domain.EntityQR:
		return reconcileOne(ctx, e, qrOps(e), key, &stats)
	case domain.EntityUsage:
		return reconcileOne(ctx, e, usageOps(e), key, &stats)
	case domain.EntityReset:
		return reconcileOne(ctx, e, resetOps(e), key, &stats)
	}
	return fmt.Errorf("unknown entity %q", entity)
}

// entityOps adapts one entity type to the generic reconcile loop.
type entityOps[T any] struct {
	name        domain.Entity
	listChanged func(ctx context.Context, d store.Driver, since time.Time) ([]T, error)
	get         func(ctx context.Context, d store.Driver, key string) (T, bool, error)
	save        func(ctx context.Context, d store.Driver, v T) error
	key         func(T) string
	equal       func(a, b T) bool
	merge       func(primary, secondary T) (T, error)
	// replace installs winner over a store's existing copy. Entity types
	// whose record id can differ from the business key use it to drop the
	// superseded record; nil means a plain save.
	replace func(ctx context.Context, d store.Driver, existing, winner T) error
}

// Users match across stores by canonical email, not record id, so two
// stores that minted different ids for one email converge to a single
// record instead of duplicating each other's copy.
func userOps(e *Engine) entityOps[domain.User] {
	return entityOps[domain.User]{
		name: domain.EntityUser,
		listChanged: func(ctx context.Context, d store.Driver, since time.Time) ([]domain.User, error) {
			return d.ListUsers(ctx, since)
		},
		get: func(ctx context.Context, d store.Driver, key string) (domain.User, bool, error) {
			// Batch keys are emails; repair jobs for deletions carry the
			// record id, so fall back to an id lookup on a miss.
			u, ok, err := d.GetUserByEmail(ctx, key)
			if err != nil || ok {
				return u, ok, err
			}
			return d.GetUserByID(ctx, key)
		},
		save: func(ctx context.Context, d store.Driver, v domain.User) error {
			return d.SaveUser(ctx, v)
		},
		key:   func(u domain.User) string { return strings.ToLower(u.Email) },
		equal: usersEqual,
		merge: e.policy.User,
		replace: func(ctx context.Context, d store.Driver, existing, winner domain.User) error {
			if existing.ID != winner.ID {
				if err := d.DeleteUser(ctx, existing.ID); err != nil {
					return err
				}
			}
			return d.SaveUser(ctx, winner)
		},
	}
}

func qrOps(e *Engine) entityOps[domain.QRCode] {
	return entityOps[domain.QRCode]{
		name: domain.EntityQR,
		listChanged: func(ctx context.Context, d store.Driver, since time.Time) ([]domain.QRCode, error) {
			return d.ListQRCodes(ctx, since)
		},
		get: func(ctx context.Context, d store.Driver, key string) (domain.QRCode, bool, error) {
			return d.GetQRCode(ctx, key)
		},
		save: func(ctx context.Context, d store.Driver, v domain.QRCode) error {
			return d.SaveQRCode(ctx, v)
		},
		key:   func(qr domain.QRCode) string { return qr.ID },
		equal: qrCodesEqual,
		merge: e.policy.QRCode,
	}
}

func usageOps(e *Engine) entityOps[domain.AnonymousUsage] {
	return entityOps[domain.AnonymousUsage]{
		name: domain.EntityUsage,
		listChanged: func(ctx context.Context, d store.Driver, since time.Time) ([]domain.AnonymousUsage, error) {
			return d.ListUsage(ctx, since)
		},
		get: func(ctx context.Context, d store.Driver, key string) (domain.AnonymousUsage, bool, error) {
			return d.GetUsage(ctx, key)
		},
		save: func(ctx context.Context, d store.Driver, v domain.AnonymousUsage) error {
			return d.SaveUsage(ctx, v)
		},
		key:   func(u domain.AnonymousUsage) string { return u.IP },
		equal: usageEqual,
		merge: e.policy.Usage,
	}
}

func resetOps(e *Engine) entityOps[domain.PasswordResetRequest] {
	return entityOps[domain.PasswordResetRequest]{
		name: domain.EntityReset,
		listChanged: func(ctx context.Context, d store.Driver, since time.Time) ([]domain.PasswordResetRequest, error) {
			return d.ListResetRequests(ctx, since)
		},
		get: func(ctx context.Context, d store.Driver, key string) (domain.PasswordResetRequest, bool, error) {
			return d.GetResetRequest(ctx, key)
		},
		save: func(ctx context.Context, d store.Driver, v domain.PasswordResetRequest) error {
			return d.SaveResetRequest(ctx, v)
		},
		key:   func(r domain.PasswordResetRequest) string { return r.ID },
		equal: resetsEqual,
		merge: e.policy.Reset,
	}
}

// syncEntity diffs one entity type across both stores for the batch.
// It reports false when a listing failed and the watermark must not move.
func syncEntity[T any](ctx context.Context, e *Engine, ops entityOps[T], since time.Time, stats *domain.SyncStats) bool {
	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	plist, perr := ops.listChanged(pctx, e.primary, since)
	cancel()
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	slist, serr := ops.listChanged(sctx, e.secondary, since)
	cancel()
	if perr != nil || serr != nil {
		stats.Errors++
		slog.Warn("sync listing failed", "entity", ops.name, "primary_err", perr, "secondary_err", serr)
		return false
	}

	keys := make(map[string]struct{}, len(plist)+len(slist))
	for _, v := range plist {
		keys[ops.key(v)] = struct{}{}
	}
	for _, v := range slist {
		keys[ops.key(v)] = struct{}{}
	}

	for key := range keys {
		if err := reconcileOne(ctx, e, ops, key, stats); err != nil {
			stats.Errors++
			slog.Warn("sync record skipped", "entity", ops.name, "key", key, "err", err)
		}
	}
	return true
}

// reconcileOne fetches both copies of a business key and converges them:
// a one-sided record is copied across, a diverged pair is resolved by the
// policy and written back to whichever side is stale.
func reconcileOne[T any](ctx context.Context, e *Engine, ops entityOps[T], key string, stats *domain.SyncStats) error {
	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	p, pok, perr := ops.get(pctx, e.primary, key)
	cancel()
	if perr != nil {
		return perr
	}
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	s, sok, serr := ops.get(sctx, e.secondary, key)
	cancel()
	if serr != nil {
		return serr
	}

	stats.Compared++
	switch {
	case pok && sok:
		if ops.equal(p, s) {
			return nil
		}
		stats.Conflicts++
		winner, err := ops.merge(p, s)
		if err != nil {
			return err
		}
		if !ops.equal(winner, p) {
			if err := installWinner(ctx, e, ops, e.primary, p, winner); err != nil {
				return err
			}
		}
		if !ops.equal(winner, s) {
			if err := installWinner(ctx, e, ops, e.secondary, s, winner); err != nil {
				return err
			}
		}
		stats.Repaired++
	case pok:
		if err := saveWithTimeout(ctx, e, ops, e.secondary, p); err != nil {
			return err
		}
		stats.Repaired++
	case sok:
		if err := saveWithTimeout(ctx, e, ops, e.primary, s); err != nil {
			return err
		}
		stats.Repaired++
	}
	return nil
}

func saveWithTimeout[T any](ctx context.Context, e *Engine, ops entityOps[T], d store.Driver, v T) error {
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return ops.save(sctx, d, v)
}

// installWinner writes the merge winner over a store's stale copy, going
// through replace when the entity defines one.
func installWinner[T any](ctx context.Context, e *Engine, ops entityOps[T], d store.Driver, existing, winner T) error {
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if ops.replace != nil {
		return ops.replace(sctx, d, existing, winner)
	}
	return ops.save(sctx, d, winner)
}

// equality helpers; time fields compare with Equal so location differences
// between the two stores' round-trips do not read as divergence.

func usersEqual(a, b domain.User) bool {
	return a.ID == b.ID &&
		a.Email == b.Email &&
		a.DisplayName == b.DisplayName &&
		a.PasswordHash == b.PasswordHash &&
		a.Role == b.Role &&
		a.Subscription == b.Subscription &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func qrCodesEqual(a, b domain.QRCode) bool {
	return a.ID == b.ID &&
		a.OwnerID == b.OwnerID &&
		bytes.Equal(a.Payload, b.Payload) &&
		a.CreatedAt.Equal(b.CreatedAt)
}

func usageEqual(a, b domain.AnonymousUsage) bool {
	return a.IP == b.IP && a.Count == b.Count && a.UpdatedAt.Equal(b.UpdatedAt)
}

func resetsEqual(a, b domain.PasswordResetRequest) bool {
	if a.ID != b.ID || a.UserID != b.UserID || a.Status != b.Status ||
		a.ApproverID != b.ApproverID || a.Note != b.Note {
		return false
	}
	if (a.ApprovedAt == nil) != (b.ApprovedAt == nil) {
		return false
	}
	if a.ApprovedAt != nil && !a.ApprovedAt.Equal(*b.ApprovedAt) {
		return false
	}
	return a.CreatedAt.Equal(b.CreatedAt) && a.UpdatedAt.Equal(b.UpdatedAt)
}
