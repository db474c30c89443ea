// Package app wires the dual-store stack: both drivers, the operations
// facade, the repair queue and the sync engine, plus the entity operations
// the HTTP layer calls.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"qrforge/internal/dbsync"
	"qrforge/internal/dualstore"
	"qrforge/internal/ratelimit"
	"qrforge/internal/repair"
	"qrforge/internal/store"
	"qrforge/internal/util"
	"qrforge/pkg/crypt"
	"qrforge/pkg/domain"
)

// Config holds runtime configuration for the core application.
type Config struct {
	RedisAddr     string
	RedisPassword string
	DatabaseURL   string

	StoreTimeout  time.Duration
	HealthTimeout time.Duration

	SyncInterval time.Duration
	SyncOverlap  time.Duration

	RepairMaxRetries  int
	RepairRetryDelay  time.Duration
	RepairConcurrency int

	AsyncSecondaryWrites bool

	PayloadSecret string
	AnonQuota     int64

	// Primary/Secondary inject drivers for tests; when nil the Redis and
	// Postgres drivers are built from the connection settings above.
	Primary   store.Driver
	Secondary store.Driver
}

// App is the core application service.
type App struct {
	primary   store.Driver
	secondary store.Driver
	facade    *dualstore.Facade
	engine    *dbsync.Engine
	queue     *repair.Queue
	sealer    *crypt.Sealer
	quota     *ratelimit.AnonQuota

	repairConcurrency int
}

// New constructs the application. The document store is always primary and
// the relational store secondary; the designation is fixed here and never
// renegotiated at runtime.
func New(cfg Config) (*App, error) {
	primary := cfg.Primary
	if primary == nil {
		if cfg.RedisAddr == "" {
			return nil, errors.New("redis addr required (primary store)")
		}
		primary = store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
	}
	secondary := cfg.Secondary
	if secondary == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required (secondary store)")
		}
		var err error
		secondary, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sealer, err := crypt.NewSealer(cfg.PayloadSecret)
	if err != nil {
		return nil, err
	}

	var queue *repair.Queue
	if cfg.RedisAddr != "" {
		queue, err = repair.NewQueue(repair.QueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			MaxRetries: cfg.RepairMaxRetries,
			RetryDelay: cfg.RepairRetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("init repair queue: %w", err)
		}
	}

	var depth func(ctx context.Context) int64
	var repairs dualstore.Repairer
	if queue != nil {
		depth = queue.Depth
		repairs = queue
	}

	engine := dbsync.New(dbsync.Config{
		Primary:    primary,
		Secondary:  secondary,
		Interval:   cfg.SyncInterval,
		Timeout:    cfg.StoreTimeout,
		Overlap:    cfg.SyncOverlap,
		QueueDepth: depth,
	})

	facade := dualstore.New(dualstore.Config{
		Primary:              primary,
		Secondary:            secondary,
		Timeout:              cfg.StoreTimeout,
		HealthTimeout:        cfg.HealthTimeout,
		Repairs:              repairs,
		AsyncSecondaryWrites: cfg.AsyncSecondaryWrites,
	})

	concurrency := cfg.RepairConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	return &App{
		primary:           primary,
		secondary:         secondary,
		facade:            facade,
		engine:            engine,
		queue:             queue,
		sealer:            sealer,
		quota:             ratelimit.NewAnonQuota(facade, cfg.AnonQuota),
		repairConcurrency: concurrency,
	}, nil
}

// Start launches the sync engine loop and the repair consumers. Both stop
// when ctx is canceled.
func (a *App) Start(ctx context.Context) {
	a.engine.Start(ctx)
	if a.queue != nil {
		a.queue.Start(ctx, a.repairConcurrency, func(ctx context.Context, job repair.Job) error {
			return a.engine.ReconcileKey(ctx, job.Entity, job.Key)
		})
	}
}

// Close releases both drivers and the queue connection.
func (a *App) Close() error {
	var firstErr error
	if err := a.primary.Close(); err != nil {
		firstErr = err
	}
	if err := a.secondary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Facade exposes the raw dual-store operations for callers that need them.
func (a *App) Facade() *dualstore.Facade { return a.facade }

// Health probes both stores.
func (a *App) Health(ctx context.Context) dualstore.HealthReport {
	return a.facade.CheckHealth(ctx)
}

// SyncStatus snapshots the background engine state.
func (a *App) SyncStatus(ctx context.Context) domain.SyncStatus {
	return a.engine.Status(ctx)
}

// TriggerSync runs a batch immediately; dbsync.ErrBatchRunning when one is
// already in flight.
func (a *App) TriggerSync(ctx context.Context) (domain.SyncStats, error) {
	return a.engine.RunBatch(ctx)
}

// users

// CreateUser registers a user with a hashed credential. The canonical
// email is case-insensitive and must be unused in both stores.
func (a *App) CreateUser(ctx context.Context, email, displayName, password string, role domain.UserRole) (domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, errors.New("email and password required")
	}
	if existing := a.facade.GetUserByEmail(ctx, email); existing.Success {
		return domain.User{}, ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	if role != domain.RoleAdmin {
		role = domain.RoleUser
	}
	now := util.NowUTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
		Role:         role,
		Subscription: domain.Subscription{Plan: "free", Status: "active"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	res := a.facade.SaveUser(ctx, user)
	if !res.Success {
		// Two registrations racing past the lookup above are settled by
		// the primary's email reservation; the loser lands here.
		if errors.Is(res.Err(), store.ErrDuplicateEmail) {
			return domain.User{}, ErrEmailTaken
		}
		return domain.User{}, res.Err()
	}
	return user, nil
}

// GetUser returns a user by id with the answering store tagged.
func (a *App) GetUser(ctx context.Context, id string) domain.Result[domain.User] {
	return a.facade.GetUserByID(ctx, id)
}

// ListUsers returns all users for the admin panel.
func (a *App) ListUsers(ctx context.Context) domain.Result[[]domain.User] {
	return a.facade.ListUsers(ctx)
}

// UpdateSubscription replaces a user's plan descriptor.
func (a *App) UpdateSubscription(ctx context.Context, userID string, sub domain.Subscription) (domain.User, error) {
	res := a.facade.GetUserByID(ctx, userID)
	if !res.Success {
		return domain.User{}, res.Err()
	}
	user := res.Data
	user.Subscription = sub
	user.UpdatedAt = util.NowUTC()
	if saved := a.facade.SaveUser(ctx, user); !saved.Success {
		return domain.User{}, saved.Err()
	}
	return user, nil
}

// DeleteUser removes a user record from both stores.
func (a *App) DeleteUser(ctx context.Context, id string) error {
	if res := a.facade.DeleteUser(ctx, id); !res.Success {
		return res.Err()
	}
	return nil
}

// qr codes

// CreateQRCode seals the payload and stores the record for its owner. The
// owner must resolve to a user in at least one store.
func (a *App) CreateQRCode(ctx context.Context, ownerID string, payload []byte) (domain.QRCode, error) {
	owner := a.facade.GetUserByID(ctx, ownerID)
	if !owner.Success {
		return domain.QRCode{}, fmt.Errorf("resolve owner: %w", owner.Err())
	}
	sealed, err := a.sealer.Seal(payload)
	if err != nil {
		return domain.QRCode{}, fmt.Errorf("seal payload: %w", err)
	}
	qr := domain.QRCode{
		ID:        util.NewID(),
		OwnerID:   owner.Data.ID,
		Payload:   sealed,
		CreatedAt: util.NowUTC(),
	}
	if res := a.facade.SaveQRCode(ctx, qr); !res.Success {
		return domain.QRCode{}, res.Err()
	}
	return qr, nil
}

// ListQRCodes returns the caller's codes, tagged with the answering store.
func (a *App) ListQRCodes(ctx context.Context, ownerID string) domain.Result[[]domain.QRCode] {
	return a.facade.ListQRCodesByOwner(ctx, ownerID)
}

// OpenQRCode returns the decrypted payload. Only the owner or an admin
// may read it.
func (a *App) OpenQRCode(ctx context.Context, id, callerID string, callerRole domain.UserRole) ([]byte, error) {
	res := a.facade.GetQRCode(ctx, id)
	if !res.Success {
		return nil, res.Err()
	}
	if res.Data.OwnerID != callerID && callerRole != domain.RoleAdmin {
		return nil, ErrNotOwner
	}
	return a.sealer.Open(res.Data.Payload)
}

// DeleteQRCode removes a code after an ownership check.
func (a *App) DeleteQRCode(ctx context.Context, id, callerID string, callerRole domain.UserRole) error {
	res := a.facade.GetQRCode(ctx, id)
	if !res.Success {
		return res.Err()
	}
	if res.Data.OwnerID != callerID && callerRole != domain.RoleAdmin {
		return ErrNotOwner
	}
	if del := a.facade.DeleteQRCode(ctx, id); !del.Success {
		return del.Err()
	}
	return nil
}

// AllowAnonymous consumes one unit of the per-IP quota for an
// unauthenticated generation request.
func (a *App) AllowAnonymous(ctx context.Context, ip string) error {
	ok, err := a.quota.Allow(ctx, ip)
	if err != nil {
		return err
	}
	if !ok {
		return ErrQuotaExceeded
	}
	return nil
}

// password reset requests

// CreateResetRequest opens a pending request for the given user.
func (a *App) CreateResetRequest(ctx context.Context, userID string) (domain.PasswordResetRequest, error) {
	user := a.facade.GetUserByID(ctx, userID)
	if !user.Success {
		return domain.PasswordResetRequest{}, fmt.Errorf("resolve user: %w", user.Err())
	}
	now := util.NowUTC()
	req := domain.PasswordResetRequest{
		ID:        util.NewID(),
		UserID:    user.Data.ID,
		Status:    domain.ResetPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if res := a.facade.SaveResetRequest(ctx, req); !res.Success {
		return domain.PasswordResetRequest{}, res.Err()
	}
	return req, nil
}

// ResolveResetRequest moves a pending request to approved or rejected.
// Terminal requests stay terminal.
func (a *App) ResolveResetRequest(ctx context.Context, id, approverID string, approve bool, note string) (domain.PasswordResetRequest, error) {
	res := a.facade.GetResetRequest(ctx, id)
	if !res.Success {
		return domain.PasswordResetRequest{}, res.Err()
	}
	req := res.Data
	if req.Terminal() {
		return domain.PasswordResetRequest{}, ErrAlreadyResolved
	}
	now := util.NowUTC()
	req.Status = domain.ResetRejected
	if approve {
		req.Status = domain.ResetApproved
	}
	req.ApproverID = approverID
	req.ApprovedAt = &now
	req.Note = strings.TrimSpace(note)
	req.UpdatedAt = now
	if saved := a.facade.SaveResetRequest(ctx, req); !saved.Success {
		return domain.PasswordResetRequest{}, saved.Err()
	}
	return req, nil
}

// ListResetRequests returns all requests for the admin panel.
func (a *App) ListResetRequests(ctx context.Context) domain.Result[[]domain.PasswordResetRequest] {
	return a.facade.ListResetRequests(ctx)
}
