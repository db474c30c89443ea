package store

import (
	"context"
	"sort"
	"time"

	"qrforge/pkg/domain"
)

// Driver is the primitive operation set each backing store implements.
// Save methods are upserts keyed by the record's business key; lookups
// report absence as (zero, false, nil). Drivers never see the other store.
type Driver interface {
	// Name identifies the driver in logs and health reports.
	Name() string
	// Ping is a lightweight liveness probe.
	Ping(ctx context.Context) error
	Close() error

	// users
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	ListUsers(ctx context.Context, since time.Time) ([]domain.User, error)
	DeleteUser(ctx context.Context, id string) error

	// qr codes
	SaveQRCode(ctx context.Context, qr domain.QRCode) error
	GetQRCode(ctx context.Context, id string) (domain.QRCode, bool, error)
	ListQRCodesByOwner(ctx context.Context, ownerID string) ([]domain.QRCode, error)
	ListQRCodes(ctx context.Context, since time.Time) ([]domain.QRCode, error)
	DeleteQRCode(ctx context.Context, id string) error

	// anonymous usage counters
	GetUsage(ctx context.Context, ip string) (domain.AnonymousUsage, bool, error)
	SaveUsage(ctx context.Context, u domain.AnonymousUsage) error
	IncrUsage(ctx context.Context, ip string, at time.Time) (int64, error)
	ListUsage(ctx context.Context, since time.Time) ([]domain.AnonymousUsage, error)

	// password reset requests
	SaveResetRequest(ctx context.Context, r domain.PasswordResetRequest) error
	GetResetRequest(ctx context.Context, id string) (domain.PasswordResetRequest, bool, error)
	ListResetRequests(ctx context.Context, since time.Time) ([]domain.PasswordResetRequest, error)
}

// sortQRCodes orders codes by creation time, then id, so owner listings are
// stable no matter which driver answered.
func sortQRCodes(codes []domain.QRCode) {
	sort.Slice(codes, func(i, j int) bool {
		if codes[i].CreatedAt.Equal(codes[j].CreatedAt) {
			return codes[i].ID < codes[j].ID
		}
		return codes[i].CreatedAt.Before(codes[j].CreatedAt)
	})
}
