package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"qrforge/pkg/domain"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), "")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStoreUserRoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	user := domain.User{
		ID:           "u-1",
		Email:        "alice@example.com",
		DisplayName:  "Alice",
		PasswordHash: "$2a$10$hash",
		Role:         domain.RoleUser,
		Subscription: domain.Subscription{Plan: "free", Status: "active"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.SaveUser(ctx, user); err != nil {
		t.Fatalf("save user: %v", err)
	}

	got, found, err := s.GetUserByID(ctx, "u-1")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if !found {
		t.Fatal("expected user to be found")
	}
	if got.Email != user.Email || got.Role != user.Role || got.Subscription.Plan != "free" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(now) || !got.UpdatedAt.Equal(now) {
		t.Fatalf("timestamp mismatch: %+v", got)
	}

	byEmail, found, err := s.GetUserByEmail(ctx, "Alice@Example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if !found || byEmail.ID != "u-1" {
		t.Fatalf("email lookup should be case insensitive, got found=%v id=%q", found, byEmail.ID)
	}

	_, found, err = s.GetUserByID(ctx, "missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if found {
		t.Fatal("missing user should report not found without error")
	}
}

func TestRedisStoreDeleteUserRemovesIndexes(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.SaveUser(ctx, domain.User{ID: "u-1", Email: "a@b.co", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.DeleteUser(ctx, "u-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := s.GetUserByID(ctx, "u-1"); found {
		t.Fatal("user should be gone after delete")
	}
	if _, found, _ := s.GetUserByEmail(ctx, "a@b.co"); found {
		t.Fatal("email index should be gone after delete")
	}
	users, err := s.ListUsers(ctx, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected empty list, got %d entries", len(users))
	}
}

func TestRedisStoreListUsersSince(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	old := domain.User{ID: "u-old", Email: "old@x.co", CreatedAt: base.Add(-time.Hour), UpdatedAt: base.Add(-time.Hour)}
	fresh := domain.User{ID: "u-new", Email: "new@x.co", CreatedAt: base, UpdatedAt: base}
	if err := s.SaveUser(ctx, old); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := s.SaveUser(ctx, fresh); err != nil {
		t.Fatalf("save fresh: %v", err)
	}

	all, err := s.ListUsers(ctx, time.Time{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 users, got %d", len(all))
	}

	changed, err := s.ListUsers(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != "u-new" {
		t.Fatalf("expected only the fresh user, got %+v", changed)
	}

	// The watermark bound is exclusive: a record updated exactly at the
	// watermark is not re-listed.
	exact, err := s.ListUsers(ctx, base)
	if err != nil {
		t.Fatalf("list at watermark: %v", err)
	}
	if len(exact) != 0 {
		t.Fatalf("expected no users at exact watermark, got %+v", exact)
	}
}

func TestRedisStoreQRCodesByOwner(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	first := domain.QRCode{ID: "q-1", OwnerID: "u-1", Payload: []byte{0x01, 0xff}, CreatedAt: now.Add(-time.Minute)}
	second := domain.QRCode{ID: "q-2", OwnerID: "u-1", Payload: []byte("sealed"), CreatedAt: now}
	other := domain.QRCode{ID: "q-3", OwnerID: "u-2", Payload: []byte("x"), CreatedAt: now}
	for _, qr := range []domain.QRCode{second, first, other} {
		if err := s.SaveQRCode(ctx, qr); err != nil {
			t.Fatalf("save %s: %v", qr.ID, err)
		}
	}

	mine, err := s.ListQRCodesByOwner(ctx, "u-1")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 codes, got %d", len(mine))
	}
	if mine[0].ID != "q-1" || mine[1].ID != "q-2" {
		t.Fatalf("expected creation order, got %s then %s", mine[0].ID, mine[1].ID)
	}
	if string(mine[0].Payload) != string(first.Payload) {
		t.Fatalf("payload corrupted: %x", mine[0].Payload)
	}

	if err := s.DeleteQRCode(ctx, "q-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mine, err = s.ListQRCodesByOwner(ctx, "u-1")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "q-2" {
		t.Fatalf("owner index should drop deleted code, got %+v", mine)
	}
}

func TestRedisStoreIncrUsage(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Microsecond)
	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrUsage(ctx, "10.0.0.9", at)
		if err != nil {
			t.Fatalf("incr %d: %v", want, err)
		}
		if got != want {
			t.Fatalf("incr returned %d, want %d", got, want)
		}
	}

	usage, found, err := s.GetUsage(ctx, "10.0.0.9")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if !found || usage.Count != 3 {
		t.Fatalf("expected count 3, got found=%v count=%d", found, usage.Count)
	}

	listed, err := s.ListUsage(ctx, time.Time{})
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(listed) != 1 || listed[0].IP != "10.0.0.9" {
		t.Fatalf("unexpected usage listing: %+v", listed)
	}
}

func TestRedisStoreResetRequestRoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	req := domain.PasswordResetRequest{
		ID:        "r-1",
		UserID:    "u-1",
		Status:    domain.ResetPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveResetRequest(ctx, req); err != nil {
		t.Fatalf("save: %v", err)
	}

	approvedAt := now.Add(time.Minute)
	req.Status = domain.ResetApproved
	req.ApproverID = "admin-1"
	req.ApprovedAt = &approvedAt
	req.Note = "verified over phone"
	req.UpdatedAt = approvedAt
	if err := s.SaveResetRequest(ctx, req); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, found, err := s.GetResetRequest(ctx, "r-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected reset request")
	}
	if got.Status != domain.ResetApproved || got.ApproverID != "admin-1" || got.Note != req.Note {
		t.Fatalf("resolution fields lost: %+v", got)
	}
	if got.ApprovedAt == nil || !got.ApprovedAt.Equal(approvedAt) {
		t.Fatalf("approvedAt mismatch: %v", got.ApprovedAt)
	}

	changed, err := s.ListResetRequests(ctx, now)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != "r-1" {
		t.Fatalf("updated request should appear in the change listing: %+v", changed)
	}
}

func TestRedisStoreSaveUserRejectsTakenEmail(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := domain.User{ID: "u-1", Email: "shared@example.com", Role: domain.RoleUser, CreatedAt: now, UpdatedAt: now}
	if err := s.SaveUser(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	second := domain.User{ID: "u-2", Email: "Shared@Example.com", Role: domain.RoleUser, CreatedAt: now, UpdatedAt: now}
	if err := s.SaveUser(ctx, second); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("second id on the same email should be rejected, got %v", err)
	}

	// The owner can still update itself.
	first.DisplayName = "renamed"
	if err := s.SaveUser(ctx, first); err != nil {
		t.Fatalf("owner update: %v", err)
	}

	// Deleting the owner releases the email for reuse.
	if err := s.DeleteUser(ctx, "u-1"); err != nil {
		t.Fatalf("delete owner: %v", err)
	}
	if err := s.SaveUser(ctx, second); err != nil {
		t.Fatalf("save after release: %v", err)
	}
	got, found, err := s.GetUserByEmail(ctx, "shared@example.com")
	if err != nil || !found {
		t.Fatalf("lookup after reuse: found=%v err=%v", found, err)
	}
	if got.ID != "u-2" {
		t.Fatalf("email should now resolve to u-2, got %q", got.ID)
	}
}

func TestRedisStorePingDown(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), "")
	defer s.Close()

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping while up: %v", err)
	}

	mr.Close()
	if err := s.Ping(ctx); err == nil {
		t.Fatal("ping after close should fail")
	}
	if _, _, err := s.GetUserByID(ctx, "u-1"); !IsUnavailable(err) {
		t.Fatalf("reads against a dead server should report unavailable, got %v", err)
	}
}
