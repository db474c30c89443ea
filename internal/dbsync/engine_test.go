package dbsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qrforge/internal/store"
	"qrforge/pkg/domain"
)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *store.MemoryStore) {
	t.Helper()
	primary := store.NewMemoryStore("redis")
	secondary := store.NewMemoryStore("postgres")
	e := New(Config{
		Primary:   primary,
		Secondary: secondary,
		Timeout:   time.Second,
	})
	return e, primary, secondary
}

func syncUser(id string, updated time.Time) domain.User {
	return domain.User{
		ID:        id,
		Email:     id + "@example.com",
		Role:      domain.RoleUser,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestBatchCopiesOneSidedRecords(t *testing.T) {
	e, primary, secondary := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := primary.SaveUser(ctx, syncUser("only-primary", now)); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if err := secondary.SaveUser(ctx, syncUser("only-secondary", now)); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}

	stats, err := e.RunBatch(ctx)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if stats.Repaired != 2 {
		t.Fatalf("expected 2 repairs, got %+v", stats)
	}
	if stats.Conflicts != 0 || stats.Errors != 0 {
		t.Fatalf("unexpected conflicts/errors: %+v", stats)
	}

	if _, found, _ := secondary.GetUserByID(ctx, "only-primary"); !found {
		t.Fatal("primary-only record not copied to secondary")
	}
	if _, found, _ := primary.GetUserByID(ctx, "only-secondary"); !found {
		t.Fatal("secondary-only record not copied to primary")
	}
}

func TestBatchResolvesUserByLastWriter(t *testing.T) {
	e, primary, secondary := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	stale := syncUser("u-1", now.Add(-time.Hour))
	stale.DisplayName = "old name"
	fresh := syncUser("u-1", now)
	fresh.DisplayName = "new name"

	if err := primary.SaveUser(ctx, stale); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if err := secondary.SaveUser(ctx, fresh); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}

	stats, err := e.RunBatch(ctx)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if stats.Conflicts != 1 || stats.Repaired != 1 {
		t.Fatalf("expected one resolved conflict, got %+v", stats)
	}

	got, found, _ := primary.GetUserByID(ctx, "u-1")
	if !found || got.DisplayName != "new name" {
		t.Fatalf("primary should hold the newer copy, got %+v", got)
	}
}

func TestBatchMergesUsersSharingEmail(t *testing.T) {
	e, primary, secondary := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	// Each store minted its own id for the same email.
	older := domain.User{
		ID: "id-a", Email: "dup@example.com", DisplayName: "first writer",
		Role: domain.RoleUser, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	newer := domain.User{
		ID: "id-b", Email: "dup@example.com", DisplayName: "second writer",
		Role: domain.RoleUser, CreatedAt: now, UpdatedAt: now,
	}
	if err := primary.SaveUser(ctx, older); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if err := secondary.SaveUser(ctx, newer); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}

	stats, err := e.RunBatch(ctx)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if stats.Conflicts != 1 || stats.Errors != 0 {
		t.Fatalf("expected one resolved conflict without errors, got %+v", stats)
	}

	// Both stores converge on exactly one record per email, keeping the
	// newer copy and dropping the superseded id.
	for _, d := range []store.Driver{primary, secondary} {
		users, err := d.ListUsers(ctx, time.Time{})
		if err != nil {
			t.Fatalf("%s list: %v", d.Name(), err)
		}
		if len(users) != 1 {
			t.Fatalf("%s should hold one record for the email, got %d", d.Name(), len(users))
		}
		if users[0].ID != "id-b" || users[0].DisplayName != "second writer" {
			t.Fatalf("%s kept the wrong copy: %+v", d.Name(), users[0])
		}
		if _, found, _ := d.GetUserByID(ctx, "id-a"); found {
			t.Fatalf("%s still holds the superseded record", d.Name())
		}
	}
}

func TestBatchUsageCounterTakesMax(t *testing.T) {
	e, primary, secondary := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := primary.SaveUsage(ctx, domain.AnonymousUsage{IP: "10.0.0.1", Count: 7, UpdatedAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if err := secondary.SaveUsage(ctx, domain.AnonymousUsage{IP: "10.0.0.1", Count: 4, UpdatedAt: now}); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}

	if _, err := e.RunBatch(ctx); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	for _, d := range []store.Driver{primary, secondary} {
		usage, found, err := d.GetUsage(ctx, "10.0.0.1")
		if err != nil || !found {
			t.Fatalf("%s usage missing: %v", d.Name(), err)
		}
		if usage.Count != 7 {
			t.Fatalf("%s count should converge to max 7, got %d", d.Name(), usage.Count)
		}
		if !usage.UpdatedAt.Equal(now) {
			t.Fatalf("%s should keep the newest timestamp, got %v", d.Name(), usage.UpdatedAt)
		}
	}

	// Replaying the reconcile for the same key is a no-op; the merge never
	// inflates the counter.
	if err := e.ReconcileKey(ctx, domain.EntityUsage, "10.0.0.1"); err != nil {
		t.Fatalf("replay reconcile: %v", err)
	}
	usage, _, _ := primary.GetUsage(ctx, "10.0.0.1")
	if usage.Count != 7 {
		t.Fatalf("replayed reconcile changed the counter: %d", usage.Count)
	}
}

func TestBatchResetTerminalBeatsPending(t *testing.T) {
	e, primary, secondary := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	approvedAt := now.Add(-time.Minute)

	// The pending copy has the NEWER timestamp; terminal still wins.
	pending := domain.PasswordResetRequest{
		ID: "r-1", UserID: "u-1", Status: domain.ResetPending,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now,
	}
	approved := domain.PasswordResetRequest{
		ID: "r-1", UserID: "u-1", Status: domain.ResetApproved,
		ApproverID: "admin-1", ApprovedAt: &approvedAt,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: approvedAt,
	}

	if err := primary.SaveResetRequest(ctx, pending); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if err := secondary.SaveResetRequest(ctx, approved); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}

	if _, err := e.RunBatch(ctx); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	got, found, _ := primary.GetResetRequest(ctx, "r-1")
	if !found || got.Status != domain.ResetApproved || got.ApproverID != "admin-1" {
		t.Fatalf("terminal state must win over newer pending, got %+v", got)
	}
}

func TestBatchConflictingTerminalsAreSkipped(t *testing.T) {
	e, primary, secondary := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	approved := domain.PasswordResetRequest{ID: "r-1", UserID: "u-1", Status: domain.ResetApproved, CreatedAt: now, UpdatedAt: now}
	rejected := domain.PasswordResetRequest{ID: "r-1", UserID: "u-1", Status: domain.ResetRejected, CreatedAt: now, UpdatedAt: now}
	if err := primary.SaveResetRequest(ctx, approved); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if err := secondary.SaveResetRequest(ctx, rejected); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}

	stats, err := e.RunBatch(ctx)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if stats.Errors != 1 {
		t.Fatalf("unresolvable conflict should count as an error, got %+v", stats)
	}

	// Neither side changed.
	p, _, _ := primary.GetResetRequest(ctx, "r-1")
	s, _, _ := secondary.GetResetRequest(ctx, "r-1")
	if p.Status != domain.ResetApproved || s.Status != domain.ResetRejected {
		t.Fatalf("skipped records must stay untouched: %v / %v", p.Status, s.Status)
	}
}

func TestBatchWatermarkSkipsUnchangedRecords(t *testing.T) {
	e, primary, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := primary.SaveUser(ctx, syncUser("u-1", now)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	stats, err := e.RunBatch(ctx)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if stats.Repaired != 1 {
		t.Fatalf("first batch should repair the one-sided record, got %+v", stats)
	}

	// Nothing changed since; with the overlap window past the record's
	// update time the next batch compares nothing.
	e.mu.Lock()
	e.watermark = time.Now().UTC().Add(time.Second)
	e.mu.Unlock()

	stats, err = e.RunBatch(ctx)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if stats.Compared != 0 {
		t.Fatalf("unchanged records must not be re-compared, got %+v", stats)
	}
}

func TestBatchKeepsWatermarkOnListingFailure(t *testing.T) {
	e, primary, secondary := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := primary.SaveUser(ctx, syncUser("u-1", now)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	secondary.SetFailing(true)

	stats, err := e.RunBatch(ctx)
	if err != nil {
		t.Fatalf("batch with failing store should still complete: %v", err)
	}
	if stats.Errors == 0 {
		t.Fatalf("listing failures must be counted, got %+v", stats)
	}
	e.mu.Lock()
	wm := e.watermark
	e.mu.Unlock()
	if !wm.IsZero() {
		t.Fatalf("watermark must not advance after a failed listing, got %v", wm)
	}

	// Store recovers; the retained watermark rescans and repairs.
	secondary.SetFailing(false)
	if _, err := e.RunBatch(ctx); err != nil {
		t.Fatalf("recovery batch: %v", err)
	}
	if _, found, _ := secondary.GetUserByID(ctx, "u-1"); !found {
		t.Fatal("record should be repaired once the store recovers")
	}
}

func TestRunBatchSingleFlight(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if !e.status.tryBegin() {
		t.Fatal("tryBegin on idle engine should succeed")
	}
	if _, err := e.RunBatch(context.Background()); !errors.Is(err, ErrBatchRunning) {
		t.Fatalf("expected ErrBatchRunning while a batch holds the flag, got %v", err)
	}
	e.status.abort()

	if _, err := e.RunBatch(context.Background()); err != nil {
		t.Fatalf("batch after release: %v", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	primary := store.NewMemoryStore("redis")
	secondary := store.NewMemoryStore("postgres")
	var depth int64 = 42
	e := New(Config{
		Primary:    primary,
		Secondary:  secondary,
		QueueDepth: func(context.Context) int64 { return depth },
	})

	ctx := context.Background()
	st := e.Status(ctx)
	if st.IsRunning || st.LastBatchSync != nil {
		t.Fatalf("fresh engine should be idle with no history, got %+v", st)
	}
	if st.QueueDepth != 42 {
		t.Fatalf("queue depth not reported: %+v", st)
	}

	if _, err := e.RunBatch(ctx); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	st = e.Status(ctx)
	if st.IsRunning {
		t.Fatal("engine should be idle after the batch")
	}
	if st.LastBatchSync == nil || st.LastBatchSync.IsZero() {
		t.Fatal("LastBatchSync must be recorded")
	}
}

func TestReconcileKeyRepairsSingleRecord(t *testing.T) {
	e, primary, secondary := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := primary.SaveUser(ctx, syncUser("u-1", now)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := e.ReconcileKey(ctx, domain.EntityUser, "u-1"); err != nil {
		t.Fatalf("reconcile key: %v", err)
	}
	if _, found, _ := secondary.GetUserByID(ctx, "u-1"); !found {
		t.Fatal("reconcile should copy the record to the secondary")
	}

	if err := e.ReconcileKey(ctx, "bogus", "u-1"); err == nil {
		t.Fatal("unknown entity must be rejected")
	}
}

func TestRunBatchConcurrentCallers(t *testing.T) {
	e, primary, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	for _, id := range []string{"a", "b", "c"} {
		if err := primary.SaveUser(ctx, syncUser(id, now)); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	var busy, ran int
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RunBatch(ctx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ran++
			case errors.Is(err, ErrBatchRunning):
				busy++
			default:
				t.Errorf("unexpected batch error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ran == 0 {
		t.Fatal("at least one batch must run")
	}
	if ran+busy != 4 {
		t.Fatalf("every caller must either run or be rejected: ran=%d busy=%d", ran, busy)
	}
}
