package txqueue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newSQLiteStoreForTest(t *testing.T, opts ...StoreOption) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "txqueue.db"),
	}, opts...)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newSQLiteStoreForTest(t)
	ctx := context.Background()

	req := newPendingRequest("r1", 0)
	req.IdempotencyKey = "job-1"
	if err := store.Enqueue(ctx, req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	loaded, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.To != "0xAA" || loaded.Status != StatusPending || loaded.CreatedAt == 0 {
		t.Fatalf("unexpected row: %+v", loaded)
	}

	byKey, err := store.FindByIdempotencyKey(ctx, "job-1")
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if byKey.ID != "r1" {
		t.Fatalf("expected r1, got %s", byKey.ID)
	}

	claimed, err := store.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != "r1" || claimed.Status != StatusClaimed || claimed.WorkerID != "w1" {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	if err := store.UpdateStatus(ctx, "r1", StatusConfirmed, StatusUpdate{TxHash: "0xabc"}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	final, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.Status != StatusConfirmed || final.TxHash != "0xabc" || final.CompletedAt == 0 {
		t.Fatalf("unexpected final row: %+v", final)
	}
}

func TestSQLiteStoreConcurrentClaim(t *testing.T) {
	store := newSQLiteStoreForTest(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, newPendingRequest("r1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Claim(ctx, "worker")
			if err == nil {
				wins <- struct{}{}
				return
			}
			if !errors.Is(err, ErrNoneClaimable) {
				t.Errorf("claim: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", count)
	}
}

func TestSQLiteStoreLeaseSweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := newSQLiteStoreForTest(t, WithStoreClock(clock), WithStoreLease(time.Minute))
	ctx := context.Background()

	if err := store.Enqueue(ctx, newPendingRequest("r1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Claim(ctx, "w2"); !errors.Is(err, ErrNoneClaimable) {
		t.Fatalf("expected none claimable before expiry, got %v", err)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	req, err := store.Claim(ctx, "w2")
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if req.AttemptCount != 1 || req.WorkerID != "w2" {
		t.Fatalf("unexpected row after sweep: %+v", req)
	}
}

func TestSQLiteStoreDuplicateIdempotencyKey(t *testing.T) {
	store := newSQLiteStoreForTest(t)
	ctx := context.Background()

	first := newPendingRequest("r1", 0)
	first.IdempotencyKey = "job-9"
	if err := store.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}

	second := newPendingRequest("r2", 0)
	second.IdempotencyKey = "job-9"
	if err := store.Enqueue(ctx, second); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	// 空幂等键不参与唯一性约束。
	third := newPendingRequest("r3", 0)
	fourth := newPendingRequest("r4", 0)
	if err := store.Enqueue(ctx, third); err != nil {
		t.Fatalf("enqueue third: %v", err)
	}
	if err := store.Enqueue(ctx, fourth); err != nil {
		t.Fatalf("enqueue fourth: %v", err)
	}
}

func TestSQLiteStoreMetrics(t *testing.T) {
	store := newSQLiteStoreForTest(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, newPendingRequest("r1", 0)); err != nil {
		t.Fatalf("enqueue r1: %v", err)
	}
	if err := store.Enqueue(ctx, newPendingRequest("r2", 0)); err != nil {
		t.Fatalf("enqueue r2: %v", err)
	}
	if _, err := store.Claim(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.UpdateStatus(ctx, "r1", StatusConfirmed, StatusUpdate{TxHash: "0x1"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	stats, err := store.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Confirmed != 1 {
		t.Fatalf("unexpected metrics: %+v", stats)
	}
}
